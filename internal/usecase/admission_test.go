package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/domain"
)

// fakeLedger keeps balances and journal rows in memory with the same
// idempotency rules as the real repository.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]int64
	rows     map[string]int64 // (reason|reference) → amount
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[int64]int64{}, rows: map[string]int64{}}
}

func (f *fakeLedger) key(reason, ref string) string { return reason + "|" + ref }

func (f *fakeLedger) RecordChange(_ domain.Context, userID, amount int64, reason, referenceID string) (domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(reason, referenceID)
	if _, dup := f.rows[k]; dup {
		return domain.LedgerEntry{}, fmt.Errorf("op=fake.record: %w", domain.ErrConflict)
	}
	f.rows[k] = amount
	f.balances[userID] += amount
	return domain.LedgerEntry{UserID: userID, Amount: amount, Reason: reason, ReferenceID: referenceID, BalanceAfter: f.balances[userID]}, nil
}

func (f *fakeLedger) DeductIdempotent(_ domain.Context, userID, amount int64, reason, referenceID string) (domain.DeductOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.rows[f.key(reason, referenceID)]; ok && v < 0 {
		return domain.DeductAlreadyDone, nil
	}
	if f.balances[userID] < amount {
		return domain.DeductInsufficient, nil
	}
	f.rows[f.key(reason, referenceID)] = -amount
	f.balances[userID] -= amount
	return domain.DeductApplied, nil
}

func (f *fakeLedger) Refund(ctx domain.Context, userID, amount int64, requestID string) error {
	_, err := f.RecordChange(ctx, userID, amount, domain.ReasonRefund, "refund_"+requestID)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

func (f *fakeLedger) BalanceOf(_ domain.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeLedger) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.rows {
		if len(k) > 7 && k[:7] == "refund|" {
			n++
		}
	}
	return n
}

type fakeUsers struct {
	users map[int64]domain.User
}

func (f *fakeUsers) GetOrCreate(_ domain.Context, p domain.NewUserParams) (domain.User, bool, error) {
	u, ok := f.users[p.TelegramID]
	if ok {
		return u, false, nil
	}
	return domain.User{}, false, domain.ErrNotFound
}
func (f *fakeUsers) GetByTelegramID(_ domain.Context, tg int64) (domain.User, error) {
	u, ok := f.users[tg]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (f *fakeUsers) GetByReferralCode(domain.Context, string) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}
func (f *fakeUsers) SetAdmin(domain.Context, int64, bool) error  { return nil }
func (f *fakeUsers) SetBanned(domain.Context, int64, bool) error { return nil }
func (f *fakeUsers) Stats(domain.Context) (domain.Stats, error)  { return domain.Stats{}, nil }

type fakeGens struct {
	mu      sync.Mutex
	created []domain.Generation
	status  map[string]string
}

func newFakeGens() *fakeGens { return &fakeGens{status: map[string]string{}} }

func (f *fakeGens) Create(_ domain.Context, g domain.Generation) (domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, g)
	f.status[g.RequestID] = g.Status
	return g, nil
}
func (f *fakeGens) SetStatus(_ domain.Context, requestID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[requestID] = status
	return nil
}

func newAdmissionFixture(t *testing.T, userCap, globalCap int) (*AdmissionService, *store.Queue, *fakeLedger, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewWithClient(rdb)
	q := store.NewQueue(st, store.QueueConfig{UserCap: userCap, GlobalCap: globalCap, LockTTL: 5 * time.Minute})

	ledger := newFakeLedger()
	users := &fakeUsers{users: map[int64]domain.User{
		1001: {ID: 11, TelegramID: 1001, Balance: 50},
		1002: {ID: 12, TelegramID: 1002, Balance: 100},
		666:  {ID: 66, TelegramID: 666, IsBanned: true},
	}}
	ledger.balances[11] = 50
	ledger.balances[12] = 100

	svc := NewAdmissionService(q, ledger, users, newFakeGens())
	return svc, q, ledger, st
}

func req(id string, tg int64, cost int64) domain.JobRequest {
	userID := int64(11)
	if tg == 1002 {
		userID = 12
	}
	return domain.JobRequest{
		TelegramID: tg,
		UserID:     userID,
		RequestID:  id,
		Kind:       domain.KindEditImage,
		Cost:       cost,
		ChatID:     tg,
		Edit:       &domain.EditImageSpec{Prompt: "warmer light"},
	}
}

func TestAdmitHappyPath(t *testing.T) {
	svc, q, ledger, _ := newAdmissionFixture(t, 3, 10)
	ctx := context.Background()

	out, err := svc.Admit(ctx, req("r1", 1001, 19))
	require.NoError(t, err)
	require.Equal(t, 0, out.Position)

	bal, err := ledger.BalanceOf(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, int64(31), bal)

	status, err := q.Status(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskQueued, status)

	id, err := q.ActiveRequestID(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, "r1", id)
}

func TestAdmitInsufficientBalance(t *testing.T) {
	svc, q, ledger, _ := newAdmissionFixture(t, 3, 10)
	ctx := context.Background()

	_, err := svc.Admit(ctx, req("r1", 1001, 99))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Nothing written anywhere.
	bal, _ := ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
	_, err = q.ActiveRequestID(ctx, 1001)
	require.ErrorIs(t, err, domain.ErrNotFound)
	n, _ := q.Len(ctx)
	require.Zero(t, n)
}

func TestAdmitAlreadyActiveUnwindsCharge(t *testing.T) {
	svc, q, ledger, _ := newAdmissionFixture(t, 3, 10)
	ctx := context.Background()

	_, err := svc.Admit(ctx, req("r1", 1001, 19))
	require.NoError(t, err)

	_, err = svc.Admit(ctx, req("r2", 1001, 19))
	require.ErrorIs(t, err, domain.ErrAlreadyActive)

	// The second charge is unwound: debit r2 + refund r2 net to zero.
	bal, _ := ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(31), bal)
	require.Equal(t, 1, ledger.refundCount())

	// r1 untouched.
	id, err := q.ActiveRequestID(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, "r1", id)
}

func TestAdmitGlobalQueueFullUnwindsEverything(t *testing.T) {
	svc, q, ledger, _ := newAdmissionFixture(t, 5, 1)
	ctx := context.Background()

	_, err := svc.Admit(ctx, req("r1", 1002, 10))
	require.NoError(t, err)

	_, err = svc.Admit(ctx, req("r2", 1001, 19))
	require.ErrorIs(t, err, domain.ErrGlobalQueueFull)

	// Debit refunded, lock released, user slot returned, no task record.
	bal, _ := ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
	_, err = q.ActiveRequestID(ctx, 1001)
	require.ErrorIs(t, err, domain.ErrNotFound)
	c, _ := q.UserQueuedCount(ctx, 1001)
	require.Zero(t, c)
	_, err = q.Status(ctx, "r2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmitUserQueueFull(t *testing.T) {
	svc, q, ledger, _ := newAdmissionFixture(t, 0, 10)
	ctx := context.Background()

	_, err := svc.Admit(ctx, req("r1", 1001, 5))
	require.ErrorIs(t, err, domain.ErrUserQueueFull)

	bal, _ := ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
	_, err = q.ActiveRequestID(ctx, 1001)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmitAdminBypassesCharge(t *testing.T) {
	svc, _, ledger, _ := newAdmissionFixture(t, 3, 10)
	ctx := context.Background()

	r := req("r1", 1002, 1000)
	r.IsAdmin = true
	_, err := svc.Admit(ctx, r)
	require.NoError(t, err)

	bal, _ := ledger.BalanceOf(ctx, 12)
	require.Equal(t, int64(100), bal)
}

func TestAdmitBannedUser(t *testing.T) {
	svc, _, _, _ := newAdmissionFixture(t, 3, 10)
	r := domain.JobRequest{
		TelegramID: 666, UserID: 66, RequestID: "r1",
		Kind: domain.KindGenerateImage, Cost: 1,
		Generate: &domain.GenerateImageSpec{Prompt: "x"},
	}
	_, err := svc.Admit(context.Background(), r)
	require.ErrorIs(t, err, domain.ErrBanned)
}

func TestAdmitValidation(t *testing.T) {
	svc, _, _, _ := newAdmissionFixture(t, 3, 10)
	ctx := context.Background()

	_, err := svc.Admit(ctx, domain.JobRequest{TelegramID: 1001, RequestID: "", Kind: domain.KindEditImage})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	bad := req("r1", 1001, 5)
	bad.Kind = "resize"
	_, err = svc.Admit(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	twoVariants := req("r2", 1001, 5)
	twoVariants.Generate = &domain.GenerateImageSpec{Prompt: "x"}
	_, err = svc.Admit(ctx, twoVariants)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAdmitDebitIdempotentAcrossRetries(t *testing.T) {
	svc, q, ledger, _ := newAdmissionFixture(t, 3, 10)
	ctx := context.Background()

	_, err := svc.Admit(ctx, req("r1", 1001, 19))
	require.NoError(t, err)

	// A client retry with the same request id is stopped by the active lock.
	// Its debit path sees the existing row (AlreadyDeducted), so the unwind
	// must NOT refund the in-flight admission's charge.
	_, err = svc.Admit(ctx, req("r1", 1001, 19))
	require.ErrorIs(t, err, domain.ErrAlreadyActive)

	bal, _ := ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(31), bal)
	require.Zero(t, ledger.refundCount())

	status, err := q.Status(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskQueued, status)
}
