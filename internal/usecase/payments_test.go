package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rinat3636/mybottg/internal/domain"
)

// fakePaymentRepo mirrors the real Settle semantics in memory, including the
// decimal amount check and idempotent re-settlement.
type fakePaymentRepo struct {
	payments map[string]*domain.Payment
	credited map[string]bool
	nextID   int64
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[string]*domain.Payment{}, credited: map[string]bool{}}
}

func (f *fakePaymentRepo) Create(_ domain.Context, p domain.Payment) (domain.Payment, error) {
	if _, dup := f.payments[p.ProviderID]; dup {
		return domain.Payment{}, domain.ErrConflict
	}
	f.nextID++
	p.ID = f.nextID
	p.Status = domain.PaymentPending
	p.CreatedAt = time.Now().UTC()
	f.payments[p.ProviderID] = &p
	return p, nil
}

func (f *fakePaymentRepo) GetByProviderID(_ domain.Context, id string) (domain.Payment, error) {
	p, ok := f.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	return *p, nil
}

func (f *fakePaymentRepo) OwnerTelegramID(_ domain.Context, id string) (int64, error) {
	p, ok := f.payments[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	// Test convention: telegram id = user id + 990.
	return p.UserID + 990, nil
}

func (f *fakePaymentRepo) ListPendingBefore(_ domain.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range f.payments {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePaymentRepo) Settle(_ domain.Context, id, value, currency string) (domain.SettleOutcome, error) {
	p, ok := f.payments[id]
	if !ok {
		return domain.SettleNotFound, nil
	}
	if p.Status == domain.PaymentSucceeded {
		return domain.SettleAlreadyDone, nil
	}
	got, err := decimal.NewFromString(value)
	if err != nil || currency != "RUB" || !got.Equal(decimal.NewFromInt(p.AmountRUB)) {
		return domain.SettleMismatch, nil
	}
	p.Status = domain.PaymentSucceeded
	now := time.Now().UTC()
	p.PaidAt = &now
	f.credited[id] = true
	return domain.SettleApplied, nil
}

type fakeProvider struct {
	payments map[string]domain.ProviderPayment
	created  []string
	err      error
}

func (f *fakeProvider) CreatePayment(_ domain.Context, amountRUB, credits int64, idemKey string, _ int64) (domain.ProviderPayment, error) {
	if f.err != nil {
		return domain.ProviderPayment{}, f.err
	}
	f.created = append(f.created, idemKey)
	id := "prov-" + idemKey[:8]
	p := domain.ProviderPayment{ID: id, Status: "pending", ConfirmationURL: "https://pay.example/" + id}
	f.payments[id] = p
	return p, nil
}

func (f *fakeProvider) GetPayment(_ domain.Context, id string) (domain.ProviderPayment, error) {
	if f.err != nil {
		return domain.ProviderPayment{}, f.err
	}
	p, ok := f.payments[id]
	if !ok {
		return domain.ProviderPayment{}, domain.ErrNotFound
	}
	return p, nil
}

func newPaymentFixture(t *testing.T) (*PaymentService, *fakePaymentRepo, *fakeProvider, *fakeNotifier) {
	t.Helper()
	repo := newFakePaymentRepo()
	provider := &fakeProvider{payments: map[string]domain.ProviderPayment{}}
	users := &fakeUsers{users: map[int64]domain.User{
		1001: {ID: 11, TelegramID: 1001, Balance: 0},
	}}
	notifier := &fakeNotifier{}
	svc := NewPaymentService(repo, users, provider, notifier, 10*time.Minute)
	return svc, repo, provider, notifier
}

func TestCreatePaymentValidatesPackage(t *testing.T) {
	svc, _, _, _ := newPaymentFixture(t)
	_, err := svc.CreatePayment(context.Background(), 1001, 150)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreatePaymentHappyPath(t *testing.T) {
	svc, repo, provider, _ := newPaymentFixture(t)
	ctx := context.Background()

	created, err := svc.CreatePayment(ctx, 1001, 200)
	require.NoError(t, err)
	require.Equal(t, int64(200), created.AmountRUB)
	require.Equal(t, int64(200), created.Credits)
	require.NotEmpty(t, created.PaymentURL)
	require.Len(t, provider.created, 1)

	p, err := repo.GetByProviderID(ctx, created.ProviderID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPending, p.Status)
}

func settleableFixture(t *testing.T) (*PaymentService, *fakePaymentRepo, *fakeProvider, *fakeNotifier, string) {
	svc, repo, provider, notifier := newPaymentFixture(t)
	created, err := svc.CreatePayment(context.Background(), 1001, 200)
	require.NoError(t, err)
	return svc, repo, provider, notifier, created.ProviderID
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	svc, repo, _, _, id := settleableFixture(t)
	ctx := context.Background()

	evt := WebhookEvent{Event: "payment.waiting_for_capture"}
	evt.Object.ID = id
	evt.Object.Status = "pending"
	ok, err := svc.ProcessWebhook(ctx, evt)
	require.NoError(t, err)
	require.False(t, ok)

	p, _ := repo.GetByProviderID(ctx, id)
	require.Equal(t, domain.PaymentPending, p.Status)
}

func TestWebhookFailClosedOnProviderDisagreement(t *testing.T) {
	svc, repo, provider, _, id := settleableFixture(t)
	ctx := context.Background()

	// Webhook claims success but the provider's API still says pending.
	evt := WebhookEvent{Event: "payment.succeeded"}
	evt.Object.ID = id
	evt.Object.Status = "succeeded"
	ok, err := svc.ProcessWebhook(ctx, evt)
	require.NoError(t, err)
	require.False(t, ok)

	p, _ := repo.GetByProviderID(ctx, id)
	require.Equal(t, domain.PaymentPending, p.Status)
	require.False(t, provider.payments[id].Status == "succeeded")
}

func markProviderSucceeded(provider *fakeProvider, id, value, currency string) {
	p := provider.payments[id]
	p.Status = "succeeded"
	p.AmountValue = value
	p.AmountCurrency = currency
	provider.payments[id] = p
}

func TestWebhookSettlesVerifiedPayment(t *testing.T) {
	svc, repo, provider, notifier, id := settleableFixture(t)
	ctx := context.Background()
	markProviderSucceeded(provider, id, "200.00", "RUB")

	evt := WebhookEvent{Event: "payment.succeeded"}
	evt.Object.ID = id
	evt.Object.Status = "succeeded"
	ok, err := svc.ProcessWebhook(ctx, evt)
	require.NoError(t, err)
	require.True(t, ok)

	p, _ := repo.GetByProviderID(ctx, id)
	require.Equal(t, domain.PaymentSucceeded, p.Status)
	require.NotNil(t, p.PaidAt)
	require.True(t, repo.credited[id])
	require.NotEmpty(t, notifier.messages)
}

func TestWebhookDuplicateIsIdempotent(t *testing.T) {
	svc, repo, provider, notifier, id := settleableFixture(t)
	ctx := context.Background()
	markProviderSucceeded(provider, id, "200.00", "RUB")

	evt := WebhookEvent{Event: "payment.succeeded"}
	evt.Object.ID = id
	evt.Object.Status = "succeeded"

	ok, err := svc.ProcessWebhook(ctx, evt)
	require.NoError(t, err)
	require.True(t, ok)
	firstNotifies := len(notifier.messages)

	// The identical webhook again: idempotent success, no second credit,
	// no second notification.
	ok, err = svc.ProcessWebhook(ctx, evt)
	require.NoError(t, err)
	require.True(t, ok)

	p, _ := repo.GetByProviderID(ctx, id)
	require.Equal(t, domain.PaymentSucceeded, p.Status)
	require.Len(t, notifier.messages, firstNotifies)
}

func TestWebhookRefusesAmountMismatch(t *testing.T) {
	svc, repo, provider, _, id := settleableFixture(t)
	ctx := context.Background()
	markProviderSucceeded(provider, id, "100.00", "RUB")

	evt := WebhookEvent{Event: "payment.succeeded"}
	evt.Object.ID = id
	evt.Object.Status = "succeeded"
	ok, err := svc.ProcessWebhook(ctx, evt)
	require.NoError(t, err)
	require.False(t, ok)

	p, _ := repo.GetByProviderID(ctx, id)
	require.Equal(t, domain.PaymentPending, p.Status)
}

func TestWebhookRefusesWrongCurrency(t *testing.T) {
	svc, _, provider, _, id := settleableFixture(t)
	markProviderSucceeded(provider, id, "200.00", "USD")

	evt := WebhookEvent{Event: "payment.succeeded"}
	evt.Object.ID = id
	evt.Object.Status = "succeeded"
	ok, err := svc.ProcessWebhook(context.Background(), evt)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfirmByUserChecksOwnership(t *testing.T) {
	svc, _, provider, _, id := settleableFixture(t)
	ctx := context.Background()
	markProviderSucceeded(provider, id, "200.00", "RUB")

	// Wrong user (owner telegram id is 11+990=1001).
	_, err := svc.ConfirmByUser(ctx, 2002, id)
	require.ErrorIs(t, err, domain.ErrForbidden)

	ok, err := svc.ConfirmByUser(ctx, 1001, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReconcileSettlesStalePending(t *testing.T) {
	svc, repo, provider, _, id := settleableFixture(t)
	ctx := context.Background()
	markProviderSucceeded(provider, id, "200.00", "RUB")

	// Fresh payments are skipped until they age past the cutoff.
	n, err := svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	repo.payments[id].CreatedAt = time.Now().Add(-time.Hour)
	n, err = svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p, _ := repo.GetByProviderID(ctx, id)
	require.Equal(t, domain.PaymentSucceeded, p.Status)

	// Nothing left to reconcile.
	n, err = svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
