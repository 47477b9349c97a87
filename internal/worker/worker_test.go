package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]int64
	refunds  map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[int64]int64{}, refunds: map[string]bool{}}
}

func (f *fakeLedger) RecordChange(_ domain.Context, userID, amount int64, _, _ string) (domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] += amount
	return domain.LedgerEntry{}, nil
}

func (f *fakeLedger) DeductIdempotent(_ domain.Context, userID, amount int64, _, _ string) (domain.DeductOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID] < amount {
		return domain.DeductInsufficient, nil
	}
	f.balances[userID] -= amount
	return domain.DeductApplied, nil
}

func (f *fakeLedger) Refund(_ domain.Context, userID, amount int64, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refunds[requestID] {
		return nil
	}
	f.refunds[requestID] = true
	f.balances[userID] += amount
	return nil
}

func (f *fakeLedger) BalanceOf(_ domain.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	results  int
}

func (f *fakeNotifier) Notify(_ domain.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeNotifier) SendResult(domain.Context, int64, domain.JobKind, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results++
	return nil
}

func (f *fakeNotifier) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results
}

type fakeGens struct {
	mu     sync.Mutex
	status map[string]string
}

func (f *fakeGens) Create(_ domain.Context, g domain.Generation) (domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[g.RequestID] = g.Status
	return g, nil
}

func (f *fakeGens) SetStatus(_ domain.Context, requestID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[requestID] = status
	return nil
}

// funcBackend lets a test observe or interfere mid-invocation.
type funcBackend struct {
	fn func(ctx domain.Context, task domain.TaskRecord) ([]byte, error)
}

func (b funcBackend) Invoke(ctx domain.Context, task domain.TaskRecord) ([]byte, error) {
	return b.fn(ctx, task)
}

func okResult() []byte {
	data := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	for len(data) < 2048 {
		data = append(data, 0)
	}
	return data
}

type fixture struct {
	w        *Worker
	queue    *store.Queue
	gpu      *store.GPUSemaphore
	st       *store.Store
	ledger   *fakeLedger
	notifier *fakeNotifier
	gens     *fakeGens
}

func newFixture(t *testing.T, backend domain.Backend) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewWithClient(rdb)
	queue := store.NewQueue(st, store.QueueConfig{UserCap: 3, GlobalCap: 10, LockTTL: 5 * time.Minute})
	gpu := store.NewGPUSemaphore(st, 1)
	ledger := newFakeLedger()
	ledger.balances[11] = 31 // balance after the admission debit of 19
	notifier := &fakeNotifier{}
	gens := &fakeGens{status: map[string]string{}}
	cfg := config.Config{GenerationTimeout: 5 * time.Second, MaxGPUJobs: 1}
	w := New(queue, gpu, st, ledger, gens, backend, notifier, cfg)
	w.poll = 10 * time.Millisecond
	w.gpuWait = 10 * time.Millisecond
	return &fixture{w: w, queue: queue, gpu: gpu, st: st, ledger: ledger, notifier: notifier, gens: gens}
}

func enqueue(t *testing.T, fx *fixture, id string) domain.TaskRecord {
	t.Helper()
	ctx := context.Background()
	rec := domain.TaskRecord{
		TelegramID: 1001, UserID: 11, RequestID: id, Kind: domain.KindEditImage,
		Cost: 19, ChatID: 1001, Edit: &domain.EditImageSpec{Prompt: "warmer light"},
	}
	locked, err := fx.queue.AcquireActiveLock(ctx, rec.TelegramID, id)
	require.NoError(t, err)
	require.True(t, locked)
	require.NoError(t, fx.queue.ReserveUserSlot(ctx, rec.TelegramID))
	_, err = fx.queue.Enqueue(ctx, rec)
	require.NoError(t, err)
	return rec
}

func TestWorkerHappyPath(t *testing.T) {
	fx := newFixture(t, funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		return okResult(), nil
	}})
	ctx := context.Background()
	enqueue(t, fx, "r1")

	require.NoError(t, fx.w.step(ctx))

	status, err := fx.queue.Status(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, status)
	require.Equal(t, "completed", fx.gens.status["r1"])
	require.Equal(t, 1, fx.notifier.resultCount())

	// No refund on success; balance stays at post-debit value.
	bal, _ := fx.ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(31), bal)

	// Resources released.
	_, err = fx.queue.ActiveRequestID(ctx, 1001)
	require.ErrorIs(t, err, domain.ErrNotFound)
	active, _ := fx.gpu.ActiveJobs(ctx)
	require.Zero(t, active)

	// Last job cached for "do it again".
	job, ok, err := fx.st.LastJob(ctx, 1001)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.KindEditImage, job.Kind)
	require.Equal(t, "warmer light", job.Prompt)
}

func TestWorkerFailureRefunds(t *testing.T) {
	fx := newFixture(t, funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		return nil, fmt.Errorf("op=test: %w", domain.ErrBackendUnavailable)
	}})
	ctx := context.Background()
	enqueue(t, fx, "r1")

	require.NoError(t, fx.w.step(ctx))

	status, _ := fx.queue.Status(ctx, "r1")
	require.Equal(t, domain.TaskFailed, status)
	bal, _ := fx.ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
	require.Equal(t, "failed", fx.gens.status["r1"])
	require.Zero(t, fx.notifier.resultCount())
}

func TestWorkerRejectedInputStillRefunds(t *testing.T) {
	fx := newFixture(t, funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		return nil, fmt.Errorf("op=test: %w", domain.ErrBackendRejected)
	}})
	ctx := context.Background()
	enqueue(t, fx, "r1")

	require.NoError(t, fx.w.step(ctx))

	// User-error rejections refund uniformly.
	bal, _ := fx.ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
}

func TestWorkerCancelledInQueue(t *testing.T) {
	fx := newFixture(t, funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		t.Fatal("backend must not be called for a cancelled task")
		return nil, nil
	}})
	ctx := context.Background()
	enqueue(t, fx, "r1")

	// Cancel before the worker picks it up, simulating the status flip of a
	// cancel that raced the dequeue (id already popped, record cancelled).
	ok, err := fx.queue.CancelProcessing(ctx, "r1")
	require.NoError(t, err)
	require.False(t, ok) // still queued, so this path: flip via record rewrite
	rec, ok, err := fx.queue.CancelQueued(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", rec.RequestID)
	// Put the id back to model the race where the pop happens after the flip.
	require.NoError(t, fx.st.PushTail(ctx, "task_queue", "r1"))

	require.NoError(t, fx.w.step(ctx))

	bal, _ := fx.ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
	_, err = fx.queue.ActiveRequestID(ctx, 1001)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerCancelAtCheckpointB(t *testing.T) {
	var fx *fixture
	fx = newFixture(t, funcBackend{fn: func(ctx domain.Context, task domain.TaskRecord) ([]byte, error) {
		// Cancellation lands while the backend call is in flight.
		ok, err := fx.queue.CancelProcessing(ctx, task.RequestID)
		require.NoError(t, err)
		require.True(t, ok)
		return okResult(), nil
	}})
	ctx := context.Background()
	enqueue(t, fx, "r3")

	require.NoError(t, fx.w.step(ctx))

	// Result discarded, refund written, nothing delivered.
	status, _ := fx.queue.Status(ctx, "r3")
	require.Equal(t, domain.TaskCancelled, status)
	require.Zero(t, fx.notifier.resultCount())
	bal, _ := fx.ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(50), bal)
	require.Equal(t, "cancelled", fx.gens.status["r3"])

	active, _ := fx.gpu.ActiveJobs(ctx)
	require.Zero(t, active)
}

func TestWorkerParksWhenGPUSaturated(t *testing.T) {
	fx := newFixture(t, funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		t.Fatal("backend must not run while the gpu is saturated")
		return nil, nil
	}})
	ctx := context.Background()

	// Another worker's task holds the only slot.
	held, err := fx.gpu.Acquire(ctx, "other")
	require.NoError(t, err)
	require.True(t, held)

	enqueue(t, fx, "r1")

	done := make(chan error, 1)
	go func() { done <- fx.w.step(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("step did not return")
	}

	// Task parked back at the head, still queued, slot still reserved.
	status, err := fx.queue.Status(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.TaskQueued, status)
	n, _ := fx.queue.Len(ctx)
	require.Equal(t, int64(1), n)
	c, _ := fx.queue.UserQueuedCount(ctx, 1001)
	require.Equal(t, int64(1), c)

	// Slot frees up: the next step processes it.
	require.NoError(t, fx.gpu.Release(ctx, "other"))
	fx.w.Backend = funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		return okResult(), nil
	}}
	require.NoError(t, fx.w.step(ctx))
	status, _ = fx.queue.Status(ctx, "r1")
	require.Equal(t, domain.TaskCompleted, status)
}

func TestWorkerAdminTaskNeverRefunds(t *testing.T) {
	fx := newFixture(t, funcBackend{fn: func(domain.Context, domain.TaskRecord) ([]byte, error) {
		return nil, fmt.Errorf("op=test: %w", domain.ErrBackendTimeout)
	}})
	ctx := context.Background()
	rec := domain.TaskRecord{
		TelegramID: 1001, UserID: 11, RequestID: "r9", Kind: domain.KindEditImage,
		Cost: 19, IsAdmin: true, ChatID: 1001, Edit: &domain.EditImageSpec{Prompt: "x"},
	}
	_, err := fx.queue.Enqueue(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, fx.w.step(ctx))

	bal, _ := fx.ledger.BalanceOf(ctx, 11)
	require.Equal(t, int64(31), bal)
	require.False(t, fx.ledger.refunds["r9"])
}
