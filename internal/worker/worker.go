// Package worker drives queued generation tasks to a terminal state.
//
// One task is in flight per worker; multiple worker processes may coexist
// because the GPU semaphore in the shared store enforces the true hardware
// limit. Cancellation is observed at two checkpoints: before the backend
// call and after it returns.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
	"github.com/rinat3636/mybottg/internal/observability"
)

const (
	pollInterval = time.Second
	gpuWait      = 5 * time.Second
	errorPause   = 2 * time.Second
)

// Worker polls the task queue and processes one job at a time.
type Worker struct {
	Queue    *store.Queue
	GPU      *store.GPUSemaphore
	Store    *store.Store
	Ledger   domain.Ledger
	Gens     domain.GenerationRepository
	Backend  domain.Backend
	Notifier domain.Notifier
	Cfg      config.Config

	poll    time.Duration
	gpuWait time.Duration
}

// New constructs a Worker.
func New(q *store.Queue, gpu *store.GPUSemaphore, st *store.Store, l domain.Ledger, g domain.GenerationRepository, b domain.Backend, n domain.Notifier, cfg config.Config) *Worker {
	return &Worker{
		Queue: q, GPU: gpu, Store: st, Ledger: l, Gens: g, Backend: b, Notifier: n, Cfg: cfg,
		poll: pollInterval, gpuWait: gpuWait,
	}
}

// Run polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("queue worker started")
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("queue worker stopping")
			return nil
		}
		if err := w.step(ctx); err != nil {
			slog.Error("worker loop error", slog.Any("error", err))
			sleep(ctx, errorPause)
		}
	}
}

// step handles at most one task.
func (w *Worker) step(ctx context.Context) error {
	rec, ok, err := w.Queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	if !ok {
		sleep(ctx, w.poll)
		return nil
	}

	// Cancelled while waiting in the queue.
	status, err := w.Queue.Status(ctx, rec.RequestID)
	if err == nil && status == domain.TaskCancelled {
		slog.Info("task cancelled before processing, skipping", slog.String("request_id", rec.RequestID))
		w.refundAndNotify(ctx, rec, "Generation cancelled. Credits refunded.")
		w.releaseLock(ctx, rec)
		return nil
	}

	acquired, err := w.GPU.Acquire(ctx, rec.RequestID)
	if err != nil {
		// Fail open like the release path: the marker TTL bounds the damage.
		acquired = true
	}
	if !acquired {
		active, _ := w.GPU.ActiveJobs(ctx)
		slog.Info("gpu at capacity, parking task",
			slog.String("request_id", rec.RequestID),
			slog.Int64("active_jobs", active),
			slog.Int("max_jobs", w.GPU.MaxJobs()))
		w.notify(ctx, rec.ChatID, "The server is busy right now. Your job keeps its place in the queue.")
		// Park at the head so submission order is preserved across users.
		if err := w.Queue.RequeueHead(ctx, rec); err != nil {
			return err
		}
		sleep(ctx, w.gpuWait)
		return nil
	}

	defer func() {
		if err := w.GPU.Release(ctx, rec.RequestID); err != nil {
			slog.Error("gpu release failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
		}
		w.releaseLock(ctx, rec)
	}()

	w.process(ctx, rec)
	return nil
}

// process drives one task from processing to a terminal state.
func (w *Worker) process(ctx context.Context, rec domain.TaskRecord) {
	tr := otel.Tracer("worker")
	ctx, span := tr.Start(ctx, "Worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.request_id", rec.RequestID),
		attribute.String("job.kind", string(rec.Kind)),
	)

	if err := w.Queue.SetStatus(ctx, rec.RequestID, domain.TaskProcessing); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.Warn("task not transitionable to processing", slog.String("request_id", rec.RequestID), slog.Any("error", err))
			return
		}
		slog.Error("set status processing failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
		return
	}
	w.setGeneration(ctx, rec, "processing")
	w.notify(ctx, rec.ChatID, "Processing your request. This can take a little while.")

	// Checkpoint A: cancelled after dequeue, before the backend call.
	if w.cancelled(ctx, rec.RequestID) {
		slog.Info("task cancelled before backend call", slog.String("request_id", rec.RequestID))
		w.setGeneration(ctx, rec, "cancelled")
		w.refundAndNotify(ctx, rec, "Generation cancelled. Credits refunded.")
		return
	}

	timeout := w.Cfg.GenerationTimeoutFor(rec.Kind.VideoClass())
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := w.Backend.Invoke(callCtx, rec)
	cancel()

	// Checkpoint B: cancelled while the backend call was in flight. The
	// result, if any, is discarded.
	if w.cancelled(ctx, rec.RequestID) {
		slog.Info("task cancelled during backend call, discarding result", slog.String("request_id", rec.RequestID))
		w.setGeneration(ctx, rec, "cancelled")
		w.refundAndNotify(ctx, rec, "Generation cancelled. Credits refunded.")
		return
	}

	if err != nil {
		w.fail(ctx, rec, err)
		return
	}

	if err := w.Queue.SetStatus(ctx, rec.RequestID, domain.TaskCompleted); err != nil {
		slog.Error("set status completed failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
	w.setGeneration(ctx, rec, "completed")
	observability.JobsProcessed.WithLabelValues("completed").Inc()

	if err := w.Notifier.SendResult(ctx, rec.ChatID, rec.Kind, result); err != nil {
		slog.Warn("result delivery failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
	w.cacheLastJob(ctx, rec)
	slog.Info("task completed", slog.String("request_id", rec.RequestID), slog.Int("result_bytes", len(result)))
}

// fail records a terminal failure, refunds, and tells the user what went
// wrong in terms they can act on.
func (w *Worker) fail(ctx context.Context, rec domain.TaskRecord, cause error) {
	if err := w.Queue.SetStatus(ctx, rec.RequestID, domain.TaskFailed); err != nil {
		slog.Error("set status failed failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
	w.setGeneration(ctx, rec, "failed")
	observability.JobsProcessed.WithLabelValues("failed").Inc()
	slog.Error("task failed", slog.String("request_id", rec.RequestID), slog.Any("error", cause))

	// Refund uniformly on every non-completed terminal state, including
	// user-input rejections, so balance accounting stays decidable.
	w.refundAndNotify(ctx, rec, failureMessage(cause))
}

func failureMessage(cause error) string {
	switch {
	case errors.Is(cause, domain.ErrBackendUnavailable):
		return "The generation service is temporarily unavailable. Credits refunded, please try again later."
	case errors.Is(cause, domain.ErrBackendTimeout):
		return "Generation took too long and was stopped. Credits refunded. Try a simpler prompt."
	case errors.Is(cause, domain.ErrBackendRejected):
		return "The photo could not be processed: no clear face detected. Credits refunded. Upload a photo with a well-lit, unobstructed face."
	case errors.Is(cause, domain.ErrBackendInvalid):
		return "The result did not pass validation. Credits refunded, please try again."
	default:
		return "Something went wrong. Credits refunded, please try again later."
	}
}

func (w *Worker) cancelled(ctx context.Context, requestID string) bool {
	status, err := w.Queue.Status(ctx, requestID)
	return err == nil && status == domain.TaskCancelled
}

func (w *Worker) refundAndNotify(ctx context.Context, rec domain.TaskRecord, msg string) {
	if !rec.IsAdmin {
		if err := w.Ledger.Refund(ctx, rec.UserID, rec.Cost, rec.RequestID); err != nil {
			slog.Error("refund failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
		} else {
			observability.RefundsIssued.Inc()
		}
	}
	w.notify(ctx, rec.ChatID, msg)
}

func (w *Worker) releaseLock(ctx context.Context, rec domain.TaskRecord) {
	if err := w.Queue.ReleaseActiveLock(ctx, rec.TelegramID); err != nil {
		slog.Error("active lock release failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
}

func (w *Worker) setGeneration(ctx context.Context, rec domain.TaskRecord, status string) {
	if w.Gens == nil {
		return
	}
	if err := w.Gens.SetStatus(ctx, rec.RequestID, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("generation status update failed",
			slog.String("request_id", rec.RequestID), slog.String("status", status), slog.Any("error", err))
	}
}

func (w *Worker) cacheLastJob(ctx context.Context, rec domain.TaskRecord) {
	job := domain.LastJob{Kind: rec.Kind, Tariff: rec.Tariff, Prompt: rec.Prompt()}
	if rec.Edit != nil {
		job.AspectRatio = rec.Edit.AspectRatio
		job.FileIDs = rec.Edit.FileIDs
	}
	if rec.Generate != nil {
		job.AspectRatio = rec.Generate.AspectRatio
	}
	if err := w.Store.SetLastJob(ctx, rec.TelegramID, job); err != nil {
		slog.Warn("last job cache write failed", slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
}

func (w *Worker) notify(ctx context.Context, chatID int64, text string) {
	if w.Notifier == nil {
		return
	}
	if err := w.Notifier.Notify(ctx, chatID, text); err != nil {
		slog.Warn("notify failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
