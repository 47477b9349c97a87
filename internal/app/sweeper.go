package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
	"github.com/rinat3636/mybottg/internal/observability"
)

// Sweeper reconciles crash leftovers: it rebuilds the GPU counter from live
// markers and reaps tasks stuck in processing past twice their generation
// timeout, refunding and unlocking their users.
type Sweeper struct {
	Queue    *store.Queue
	GPU      *store.GPUSemaphore
	Ledger   domain.Ledger
	Gens     domain.GenerationRepository
	Notifier domain.Notifier
	Cfg      config.Config
}

// NewSweeper constructs a Sweeper.
func NewSweeper(q *store.Queue, gpu *store.GPUSemaphore, l domain.Ledger, g domain.GenerationRepository, n domain.Notifier, cfg config.Config) *Sweeper {
	return &Sweeper{Queue: q, GPU: gpu, Ledger: l, Gens: g, Notifier: n, Cfg: cfg}
}

// SweepOnce runs one full pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if drift, err := s.GPU.SweepStale(ctx); err != nil {
		slog.Error("gpu sweep failed", slog.Any("error", err))
	} else if drift > 0 {
		slog.Info("gpu counter rebuilt", slog.Int64("drift", drift))
	}
	if active, err := s.GPU.ActiveJobs(ctx); err == nil {
		observability.GPUActiveJobs.Set(float64(active))
	}
	s.reapStuck(ctx)
}

// reapStuck transitions processing tasks older than 2× the generation
// timeout to failed and refunds them. This is the crash-recovery path for a
// worker that died mid-job: without it the debit would outlive the task
// record.
func (s *Sweeper) reapStuck(ctx context.Context) {
	tasks, err := s.Queue.ScanTasks(ctx)
	if err != nil {
		slog.Error("stuck task scan failed", slog.Any("error", err))
		return
	}
	now := time.Now()
	reaped := 0
	for _, rec := range tasks {
		if rec.Status != domain.TaskProcessing || rec.StartedAt == 0 {
			continue
		}
		maxAge := 2 * s.Cfg.GenerationTimeoutFor(rec.Kind.VideoClass())
		started := time.Unix(rec.StartedAt, 0)
		if now.Sub(started) <= maxAge {
			continue
		}

		slog.Warn("reaping stuck processing task",
			slog.String("request_id", rec.RequestID),
			slog.Time("started_at", started))
		if err := s.Queue.SetStatus(ctx, rec.RequestID, domain.TaskFailed); err != nil {
			slog.Error("stuck task status update failed",
				slog.String("request_id", rec.RequestID), slog.Any("error", err))
			continue
		}
		if !rec.IsAdmin {
			if err := s.Ledger.Refund(ctx, rec.UserID, rec.Cost, rec.RequestID); err != nil {
				slog.Error("stuck task refund failed",
					slog.String("request_id", rec.RequestID), slog.Any("error", err))
			}
		}
		if err := s.Queue.ReleaseActiveLock(ctx, rec.TelegramID); err != nil {
			slog.Error("stuck task unlock failed",
				slog.String("request_id", rec.RequestID), slog.Any("error", err))
		}
		if err := s.GPU.Release(ctx, rec.RequestID); err != nil {
			slog.Error("stuck task gpu release failed",
				slog.String("request_id", rec.RequestID), slog.Any("error", err))
		}
		if s.Gens != nil {
			_ = s.Gens.SetStatus(ctx, rec.RequestID, "failed")
		}
		if s.Notifier != nil {
			_ = s.Notifier.Notify(ctx, rec.ChatID, "Your generation got stuck and was cancelled. Credits refunded.")
		}
		observability.JobsProcessed.WithLabelValues("failed").Inc()
		reaped++
	}
	if reaped > 0 {
		slog.Info("stuck tasks reaped", slog.Int("count", reaped))
	}
}
