package usecase

import (
	"errors"
	"log/slog"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/domain"
)

// CancelService implements the two-outcome cancellation protocol: a queued
// task is refunded immediately; a processing task is flagged and the worker
// refunds at its next checkpoint. Cancelling a terminal or unknown task is a
// silent no-op.
type CancelService struct {
	Queue    *store.Queue
	Ledger   domain.Ledger
	Gens     domain.GenerationRepository
	Notifier domain.Notifier
}

// NewCancelService constructs a CancelService.
func NewCancelService(q *store.Queue, l domain.Ledger, g domain.GenerationRepository, n domain.Notifier) *CancelService {
	return &CancelService{Queue: q, Ledger: l, Gens: g, Notifier: n}
}

// CancelActive cancels the user's active generation, whichever state it is
// in. Returns true when a cancellation took effect.
func (s *CancelService) CancelActive(ctx domain.Context, telegramID int64) (bool, error) {
	requestID, err := s.Queue.ActiveRequestID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.Cancel(ctx, requestID)
}

// Cancel cancels one task by request id.
func (s *CancelService) Cancel(ctx domain.Context, requestID string) (bool, error) {
	rec, ok, err := s.Queue.CancelQueued(ctx, requestID)
	if err != nil {
		return false, err
	}
	if ok {
		s.refundAndUnlock(ctx, rec)
		slog.Info("queued task cancelled", slog.String("request_id", requestID))
		return true, nil
	}

	ok, err = s.Queue.CancelProcessing(ctx, requestID)
	if err != nil {
		return false, err
	}
	if ok {
		// The worker observes the flag at its next checkpoint and refunds there.
		slog.Info("processing task flagged cancelled", slog.String("request_id", requestID))
	}
	return ok, nil
}

func (s *CancelService) refundAndUnlock(ctx domain.Context, rec domain.TaskRecord) {
	if !rec.IsAdmin {
		if err := s.Ledger.Refund(ctx, rec.UserID, rec.Cost, rec.RequestID); err != nil {
			slog.Error("cancel refund failed",
				slog.String("request_id", rec.RequestID), slog.Any("error", err))
		}
	}
	if err := s.Queue.ReleaseActiveLock(ctx, rec.TelegramID); err != nil {
		slog.Error("cancel unlock failed",
			slog.String("request_id", rec.RequestID), slog.Any("error", err))
	}
	if s.Gens != nil {
		if err := s.Gens.SetStatus(ctx, rec.RequestID, "cancelled"); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("cancel generation status update failed",
				slog.String("request_id", rec.RequestID), slog.Any("error", err))
		}
	}
	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, rec.ChatID, "Generation cancelled. Credits refunded."); err != nil {
			slog.Warn("cancel notify failed", slog.Int64("chat_id", rec.ChatID), slog.Any("error", err))
		}
	}
}
