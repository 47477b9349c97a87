// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/domain"
	"github.com/rinat3636/mybottg/internal/observability"
)

// AdmissionService runs the four admission gates in order (charge, active
// lock, per-user queue slot, global cap + enqueue) and fully unwinds prior
// gates when a later one rejects. The caller never observes partial state.
type AdmissionService struct {
	Queue  *store.Queue
	Ledger domain.Ledger
	Users  domain.UserRepository
	Gens   domain.GenerationRepository
}

// NewAdmissionService constructs an AdmissionService with its dependencies.
func NewAdmissionService(q *store.Queue, l domain.Ledger, u domain.UserRepository, g domain.GenerationRepository) *AdmissionService {
	return &AdmissionService{Queue: q, Ledger: l, Users: u, Gens: g}
}

// Admit takes a job through all gates and enqueues it. On success the
// returned outcome carries the approximate queue position ahead of the job.
func (s *AdmissionService) Admit(ctx domain.Context, req domain.JobRequest) (domain.AdmissionOutcome, error) {
	tr := otel.Tracer("usecase.admission")
	ctx, span := tr.Start(ctx, "AdmissionService.Admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.request_id", req.RequestID),
		attribute.String("job.kind", string(req.Kind)),
	)

	if err := validateRequest(req); err != nil {
		return domain.AdmissionOutcome{}, err
	}

	user, err := s.Users.GetByTelegramID(ctx, req.TelegramID)
	if err != nil {
		return domain.AdmissionOutcome{}, err
	}
	if user.IsBanned {
		return domain.AdmissionOutcome{}, fmt.Errorf("op=admission.admit user=%d: %w", req.TelegramID, domain.ErrBanned)
	}

	// Compensations for completed gates, executed in reverse on failure.
	var unwind []func(context.Context)
	fail := func(cause error) (domain.AdmissionOutcome, error) {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i](ctx)
		}
		return domain.AdmissionOutcome{}, cause
	}

	// Gate 1: charge. Admins bypass the debit entirely.
	if !req.IsAdmin {
		outcome, err := s.Ledger.DeductIdempotent(ctx, req.UserID, req.Cost, domain.ReasonGeneration, req.RequestID)
		if err != nil {
			return domain.AdmissionOutcome{}, err
		}
		if outcome == domain.DeductInsufficient {
			return domain.AdmissionOutcome{}, fmt.Errorf("op=admission.charge request_id=%s: %w", req.RequestID, domain.ErrInsufficientBalance)
		}
		// Only a debit applied by this call is ours to compensate; an
		// idempotent hit belongs to the admission that is already in flight.
		if outcome == domain.DeductApplied {
			unwind = append(unwind, func(c context.Context) {
				if err := s.Ledger.Refund(c, req.UserID, req.Cost, req.RequestID); err != nil {
					slog.Error("admission unwind refund failed",
						slog.String("request_id", req.RequestID), slog.Any("error", err))
				}
			})
		}
	}

	// Gate 2: per-user active-job mutual exclusion.
	locked, err := s.Queue.AcquireActiveLock(ctx, req.TelegramID, req.RequestID)
	if err != nil {
		return fail(err)
	}
	if !locked {
		return fail(fmt.Errorf("op=admission.lock user=%d: %w", req.TelegramID, domain.ErrAlreadyActive))
	}
	unwind = append(unwind, func(c context.Context) {
		if err := s.Queue.ReleaseActiveLock(c, req.TelegramID); err != nil {
			slog.Error("admission unwind unlock failed",
				slog.String("request_id", req.RequestID), slog.Any("error", err))
		}
	})

	// Gate 3: per-user queued slot.
	if err := s.Queue.ReserveUserSlot(ctx, req.TelegramID); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func(c context.Context) {
		if err := s.Queue.ReleaseUserSlot(c, req.TelegramID); err != nil {
			slog.Error("admission unwind slot release failed",
				slog.String("request_id", req.RequestID), slog.Any("error", err))
		}
	})

	// Gate 4: global cap, task record, queue push.
	position, err := s.Queue.Enqueue(ctx, req.Record())
	if err != nil {
		return fail(err)
	}

	// Durable generation record; best-effort bookkeeping outside the gates.
	if s.Gens != nil {
		if _, err := s.Gens.Create(ctx, domain.Generation{
			RequestID: req.RequestID,
			UserID:    req.UserID,
			Tariff:    req.Tariff,
			Prompt:    req.Record().Prompt(),
			Cost:      req.Cost,
			Status:    "pending",
		}); err != nil {
			slog.Warn("failed to record generation row",
				slog.String("request_id", req.RequestID), slog.Any("error", err))
		}
	}

	observability.JobsAdmitted.Inc()
	observability.QueueDepth.Set(float64(position + 1))
	slog.Info("job admitted",
		slog.String("request_id", req.RequestID),
		slog.String("kind", string(req.Kind)),
		slog.Int("position", position))
	return domain.AdmissionOutcome{Position: position}, nil
}

func validateRequest(req domain.JobRequest) error {
	if req.RequestID == "" || req.TelegramID == 0 {
		return fmt.Errorf("op=admission.validate: %w", domain.ErrInvalidInput)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("op=admission.validate kind=%s: %w", req.Kind, domain.ErrInvalidInput)
	}
	if req.Cost < 0 {
		return fmt.Errorf("op=admission.validate cost=%d: %w", req.Cost, domain.ErrInvalidInput)
	}
	variants := 0
	for _, set := range []bool{req.Edit != nil, req.Generate != nil, req.Animate != nil, req.Video != nil} {
		if set {
			variants++
		}
	}
	if variants != 1 {
		return fmt.Errorf("op=admission.validate: payload variant mismatch: %w", domain.ErrInvalidInput)
	}
	return nil
}
