package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
	"github.com/rinat3636/mybottg/internal/observability"
)

// PaymentService implements the payment confirmation pipeline: create,
// fail-closed webhook, user-initiated confirm, and periodic reconciliation.
// All settlement funnels through PaymentRepository.Settle; the unique
// (reason, reference_id) ledger constraint is the tie-breaker between
// concurrent paths.
type PaymentService struct {
	Payments domain.PaymentRepository
	Users    domain.UserRepository
	Provider domain.PaymentProvider
	Notifier domain.Notifier

	ReconcileMaxAge time.Duration
	ReconcileLimit  int
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(p domain.PaymentRepository, u domain.UserRepository, pr domain.PaymentProvider, n domain.Notifier, maxAge time.Duration) *PaymentService {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &PaymentService{
		Payments: p, Users: u, Provider: pr, Notifier: n,
		ReconcileMaxAge: maxAge, ReconcileLimit: 50,
	}
}

// CreatedPayment is returned to the caller for the redirect flow.
type CreatedPayment struct {
	ProviderID string
	PaymentURL string
	AmountRUB  int64
	Credits    int64
}

// CreatePayment validates the package, creates the provider payment with a
// fresh idempotency key, and stores the pending row.
func (s *PaymentService) CreatePayment(ctx domain.Context, telegramID, amountRUB int64) (CreatedPayment, error) {
	tr := otel.Tracer("usecase.payments")
	ctx, span := tr.Start(ctx, "PaymentService.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment.amount_rub", amountRUB))

	credits, ok := config.CreditPackages[amountRUB]
	if !ok {
		return CreatedPayment{}, fmt.Errorf("op=payments.create amount=%d: %w", amountRUB, domain.ErrInvalidInput)
	}
	user, err := s.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return CreatedPayment{}, err
	}

	provider, err := s.Provider.CreatePayment(ctx, amountRUB, credits, uuid.New().String(), telegramID)
	if err != nil {
		return CreatedPayment{}, err
	}

	if _, err := s.Payments.Create(ctx, domain.Payment{
		UserID:     user.ID,
		AmountRUB:  amountRUB,
		Credits:    credits,
		ProviderID: provider.ID,
	}); err != nil {
		return CreatedPayment{}, err
	}

	return CreatedPayment{
		ProviderID: provider.ID,
		PaymentURL: provider.ConfirmationURL,
		AmountRUB:  amountRUB,
		Credits:    credits,
	}, nil
}

// WebhookEvent is the provider's notification envelope.
type WebhookEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// ProcessWebhook handles a provider notification fail-closed: credits are
// written only after the payment is re-verified via the provider API and the
// verified amount and currency match the stored expectation exactly.
func (s *PaymentService) ProcessWebhook(ctx domain.Context, evt WebhookEvent) (bool, error) {
	if evt.Event != "payment.succeeded" || evt.Object.Status != "succeeded" || evt.Object.ID == "" {
		slog.Info("ignoring payment event",
			slog.String("event", evt.Event), slog.String("status", evt.Object.Status))
		return false, nil
	}
	return s.verifyAndSettle(ctx, evt.Object.ID)
}

// ConfirmByUser is the "I paid" fallback. The caller must own the payment.
func (s *PaymentService) ConfirmByUser(ctx domain.Context, telegramID int64, providerID string) (bool, error) {
	owner, err := s.Payments.OwnerTelegramID(ctx, providerID)
	if err != nil {
		return false, err
	}
	if owner != telegramID {
		return false, fmt.Errorf("op=payments.confirm provider_id=%s: %w", providerID, domain.ErrForbidden)
	}
	return s.verifyAndSettle(ctx, providerID)
}

// verifyAndSettle is the single verified-then-apply path shared by webhook,
// user confirm, and reconciler.
func (s *PaymentService) verifyAndSettle(ctx domain.Context, providerID string) (bool, error) {
	verified, err := s.Provider.GetPayment(ctx, providerID)
	if err != nil {
		slog.Error("payment verification call failed",
			slog.String("provider_id", providerID), slog.Any("error", err))
		return false, err
	}
	if verified.Status != "succeeded" {
		slog.Warn("payment not confirmed by provider",
			slog.String("provider_id", providerID), slog.String("status", verified.Status))
		return false, nil
	}

	outcome, err := s.Payments.Settle(ctx, providerID, verified.AmountValue, verified.AmountCurrency)
	if err != nil {
		return false, err
	}
	switch outcome {
	case domain.SettleApplied:
		observability.PaymentsSettled.Inc()
		s.notifyPaid(ctx, providerID)
		return true, nil
	case domain.SettleAlreadyDone:
		return true, nil
	default:
		return false, nil
	}
}

// notifyPaid tells the user about accrued credits; failure here never
// reverts the settlement.
func (s *PaymentService) notifyPaid(ctx domain.Context, providerID string) {
	if s.Notifier == nil {
		return
	}
	owner, err := s.Payments.OwnerTelegramID(ctx, providerID)
	if err != nil {
		slog.Warn("paid notify: owner lookup failed", slog.String("provider_id", providerID), slog.Any("error", err))
		return
	}
	p, err := s.Payments.GetByProviderID(ctx, providerID)
	if err != nil {
		slog.Warn("paid notify: payment lookup failed", slog.String("provider_id", providerID), slog.Any("error", err))
		return
	}
	msg := fmt.Sprintf("Payment received. %d credits added to your balance. Thank you!", p.Credits)
	if err := s.Notifier.Notify(ctx, owner, msg); err != nil {
		slog.Warn("paid notify failed", slog.Int64("chat_id", owner), slog.Any("error", err))
	}
}

// ReconcilePending verifies stale pending payments against the provider and
// settles the ones that succeeded. Returns the number settled this round.
func (s *PaymentService) ReconcilePending(ctx domain.Context) (int, error) {
	cutoff := time.Now().Add(-s.ReconcileMaxAge)
	pending, err := s.Payments.ListPendingBefore(ctx, cutoff, s.ReconcileLimit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, p := range pending {
		if p.ProviderID == "" {
			continue
		}
		ok, err := s.verifyAndSettle(ctx, p.ProviderID)
		if err != nil {
			slog.Error("reconcile failed for payment",
				slog.String("provider_id", p.ProviderID), slog.Any("error", err))
			continue
		}
		if ok {
			processed++
		}
	}
	if processed > 0 {
		slog.Info("reconciled pending payments", slog.Int("count", processed))
	}
	return processed, nil
}
