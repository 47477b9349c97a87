package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rinat3636/mybottg/internal/domain"
)

// expectedCurrency is the only currency the pipeline accepts.
const expectedCurrency = "RUB"

// PaymentRepo persists payments and runs the transactional settlement path
// shared by the webhook, the user confirm flow, and the reconciler.
type PaymentRepo struct{ Pool PgxPool }

// NewPaymentRepo constructs a PaymentRepo with the given pool.
func NewPaymentRepo(p PgxPool) *PaymentRepo { return &PaymentRepo{Pool: p} }

const paymentColumns = `id, user_id, amount_rub, credits, status, COALESCE(yookassa_payment_id,''), created_at, paid_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.AmountRUB, &p.Credits, &p.Status,
		&p.ProviderID, &p.CreatedAt, &p.PaidAt)
	return p, err
}

// Create inserts a pending payment row.
func (r *PaymentRepo) Create(ctx domain.Context, p domain.Payment) (domain.Payment, error) {
	row := r.Pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, amount_rub, credits, status, yookassa_payment_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING `+paymentColumns,
		p.UserID, p.AmountRUB, p.Credits, domain.PaymentPending, p.ProviderID, time.Now().UTC())
	created, err := scanPayment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Payment{}, fmt.Errorf("op=payments.create provider_id=%s: %w", p.ProviderID, domain.ErrConflict)
		}
		return domain.Payment{}, fmt.Errorf("op=payments.create: %w", err)
	}
	return created, nil
}

// GetByProviderID loads a payment by its external id.
func (r *PaymentRepo) GetByProviderID(ctx domain.Context, providerID string) (domain.Payment, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE yookassa_payment_id = $1`, providerID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, fmt.Errorf("op=payments.get provider_id=%s: %w", providerID, domain.ErrNotFound)
		}
		return domain.Payment{}, fmt.Errorf("op=payments.get: %w", err)
	}
	return p, nil
}

// OwnerTelegramID resolves the external user id of the payment's owner.
func (r *PaymentRepo) OwnerTelegramID(ctx domain.Context, providerID string) (int64, error) {
	var tg int64
	err := r.Pool.QueryRow(ctx,
		`SELECT u.telegram_id FROM users u JOIN payments p ON p.user_id = u.id WHERE p.yookassa_payment_id = $1`,
		providerID).Scan(&tg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=payments.owner provider_id=%s: %w", providerID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=payments.owner: %w", err)
	}
	return tg, nil
}

// ListPendingBefore returns up to limit pending payments created before the
// cutoff, oldest first. Feed for the reconciler.
func (r *PaymentRepo) ListPendingBefore(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE status = 'pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=payments.list_pending: %w", err)
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("op=payments.list_pending.scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=payments.list_pending.rows: %w", err)
	}
	return out, nil
}

// Settle applies a verified succeeded payment: locks the row, validates the
// verified amount and currency exactly, flips the status, and appends the
// ledger credit, all in one transaction. Fail-closed: any mismatch writes
// nothing.
func (r *PaymentRepo) Settle(ctx domain.Context, providerID, verifiedValue, verifiedCurrency string) (domain.SettleOutcome, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider_id", providerID))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("op=payments.settle.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE yookassa_payment_id = $1 FOR UPDATE`, providerID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("payment not found for settlement", slog.String("provider_id", providerID))
			return domain.SettleNotFound, nil
		}
		return 0, fmt.Errorf("op=payments.settle.lock: %w", err)
	}

	if p.Status == domain.PaymentSucceeded {
		slog.Info("payment already processed", slog.String("provider_id", providerID))
		return domain.SettleAlreadyDone, nil
	}

	got, err := decimal.NewFromString(verifiedValue)
	if err != nil {
		slog.Warn("payment has unparseable verified amount",
			slog.String("provider_id", providerID), slog.String("value", verifiedValue))
		return domain.SettleMismatch, nil
	}
	expected := decimal.NewFromInt(p.AmountRUB)
	if verifiedCurrency != expectedCurrency || !got.Equal(expected) {
		slog.Warn("payment amount/currency mismatch, refusing",
			slog.String("provider_id", providerID),
			slog.String("verified", verifiedValue+" "+verifiedCurrency),
			slog.Int64("expected_rub", p.AmountRUB))
		return domain.SettleMismatch, nil
	}

	// Extra idempotency: the ledger may already carry this payment even if
	// the row flip was lost; then just mark succeeded.
	var ledgerID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM credit_ledger WHERE reason = $1 AND reference_id = $2`,
		domain.ReasonPayment, providerID).Scan(&ledgerID)
	alreadyCredited := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("op=payments.settle.ledger_lookup: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE payments SET status = $2, paid_at = COALESCE(paid_at, $3) WHERE id = $1`,
		p.ID, domain.PaymentSucceeded, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("op=payments.settle.flip: %w", err)
	}

	if !alreadyCredited {
		if _, err := recordChangeTx(ctx, tx, p.UserID, p.Credits, domain.ReasonPayment, providerID); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Concurrent settlement won; commit only the status flip.
				alreadyCredited = true
			} else {
				return 0, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=payments.settle.commit: %w", err)
	}
	committed = true
	if alreadyCredited {
		return domain.SettleAlreadyDone, nil
	}
	slog.Info("payment settled", slog.String("provider_id", providerID), slog.Int64("credits", p.Credits))
	return domain.SettleApplied, nil
}
