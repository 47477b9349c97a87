package postgres

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rinat3636/mybottg/internal/domain"
)

// LedgerRepo is the append-only credit journal. Every balance change goes
// through RecordChange inside a transaction; (reason, reference_id)
// uniqueness is the sole idempotency guard.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// RecordChange atomically updates the user balance and appends a journal row
// in one transaction. Returns domain.ErrConflict when a row with the same
// (reason, reference_id) already exists.
func (r *LedgerRepo) RecordChange(ctx domain.Context, userID, amount int64, reason, referenceID string) (domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.RecordChange")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("ledger.reason", reason),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.record_change.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	entry, err := recordChangeTx(ctx, tx, userID, amount, reason, referenceID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.record_change.commit: %w", err)
	}
	committed = true
	return entry, nil
}

// recordChangeTx applies a balance change inside an open transaction. Shared
// by RecordChange, DeductIdempotent, user bootstrap, and payment settlement.
func recordChangeTx(ctx domain.Context, tx pgx.Tx, userID, amount int64, reason, referenceID string) (domain.LedgerEntry, error) {
	var balanceAfter int64
	err := tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, amount).Scan(&balanceAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, fmt.Errorf("op=ledger.record_change user=%d: %w", userID, domain.ErrNotFound)
		}
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.record_change.balance: %w", err)
	}

	entry := domain.LedgerEntry{
		UserID:       userID,
		Amount:       amount,
		Reason:       reason,
		ReferenceID:  referenceID,
		BalanceAfter: balanceAfter,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_ledger (user_id, amount, reason, reference_id, balance_after, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		userID, amount, reason, referenceID, balanceAfter, time.Now().UTC()).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.LedgerEntry{}, fmt.Errorf("op=ledger.record_change ref=%s: %w", referenceID, domain.ErrConflict)
		}
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.record_change.insert: %w", err)
	}

	slog.Info("ledger change recorded",
		slog.Int64("user_id", userID),
		slog.Int64("amount", amount),
		slog.String("reason", reason),
		slog.String("reference_id", referenceID),
		slog.Int64("balance_after", balanceAfter))
	return entry, nil
}

// DeductIdempotent debits at most once per reference id. The user row is
// locked for the balance check so concurrent charges serialize.
func (r *LedgerRepo) DeductIdempotent(ctx domain.Context, userID, amount int64, reason, referenceID string) (domain.DeductOutcome, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.DeductIdempotent")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("ledger.reference_id", referenceID),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("op=ledger.deduct.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var existing int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM credit_ledger WHERE reference_id = $1 AND amount < 0 LIMIT 1`,
		referenceID).Scan(&existing)
	switch {
	case err == nil:
		slog.Info("deduction already recorded, skipping", slog.String("reference_id", referenceID))
		return domain.DeductAlreadyDone, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("op=ledger.deduct.lookup: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=ledger.deduct user=%d: %w", userID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=ledger.deduct.lock: %w", err)
	}
	if balance < amount {
		return domain.DeductInsufficient, nil
	}

	if _, err := recordChangeTx(ctx, tx, userID, -amount, reason, referenceID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost a race to a concurrent debit with the same reference id.
			return domain.DeductAlreadyDone, nil
		}
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=ledger.deduct.commit: %w", err)
	}
	committed = true
	return domain.DeductApplied, nil
}

// Refund credits back a charge under the reference "refund_{requestID}".
// A duplicate refund hits the unique constraint and is treated as success.
func (r *LedgerRepo) Refund(ctx domain.Context, userID, amount int64, requestID string) error {
	_, err := r.RecordChange(ctx, userID, amount, domain.ReasonRefund, "refund_"+requestID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("refund already recorded, skipping", slog.String("request_id", requestID))
			return nil
		}
		return err
	}
	return nil
}

// BalanceOf reads the current balance.
func (r *LedgerRepo) BalanceOf(ctx domain.Context, userID int64) (int64, error) {
	var balance int64
	err := r.Pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=ledger.balance_of user=%d: %w", userID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=ledger.balance_of: %w", err)
	}
	return balance, nil
}
