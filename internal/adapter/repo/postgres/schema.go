package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// bootLockID guards the table-creation boot path so multiple instances can
// race safely.
const bootLockID = 12345

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		telegram_id BIGINT NOT NULL UNIQUE,
		username VARCHAR(255),
		first_name VARCHAR(255),
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_banned BOOLEAN NOT NULL DEFAULT FALSE,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		referral_code VARCHAR(32) NOT NULL UNIQUE,
		referred_by BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_users_telegram_id ON users (telegram_id)`,
	`CREATE TABLE IF NOT EXISTS generations (
		id BIGSERIAL PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		tariff VARCHAR(32) NOT NULL DEFAULT 'nano_banana_pro',
		prompt TEXT,
		cost BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		amount_rub BIGINT NOT NULL,
		credits BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		yookassa_payment_id VARCHAR(255) UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paid_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		amount BIGINT NOT NULL,
		reason VARCHAR(32) NOT NULL,
		reference_id VARCHAR(255),
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_credit_ledger_reason_reference UNIQUE (reason, reference_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_credit_ledger_user_created ON credit_ledger (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS support_messages (
		id BIGSERIAL PRIMARY KEY,
		ticket_id VARCHAR(16) NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		message_text TEXT NOT NULL,
		admin_reply TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		replied_at TIMESTAMPTZ
	)`,
}

// EnsureSchema creates all tables if they don't exist. A non-blocking
// advisory lock prevents concurrent instances from racing the DDL; the loser
// skips gracefully.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	var acquired bool
	if err := pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, bootLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("op=schema.lock: %w", err)
	}
	if !acquired {
		slog.Info("another instance is creating tables, skipping")
		return nil
	}
	defer func() {
		if _, err := pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, bootLockID); err != nil {
			slog.Error("failed to release schema advisory lock", slog.Any("error", err))
		}
	}()

	slog.Info("creating database tables")
	for _, ddl := range schemaDDL {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("op=schema.create: %w", err)
		}
	}
	slog.Info("database tables created")
	return nil
}
