package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
)

// UserRepo persists users and runs the first-contact bootstrap.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, telegram_id, COALESCE(username,''), COALESCE(first_name,''), is_admin, is_banned, balance, referral_code, referred_by, created_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.IsAdmin,
		&u.IsBanned, &u.Balance, &u.ReferralCode, &u.ReferredBy, &u.CreatedAt)
	return u, err
}

func newReferralCode() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// GetOrCreate returns the existing user or creates one, granting welcome
// credits and referral bonuses inside the same transaction. created reports
// whether a new row was written. Profile fields and the admin flag are kept
// in sync on every contact.
func (r *UserRepo) GetOrCreate(ctx domain.Context, p domain.NewUserParams) (domain.User, bool, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetOrCreate")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.telegram_id", p.TelegramID))

	u, err := r.GetByTelegramID(ctx, p.TelegramID)
	switch {
	case err == nil:
		return r.syncProfile(ctx, u, p)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.User{}, false, err
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("op=users.create.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx,
		`INSERT INTO users (telegram_id, username, first_name, is_admin, balance, referral_code, referred_by, created_at)
		 VALUES ($1,$2,$3,$4,0,$5,$6,$7) RETURNING `+userColumns,
		p.TelegramID, nullIfEmpty(p.Username), nullIfEmpty(p.FirstName), p.IsAdmin,
		newReferralCode(), p.ReferrerTelegramID, time.Now().UTC())
	u, err = scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a first-contact race; the winner's row is authoritative.
			_ = tx.Rollback(ctx)
			committed = true
			u, err := r.GetByTelegramID(ctx, p.TelegramID)
			return u, false, err
		}
		return domain.User{}, false, fmt.Errorf("op=users.create: %w", err)
	}

	// Welcome credits for every new user; admins keep them but are never charged.
	if _, err := recordChangeTx(ctx, tx, u.ID, config.WelcomeCredits, domain.ReasonWelcome,
		fmt.Sprintf("welcome_%d", p.TelegramID)); err != nil {
		return domain.User{}, false, err
	}
	u.Balance += config.WelcomeCredits

	if p.ReferrerTelegramID != nil && *p.ReferrerTelegramID != p.TelegramID {
		if err := applyReferralBonus(ctx, tx, u, *p.ReferrerTelegramID); err != nil {
			return domain.User{}, false, err
		}
		u.Balance += config.ReferralCredits
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.User{}, false, fmt.Errorf("op=users.create.commit: %w", err)
	}
	committed = true
	return u, true, nil
}

// applyReferralBonus credits both the new user and the inviter.
func applyReferralBonus(ctx domain.Context, tx pgx.Tx, newUser domain.User, referrerTelegramID int64) error {
	if _, err := recordChangeTx(ctx, tx, newUser.ID, config.ReferralCredits, domain.ReasonReferral,
		fmt.Sprintf("ref_new_%d", newUser.TelegramID)); err != nil {
		return err
	}
	var referrerID int64
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE telegram_id = $1`, referrerTelegramID).Scan(&referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("op=users.referral.lookup: %w", err)
	}
	if _, err := recordChangeTx(ctx, tx, referrerID, config.ReferralCredits, domain.ReasonReferral,
		fmt.Sprintf("ref_invite_%d", newUser.TelegramID)); err != nil {
		return err
	}
	return nil
}

// syncProfile keeps username, first name, and admin flag current.
func (r *UserRepo) syncProfile(ctx domain.Context, u domain.User, p domain.NewUserParams) (domain.User, bool, error) {
	changed := false
	if p.Username != "" && p.Username != u.Username {
		u.Username = p.Username
		changed = true
	}
	if p.FirstName != "" && p.FirstName != u.FirstName {
		u.FirstName = p.FirstName
		changed = true
	}
	if u.IsAdmin != p.IsAdmin {
		u.IsAdmin = p.IsAdmin
		changed = true
	}
	if !changed {
		return u, false, nil
	}
	_, err := r.Pool.Exec(ctx,
		`UPDATE users SET username=$2, first_name=$3, is_admin=$4 WHERE id=$1`,
		u.ID, nullIfEmpty(u.Username), nullIfEmpty(u.FirstName), u.IsAdmin)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("op=users.sync: %w", err)
	}
	return u, false, nil
}

// GetByTelegramID loads a user by external id.
func (r *UserRepo) GetByTelegramID(ctx domain.Context, telegramID int64) (domain.User, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=users.get tg=%d: %w", telegramID, domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=users.get: %w", err)
	}
	return u, nil
}

// GetByReferralCode loads a user by referral code.
func (r *UserRepo) GetByReferralCode(ctx domain.Context, code string) (domain.User, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=users.get_by_code: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=users.get_by_code: %w", err)
	}
	return u, nil
}

// SetAdmin flips the admin flag.
func (r *UserRepo) SetAdmin(ctx domain.Context, telegramID int64, isAdmin bool) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET is_admin=$2 WHERE telegram_id=$1`, telegramID, isAdmin)
	if err != nil {
		return fmt.Errorf("op=users.set_admin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=users.set_admin tg=%d: %w", telegramID, domain.ErrNotFound)
	}
	return nil
}

// SetBanned bans or unbans a user.
func (r *UserRepo) SetBanned(ctx domain.Context, telegramID int64, isBanned bool) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET is_banned=$2 WHERE telegram_id=$1`, telegramID, isBanned)
	if err != nil {
		return fmt.Errorf("op=users.set_banned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=users.set_banned tg=%d: %w", telegramID, domain.ErrNotFound)
	}
	return nil
}

// Stats returns aggregate counters.
func (r *UserRepo) Stats(ctx domain.Context) (domain.Stats, error) {
	var st domain.Stats
	err := r.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM generations),
			(SELECT COALESCE(SUM(amount_rub), 0) FROM payments WHERE status = 'succeeded')`).
		Scan(&st.TotalUsers, &st.TotalGenerations, &st.TotalRevenueRUB)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("op=users.stats: %w", err)
	}
	return st, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
