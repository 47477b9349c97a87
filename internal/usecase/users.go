package usecase

import (
	"errors"
	"fmt"

	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/domain"
)

// UserService handles first-contact bootstrap and the admin/ban predicates
// the core exposes to the front-end.
type UserService struct {
	Users domain.UserRepository
	Cfg   config.Config
}

// NewUserService constructs a UserService.
func NewUserService(u domain.UserRepository, cfg config.Config) *UserService {
	return &UserService{Users: u, Cfg: cfg}
}

// Bootstrap returns the user for a contact, creating it on first sight with
// welcome credits and optional referral bonuses. The admin flag follows
// ADMIN_IDS on every contact.
func (s *UserService) Bootstrap(ctx domain.Context, telegramID int64, username, firstName, referralCode string) (domain.User, bool, error) {
	var referrer *int64
	if referralCode != "" {
		ref, err := s.Users.GetByReferralCode(ctx, referralCode)
		switch {
		case err == nil && ref.TelegramID != telegramID:
			referrer = &ref.TelegramID
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.User{}, false, err
		}
	}
	return s.Users.GetOrCreate(ctx, domain.NewUserParams{
		TelegramID:         telegramID,
		Username:           username,
		FirstName:          firstName,
		ReferrerTelegramID: referrer,
		IsAdmin:            s.Cfg.IsAdminID(telegramID),
	})
}

// EnsureActive rejects banned users.
func (s *UserService) EnsureActive(u domain.User) error {
	if u.IsBanned {
		return fmt.Errorf("op=users.ensure_active tg=%d: %w", u.TelegramID, domain.ErrBanned)
	}
	return nil
}

// RequireAdmin is the authorization predicate for administrative operations.
func (s *UserService) RequireAdmin(u domain.User) error {
	if !u.IsAdmin {
		return fmt.Errorf("op=users.require_admin tg=%d: %w", u.TelegramID, domain.ErrForbidden)
	}
	return nil
}

// SetBanned bans or unbans a user (admin operation).
func (s *UserService) SetBanned(ctx domain.Context, telegramID int64, banned bool) error {
	return s.Users.SetBanned(ctx, telegramID, banned)
}

// Stats returns aggregate counters for the admin surface.
func (s *UserService) Stats(ctx domain.Context) (domain.Stats, error) {
	return s.Users.Stats(ctx)
}
