package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rinat3636/mybottg/internal/domain"
)

// SupportRepo persists support tickets.
type SupportRepo struct{ Pool PgxPool }

// NewSupportRepo constructs a SupportRepo with the given pool.
func NewSupportRepo(p PgxPool) *SupportRepo { return &SupportRepo{Pool: p} }

func newTicketID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

// Create opens a ticket for a user message.
func (r *SupportRepo) Create(ctx domain.Context, userID int64, text string) (domain.SupportTicket, error) {
	t := domain.SupportTicket{TicketID: newTicketID(), UserID: userID, MessageText: text}
	row := r.Pool.QueryRow(ctx,
		`INSERT INTO support_messages (ticket_id, user_id, message_text, created_at)
		 VALUES ($1,$2,$3,$4) RETURNING id, created_at`,
		t.TicketID, userID, text, time.Now().UTC())
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return domain.SupportTicket{}, fmt.Errorf("op=support.create: %w", err)
	}
	return t, nil
}

// Reply stores the admin reply and stamps replied_at.
func (r *SupportRepo) Reply(ctx domain.Context, ticketID, reply string) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE support_messages SET admin_reply = $2, replied_at = $3 WHERE ticket_id = $1`,
		ticketID, reply, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=support.reply ticket=%s: %w", ticketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=support.reply ticket=%s: %w", ticketID, domain.ErrNotFound)
	}
	return nil
}

// GetByTicketID loads a ticket.
func (r *SupportRepo) GetByTicketID(ctx domain.Context, ticketID string) (domain.SupportTicket, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT id, ticket_id, user_id, message_text, COALESCE(admin_reply,''), created_at, replied_at
		 FROM support_messages WHERE ticket_id = $1`, ticketID)
	var t domain.SupportTicket
	err := row.Scan(&t.ID, &t.TicketID, &t.UserID, &t.MessageText, &t.AdminReply, &t.CreatedAt, &t.RepliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SupportTicket{}, fmt.Errorf("op=support.get ticket=%s: %w", ticketID, domain.ErrNotFound)
		}
		return domain.SupportTicket{}, fmt.Errorf("op=support.get: %w", err)
	}
	return t, nil
}
