package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rinat3636/mybottg/internal/domain"
)

// GenerationRepo persists the durable per-request generation records.
type GenerationRepo struct{ Pool PgxPool }

// NewGenerationRepo constructs a GenerationRepo with the given pool.
func NewGenerationRepo(p PgxPool) *GenerationRepo { return &GenerationRepo{Pool: p} }

// Create inserts a pending generation row for an admitted request.
func (r *GenerationRepo) Create(ctx domain.Context, g domain.Generation) (domain.Generation, error) {
	if g.Status == "" {
		g.Status = "pending"
	}
	row := r.Pool.QueryRow(ctx,
		`INSERT INTO generations (request_id, user_id, tariff, prompt, cost, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at`,
		g.RequestID, g.UserID, g.Tariff, g.Prompt, g.Cost, g.Status, time.Now().UTC())
	if err := row.Scan(&g.ID, &g.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.Generation{}, fmt.Errorf("op=generations.create request_id=%s: %w", g.RequestID, domain.ErrConflict)
		}
		return domain.Generation{}, fmt.Errorf("op=generations.create: %w", err)
	}
	return g, nil
}

// SetStatus writes a terminal or intermediate status; terminal states also
// stamp completed_at.
func (r *GenerationRepo) SetStatus(ctx domain.Context, requestID, status string) error {
	var completedAt *time.Time
	switch status {
	case "completed", "failed", "cancelled":
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE generations SET status = $2, completed_at = COALESCE($3, completed_at) WHERE request_id = $1`,
		requestID, status, completedAt)
	if err != nil {
		return fmt.Errorf("op=generations.set_status request_id=%s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=generations.set_status request_id=%s: %w", requestID, domain.ErrNotFound)
	}
	return nil
}

// GetByRequestID loads a generation row.
func (r *GenerationRepo) GetByRequestID(ctx domain.Context, requestID string) (domain.Generation, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT id, request_id, user_id, tariff, COALESCE(prompt,''), cost, status, created_at, completed_at
		 FROM generations WHERE request_id = $1`, requestID)
	var g domain.Generation
	err := row.Scan(&g.ID, &g.RequestID, &g.UserID, &g.Tariff, &g.Prompt, &g.Cost, &g.Status, &g.CreatedAt, &g.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Generation{}, fmt.Errorf("op=generations.get request_id=%s: %w", requestID, domain.ErrNotFound)
		}
		return domain.Generation{}, fmt.Errorf("op=generations.get: %w", err)
	}
	return g, nil
}
