// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyActive       = errors.New("generation already active")
	ErrUserQueueFull       = errors.New("user queue full")
	ErrGlobalQueueFull     = errors.New("global queue full")
	ErrGpuSaturated        = errors.New("gpu saturated")
	ErrBanned              = errors.New("user banned")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInternal            = errors.New("internal error")

	// Backend invocation failures, classified for refund/notify routing.
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendTimeout     = errors.New("backend timeout")
	ErrBackendRejected    = errors.New("backend rejected input")
	ErrBackendInvalid     = errors.New("backend produced invalid result")
)

// Ledger entry reasons. (reason, reference_id) is the sole idempotency guard.
const (
	ReasonPayment    = "payment"
	ReasonGeneration = "generation"
	ReasonRefund     = "refund"
	ReasonReferral   = "referral"
	ReasonWelcome    = "welcome"
)

// User is a bot end-user. Balance is mutated only through the ledger.
type User struct {
	ID           int64
	TelegramID   int64
	Username     string
	FirstName    string
	IsAdmin      bool
	IsBanned     bool
	Balance      int64
	ReferralCode string
	// ReferredBy stores the telegram id of the inviter, no FK.
	ReferredBy *int64
	CreatedAt  time.Time
}

// LedgerEntry is an immutable journal row. Amount is positive for credits,
// negative for debits. BalanceAfter is the post-commit balance.
type LedgerEntry struct {
	ID           int64
	UserID       int64
	Amount       int64
	Reason       string
	ReferenceID  string
	BalanceAfter int64
	CreatedAt    time.Time
}

// DeductOutcome is the result of an idempotent debit attempt.
type DeductOutcome int

const (
	// DeductApplied means a new debit row was written.
	DeductApplied DeductOutcome = iota
	// DeductAlreadyDone means a debit with this reference id already exists.
	DeductAlreadyDone
	// DeductInsufficient means the user balance cannot cover the amount.
	DeductInsufficient
)

// PaymentStatus values. A payment never reverts from succeeded.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is a provider-backed credit top-up.
type Payment struct {
	ID         int64
	UserID     int64
	AmountRUB  int64
	Credits    int64
	Status     PaymentStatus
	ProviderID string
	CreatedAt  time.Time
	PaidAt     *time.Time
}

// SettleOutcome is the result of applying a verified succeeded payment.
type SettleOutcome int

const (
	SettleApplied SettleOutcome = iota
	SettleAlreadyDone
	SettleNotFound
	SettleMismatch
)

// Generation is the durable record of one job request.
type Generation struct {
	ID          int64
	RequestID   string
	UserID      int64
	Tariff      string
	Prompt      string
	Cost        int64
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SupportTicket is a user message to support with an optional admin reply.
type SupportTicket struct {
	ID          int64
	TicketID    string
	UserID      int64
	MessageText string
	AdminReply  string
	CreatedAt   time.Time
	RepliedAt   *time.Time
}

// Stats are aggregate counters for the admin surface.
type Stats struct {
	TotalUsers       int64
	TotalGenerations int64
	TotalRevenueRUB  int64
}

// NewUserParams carries first-contact data for user bootstrap.
type NewUserParams struct {
	TelegramID         int64
	Username           string
	FirstName          string
	ReferrerTelegramID *int64
	IsAdmin            bool
}

// Repositories (ports)

// UserRepository manages users. GetOrCreate is transactional: welcome and
// referral ledger rows commit together with the new user row.
type UserRepository interface {
	GetOrCreate(ctx Context, p NewUserParams) (User, bool, error)
	GetByTelegramID(ctx Context, telegramID int64) (User, error)
	GetByReferralCode(ctx Context, code string) (User, error)
	SetAdmin(ctx Context, telegramID int64, isAdmin bool) error
	SetBanned(ctx Context, telegramID int64, isBanned bool) error
	Stats(ctx Context) (Stats, error)
}

// Ledger is the append-only credit journal and the only writer of balances.
type Ledger interface {
	// RecordChange atomically updates the balance and appends a journal row.
	RecordChange(ctx Context, userID, amount int64, reason, referenceID string) (LedgerEntry, error)
	// DeductIdempotent debits at most once per reference id.
	DeductIdempotent(ctx Context, userID, amount int64, reason, referenceID string) (DeductOutcome, error)
	// Refund credits back a charge; the reference becomes "refund_{requestID}".
	// A second refund for the same request id is an idempotent no-op.
	Refund(ctx Context, userID, amount int64, requestID string) error
	// BalanceOf reads the current balance.
	BalanceOf(ctx Context, userID int64) (int64, error)
}

// PaymentRepository manages payment rows. Settle runs the transactional
// verified-then-apply path shared by webhook, user confirm, and reconciler.
type PaymentRepository interface {
	Create(ctx Context, p Payment) (Payment, error)
	GetByProviderID(ctx Context, providerID string) (Payment, error)
	OwnerTelegramID(ctx Context, providerID string) (int64, error)
	ListPendingBefore(ctx Context, cutoff time.Time, limit int) ([]Payment, error)
	Settle(ctx Context, providerID, verifiedValue, verifiedCurrency string) (SettleOutcome, error)
}

// GenerationRepository persists per-request generation records.
type GenerationRepository interface {
	Create(ctx Context, g Generation) (Generation, error)
	SetStatus(ctx Context, requestID, status string) error
}

// SupportRepository persists support tickets.
type SupportRepository interface {
	Create(ctx Context, userID int64, text string) (SupportTicket, error)
	Reply(ctx Context, ticketID, reply string) error
	GetByTicketID(ctx Context, ticketID string) (SupportTicket, error)
}

// Backend (port)

// Backend invokes the external generation service for one task. The returned
// bytes are the finished artifact; errors are classified with the
// ErrBackend* sentinels.
type Backend interface {
	Invoke(ctx Context, task TaskRecord) ([]byte, error)
}

// Notifier (port)

// Notifier delivers messages and results to the originating chat.
// All methods are best-effort: failures are logged, never propagated into
// task state.
type Notifier interface {
	Notify(ctx Context, chatID int64, text string) error
	SendResult(ctx Context, chatID int64, kind JobKind, data []byte) error
}

// PaymentProvider (port)

// ProviderPayment is the provider's view of a payment.
type ProviderPayment struct {
	ID              string
	Status          string
	AmountValue     string
	AmountCurrency  string
	ConfirmationURL string
}

// PaymentProvider abstracts the payment gateway API.
type PaymentProvider interface {
	CreatePayment(ctx Context, amountRUB, credits int64, idempotencyKey string, telegramID int64) (ProviderPayment, error)
	GetPayment(ctx Context, providerID string) (ProviderPayment, error)
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
