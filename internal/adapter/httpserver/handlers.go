package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rinat3636/mybottg/internal/adapter/store"
	"github.com/rinat3636/mybottg/internal/config"
	"github.com/rinat3636/mybottg/internal/usecase"
)

// Rate-limit budgets for inbound updates, per user.
const (
	cmdRateLimit    = 5
	mediaRateLimit  = 2
	rateLimitWindow = time.Minute
)

// TelegramUpdate is the decoded front-end provider envelope. The core only
// needs enough of it to rate-limit and hand off; the conversational FSM owns
// the rest.
type TelegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Chat *struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text         string `json:"text"`
		MediaGroupID string `json:"media_group_id"`
		Photo        []any  `json:"photo"`
	} `json:"message"`
	CallbackQuery json.RawMessage `json:"callback_query"`
}

// HasMedia reports whether the update carries media content.
func (u TelegramUpdate) HasMedia() bool {
	return u.Message != nil && len(u.Message.Photo) > 0
}

// SenderID returns the originating user id, or 0.
func (u TelegramUpdate) SenderID() int64 {
	if u.Message != nil && u.Message.From != nil {
		return u.Message.From.ID
	}
	return 0
}

// UpdateDispatcher hands a decoded update to the conversational FSM.
type UpdateDispatcher interface {
	Dispatch(ctx context.Context, upd TelegramUpdate)
}

// NopDispatcher drops updates; the default until a front-end is attached.
type NopDispatcher struct{}

// Dispatch implements UpdateDispatcher.
func (NopDispatcher) Dispatch(context.Context, TelegramUpdate) {}

// Server bundles the handlers' dependencies.
type Server struct {
	Cfg        config.Config
	Store      *store.Store
	Payments   *usecase.PaymentService
	Dispatcher UpdateDispatcher
}

// NewServer constructs the ingress server.
func NewServer(cfg config.Config, st *store.Store, payments *usecase.PaymentService, d UpdateDispatcher) *Server {
	if d == nil {
		d = NopDispatcher{}
	}
	return &Server{Cfg: cfg, Store: st, Payments: payments, Dispatcher: d}
}

// HealthHandler answers liveness probes. Registered for both /health and
// /health/ so neither form redirects.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// TelegramWebhookHandler receives front-end provider updates. The path
// secret is always validated; the provider's secret token header is
// validated when present, and a request without it is accepted. The
// provider always gets 200 for well-formed authorized requests so it does
// not retry storms at us.
func (s *Server) TelegramWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lg := slog.Default()
		if !secretMatches(chi.URLParam(r, "secret"), s.Cfg.TelegramWebhookSecret) {
			lg.Warn("telegram webhook: invalid path secret")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if hdr := r.Header.Get("X-Telegram-Bot-Api-Secret-Token"); hdr != "" && !secretMatches(hdr, s.Cfg.TelegramWebhookSecret) {
			lg.Warn("telegram webhook: invalid secret token header")
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var upd TelegramUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			lg.Warn("telegram webhook: undecodable update", slog.Any("error", err))
			w.WriteHeader(http.StatusOK)
			return
		}

		if sender := upd.SenderID(); sender != 0 && s.Store != nil {
			action, budget := "cmd", cmdRateLimit
			if upd.HasMedia() {
				action, budget = "media", mediaRateLimit
			}
			allowed, err := s.Store.CheckRateLimit(r.Context(), sender, action, budget, rateLimitWindow)
			if err == nil && !allowed {
				lg.Info("update rate limited", slog.Int64("telegram_id", sender), slog.String("action", action))
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		s.Dispatcher.Dispatch(r.Context(), upd)
		w.WriteHeader(http.StatusOK)
	}
}

// YookassaWebhookHandler receives payment provider notifications. See the
// payment service for the fail-closed settlement rules. Responds 200 on any
// well-formed request; the reconciler catches whatever a failure here drops.
func (s *Server) YookassaWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lg := slog.Default()
		if !secretMatches(chi.URLParam(r, "secret"), s.Cfg.YookassaWebhookSecret) {
			lg.Warn("yookassa webhook: invalid path secret")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if s.Payments == nil {
			w.WriteHeader(http.StatusOK)
			return
		}

		var evt usecase.WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			lg.Warn("yookassa webhook: undecodable body", slog.Any("error", err))
			w.WriteHeader(http.StatusOK)
			return
		}
		lg.Info("yookassa webhook received", slog.String("event", evt.Event))

		if _, err := s.Payments.ProcessWebhook(r.Context(), evt); err != nil {
			lg.Error("yookassa webhook processing failed", slog.Any("error", err))
		}
		w.WriteHeader(http.StatusOK)
	}
}
