// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/rinat3636/mybottg/internal/adapter/httpserver"
	"github.com/rinat3636/mybottg/internal/config"
)

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())

	// Health must answer both spellings without a redirect.
	r.Get("/health", srv.HealthHandler())
	r.Get("/health/", srv.HealthHandler())

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(httpserver.MaxBody(cfg.MaxWebhookBodyBytes))
		wr.Post("/webhook/telegram/{secret}", srv.TelegramWebhookHandler())
		wr.Post("/yookassa/webhook/{secret}", srv.YookassaWebhookHandler())
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	return httpserver.SecurityHeaders(r)
}
