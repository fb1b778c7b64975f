package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/plansync/internal/admin"
	"github.com/rcourtman/plansync/internal/api"
	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/logging"
	"github.com/rcourtman/plansync/internal/store"
	"github.com/rcourtman/plansync/internal/webhook"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config        *Config
	Store         store.Store
	Actions       api.Actions
	Webhooks      webhook.Applier
	Authenticator identity.Authenticator

	// ActionLimiter limits Action API calls per user. Defaults to an
	// in-memory limiter.
	ActionLimiter Limiter
}

// NewHandler builds the full HTTP handler.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(SecurityHeaders(mux))
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", admin.HandleHealthz)
	mux.HandleFunc("GET /readyz", admin.HandleReadyz(deps.Store))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	mux.Handle("/admin/webhook-events", adminAuth(admin.HandleListWebhookEvents(deps.Store)))

	// Webhook (signature-authenticated)
	verifier := webhook.NewVerifier(deps.Config.StripeWebhookSecret, deps.Config.StripeWebhookTolerance)
	webhookHandler := webhook.NewHandler(verifier, deps.Webhooks, deps.Store)
	webhookLimiter := NewMemoryLimiter(deps.Config.WebhookRateLimit, time.Minute)
	mux.Handle("/api/stripe/webhook", RateLimit("webhook", webhookLimiter, ClientIP, webhookHandler))

	// Action API (identity-authenticated, limited per user)
	limiter := deps.ActionLimiter
	if limiter == nil {
		limiter = NewMemoryLimiter(deps.Config.ActionRateLimit, time.Minute)
	}
	userAuth := func(next http.Handler) http.Handler {
		return identity.Middleware(deps.Authenticator, RateLimit("action", limiter, UserOrIP, next))
	}
	api.NewHandlers(deps.Actions).Register(mux, userAuth)
}
