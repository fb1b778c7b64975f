// Package webhook receives signed billing processor notifications, verifies
// them and hands typed events to the reconciliation engine.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/logging"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rcourtman/plansync/internal/reconcile"
	"github.com/rcourtman/plansync/internal/store"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Applier applies typed events. *reconcile.Engine implements it.
type Applier interface {
	ApplyEvent(ctx context.Context, ev reconcile.Event) (reconcile.Result, error)
}

// Ledger records deliveries. store.Store implements it.
type Ledger interface {
	RecordWebhookEvent(ctx context.Context, ev *store.WebhookEvent) error
}

// Handler handles incoming webhook deliveries.
type Handler struct {
	verifier *Verifier
	engine   Applier
	ledger   Ledger
	now      func() time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// NewHandler creates a webhook HTTP handler. ledger may be nil.
func NewHandler(verifier *Verifier, engine Applier, ledger Ledger) *Handler {
	return &Handler{
		verifier: verifier,
		engine:   engine,
		ledger:   ledger,
		now:      time.Now,
	}
}

// ServeHTTP verifies the signature and dispatches the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if !h.verifier.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	logger := logging.FromContext(r.Context())
	if err := h.verifier.Verify(payload, r.Header.Get(SignatureHeader)); err != nil {
		logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Webhook signature rejected")
		h.record(r.Context(), &store.WebhookEvent{Type: eventType, Outcome: store.OutcomeRejected, Error: apperrors.MessageOf(err)})
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid signature"})
		return
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		h.record(r.Context(), &store.WebhookEvent{Type: eventType, Outcome: store.OutcomeRejected, Error: apperrors.MessageOf(err)})
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: apperrors.MessageOf(err)})
		return
	}
	eventType = env.Type
	if !Handled(env.Type) {
		// Keep the label set bounded.
		eventType = "other"
	}
	entry := &store.WebhookEvent{EventID: env.ID, Type: env.Type}

	ev, err := DecodeEvent(env)
	if err == nil && ev == nil {
		logger.Info().
			Str("type", env.Type).
			Str("event_id", env.ID).
			Msg("Webhook ignored")
		entry.Outcome = store.OutcomeIgnored
		h.record(r.Context(), entry)
		writeJSON(w, status, receivedResponse{Received: true})
		return
	}

	var res reconcile.Result
	if err == nil {
		entry.SubscriptionID = ev.SubscriptionRef()
		res, err = h.engine.ApplyEvent(r.Context(), ev)
		entry.UserID = res.UserID
	}
	if err != nil {
		entry.Error = apperrors.MessageOf(err)
		if apperrors.KindOf(err) == apperrors.KindValidation {
			logger.Warn().Err(err).Str("event_id", env.ID).Str("type", env.Type).Msg("Webhook event rejected")
			entry.Outcome = store.OutcomeRejected
			h.record(r.Context(), entry)
			status = http.StatusBadRequest
			writeJSON(w, status, errorResponse{Error: entry.Error})
			return
		}
		logger.Error().Err(err).Str("event_id", env.ID).Str("type", env.Type).Msg("Webhook processing failed")
		entry.Outcome = store.OutcomeFailed
		h.record(r.Context(), entry)
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	logger.Debug().
		Str("event_id", env.ID).
		Str("type", env.Type).
		Str("user_id", res.UserID).
		Bool("changed", res.Changed).
		Msg("Webhook applied")
	entry.Outcome = store.OutcomeApplied
	h.record(r.Context(), entry)
	writeJSON(w, status, receivedResponse{Received: true})
}

func (h *Handler) record(ctx context.Context, ev *store.WebhookEvent) {
	if h.ledger == nil {
		return
	}
	ev.ReceivedAt = h.now().UTC()
	if err := h.ledger.RecordWebhookEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Failed to record webhook delivery")
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
