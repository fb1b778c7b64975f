// Package api serves the authenticated billing actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/logging"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rcourtman/plansync/internal/reconcile"
)

const (
	requestBodyLimit = 64 * 1024

	// PricingPath is where clients send users that must pick a new plan.
	PricingPath = "/pricing"
)

// Actions is the engine surface used by the handlers. *reconcile.Engine
// implements it.
type Actions interface {
	Status(ctx context.Context, userID string) (*entitlement.Record, error)
	CreateCheckout(ctx context.Context, userID, email, plan string) (*billing.CheckoutSession, error)
	ChangePlan(ctx context.Context, userID, plan string) (*entitlement.Record, error)
	Unsubscribe(ctx context.Context, userID string) (*entitlement.Record, error)
	Renew(ctx context.Context, userID string) (*reconcile.RenewResult, error)
	DeleteAccount(ctx context.Context, userID string) error
	Sync(ctx context.Context, userID string) (*entitlement.Record, error)
}

// StatusResponse is the entitlement view returned by most actions.
type StatusResponse struct {
	*entitlement.Record
	State entitlement.State `json:"state"`
}

func newStatusResponse(rec *entitlement.Record) StatusResponse {
	return StatusResponse{Record: rec, State: rec.State()}
}

type planRequest struct {
	Plan string `json:"plan"`
}

type checkoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id,omitempty"`
}

type planSelectionResponse struct {
	PlanSelectionRequired bool   `json:"plan_selection_required"`
	Redirect              string `json:"redirect"`
	Message               string `json:"message"`
}

type errorBody struct {
	Reason        apperrors.Kind `json:"reason"`
	Message       string         `json:"message"`
	RemoteApplied bool           `json:"remote_applied"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// Handlers serves the Action API.
type Handlers struct {
	actions Actions
}

// NewHandlers creates the action handlers.
func NewHandlers(actions Actions) *Handlers {
	return &Handlers{actions: actions}
}

// Register wires the action routes onto mux. Every route is wrapped by wrap,
// which is expected to authenticate.
func (h *Handlers) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"POST /api/billing/checkout":    h.HandleCheckout,
		"POST /api/billing/change-plan": h.HandleChangePlan,
		"POST /api/billing/unsubscribe": h.HandleUnsubscribe,
		"POST /api/billing/renew":       h.HandleRenew,
		"POST /api/billing/sync":        h.HandleSync,
		"GET /api/billing/status":       h.HandleStatus,
		"DELETE /api/account":           h.HandleDeleteAccount,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, wrap(handler))
	}
}

// HandleCheckout starts a hosted checkout.
// Route: POST /api/billing/checkout
func (h *Handlers) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	const action = "create_checkout"
	id, req, ok := h.planRequest(w, r, action)
	if !ok {
		return
	}
	session, err := h.actions.CreateCheckout(r.Context(), id.UserID, id.Email, req.Plan)
	if err != nil {
		writeError(w, r, action, err)
		return
	}
	writeJSON(w, r, action, http.StatusOK, checkoutResponse{URL: session.URL, SessionID: session.ID})
}

// HandleChangePlan moves the caller to another plan.
// Route: POST /api/billing/change-plan
func (h *Handlers) HandleChangePlan(w http.ResponseWriter, r *http.Request) {
	const action = "change_plan"
	id, req, ok := h.planRequest(w, r, action)
	if !ok {
		return
	}
	rec, err := h.actions.ChangePlan(r.Context(), id.UserID, req.Plan)
	h.respondRecord(w, r, action, rec, err)
}

// HandleUnsubscribe stops renewal.
// Route: POST /api/billing/unsubscribe
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	const action = "unsubscribe"
	id, ok := caller(w, r, action)
	if !ok {
		return
	}
	rec, err := h.actions.Unsubscribe(r.Context(), id.UserID)
	h.respondRecord(w, r, action, rec, err)
}

// HandleRenew resumes a cancelled subscription.
// Route: POST /api/billing/renew
func (h *Handlers) HandleRenew(w http.ResponseWriter, r *http.Request) {
	const action = "renew"
	id, ok := caller(w, r, action)
	if !ok {
		return
	}
	res, err := h.actions.Renew(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, action, err)
		return
	}
	if res.PlanSelectionRequired {
		writeJSON(w, r, action, http.StatusOK, planSelectionResponse{
			PlanSelectionRequired: true,
			Redirect:              PricingPath,
			Message:               "Your subscription has ended. Choose a plan to continue.",
		})
		return
	}
	h.respondRecord(w, r, action, res.Record, nil)
}

// HandleSync re-reads the caller's subscription from the processor.
// Route: POST /api/billing/sync
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	const action = "sync"
	id, ok := caller(w, r, action)
	if !ok {
		return
	}
	rec, err := h.actions.Sync(r.Context(), id.UserID)
	h.respondRecord(w, r, action, rec, err)
}

// HandleStatus returns the caller's entitlement.
// Route: GET /api/billing/status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	const action = "get_status"
	id, ok := caller(w, r, action)
	if !ok {
		return
	}
	rec, err := h.actions.Status(r.Context(), id.UserID)
	h.respondRecord(w, r, action, rec, err)
}

// HandleDeleteAccount removes the caller's entitlement data.
// Route: DELETE /api/account
func (h *Handlers) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	const action = "delete_account"
	id, ok := caller(w, r, action)
	if !ok {
		return
	}
	if err := h.actions.DeleteAccount(r.Context(), id.UserID); err != nil {
		writeError(w, r, action, err)
		return
	}
	writeJSON(w, r, action, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *Handlers) respondRecord(w http.ResponseWriter, r *http.Request, action string, rec *entitlement.Record, err error) {
	if err != nil {
		writeError(w, r, action, err)
		return
	}
	if rec == nil {
		writeError(w, r, action, apperrors.NotFound(action, "no entitlement found"))
		return
	}
	writeJSON(w, r, action, http.StatusOK, newStatusResponse(rec))
}

func (h *Handlers) planRequest(w http.ResponseWriter, r *http.Request, action string) (identity.Identity, planRequest, bool) {
	var req planRequest
	id, ok := caller(w, r, action)
	if !ok {
		return id, req, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	if err != nil {
		writeError(w, r, action, apperrors.Validation(action, "failed to read request body"))
		return id, req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, action, apperrors.Validation(action, "request body must be a JSON object"))
		return id, req, false
	}
	req.Plan = strings.TrimSpace(req.Plan)
	if req.Plan == "" {
		writeError(w, r, action, apperrors.Validation(action, "plan is required"))
		return id, req, false
	}
	return id, req, true
}

func caller(w http.ResponseWriter, r *http.Request, action string) (identity.Identity, bool) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, action, apperrors.Unauthorized(action))
		return identity.Identity{}, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := apperrors.StatusFor(err)
	kind := apperrors.KindOf(err)
	body := errorBody{
		Reason:        kind,
		Message:       apperrors.MessageOf(err),
		RemoteApplied: apperrors.RemoteApplied(err),
	}

	logger := logging.FromContext(r.Context())
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	var classified *apperrors.Error
	if !errors.As(err, &classified) {
		event = logger.Error()
	}
	event.Err(err).
		Str("action", action).
		Str("reason", string(kind)).
		Int("status", status).
		Bool("remote_applied", body.RemoteApplied).
		Msg("Billing action failed")

	writeJSON(w, r, action, status, errorResponse{Error: body})
}

func writeJSON[T any](w http.ResponseWriter, r *http.Request, action string, status int, v T) {
	metrics.ActionRequestsTotal.WithLabelValues(action, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Int("status", status).Msg("api: encode response")
	}
}
