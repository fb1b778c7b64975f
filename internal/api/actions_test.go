package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubActions struct {
	record   *entitlement.Record
	renew    *reconcile.RenewResult
	err      error
	gotUser  string
	gotPlan  string
	gotEmail string
	deleted  bool
}

func (s *stubActions) Status(_ context.Context, userID string) (*entitlement.Record, error) {
	s.gotUser = userID
	return s.record, s.err
}

func (s *stubActions) CreateCheckout(_ context.Context, userID, email, plan string) (*billing.CheckoutSession, error) {
	s.gotUser, s.gotEmail, s.gotPlan = userID, email, plan
	if s.err != nil {
		return nil, s.err
	}
	return &billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
}

func (s *stubActions) ChangePlan(_ context.Context, userID, plan string) (*entitlement.Record, error) {
	s.gotUser, s.gotPlan = userID, plan
	return s.record, s.err
}

func (s *stubActions) Unsubscribe(_ context.Context, userID string) (*entitlement.Record, error) {
	s.gotUser = userID
	return s.record, s.err
}

func (s *stubActions) Renew(_ context.Context, userID string) (*reconcile.RenewResult, error) {
	s.gotUser = userID
	return s.renew, s.err
}

func (s *stubActions) DeleteAccount(_ context.Context, userID string) error {
	s.gotUser = userID
	s.deleted = s.err == nil
	return s.err
}

func (s *stubActions) Sync(_ context.Context, userID string) (*entitlement.Record, error) {
	s.gotUser = userID
	return s.record, s.err
}

func activeRecord() *entitlement.Record {
	return &entitlement.Record{UserID: "u1", Email: "u1@example.com", Active: true, Tier: entitlement.TierMonth, SubscriptionID: "sub_1"}
}

// newMux registers the handlers behind a fake authenticator that trusts the
// X-Test-User header.
func newMux(actions Actions) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandlers(actions).Register(mux, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := r.Header.Get("X-Test-User"); user != "" {
				r = r.WithContext(identity.WithIdentity(r.Context(), identity.Identity{UserID: user, Email: user + "@example.com"}))
			}
			next.ServeHTTP(w, r)
		})
	})
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", "u1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func TestStatusReturnsRecordWithState(t *testing.T) {
	actions := &stubActions{record: activeRecord()}
	rec := do(t, newMux(actions), http.MethodGet, "/api/billing/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "month", body["tier"])
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "sub_1", body["external_subscription_id"])
	assert.Equal(t, "u1", actions.gotUser)
}

func TestStatusNotFound(t *testing.T) {
	actions := &stubActions{err: apperrors.NotFound("get_status", "no entitlement found")}
	rec := do(t, newMux(actions), http.MethodGet, "/api/billing/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.KindNotFound, decodeError(t, rec).Reason)
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/billing/status", nil)
	rec := httptest.NewRecorder()
	newMux(&stubActions{}).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorized, decodeError(t, rec).Reason)
}

func TestCheckoutReturnsURL(t *testing.T) {
	actions := &stubActions{}
	rec := do(t, newMux(actions), http.MethodPost, "/api/billing/checkout", `{"plan":"week"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://checkout.example.com/cs_1","session_id":"cs_1"}`, rec.Body.String())
	assert.Equal(t, "week", actions.gotPlan)
	assert.Equal(t, "u1@example.com", actions.gotEmail)
}

func TestPlanRequestValidation(t *testing.T) {
	mux := newMux(&stubActions{record: activeRecord()})

	rec := do(t, mux, http.MethodPost, "/api/billing/change-plan", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.KindValidation, decodeError(t, rec).Reason)

	rec = do(t, mux, http.MethodPost, "/api/billing/change-plan", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/billing/change-plan", ``)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChangePlanErrors(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		status        int
		reason        apperrors.Kind
		remoteApplied bool
	}{
		{"no subscription", apperrors.NoActiveSubscription("change_plan"), http.StatusNotFound, apperrors.KindNoActiveSubscription, false},
		{"card declined", apperrors.Upstream("change_plan", http.StatusPaymentRequired, "Your card was declined.", nil), http.StatusBadGateway, apperrors.KindUpstreamBilling, false},
		{"breaker open", apperrors.Upstream("change_plan", http.StatusServiceUnavailable, "billing temporarily unavailable", nil), http.StatusServiceUnavailable, apperrors.KindUpstreamBilling, false},
		{"diverged", apperrors.Diverged("change_plan", errors.New("disk full")), http.StatusInternalServerError, apperrors.KindPersistence, true},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, apperrors.KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newMux(&stubActions{err: tt.err}), http.MethodPost, "/api/billing/change-plan", `{"plan":"year"}`)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.reason, body.Reason)
			assert.Equal(t, tt.remoteApplied, body.RemoteApplied)
		})
	}
}

func TestChangePlanSuccess(t *testing.T) {
	r := activeRecord()
	r.Tier = entitlement.TierYear
	actions := &stubActions{record: r}
	rec := do(t, newMux(actions), http.MethodPost, "/api/billing/change-plan", `{"plan":"year"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tier":"year"`)
	assert.Equal(t, "year", actions.gotPlan)
}

func TestRenewPlanSelectionRequired(t *testing.T) {
	actions := &stubActions{renew: &reconcile.RenewResult{PlanSelectionRequired: true}}
	rec := do(t, newMux(actions), http.MethodPost, "/api/billing/renew", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body planSelectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.PlanSelectionRequired)
	assert.Equal(t, PricingPath, body.Redirect)

	actions.renew = &reconcile.RenewResult{Record: activeRecord()}
	rec = do(t, newMux(actions), http.MethodPost, "/api/billing/renew", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"active"`)
}

func TestUnsubscribeAndSync(t *testing.T) {
	detached := &entitlement.Record{UserID: "u1", Tier: entitlement.TierNone, RenewableSubscriptionID: "sub_1", RenewableTier: entitlement.TierMonth}
	mux := newMux(&stubActions{record: detached})

	rec := do(t, mux, http.MethodPost, "/api/billing/unsubscribe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"no_entitlement"`)

	rec = do(t, mux, http.MethodPost, "/api/billing/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteAccount(t *testing.T) {
	actions := &stubActions{}
	rec := do(t, newMux(actions), http.MethodDelete, "/api/account", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())
	assert.True(t, actions.deleted)

	actions.err = apperrors.Persistence("delete_account", errors.New("locked"))
	rec = do(t, newMux(actions), http.MethodDelete, "/api/account", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.KindPersistence, decodeError(t, rec).Reason)
}
