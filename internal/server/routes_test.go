package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/entitlement"
	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/logging"
	"github.com/rcourtman/plansync/internal/reconcile"
	"github.com/rcourtman/plansync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	testAdminKey      = "admin-key"
	testWebhookSecret = "whsec_routes"
)

// staticProcessor serves one subscription per id and records nothing.
type staticProcessor struct{}

func (staticProcessor) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	return &billing.CheckoutSession{ID: "cs_test", URL: "https://checkout.example.com/" + req.UserID}, nil
}

func (staticProcessor) RetrieveSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	return &billing.Subscription{ID: id, Status: billing.StatusActive, PriceID: "price_month"}, nil
}

func (staticProcessor) ChangeSubscriptionPrice(_ context.Context, id string, tier entitlement.Tier) (*billing.Subscription, error) {
	return &billing.Subscription{ID: id, Status: billing.StatusActive, PriceID: "price_" + string(tier)}, nil
}

func (staticProcessor) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*billing.Subscription, error) {
	return &billing.Subscription{ID: id, Status: billing.StatusActive, CancelAtPeriodEnd: cancel, PriceID: "price_month"}, nil
}

func (staticProcessor) CancelSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	return &billing.Subscription{ID: id, Status: billing.StatusCanceled}, nil
}

type testServer struct {
	handler http.Handler
	auth    *identity.HMACAuthenticator
	store   store.Store
}

func newTestServer(t *testing.T, mutate func(cfg *Config)) *testServer {
	t.Helper()
	cfg := &Config{
		AdminKey:               testAdminKey,
		StripeWebhookSecret:    testWebhookSecret,
		StripeWebhookTolerance: 5 * time.Minute,
		ActionRateLimit:        60,
		WebhookRateLimit:       1200,
		PriceWeek:              "price_week",
		PriceMonth:             "price_month",
		PriceYear:              "price_year",
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	plans, err := cfg.Plans()
	require.NoError(t, err)
	engine := reconcile.NewEngine(st, staticProcessor{}, plans, reconcile.Options{})

	auth, err := identity.NewHMACAuthenticator("jwt-secret", "", "")
	require.NoError(t, err)

	return &testServer{
		handler: NewHandler(&Deps{
			Config:        cfg,
			Store:         st,
			Actions:       engine,
			Webhooks:      engine,
			Authenticator: auth,
		}),
		auth:  auth,
		store: st,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) userRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := s.auth.IssueToken(identity.Identity{UserID: "u1", Email: "u1@example.com"}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func webhookRequest(payload string) *http.Request {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestProbes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(logging.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRequireAdminKeyUnlessPublic(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec = s.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	public := newTestServer(t, func(cfg *Config) { cfg.PublicMetrics = true })
	rec = public.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookThenStatusEndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, s.userRequest(t, http.MethodGet, "/api/billing/status", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, webhookRequest(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{
"id":"cs_1","mode":"subscription","client_reference_id":"u1","subscription":"sub_1","metadata":{"plan_type":"month"}}}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, s.userRequest(t, http.MethodGet, "/api/billing/status", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "active", status["state"])
	assert.Equal(t, "month", status["tier"])

	rec = s.do(t, s.userRequest(t, http.MethodPost, "/api/billing/change-plan", `{"plan":"year"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"tier":"year"`)

	rec = s.do(t, s.userRequest(t, http.MethodPost, "/api/billing/unsubscribe", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"no_entitlement"`)

	rec = s.do(t, s.userRequest(t, http.MethodPost, "/api/billing/renew", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"active"`)

	rec = s.do(t, s.userRequest(t, http.MethodDelete, "/api/account", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/admin/webhook-events", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec = s.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestActionsRequireIdentity(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/billing/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"unauthorized"`)
}

func TestActionRateLimitPerUser(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.ActionRateLimit = 2 })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, s.userRequest(t, http.MethodPost, "/api/billing/checkout", `{"plan":"week"}`)).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestAdminLedgerRequiresKey(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/admin/webhook-events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRateLimitIsConfigurable(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.WebhookRateLimit = 2 })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, webhookRequest(`{"id":"evt_other","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
