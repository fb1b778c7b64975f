package server

import (
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/plansync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PLANSYNC_ADMIN_KEY", "admin-key")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("STRIPE_PRICE_WEEK", "price_week")
	t.Setenv("STRIPE_PRICE_MONTH", "price_month")
	t.Setenv("STRIPE_PRICE_YEAR", "price_year")
	t.Setenv("BILLING_SUCCESS_URL", "https://app.example.com/billing/success")
	t.Setenv("BILLING_CANCEL_URL", "https://app.example.com/pricing")
	t.Setenv("IDENTITY_JWT_SECRET", "jwt-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, 5*time.Minute, cfg.StripeWebhookTolerance)
	assert.Equal(t, 10*time.Second, cfg.BillingTimeout)
	assert.Equal(t, "create_prorations", cfg.ProrationBehavior)
	assert.Equal(t, reconcile.PolicyImmediate, cfg.UnsubscribePolicy)
	assert.Equal(t, 60, cfg.ActionRateLimit)
	assert.Equal(t, 1200, cfg.WebhookRateLimit)
	assert.Equal(t, EventsDriverLog, cfg.EventsDriver)
	assert.Equal(t, "entitlement-changes", cfg.KafkaTopic)
	assert.False(t, cfg.PublicMetrics)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PLANSYNC_PORT", "9090")
	t.Setenv("UNSUBSCRIBE_POLICY", "period_end")
	t.Setenv("BILLING_TIMEOUT", "3s")
	t.Setenv("PLANSYNC_PUBLIC_METRICS", "true")
	t.Setenv("EVENTS_DRIVER", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("WEBHOOK_RATE_LIMIT", "5000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, reconcile.PolicyPeriodEnd, cfg.UnsubscribePolicy)
	assert.Equal(t, 3*time.Second, cfg.BillingTimeout)
	assert.True(t, cfg.PublicMetrics)
	assert.Equal(t, EventsDriverKafka, cfg.EventsDriver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5000, cfg.WebhookRateLimit)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("PLANSYNC_ADMIN_KEY", "")
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLANSYNC_ADMIN_KEY")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad port", "PLANSYNC_PORT", "70000", "PLANSYNC_PORT"},
		{"non-numeric port", "PLANSYNC_PORT", "http", "valid integer"},
		{"bad policy", "UNSUBSCRIBE_POLICY", "never", "UNSUBSCRIBE_POLICY"},
		{"bad timeout", "BILLING_TIMEOUT", "soon", "BILLING_TIMEOUT"},
		{"duplicate price", "STRIPE_PRICE_YEAR", "price_week", "used by both"},
		{"bad success url", "BILLING_SUCCESS_URL", "ftp://example.com", "BILLING_SUCCESS_URL"},
		{"no identity", "IDENTITY_JWT_SECRET", "", "identity source"},
		{"amqp without url", "EVENTS_DRIVER", "amqp", "AMQP_URL"},
		{"unknown driver", "EVENTS_DRIVER", "carrier-pigeon", "EVENTS_DRIVER"},
		{"zero rate limit", "ACTION_RATE_LIMIT", "0", "ACTION_RATE_LIMIT"},
		{"negative webhook rate limit", "WEBHOOK_RATE_LIMIT", "-1", "WEBHOOK_RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestOIDCSatisfiesIdentityRequirement(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IDENTITY_JWT_SECRET", "")
	t.Setenv("IDENTITY_OIDC_ISSUER", "https://accounts.example.com")
	t.Setenv("IDENTITY_OIDC_CLIENT_ID", "plansync")

	_, err := LoadConfig()
	require.NoError(t, err)
}
