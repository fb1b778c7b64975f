package server

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/reconcile"
)

// Event publisher drivers.
const (
	EventsDriverLog   = "log"
	EventsDriverAMQP  = "amqp"
	EventsDriverKafka = "kafka"
)

// Config holds all service configuration.
type Config struct {
	BindAddress   string
	Port          int
	DataDir       string
	DatabaseURL   string // selects Postgres when set
	AdminKey      string
	PublicMetrics bool

	StripeAPIKey           string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	PriceWeek              string
	PriceMonth             string
	PriceYear              string
	SuccessURL             string
	CancelURL              string
	BillingTimeout         time.Duration
	ProrationBehavior      string
	UnsubscribePolicy      reconcile.UnsubscribePolicy

	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	OIDCIssuer   string
	OIDCClientID string

	RedisURL        string
	ActionRateLimit int
	// WebhookRateLimit bounds deliveries per minute per source address.
	WebhookRateLimit int

	EventsDriver string
	AMQPURL      string
	KafkaBrokers []string
	KafkaTopic   string

	LogLevel  string
	LogFormat string
}

// StoreDir returns the directory holding the SQLite database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "plansync")
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Plans builds the tier to price map.
func (c *Config) Plans() (billing.Plans, error) {
	return billing.NewPlans(c.PriceWeek, c.PriceMonth, c.PriceYear)
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PLANSYNC_PORT", 8080)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("ACTION_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	webhookRateLimit, err := envOrDefaultInt("WEBHOOK_RATE_LIMIT", 1200)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	timeout, err := envOrDefaultDuration("BILLING_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("PLANSYNC_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	policy, err := reconcile.ParseUnsubscribePolicy(os.Getenv("UNSUBSCRIBE_POLICY"))
	if err != nil {
		return nil, fmt.Errorf("UNSUBSCRIBE_POLICY: %w", err)
	}

	cfg := &Config{
		BindAddress:   envOrDefault("PLANSYNC_BIND_ADDRESS", "0.0.0.0"),
		Port:          port,
		DataDir:       envOrDefault("PLANSYNC_DATA_DIR", "/data"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		AdminKey:      strings.TrimSpace(os.Getenv("PLANSYNC_ADMIN_KEY")),
		PublicMetrics: publicMetrics,

		StripeAPIKey:           strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret:    strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeWebhookTolerance: tolerance,
		PriceWeek:              strings.TrimSpace(os.Getenv("STRIPE_PRICE_WEEK")),
		PriceMonth:             strings.TrimSpace(os.Getenv("STRIPE_PRICE_MONTH")),
		PriceYear:              strings.TrimSpace(os.Getenv("STRIPE_PRICE_YEAR")),
		SuccessURL:             strings.TrimSpace(os.Getenv("BILLING_SUCCESS_URL")),
		CancelURL:              strings.TrimSpace(os.Getenv("BILLING_CANCEL_URL")),
		BillingTimeout:         timeout,
		ProrationBehavior:      envOrDefault("BILLING_PRORATION_BEHAVIOR", billing.DefaultProrationBehavior),
		UnsubscribePolicy:      policy,

		JWTSecret:    strings.TrimSpace(os.Getenv("IDENTITY_JWT_SECRET")),
		JWTIssuer:    strings.TrimSpace(os.Getenv("IDENTITY_JWT_ISSUER")),
		JWTAudience:  strings.TrimSpace(os.Getenv("IDENTITY_JWT_AUDIENCE")),
		OIDCIssuer:   strings.TrimSpace(os.Getenv("IDENTITY_OIDC_ISSUER")),
		OIDCClientID: strings.TrimSpace(os.Getenv("IDENTITY_OIDC_CLIENT_ID")),

		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		ActionRateLimit:  rateLimit,
		WebhookRateLimit: webhookRateLimit,

		EventsDriver: strings.ToLower(envOrDefault("EVENTS_DRIVER", EventsDriverLog)),
		AMQPURL:      strings.TrimSpace(os.Getenv("AMQP_URL")),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   envOrDefault("KAFKA_TOPIC", "entitlement-changes"),

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	for _, req := range []struct{ key, value string }{
		{"PLANSYNC_ADMIN_KEY", c.AdminKey},
		{"STRIPE_API_KEY", c.StripeAPIKey},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
		{"STRIPE_PRICE_WEEK", c.PriceWeek},
		{"STRIPE_PRICE_MONTH", c.PriceMonth},
		{"STRIPE_PRICE_YEAR", c.PriceYear},
		{"BILLING_SUCCESS_URL", c.SuccessURL},
		{"BILLING_CANCEL_URL", c.CancelURL},
	} {
		if req.value == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PLANSYNC_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.ActionRateLimit <= 0 {
		return fmt.Errorf("ACTION_RATE_LIMIT must be greater than 0, got %d", c.ActionRateLimit)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	if c.BillingTimeout <= 0 {
		return fmt.Errorf("BILLING_TIMEOUT must be greater than 0")
	}
	if c.JWTSecret == "" && (c.OIDCIssuer == "" || c.OIDCClientID == "") {
		return fmt.Errorf("an identity source is required: set IDENTITY_JWT_SECRET or IDENTITY_OIDC_ISSUER and IDENTITY_OIDC_CLIENT_ID")
	}
	if _, err := c.Plans(); err != nil {
		return err
	}
	for key, raw := range map[string]string{
		"BILLING_SUCCESS_URL": c.SuccessURL,
		"BILLING_CANCEL_URL":  c.CancelURL,
	} {
		if err := validateHTTPURL(key, raw); err != nil {
			return err
		}
	}

	switch c.EventsDriver {
	case EventsDriverLog:
	case EventsDriverAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when EVENTS_DRIVER=amqp")
		}
	case EventsDriverKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENTS_DRIVER=kafka")
		}
	default:
		return fmt.Errorf("EVENTS_DRIVER must be one of log, amqp, kafka, got %q", c.EventsDriver)
	}
	return nil
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 10s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
