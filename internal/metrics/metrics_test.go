package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorsRegistered(t *testing.T) {
	WebhookRequestsTotal.WithLabelValues("checkout.session.completed", "200").Inc()
	TransitionsTotal.WithLabelValues("checkout", "changed").Inc()
	RateLimitedTotal.WithLabelValues("action").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := make(map[string]bool)
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "plansync_") {
			seen[mf.GetName()] = true
		}
	}
	for _, name := range []string{
		"plansync_webhook_requests_total",
		"plansync_reconcile_transitions_total",
		"plansync_http_rate_limited_total",
	} {
		if !seen[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCounterIncrements(t *testing.T) {
	c := DivergenceTotal.WithLabelValues("change_plan")
	before := counterValue(t, c)
	c.Inc()
	if got := counterValue(t, c); got != before+1 {
		t.Fatalf("divergence counter = %v, want %v", got, before+1)
	}
}
