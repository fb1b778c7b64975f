package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the billing circuit breaker.
type BreakerConfig struct {
	Name string

	// MaxRequests is the maximum number of requests allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state.
	Interval time.Duration

	// Timeout is the period of the open state.
	Timeout time.Duration

	FailureThreshold uint32
}

// DefaultBreakerConfig returns the production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "stripe",
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker wraps a Processor with a circuit breaker. Requests the processor
// rejected (4xx) count as successes, so user errors never open the circuit.
type Breaker struct {
	next Processor
	cb   *gobreaker.CircuitBreaker[any]
}

var _ Processor = (*Breaker)(nil)

// NewBreaker guards next with a circuit breaker.
func NewBreaker(next Processor, cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isOutage(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Billing circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// isOutage reports whether err indicates the processor itself is failing
// rather than rejecting the request.
func isOutage(err error) bool {
	var classified *apperrors.Error
	if errors.As(err, &classified) {
		if classified.Kind != apperrors.KindUpstreamBilling {
			return false
		}
		return classified.StatusCode == 0 || classified.StatusCode >= http.StatusInternalServerError ||
			classified.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (b *Breaker) execute(op string, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.Upstream(op, http.StatusServiceUnavailable, "billing temporarily unavailable", err)
	}
	return result, err
}

func subscriptionResult(result any, err error) (*Subscription, error) {
	if err != nil {
		return nil, err
	}
	sub, _ := result.(*Subscription)
	return sub, nil
}

func (b *Breaker) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	result, err := b.execute("create_checkout", func() (any, error) {
		return b.next.CreateCheckoutSession(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	session, _ := result.(*CheckoutSession)
	return session, nil
}

func (b *Breaker) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	return subscriptionResult(b.execute("retrieve_subscription", func() (any, error) {
		return b.next.RetrieveSubscription(ctx, id)
	}))
}

func (b *Breaker) ChangeSubscriptionPrice(ctx context.Context, id string, tier entitlement.Tier) (*Subscription, error) {
	return subscriptionResult(b.execute("change_plan", func() (any, error) {
		return b.next.ChangeSubscriptionPrice(ctx, id, tier)
	}))
}

func (b *Breaker) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) (*Subscription, error) {
	return subscriptionResult(b.execute("set_cancel_at_period_end", func() (any, error) {
		return b.next.SetCancelAtPeriodEnd(ctx, id, cancel)
	}))
}

func (b *Breaker) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	return subscriptionResult(b.execute("cancel_subscription", func() (any, error) {
		return b.next.CancelSubscription(ctx, id)
	}))
}
