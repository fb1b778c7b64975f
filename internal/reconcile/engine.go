// Package reconcile is the entitlement state machine. It turns verified
// webhook events and user actions into record transitions and billing
// processor calls, and persists every transition through the store's atomic
// read-modify-write.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/events"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rcourtman/plansync/internal/store"
	"github.com/rs/zerolog/log"
)

// UnsubscribePolicy controls what unsubscribe does to local state while the
// processor keeps serving the paid period.
type UnsubscribePolicy string

const (
	// PolicyImmediate drops access at once and remembers the subscription so
	// renew can restore it.
	PolicyImmediate UnsubscribePolicy = "immediate"

	// PolicyPeriodEnd keeps access until the period ends and marks the
	// record as pending cancellation.
	PolicyPeriodEnd UnsubscribePolicy = "period_end"
)

// ParseUnsubscribePolicy parses a configured policy name. Empty means
// PolicyImmediate.
func ParseUnsubscribePolicy(s string) (UnsubscribePolicy, error) {
	switch UnsubscribePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyImmediate:
		return PolicyImmediate, nil
	case PolicyPeriodEnd:
		return PolicyPeriodEnd, nil
	default:
		return "", fmt.Errorf("unknown unsubscribe policy %q (want %q or %q)", s, PolicyImmediate, PolicyPeriodEnd)
	}
}

// Options configures an Engine.
type Options struct {
	Policy    UnsubscribePolicy
	Publisher events.Publisher
	Now       func() time.Time
}

// Engine applies entitlement transitions.
type Engine struct {
	store     store.Store
	billing   billing.Processor
	plans     billing.Plans
	publisher events.Publisher
	policy    UnsubscribePolicy
	now       func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, processor billing.Processor, plans billing.Plans, opts Options) *Engine {
	if opts.Policy == "" {
		opts.Policy = PolicyImmediate
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewLogPublisher(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:     st,
		billing:   processor,
		plans:     plans,
		publisher: opts.Publisher,
		policy:    opts.Policy,
		now:       opts.Now,
	}
}

// Policy returns the configured unsubscribe policy.
func (e *Engine) Policy() UnsubscribePolicy {
	return e.policy
}

// Result describes the outcome of applying one webhook event.
type Result struct {
	// UserID is the user the event resolved to, if any.
	UserID  string
	Changed bool
	Record  *entitlement.Record
}

var errRecordGone = errors.New("entitlement record no longer exists")

// ApplyEvent applies a verified webhook event. Every variant is an
// idempotent assignment, so redelivery is safe.
func (e *Engine) ApplyEvent(ctx context.Context, ev Event) (Result, error) {
	switch ev := ev.(type) {
	case CheckoutCompleted:
		return e.applyCheckout(ctx, ev)
	case PaymentFailed:
		return e.applyPaymentFailed(ctx, ev)
	case SubscriptionDeleted:
		return e.applySubscriptionDeleted(ctx, ev)
	default:
		return Result{}, apperrors.Validation("apply_event", fmt.Sprintf("unsupported event %T", ev))
	}
}

func (e *Engine) applyCheckout(ctx context.Context, ev CheckoutCompleted) (Result, error) {
	if ev.UserID == "" || ev.SubscriptionID == "" || !ev.Tier.IsPaid() {
		return Result{}, apperrors.Validation(ev.Type(), "checkout requires user, subscription and plan")
	}
	lookup := store.Lookup{UserID: ev.UserID, SubscriptionID: ev.SubscriptionID}

	t, err := e.commit(ctx, ev.Type(), e.byLookup(ctx, lookup), func(current *entitlement.Record, facts store.Facts) (*entitlement.Record, error) {
		if current == nil {
			current = entitlement.New(ev.UserID, ev.Email)
		}
		current.RefreshEmail(ev.Email)
		if facts.SubscriptionDeleted {
			// Deleted subscriptions never revive; only the identity is kept.
			return current, nil
		}
		if current.SubscriptionID != ev.SubscriptionID {
			current.ClearCancellation()
		}
		current.Activate(ev.Tier, ev.SubscriptionID)
		return current, nil
	})
	return t.result(), err
}

func (e *Engine) applyPaymentFailed(ctx context.Context, ev PaymentFailed) (Result, error) {
	if ev.SubscriptionID == "" {
		return Result{}, apperrors.Validation(ev.Type(), "payment failure requires a subscription")
	}
	lookup := store.Lookup{SubscriptionID: ev.SubscriptionID}

	t, err := e.commit(ctx, ev.Type(), e.byLookup(ctx, lookup), func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
		if current.SubscriptionID != ev.SubscriptionID {
			return nil, nil
		}
		current.Active = false
		return current, nil
	})
	return t.result(), err
}

func (e *Engine) applySubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) (Result, error) {
	if ev.SubscriptionID == "" {
		return Result{}, apperrors.Validation(ev.Type(), "subscription deletion requires a subscription")
	}
	t, err := e.commit(ctx, ev.Type(), e.deletingSubscription(ctx, ev.SubscriptionID), detachFrom(ev.SubscriptionID))
	return t.result(), err
}

// detachFrom clears the record when it still references subscriptionID.
func detachFrom(subscriptionID string) store.Mutation {
	return func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
		if current == nil {
			return nil, nil
		}
		if current.SubscriptionID != subscriptionID && current.RenewableSubscriptionID != subscriptionID {
			return nil, nil
		}
		current.Detach()
		return current, nil
	}
}

type transition struct {
	before  *entitlement.Record
	after   *entitlement.Record
	changed bool
}

func (t transition) result() Result {
	r := Result{Changed: t.changed, Record: t.after}
	switch {
	case t.after != nil:
		r.UserID = t.after.UserID
	case t.before != nil:
		r.UserID = t.before.UserID
	}
	return r
}

type runner func(fn store.Mutation) (*entitlement.Record, error)

func (e *Engine) byUser(ctx context.Context, userID string) runner {
	return func(fn store.Mutation) (*entitlement.Record, error) {
		return e.store.Upsert(ctx, userID, fn)
	}
}

func (e *Engine) byLookup(ctx context.Context, lookup store.Lookup) runner {
	return func(fn store.Mutation) (*entitlement.Record, error) {
		return e.store.Mutate(ctx, lookup, fn)
	}
}

func (e *Engine) deletingSubscription(ctx context.Context, subscriptionID string) runner {
	return func(fn store.Mutation) (*entitlement.Record, error) {
		return e.store.DeleteSubscription(ctx, subscriptionID, fn)
	}
}

// commit runs fn through the store, skips the write when nothing changed and
// publishes the change once committed.
func (e *Engine) commit(ctx context.Context, trigger string, run runner, fn store.Mutation) (transition, error) {
	var t transition
	after, err := run(func(current *entitlement.Record, facts store.Facts) (*entitlement.Record, error) {
		t.before = current.Clone()
		next, err := fn(current, facts)
		if err != nil || next == nil {
			return nil, err
		}
		if t.before != nil && t.before.Equal(next) {
			return nil, nil
		}
		t.changed = true
		return next, nil
	})
	if err != nil {
		t.changed = false
		metrics.TransitionsTotal.WithLabelValues(trigger, "error").Inc()
		return t, storeError(trigger, err)
	}
	t.after = after

	if !t.changed {
		metrics.TransitionsTotal.WithLabelValues(trigger, "unchanged").Inc()
		return t, nil
	}
	metrics.TransitionsTotal.WithLabelValues(trigger, "changed").Inc()
	e.publish(ctx, trigger, t.before, after)
	return t, nil
}

func (e *Engine) publish(ctx context.Context, trigger string, before, after *entitlement.Record) {
	change := events.NewChange(trigger, before, after, e.now())
	if err := e.publisher.Publish(ctx, change); err != nil {
		log.Warn().Err(err).
			Str("user_id", change.UserID).
			Str("trigger", trigger).
			Msg("Failed to publish entitlement change")
	}
}

// storeError classifies store failures. Errors already classified by a
// mutation pass through.
func storeError(op string, err error) error {
	var classified *apperrors.Error
	if errors.As(err, &classified) {
		return err
	}
	return apperrors.Persistence(op, err)
}

// diverged reports a local failure that followed a successful remote change.
func (e *Engine) diverged(op, userID string, err error) error {
	metrics.DivergenceTotal.WithLabelValues(op).Inc()
	log.Error().Err(err).
		Str("op", op).
		Str("user_id", userID).
		Msg("Billing updated but local entitlement was not saved")
	return apperrors.Diverged(op, err)
}
