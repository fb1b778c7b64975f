package reconcile

import (
	"context"
	"net/http"
	"time"

	"github.com/rcourtman/plansync/internal/billing"
	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rcourtman/plansync/internal/store"
	"github.com/rs/zerolog/log"
)

const invalidPlanMessage = "plan must be one of week, month, year"

// RenewResult is the outcome of Renew. PlanSelectionRequired is set when the
// subscription had already ended and the user has to buy a new plan.
type RenewResult struct {
	Record                *entitlement.Record
	PlanSelectionRequired bool
}

func (e *Engine) current(ctx context.Context, op, userID string) (*entitlement.Record, error) {
	if userID == "" {
		return nil, apperrors.Unauthorized(op)
	}
	rec, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence(op, err)
	}
	return rec, nil
}

// Status returns the user's record.
func (e *Engine) Status(ctx context.Context, userID string) (*entitlement.Record, error) {
	const op = "get_status"
	rec, err := e.current(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NotFound(op, "no entitlement found")
	}
	return rec, nil
}

// CreateCheckout starts a hosted checkout for plan. The record is only
// created when the processor reports the completed checkout.
func (e *Engine) CreateCheckout(ctx context.Context, userID, email, plan string) (*billing.CheckoutSession, error) {
	const op = "create_checkout"
	tier, ok := entitlement.ParseTier(plan)
	if !ok {
		return nil, apperrors.Validation(op, invalidPlanMessage)
	}
	rec, err := e.current(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Active {
		return nil, apperrors.Validation(op, "an active subscription already exists; change plan instead")
	}

	return e.billing.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		UserID: userID,
		Email:  email,
		Tier:   tier,
	})
}

// ChangePlan moves the user's subscription to plan.
func (e *Engine) ChangePlan(ctx context.Context, userID, plan string) (*entitlement.Record, error) {
	const op = "change_plan"
	tier, ok := entitlement.ParseTier(plan)
	if !ok {
		return nil, apperrors.Validation(op, invalidPlanMessage)
	}
	rec, err := e.current(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() {
		return nil, apperrors.NoActiveSubscription(op)
	}

	sub, err := e.billing.ChangeSubscriptionPrice(ctx, rec.SubscriptionID, tier)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.ID == "" {
		return nil, apperrors.Upstream(op, http.StatusBadGateway, "billing provider returned no subscription", nil)
	}

	// The id is refreshed from whatever response arrives; a stale response
	// can roll it back.
	t, err := e.commit(ctx, op, e.byUser(ctx, userID), func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
		if current == nil {
			return nil, errRecordGone
		}
		current.Activate(tier, sub.ID)
		if !sub.CancelAtPeriodEnd {
			current.ClearCancellation()
		}
		return current, nil
	})
	if err != nil {
		return nil, e.diverged(op, userID, err)
	}
	return t.after, nil
}

// Unsubscribe asks the processor to stop renewing and projects the result
// according to the unsubscribe policy.
func (e *Engine) Unsubscribe(ctx context.Context, userID string) (*entitlement.Record, error) {
	const op = "unsubscribe"
	rec, err := e.current(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() {
		return nil, apperrors.NoActiveSubscription(op)
	}
	subscriptionID := rec.SubscriptionID

	sub, err := e.billing.SetCancelAtPeriodEnd(ctx, subscriptionID, true)
	if err != nil {
		return nil, err
	}
	requestedAt := e.now().UTC().Truncate(time.Second)

	t, err := e.commit(ctx, op, e.byUser(ctx, userID), func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
		if current == nil {
			return nil, errRecordGone
		}
		if current.SubscriptionID != subscriptionID {
			return nil, nil
		}
		e.applyCancellation(current, subscriptionID, sub, requestedAt)
		return current, nil
	})
	if err != nil {
		return nil, e.diverged(op, userID, err)
	}
	return t.after, nil
}

// applyCancellation projects a cancel-at-period-end subscription onto rec.
func (e *Engine) applyCancellation(rec *entitlement.Record, subscriptionID string, sub *billing.Subscription, at time.Time) {
	if sub.Terminated() {
		rec.Detach()
		return
	}
	switch e.policy {
	case PolicyPeriodEnd:
		if !rec.CancellationRequested {
			rec.CancellationRequested = true
			rec.CancellationRequestedAt = &at
		}
		rec.PeriodEndsAt = nil
		if sub.CurrentPeriodEnd != nil {
			end := *sub.CurrentPeriodEnd
			rec.PeriodEndsAt = &end
		}
	default:
		tier := rec.Tier
		rec.Detach()
		rec.RenewableSubscriptionID = subscriptionID
		if tier.IsPaid() {
			rec.RenewableTier = tier
		}
	}
}

// Renew removes a pending cancellation. When the processor has already ended
// the subscription the record is cleared and the caller must pick a new plan.
func (e *Engine) Renew(ctx context.Context, userID string) (*RenewResult, error) {
	const op = "renew"
	rec, err := e.current(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	subscriptionID := ""
	if rec != nil {
		subscriptionID = rec.SubscriptionID
		if subscriptionID == "" {
			subscriptionID = rec.RenewableSubscriptionID
		}
	}
	if subscriptionID == "" {
		return nil, apperrors.NoActiveSubscription(op)
	}

	sub, err := e.billing.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Terminated() {
		if sub, err = e.billing.SetCancelAtPeriodEnd(ctx, subscriptionID, false); err != nil {
			return nil, err
		}
	}
	if sub.Terminated() {
		t, err := e.commit(ctx, op, e.deletingSubscription(ctx, subscriptionID), detachFrom(subscriptionID))
		if err != nil {
			return nil, err
		}
		after := t.after
		if after == nil {
			if after, err = e.current(ctx, op, userID); err != nil {
				return nil, err
			}
		}
		return &RenewResult{Record: after, PlanSelectionRequired: true}, nil
	}

	t, err := e.commit(ctx, op, e.byUser(ctx, userID), func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
		if current == nil {
			return nil, errRecordGone
		}
		switch subscriptionID {
		case current.SubscriptionID:
			current.ClearCancellation()
			current.Active = sub.Live()
		case current.RenewableSubscriptionID:
			tier := current.RenewableTier
			if priced, ok := e.plans.TierForPrice(sub.PriceID); ok {
				tier = priced
			}
			if !tier.IsPaid() {
				return nil, apperrors.Upstream(op, http.StatusBadGateway, "subscription price does not match a known plan", nil)
			}
			current.Activate(tier, subscriptionID)
			current.ClearCancellation()
			current.Active = sub.Live()
		default:
			return nil, nil
		}
		return current, nil
	})
	if err != nil {
		return nil, e.diverged(op, userID, err)
	}
	return &RenewResult{Record: t.after}, nil
}

// DeleteAccount cancels a live subscription on a best-effort basis and
// deletes the record with everything the user owns. Billing failures never
// block deletion.
func (e *Engine) DeleteAccount(ctx context.Context, userID string) error {
	const op = "delete_account"
	rec, err := e.current(ctx, op, userID)
	if err != nil {
		return err
	}

	if rec != nil && rec.Active && rec.HasSubscription() {
		if _, err := e.billing.CancelSubscription(ctx, rec.SubscriptionID); err != nil {
			metrics.TransitionsTotal.WithLabelValues(op, "cancel_failed").Inc()
			log.Warn().Err(err).
				Str("user_id", userID).
				Str("subscription_id", rec.SubscriptionID).
				Msg("Immediate cancellation failed during account deletion; continuing")
		}
	}

	existed, err := e.store.Delete(ctx, userID)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(op, "error").Inc()
		return apperrors.Persistence(op, err)
	}
	if !existed {
		metrics.TransitionsTotal.WithLabelValues(op, "unchanged").Inc()
		return nil
	}
	metrics.TransitionsTotal.WithLabelValues(op, "changed").Inc()
	if rec == nil {
		rec = entitlement.New(userID, "")
	}
	e.publish(ctx, op, rec, nil)
	return nil
}

// Clear detaches every subscription from the user's record without calling
// the billing processor. Operators use it for records that outlived a
// subscription cancelled out of band.
func (e *Engine) Clear(ctx context.Context, userID string) (*entitlement.Record, error) {
	const op = "clear"
	before, err := e.current(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, apperrors.NotFound(op, "no entitlement found")
	}

	after, err := e.store.Clear(ctx, userID)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(op, "error").Inc()
		return nil, apperrors.Persistence(op, err)
	}
	if after == nil || before.Equal(after) {
		metrics.TransitionsTotal.WithLabelValues(op, "unchanged").Inc()
		return after, nil
	}
	metrics.TransitionsTotal.WithLabelValues(op, "changed").Inc()
	log.Info().
		Str("user_id", userID).
		Str("subscription_id", before.SubscriptionID).
		Msg("Entitlement cleared without billing call")
	e.publish(ctx, op, before, after)
	return after, nil
}

// Sync re-reads the linked subscription from the processor and projects it
// onto the record.
func (e *Engine) Sync(ctx context.Context, userID string) (*entitlement.Record, error) {
	const op = "sync"
	rec, err := e.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	subscriptionID := rec.SubscriptionID
	if subscriptionID == "" {
		subscriptionID = rec.RenewableSubscriptionID
	}
	if subscriptionID == "" {
		return nil, apperrors.NoActiveSubscription(op)
	}

	sub, err := e.billing.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Terminated() {
		if _, err := e.commit(ctx, op, e.deletingSubscription(ctx, subscriptionID), detachFrom(subscriptionID)); err != nil {
			return nil, err
		}
		return e.Status(ctx, userID)
	}

	now := e.now().UTC().Truncate(time.Second)
	t, err := e.commit(ctx, op, e.byUser(ctx, userID), func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
		if current == nil {
			return nil, apperrors.NotFound(op, "no entitlement found")
		}
		tier := current.Tier
		switch subscriptionID {
		case current.SubscriptionID:
		case current.RenewableSubscriptionID:
			tier = current.RenewableTier
		default:
			return nil, nil
		}
		if priced, ok := e.plans.TierForPrice(sub.PriceID); ok {
			tier = priced
		}
		if !tier.IsPaid() {
			return nil, apperrors.Upstream(op, http.StatusBadGateway, "subscription price does not match a known plan", nil)
		}

		if sub.CancelAtPeriodEnd && e.policy == PolicyImmediate {
			current.Activate(tier, subscriptionID)
			e.applyCancellation(current, subscriptionID, sub, now)
			return current, nil
		}
		current.Activate(tier, subscriptionID)
		current.Active = sub.Live()
		if sub.CancelAtPeriodEnd {
			e.applyCancellation(current, subscriptionID, sub, now)
		} else {
			current.ClearCancellation()
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	return t.after, nil
}

// ExpirePendingCancellations ends access for records whose requested
// cancellation took effect at or before now. The subscription stays linked
// until the processor reports it deleted.
func (e *Engine) ExpirePendingCancellations(ctx context.Context, now time.Time) (int, error) {
	const op = "period_expired"
	due, err := e.store.ListPendingCancellations(ctx, now)
	if err != nil {
		return 0, apperrors.Persistence(op, err)
	}

	expired := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		t, err := e.commit(ctx, op, e.byUser(ctx, rec.UserID), func(current *entitlement.Record, _ store.Facts) (*entitlement.Record, error) {
			if current == nil || !current.Active || !current.CancellationRequested ||
				current.PeriodEndsAt == nil || current.PeriodEndsAt.After(now) {
				return nil, nil
			}
			current.Active = false
			return current, nil
		})
		if err != nil {
			log.Error().Err(err).Str("user_id", rec.UserID).Msg("Period enforcer: failed to expire entitlement")
			continue
		}
		if t.changed {
			expired++
		}
	}
	return expired, nil
}
