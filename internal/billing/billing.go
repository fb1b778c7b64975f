// Package billing is the port to the billing processor. The reconciliation
// engine only talks to the Processor interface; StripeProcessor is the
// production adapter and Breaker guards it.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/plansync/internal/entitlement"
)

// Subscription statuses reported by the processor.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusUnpaid            = "unpaid"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPaused            = "paused"
	StatusCanceled          = "canceled"
)

// Subscription is the processor's view of a subscription, reduced to what
// reconciliation needs.
type Subscription struct {
	ID                string
	Status            string
	CancelAtPeriodEnd bool
	PriceID           string
	CurrentPeriodEnd  *time.Time
}

// Live reports whether the subscription currently grants access.
func (s *Subscription) Live() bool {
	return s != nil && (s.Status == StatusActive || s.Status == StatusTrialing)
}

// Terminated reports whether the subscription can never be resumed.
func (s *Subscription) Terminated() bool {
	return s != nil && (s.Status == StatusCanceled || s.Status == StatusIncompleteExpired)
}

// CheckoutRequest describes a hosted checkout to start for a user.
type CheckoutRequest struct {
	UserID string
	Email  string
	Tier   entitlement.Tier
}

// CheckoutSession is the created hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// Processor is the billing processor API used by the reconciliation engine.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	ChangeSubscriptionPrice(ctx context.Context, id string, tier entitlement.Tier) (*Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
}

// Plans maps purchasable tiers to processor price ids and back.
type Plans struct {
	byTier  map[entitlement.Tier]string
	byPrice map[string]entitlement.Tier
}

// NewPlans builds the tier map. Every paid tier needs a distinct price id.
func NewPlans(week, month, year string) (Plans, error) {
	p := Plans{
		byTier:  make(map[entitlement.Tier]string, 3),
		byPrice: make(map[string]entitlement.Tier, 3),
	}
	for tier, price := range map[entitlement.Tier]string{
		entitlement.TierWeek:  week,
		entitlement.TierMonth: month,
		entitlement.TierYear:  year,
	} {
		price = strings.TrimSpace(price)
		if price == "" {
			return Plans{}, fmt.Errorf("price id for %s plan is required", tier)
		}
		if other, dup := p.byPrice[price]; dup {
			return Plans{}, fmt.Errorf("price id %q used by both %s and %s plans", price, other, tier)
		}
		p.byTier[tier] = price
		p.byPrice[price] = tier
	}
	return p, nil
}

// PriceID returns the price id for tier.
func (p Plans) PriceID(tier entitlement.Tier) (string, bool) {
	price, ok := p.byTier[tier]
	return price, ok
}

// TierForPrice returns the tier billed by priceID.
func (p Plans) TierForPrice(priceID string) (entitlement.Tier, bool) {
	tier, ok := p.byPrice[strings.TrimSpace(priceID)]
	return tier, ok
}
