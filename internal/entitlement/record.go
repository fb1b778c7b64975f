// Package entitlement defines the per-user paid-access record and its
// derived lifecycle states.
package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies the billing plan backing an entitlement.
type Tier string

const (
	TierNone  Tier = "none"
	TierWeek  Tier = "week"
	TierMonth Tier = "month"
	TierYear  Tier = "year"
)

// PaidTiers lists the tiers a user can purchase.
var PaidTiers = []Tier{TierWeek, TierMonth, TierYear}

// ParseTier parses a purchasable plan name. "none" is not purchasable.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierWeek:
		return TierWeek, true
	case TierMonth:
		return TierMonth, true
	case TierYear:
		return TierYear, true
	default:
		return "", false
	}
}

// IsPaid reports whether t is a purchasable tier.
func (t Tier) IsPaid() bool {
	_, ok := ParseTier(string(t))
	return ok
}

// State is the lifecycle state derived from a record's fields.
type State string

const (
	StateNoEntitlement             State = "no_entitlement"
	StateActive                    State = "active"
	StateActivePendingCancellation State = "active_pending_cancellation"
	StateInactive                  State = "inactive"
)

// Record is the single entitlement row kept per user.
type Record struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
	Tier   Tier   `json:"tier"`

	// SubscriptionID is the billing processor subscription linked to the
	// user, regardless of its cancellation state. Empty means absent.
	SubscriptionID string `json:"external_subscription_id,omitempty"`

	CancellationRequested   bool       `json:"cancellation_requested"`
	CancellationRequestedAt *time.Time `json:"cancellation_requested_at,omitempty"`
	PeriodEndsAt            *time.Time `json:"period_ends_at,omitempty"`

	// RenewableSubscriptionID and RenewableTier remember a subscription that
	// was detached locally by an immediate unsubscribe while the processor
	// keeps serving it until period end.
	RenewableSubscriptionID string `json:"renewable_subscription_id,omitempty"`
	RenewableTier           Tier   `json:"renewable_tier,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty record for userID.
func New(userID, email string) *Record {
	return &Record{
		UserID: userID,
		Email:  strings.TrimSpace(email),
		Tier:   TierNone,
	}
}

// Clone returns a deep copy so mutations never alias stored values.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.CancellationRequestedAt != nil {
		ts := *r.CancellationRequestedAt
		c.CancellationRequestedAt = &ts
	}
	if r.PeriodEndsAt != nil {
		ts := *r.PeriodEndsAt
		c.PeriodEndsAt = &ts
	}
	return &c
}

// State derives the lifecycle state. A nil record has no entitlement.
func (r *Record) State() State {
	if r == nil || r.SubscriptionID == "" {
		return StateNoEntitlement
	}
	if !r.Active {
		return StateInactive
	}
	if r.CancellationRequested {
		return StateActivePendingCancellation
	}
	return StateActive
}

// HasSubscription reports whether a processor subscription is linked.
func (r *Record) HasSubscription() bool {
	return r != nil && r.SubscriptionID != ""
}

// Activate links subscriptionID and grants tier.
func (r *Record) Activate(tier Tier, subscriptionID string) {
	r.Active = true
	r.Tier = tier
	r.SubscriptionID = subscriptionID
	r.RenewableSubscriptionID = ""
	r.RenewableTier = ""
}

// ClearCancellation drops any pending cancellation request.
func (r *Record) ClearCancellation() {
	r.CancellationRequested = false
	r.CancellationRequestedAt = nil
	r.PeriodEndsAt = nil
}

// Detach removes every subscription-related field, leaving the user with no
// entitlement. Identity fields are kept.
func (r *Record) Detach() {
	r.Active = false
	r.Tier = TierNone
	r.SubscriptionID = ""
	r.RenewableSubscriptionID = ""
	r.RenewableTier = ""
	r.ClearCancellation()
}

// RefreshEmail records a newer contact address when one is known.
func (r *Record) RefreshEmail(email string) {
	if email = strings.TrimSpace(email); email != "" {
		r.Email = email
	}
}

// Equal reports whether two records carry the same entitlement data.
// Timestamps managed by the store are ignored.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.UserID == o.UserID &&
		r.Email == o.Email &&
		r.Active == o.Active &&
		r.Tier == o.Tier &&
		r.SubscriptionID == o.SubscriptionID &&
		r.CancellationRequested == o.CancellationRequested &&
		timePtrEqual(r.CancellationRequestedAt, o.CancellationRequestedAt) &&
		timePtrEqual(r.PeriodEndsAt, o.PeriodEndsAt) &&
		r.RenewableSubscriptionID == o.RenewableSubscriptionID &&
		r.RenewableTier == o.RenewableTier
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	switch r.Tier {
	case TierNone, TierWeek, TierMonth, TierYear:
	default:
		return fmt.Errorf("unknown tier %q", r.Tier)
	}
	if r.SubscriptionID == "" && r.Active {
		return fmt.Errorf("active entitlement requires a subscription")
	}
	if r.SubscriptionID == "" && r.CancellationRequested {
		return fmt.Errorf("cancellation requested without a subscription")
	}
	if r.Active && !r.Tier.IsPaid() {
		return fmt.Errorf("active entitlement requires a paid tier, got %q", r.Tier)
	}
	if r.RenewableSubscriptionID != "" && r.SubscriptionID != "" {
		return fmt.Errorf("renewable subscription set while a subscription is linked")
	}
	if r.CancellationRequested && r.CancellationRequestedAt == nil {
		return fmt.Errorf("cancellation requested without a timestamp")
	}
	return nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
