// Package store persists entitlement records. It is the only place where
// record consistency is enforced: every write goes through a transactional
// read-modify-write so concurrent webhook deliveries and user actions for the
// same user never interleave.
package store

import (
	"context"
	"time"

	"github.com/rcourtman/plansync/internal/entitlement"
)

// Lookup selects the record a Mutation applies to. When both fields are set
// the record is resolved by UserID and the subscription is only used for
// tombstone facts and lock ordering. A lookup by subscription alone never
// creates a record.
type Lookup struct {
	UserID         string
	SubscriptionID string
}

// Facts are read in the same transaction as the record.
type Facts struct {
	// SubscriptionDeleted is true when the processor reported
	// Lookup.SubscriptionID as deleted.
	SubscriptionDeleted bool
}

// Mutation computes the next record from the current one. current is nil when
// no record exists and is a private copy the mutation may modify. Returning a
// nil record leaves storage untouched. A Mutation is called at most once per
// store call.
type Mutation func(current *entitlement.Record, facts Facts) (*entitlement.Record, error)

// Webhook ledger outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeIgnored  = "ignored"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// WebhookEvent is one row of the webhook delivery ledger.
type WebhookEvent struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Store is the entitlement store adapter.
type Store interface {
	// Get returns the record for userID, or nil when none exists.
	Get(ctx context.Context, userID string) (*entitlement.Record, error)

	// GetBySubscriptionID resolves a processor subscription id, linked or
	// renewable, back to its record. Returns nil when unknown.
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*entitlement.Record, error)

	// Upsert applies fn to the record for userID, creating it when fn
	// returns a record for an absent user.
	Upsert(ctx context.Context, userID string, fn Mutation) (*entitlement.Record, error)

	// Mutate is the general atomic read-modify-write primitive. fn is not
	// called when the lookup has no UserID and no record references the
	// subscription.
	Mutate(ctx context.Context, lookup Lookup, fn Mutation) (*entitlement.Record, error)

	// DeleteSubscription tombstones subscriptionID and applies fn to the
	// record linked to it, in one transaction. fn is not called when no
	// record references the subscription.
	DeleteSubscription(ctx context.Context, subscriptionID string, fn Mutation) (*entitlement.Record, error)

	// Clear detaches every subscription field of the user's record.
	Clear(ctx context.Context, userID string) (*entitlement.Record, error)

	// Delete removes the record and the data owned by the user, tombstoning
	// any subscription the record referenced. It reports whether a record
	// existed.
	Delete(ctx context.Context, userID string) (bool, error)

	// ListPendingCancellations returns records with a requested cancellation
	// whose period ended at or before cutoff and that are still active.
	ListPendingCancellations(ctx context.Context, cutoff time.Time) ([]*entitlement.Record, error)

	RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	ListWebhookEvents(ctx context.Context, limit int) ([]*WebhookEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// clearMutation detaches the subscription from an existing record.
func clearMutation(current *entitlement.Record, _ Facts) (*entitlement.Record, error) {
	if current == nil {
		return nil, nil
	}
	current.Detach()
	return current, nil
}

// prepare validates next against the row it replaces and stamps timestamps.
func prepare(current, next *entitlement.Record, userID string, now time.Time) error {
	if current != nil {
		next.UserID = current.UserID
		next.CreatedAt = current.CreatedAt
	} else {
		if next.UserID == "" {
			next.UserID = userID
		}
		next.CreatedAt = now
	}
	if next.Tier == "" {
		next.Tier = entitlement.TierNone
	}
	next.UpdatedAt = now
	return next.Validate()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
