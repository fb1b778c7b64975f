package reconcile

import "github.com/rcourtman/plansync/internal/entitlement"

// Webhook event types handled by the engine.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypePaymentFailed       = "invoice.payment_failed"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is a verified billing processor event, one variant per type.
type Event interface {
	Type() string
	SubscriptionRef() string
}

// CheckoutCompleted links a new subscription to a user.
type CheckoutCompleted struct {
	EventID        string
	SessionID      string
	UserID         string
	SubscriptionID string
	Tier           entitlement.Tier
	Email          string
}

func (CheckoutCompleted) Type() string              { return TypeCheckoutCompleted }
func (e CheckoutCompleted) SubscriptionRef() string { return e.SubscriptionID }

// PaymentFailed suspends access for the subscription's user.
type PaymentFailed struct {
	EventID        string
	InvoiceID      string
	SubscriptionID string
}

func (PaymentFailed) Type() string              { return TypePaymentFailed }
func (e PaymentFailed) SubscriptionRef() string { return e.SubscriptionID }

// SubscriptionDeleted reports that the processor ended a subscription for good.
type SubscriptionDeleted struct {
	EventID        string
	SubscriptionID string
}

func (SubscriptionDeleted) Type() string              { return TypeSubscriptionDeleted }
func (e SubscriptionDeleted) SubscriptionRef() string { return e.SubscriptionID }
