package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/reconcile"
)

const decodeOp = "webhook.decode"

// Envelope is the outer shape shared by every processor event.
type Envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// objectID accepts either a bare id or an expanded object carrying one.
type objectID string

func (o *objectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = objectID(strings.TrimSpace(s))
		return nil
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &expanded); err != nil {
		return fmt.Errorf("expected id or object: %w", err)
	}
	*o = objectID(strings.TrimSpace(expanded.ID))
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      objectID          `json:"subscription"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type invoice struct {
	ID           string   `json:"id"`
	Subscription objectID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription objectID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

type subscription struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// DecodeEnvelope parses the outer event. A payload without an id, type or
// data object is a ValidationError.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperrors.Validation(decodeOp, "malformed event payload")
	}
	env.ID = strings.TrimSpace(env.ID)
	env.Type = strings.TrimSpace(env.Type)
	if env.ID == "" || env.Type == "" {
		return nil, apperrors.Validation(decodeOp, "event id and type are required")
	}
	return &env, nil
}

// Handled reports whether eventType maps to an engine transition.
func Handled(eventType string) bool {
	switch eventType {
	case reconcile.TypeCheckoutCompleted, reconcile.TypePaymentFailed, reconcile.TypeSubscriptionDeleted:
		return true
	}
	return false
}

// DecodeEvent turns a handled envelope into its typed variant. It returns a
// nil event with a nil error when the event is well formed but carries
// nothing to reconcile.
func DecodeEvent(env *Envelope) (reconcile.Event, error) {
	if len(env.Data.Object) == 0 || bytes.Equal(bytes.TrimSpace(env.Data.Object), []byte("null")) {
		return nil, apperrors.Validation(decodeOp, "event data object is required")
	}

	switch env.Type {
	case reconcile.TypeCheckoutCompleted:
		return decodeCheckout(env)
	case reconcile.TypePaymentFailed:
		return decodePaymentFailed(env)
	case reconcile.TypeSubscriptionDeleted:
		return decodeSubscriptionDeleted(env)
	default:
		return nil, nil
	}
}

func decodeCheckout(env *Envelope) (reconcile.Event, error) {
	var s checkoutSession
	if err := json.Unmarshal(env.Data.Object, &s); err != nil {
		return nil, apperrors.Validation(decodeOp, "malformed checkout session")
	}
	if s.Mode != "" && s.Mode != "subscription" {
		return nil, nil
	}

	userID := strings.TrimSpace(s.ClientReferenceID)
	if userID == "" {
		userID = strings.TrimSpace(s.Metadata["user_id"])
	}
	if userID == "" {
		return nil, apperrors.Validation(decodeOp, "checkout session has no user reference")
	}
	if s.Subscription == "" {
		return nil, apperrors.Validation(decodeOp, "checkout session has no subscription")
	}
	tier, ok := entitlement.ParseTier(s.Metadata["plan_type"])
	if !ok {
		return nil, apperrors.Validation(decodeOp, "checkout session has no valid plan_type")
	}

	email := s.CustomerEmail
	if s.CustomerDetails != nil && strings.TrimSpace(s.CustomerDetails.Email) != "" {
		email = s.CustomerDetails.Email
	}

	return reconcile.CheckoutCompleted{
		EventID:        env.ID,
		SessionID:      s.ID,
		UserID:         userID,
		SubscriptionID: string(s.Subscription),
		Tier:           tier,
		Email:          strings.TrimSpace(email),
	}, nil
}

func decodePaymentFailed(env *Envelope) (reconcile.Event, error) {
	var inv invoice
	if err := json.Unmarshal(env.Data.Object, &inv); err != nil {
		return nil, apperrors.Validation(decodeOp, "malformed invoice")
	}
	subscriptionID := string(inv.Subscription)
	if subscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subscriptionID == "" {
		// One-off invoices have no entitlement to suspend.
		return nil, nil
	}
	return reconcile.PaymentFailed{
		EventID:        env.ID,
		InvoiceID:      inv.ID,
		SubscriptionID: subscriptionID,
	}, nil
}

func decodeSubscriptionDeleted(env *Envelope) (reconcile.Event, error) {
	var sub subscription
	if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
		return nil, apperrors.Validation(decodeOp, "malformed subscription")
	}
	if sub.Object != "" && sub.Object != "subscription" {
		return nil, apperrors.Validation(decodeOp, fmt.Sprintf("expected subscription object, got %q", sub.Object))
	}
	id := strings.TrimSpace(sub.ID)
	if id == "" {
		return nil, apperrors.Validation(decodeOp, "subscription id is required")
	}
	return reconcile.SubscriptionDeleted{EventID: env.ID, SubscriptionID: id}, nil
}
