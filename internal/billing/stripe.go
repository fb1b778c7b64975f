package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// DefaultProrationBehavior is applied to plan changes unless configured.
const DefaultProrationBehavior = "create_prorations"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	APIKey            string
	SuccessURL        string
	CancelURL         string
	ProrationBehavior string
	Timeout           time.Duration
	Plans             Plans
}

// StripeProcessor implements Processor with stripe-go.
type StripeProcessor struct {
	cfg StripeConfig

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSubscription       func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscription    func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

// NewStripeProcessor creates the Stripe adapter and sets the API key.
func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	if strings.TrimSpace(cfg.ProrationBehavior) == "" {
		cfg.ProrationBehavior = DefaultProrationBehavior
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	stripe.Key = strings.TrimSpace(cfg.APIKey)

	return &StripeProcessor{
		cfg:                   cfg,
		createCheckoutSession: stripesession.New,
		getSubscription:       stripesub.Get,
		updateSubscription:    stripesub.Update,
		cancelSubscription:    stripesub.Cancel,
	}
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	const op = "create_checkout"
	priceID, ok := p.cfg.Plans.PriceID(req.Tier)
	if !ok {
		return nil, apperrors.Validation(op, fmt.Sprintf("unknown plan %q", req.Tier))
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(p.cfg.SuccessURL),
		CancelURL:         stripe.String(p.cfg.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id":   req.UserID,
				"plan_type": string(req.Tier),
			},
		},
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("plan_type", string(req.Tier))
	params.Context = ctx

	var session *stripe.CheckoutSession
	err := observe(op, func() (err error) {
		session, err = p.createCheckoutSession(params)
		return err
	})
	if err != nil {
		return nil, classifyStripeError(ctx, op, err)
	}
	if strings.TrimSpace(session.URL) == "" {
		return nil, apperrors.Upstream(op, http.StatusBadGateway, "checkout session has no redirect URL", nil)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProcessor) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	const op = "retrieve_subscription"
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var sub *stripe.Subscription
	err := observe(op, func() (err error) {
		sub, err = p.getSubscription(id, params)
		return err
	})
	if err != nil {
		return nil, classifyStripeError(ctx, op, err)
	}
	return fromStripe(sub), nil
}

// ChangeSubscriptionPrice moves the first subscription item to the price of
// tier. The processor computes proration.
func (p *StripeProcessor) ChangeSubscriptionPrice(ctx context.Context, id string, tier entitlement.Tier) (*Subscription, error) {
	const op = "change_plan"
	priceID, ok := p.cfg.Plans.PriceID(tier)
	if !ok {
		return nil, apperrors.Validation(op, fmt.Sprintf("unknown plan %q", tier))
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	var current *stripe.Subscription
	err := observe("retrieve_subscription", func() (err error) {
		current, err = p.getSubscription(id, getParams)
		return err
	})
	if err != nil {
		return nil, classifyStripeError(ctx, op, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 || current.Items.Data[0] == nil {
		return nil, apperrors.Upstream(op, http.StatusBadGateway, "subscription has no items", nil)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(p.cfg.ProrationBehavior),
	}
	params.Context = ctx

	var updated *stripe.Subscription
	err = observe(op, func() (err error) {
		updated, err = p.updateSubscription(id, params)
		return err
	})
	if err != nil {
		return nil, classifyStripeError(ctx, op, err)
	}
	return fromStripe(updated), nil
}

func (p *StripeProcessor) SetCancelAtPeriodEnd(ctx context.Context, id string, cancelAtPeriodEnd bool) (*Subscription, error) {
	op := "renew"
	if cancelAtPeriodEnd {
		op = "unsubscribe"
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancelAtPeriodEnd),
	}
	params.Context = ctx

	var updated *stripe.Subscription
	err := observe(op, func() (err error) {
		updated, err = p.updateSubscription(id, params)
		return err
	})
	if err != nil {
		return nil, classifyStripeError(ctx, op, err)
	}
	return fromStripe(updated), nil
}

func (p *StripeProcessor) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	const op = "cancel_subscription"
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	var canceled *stripe.Subscription
	err := observe(op, func() (err error) {
		canceled, err = p.cancelSubscription(id, params)
		return err
	})
	if err != nil {
		return nil, classifyStripeError(ctx, op, err)
	}
	return fromStripe(canceled), nil
}

func observe(op string, call func() error) error {
	start := time.Now()
	err := call()
	metrics.BillingCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.BillingCallsTotal.WithLabelValues(op, outcome).Inc()
	return err
}

func fromStripe(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if out.PriceID == "" && item.Price != nil {
				out.PriceID = item.Price.ID
			}
			if item.CurrentPeriodEnd > 0 && out.CurrentPeriodEnd == nil {
				ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				out.CurrentPeriodEnd = &ts
			}
		}
	}
	return out
}

// classifyStripeError maps stripe-go failures to upstream billing errors that
// keep the processor's status and message.
func classifyStripeError(ctx context.Context, op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Warn().
			Str("op", op).
			Int("status", stripeErr.HTTPStatusCode).
			Str("code", string(stripeErr.Code)).
			Str("request_id", stripeErr.RequestID).
			Msg("Stripe API request rejected")
		return apperrors.Upstream(op, stripeErr.HTTPStatusCode, stripeErr.Msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Upstream(op, http.StatusGatewayTimeout, "billing provider timed out", err)
	}
	return apperrors.Upstream(op, http.StatusBadGateway, "", err)
}
