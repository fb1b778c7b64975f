// Package events publishes entitlement change notifications for downstream
// consumers (feature gating caches, analytics, email).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/plansync/internal/entitlement"
	"github.com/rcourtman/plansync/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Change describes one committed entitlement transition.
type Change struct {
	UserID         string            `json:"user_id"`
	Trigger        string            `json:"trigger"`
	From           entitlement.State `json:"from"`
	To             entitlement.State `json:"to"`
	Active         bool              `json:"active"`
	Tier           entitlement.Tier  `json:"tier"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// NewChange builds a change from the records before and after a transition.
// after is nil when the record was deleted.
func NewChange(trigger string, before, after *entitlement.Record, at time.Time) Change {
	c := Change{
		Trigger:    trigger,
		From:       before.State(),
		To:         after.State(),
		Tier:       entitlement.TierNone,
		OccurredAt: at.UTC(),
	}
	switch {
	case after != nil:
		c.UserID = after.UserID
		c.Active = after.Active
		c.Tier = after.Tier
		c.SubscriptionID = after.SubscriptionID
	case before != nil:
		c.UserID = before.UserID
	}
	return c
}

// RoutingKey is the topic routing key for c.
func (c Change) RoutingKey() string {
	return "entitlement." + string(c.To)
}

func (c Change) encode() ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode entitlement change: %w", err)
	}
	return payload, nil
}

// Publisher delivers entitlement changes.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
	Close() error
}

func record(driver string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.EventsPublishedTotal.WithLabelValues(driver, outcome).Inc()
}

// LogPublisher writes changes to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher returns a publisher that logs through logger, or the global
// logger when nil.
func NewLogPublisher(logger *zerolog.Logger) *LogPublisher {
	if logger == nil {
		return &LogPublisher{logger: log.Logger}
	}
	return &LogPublisher{logger: *logger}
}

func (p *LogPublisher) Publish(_ context.Context, c Change) error {
	p.logger.Info().
		Str("user_id", c.UserID).
		Str("trigger", c.Trigger).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Str("tier", string(c.Tier)).
		Bool("active", c.Active).
		Msg("Entitlement changed")
	record("log", nil)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
