package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const periodCheckInterval = 1 * time.Hour

// PeriodEnforcer periodically ends access for records whose pending
// cancellation reached the end of the paid period. It only matters under
// PolicyPeriodEnd.
type PeriodEnforcer struct {
	engine   *Engine
	interval time.Duration
}

// NewPeriodEnforcer creates a PeriodEnforcer.
func NewPeriodEnforcer(engine *Engine) *PeriodEnforcer {
	return &PeriodEnforcer{engine: engine, interval: periodCheckInterval}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (p *PeriodEnforcer) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("Period enforcer started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.enforce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Period enforcer stopped")
			return
		case <-ticker.C:
			p.enforce(ctx)
		}
	}
}

func (p *PeriodEnforcer) enforce(ctx context.Context) {
	expired, err := p.engine.ExpirePendingCancellations(ctx, p.engine.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Period enforcer: failed to list pending cancellations")
		}
		return
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Period enforcer: ended access for elapsed cancellations")
	}
}
