package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/laborur"
	"github.com/ehr/labinterface/internal/labrules"
	"github.com/ehr/labinterface/internal/platform/db"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
)

// Interpreter processes one parsed message and applies its post-commit
// housekeeping.
type Interpreter interface {
	Process(ctx context.Context, msg *hl7v2.Message) (*laborur.Outcome, error)
	Housekeep(ctx context.Context, out *laborur.Outcome) laborur.HousekeepingResult
}

// DrainStats summarizes one drain.
type DrainStats struct {
	Skipped   bool          `json:"skipped"`
	Processed int           `json:"processed"`
	Delegated int           `json:"delegated"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Processor drains the queue through the rule chain and the interpreter.
// Only one drain runs at a time.
type Processor struct {
	store    Store
	concepts clinical.ConceptStore
	interp   Interpreter
	tx       db.TxRunner
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

func NewProcessor(store Store, concepts clinical.ConceptStore, interp Interpreter, tx db.TxRunner, logger zerolog.Logger) *Processor {
	if tx == nil {
		tx = db.NoTx{}
	}
	return &Processor{
		store:    store,
		concepts: concepts,
		interp:   interp,
		tx:       tx,
		logger:   logger.With().Str("component", "lab-queue").Logger(),
	}
}

func (p *Processor) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false
	}
	p.running = true
	return true
}

func (p *Processor) end() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Chain builds the rule chain with the numeric concepts currently defined.
func (p *Processor) Chain(ctx context.Context) (*labrules.Chain, error) {
	ids, err := p.concepts.NumericConceptIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load numeric concepts: %w", err)
	}
	return labrules.NewChain(p.logger, labrules.DefaultRules(labrules.NewConceptSet(ids...))...), nil
}

// Drain processes pending messages until the queue is empty or ctx is
// done. A message that fails is parked and the drain moves on. When another
// drain is running it returns at once with Skipped set.
func (p *Processor) Drain(ctx context.Context) (stats DrainStats, err error) {
	if !p.begin() {
		stats.Skipped = true
		return stats, nil
	}
	defer p.end()

	start := time.Now()
	defer func() { stats.Duration = time.Since(start) }()

	chain, err := p.Chain(ctx)
	if err != nil {
		return stats, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		msg, err := p.store.Next(ctx)
		if err != nil {
			return stats, err
		}
		if msg == nil {
			break
		}
		if err := p.processOne(ctx, chain, msg, &stats); err != nil {
			return stats, err
		}
	}

	if stats.Processed+stats.Failed > 0 {
		p.logger.Info().
			Int("processed", stats.Processed).
			Int("delegated", stats.Delegated).
			Int("failed", stats.Failed).
			Dur("duration", time.Since(start)).
			Msg("lab queue drained")
	}
	return stats, nil
}

// processOne returns an error only when the queue itself cannot be
// updated, since the message would otherwise be offered again forever.
func (p *Processor) processOne(ctx context.Context, chain *labrules.Chain, msg *Message, stats *DrainStats) error {
	log := p.logger.With().Str("message_id", msg.ID.String()).Str("source", msg.Source).Logger()

	parsed, err := hl7v2.Parse([]byte(chain.Normalize(hl7v2.NormalizeLineEndings(msg.Data))))
	if err != nil {
		return p.fail(ctx, log, msg, fmt.Errorf("parse: %w", err), stats)
	}

	var out *laborur.Outcome
	err = p.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if out, err = p.interp.Process(ctx, parsed); err != nil {
			return err
		}
		return p.store.Archive(ctx, msg)
	})
	if err != nil {
		return p.fail(ctx, log, msg, err, stats)
	}

	stats.Processed++
	if out.Delegated {
		stats.Delegated++
	}

	res := p.interp.Housekeep(ctx, out)
	switch {
	case res.Err != nil:
		log.Error().Err(res.Err).Str("control_id", out.ControlID).Msg("health center update failed")
	case res.Updated:
		log.Debug().Str("control_id", out.ControlID).Int("location_id", out.HealthCenter.LocationID).Msg("health center updated")
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, msg *Message, cause error, stats *DrainStats) error {
	stats.Failed++
	ev := log.Error().Err(cause)
	if kind := laborur.KindOf(cause); kind != 0 {
		ev = ev.Str("kind", kind.String())
	}
	ev.Msg("lab message failed")

	if err := p.store.Fail(ctx, msg, cause); err != nil {
		return fmt.Errorf("park failed message %s: %w", msg.ID, err)
	}
	return nil
}

// Run drains every interval until ctx is done.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.Drain(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("lab queue drain failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
