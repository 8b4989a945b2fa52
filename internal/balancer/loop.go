package balancer

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// Dispatcher hands fired signals to the execution engine.
type Dispatcher interface {
	Handle(ctx context.Context, sig Signal) error
}

// BalanceReader is the slice of the chain client the balancer needs.
type BalanceReader interface {
	Balance(ctx context.Context, addr, tokenAddr string) (*big.Int, error)
}

// ConfigRepo supplies tokens and their enabled rules.
type ConfigRepo interface {
	Tokens() []string
	TokenCfg(tokenID string) (pricing.TokenCfg, error)
	EnabledRules(tokenID string, chainID int64) []Rule
}

// Balancer polls the last-good store and pushes every fresh consolidated
// price through the trigger evaluator. The transport is deliberately dumb:
// each event is the full ConsolidatedPrice read back from the store.
type Balancer struct {
	cfgs     ConfigRepo
	prices   persistence.LastGoodStore
	intents  persistence.IntentStore
	chain    BalanceReader
	dispatch Dispatcher
	metrics  *metrics.Registry
	interval time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

func New(cfgs ConfigRepo, prices persistence.LastGoodStore, intents persistence.IntentStore, chain BalanceReader, dispatch Dispatcher, m *metrics.Registry, interval time.Duration) *Balancer {
	return &Balancer{
		cfgs:     cfgs,
		prices:   prices,
		intents:  intents,
		chain:    chain,
		dispatch: dispatch,
		metrics:  m,
		interval: interval,
		now:      time.Now,
	}
}

// Run polls until the context is cancelled, then waits for in-flight
// dispatches to drain.
func (b *Balancer) Run(ctx context.Context) error {
	defer b.wg.Wait()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled rule against the latest consolidated price.
func (b *Balancer) Tick(ctx context.Context) {
	for _, tokenID := range b.cfgs.Tokens() {
		if err := b.evalToken(ctx, tokenID); err != nil {
			log.Error().Err(err).Str("token", tokenID).Msg("balancer pass failed")
		}
	}
}

func (b *Balancer) evalToken(ctx context.Context, tokenID string) error {
	cfg, err := b.cfgs.TokenCfg(tokenID)
	if err != nil {
		return err
	}
	cp, err := b.prices.Get(ctx, tokenID)
	if err != nil {
		return err
	}
	if cp == nil {
		// Never consolidated; nothing to act on yet.
		return nil
	}

	for _, rule := range b.cfgs.EnabledRules(tokenID, cfg.ChainID) {
		b.evalRule(ctx, rule, cfg, *cp)
	}
	return nil
}

func (b *Balancer) evalRule(ctx context.Context, rule Rule, cfg pricing.TokenCfg, cp pricing.ConsolidatedPrice) {
	balance, err := b.chain.Balance(ctx, rule.SourceAddr(), cfg.Address)
	if err != nil {
		b.metrics.ChainErrors.WithLabelValues("balance", "read").Inc()
		log.Error().Err(err).Str("rule", rule.RuleID).Msg("balance read failed")
		return
	}
	lastFireAt, err := b.intents.LastFiredAt(ctx, rule.RuleID)
	if err != nil {
		log.Error().Err(err).Str("rule", rule.RuleID).Msg("last fire lookup failed")
		return
	}

	sig, reason := Evaluate(rule, cp, balance, lastFireAt, b.now().Unix())
	if sig == nil {
		if reason != "not_triggered" {
			b.metrics.SignalsSuppressed.WithLabelValues(rule.RuleID, reason).Inc()
			log.Info().
				Str("rule", rule.RuleID).Str("reason", reason).
				Str("price", cp.Price.String()).
				Msg("signal suppressed")
		}
		return
	}
	sig.TokenAddr = cfg.Address

	b.metrics.SignalsFired.WithLabelValues(rule.RuleID, string(sig.Direction)).Inc()
	log.Info().
		Str("rule", rule.RuleID).Str("direction", string(sig.Direction)).
		Str("amount", sig.AmountUnits.String()).
		Str("price", sig.PriceAtFire.String()).
		Msg("transfer signal fired")

	// Dispatch on its own goroutine so one rule's receipt wait never
	// stalls evaluation of the others. The engine's per-rule lanes
	// serialize concurrent dispatches for the same rule.
	fired := *sig
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.dispatch.Handle(ctx, fired); err != nil {
			log.Error().Err(err).Str("rule", fired.RuleID).Msg("signal dispatch failed")
		}
	}()
}

// WithClock overrides wall-clock time; tests only.
func (b *Balancer) WithClock(now func() time.Time) *Balancer {
	b.now = now
	return b
}
