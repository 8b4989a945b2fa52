// Package aggregator consolidates per-token quotes from the configured
// source adapters into a single ConsolidatedPrice with explicit
// degradation modes, and persists it as the token's last-good value.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/treasuryrun/internal/keyed"
	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
	"github.com/sawpanic/treasuryrun/internal/sources"
)

// ErrNoPriceAvailable is the only way a consolidation run fails once the
// token config loads: zero valid quotes and no last-good to freeze on.
var ErrNoPriceAvailable = errors.New("aggregator: no valid quotes and no last-good price")

// ConfigRepo is the slice of the config registry the aggregator reads.
type ConfigRepo interface {
	TokenCfg(tokenID string) (pricing.TokenCfg, error)
}

type Aggregator struct {
	cfgs     ConfigRepo
	adapters map[pricing.Source]sources.Adapter
	lastGood persistence.LastGoodStore
	writers  *keyed.Serializer
	metrics  *metrics.Registry
	fanout   time.Duration
	now      func() time.Time
}

// New builds an aggregator over an adapter set. Adapters are a set keyed
// by source tag, not a positional tuple; any subset of known sources may
// be configured.
func New(cfgs ConfigRepo, adapters []sources.Adapter, lastGood persistence.LastGoodStore, m *metrics.Registry, fanout time.Duration) *Aggregator {
	set := make(map[pricing.Source]sources.Adapter, len(adapters))
	for _, a := range adapters {
		set[a.Source()] = a
	}
	return &Aggregator{
		cfgs:     cfgs,
		adapters: set,
		lastGood: lastGood,
		writers:  keyed.NewSerializer(),
		metrics:  m,
		fanout:   fanout,
		now:      time.Now,
	}
}

// Consolidate runs one aggregation pass for the token: fetch from every
// configured source in parallel, validate, decide the mode, persist the
// result. Adapter misses and validator rejects are absorbed; the two hard
// errors are a missing config and the no-price case.
func (a *Aggregator) Consolidate(ctx context.Context, tokenID string) (pricing.ConsolidatedPrice, error) {
	cfg, err := a.cfgs.TokenCfg(tokenID)
	if err != nil {
		a.metrics.ConsolidateErrors.WithLabelValues(tokenID, "config_missing").Inc()
		return pricing.ConsolidatedPrice{}, fmt.Errorf("consolidate %s: %w", tokenID, err)
	}

	runID := uuid.NewString()
	now := a.now().Unix()
	quotes := a.fanOut(ctx, tokenID, cfg)

	valid := make([]pricing.Quote, 0, len(quotes))
	for _, q := range quotes {
		ok, reason := pricing.Validate(q, cfg, now)
		if !ok {
			a.metrics.ValidatorDrops.WithLabelValues(string(q.Source), reason).Inc()
			log.Debug().
				Str("run", runID).Str("token", tokenID).
				Str("source", string(q.Source)).Str("reason", reason).
				Msg("quote rejected")
			continue
		}
		valid = append(valid, q)
	}

	var cp pricing.ConsolidatedPrice
	if len(valid) == 0 {
		last, err := a.lastGood.Get(ctx, tokenID)
		if err != nil {
			return pricing.ConsolidatedPrice{}, fmt.Errorf("consolidate %s: read last-good: %w", tokenID, err)
		}
		if last == nil {
			a.metrics.ConsolidateErrors.WithLabelValues(tokenID, "no_price").Inc()
			return pricing.ConsolidatedPrice{}, fmt.Errorf("consolidate %s: %w", tokenID, ErrNoPriceAvailable)
		}
		cp = pricing.ConsolidatedPrice{
			TokenID:  tokenID,
			Price:    last.Price,
			Decimals: last.Decimals,
			At:       now,
			Mode:     pricing.ModeFrozen,
		}
		log.Warn().Str("run", runID).Str("token", tokenID).Msg("no valid quotes, freezing on last-good")
	} else {
		cp = pricing.Reduce(tokenID, valid, now)
		a.checkDivergence(runID, cfg, cp)
	}

	if err := a.persist(ctx, cp); err != nil {
		return pricing.ConsolidatedPrice{}, fmt.Errorf("consolidate %s: %w", tokenID, err)
	}

	a.metrics.ConsolidateRuns.WithLabelValues(tokenID, string(cp.Mode)).Inc()
	a.metrics.SourcesUsed.WithLabelValues(tokenID).Set(float64(len(cp.SourcesUsed)))
	log.Info().
		Str("run", runID).Str("token", tokenID).
		Str("mode", string(cp.Mode)).Int("sources", len(cp.SourcesUsed)).
		Str("price", cp.Price.String()).
		Msg("consolidated")
	return cp, nil
}

// fanOut fetches one quote per configured source concurrently under the
// aggregation deadline. A source missing the deadline is a miss. For the
// TWAP source the allowed pools are tried in declared order and the first
// pool that yields a quote wins.
func (a *Aggregator) fanOut(ctx context.Context, tokenID string, cfg pricing.TokenCfg) []pricing.Quote {
	ctx, cancel := context.WithTimeout(ctx, a.fanout)
	defer cancel()

	results := make(chan *pricing.Quote, len(a.adapters))
	launched := 0
	for src, adapter := range a.adapters {
		if _, configured := cfg.TTLBySource[src]; !configured {
			continue
		}
		launched++
		go func(src pricing.Source, adapter sources.Adapter) {
			q := a.fetchOne(ctx, tokenID, cfg, adapter)
			results <- q
		}(src, adapter)
	}

	quotes := make([]pricing.Quote, 0, launched)
	for i := 0; i < launched; i++ {
		if q := <-results; q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes
}

func (a *Aggregator) fetchOne(ctx context.Context, tokenID string, cfg pricing.TokenCfg, adapter sources.Adapter) *pricing.Quote {
	src := adapter.Source()
	params := []sources.Params{{}}
	if src == pricing.SourceUniswapV3 {
		params = params[:0]
		for _, pool := range cfg.AllowedPools {
			params = append(params, sources.Params{PoolID: pool, WindowSec: cfg.TWAPWindowSec})
		}
	}

	for _, p := range params {
		start := time.Now()
		q, err := adapter.Fetch(ctx, tokenID, p)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			a.metrics.AdapterLatency.WithLabelValues(string(src), "miss").Observe(elapsed)
			a.metrics.AdapterMisses.WithLabelValues(string(src), sources.MissReason(err)).Inc()
			log.Debug().Str("token", tokenID).Str("source", string(src)).Err(err).Msg("adapter miss")
			continue
		}
		a.metrics.AdapterLatency.WithLabelValues(string(src), "ok").Observe(elapsed)
		return &q
	}
	return nil
}

// checkDivergence emits advisory signals for sources deviating from the
// consolidated price beyond delta_bps. It never drops a source.
func (a *Aggregator) checkDivergence(runID string, cfg pricing.TokenCfg, cp pricing.ConsolidatedPrice) {
	for _, dev := range pricing.Deviations(cp) {
		if dev.Bps <= cfg.DeltaBps {
			continue
		}
		a.metrics.DivergenceAlerts.WithLabelValues(cp.TokenID, string(dev.Source)).Inc()
		log.Warn().
			Str("run", runID).Str("token", cp.TokenID).
			Str("source", string(dev.Source)).Str("pool", dev.PoolID).
			Int64("deviation_bps", dev.Bps).Int64("delta_bps", cfg.DeltaBps).
			Msg("source diverges from consolidated price")
	}
}

// persist writes through the per-token lane so a token never has two
// concurrent writers.
func (a *Aggregator) persist(ctx context.Context, cp pricing.ConsolidatedPrice) error {
	return a.writers.Do(ctx, cp.TokenID, func() error {
		return a.lastGood.Put(ctx, cp)
	})
}

// WithClock overrides wall-clock time; tests only.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}
