package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/treasuryrun/internal/balancer"
	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
	"github.com/sawpanic/treasuryrun/internal/sources"
)

// ErrConfigMissing is surfaced when a token has no configuration. It is
// one of the two hard errors an aggregation run can produce.
var ErrConfigMissing = errors.New("config: token not configured")

type tokenYAML struct {
	TokenID       string            `yaml:"token_id"`
	ChainID       int64             `yaml:"chain_id"`
	Address       string            `yaml:"address"`
	TTLBySource   map[string]int64  `yaml:"ttl_by_source"`
	Epsilon       string            `yaml:"epsilon"`
	DeltaBps      int64             `yaml:"delta_bps"`
	TWAPWindowSec int64             `yaml:"twap_window_sec"`
	MinLiquidity  string            `yaml:"min_liquidity"`
	AllowedPools  []string          `yaml:"allowed_pools"`
	ChainlinkFeed string            `yaml:"chainlink_feed"`
	PythFeedID    string            `yaml:"pyth_feed_id"`
	Pools         []poolYAML        `yaml:"pools"`
}

type poolYAML struct {
	ID             string `yaml:"id"`
	Address        string `yaml:"address"`
	Token0Decimals int    `yaml:"token0_decimals"`
	Token1Decimals int    `yaml:"token1_decimals"`
	BaseIsToken0   bool   `yaml:"base_is_token0"`
}

type ruleYAML struct {
	RuleID        string `yaml:"rule_id"`
	TokenID       string `yaml:"token_id"`
	ChainID       int64  `yaml:"chain_id"`
	ThresholdUSD  string `yaml:"threshold_usd"`
	Direction     string `yaml:"direction"`
	Amount        struct {
		Units      string `yaml:"units"`
		PercentBps int64  `yaml:"percent_bps"`
	} `yaml:"amount"`
	HotAddr       string `yaml:"hot_addr"`
	ColdAddr      string `yaml:"cold_addr"`
	ExecutionMode string `yaml:"execution_mode"`
	HysteresisBps int64  `yaml:"hysteresis_bps"`
	CooldownSec   int64  `yaml:"cooldown_sec"`
	Enabled       bool   `yaml:"enabled"`
}

// Repo is the read-mostly registry of token configs and balancer rules.
// It satisfies both the aggregator's and the balancer's config interfaces.
type Repo struct {
	mu     sync.RWMutex
	order  []string
	tokens map[string]pricing.TokenCfg
	rules  []balancer.Rule

	chainlinkFeeds map[string]string
	pythFeedIDs    map[string]string
	pools          map[string]sources.PoolCfg
}

// LoadRepo reads tokens.yaml and rules.yaml into a registry.
func LoadRepo(tokensPath, rulesPath string) (*Repo, error) {
	r := &Repo{
		tokens:         make(map[string]pricing.TokenCfg),
		chainlinkFeeds: make(map[string]string),
		pythFeedIDs:    make(map[string]string),
		pools:          make(map[string]sources.PoolCfg),
	}

	var tf struct {
		Tokens []tokenYAML `yaml:"tokens"`
	}
	if err := readYAML(tokensPath, &tf); err != nil {
		return nil, err
	}
	for _, t := range tf.Tokens {
		cfg, err := tokenFromYAML(t)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.TokenID, err)
		}
		r.tokens[t.TokenID] = cfg
		r.order = append(r.order, t.TokenID)
		if t.ChainlinkFeed != "" {
			r.chainlinkFeeds[t.TokenID] = t.ChainlinkFeed
		}
		if t.PythFeedID != "" {
			r.pythFeedIDs[t.TokenID] = t.PythFeedID
		}
		for _, p := range t.Pools {
			r.pools[p.ID] = sources.PoolCfg{
				ID:             p.ID,
				Address:        p.Address,
				Token0Decimals: p.Token0Decimals,
				Token1Decimals: p.Token1Decimals,
				BaseIsToken0:   p.BaseIsToken0,
			}
		}
	}

	var rf struct {
		Rules []ruleYAML `yaml:"rules"`
	}
	if err := readYAML(rulesPath, &rf); err != nil {
		return nil, err
	}
	for _, y := range rf.Rules {
		rule, err := ruleFromYAML(y)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", y.RuleID, err)
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

func readYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func tokenFromYAML(t tokenYAML) (pricing.TokenCfg, error) {
	epsilon, err := parseDecimalScaled(t.Epsilon, 6)
	if err != nil {
		return pricing.TokenCfg{}, fmt.Errorf("epsilon: %w", err)
	}
	if !epsilon.IsInt64() || epsilon.Sign() < 0 || epsilon.Int64() > 1_000_000 {
		return pricing.TokenCfg{}, fmt.Errorf("epsilon %q outside [0, 1]", t.Epsilon)
	}
	minLiq := big.NewInt(0)
	if t.MinLiquidity != "" {
		v, ok := new(big.Int).SetString(t.MinLiquidity, 10)
		if !ok {
			return pricing.TokenCfg{}, fmt.Errorf("bad min_liquidity %q", t.MinLiquidity)
		}
		minLiq = v
	}
	ttls := make(map[pricing.Source]int64, len(t.TTLBySource))
	for src, ttl := range t.TTLBySource {
		ttls[pricing.Source(src)] = ttl
	}
	return pricing.TokenCfg{
		TokenID:       t.TokenID,
		ChainID:       t.ChainID,
		Address:       t.Address,
		TTLBySource:   ttls,
		EpsilonPPM:    epsilon.Int64(),
		DeltaBps:      t.DeltaBps,
		TWAPWindowSec: t.TWAPWindowSec,
		MinLiquidity:  minLiq,
		AllowedPools:  t.AllowedPools,
	}, nil
}

func ruleFromYAML(y ruleYAML) (balancer.Rule, error) {
	threshold, err := parseDecimalScaled(y.ThresholdUSD, pricing.CanonicalDecimals)
	if err != nil {
		return balancer.Rule{}, fmt.Errorf("threshold_usd: %w", err)
	}

	var direction balancer.Direction
	switch y.Direction {
	case string(balancer.HotToCold):
		direction = balancer.HotToCold
	case string(balancer.ColdToHot):
		direction = balancer.ColdToHot
	default:
		return balancer.Rule{}, fmt.Errorf("bad direction %q", y.Direction)
	}

	var amount balancer.Amount
	switch {
	case y.Amount.Units != "" && y.Amount.PercentBps != 0:
		return balancer.Rule{}, errors.New("amount: set units or percent_bps, not both")
	case y.Amount.Units != "":
		units, ok := new(big.Int).SetString(y.Amount.Units, 10)
		if !ok {
			return balancer.Rule{}, fmt.Errorf("bad amount units %q", y.Amount.Units)
		}
		amount = balancer.Amount{Kind: balancer.AmountAbsolute, Units: units}
	case y.Amount.PercentBps > 0:
		amount = balancer.Amount{Kind: balancer.AmountPercent, Bps: y.Amount.PercentBps}
	default:
		return balancer.Rule{}, errors.New("amount: missing units or percent_bps")
	}

	var mode persistence.ExecutionMode
	switch y.ExecutionMode {
	case string(persistence.ModeDirectKey):
		mode = persistence.ModeDirectKey
	case string(persistence.ModeMultisigPropose):
		mode = persistence.ModeMultisigPropose
	case string(persistence.ModeMultisigExecute):
		mode = persistence.ModeMultisigExecute
	default:
		return balancer.Rule{}, fmt.Errorf("bad execution_mode %q", y.ExecutionMode)
	}

	// Above 10000 bps the cold_to_hot re-arm factor goes negative and the
	// rule can never fire.
	if y.HysteresisBps < 0 || y.HysteresisBps > 10_000 {
		return balancer.Rule{}, fmt.Errorf("hysteresis_bps %d outside [0, 10000]", y.HysteresisBps)
	}
	if y.CooldownSec < 0 {
		return balancer.Rule{}, errors.New("cooldown_sec must be >= 0")
	}

	return balancer.Rule{
		RuleID:        y.RuleID,
		TokenID:       y.TokenID,
		ChainID:       y.ChainID,
		ThresholdE18:  threshold,
		Direction:     direction,
		Amount:        amount,
		HotAddr:       y.HotAddr,
		ColdAddr:      y.ColdAddr,
		ExecutionMode: mode,
		HysteresisBps: y.HysteresisBps,
		CooldownSec:   y.CooldownSec,
		Enabled:       y.Enabled,
	}, nil
}

// Tokens lists configured token ids in declaration order.
func (r *Repo) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// TokenCfg returns the token's configuration or ErrConfigMissing.
func (r *Repo) TokenCfg(tokenID string) (pricing.TokenCfg, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.tokens[tokenID]
	if !ok {
		return pricing.TokenCfg{}, fmt.Errorf("%w: %s", ErrConfigMissing, tokenID)
	}
	return cfg, nil
}

// EnabledRules returns the enabled rules for a token on a chain.
func (r *Repo) EnabledRules(tokenID string, chainID int64) []balancer.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []balancer.Rule
	for _, rule := range r.rules {
		if rule.Enabled && rule.TokenID == tokenID && rule.ChainID == chainID {
			out = append(out, rule)
		}
	}
	return out
}

// ChainlinkFeeds maps token id to aggregator proxy address.
func (r *Repo) ChainlinkFeeds() map[string]string { return r.chainlinkFeeds }

// PythFeedIDs maps token id to Hermes feed id.
func (r *Repo) PythFeedIDs() map[string]string { return r.pythFeedIDs }

// Pools maps pool id to pool config for the TWAP adapter.
func (r *Repo) Pools() map[string]sources.PoolCfg { return r.pools }
