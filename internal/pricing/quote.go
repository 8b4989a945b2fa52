// Package pricing holds the price domain model: raw source quotes, the
// consolidated per-token price with its degradation mode, and the exact
// integer arithmetic used to compare and combine them.
package pricing

import (
	"fmt"
	"math/big"
)

// Source identifies the kind of upstream a quote came from.
type Source string

const (
	SourceChainlink Source = "chainlink"
	SourcePyth      Source = "pyth"
	SourceUniswapV3 Source = "uniswap_v3_twap"
)

// CanonicalDecimals is the scale every consolidated price is stored at.
const CanonicalDecimals = 18

// Quote is a single observation from a single source. Price is kept at the
// source's native decimals until consolidation; no early rescaling.
type Quote struct {
	Source   Source   `json:"source"`
	Price    *big.Int `json:"price"`
	Decimals int      `json:"decimals"`
	At       int64    `json:"at"` // epoch seconds as reported by the source
	Meta     Meta     `json:"meta,omitempty"`
}

// Meta carries source-specific fields. Confidence is mandatory for
// publisher-aggregated sources (Pyth); the pool fields only apply to TWAPs.
type Meta struct {
	Confidence *big.Int `json:"confidence,omitempty"` // same decimals as Price
	RoundID    string   `json:"round_id,omitempty"`
	PoolID     string   `json:"pool_id,omitempty"`
	WindowSec  int64    `json:"window_sec,omitempty"`
	Liquidity  *big.Int `json:"liquidity,omitempty"` // harmonic-mean liquidity over the window
}

// Mode classifies how trustworthy a consolidated price is.
type Mode string

const (
	ModeNormal   Mode = "normal"   // two or more validated sources, median taken
	ModeDegraded Mode = "degraded" // exactly one validated source
	ModeFrozen   Mode = "frozen"   // zero validated sources, last-good carried forward
)

// ParseMode maps a stored discriminator back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNormal, ModeDegraded, ModeFrozen:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown price mode %q", s)
}

// ConsolidatedPrice is the per-token output of one aggregation run.
// Decimals is always CanonicalDecimals for persisted values.
type ConsolidatedPrice struct {
	TokenID     string   `json:"token_id"`
	Price       *big.Int `json:"price"`
	Decimals    int      `json:"decimals"`
	At          int64    `json:"at"` // consolidation wall-clock time, not max source time
	Mode        Mode     `json:"mode"`
	SourcesUsed []Quote  `json:"sources_used"`
}

// TokenCfg is the per-token aggregation configuration. EpsilonPPM is the
// confidence/price ceiling materialized at scale 1e6; MinLiquidity and the
// pool gates only apply to TWAP quotes.
type TokenCfg struct {
	TokenID       string
	ChainID       int64
	Address       string // token contract, empty for the chain's native asset
	TTLBySource   map[Source]int64
	EpsilonPPM    int64
	DeltaBps      int64
	TWAPWindowSec int64
	MinLiquidity  *big.Int
	AllowedPools  []string
}
