package pricing

import (
	"math/big"
)

// epsilonScale is the fixed scale the confidence ratio is compared at.
const epsilonScale = 1_000_000

// Validate runs the per-source quality gates against one quote and reports
// the first failing gate. An empty reason means the quote is valid.
//
// Gates, in order:
//  1. freshness against the per-source TTL
//  2. confidence/price ratio ceiling (publisher-aggregated sources only),
//     compared as integers at scale 1e6 to avoid float drift on large values
//  3. TWAP pool allowlist, window floor and liquidity floor (TWAP only)
func Validate(q Quote, cfg TokenCfg, now int64) (ok bool, reason string) {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return false, "non_positive_price"
	}

	ttl, found := cfg.TTLBySource[q.Source]
	if !found {
		return false, "source_not_configured"
	}
	if now-q.At > ttl {
		return false, "stale"
	}

	if q.Source == SourcePyth {
		if q.Meta.Confidence == nil {
			return false, "missing_confidence"
		}
		// confidence * 1e6 <= price * epsilonPPM
		lhs := new(big.Int).Mul(q.Meta.Confidence, big.NewInt(epsilonScale))
		rhs := new(big.Int).Mul(q.Price, big.NewInt(cfg.EpsilonPPM))
		if lhs.Cmp(rhs) > 0 {
			return false, "confidence_too_wide"
		}
	}

	if q.Source == SourceUniswapV3 {
		if !poolAllowed(cfg.AllowedPools, q.Meta.PoolID) {
			return false, "pool_not_allowed"
		}
		if q.Meta.WindowSec < cfg.TWAPWindowSec {
			return false, "window_too_short"
		}
		if q.Meta.Liquidity == nil || cfg.MinLiquidity == nil || q.Meta.Liquidity.Cmp(cfg.MinLiquidity) < 0 {
			return false, "liquidity_too_low"
		}
	}

	return true, ""
}

func poolAllowed(allowed []string, poolID string) bool {
	for _, p := range allowed {
		if p == poolID {
			return true
		}
	}
	return false
}
