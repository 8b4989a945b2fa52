package sources

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

const selObserve = "0x883bdbfd" // observe(uint32[])

// PoolCfg describes one concentrated-liquidity pool an adapter may quote
// from. BaseIsToken0 says which side of the pair is the priced token; the
// other side is assumed USD-stable.
type PoolCfg struct {
	ID             string
	Address        string
	Token0Decimals int
	Token1Decimals int
	BaseIsToken0   bool
}

// UniswapV3Adapter derives a TWAP from pool observations. Tick-to-price
// uses the fixed-point 1.0001^tick in ticks.go; there is no floating point
// and no overflow fallback — a window the pool cannot serve is a miss.
type UniswapV3Adapter struct {
	caller  ContractCaller
	pools   map[string]PoolCfg // pool id -> config
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewUniswapV3Adapter(caller ContractCaller, pools map[string]PoolCfg) *UniswapV3Adapter {
	st := gobreaker.Settings{Name: "uniswap-v3"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 }
	return &UniswapV3Adapter{
		caller:  caller,
		pools:   pools,
		breaker: gobreaker.NewCircuitBreaker(st),
		now:     time.Now,
	}
}

func (a *UniswapV3Adapter) Source() pricing.Source { return pricing.SourceUniswapV3 }

func (a *UniswapV3Adapter) Fetch(ctx context.Context, tokenID string, p Params) (pricing.Quote, error) {
	pool, ok := a.pools[p.PoolID]
	if !ok {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "unknown_pool", nil)
	}
	if p.WindowSec <= 0 {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "zero_window", nil)
	}

	data := selObserve +
		padWord(big.NewInt(0x20)) + // offset of uint32[]
		padWord(big.NewInt(2)) +
		padWord(big.NewInt(p.WindowSec)) +
		padWord(big.NewInt(0))

	res, err := a.breaker.Execute(func() (any, error) {
		return a.caller.CallContract(ctx, pool.Address, data)
	})
	if err != nil {
		// Pools without enough observation history revert; that pool
		// simply cannot serve the requested window.
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "observe_failed", err)
	}

	tickCums, spls, err := parseObserve(res.(string))
	if err != nil {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "malformed_response", err)
	}

	window := big.NewInt(p.WindowSec)
	tickDelta := new(big.Int).Sub(tickCums[1], tickCums[0])
	avgTick := floorDiv(tickDelta, window)
	if !avgTick.IsInt64() {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "tick_out_of_range", nil)
	}
	ratio, err := RatioQ128(int(avgTick.Int64()))
	if err != nil {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "tick_out_of_range", err)
	}

	price := poolPrice18(ratio, pool)
	if price.Sign() <= 0 {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "non_positive_price", nil)
	}

	splDelta := new(big.Int).Sub(spls[1], spls[0])
	if splDelta.Sign() <= 0 {
		return pricing.Quote{}, noData(pricing.SourceUniswapV3, "no_liquidity_data", nil)
	}
	// Harmonic-mean liquidity over the window: window << 128 / delta.
	liquidity := new(big.Int).Lsh(window, 128)
	liquidity.Quo(liquidity, splDelta)

	return pricing.Quote{
		Source:   pricing.SourceUniswapV3,
		Price:    price,
		Decimals: pricing.CanonicalDecimals,
		At:       a.now().Unix(),
		Meta: pricing.Meta{
			PoolID:    pool.ID,
			WindowSec: p.WindowSec,
			Liquidity: liquidity,
		},
	}, nil
}

// parseObserve decodes (int56[] tickCumulatives, uint160[] secondsPerLiquidityCumulativeX128s).
func parseObserve(result string) (tickCums, spls [2]*big.Int, err error) {
	words, err := callWords(result)
	if err != nil {
		return tickCums, spls, err
	}
	if len(words) < 2 {
		return tickCums, spls, fmt.Errorf("short observe response")
	}
	read := func(offsetWord *big.Int) ([2]*big.Int, error) {
		var out [2]*big.Int
		if !offsetWord.IsInt64() || offsetWord.Int64()%32 != 0 {
			return out, fmt.Errorf("bad array offset")
		}
		idx := int(offsetWord.Int64() / 32)
		if idx+2 >= len(words) {
			return out, fmt.Errorf("array past end of response")
		}
		if words[idx].Cmp(big.NewInt(2)) != 0 {
			return out, fmt.Errorf("expected 2 observations, got %s", words[idx])
		}
		out[0] = asSigned(words[idx+1])
		out[1] = asSigned(words[idx+2])
		return out, nil
	}
	if tickCums, err = read(words[0]); err != nil {
		return tickCums, spls, err
	}
	if spls, err = read(words[1]); err != nil {
		return tickCums, spls, err
	}
	return tickCums, spls, nil
}

// floorDiv divides rounding toward negative infinity, matching the pool
// contract's arithmetic-mean-tick computation.
func floorDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() < 0 {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

// poolPrice18 converts a Q128 token1/token0 ratio into a USD price for the
// base token at 18 decimals, correcting for the pair's decimal skew.
func poolPrice18(ratioQ128 *big.Int, pool PoolCfg) *big.Int {
	if pool.BaseIsToken0 {
		exp := pricing.CanonicalDecimals + pool.Token0Decimals - pool.Token1Decimals
		v := new(big.Int).Set(ratioQ128)
		v = scalePow10(v, exp)
		return v.Rsh(v, 128)
	}
	exp := pricing.CanonicalDecimals + pool.Token1Decimals - pool.Token0Decimals
	v := new(big.Int).Lsh(big.NewInt(1), 128)
	v = scalePow10(v, exp)
	return v.Quo(v, ratioQ128)
}

func scalePow10(v *big.Int, exp int) *big.Int {
	if exp >= 0 {
		return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
	}
	return v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-exp)), nil))
}

var _ Adapter = (*UniswapV3Adapter)(nil)
