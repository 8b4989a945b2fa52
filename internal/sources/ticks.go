package sources

import (
	"fmt"
	"math/big"
	"sync"
)

// MaxTick bounds the usable tick range, matching the concentrated-liquidity
// pool contracts.
const MaxTick = 887272

var (
	tickOnce    sync.Once
	tickFactors [20]*big.Int // 1.0001^(2^i) in Q128
	oneQ128     *big.Int
	q256        *big.Int
)

func initTickFactors() {
	oneQ128 = new(big.Int).Lsh(big.NewInt(1), 128)
	q256 = new(big.Int).Lsh(big.NewInt(1), 256)
	// 1.0001 in Q128, then repeated squaring. Q128 keeps enough headroom
	// that the truncation per squaring stays far below one part in 1e30.
	f := new(big.Int).Mul(big.NewInt(10001), oneQ128)
	f.Quo(f, big.NewInt(10000))
	for i := range tickFactors {
		tickFactors[i] = new(big.Int).Set(f)
		f.Mul(f, f)
		f.Rsh(f, 128)
	}
}

// RatioQ128 returns 1.0001^tick as a Q128 fixed-point integer, computed by
// integer-exponent decomposition. No floating point is involved at any
// step, so results are reproducible across platforms.
func RatioQ128(tick int) (*big.Int, error) {
	tickOnce.Do(initTickFactors)
	if tick > MaxTick || tick < -MaxTick {
		return nil, fmt.Errorf("tick %d out of range", tick)
	}
	abs := tick
	if abs < 0 {
		abs = -abs
	}
	ratio := new(big.Int).Set(oneQ128)
	for i := 0; abs != 0; i++ {
		if abs&1 == 1 {
			ratio.Mul(ratio, tickFactors[i])
			ratio.Rsh(ratio, 128)
		}
		abs >>= 1
	}
	if tick < 0 {
		ratio = new(big.Int).Quo(q256, ratio)
	}
	return ratio, nil
}
