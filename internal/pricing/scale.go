package pricing

import (
	"math/big"
	"sort"
)

var bigTen = big.NewInt(10)

// pow10 returns 10^n as a big.Int. n must be non-negative.
func pow10(n int) *big.Int {
	return new(big.Int).Exp(bigTen, big.NewInt(int64(n)), nil)
}

// Rescale converts a price from its native decimals to CanonicalDecimals
// using exact integer arithmetic. Widening multiplies; narrowing uses
// integer division, truncating toward zero.
func Rescale(price *big.Int, decimals int) *big.Int {
	if decimals == CanonicalDecimals {
		return new(big.Int).Set(price)
	}
	if decimals < CanonicalDecimals {
		return new(big.Int).Mul(price, pow10(CanonicalDecimals-decimals))
	}
	return new(big.Int).Quo(price, pow10(decimals-CanonicalDecimals))
}

// RescaleSorted rescales every quote to CanonicalDecimals and returns the
// values in ascending order.
func RescaleSorted(quotes []Quote) []*big.Int {
	vals := make([]*big.Int, 0, len(quotes))
	for _, q := range quotes {
		vals = append(vals, Rescale(q.Price, q.Decimals))
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].Cmp(vals[j]) < 0 })
	return vals
}

// Median returns the integer median of an ascending sequence: the middle
// element for odd n, the truncated mean of the two middle elements for even
// n. The sequence must be non-empty.
func Median(sorted []*big.Int) *big.Int {
	n := len(sorted)
	if n%2 == 1 {
		return new(big.Int).Set(sorted[(n-1)/2])
	}
	sum := new(big.Int).Add(sorted[n/2-1], sorted[n/2])
	return sum.Quo(sum, big.NewInt(2))
}

// DeviationBps returns |v - m| * 10000 / m in basis points, truncated.
// m must be positive.
func DeviationBps(v, m *big.Int) int64 {
	diff := new(big.Int).Sub(v, m)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, m)
	if !diff.IsInt64() {
		// deviation beyond any meaningful alert threshold
		return int64(^uint64(0) >> 1)
	}
	return diff.Int64()
}
