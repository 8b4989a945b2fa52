package pricing

import "sort"

// Reduce collapses a non-empty validated quote set into a consolidated
// value at CanonicalDecimals. One survivor means Degraded; two or more
// means Normal with the integer median. The caller handles the empty set
// (Frozen / no-price).
//
// SourcesUsed is ordered by source tag then pool id so the result is
// independent of adapter completion order.
func Reduce(tokenID string, valid []Quote, now int64) ConsolidatedPrice {
	used := make([]Quote, len(valid))
	copy(used, valid)
	sort.Slice(used, func(i, j int) bool {
		if used[i].Source != used[j].Source {
			return used[i].Source < used[j].Source
		}
		return used[i].Meta.PoolID < used[j].Meta.PoolID
	})

	vals := RescaleSorted(used)
	cp := ConsolidatedPrice{
		TokenID:     tokenID,
		Price:       Median(vals),
		Decimals:    CanonicalDecimals,
		At:          now,
		SourcesUsed: used,
	}
	if len(used) == 1 {
		cp.Mode = ModeDegraded
	} else {
		cp.Mode = ModeNormal
	}
	return cp
}

// Deviation is one source's advisory distance from the consolidated price.
type Deviation struct {
	Source Source
	PoolID string
	Bps    int64
}

// Deviations reports each validated quote's deviation from the chosen
// price in basis points. Advisory only: callers alert above the configured
// threshold but never drop the source.
func Deviations(cp ConsolidatedPrice) []Deviation {
	if cp.Price == nil || cp.Price.Sign() <= 0 {
		return nil
	}
	out := make([]Deviation, 0, len(cp.SourcesUsed))
	for _, q := range cp.SourcesUsed {
		out = append(out, Deviation{
			Source: q.Source,
			PoolID: q.Meta.PoolID,
			Bps:    DeviationBps(Rescale(q.Price, q.Decimals), cp.Price),
		})
	}
	return out
}
