package balancer

import (
	"math/big"

	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// Signal is a fired trigger: everything the executor needs to plan exactly
// one transfer. FiredAt is the price timestamp, not evaluation time — the
// idempotency key buckets it so near-simultaneous evaluations of the same
// price collapse onto one intent.
type Signal struct {
	RuleID         string
	TokenID        string
	ChainID        int64
	TokenAddr      string
	PriceAtFire    *big.Int
	DecimalsAtFire int
	FiredAt        int64
	AmountUnits    *big.Int
	Direction      Direction
	From           string
	To             string
	Mode           persistence.ExecutionMode
}

// Evaluate is the pure trigger decision. It returns a Signal when the rule
// fires, or nil plus the suppression reason. Same inputs, same decision —
// no clock reads, no I/O.
//
// Gates in order: enabled, cooldown, threshold with hysteresis, amount,
// balance sufficiency.
func Evaluate(rule Rule, cp pricing.ConsolidatedPrice, balance *big.Int, lastFireAt, now int64) (*Signal, string) {
	if !rule.Enabled {
		return nil, "disabled"
	}
	if lastFireAt > 0 && now-lastFireAt < rule.CooldownSec {
		return nil, "cooldown"
	}
	if !thresholdCrossed(rule, cp) {
		return nil, "not_triggered"
	}

	amount := computeAmount(rule.Amount, balance)
	if amount.Sign() <= 0 {
		return nil, "zero_amount"
	}
	if amount.Cmp(balance) > 0 {
		return nil, "insufficient_balance"
	}

	return &Signal{
		RuleID:         rule.RuleID,
		TokenID:        rule.TokenID,
		ChainID:        rule.ChainID,
		PriceAtFire:    new(big.Int).Set(cp.Price),
		DecimalsAtFire: cp.Decimals,
		FiredAt:        cp.At,
		AmountUnits:    amount,
		Direction:      rule.Direction,
		From:           rule.SourceAddr(),
		To:             rule.DestAddr(),
		Mode:           rule.ExecutionMode,
	}, ""
}

// thresholdCrossed compares the consolidated price against the rule's
// threshold with hysteresis, entirely by integer cross-multiplication:
//
//	price / 10^dec  vs  threshold / 10^18  ±  threshold*hyst/10^18/10^4
//
// becomes
//
//	price * 10^18 * 10^4  vs  threshold * 10^dec * (10^4 ± hyst)
func thresholdCrossed(rule Rule, cp pricing.ConsolidatedPrice) bool {
	ten := big.NewInt(10)
	lhs := new(big.Int).Mul(cp.Price, new(big.Int).Exp(ten, big.NewInt(pricing.CanonicalDecimals), nil))
	lhs.Mul(lhs, big.NewInt(10_000))

	rhs := new(big.Int).Mul(rule.ThresholdE18, new(big.Int).Exp(ten, big.NewInt(int64(cp.Decimals)), nil))
	if rule.Direction == HotToCold {
		rhs.Mul(rhs, big.NewInt(10_000+rule.HysteresisBps))
		return lhs.Cmp(rhs) >= 0
	}
	rhs.Mul(rhs, big.NewInt(10_000-rule.HysteresisBps))
	return lhs.Cmp(rhs) <= 0
}

func computeAmount(a Amount, balance *big.Int) *big.Int {
	switch a.Kind {
	case AmountAbsolute:
		if a.Units == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(a.Units)
	case AmountPercent:
		v := new(big.Int).Mul(balance, big.NewInt(a.Bps))
		return v.Quo(v, big.NewInt(10_000))
	}
	return big.NewInt(0)
}
