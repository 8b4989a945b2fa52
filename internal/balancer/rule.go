// Package balancer decides when consolidated prices should move treasury
// funds between the hot and cold wallets. The trigger evaluator is a pure
// function; the loop wires it to the stores, the chain and the executor.
package balancer

import (
	"math/big"

	"github.com/sawpanic/treasuryrun/internal/persistence"
)

type Direction string

const (
	HotToCold Direction = "hot_to_cold" // price high: move value off the hot wallet
	ColdToHot Direction = "cold_to_hot" // price low: top the hot wallet back up
)

type AmountKind string

const (
	AmountAbsolute AmountKind = "absolute"
	AmountPercent  AmountKind = "percent"
)

// Amount is either a fixed number of token units or a share of the source
// wallet's balance in basis points.
type Amount struct {
	Kind  AmountKind
	Units *big.Int // absolute
	Bps   int64    // percent
}

// Rule is one balancer trigger. ThresholdE18 is the USD threshold
// materialized at the canonical 18-decimal scale when the config loads;
// no decimal string survives past the edge.
type Rule struct {
	RuleID        string
	TokenID       string
	ChainID       int64
	ThresholdE18  *big.Int
	Direction     Direction
	Amount        Amount
	HotAddr       string
	ColdAddr      string
	ExecutionMode persistence.ExecutionMode
	HysteresisBps int64
	CooldownSec   int64
	Enabled       bool
}

// SourceAddr is the wallet funds leave when the rule fires.
func (r Rule) SourceAddr() string {
	if r.Direction == HotToCold {
		return r.HotAddr
	}
	return r.ColdAddr
}

// DestAddr is the wallet funds arrive at when the rule fires.
func (r Rule) DestAddr() string {
	if r.Direction == HotToCold {
		return r.ColdAddr
	}
	return r.HotAddr
}
