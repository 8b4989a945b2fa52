// Package persistence defines the durable records of the pipeline — the
// per-token last-good price and the transfer intent audit trail — and the
// store interfaces the engines depend on. PostgreSQL implementations live
// in the postgres subpackage; a Redis read-through wrapper in cache.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

var (
	// ErrDuplicateIntent signals a unique-key conflict on idem_key. Not a
	// failure: the engine re-attaches to the existing intent.
	ErrDuplicateIntent = errors.New("persistence: intent with this idempotency key already exists")

	ErrIntentNotFound = errors.New("persistence: intent not found")

	// ErrBadTransition rejects a status update the state machine forbids.
	ErrBadTransition = errors.New("persistence: illegal intent status transition")
)

// ExecutionMode says how an intent reaches the chain.
type ExecutionMode string

const (
	ModeDirectKey       ExecutionMode = "direct_key"
	ModeMultisigPropose ExecutionMode = "multisig_propose"
	ModeMultisigExecute ExecutionMode = "multisig_execute"
)

// IntentStatus is the persisted discriminator of the intent state machine.
type IntentStatus string

const (
	StatusPlanned      IntentStatus = "planned"
	StatusProposed     IntentStatus = "proposed"
	StatusSubmitted    IntentStatus = "submitted"
	StatusMinedSuccess IntentStatus = "mined_success"
	StatusMinedFailed  IntentStatus = "mined_failed"
)

// Terminal reports whether the status is final. Terminal intents are never
// retried; a new signal opens a new intent.
func (s IntentStatus) Terminal() bool {
	return s == StatusMinedSuccess || s == StatusMinedFailed
}

// CanTransition encodes the only legal edges:
//
//	planned   -> submitted | proposed | mined_failed
//	proposed  -> submitted
//	submitted -> mined_success | mined_failed
func (s IntentStatus) CanTransition(to IntentStatus) bool {
	switch s {
	case StatusPlanned:
		return to == StatusSubmitted || to == StatusProposed || to == StatusMinedFailed
	case StatusProposed:
		return to == StatusSubmitted
	case StatusSubmitted:
		return to == StatusMinedSuccess || to == StatusMinedFailed
	}
	return false
}

// ParseIntentStatus validates a stored discriminator.
func ParseIntentStatus(s string) (IntentStatus, error) {
	switch IntentStatus(s) {
	case StatusPlanned, StatusProposed, StatusSubmitted, StatusMinedSuccess, StatusMinedFailed:
		return IntentStatus(s), nil
	}
	return "", fmt.Errorf("unknown intent status %q", s)
}

// TransferIntent is the durable record of one attempted treasury move.
// Rows are never deleted; they are the audit trail.
type TransferIntent struct {
	ID             int64
	IdemKey        string
	RuleID         string
	TokenID        string
	ChainID        int64
	PriceAtFire    *big.Int
	DecimalsAtFire int
	FiredAt        int64
	AmountUnits    *big.Int
	From           string
	To             string
	TokenAddr      string
	Mode           ExecutionMode
	Status         IntentStatus
	TxHash         string
	ProposalHash   string
	Cause          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IntentStore is the durable, uniquely-keyed intent registry.
type IntentStore interface {
	// InsertPlanned stores a new intent in status planned. Returns
	// ErrDuplicateIntent when the idempotency key is already present.
	InsertPlanned(ctx context.Context, it *TransferIntent) error

	// UpdateStatus advances the state machine. Empty txHash/proposalHash/
	// cause leave the stored values untouched. Returns ErrBadTransition
	// for edges the machine forbids.
	UpdateStatus(ctx context.Context, idemKey string, status IntentStatus, txHash, proposalHash, cause string) error

	FindByIdemKey(ctx context.Context, idemKey string) (*TransferIntent, error)

	// FindInFlightForRule returns the rule's non-terminal intent, or nil.
	// At most one exists per rule by construction.
	FindInFlightForRule(ctx context.Context, ruleID string) (*TransferIntent, error)

	// NonTerminal lists every intent still in flight, for recovery sweeps.
	NonTerminal(ctx context.Context) ([]TransferIntent, error)

	// LastFiredAt returns the fired_at of the rule's most recent intent,
	// or 0 when the rule has never fired. Drives the cooldown gate.
	LastFiredAt(ctx context.Context, ruleID string) (int64, error)

	// List returns the most recent intents, newest first.
	List(ctx context.Context, limit int) ([]TransferIntent, error)
}

// LastGoodStore is the durable token -> consolidated price map. Writes for
// one token are serialized by the caller (keyed writer); the store itself
// only guarantees read-your-write per token.
type LastGoodStore interface {
	// Get returns the last-good price for the token, or (nil, nil) when
	// the token has never been consolidated.
	Get(ctx context.Context, tokenID string) (*pricing.ConsolidatedPrice, error)

	// Put replaces the token's row.
	Put(ctx context.Context, cp pricing.ConsolidatedPrice) error
}
