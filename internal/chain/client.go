// Package chain talks to the blockchain: balance reads, transfer broadcast
// and receipt lookup. The executor depends only on the Client interface;
// the JSON-RPC implementation lives in rpc.go.
package chain

import (
	"context"
	"errors"
	"math/big"
)

// Transfer is the minimal description of a value move the treasury makes.
// TokenAddr empty means the chain's native asset.
type Transfer struct {
	ChainID   int64
	From      string
	To        string
	TokenAddr string
	Amount    *big.Int
}

// Receipt is the mined outcome of a broadcast transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
}

// ErrReceiptNotYet is returned by Receipt while the transaction is still
// pending. Callers keep the intent in Submitted and try again later.
var ErrReceiptNotYet = errors.New("chain: receipt not available yet")

type Client interface {
	// Balance reads the spendable units of tokenAddr held by addr.
	Balance(ctx context.Context, addr, tokenAddr string) (*big.Int, error)

	// Broadcast submits the transfer and returns the transaction hash.
	// Failures are classified transient or terminal; see IsTransient.
	Broadcast(ctx context.Context, t Transfer) (string, error)

	// Receipt fetches the mined receipt, or ErrReceiptNotYet.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)

	// PendingTransfer looks for an already-broadcast transaction matching
	// sender, destination and amount. Used on recovery when the process
	// died between broadcast and persisting the hash. Returns "" when no
	// match is pending.
	PendingTransfer(ctx context.Context, t Transfer) (string, error)
}

// BroadcastError carries the transient/terminal split the executor's retry
// policy keys on.
type BroadcastError struct {
	Transient bool
	Msg       string
	Err       error
}

func (e *BroadcastError) Error() string {
	if e.Err != nil {
		return "chain: " + e.Msg + ": " + e.Err.Error()
	}
	return "chain: " + e.Msg
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying within the same intent.
// Anything not explicitly classified is treated as transient; a terminal
// verdict permanently fails the intent, so it requires positive evidence.
func IsTransient(err error) bool {
	var be *BroadcastError
	if errors.As(err, &be) {
		return be.Transient
	}
	return true
}
