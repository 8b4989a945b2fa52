package executor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/treasuryrun/internal/balancer"
	"github.com/sawpanic/treasuryrun/internal/chain"
	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
)

// fakeChain scripts broadcast outcomes and receipt availability.
type fakeChain struct {
	mu            sync.Mutex
	broadcasts    int
	receiptCalls  int
	broadcastErrs []error // consumed first; then broadcasts succeed
	receipts      map[string]*chain.Receipt
	pendingHash   string
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[string]*chain.Receipt)}
}

func (f *fakeChain) Balance(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) Broadcast(_ context.Context, t chain.Transfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		return "", err
	}
	hash := "0xtx1"
	f.receipts[hash] = &chain.Receipt{TxHash: hash, Success: true, BlockNumber: 1}
	return hash, nil
}

func (f *fakeChain) Receipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	rec, ok := f.receipts[txHash]
	if !ok {
		return nil, chain.ErrReceiptNotYet
	}
	return rec, nil
}

func (f *fakeChain) PendingTransfer(context.Context, chain.Transfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingHash, nil
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts
}

func (f *fakeChain) receiptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptCalls
}

func testEngineConfig() Config {
	return Config{
		IdemBucketSec:        60,
		MaxBroadcastAttempts: 3,
		BackoffBase:          time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
		ReceiptTimeout:       time.Second,
		ReceiptPoll:          time.Millisecond,
	}
}

func testSignal() balancer.Signal {
	return balancer.Signal{
		RuleID:         "eth-skim-high",
		TokenID:        "ETH",
		ChainID:        1,
		PriceAtFire:    big.NewInt(2500),
		DecimalsAtFire: 18,
		FiredAt:        1000,
		AmountUnits:    big.NewInt(5),
		Direction:      balancer.HotToCold,
		From:           "0xhot",
		To:             "0xcold",
		Mode:           persistence.ModeDirectKey,
	}
}

func TestHandleDirectKeyHappyPath(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	eng := New(store, ch, metrics.New(), testEngineConfig())

	sig := testSignal()
	require.NoError(t, eng.Handle(context.Background(), sig))

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, persistence.StatusMinedSuccess, it.Status)
	assert.Equal(t, "0xtx1", it.TxHash)
	assert.Equal(t, 1, ch.broadcastCount())
}

func TestHandleDuplicateSignalIsOneIntentOneBroadcast(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	eng := New(store, ch, metrics.New(), testEngineConfig())

	sig := testSignal()
	require.NoError(t, eng.Handle(context.Background(), sig))
	require.NoError(t, eng.Handle(context.Background(), sig))
	require.NoError(t, eng.Handle(context.Background(), sig))

	all, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, ch.broadcastCount())
}

func TestHandleRetriesTransientBroadcastFailures(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	ch.broadcastErrs = []error{
		&chain.BroadcastError{Transient: true, Msg: "nonce too low"},
		&chain.BroadcastError{Transient: true, Msg: "already known"},
	}
	eng := New(store, ch, metrics.New(), testEngineConfig())

	sig := testSignal()
	require.NoError(t, eng.Handle(context.Background(), sig))

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMinedSuccess, it.Status)
	assert.Equal(t, 3, ch.broadcastCount())
}

func TestHandleTerminalBroadcastFailureFailsIntent(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	ch.broadcastErrs = []error{
		&chain.BroadcastError{Transient: false, Msg: "insufficient funds"},
	}
	eng := New(store, ch, metrics.New(), testEngineConfig())

	sig := testSignal()
	require.NoError(t, eng.Handle(context.Background(), sig))

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMinedFailed, it.Status)
	assert.Contains(t, it.Cause, "insufficient funds")
	assert.Equal(t, 1, ch.broadcastCount(), "terminal failures are not retried")
}

func TestHandleExhaustedTransientsLeavesIntentPlanned(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	ch.broadcastErrs = []error{
		&chain.BroadcastError{Transient: true, Msg: "replacement underpriced"},
		&chain.BroadcastError{Transient: true, Msg: "replacement underpriced"},
		&chain.BroadcastError{Transient: true, Msg: "replacement underpriced"},
	}
	eng := New(store, ch, metrics.New(), testEngineConfig())

	sig := testSignal()
	err := eng.Handle(context.Background(), sig)
	require.Error(t, err)

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, ferr := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, ferr)
	assert.Equal(t, persistence.StatusPlanned, it.Status, "a later sweep retries from scratch")
}

func TestHandleRevertedTransactionFailsIntent(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	eng := New(store, ch, metrics.New(), testEngineConfig())

	// Broadcast succeeds; the mined receipt reports failure.
	ch.mu.Lock()
	ch.receipts["0xtx1"] = &chain.Receipt{TxHash: "0xtx1", Success: false, BlockNumber: 2}
	ch.mu.Unlock()

	sig := testSignal()
	require.NoError(t, eng.Handle(context.Background(), sig))

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMinedFailed, it.Status)
	assert.Equal(t, "transaction reverted", it.Cause)
}

func TestHandleAdoptsPendingBroadcastInsteadOfResending(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	// A previous process broadcast this transfer and died before persisting.
	ch.pendingHash = "0xorphan"
	ch.receipts["0xorphan"] = &chain.Receipt{TxHash: "0xorphan", Success: true, BlockNumber: 3}
	eng := New(store, ch, metrics.New(), testEngineConfig())

	sig := testSignal()
	require.NoError(t, eng.Handle(context.Background(), sig))

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMinedSuccess, it.Status)
	assert.Equal(t, "0xorphan", it.TxHash)
	assert.Equal(t, 0, ch.broadcastCount(), "no double spend")
}

func TestRecoverDrivesSubmittedIntentToCompletion(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	eng := New(store, ch, metrics.New(), testEngineConfig())

	// Crash left this intent submitted with a known hash.
	it := &persistence.TransferIntent{
		IdemKey: "stuck-key", RuleID: "eth-skim-high", TokenID: "ETH", ChainID: 1,
		PriceAtFire: big.NewInt(2500), DecimalsAtFire: 18, FiredAt: 1000,
		AmountUnits: big.NewInt(5), From: "0xhot", To: "0xcold",
		Mode: persistence.ModeDirectKey,
	}
	require.NoError(t, store.InsertPlanned(context.Background(), it))
	require.NoError(t, store.UpdateStatus(context.Background(), "stuck-key",
		persistence.StatusSubmitted, "0xtx9", "", ""))
	ch.receipts["0xtx9"] = &chain.Receipt{TxHash: "0xtx9", Success: true, BlockNumber: 4}

	require.NoError(t, eng.Recover(context.Background()))

	got, err := store.FindByIdemKey(context.Background(), "stuck-key")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMinedSuccess, got.Status)
	assert.Equal(t, 0, ch.broadcastCount(), "submitted intents are confirmed, never re-broadcast")
}

func TestReceiptTimeoutLeavesIntentSubmitted(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	cfg := testEngineConfig()
	cfg.ReceiptTimeout = 20 * time.Millisecond
	eng := New(store, ch, metrics.New(), cfg)

	// Broadcast succeeds but the receipt never shows up.
	it := &persistence.TransferIntent{
		IdemKey: "slow-key", RuleID: "eth-skim-high", TokenID: "ETH", ChainID: 1,
		PriceAtFire: big.NewInt(2500), DecimalsAtFire: 18, FiredAt: 1000,
		AmountUnits: big.NewInt(5), From: "0xhot", To: "0xcold",
		Mode: persistence.ModeDirectKey,
	}
	require.NoError(t, store.InsertPlanned(context.Background(), it))
	require.NoError(t, store.UpdateStatus(context.Background(), "slow-key",
		persistence.StatusSubmitted, "0xnever", "", ""))

	require.NoError(t, eng.Recover(context.Background()))

	got, err := store.FindByIdemKey(context.Background(), "slow-key")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusSubmitted, got.Status)
}

func TestClosedHeadStreamFallsBackToPollTicker(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	cfg := testEngineConfig()
	cfg.ReceiptTimeout = 50 * time.Millisecond
	cfg.ReceiptPoll = 10 * time.Millisecond
	eng := New(store, ch, metrics.New(), cfg)

	// The websocket dropped and its read loop closed the channel.
	heads := make(chan uint64)
	close(heads)
	eng.SetHeads(heads)

	it := &persistence.TransferIntent{
		IdemKey: "ws-down-key", RuleID: "eth-skim-high", TokenID: "ETH", ChainID: 1,
		PriceAtFire: big.NewInt(2500), DecimalsAtFire: 18, FiredAt: 1000,
		AmountUnits: big.NewInt(5), From: "0xhot", To: "0xcold",
		Mode: persistence.ModeDirectKey,
	}
	require.NoError(t, store.InsertPlanned(context.Background(), it))
	require.NoError(t, store.UpdateStatus(context.Background(), "ws-down-key",
		persistence.StatusSubmitted, "0xnever", "", ""))

	require.NoError(t, eng.Recover(context.Background()))

	got, err := store.FindByIdemKey(context.Background(), "ws-down-key")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusSubmitted, got.Status)
	assert.GreaterOrEqual(t, ch.receiptCount(), 1)
	assert.Less(t, ch.receiptCount(), 20,
		"receipt checks pace on the poll interval when the head stream is gone")
}

type fakeProposer struct{ handle string }

func (f fakeProposer) Propose(context.Context, persistence.TransferIntent) (string, error) {
	return f.handle, nil
}

func TestHandleMultisigProposeStopsAtProposed(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	eng := New(store, ch, metrics.New(), testEngineConfig())
	eng.SetProposer(fakeProposer{handle: "safe-tx-77"})

	sig := testSignal()
	sig.Mode = persistence.ModeMultisigPropose
	require.NoError(t, eng.Handle(context.Background(), sig))

	key := IdemKey(sig.RuleID, sig.FiredAt, 60, sig.AmountUnits, string(sig.Direction))
	it, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProposed, it.Status)
	assert.Equal(t, "safe-tx-77", it.ProposalHash)
	assert.Equal(t, 0, ch.broadcastCount())

	// Re-handling a proposed intent does not propose twice or broadcast.
	require.NoError(t, eng.Handle(context.Background(), sig))
	again, err := store.FindByIdemKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProposed, again.Status)
}

func TestHandleDefersNewSignalWhileRuleHasInFlightIntent(t *testing.T) {
	store := persistence.NewMemoryIntentStore()
	ch := newFakeChain()
	eng := New(store, ch, metrics.New(), testEngineConfig())

	// An earlier fire for this rule is still waiting on its receipt.
	stuck := &persistence.TransferIntent{
		IdemKey: "older-key", RuleID: "eth-skim-high", TokenID: "ETH", ChainID: 1,
		PriceAtFire: big.NewInt(2400), DecimalsAtFire: 18, FiredAt: 500,
		AmountUnits: big.NewInt(3), From: "0xhot", To: "0xcold",
		Mode: persistence.ModeDirectKey,
	}
	require.NoError(t, store.InsertPlanned(context.Background(), stuck))
	require.NoError(t, store.UpdateStatus(context.Background(), "older-key",
		persistence.StatusSubmitted, "0xold", "", ""))
	ch.receipts["0xold"] = &chain.Receipt{TxHash: "0xold", Success: true, BlockNumber: 5}

	sig := testSignal() // different fire, different key
	require.NoError(t, eng.Handle(context.Background(), sig))

	// The new signal was deferred: the old intent completed, no new row.
	old, err := store.FindByIdemKey(context.Background(), "older-key")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMinedSuccess, old.Status)

	all, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
