package balancer

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

type loopCfgs struct {
	cfg   pricing.TokenCfg
	rules []Rule
}

func (l loopCfgs) Tokens() []string { return []string{l.cfg.TokenID} }

func (l loopCfgs) TokenCfg(string) (pricing.TokenCfg, error) { return l.cfg, nil }

func (l loopCfgs) EnabledRules(string, int64) []Rule { return l.rules }

type fixedBalance struct{ v *big.Int }

func (f fixedBalance) Balance(context.Context, string, string) (*big.Int, error) {
	return new(big.Int).Set(f.v), nil
}

type captureDispatch struct {
	mu      sync.Mutex
	signals []Signal
}

func (c *captureDispatch) Handle(_ context.Context, sig Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	return nil
}

func (c *captureDispatch) captured() []Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Signal, len(c.signals))
	copy(out, c.signals)
	return out
}

func TestTickDispatchesFiredSignal(t *testing.T) {
	prices := persistence.NewMemoryLastGood()
	require.NoError(t, prices.Put(context.Background(), priceAt(2500, 1000)))

	cfg := pricing.TokenCfg{TokenID: "ETH", ChainID: 1, Address: "0xweth"}
	dispatch := &captureDispatch{}
	b := New(loopCfgs{cfg: cfg, rules: []Rule{skimRule()}},
		prices, persistence.NewMemoryIntentStore(), fixedBalance{e18(10)},
		dispatch, metrics.New(), time.Second).
		WithClock(func() time.Time { return time.Unix(2000, 0) })

	b.Tick(context.Background())
	b.wg.Wait()

	signals := dispatch.captured()
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, "eth-skim-high", sig.RuleID)
	assert.Equal(t, "0xweth", sig.TokenAddr, "token address comes from the token config")
	assert.Equal(t, e18(5).String(), sig.AmountUnits.String())
}

func TestTickWithoutConsolidatedPriceIsQuiet(t *testing.T) {
	dispatch := &captureDispatch{}
	b := New(loopCfgs{cfg: pricing.TokenCfg{TokenID: "ETH", ChainID: 1}, rules: []Rule{skimRule()}},
		persistence.NewMemoryLastGood(), persistence.NewMemoryIntentStore(),
		fixedBalance{e18(10)}, dispatch, metrics.New(), time.Second)

	b.Tick(context.Background())
	b.wg.Wait()
	assert.Empty(t, dispatch.captured())
}

func TestTickRespectsCooldownFromIntentHistory(t *testing.T) {
	prices := persistence.NewMemoryLastGood()
	require.NoError(t, prices.Put(context.Background(), priceAt(2500, 1990)))

	intents := persistence.NewMemoryIntentStore()
	require.NoError(t, intents.InsertPlanned(context.Background(), &persistence.TransferIntent{
		IdemKey: "k1", RuleID: "eth-skim-high", TokenID: "ETH", ChainID: 1,
		PriceAtFire: e18(2500), DecimalsAtFire: 18, FiredAt: 1900,
		AmountUnits: e18(5), Mode: persistence.ModeDirectKey,
	}))

	dispatch := &captureDispatch{}
	b := New(loopCfgs{cfg: pricing.TokenCfg{TokenID: "ETH", ChainID: 1}, rules: []Rule{skimRule()}},
		prices, intents, fixedBalance{e18(10)}, dispatch, metrics.New(), time.Second).
		WithClock(func() time.Time { return time.Unix(2000, 0) }) // 100s after last fire, cooldown 3600

	b.Tick(context.Background())
	b.wg.Wait()
	assert.Empty(t, dispatch.captured())
}

func TestTickFrozenPriceStillEvaluates(t *testing.T) {
	// Mode is advisory to the trigger: a frozen price that satisfies the
	// threshold still fires.
	prices := persistence.NewMemoryLastGood()
	frozen := priceAt(2500, 1000)
	frozen.Mode = pricing.ModeFrozen
	require.NoError(t, prices.Put(context.Background(), frozen))

	dispatch := &captureDispatch{}
	b := New(loopCfgs{cfg: pricing.TokenCfg{TokenID: "ETH", ChainID: 1}, rules: []Rule{skimRule()}},
		prices, persistence.NewMemoryIntentStore(), fixedBalance{e18(10)},
		dispatch, metrics.New(), time.Second).
		WithClock(func() time.Time { return time.Unix(2000, 0) })

	b.Tick(context.Background())
	b.wg.Wait()
	assert.Len(t, dispatch.captured(), 1)
}

// stallDispatch blocks one rule's dispatch until released and records the
// order other rules get through.
type stallDispatch struct {
	mu      sync.Mutex
	stall   string
	release chan struct{}
	handled []string
}

func (d *stallDispatch) Handle(_ context.Context, sig Signal) error {
	if sig.RuleID == d.stall {
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled = append(d.handled, sig.RuleID)
	return nil
}

func (d *stallDispatch) saw(ruleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.handled {
		if id == ruleID {
			return true
		}
	}
	return false
}

func TestTickStalledRuleDoesNotDelayOtherRules(t *testing.T) {
	prices := persistence.NewMemoryLastGood()
	require.NoError(t, prices.Put(context.Background(), priceAt(2500, 1000)))

	slow := skimRule()
	fast := skimRule()
	fast.RuleID = "eth-skim-high-b"

	dispatch := &stallDispatch{stall: slow.RuleID, release: make(chan struct{})}
	b := New(loopCfgs{cfg: pricing.TokenCfg{TokenID: "ETH", ChainID: 1}, rules: []Rule{slow, fast}},
		prices, persistence.NewMemoryIntentStore(), fixedBalance{e18(10)},
		dispatch, metrics.New(), time.Second).
		WithClock(func() time.Time { return time.Unix(2000, 0) })

	b.Tick(context.Background())

	// The second rule completes while the first is still waiting.
	require.Eventually(t, func() bool { return dispatch.saw(fast.RuleID) },
		time.Second, 5*time.Millisecond)
	assert.False(t, dispatch.saw(slow.RuleID))

	close(dispatch.release)
	b.wg.Wait()
	assert.True(t, dispatch.saw(slow.RuleID))
}
