package sources

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

const (
	selLatestRoundData = "0xfeaf968c" // latestRoundData()
	selDecimals        = "0x313ce567" // decimals()
)

// ChainlinkAdapter reads direct-publisher feeds through their on-chain
// aggregator proxies. decimals() is immutable per feed and cached after
// the first read.
type ChainlinkAdapter struct {
	caller  ContractCaller
	feeds   map[string]string // tokenID -> aggregator proxy address
	breaker *gobreaker.CircuitBreaker

	decMu    sync.Mutex
	decimals map[string]int // feed address -> decimals
}

func NewChainlinkAdapter(caller ContractCaller, feeds map[string]string) *ChainlinkAdapter {
	st := gobreaker.Settings{Name: "chainlink"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 }
	return &ChainlinkAdapter{
		caller:   caller,
		feeds:    feeds,
		breaker:  gobreaker.NewCircuitBreaker(st),
		decimals: make(map[string]int),
	}
}

func (a *ChainlinkAdapter) Source() pricing.Source { return pricing.SourceChainlink }

func (a *ChainlinkAdapter) Fetch(ctx context.Context, tokenID string, _ Params) (pricing.Quote, error) {
	feed, ok := a.feeds[tokenID]
	if !ok {
		return pricing.Quote{}, noData(pricing.SourceChainlink, "no_feed_for_token", nil)
	}

	dec, err := a.feedDecimals(ctx, feed)
	if err != nil {
		return pricing.Quote{}, noData(pricing.SourceChainlink, "decimals_call_failed", err)
	}

	res, err := a.breaker.Execute(func() (any, error) {
		return a.caller.CallContract(ctx, feed, selLatestRoundData)
	})
	if err != nil {
		return pricing.Quote{}, noData(pricing.SourceChainlink, "rpc_failed", err)
	}

	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
	words, err := callWords(res.(string))
	if err != nil || len(words) < 5 {
		return pricing.Quote{}, noData(pricing.SourceChainlink, "malformed_response", err)
	}
	answer := asSigned(words[1])
	if answer.Sign() <= 0 {
		return pricing.Quote{}, noData(pricing.SourceChainlink, "non_positive_price", nil)
	}
	updatedAt := words[3]
	if !updatedAt.IsInt64() {
		return pricing.Quote{}, noData(pricing.SourceChainlink, "malformed_response", nil)
	}

	return pricing.Quote{
		Source:   pricing.SourceChainlink,
		Price:    answer,
		Decimals: dec,
		At:       updatedAt.Int64(),
		Meta:     pricing.Meta{RoundID: words[0].String()},
	}, nil
}

func (a *ChainlinkAdapter) feedDecimals(ctx context.Context, feed string) (int, error) {
	a.decMu.Lock()
	if d, ok := a.decimals[feed]; ok {
		a.decMu.Unlock()
		return d, nil
	}
	a.decMu.Unlock()

	res, err := a.caller.CallContract(ctx, feed, selDecimals)
	if err != nil {
		return 0, err
	}
	words, err := callWords(res)
	if err != nil || len(words) < 1 {
		return 0, err
	}
	d := int(words[0].Int64())

	a.decMu.Lock()
	a.decimals[feed] = d
	a.decMu.Unlock()
	return d, nil
}

var _ Adapter = (*ChainlinkAdapter)(nil)
