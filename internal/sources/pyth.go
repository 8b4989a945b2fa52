package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// PythAdapter reads publisher-aggregated prices from a Hermes endpoint.
// Confidence is mandatory in the output quote; a payload without it is a
// miss, not a quote.
type PythAdapter struct {
	baseURL string
	feedIDs map[string]string // tokenID -> hex feed id
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewPythAdapter(baseURL string, feedIDs map[string]string) *PythAdapter {
	st := gobreaker.Settings{Name: "pyth"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 }
	return &PythAdapter{
		baseURL: baseURL,
		feedIDs: feedIDs,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
}

func (a *PythAdapter) Source() pricing.Source { return pricing.SourcePyth }

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int    `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (a *PythAdapter) Fetch(ctx context.Context, tokenID string, _ Params) (pricing.Quote, error) {
	feedID, ok := a.feedIDs[tokenID]
	if !ok {
		return pricing.Quote{}, noData(pricing.SourcePyth, "no_feed_for_token", nil)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return pricing.Quote{}, noData(pricing.SourcePyth, "rate_limited", err)
	}

	q := url.Values{}
	q.Add("ids[]", feedID)
	q.Set("parsed", "true")
	endpoint := a.baseURL + "/v2/updates/price/latest?" + q.Encode()

	raw, err := a.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("hermes status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return pricing.Quote{}, noData(pricing.SourcePyth, "http_failed", err)
	}

	var hr hermesResponse
	if err := json.Unmarshal(raw.([]byte), &hr); err != nil {
		return pricing.Quote{}, noData(pricing.SourcePyth, "malformed_payload", err)
	}
	if len(hr.Parsed) == 0 {
		return pricing.Quote{}, noData(pricing.SourcePyth, "empty_payload", nil)
	}
	p := hr.Parsed[0].Price

	price, ok := new(big.Int).SetString(p.Price, 10)
	if !ok {
		return pricing.Quote{}, noData(pricing.SourcePyth, "malformed_payload", fmt.Errorf("bad price %q", p.Price))
	}
	if price.Sign() <= 0 {
		return pricing.Quote{}, noData(pricing.SourcePyth, "non_positive_price", nil)
	}
	conf, ok := new(big.Int).SetString(p.Conf, 10)
	if !ok {
		return pricing.Quote{}, noData(pricing.SourcePyth, "missing_confidence", fmt.Errorf("bad conf %q", p.Conf))
	}
	if p.Expo > 0 {
		// Positive exponents never occur on USD feeds; refuse rather
		// than invent a scale.
		return pricing.Quote{}, noData(pricing.SourcePyth, "unsupported_exponent", nil)
	}

	return pricing.Quote{
		Source:   pricing.SourcePyth,
		Price:    price,
		Decimals: -p.Expo,
		At:       p.PublishTime,
		Meta:     pricing.Meta{Confidence: conf},
	}, nil
}

var _ Adapter = (*PythAdapter)(nil)
