package sources

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// fakeCaller answers eth_call by selector prefix.
type fakeCaller struct {
	responses map[string]string // calldata prefix -> hex result
	errs      map[string]error
	calls     []string
}

func (f *fakeCaller) CallContract(_ context.Context, _ string, data string) (string, error) {
	f.calls = append(f.calls, data)
	for prefix, err := range f.errs {
		if strings.HasPrefix(data, prefix) {
			return "", err
		}
	}
	for prefix, res := range f.responses {
		if strings.HasPrefix(data, prefix) {
			return res, nil
		}
	}
	return "", fmt.Errorf("unexpected calldata %s", data)
}

func word(v *big.Int) string {
	if v.Sign() < 0 {
		v = new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return fmt.Sprintf("%064x", v)
}

func words(vals ...*big.Int) string {
	var b strings.Builder
	b.WriteString("0x")
	for _, v := range vals {
		b.WriteString(word(v))
	}
	return b.String()
}

const feedAddr = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

func roundData(answer *big.Int, updatedAt int64) string {
	return words(big.NewInt(77), answer, big.NewInt(0), big.NewInt(updatedAt), big.NewInt(77))
}

func TestChainlinkFetchParsesRound(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		selDecimals:        words(big.NewInt(8)),
		selLatestRoundData: roundData(big.NewInt(2000_00000000), 1_700_000_000),
	}}
	a := NewChainlinkAdapter(caller, map[string]string{"ETH": feedAddr})

	q, err := a.Fetch(context.Background(), "ETH", Params{})
	require.NoError(t, err)

	assert.Equal(t, pricing.SourceChainlink, q.Source)
	assert.Equal(t, "200000000000", q.Price.String())
	assert.Equal(t, 8, q.Decimals)
	assert.Equal(t, int64(1_700_000_000), q.At)
	assert.Equal(t, "77", q.Meta.RoundID)
}

func TestChainlinkCachesDecimals(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		selDecimals:        words(big.NewInt(8)),
		selLatestRoundData: roundData(big.NewInt(2000_00000000), 1_700_000_000),
	}}
	a := NewChainlinkAdapter(caller, map[string]string{"ETH": feedAddr})

	for i := 0; i < 3; i++ {
		_, err := a.Fetch(context.Background(), "ETH", Params{})
		require.NoError(t, err)
	}

	decCalls := 0
	for _, data := range caller.calls {
		if strings.HasPrefix(data, selDecimals) {
			decCalls++
		}
	}
	assert.Equal(t, 1, decCalls, "decimals() is immutable and read once per feed")
}

func TestChainlinkNegativeAnswerIsMiss(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		selDecimals:        words(big.NewInt(8)),
		selLatestRoundData: roundData(big.NewInt(-5), 1_700_000_000),
	}}
	a := NewChainlinkAdapter(caller, map[string]string{"ETH": feedAddr})

	_, err := a.Fetch(context.Background(), "ETH", Params{})
	assert.Equal(t, "non_positive_price", MissReason(err))
}

func TestChainlinkRPCFailureIsMiss(t *testing.T) {
	caller := &fakeCaller{
		responses: map[string]string{selDecimals: words(big.NewInt(8))},
		errs:      map[string]error{selLatestRoundData: fmt.Errorf("connection refused")},
	}
	a := NewChainlinkAdapter(caller, map[string]string{"ETH": feedAddr})

	_, err := a.Fetch(context.Background(), "ETH", Params{})
	assert.Equal(t, "rpc_failed", MissReason(err))
}

func TestChainlinkUnknownTokenIsMiss(t *testing.T) {
	a := NewChainlinkAdapter(&fakeCaller{}, map[string]string{"ETH": feedAddr})
	_, err := a.Fetch(context.Background(), "DOGE", Params{})
	assert.Equal(t, "no_feed_for_token", MissReason(err))
}
