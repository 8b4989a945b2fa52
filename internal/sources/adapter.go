// Package sources contains the price source adapters. Each adapter speaks
// one upstream protocol and normalizes into pricing.Quote at the source's
// native decimals. Every failure — network, unknown symbol, malformed
// payload, non-positive price — crosses the boundary as a *NoDataError,
// never a panic and never a hard error: a missing quote is not an error
// for the aggregator.
package sources

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/sawpanic/treasuryrun/internal/pricing"
)

// Params carries the per-call knobs only some adapters use. TWAP adapters
// require PoolID and WindowSec; the rest ignore Params entirely.
type Params struct {
	PoolID    string
	WindowSec int64
}

type Adapter interface {
	Source() pricing.Source
	Fetch(ctx context.Context, tokenID string, p Params) (pricing.Quote, error)
}

// NoDataError is the structured miss an adapter returns instead of a quote.
type NoDataError struct {
	Source pricing.Source
	Reason string
	Err    error
}

func (e *NoDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: no data (%s): %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: no data (%s)", e.Source, e.Reason)
}

func (e *NoDataError) Unwrap() error { return e.Err }

func noData(src pricing.Source, reason string, err error) error {
	return &NoDataError{Source: src, Reason: reason, Err: err}
}

// MissReason extracts the miss reason for observability; "error" for
// anything that is not a structured miss.
func MissReason(err error) string {
	var nd *NoDataError
	if errors.As(err, &nd) {
		return nd.Reason
	}
	return "error"
}

// ContractCaller is the slice of the chain client adapters use for
// read-only contract calls. *chain.RPCClient satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, to, data string) (string, error)
}

// callWords decodes an eth_call hex result into 32-byte words.
func callWords(result string) ([]*big.Int, error) {
	s := strings.TrimPrefix(result, "0x")
	if len(s)%64 != 0 {
		return nil, fmt.Errorf("result length %d is not word aligned", len(s))
	}
	words := make([]*big.Int, 0, len(s)/64)
	for i := 0; i < len(s); i += 64 {
		w, ok := new(big.Int).SetString(s[i:i+64], 16)
		if !ok {
			return nil, fmt.Errorf("bad word %q", s[i:i+64])
		}
		words = append(words, w)
	}
	return words, nil
}

// asSigned reinterprets a 256-bit word as two's-complement signed.
func asSigned(w *big.Int) *big.Int {
	if w.BitLen() < 256 {
		return new(big.Int).Set(w)
	}
	return new(big.Int).Sub(w, new(big.Int).Lsh(big.NewInt(1), 256))
}

func padWord(v *big.Int) string {
	h := v.Text(16)
	return strings.Repeat("0", 64-len(h)) + h
}

func padAddress(addr string) string {
	a := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return strings.Repeat("0", 64-len(a)) + a
}
