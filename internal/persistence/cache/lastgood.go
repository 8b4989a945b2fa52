// Package cache wraps a LastGoodStore with a Redis read-through layer so
// the balancer's polling does not hammer Postgres. Writes go through to
// the durable store first, then refresh the cache; a short TTL bounds
// staleness if a write-side refresh is lost.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

const keyPrefix = "treasuryrun:lastgood:"

type LastGood struct {
	inner  persistence.LastGoodStore
	client *redis.Client
	ttl    time.Duration
}

func NewLastGood(inner persistence.LastGoodStore, client *redis.Client, ttl time.Duration) *LastGood {
	return &LastGood{inner: inner, client: client, ttl: ttl}
}

// record keeps price as a decimal string so nothing round-trips through a
// float inside Redis.
type record struct {
	TokenID  string          `json:"token_id"`
	Price    string          `json:"price"`
	Decimals int             `json:"decimals"`
	At       int64           `json:"at"`
	Mode     string          `json:"mode"`
	Sources  []pricing.Quote `json:"sources"`
}

func (c *LastGood) Get(ctx context.Context, tokenID string) (*pricing.ConsolidatedPrice, error) {
	raw, err := c.client.Get(ctx, keyPrefix+tokenID).Bytes()
	if err == nil {
		cp, decErr := decode(raw)
		if decErr == nil {
			return cp, nil
		}
		log.Warn().Err(decErr).Str("token", tokenID).Msg("corrupt cache entry, falling through")
	} else if !errors.Is(err, redis.Nil) {
		log.Debug().Err(err).Str("token", tokenID).Msg("cache read failed, falling through")
	}

	cp, err := c.inner.Get(ctx, tokenID)
	if err != nil || cp == nil {
		return cp, err
	}
	c.refresh(ctx, *cp)
	return cp, nil
}

func (c *LastGood) Put(ctx context.Context, cp pricing.ConsolidatedPrice) error {
	if err := c.inner.Put(ctx, cp); err != nil {
		return err
	}
	c.refresh(ctx, cp)
	return nil
}

func (c *LastGood) refresh(ctx context.Context, cp pricing.ConsolidatedPrice) {
	raw, err := json.Marshal(record{
		TokenID:  cp.TokenID,
		Price:    cp.Price.String(),
		Decimals: cp.Decimals,
		At:       cp.At,
		Mode:     string(cp.Mode),
		Sources:  cp.SourcesUsed,
	})
	if err != nil {
		log.Warn().Err(err).Str("token", cp.TokenID).Msg("cache encode failed")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+cp.TokenID, raw, c.ttl).Err(); err != nil {
		// Cache refresh is best effort; the durable write already landed.
		log.Debug().Err(err).Str("token", cp.TokenID).Msg("cache refresh failed")
	}
}

func decode(raw []byte) (*pricing.ConsolidatedPrice, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	price, ok := new(big.Int).SetString(rec.Price, 10)
	if !ok {
		return nil, fmt.Errorf("bad cached price %q", rec.Price)
	}
	mode, err := pricing.ParseMode(rec.Mode)
	if err != nil {
		return nil, err
	}
	return &pricing.ConsolidatedPrice{
		TokenID:     rec.TokenID,
		Price:       price,
		Decimals:    rec.Decimals,
		At:          rec.At,
		Mode:        mode,
		SourcesUsed: rec.Sources,
	}, nil
}
