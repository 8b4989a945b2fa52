// Package postgres implements the persistence interfaces over PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE prices_last_good (
//	    token_id   TEXT PRIMARY KEY,
//	    price      TEXT        NOT NULL,
//	    decimals   INT         NOT NULL,
//	    at         BIGINT      NOT NULL,
//	    mode       TEXT        NOT NULL,
//	    sources    JSONB       NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE transfer_intents (
//	    id               BIGSERIAL PRIMARY KEY,
//	    idem_key         TEXT        NOT NULL UNIQUE,
//	    rule_id          TEXT        NOT NULL,
//	    token_id         TEXT        NOT NULL,
//	    chain_id         BIGINT      NOT NULL,
//	    price_at_fire    TEXT        NOT NULL,
//	    decimals_at_fire INT         NOT NULL,
//	    fired_at         BIGINT      NOT NULL,
//	    amount_units     TEXT        NOT NULL,
//	    from_addr        TEXT        NOT NULL,
//	    to_addr          TEXT        NOT NULL,
//	    token_addr       TEXT        NOT NULL DEFAULT '',
//	    exec_mode        TEXT        NOT NULL,
//	    status           TEXT        NOT NULL,
//	    tx_hash          TEXT        NOT NULL DEFAULT '',
//	    proposal_hash    TEXT        NOT NULL DEFAULT '',
//	    cause            TEXT        NOT NULL DEFAULT '',
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX transfer_intents_rule_idx ON transfer_intents (rule_id, fired_at DESC);
//
// Prices and amounts are TEXT so no value ever round-trips through a float.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

type lastGoodRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLastGoodRepo creates the PostgreSQL last-good store.
func NewLastGoodRepo(db *sqlx.DB, timeout time.Duration) persistence.LastGoodStore {
	return &lastGoodRepo{db: db, timeout: timeout}
}

type lastGoodRow struct {
	TokenID  string `db:"token_id"`
	Price    string `db:"price"`
	Decimals int    `db:"decimals"`
	At       int64  `db:"at"`
	Mode     string `db:"mode"`
	Sources  []byte `db:"sources"`
}

func (r *lastGoodRepo) Get(ctx context.Context, tokenID string) (*pricing.ConsolidatedPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row lastGoodRow
	err := r.db.GetContext(ctx, &row,
		`SELECT token_id, price, decimals, at, mode, sources FROM prices_last_good WHERE token_id = $1`,
		tokenID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last-good for %s: %w", tokenID, err)
	}
	return rowToPrice(row)
}

func (r *lastGoodRepo) Put(ctx context.Context, cp pricing.ConsolidatedPrice) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sources, err := json.Marshal(cp.SourcesUsed)
	if err != nil {
		return fmt.Errorf("marshal sources for %s: %w", cp.TokenID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO prices_last_good (token_id, price, decimals, at, mode, sources, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (token_id) DO UPDATE SET
			price = EXCLUDED.price,
			decimals = EXCLUDED.decimals,
			at = EXCLUDED.at,
			mode = EXCLUDED.mode,
			sources = EXCLUDED.sources,
			updated_at = now()`,
		cp.TokenID, cp.Price.String(), cp.Decimals, cp.At, string(cp.Mode), sources)
	if err != nil {
		return fmt.Errorf("put last-good for %s: %w", cp.TokenID, err)
	}
	return nil
}

func rowToPrice(row lastGoodRow) (*pricing.ConsolidatedPrice, error) {
	price, ok := new(big.Int).SetString(row.Price, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt price %q for %s", row.Price, row.TokenID)
	}
	mode, err := pricing.ParseMode(row.Mode)
	if err != nil {
		return nil, fmt.Errorf("row for %s: %w", row.TokenID, err)
	}
	var sources []pricing.Quote
	if len(row.Sources) > 0 {
		if err := json.Unmarshal(row.Sources, &sources); err != nil {
			return nil, fmt.Errorf("decode sources for %s: %w", row.TokenID, err)
		}
	}
	return &pricing.ConsolidatedPrice{
		TokenID:     row.TokenID,
		Price:       price,
		Decimals:    row.Decimals,
		At:          row.At,
		Mode:        mode,
		SourcesUsed: sources,
	}, nil
}
