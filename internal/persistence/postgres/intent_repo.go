package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/treasuryrun/internal/persistence"
)

const pqUniqueViolation = "23505"

type intentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewIntentRepo creates the PostgreSQL intent store. The unique index on
// idem_key is what makes execution at-most-once.
func NewIntentRepo(db *sqlx.DB, timeout time.Duration) persistence.IntentStore {
	return &intentRepo{db: db, timeout: timeout}
}

type intentRow struct {
	ID             int64     `db:"id"`
	IdemKey        string    `db:"idem_key"`
	RuleID         string    `db:"rule_id"`
	TokenID        string    `db:"token_id"`
	ChainID        int64     `db:"chain_id"`
	PriceAtFire    string    `db:"price_at_fire"`
	DecimalsAtFire int       `db:"decimals_at_fire"`
	FiredAt        int64     `db:"fired_at"`
	AmountUnits    string    `db:"amount_units"`
	FromAddr       string    `db:"from_addr"`
	ToAddr         string    `db:"to_addr"`
	TokenAddr      string    `db:"token_addr"`
	ExecMode       string    `db:"exec_mode"`
	Status         string    `db:"status"`
	TxHash         string    `db:"tx_hash"`
	ProposalHash   string    `db:"proposal_hash"`
	Cause          string    `db:"cause"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const intentColumns = `id, idem_key, rule_id, token_id, chain_id, price_at_fire,
	decimals_at_fire, fired_at, amount_units, from_addr, to_addr, token_addr,
	exec_mode, status, tx_hash, proposal_hash, cause, created_at, updated_at`

func (r *intentRepo) InsertPlanned(ctx context.Context, it *persistence.TransferIntent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO transfer_intents
			(idem_key, rule_id, token_id, chain_id, price_at_fire, decimals_at_fire,
			 fired_at, amount_units, from_addr, to_addr, token_addr, exec_mode, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		it.IdemKey, it.RuleID, it.TokenID, it.ChainID, it.PriceAtFire.String(),
		it.DecimalsAtFire, it.FiredAt, it.AmountUnits.String(), it.From, it.To,
		it.TokenAddr, string(it.Mode), string(persistence.StatusPlanned)).
		Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return persistence.ErrDuplicateIntent
		}
		return fmt.Errorf("insert intent %s: %w", it.IdemKey, err)
	}
	it.Status = persistence.StatusPlanned
	return nil
}

func (r *intentRepo) UpdateStatus(ctx context.Context, idemKey string, status persistence.IntentStatus, txHash, proposalHash, cause string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The WHERE clause re-checks legality so a concurrent writer cannot
	// race the transition past the state machine.
	allowed := allowedFrom(status)
	if len(allowed) == 0 {
		return persistence.ErrBadTransition
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE transfer_intents SET
			status = $2,
			tx_hash = CASE WHEN $3 = '' THEN tx_hash ELSE $3 END,
			proposal_hash = CASE WHEN $4 = '' THEN proposal_hash ELSE $4 END,
			cause = CASE WHEN $5 = '' THEN cause ELSE $5 END,
			updated_at = now()
		WHERE idem_key = $1 AND status = ANY($6)`,
		idemKey, string(status), txHash, proposalHash, cause, pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("update intent %s to %s: %w", idemKey, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update intent %s: %w", idemKey, err)
	}
	if n == 0 {
		// Either the key is unknown or the current status forbids the edge.
		if _, err := r.FindByIdemKey(ctx, idemKey); err != nil {
			return err
		}
		return persistence.ErrBadTransition
	}
	return nil
}

// allowedFrom lists the source statuses from which `to` is reachable.
func allowedFrom(to persistence.IntentStatus) []string {
	var out []string
	for _, from := range []persistence.IntentStatus{
		persistence.StatusPlanned, persistence.StatusProposed, persistence.StatusSubmitted,
	} {
		if from.CanTransition(to) {
			out = append(out, string(from))
		}
	}
	return out
}

func (r *intentRepo) FindByIdemKey(ctx context.Context, idemKey string) (*persistence.TransferIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row intentRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+intentColumns+` FROM transfer_intents WHERE idem_key = $1`, idemKey)
	if err != nil {
		if isNoRows(err) {
			return nil, persistence.ErrIntentNotFound
		}
		return nil, fmt.Errorf("find intent %s: %w", idemKey, err)
	}
	return rowToIntent(row)
}

func (r *intentRepo) FindInFlightForRule(ctx context.Context, ruleID string) (*persistence.TransferIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row intentRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+intentColumns+` FROM transfer_intents
		WHERE rule_id = $1 AND status NOT IN ($2, $3)
		ORDER BY fired_at ASC LIMIT 1`,
		ruleID, string(persistence.StatusMinedSuccess), string(persistence.StatusMinedFailed))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find in-flight intent for rule %s: %w", ruleID, err)
	}
	return rowToIntent(row)
}

func (r *intentRepo) NonTerminal(ctx context.Context) ([]persistence.TransferIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []intentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+intentColumns+` FROM transfer_intents
		WHERE status NOT IN ($1, $2)
		ORDER BY fired_at ASC`,
		string(persistence.StatusMinedSuccess), string(persistence.StatusMinedFailed))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal intents: %w", err)
	}
	return rowsToIntents(rows)
}

func (r *intentRepo) LastFiredAt(ctx context.Context, ruleID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var firedAt int64
	err := r.db.GetContext(ctx, &firedAt,
		`SELECT fired_at FROM transfer_intents WHERE rule_id = $1 ORDER BY fired_at DESC LIMIT 1`,
		ruleID)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("last fired_at for rule %s: %w", ruleID, err)
	}
	return firedAt, nil
}

func (r *intentRepo) List(ctx context.Context, limit int) ([]persistence.TransferIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []intentRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+intentColumns+` FROM transfer_intents ORDER BY fired_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	return rowsToIntents(rows)
}

func rowToIntent(row intentRow) (*persistence.TransferIntent, error) {
	price, ok := new(big.Int).SetString(row.PriceAtFire, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt price_at_fire %q on intent %s", row.PriceAtFire, row.IdemKey)
	}
	amount, ok := new(big.Int).SetString(row.AmountUnits, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount_units %q on intent %s", row.AmountUnits, row.IdemKey)
	}
	status, err := persistence.ParseIntentStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("intent %s: %w", row.IdemKey, err)
	}
	return &persistence.TransferIntent{
		ID:             row.ID,
		IdemKey:        row.IdemKey,
		RuleID:         row.RuleID,
		TokenID:        row.TokenID,
		ChainID:        row.ChainID,
		PriceAtFire:    price,
		DecimalsAtFire: row.DecimalsAtFire,
		FiredAt:        row.FiredAt,
		AmountUnits:    amount,
		From:           row.FromAddr,
		To:             row.ToAddr,
		TokenAddr:      row.TokenAddr,
		Mode:           persistence.ExecutionMode(row.ExecMode),
		Status:         status,
		TxHash:         row.TxHash,
		ProposalHash:   row.ProposalHash,
		Cause:          row.Cause,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func rowsToIntents(rows []intentRow) ([]persistence.TransferIntent, error) {
	out := make([]persistence.TransferIntent, 0, len(rows))
	for _, row := range rows {
		it, err := rowToIntent(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
