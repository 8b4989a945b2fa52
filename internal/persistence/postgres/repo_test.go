package postgres

import (
	"context"
	"database/sql"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/pricing"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestLastGoodGetAbsentTokenIsNilNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLastGoodRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token_id, price, decimals, at, mode, sources FROM prices_last_good WHERE token_id = $1`)).
		WithArgs("ETH").
		WillReturnError(sql.ErrNoRows)

	cp, err := repo.Get(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastGoodGetParsesRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLastGoodRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token_id, price, decimals, at, mode, sources FROM prices_last_good WHERE token_id = $1`)).
		WithArgs("ETH").
		WillReturnRows(sqlmock.NewRows([]string{"token_id", "price", "decimals", "at", "mode", "sources"}).
			AddRow("ETH", "2000000000000000000000", 18, int64(100), "normal", []byte(`[]`)))

	cp, err := repo.Get(context.Background(), "ETH")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "2000000000000000000000", cp.Price.String())
	assert.Equal(t, 18, cp.Decimals)
	assert.Equal(t, pricing.ModeNormal, cp.Mode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastGoodGetRejectsCorruptMode(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLastGoodRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token_id, price, decimals, at, mode, sources FROM prices_last_good WHERE token_id = $1`)).
		WithArgs("ETH").
		WillReturnRows(sqlmock.NewRows([]string{"token_id", "price", "decimals", "at", "mode", "sources"}).
			AddRow("ETH", "1", 18, int64(100), "confused", []byte(`[]`)))

	_, err := repo.Get(context.Background(), "ETH")
	assert.Error(t, err)
}

func TestLastGoodPutUpserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLastGoodRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO prices_last_good`)).
		WithArgs("ETH", "2000000000000000000000", 18, int64(100), "normal", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	price, _ := new(big.Int).SetString("2000000000000000000000", 10)
	err := repo.Put(context.Background(), pricing.ConsolidatedPrice{
		TokenID: "ETH", Price: price, Decimals: 18, At: 100, Mode: pricing.ModeNormal,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntentInsertPlannedMapsUniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transfer_intents`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.InsertPlanned(context.Background(), &persistence.TransferIntent{
		IdemKey: "k1", RuleID: "r1", TokenID: "ETH", ChainID: 1,
		PriceAtFire: big.NewInt(2500), DecimalsAtFire: 18, FiredAt: 100,
		AmountUnits: big.NewInt(5), From: "0xhot", To: "0xcold",
		Mode: persistence.ModeDirectKey,
	})
	assert.ErrorIs(t, err, persistence.ErrDuplicateIntent)
}

func TestIntentInsertPlannedReturnsGeneratedID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transfer_intents`)).
		WithArgs("k1", "r1", "ETH", int64(1), "2500", 18, int64(100), "5",
			"0xhot", "0xcold", "", "direct_key", "planned").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(7), now, now))

	it := &persistence.TransferIntent{
		IdemKey: "k1", RuleID: "r1", TokenID: "ETH", ChainID: 1,
		PriceAtFire: big.NewInt(2500), DecimalsAtFire: 18, FiredAt: 100,
		AmountUnits: big.NewInt(5), From: "0xhot", To: "0xcold",
		Mode: persistence.ModeDirectKey,
	}
	require.NoError(t, repo.InsertPlanned(context.Background(), it))
	assert.Equal(t, int64(7), it.ID)
	assert.Equal(t, persistence.StatusPlanned, it.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntentUpdateStatusGuardsTransitionsInSQL(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE transfer_intents SET`)).
		WithArgs("k1", "submitted", "0xtx", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "k1", persistence.StatusSubmitted, "0xtx", "", "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntentUpdateStatusUnreachableTarget(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	// No status can legally transition to planned; the repo refuses without
	// touching the database.
	err := repo.UpdateStatus(context.Background(), "k1", persistence.StatusPlanned, "", "", "")
	assert.ErrorIs(t, err, persistence.ErrBadTransition)
}

func TestIntentUpdateStatusZeroRowsOnTerminalRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE transfer_intents SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The repo distinguishes unknown key from forbidden edge by re-reading.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs("k1").
		WillReturnRows(intentRows().AddRow(
			int64(1), "k1", "r1", "ETH", int64(1), "2500", 18, int64(100), "5",
			"0xhot", "0xcold", "", "direct_key", "mined_success", "0xtx", "", "", now, now))

	err := repo.UpdateStatus(context.Background(), "k1", persistence.StatusSubmitted, "0xtx2", "", "")
	assert.ErrorIs(t, err, persistence.ErrBadTransition)
}

func TestIntentFindInFlightForRuleAbsentIsNilNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM transfer_intents`)).
		WithArgs("r1", "mined_success", "mined_failed").
		WillReturnError(sql.ErrNoRows)

	it, err := repo.FindInFlightForRule(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestIntentLastFiredAtNeverFiredIsZero(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewIntentRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT fired_at FROM transfer_intents`)).
		WithArgs("r1").
		WillReturnError(sql.ErrNoRows)

	at, err := repo.LastFiredAt(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, at)
}

func intentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "idem_key", "rule_id", "token_id", "chain_id", "price_at_fire",
		"decimals_at_fire", "fired_at", "amount_units", "from_addr", "to_addr",
		"token_addr", "exec_mode", "status", "tx_hash", "proposal_hash", "cause",
		"created_at", "updated_at",
	})
}
