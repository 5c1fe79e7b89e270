package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMappingHit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCoinsRepo(db, 5*time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT master_coin_id FROM coin_source_mappings WHERE source = $1 AND source_id = $2")).
		WithArgs("coingecko", "bitcoin").
		WillReturnRows(sqlmock.NewRows([]string{"master_coin_id"}).AddRow(42))

	id, found, err := repo.LookupMapping(context.Background(), "coingecko", "bitcoin")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), id)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupMappingMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCoinsRepo(db, 5*time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT master_coin_id FROM coin_source_mappings")).
		WithArgs("csv", "XRP").
		WillReturnError(sql.ErrNoRows)

	id, found, err := repo.LookupMapping(context.Background(), "csv", "XRP")
	require.NoError(t, err, "a missing mapping is not an error")
	assert.False(t, found)
	assert.Zero(t, id)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySymbol(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCoinsRepo(db, 5*time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM master_coins WHERE symbol = $1")).
		WithArgs("BTC").
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "name", "canonical_id", "created_at", "updated_at"}).
			AddRow(7, "BTC", "Bitcoin", "btc-bitcoin", now, now))

	coin, err := repo.FindBySymbol(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, coin)
	assert.Equal(t, int64(7), coin.ID)
	assert.Equal(t, "Bitcoin", coin.Name)
	assert.Equal(t, "btc-bitcoin", coin.CanonicalID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySymbolMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCoinsRepo(db, 5*time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM master_coins WHERE symbol = $1")).
		WithArgs("NOPE").
		WillReturnError(sql.ErrNoRows)

	coin, err := repo.FindBySymbol(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, coin)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMasterCoinReturnsCanonicalID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCoinsRepo(db, 5*time.Second)

	// The symbol conflict path returns the existing row's id, so racers
	// converge on one identity.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO master_coins (symbol, name, canonical_id)")).
		WithArgs("BTC", "Bitcoin", "btc-bitcoin").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := repo.UpsertMasterCoin(context.Background(), "BTC", "Bitcoin", "btc-bitcoin")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMappingIgnoresDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCoinsRepo(db, 5*time.Second)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO coin_source_mappings (master_coin_id, source, source_id)")).
		WithArgs(int64(7), "coingecko", "bitcoin").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.InsertMapping(context.Background(), 7, "coingecko", "bitcoin")
	require.NoError(t, err, "conflict-skipped mappings are not errors")

	require.NoError(t, mock.ExpectationsWereMet())
}
