package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kasparro/coinetl/internal/persistence"
)

// coinsRepo implements CoinsRepo for PostgreSQL.
type coinsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCoinsRepo creates a PostgreSQL master-coin repository.
func NewCoinsRepo(db *sqlx.DB, timeout time.Duration) persistence.CoinsRepo {
	return &coinsRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *coinsRepo) LookupMapping(ctx context.Context, source, sourceID string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var masterCoinID int64
	err := r.db.GetContext(ctx, &masterCoinID,
		`SELECT master_coin_id FROM coin_source_mappings WHERE source = $1 AND source_id = $2`,
		source, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up mapping %s/%s: %w", source, sourceID, err)
	}
	return masterCoinID, true, nil
}

func (r *coinsRepo) FindBySymbol(ctx context.Context, symbol string) (*persistence.MasterCoin, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var coin persistence.MasterCoin
	err := r.db.GetContext(ctx, &coin,
		`SELECT id, symbol, name, COALESCE(canonical_id, '') AS canonical_id, created_at, updated_at
		 FROM master_coins WHERE symbol = $1`,
		symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find master coin %s: %w", symbol, err)
	}
	return &coin, nil
}

// UpsertMasterCoin resolves concurrent creates through the symbol unique
// key: every racer gets the same id back.
func (r *coinsRepo) UpsertMasterCoin(ctx context.Context, symbol, name, canonicalID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO master_coins (symbol, name, canonical_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name, updated_at = now()
		 RETURNING id`,
		symbol, name, canonicalID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert master coin %s: %w", symbol, err)
	}
	return id, nil
}

func (r *coinsRepo) InsertMapping(ctx context.Context, masterCoinID int64, source, sourceID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO coin_source_mappings (master_coin_id, source, source_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source, source_id) DO NOTHING`,
		masterCoinID, source, sourceID)
	if err != nil {
		return fmt.Errorf("failed to insert mapping %s/%s: %w", source, sourceID, err)
	}
	return nil
}
