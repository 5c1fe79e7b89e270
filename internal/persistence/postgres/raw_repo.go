package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kasparro/coinetl/internal/persistence"
)

// rawRepo implements RawRepo for PostgreSQL. Every batch runs in one
// transaction and deduplicates on the per-source natural key; the returned
// count is rows actually written, so a replayed batch reports zero.
type rawRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRawRepo creates a PostgreSQL raw-archive repository.
func NewRawRepo(db *sqlx.DB, timeout time.Duration) persistence.RawRepo {
	return &rawRepo{
		db:      db,
		timeout: timeout,
	}
}

const insertRawCoinPaprikaQuery = `
	INSERT INTO raw_coinpaprika (
		coin_id, symbol, name, rank,
		price_usd, volume_24h_usd, market_cap_usd,
		circulating_supply, total_supply, max_supply,
		percent_change_1h, percent_change_24h, percent_change_7d,
		raw_data, data_timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (coin_id, data_timestamp) DO NOTHING`

func (r *rawRepo) InsertCoinPaprikaBatch(ctx context.Context, rows []persistence.RawCoinPaprikaRow) (int, error) {
	return r.insertBatch(ctx, len(rows), insertRawCoinPaprikaQuery, func(i int) []interface{} {
		row := rows[i]
		return []interface{}{
			row.CoinID, row.Symbol, row.Name, row.Rank,
			row.PriceUSD, row.Volume24hUSD, row.MarketCapUSD,
			row.CirculatingSupply, row.TotalSupply, row.MaxSupply,
			row.PercentChange1h, row.PercentChange24h, row.PercentChange7d,
			string(row.RawData), row.DataTimestamp,
		}
	})
}

const insertRawCoinGeckoQuery = `
	INSERT INTO raw_coingecko (
		coin_id, symbol, name, current_price, market_cap, market_cap_rank,
		total_volume, high_24h, low_24h, price_change_24h,
		price_change_percentage_24h, circulating_supply, total_supply,
		max_supply, ath, atl, raw_data, data_timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (coin_id, data_timestamp) DO NOTHING`

func (r *rawRepo) InsertCoinGeckoBatch(ctx context.Context, rows []persistence.RawCoinGeckoRow) (int, error) {
	return r.insertBatch(ctx, len(rows), insertRawCoinGeckoQuery, func(i int) []interface{} {
		row := rows[i]
		return []interface{}{
			row.CoinID, row.Symbol, row.Name, row.CurrentPrice, row.MarketCap, row.MarketCapRank,
			row.TotalVolume, row.High24h, row.Low24h, row.PriceChange24h,
			row.PriceChangePercentage24h, row.CirculatingSupply, row.TotalSupply,
			row.MaxSupply, row.ATH, row.ATL, string(row.RawData), row.DataTimestamp,
		}
	})
}

const insertRawCSVQuery = `
	INSERT INTO raw_csv (
		symbol, name, price_usd, market_cap_usd, volume_24h_usd,
		percent_change_24h, raw_data, source_file, row_number, data_timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (source_file, row_number) DO NOTHING`

func (r *rawRepo) InsertCSVBatch(ctx context.Context, rows []persistence.RawCSVRow) (int, error) {
	return r.insertBatch(ctx, len(rows), insertRawCSVQuery, func(i int) []interface{} {
		row := rows[i]
		return []interface{}{
			row.Symbol, row.Name, row.PriceUSD, row.MarketCapUSD, row.Volume24hUSD,
			row.PercentChange24h, string(row.RawData), row.SourceFile, row.RowNumber, row.DataTimestamp,
		}
	})
}

// insertBatch executes the prepared insert for each row inside a single
// transaction and sums rows actually affected. A database error rolls back
// the whole batch; partially archived fetches would otherwise defeat the
// dedup keys on replay.
func (r *rawRepo) insertBatch(ctx context.Context, n int, query string, argsAt func(int) []interface{}) (int, error) {
	if n == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(n/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare raw insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, argsAt(i)...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert raw row %d: %w", i, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit raw batch: %w", err)
	}
	return inserted, nil
}
