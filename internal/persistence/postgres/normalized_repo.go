package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kasparro/coinetl/internal/persistence"
)

// normalizedRepo implements NormalizedRepo for PostgreSQL.
type normalizedRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewNormalizedRepo creates a PostgreSQL normalized-data repository.
func NewNormalizedRepo(db *sqlx.DB, timeout time.Duration) persistence.NormalizedRepo {
	return &normalizedRepo{
		db:      db,
		timeout: timeout,
	}
}

const upsertNormalizedQuery = `
	INSERT INTO normalized_crypto_data (
		source, source_id, master_coin_id, symbol, name,
		price_usd, market_cap_usd, volume_24h_usd, rank,
		circulating_supply, total_supply, max_supply,
		percent_change_24h, additional_data, data_timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (source, source_id, data_timestamp) DO UPDATE SET
		master_coin_id = EXCLUDED.master_coin_id,
		price_usd = EXCLUDED.price_usd,
		market_cap_usd = EXCLUDED.market_cap_usd,
		volume_24h_usd = EXCLUDED.volume_24h_usd`

// UpsertBatch writes records atomically; a conflict on the natural key
// refreshes the mutable price fields instead of erroring.
func (r *normalizedRepo) UpsertBatch(ctx context.Context, records []persistence.NormalizedRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(records)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertNormalizedQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		additionalJSON, err := marshalJSONB(rec.AdditionalData)
		if err != nil {
			return fmt.Errorf("failed to marshal additional_data for %s/%s: %w", rec.Source, rec.SourceID, err)
		}

		_, err = stmt.ExecContext(ctx,
			rec.Source, rec.SourceID, rec.MasterCoinID, rec.Symbol, rec.Name,
			rec.PriceUSD, rec.MarketCapUSD, rec.Volume24hUSD, rec.Rank,
			rec.CirculatingSupply, rec.TotalSupply, rec.MaxSupply,
			rec.PercentChange24h, additionalJSON, rec.DataTimestamp)
		if err != nil {
			return fmt.Errorf("failed to upsert normalized record %s/%s: %w", rec.Source, rec.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit normalized batch: %w", err)
	}
	return nil
}

const selectNormalizedColumns = `
	SELECT id, source, source_id, master_coin_id, symbol, name,
	       price_usd, market_cap_usd, volume_24h_usd, rank,
	       circulating_supply, total_supply, max_supply,
	       percent_change_24h, additional_data, data_timestamp, created_at
	FROM normalized_crypto_data`

// Page returns one page of records plus the total matching count, ordered
// newest first with id as the tiebreaker.
func (r *normalizedRepo) Page(ctx context.Context, filter persistence.DataFilter) ([]persistence.NormalizedRecord, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var conds []string
	var args []interface{}

	if filter.Source != "" {
		args = append(args, filter.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Symbol != "" {
		args = append(args, strings.ToUpper(filter.Symbol))
		conds = append(conds, fmt.Sprintf("UPPER(symbol) = $%d", len(args)))
	}
	if filter.StartDate != nil {
		args = append(args, *filter.StartDate)
		conds = append(conds, fmt.Sprintf("data_timestamp >= $%d", len(args)))
	}
	if filter.EndDate != nil {
		args = append(args, *filter.EndDate)
		conds = append(conds, fmt.Sprintf("data_timestamp <= $%d", len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM normalized_crypto_data"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count normalized records: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	query := selectNormalizedColumns + where +
		fmt.Sprintf(" ORDER BY data_timestamp DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query normalized records: %w", err)
	}
	defer rows.Close()

	records, err := scanNormalizedRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Count returns the total number of normalized records.
func (r *normalizedRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var total int64
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM normalized_crypto_data"); err != nil {
		return 0, fmt.Errorf("failed to count normalized records: %w", err)
	}
	return total, nil
}

func scanNormalizedRows(rows *sql.Rows) ([]persistence.NormalizedRecord, error) {
	var records []persistence.NormalizedRecord

	for rows.Next() {
		var rec persistence.NormalizedRecord
		var masterCoinID sql.NullInt64
		var rank sql.NullInt32
		var additionalJSON []byte

		err := rows.Scan(
			&rec.ID, &rec.Source, &rec.SourceID, &masterCoinID, &rec.Symbol, &rec.Name,
			&rec.PriceUSD, &rec.MarketCapUSD, &rec.Volume24hUSD, &rank,
			&rec.CirculatingSupply, &rec.TotalSupply, &rec.MaxSupply,
			&rec.PercentChange24h, &additionalJSON, &rec.DataTimestamp, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan normalized record: %w", err)
		}

		if masterCoinID.Valid {
			id := masterCoinID.Int64
			rec.MasterCoinID = &id
		}
		if rank.Valid {
			n := int(rank.Int32)
			rec.Rank = &n
		}
		if len(additionalJSON) > 0 {
			if err := json.Unmarshal(additionalJSON, &rec.AdditionalData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal additional_data: %w", err)
			}
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate normalized records: %w", err)
	}
	return records, nil
}

// marshalJSONB renders a map for a JSONB bind parameter. The value is bound
// as text so the server casts it, and a nil map becomes an empty object.
func marshalJSONB(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
