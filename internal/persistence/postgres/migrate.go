package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

// migrationTables lists every table the schema creates, in creation order.
var migrationTables = []string{
	"master_coins",
	"coin_source_mappings",
	"raw_coinpaprika",
	"raw_coingecko",
	"raw_csv",
	"normalized_crypto_data",
	"etl_checkpoints",
	"etl_runs",
}

// Migrate applies the embedded schema. Statements are idempotent, so
// rerunning against a provisioned database is safe.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// TableStatus reports existence and row count for one table.
type TableStatus struct {
	Exists bool  `json:"exists"`
	Count  int64 `json:"count"`
}

// TableCounts inspects every schema table. Missing tables are reported, not
// treated as errors, so the endpoint stays useful before first migration.
func TableCounts(ctx context.Context, db *sqlx.DB) (map[string]TableStatus, error) {
	statuses := make(map[string]TableStatus, len(migrationTables))

	for _, table := range migrationTables {
		var regclass *string
		if err := db.GetContext(ctx, &regclass, "SELECT to_regclass($1)", table); err != nil {
			return nil, fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if regclass == nil {
			statuses[table] = TableStatus{Exists: false}
			continue
		}

		var count int64
		// Table names come from the fixed list above, never from input.
		if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+table); err != nil {
			return nil, fmt.Errorf("failed to count table %s: %w", table, err)
		}
		statuses[table] = TableStatus{Exists: true, Count: count}
	}
	return statuses, nil
}
