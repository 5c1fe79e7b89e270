package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kasparro/coinetl/internal/persistence"
)

// checkpointsRepo implements CheckpointsRepo for PostgreSQL.
type checkpointsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCheckpointsRepo creates a PostgreSQL checkpoint repository.
func NewCheckpointsRepo(db *sqlx.DB, timeout time.Duration) persistence.CheckpointsRepo {
	return &checkpointsRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *checkpointsRepo) Get(ctx context.Context, sourceName string) (*persistence.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT source_name, checkpoint_value, last_success_at, last_failure_at,
		        failure_reason, metadata, updated_at
		 FROM etl_checkpoints WHERE source_name = $1`,
		sourceName)

	var cp persistence.Checkpoint
	var metadataJSON []byte
	err := row.Scan(&cp.SourceName, &cp.CheckpointValue, &cp.LastSuccessAt,
		&cp.LastFailureAt, &cp.FailureReason, &metadataJSON, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", sourceName, err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint metadata for %s: %w", sourceName, err)
		}
	}
	return &cp, nil
}

// MarkSuccess advances the checkpoint. The upsert keeps the write safe even
// if the seeded row was removed.
func (r *checkpointsRepo) MarkSuccess(ctx context.Context, sourceName, value string, metadata map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := marshalJSONB(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint metadata for %s: %w", sourceName, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO etl_checkpoints (source_name, checkpoint_value, last_success_at, metadata, updated_at)
		 VALUES ($1, $2, now(), $3, now())
		 ON CONFLICT (source_name) DO UPDATE SET
		     checkpoint_value = EXCLUDED.checkpoint_value,
		     last_success_at = EXCLUDED.last_success_at,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		sourceName, value, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint success for %s: %w", sourceName, err)
	}
	return nil
}

// MarkFailure records the failure without touching checkpoint_value, so a
// failed run never loses ingestion progress.
func (r *checkpointsRepo) MarkFailure(ctx context.Context, sourceName, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO etl_checkpoints (source_name, last_failure_at, failure_reason, updated_at)
		 VALUES ($1, now(), $2, now())
		 ON CONFLICT (source_name) DO UPDATE SET
		     last_failure_at = EXCLUDED.last_failure_at,
		     failure_reason = EXCLUDED.failure_reason,
		     updated_at = EXCLUDED.updated_at`,
		sourceName, reason)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint failure for %s: %w", sourceName, err)
	}
	return nil
}
