package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kasparro/coinetl/internal/persistence"
)

// runsRepo implements RunsRepo for PostgreSQL.
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a PostgreSQL ETL-run repository.
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunsRepo {
	return &runsRepo{
		db:      db,
		timeout: timeout,
	}
}

const selectRunColumns = `
	SELECT run_id, source_name, status, started_at, completed_at,
	       duration_seconds, records_fetched, records_processed,
	       records_failed, error_message, created_at
	FROM etl_runs`

func (r *runsRepo) InsertRunning(ctx context.Context, runID, sourceName string, startedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO etl_runs (run_id, source_name, status, started_at)
		 VALUES ($1, $2, $3, $4)`,
		runID, sourceName, persistence.RunStatusRunning, startedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run id %s: %w", runID, err)
		}
		return fmt.Errorf("failed to insert run row %s: %w", runID, err)
	}
	return nil
}

func (r *runsRepo) Finalize(ctx context.Context, runID, status string, completedAt time.Time, durationSeconds, fetched, processed, failed int, errorMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE etl_runs SET
		     status = $2,
		     completed_at = $3,
		     duration_seconds = $4,
		     records_fetched = $5,
		     records_processed = $6,
		     records_failed = $7,
		     error_message = NULLIF($8, '')
		 WHERE run_id = $1`,
		runID, status, completedAt, durationSeconds, fetched, processed, failed, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}
	return nil
}

func (r *runsRepo) Get(ctx context.Context, runID string) (*persistence.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var run persistence.Run
	err := r.db.GetContext(ctx, &run, selectRunColumns+` WHERE run_id = $1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return &run, nil
}

func (r *runsRepo) List(ctx context.Context, filter persistence.RunFilter) ([]persistence.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var conds []string
	var args []interface{}

	if filter.Source != "" {
		args = append(args, filter.Source)
		conds = append(conds, fmt.Sprintf("source_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := selectRunColumns
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args))

	var runs []persistence.Run
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (r *runsRepo) Window(ctx context.Context, since time.Time) ([]persistence.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var runs []persistence.Run
	err := r.db.SelectContext(ctx, &runs,
		selectRunColumns+` WHERE started_at >= $1 ORDER BY source_name, started_at DESC`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to query run window: %w", err)
	}
	return runs, nil
}

func (r *runsRepo) LatestSuccess(ctx context.Context) (*persistence.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var run persistence.Run
	err := r.db.GetContext(ctx, &run,
		selectRunColumns+` WHERE status = $1 ORDER BY completed_at DESC LIMIT 1`,
		persistence.RunStatusSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest successful run: %w", err)
	}
	return &run, nil
}

func (r *runsRepo) Stats(ctx context.Context) (*persistence.StatsSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var agg struct {
		TotalRuns    int64           `db:"total_runs"`
		LastSuccess  sql.NullTime    `db:"last_success"`
		LastFailure  sql.NullTime    `db:"last_failure"`
		TotalRecords int64           `db:"total_records"`
		AvgDuration  sql.NullFloat64 `db:"avg_duration"`
	}
	err := r.db.GetContext(ctx, &agg, `
		SELECT COUNT(*) AS total_runs,
		       MAX(CASE WHEN status = 'success' THEN completed_at END) AS last_success,
		       MAX(CASE WHEN status = 'failed' THEN completed_at END) AS last_failure,
		       COALESCE(SUM(records_processed), 0) AS total_records,
		       AVG(duration_seconds) AS avg_duration
		FROM etl_runs`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate run stats: %w", err)
	}

	summary := &persistence.StatsSummary{
		TotalRuns:             agg.TotalRuns,
		LastSuccess:           nullTimePtr(agg.LastSuccess),
		LastFailure:           nullTimePtr(agg.LastFailure),
		TotalRecordsProcessed: agg.TotalRecords,
		Sources:               make(map[string]persistence.SourceStats),
	}
	if agg.AvgDuration.Valid {
		avg := agg.AvgDuration.Float64
		summary.AverageDurationSeconds = &avg
	}

	var perSource []struct {
		SourceName  string       `db:"source_name"`
		Records     int64        `db:"records"`
		LastRun     sql.NullTime `db:"last_run"`
		LastSuccess sql.NullTime `db:"last_success"`
		LastFailure sql.NullTime `db:"last_failure"`
	}
	err = r.db.SelectContext(ctx, &perSource, `
		SELECT source_name,
		       COALESCE(SUM(records_processed), 0) AS records,
		       MAX(completed_at) AS last_run,
		       MAX(CASE WHEN status = 'success' THEN completed_at END) AS last_success,
		       MAX(CASE WHEN status = 'failed' THEN completed_at END) AS last_failure
		FROM etl_runs
		GROUP BY source_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate per-source stats: %w", err)
	}

	for _, row := range perSource {
		summary.Sources[row.SourceName] = persistence.SourceStats{
			Records:     row.Records,
			LastRun:     nullTimePtr(row.LastRun),
			LastSuccess: nullTimePtr(row.LastSuccess),
			LastFailure: nullTimePtr(row.LastFailure),
		}
	}
	return summary, nil
}

func (r *runsRepo) LastSuccessEpochs(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []struct {
		SourceName string  `db:"source_name"`
		Epoch      float64 `db:"epoch"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT source_name, EXTRACT(EPOCH FROM MAX(completed_at)) AS epoch
		FROM etl_runs
		WHERE status = $1
		GROUP BY source_name`,
		persistence.RunStatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to query last success epochs: %w", err)
	}

	epochs := make(map[string]float64, len(rows))
	for _, row := range rows {
		epochs[row.SourceName] = row.Epoch
	}
	return epochs, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
