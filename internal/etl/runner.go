// Package etl orchestrates ingestion runs: per-source lifecycle rows,
// fetch-archive-normalize-resolve-upsert, checkpoint advancement, and the
// periodic scheduler driving all sources.
package etl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/ingest"
	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/persistence"
	"github.com/kasparro/coinetl/internal/resolve"
)

// RunMetrics receives the outcome of every run. The HTTP layer's metrics
// registry satisfies it; a nil metrics sink is tolerated.
type RunMetrics interface {
	TrackETLRun(source, status string, durationSeconds float64, processed int)
}

// RunResult summarizes one completed run.
type RunResult struct {
	RunID            string
	SourceName       string
	Status           string
	DurationSeconds  int
	RecordsFetched   int
	RecordsProcessed int
	RecordsFailed    int
	Err              error
}

// Runner executes the ETL pipeline for a set of sources.
type Runner struct {
	store    *persistence.Store
	resolver *resolve.Resolver
	metrics  RunMetrics
	sources  []ingest.Source
	logger   zerolog.Logger
}

// NewRunner wires the pipeline over a store and its entity resolver.
func NewRunner(store *persistence.Store, resolver *resolve.Resolver, metrics RunMetrics, sources ...ingest.Source) *Runner {
	return &Runner{
		store:    store,
		resolver: resolver,
		metrics:  metrics,
		sources:  sources,
		logger:   logpkg.Component("etl"),
	}
}

// Sources returns the registered sources in registration order.
func (r *Runner) Sources() []ingest.Source {
	return r.sources
}

// RunSource executes one full run for a single source. Failures are
// captured in the result and the run row; they are never returned as a Go
// error because one source failing must not disturb the others.
func (r *Runner) RunSource(ctx context.Context, source ingest.Source) RunResult {
	runID := uuid.New().String()
	name := source.Name()
	startedAt := time.Now().UTC()

	logger := r.logger.With().Str("run_id", runID).Str("source", name).Logger()
	logger.Info().Msg("starting ETL run")

	// A failure to record the start is logged but the run proceeds; the
	// completion write below repairs the row if it exists.
	if err := r.store.Runs.InsertRunning(ctx, runID, name, startedAt); err != nil {
		logger.Error().Err(err).Msg("failed to record ETL run start")
	}

	var fetched, processed, failed int
	status := persistence.RunStatusSuccess
	var runErr error

	records, err := source.Fetch(ctx)
	if err != nil {
		runErr = err
	} else {
		fetched = len(records)
		logger.Info().Int("count", fetched).Msg("fetched data")
		processed, failed, runErr = r.process(ctx, runID, source, records, startedAt)
	}

	if runErr != nil {
		status = persistence.RunStatusFailed
		logger.Error().Err(runErr).Msg("ETL run failed")
		if err := r.store.Checkpoints.MarkFailure(ctx, name, runErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to record checkpoint failure")
		}
	}

	completedAt := time.Now().UTC()
	duration := int(completedAt.Sub(startedAt).Seconds())
	errorMessage := ""
	if runErr != nil {
		errorMessage = runErr.Error()
	}
	if err := r.store.Runs.Finalize(ctx, runID, status, completedAt, duration, fetched, processed, failed, errorMessage); err != nil {
		logger.Error().Err(err).Msg("failed to record ETL run completion")
	}

	if r.metrics != nil {
		r.metrics.TrackETLRun(name, status, float64(duration), processed)
	}

	logger.Info().
		Str("status", status).
		Int("duration_seconds", duration).
		Int("records_processed", processed).
		Int("records_failed", failed).
		Msg("ETL run completed")

	return RunResult{
		RunID:            runID,
		SourceName:       name,
		Status:           status,
		DurationSeconds:  duration,
		RecordsFetched:   fetched,
		RecordsProcessed: processed,
		RecordsFailed:    failed,
		Err:              runErr,
	}
}

// process archives the batch, then normalizes and resolves record by
// record. Per-record failures are counted and skipped; storage failures
// abort the run. On success the source's checkpoint advances, even for an
// empty batch.
func (r *Runner) process(ctx context.Context, runID string, source ingest.Source, records []map[string]interface{}, startedAt time.Time) (processed, failed int, err error) {
	logger := r.logger.With().Str("run_id", runID).Str("source", source.Name()).Logger()

	saved, err := source.SaveRaw(ctx, records, startedAt)
	if err != nil {
		return 0, 0, err
	}
	logger.Info().Int("count", saved).Msg("saved raw data")

	batch := make([]persistence.NormalizedRecord, 0, len(records))
	for _, record := range records {
		rec, normErr := source.Normalize(record, startedAt)
		if normErr != nil {
			logger.Warn().Err(normErr).Msg("failed to normalize record")
			failed++
			continue
		}
		masterID, resolveErr := r.resolver.Resolve(ctx, rec.Source, rec.SourceID, rec.Symbol, rec.Name)
		if resolveErr != nil {
			logger.Warn().Err(resolveErr).Str("source_id", rec.SourceID).Msg("failed to resolve entity")
			failed++
			continue
		}
		rec.MasterCoinID = &masterID
		batch = append(batch, rec)
	}

	if err := r.store.Normalized.UpsertBatch(ctx, batch); err != nil {
		return 0, failed, err
	}
	processed = len(batch)
	logger.Info().Int("processed", processed).Int("failed", failed).Msg("normalized and saved data")

	// A checkpoint that fails to advance is logged but never turns a
	// completed run into a failure; the next run simply replays the same
	// window and the upsert keeps that idempotent.
	value, cpErr := source.NextCheckpoint(ctx, startedAt, len(records))
	if cpErr == nil {
		metadata := map[string]interface{}{
			"run_id":            runID,
			"records_processed": processed,
		}
		cpErr = r.store.Checkpoints.MarkSuccess(ctx, source.Name(), value, metadata)
	}
	if cpErr != nil {
		logger.Error().Err(cpErr).Msg("failed to advance checkpoint")
	}
	return processed, failed, nil
}

// RunAll runs every source concurrently and waits for all of them.
func (r *Runner) RunAll(ctx context.Context) []RunResult {
	r.logger.Info().Msg("running ETL for all sources")

	results := make([]RunResult, len(r.sources))
	var wg sync.WaitGroup
	for i, source := range r.sources {
		wg.Add(1)
		go func(i int, source ingest.Source) {
			defer wg.Done()
			results[i] = r.RunSource(ctx, source)
		}(i, source)
	}
	wg.Wait()

	r.logger.Info().Msg("completed ETL for all sources")
	return results
}
