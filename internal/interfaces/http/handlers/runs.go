package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/kasparro/coinetl/internal/analytics"
	"github.com/kasparro/coinetl/internal/persistence"
)

// Query bounds for /runs and /anomalies.
const (
	defaultRunsLimit    = 10
	maxRunsLimit        = 100
	defaultAnomalyHours = 24
	maxAnomalyHours     = 168
)

type runSummary struct {
	RunID            string     `json:"run_id"`
	SourceName       string     `json:"source_name"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	DurationSeconds  *int64     `json:"duration_seconds"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsFailed    int        `json:"records_failed"`
}

// Runs lists recent ETL runs, newest first, optionally filtered by source
// and status.
func (h *Handlers) Runs(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultRunsLimit, 1, maxRunsLimit)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	filter := persistence.RunFilter{
		Limit:  limit,
		Source: r.URL.Query().Get("source"),
		Status: r.URL.Query().Get("status"),
	}
	runs, err := h.store.Runs.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch runs")
		WriteInternalError(w, r)
		return
	}

	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary{
			RunID:            run.RunID,
			SourceName:       run.SourceName,
			Status:           run.Status,
			StartedAt:        run.StartedAt,
			CompletedAt:      nullTimePtr(run.CompletedAt),
			DurationSeconds:  nullInt64Ptr(run.DurationSeconds),
			RecordsProcessed: run.RecordsProcessed,
			RecordsFailed:    run.RecordsFailed,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// CompareRuns diffs two runs of the same source and flags anomalous
// divergence between them.
func (h *Handlers) CompareRuns(w http.ResponseWriter, r *http.Request) {
	run1ID := r.URL.Query().Get("run1_id")
	run2ID := r.URL.Query().Get("run2_id")
	if run1ID == "" || run2ID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "run1_id and run2_id are required")
		return
	}

	run1, err := h.store.Runs.Get(r.Context(), run1ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch run")
		WriteInternalError(w, r)
		return
	}
	run2, err := h.store.Runs.Get(r.Context(), run2ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch run")
		WriteInternalError(w, r)
		return
	}
	if run1 == nil || run2 == nil {
		writeError(w, r, http.StatusNotFound, "One or both run IDs not found")
		return
	}

	comparison, err := analytics.Compare(*run1, *run2)
	if errors.Is(err, analytics.ErrSourceMismatch) {
		writeError(w, r, http.StatusUnprocessableEntity, "Cannot compare runs from different sources")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to compare runs")
		WriteInternalError(w, r)
		return
	}
	writeJSON(w, http.StatusOK, comparison)
}

// Anomalies reports sources whose latest run deviates from its recent
// history inside the lookback window.
func (h *Handlers) Anomalies(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "hours", defaultAnomalyHours, 1, maxAnomalyHours)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	runs, err := h.store.Runs.Window(r.Context(), since)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch run window")
		WriteInternalError(w, r)
		return
	}

	writeJSON(w, http.StatusOK, analytics.DetectAnomalies(runs))
}
