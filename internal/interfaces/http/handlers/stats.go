package handlers

import (
	"net/http"
	"time"
)

type sourceStats struct {
	Records     int64      `json:"records"`
	LastRun     *time.Time `json:"last_run"`
	LastSuccess *time.Time `json:"last_success"`
	LastFailure *time.Time `json:"last_failure"`
}

type statsResponse struct {
	TotalRuns              int64                  `json:"total_runs"`
	LastSuccess            *time.Time             `json:"last_success"`
	LastFailure            *time.Time             `json:"last_failure"`
	TotalRecordsProcessed  int64                  `json:"total_records_processed"`
	AverageDurationSeconds *float64               `json:"average_duration_seconds"`
	Sources                map[string]sourceStats `json:"sources"`
}

// Stats serves aggregate run history: totals, last success and failure
// timestamps, average duration, and per-source breakdowns.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.Runs.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).
			Str("request_id", RequestIDFrom(r.Context())).
			Msg("failed to fetch stats")
		WriteInternalError(w, r)
		return
	}

	sources := make(map[string]sourceStats, len(summary.Sources))
	for name, s := range summary.Sources {
		sources[name] = sourceStats{
			Records:     s.Records,
			LastRun:     s.LastRun,
			LastSuccess: s.LastSuccess,
			LastFailure: s.LastFailure,
		}
	}

	writeJSON(w, http.StatusOK, statsResponse{
		TotalRuns:              summary.TotalRuns,
		LastSuccess:            summary.LastSuccess,
		LastFailure:            summary.LastFailure,
		TotalRecordsProcessed:  summary.TotalRecordsProcessed,
		AverageDurationSeconds: summary.AverageDurationSeconds,
		Sources:                sources,
	})
}
