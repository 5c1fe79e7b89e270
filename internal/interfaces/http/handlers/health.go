package handlers

import (
	"net/http"
	"time"
)

type databaseHealth struct {
	Connected bool    `json:"connected"`
	LatencyMS float64 `json:"latency_ms"`
}

type etlHealth struct {
	LastRun          *time.Time `json:"last_run"`
	Status           string     `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
}

type healthResponse struct {
	Status   string         `json:"status"`
	Database databaseHealth `json:"database"`
	ETL      etlHealth      `json:"etl"`
}

// Health reports database reachability and the most recent successful ETL
// run. The service is healthy iff the database answers the ping; a failed
// ETL status read degrades the payload, not the status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	db := databaseHealth{}
	if latency, err := h.database.Ping(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("database ping failed")
	} else {
		db.Connected = true
		db.LatencyMS = round2(float64(latency.Nanoseconds()) / 1e6)
	}

	etl := etlHealth{Status: "unknown"}
	if latest, err := h.store.Runs.LatestSuccess(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("failed to fetch ETL status")
	} else if latest != nil {
		etl.LastRun = nullTimePtr(latest.CompletedAt)
		etl.Status = latest.Status
		etl.RecordsProcessed = latest.RecordsProcessed
	}

	status := "unhealthy"
	if db.Connected {
		status = "healthy"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:   status,
		Database: db,
		ETL:      etl,
	})
}
