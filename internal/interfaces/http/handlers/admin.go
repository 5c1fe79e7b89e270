package handlers

import (
	"net/http"
)

type migrationResult struct {
	Status string  `json:"status"`
	Error  *string `json:"error"`
}

type migrateResponse struct {
	Message string                     `json:"message"`
	Results map[string]migrationResult `json:"results"`
}

// authorized checks the static migration secret. An unset secret rejects
// every request, keeping the admin surface closed by default.
func (h *Handlers) authorized(r *http.Request) bool {
	return h.migrationSecret != "" && r.Header.Get("X-Migration-Secret") == h.migrationSecret
}

// Migrate applies the embedded schema. Failures are reported per script in
// the body rather than through the status code, so callers see which step
// broke.
func (h *Handlers) Migrate(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, r, http.StatusForbidden, "Invalid migration secret")
		return
	}

	result := migrationResult{Status: "success"}
	if err := h.database.Migrate(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("schema migration failed")
		msg := err.Error()
		result = migrationResult{Status: "failed", Error: &msg}
	} else {
		h.logger.Info().Msg("schema migration completed")
	}

	writeJSON(w, http.StatusOK, migrateResponse{
		Message: "Migrations completed",
		Results: map[string]migrationResult{"schema_migration": result},
	})
}

// HealthDetailed reports table existence and row counts behind the same
// secret as the migration endpoint.
func (h *Handlers) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, r, http.StatusForbidden, "Invalid migration secret")
		return
	}

	tables, err := h.database.TableCounts(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("detailed health check failed")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"tables": tables,
	})
}
