// Package handlers implements the JSON endpoints of the read API.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/persistence"
	"github.com/kasparro/coinetl/internal/persistence/postgres"
)

// Service identity reported by the banner endpoint.
const (
	ServiceName    = "Kasparro Backend & ETL System"
	ServiceVersion = "1.0.0"
)

// Database is the slice of the connection manager the API needs: the
// health probe and the admin migration surface.
type Database interface {
	Ping(ctx context.Context) (time.Duration, error)
	Migrate(ctx context.Context) error
	TableCounts(ctx context.Context) (map[string]postgres.TableStatus, error)
}

// Handlers serves every JSON endpoint over the API-pool store.
type Handlers struct {
	store           *persistence.Store
	database        Database
	migrationSecret string
	logger          zerolog.Logger
}

// New builds the handler set. An empty migrationSecret disables the admin
// endpoints.
func New(store *persistence.Store, database Database, migrationSecret string) *Handlers {
	return &Handlers{
		store:           store,
		database:        database,
		migrationSecret: migrationSecret,
		logger:          logpkg.Component("api"),
	}
}

type contextKey int

const requestIDKey contextKey = 0

// WithRequestID stamps the per-request correlation id into the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request's correlation id, or "unknown" for a
// context that never passed the middleware.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure here means the client went away mid-response.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, RequestID: RequestIDFrom(r.Context())})
}

// WriteInternalError writes the uncaught-error response. The recovery
// middleware uses it after a handler panic.
func WriteInternalError(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusInternalServerError, "Internal server error")
}

// Root serves the liveness banner.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": ServiceName,
		"version": ServiceVersion,
		"status":  "running",
	})
}

// NotFound handles unknown routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "Not Found")
}

// MethodNotAllowed handles known routes hit with the wrong verb.
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed")
}

// intQuery parses an integer query parameter with inclusive bounds; max <= 0
// leaves the parameter unbounded above.
func intQuery(r *http.Request, name string, fallback, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < min || (max > 0 && v > max) {
		if max > 0 {
			return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
		}
		return 0, fmt.Errorf("%s must be at least %d", name, min)
	}
	return v, nil
}

// dateQuery accepts RFC3339 timestamps or bare dates.
func dateQuery(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be an ISO-8601 timestamp", name)
}

func floatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
