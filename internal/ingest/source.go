// Package ingest implements the three data sources feeding the pipeline:
// two rate-limited HTTP providers and an incremental CSV reader. Sources
// expose a uniform contract the run loop drives.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kasparro/coinetl/internal/normalize"
	"github.com/kasparro/coinetl/internal/persistence"
)

// Source is the contract every data source implements for the run loop.
// Fetch returns records in the source's canonical map form; the remaining
// methods consume that form.
type Source interface {
	Name() string
	// Fetch retrieves the current batch. A returned error means the run
	// fails without consuming the checkpoint.
	Fetch(ctx context.Context) ([]map[string]interface{}, error)
	// Validate reports whether a record is structurally usable. HTTP
	// sources also run the advisory drift check here.
	Validate(record map[string]interface{}) bool
	// SaveRaw archives the valid records of a batch stamped with ts,
	// returning how many rows were actually written.
	SaveRaw(ctx context.Context, records []map[string]interface{}, ts time.Time) (int, error)
	// Normalize converts one record into the unified form stamped with ts.
	Normalize(record map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error)
	// NextCheckpoint computes the checkpoint value to store after a
	// successful run that fetched n records.
	NextCheckpoint(ctx context.Context, startedAt time.Time, fetched int) (string, error)
}

// ErrCircuitOpen reports a provider whose breaker refused the call.
var ErrCircuitOpen = gobreaker.ErrOpenState

// guard wraps provider HTTP calls with a circuit breaker and rate pacing.
// The breaker opens after three consecutive failures; pacing spaces
// consecutive calls by the configured interval, applied after each call so
// a fresh process never delays its first fetch.
type guard struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	client  *http.Client
	logger  zerolog.Logger
}

func newGuard(name string, spacing time.Duration, logger zerolog.Logger) *guard {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}

	return &guard{
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Every(spacing), 1),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// get performs one GET through the breaker and paces the next call.
func (g *guard) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}

	// The response is already in hand; a context ending during the pacing
	// wait must not fail the fetch.
	if waitErr := g.limiter.Wait(ctx); waitErr != nil && !errors.Is(waitErr, context.Canceled) && !errors.Is(waitErr, context.DeadlineExceeded) {
		g.logger.Warn().Err(waitErr).Msg("rate limiter wait failed")
	}

	return result.([]byte), nil
}

// numericFieldsValid checks that every listed field, when present and
// non-null, parses as a number.
func numericFieldsValid(logger zerolog.Logger, record map[string]interface{}, fields ...string) bool {
	for _, field := range fields {
		value, ok := record[field]
		if !ok || value == nil {
			continue
		}
		if _, err := normalize.Number(value); err != nil {
			logger.Warn().Str("field", field).Err(err).Msg("record failed numeric validation")
			return false
		}
	}
	return true
}

// requiredString checks that a field is a non-empty string.
func requiredString(record map[string]interface{}, field string) (string, bool) {
	s, ok := record[field].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func nullString(value interface{}) sql.NullString {
	if s, ok := value.(string); ok && s != "" {
		return sql.NullString{String: s, Valid: true}
	}
	return sql.NullString{}
}

func nullInt32(value interface{}) sql.NullInt32 {
	n, err := normalize.Int(value)
	if err != nil || n == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*n), Valid: true}
}

// numberOrNull converts a validated value, mapping the unparsable to null.
func numberOrNull(value interface{}) decimal.NullDecimal {
	d, err := normalize.Number(value)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return d
}
