package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasparro/coinetl/internal/persistence"
)

func TestStatsAggregates(t *testing.T) {
	success := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	failure := time.Date(2024, 2, 28, 9, 30, 0, 0, time.UTC)
	avg := 41.5

	f := newFixture("")
	f.runs.stats = &persistence.StatsSummary{
		TotalRuns:              12,
		LastSuccess:            &success,
		LastFailure:            &failure,
		TotalRecordsProcessed:  4800,
		AverageDurationSeconds: &avg,
		Sources: map[string]persistence.SourceStats{
			persistence.SourceCoinPaprika: {Records: 3000, LastRun: &success, LastSuccess: &success},
			persistence.SourceCSV:         {Records: 1800, LastRun: &failure, LastFailure: &failure},
		},
	}

	rec := get(t, f.handlers.Stats, "/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	var body statsResponse
	decode(t, rec, &body)

	assert.Equal(t, int64(12), body.TotalRuns)
	assert.Equal(t, int64(4800), body.TotalRecordsProcessed)
	require.NotNil(t, body.AverageDurationSeconds)
	assert.InDelta(t, 41.5, *body.AverageDurationSeconds, 0.001)
	require.NotNil(t, body.LastSuccess)
	assert.Equal(t, success, body.LastSuccess.UTC())

	require.Len(t, body.Sources, 2)
	paprika := body.Sources[persistence.SourceCoinPaprika]
	assert.Equal(t, int64(3000), paprika.Records)
	assert.Nil(t, paprika.LastFailure)

	csv := body.Sources[persistence.SourceCSV]
	assert.Equal(t, int64(1800), csv.Records)
	require.NotNil(t, csv.LastFailure)
}

func TestStatsBeforeFirstRun(t *testing.T) {
	f := newFixture("")
	f.runs.stats = &persistence.StatsSummary{Sources: map[string]persistence.SourceStats{}}

	rec := get(t, f.handlers.Stats, "/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	var body statsResponse
	decode(t, rec, &body)

	assert.Zero(t, body.TotalRuns)
	assert.Nil(t, body.LastSuccess)
	assert.Nil(t, body.AverageDurationSeconds)
	assert.Empty(t, body.Sources)
}

func TestStatsRepositoryFailure(t *testing.T) {
	f := newFixture("")
	f.runs.statsErr = errors.New("query timeout")

	rec := get(t, f.handlers.Stats, "/stats")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "Internal server error", body.Error)
}
