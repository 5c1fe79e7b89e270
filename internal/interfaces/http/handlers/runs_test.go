package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasparro/coinetl/internal/analytics"
	"github.com/kasparro/coinetl/internal/persistence"
)

func TestRunsListsWithDefaults(t *testing.T) {
	f := newFixture("")
	completed := testRun("run-1", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 500, 2, 38)
	running := persistence.Run{
		RunID:      "run-2",
		SourceName: persistence.SourceCSV,
		Status:     persistence.RunStatusRunning,
		StartedAt:  time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
	}
	f.runs.list = []persistence.Run{running, completed}

	rec := get(t, f.handlers.Runs, "/runs")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, persistence.RunFilter{Limit: 10}, f.runs.filter)

	var body []runSummary
	decode(t, rec, &body)
	require.Len(t, body, 2)

	assert.Equal(t, "run-2", body[0].RunID)
	assert.Nil(t, body[0].CompletedAt, "running rows have no completion")
	assert.Nil(t, body[0].DurationSeconds)

	assert.Equal(t, "run-1", body[1].RunID)
	require.NotNil(t, body[1].DurationSeconds)
	assert.Equal(t, int64(38), *body[1].DurationSeconds)
	assert.Equal(t, 500, body[1].RecordsProcessed)
	assert.Equal(t, 2, body[1].RecordsFailed)
}

func TestRunsPassesFiltersThrough(t *testing.T) {
	f := newFixture("")

	rec := get(t, f.handlers.Runs, "/runs?limit=5&source=csv&status=failed")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, persistence.RunFilter{Limit: 5, Source: "csv", Status: "failed"}, f.runs.filter)
}

func TestRunsValidatesLimit(t *testing.T) {
	for _, query := range []string{"limit=0", "limit=101", "limit=ten"} {
		f := newFixture("")

		rec := get(t, f.handlers.Runs, "/runs?"+query)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, query)
	}
}

func TestRunsRepositoryFailure(t *testing.T) {
	f := newFixture("")
	f.runs.listErr = errors.New("query timeout")

	rec := get(t, f.handlers.Runs, "/runs")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCompareRunsRequiresBothIDs(t *testing.T) {
	for _, query := range []string{"", "run1_id=a", "run2_id=b"} {
		f := newFixture("")

		rec := get(t, f.handlers.CompareRuns, "/compare-runs?"+query)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, query)
		var body errorResponse
		decode(t, rec, &body)
		assert.Equal(t, "run1_id and run2_id are required", body.Error)
	}
}

func TestCompareRunsUnknownID(t *testing.T) {
	f := newFixture("")
	f.runs.byID["run-1"] = testRun("run-1", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 100, 0, 30)

	rec := get(t, f.handlers.CompareRuns, "/compare-runs?run1_id=run-1&run2_id=ghost")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "One or both run IDs not found", body.Error)
}

func TestCompareRunsCrossSource(t *testing.T) {
	f := newFixture("")
	f.runs.byID["run-1"] = testRun("run-1", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 100, 0, 30)
	f.runs.byID["run-2"] = testRun("run-2", persistence.SourceCSV, persistence.RunStatusSuccess, 100, 0, 30)

	rec := get(t, f.handlers.CompareRuns, "/compare-runs?run1_id=run-1&run2_id=run-2")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "Cannot compare runs from different sources", body.Error)
}

func TestCompareRunsFlagsDivergence(t *testing.T) {
	f := newFixture("")
	f.runs.byID["run-1"] = testRun("run-1", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 1000, 0, 60)
	f.runs.byID["run-2"] = testRun("run-2", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 400, 0, 140)

	rec := get(t, f.handlers.CompareRuns, "/compare-runs?run1_id=run-1&run2_id=run-2")

	require.Equal(t, http.StatusOK, rec.Code)
	var body analytics.Comparison
	decode(t, rec, &body)

	assert.Equal(t, "run-1", body.Run1ID)
	assert.Equal(t, "run-2", body.Run2ID)
	assert.Equal(t, persistence.SourceCoinGecko, body.SourceName)
	assert.Equal(t, -600, body.RecordsDiff)
	assert.InDelta(t, -60.0, body.RecordsDiffPercentage, 0.001)
	assert.InDelta(t, 133.33, body.DurationDiffPercentage, 0.001)
	assert.True(t, body.AnomalyDetected)
	assert.Len(t, body.AnomalyReasons, 2)
}

func TestCompareRunsRepositoryFailure(t *testing.T) {
	f := newFixture("")
	f.runs.getErr = errors.New("query timeout")

	rec := get(t, f.handlers.CompareRuns, "/compare-runs?run1_id=a&run2_id=b")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAnomaliesLookbackWindow(t *testing.T) {
	f := newFixture("")

	rec := get(t, f.handlers.Anomalies, "/anomalies?hours=48")

	require.Equal(t, http.StatusOK, rec.Code)
	expected := time.Now().UTC().Add(-48 * time.Hour)
	assert.WithinDuration(t, expected, f.runs.since, time.Minute)
	assert.Contains(t, rec.Body.String(), "[]", "no runs means no reports, not null")
}

func TestAnomaliesDefaultsToOneDay(t *testing.T) {
	f := newFixture("")

	rec := get(t, f.handlers.Anomalies, "/anomalies")

	require.Equal(t, http.StatusOK, rec.Code)
	expected := time.Now().UTC().Add(-24 * time.Hour)
	assert.WithinDuration(t, expected, f.runs.since, time.Minute)
}

func TestAnomaliesValidatesHours(t *testing.T) {
	for _, query := range []string{"hours=0", "hours=169"} {
		f := newFixture("")

		rec := get(t, f.handlers.Anomalies, "/anomalies?"+query)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, query)
		var body errorResponse
		decode(t, rec, &body)
		assert.Equal(t, "hours must be between 1 and 168", body.Error)
	}
}

func TestAnomaliesReportsFailedLatestRun(t *testing.T) {
	f := newFixture("")
	f.runs.window = []persistence.Run{
		testRun("run-3", persistence.SourceCSV, persistence.RunStatusFailed, 0, 0, 5),
		testRun("run-2", persistence.SourceCSV, persistence.RunStatusSuccess, 900, 0, 30),
		testRun("run-1", persistence.SourceCSV, persistence.RunStatusSuccess, 910, 0, 32),
	}

	rec := get(t, f.handlers.Anomalies, "/anomalies")

	require.Equal(t, http.StatusOK, rec.Code)
	var body []analytics.Report
	decode(t, rec, &body)
	require.Len(t, body, 1)
	assert.Equal(t, "run-3", body[0].RunID)
	assert.Equal(t, "high", body[0].Severity)
	assert.Contains(t, body[0].Anomalies, "ETL run failed")
}

func TestAnomaliesRepositoryFailure(t *testing.T) {
	f := newFixture("")
	f.runs.windowErr = errors.New("query timeout")

	rec := get(t, f.handlers.Anomalies, "/anomalies")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
