package analytics

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasparro/coinetl/internal/persistence"
)

func run(id, source, status string, processed, failed int, durationSeconds int64) persistence.Run {
	return persistence.Run{
		RunID:            id,
		SourceName:       source,
		Status:           status,
		RecordsProcessed: processed,
		RecordsFailed:    failed,
		DurationSeconds:  sql.NullInt64{Int64: durationSeconds, Valid: true},
	}
}

func TestCompareDetectsRecordDropAndSlowdown(t *testing.T) {
	run1 := run("run-1", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 1000, 0, 60)
	run2 := run("run-2", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 400, 0, 140)

	cmp, err := Compare(run1, run2)
	require.NoError(t, err)

	assert.Equal(t, "run-1", cmp.Run1ID)
	assert.Equal(t, "run-2", cmp.Run2ID)
	assert.Equal(t, persistence.SourceCoinPaprika, cmp.SourceName)
	assert.Equal(t, -600, cmp.RecordsDiff)
	assert.Equal(t, 80, cmp.DurationDiffSeconds)
	assert.Equal(t, -60.0, cmp.RecordsDiffPercentage)
	assert.Equal(t, 133.33, cmp.DurationDiffPercentage)
	assert.True(t, cmp.AnomalyDetected)
	require.Len(t, cmp.AnomalyReasons, 2)
	assert.Equal(t, "Records changed by -60.0% (threshold: 50%)", cmp.AnomalyReasons[0])
	assert.Equal(t, "Duration changed by 133.3% (threshold: 100%)", cmp.AnomalyReasons[1])
}

func TestCompareSimilarRuns(t *testing.T) {
	run1 := run("run-1", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 500, 0, 30)
	run2 := run("run-2", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 510, 0, 31)

	cmp, err := Compare(run1, run2)
	require.NoError(t, err)

	assert.Equal(t, 10, cmp.RecordsDiff)
	assert.Equal(t, 1, cmp.DurationDiffSeconds)
	assert.Equal(t, 2.0, cmp.RecordsDiffPercentage)
	assert.False(t, cmp.AnomalyDetected)
	assert.NotNil(t, cmp.AnomalyReasons)
	assert.Empty(t, cmp.AnomalyReasons)
}

func TestCompareThresholdsAreStrict(t *testing.T) {
	// Exactly +50% records and exactly +100% duration sit on the
	// thresholds and must not be flagged.
	run1 := run("run-1", persistence.SourceCSV, persistence.RunStatusSuccess, 1000, 0, 60)
	run2 := run("run-2", persistence.SourceCSV, persistence.RunStatusSuccess, 1500, 0, 120)

	cmp, err := Compare(run1, run2)
	require.NoError(t, err)

	assert.Equal(t, 50.0, cmp.RecordsDiffPercentage)
	assert.Equal(t, 100.0, cmp.DurationDiffPercentage)
	assert.False(t, cmp.AnomalyDetected)
}

func TestCompareEmptyBaseline(t *testing.T) {
	run1 := run("run-1", persistence.SourceCoinPaprika, persistence.RunStatusFailed, 0, 0, 0)
	run2 := run("run-2", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 0, 0, 10)

	cmp, err := Compare(run1, run2)
	require.NoError(t, err)

	assert.Zero(t, cmp.RecordsDiffPercentage)
	assert.Zero(t, cmp.DurationDiffPercentage)
	assert.True(t, cmp.AnomalyDetected)
	require.Len(t, cmp.AnomalyReasons, 1)
	assert.Equal(t, "No records processed in second run", cmp.AnomalyReasons[0])
}

func TestCompareRejectsCrossSource(t *testing.T) {
	run1 := run("run-1", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 100, 0, 10)
	run2 := run("run-2", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 100, 0, 10)

	_, err := Compare(run1, run2)
	require.ErrorIs(t, err, ErrSourceMismatch)
}

func TestDetectAnomaliesRecordDeviation(t *testing.T) {
	runs := []persistence.Run{
		run("latest", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 100, 0, 60),
		run("older-1", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 1000, 0, 58),
		run("older-2", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 1000, 0, 62),
	}

	reports := DetectAnomalies(runs)

	require.Len(t, reports, 1)
	report := reports[0]
	assert.Equal(t, "latest", report.RunID)
	assert.Equal(t, persistence.SourceCoinPaprika, report.SourceName)
	assert.Equal(t, "low", report.Severity)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, "Records processed (100) deviates 90.0% from average (1000)", report.Anomalies[0])
}

func TestDetectAnomaliesFailedRunIsHighSeverity(t *testing.T) {
	latest := persistence.Run{
		RunID:      "latest",
		SourceName: persistence.SourceCoinGecko,
		Status:     persistence.RunStatusFailed,
	}
	runs := []persistence.Run{
		latest,
		run("older", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 800, 0, 45),
	}

	reports := DetectAnomalies(runs)

	require.Len(t, reports, 1)
	assert.Equal(t, "high", reports[0].Severity)
	assert.Contains(t, reports[0].Anomalies, "ETL run failed")
}

func TestDetectAnomaliesDurationAndRecordsIsMedium(t *testing.T) {
	runs := []persistence.Run{
		run("latest", persistence.SourceCSV, persistence.RunStatusSuccess, 100, 0, 300),
		run("older-1", persistence.SourceCSV, persistence.RunStatusSuccess, 1000, 0, 60),
		run("older-2", persistence.SourceCSV, persistence.RunStatusSuccess, 1000, 0, 60),
	}

	reports := DetectAnomalies(runs)

	require.Len(t, reports, 1)
	report := reports[0]
	assert.Equal(t, "medium", report.Severity)
	require.Len(t, report.Anomalies, 2)
	assert.Equal(t, "Records processed (100) deviates 90.0% from average (1000)", report.Anomalies[0])
	assert.Equal(t, "Duration (300s) deviates 400.0% from average (60s)", report.Anomalies[1])
}

func TestDetectAnomaliesHighFailureRate(t *testing.T) {
	runs := []persistence.Run{
		run("latest", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 100, 20, 60),
		run("older", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 100, 0, 60),
	}

	reports := DetectAnomalies(runs)

	require.Len(t, reports, 1)
	require.Len(t, reports[0].Anomalies, 1)
	assert.Equal(t, "High failure rate: 20 records failed", reports[0].Anomalies[0])
	assert.Equal(t, "low", reports[0].Severity)
}

func TestDetectAnomaliesSkipsSourcesWithOneRun(t *testing.T) {
	runs := []persistence.Run{
		run("only", persistence.SourceCSV, persistence.RunStatusFailed, 0, 0, 0),
	}

	reports := DetectAnomalies(runs)

	assert.NotNil(t, reports)
	assert.Empty(t, reports)
}

func TestDetectAnomaliesHealthyHistory(t *testing.T) {
	runs := []persistence.Run{
		run("latest", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 995, 3, 61),
		run("older-1", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 1000, 0, 60),
		run("older-2", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 990, 1, 59),
	}

	assert.Empty(t, DetectAnomalies(runs))
}

func TestDetectAnomaliesKeepsSourceOrder(t *testing.T) {
	runs := []persistence.Run{
		run("gecko-latest", persistence.SourceCoinGecko, persistence.RunStatusFailed, 0, 0, 0),
		run("gecko-older", persistence.SourceCoinGecko, persistence.RunStatusSuccess, 500, 0, 40),
		run("paprika-latest", persistence.SourceCoinPaprika, persistence.RunStatusFailed, 0, 0, 0),
		run("paprika-older", persistence.SourceCoinPaprika, persistence.RunStatusSuccess, 500, 0, 40),
	}

	reports := DetectAnomalies(runs)

	require.Len(t, reports, 2)
	assert.Equal(t, "gecko-latest", reports[0].RunID)
	assert.Equal(t, "paprika-latest", reports[1].RunID)
}
