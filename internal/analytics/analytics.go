// Package analytics compares ETL runs and flags runs that deviate from a
// source's recent history.
package analytics

import (
	"errors"
	"fmt"
	"math"

	"github.com/kasparro/coinetl/internal/persistence"
)

// ErrSourceMismatch reports an attempt to compare runs produced by
// different sources.
var ErrSourceMismatch = errors.New("cannot compare runs from different sources")

// Deviation thresholds, in percent.
const (
	recordsChangeThreshold  = 50
	durationChangeThreshold = 100
)

// Comparison describes how a second run diverged from a baseline run.
type Comparison struct {
	Run1ID                 string   `json:"run1_id"`
	Run2ID                 string   `json:"run2_id"`
	SourceName             string   `json:"source_name"`
	RecordsDiff            int      `json:"records_diff"`
	DurationDiffSeconds    int      `json:"duration_diff_seconds"`
	RecordsDiffPercentage  float64  `json:"records_diff_percentage"`
	DurationDiffPercentage float64  `json:"duration_diff_percentage"`
	AnomalyDetected        bool     `json:"anomaly_detected"`
	AnomalyReasons         []string `json:"anomaly_reasons"`
}

// Report flags a source's latest run against the runs before it.
type Report struct {
	RunID      string   `json:"run_id"`
	SourceName string   `json:"source_name"`
	Anomalies  []string `json:"anomalies"`
	Severity   string   `json:"severity"`
}

// Compare diffs run2 against run1. Percentages are relative to run1 and
// zero when run1 carries no baseline; every crossed threshold adds a
// reason.
func Compare(run1, run2 persistence.Run) (Comparison, error) {
	if run1.SourceName != run2.SourceName {
		return Comparison{}, ErrSourceMismatch
	}

	recordsDiff := run2.RecordsProcessed - run1.RecordsProcessed
	durationDiff := int(durationOf(run2) - durationOf(run1))

	var recordsPct, durationPct float64
	if run1.RecordsProcessed > 0 {
		recordsPct = float64(recordsDiff) / float64(run1.RecordsProcessed) * 100
	}
	if baseline := durationOf(run1); baseline > 0 {
		durationPct = float64(durationDiff) / float64(baseline) * 100
	}

	reasons := []string{}
	if math.Abs(recordsPct) > recordsChangeThreshold {
		reasons = append(reasons, fmt.Sprintf("Records changed by %.1f%% (threshold: 50%%)", recordsPct))
	}
	if math.Abs(durationPct) > durationChangeThreshold {
		reasons = append(reasons, fmt.Sprintf("Duration changed by %.1f%% (threshold: 100%%)", durationPct))
	}
	if run2.RecordsProcessed == 0 {
		reasons = append(reasons, "No records processed in second run")
	}

	return Comparison{
		Run1ID:                 run1.RunID,
		Run2ID:                 run2.RunID,
		SourceName:             run1.SourceName,
		RecordsDiff:            recordsDiff,
		DurationDiffSeconds:    durationDiff,
		RecordsDiffPercentage:  round2(recordsPct),
		DurationDiffPercentage: round2(durationPct),
		AnomalyDetected:        len(reasons) > 0,
		AnomalyReasons:         reasons,
	}, nil
}

// DetectAnomalies inspects runs ordered by source name and recency,
// checking each source's latest run against the average of the runs
// before it. Sources with fewer than two runs in the window are skipped.
func DetectAnomalies(runs []persistence.Run) []Report {
	order := []string{}
	bySource := map[string][]persistence.Run{}
	for _, run := range runs {
		if _, seen := bySource[run.SourceName]; !seen {
			order = append(order, run.SourceName)
		}
		bySource[run.SourceName] = append(bySource[run.SourceName], run)
	}

	reports := []Report{}
	for _, source := range order {
		history := bySource[source]
		if len(history) < 2 {
			continue
		}

		latest := history[0]
		previous := history[1:]
		var avgRecords, avgDuration float64
		for _, run := range previous {
			avgRecords += float64(run.RecordsProcessed)
			avgDuration += float64(durationOf(run))
		}
		avgRecords /= float64(len(previous))
		avgDuration /= float64(len(previous))

		anomalies := []string{}
		if latest.Status == persistence.RunStatusFailed {
			anomalies = append(anomalies, "ETL run failed")
		}
		if avgRecords > 0 {
			deviation := math.Abs(float64(latest.RecordsProcessed)-avgRecords) / avgRecords * 100
			if deviation > recordsChangeThreshold {
				anomalies = append(anomalies, fmt.Sprintf(
					"Records processed (%d) deviates %.1f%% from average (%.0f)",
					latest.RecordsProcessed, deviation, avgRecords))
			}
		}
		if avgDuration > 0 {
			deviation := math.Abs(float64(durationOf(latest))-avgDuration) / avgDuration * 100
			if deviation > durationChangeThreshold {
				anomalies = append(anomalies, fmt.Sprintf(
					"Duration (%ds) deviates %.1f%% from average (%.0fs)",
					durationOf(latest), deviation, avgDuration))
			}
		}
		if float64(latest.RecordsFailed) > float64(latest.RecordsProcessed)*0.1 {
			anomalies = append(anomalies, fmt.Sprintf("High failure rate: %d records failed", latest.RecordsFailed))
		}

		if len(anomalies) == 0 {
			continue
		}
		reports = append(reports, Report{
			RunID:      latest.RunID,
			SourceName: source,
			Anomalies:  anomalies,
			Severity:   severityOf(latest.Status, len(anomalies)),
		})
	}
	return reports
}

func severityOf(status string, anomalies int) string {
	switch {
	case status == persistence.RunStatusFailed || anomalies >= 3:
		return "high"
	case anomalies >= 2:
		return "medium"
	default:
		return "low"
	}
}

// durationOf returns a run's wall time in seconds, zero when the run
// never finished.
func durationOf(run persistence.Run) int64 {
	if run.DurationSeconds.Valid {
		return run.DurationSeconds.Int64
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
