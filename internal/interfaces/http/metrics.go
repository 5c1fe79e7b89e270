package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/persistence"
)

// PoolStats reports open database connections; the connection manager
// satisfies it.
type PoolStats interface {
	OpenConnections() int
}

// Metrics holds the service's Prometheus metrics. ETL counters are fed by
// the runner, API metrics by the per-route instrumentation, and the three
// gauges refresh from the database on every scrape.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RecordsProcessed *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec

	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	DBConnections     prometheus.Gauge
	NormalizedRecords prometheus.Gauge
	LastSuccess       *prometheus.GaugeVec

	registry *prometheus.Registry
	store    *persistence.Store
	pools    PoolStats
	logger   zerolog.Logger
}

// NewMetrics creates the metric set on a dedicated registry. store and
// pools back the scrape-time gauges and may be nil only in tests that never
// scrape.
func NewMetrics(store *persistence.Store, pools PoolStats) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_runs_total",
				Help: "Total number of ETL runs",
			},
			[]string{"source", "status"},
		),

		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etl_records_processed_total",
				Help: "Total number of records processed",
			},
			[]string{"source"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "etl_duration_seconds",
				Help:    "ETL run duration in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"source"},
		),

		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"endpoint", "method", "status_code"},
		),

		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_latency_seconds",
				Help:    "API request latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),

		DBConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),

		NormalizedRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "normalized_records_total",
				Help: "Total number of records in normalized table",
			},
		),

		LastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "etl_last_success_timestamp",
				Help: "Timestamp of last successful ETL run",
			},
			[]string{"source"},
		),

		registry: prometheus.NewRegistry(),
		store:    store,
		pools:    pools,
		logger:   logpkg.Component("metrics"),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.RecordsProcessed,
		m.RunDuration,
		m.APIRequests,
		m.APILatency,
		m.DBConnections,
		m.NormalizedRecords,
		m.LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// TrackETLRun records the outcome of one ETL run. Processed records count
// toward the total only on success.
func (m *Metrics) TrackETLRun(source, status string, durationSeconds float64, processed int) {
	m.RunsTotal.WithLabelValues(source, status).Inc()
	m.RunDuration.WithLabelValues(source).Observe(durationSeconds)
	if status == persistence.RunStatusSuccess {
		m.RecordsProcessed.WithLabelValues(source).Add(float64(processed))
	}
}

// TrackAPIRequest records one served API request.
func (m *Metrics) TrackAPIRequest(endpoint, method string, statusCode int, latencySeconds float64) {
	m.APIRequests.WithLabelValues(endpoint, method, strconv.Itoa(statusCode)).Inc()
	m.APILatency.WithLabelValues(endpoint).Observe(latencySeconds)
}

// refresh updates the database-derived gauges from current state.
func (m *Metrics) refresh(ctx context.Context) error {
	if m.pools != nil {
		m.DBConnections.Set(float64(m.pools.OpenConnections()))
	}
	if m.store == nil {
		return nil
	}

	count, err := m.store.Normalized.Count(ctx)
	if err != nil {
		return err
	}
	m.NormalizedRecords.Set(float64(count))

	epochs, err := m.store.Runs.LastSuccessEpochs(ctx)
	if err != nil {
		return err
	}
	for source, epoch := range epochs {
		m.LastSuccess.WithLabelValues(source).Set(epoch)
	}
	return nil
}

// Handler serves the Prometheus exposition. Gauges refresh before each
// scrape; a refresh failure is logged and the scrape proceeds with stale
// values.
func (m *Metrics) Handler() http.Handler {
	exposition := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := m.refresh(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("failed to refresh database gauges")
		}
		exposition.ServeHTTP(w, r)
	})
}
