// Package db manages the two PostgreSQL connection pools and builds the
// repository stores over them.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kasparro/coinetl/internal/persistence"
	"github.com/kasparro/coinetl/internal/persistence/postgres"
)

// Config holds connection settings for both pools. The API pool serves read
// endpoints; the ETL pool serves ingestion writes so a slow scrape cannot
// starve the pipeline.
type Config struct {
	APIURL string
	ETLURL string

	APIMaxOpenConns int
	APIMaxIdleConns int
	ETLMaxOpenConns int
	ETLMaxIdleConns int

	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns the pool sizing the service runs with: 10 base + 20
// overflow connections for the API, 5 base + 10 overflow for the ETL side.
func DefaultConfig() Config {
	return Config{
		APIMaxOpenConns: 30,
		APIMaxIdleConns: 10,
		ETLMaxOpenConns: 15,
		ETLMaxIdleConns: 5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager owns the two pools and the stores built over them.
type Manager struct {
	apiDB    *sqlx.DB
	etlDB    *sqlx.DB
	config   Config
	apiStore *persistence.Store
	etlStore *persistence.Store
}

// NewManager opens and verifies both pools.
func NewManager(config Config) (*Manager, error) {
	if config.APIURL == "" || config.ETLURL == "" {
		return nil, fmt.Errorf("both database URLs are required")
	}

	apiDB, err := openPool(config.APIURL, config.APIMaxOpenConns, config.APIMaxIdleConns, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open API pool: %w", err)
	}

	etlDB, err := openPool(config.ETLURL, config.ETLMaxOpenConns, config.ETLMaxIdleConns, config)
	if err != nil {
		apiDB.Close()
		return nil, fmt.Errorf("failed to open ETL pool: %w", err)
	}

	return &Manager{
		apiDB:    apiDB,
		etlDB:    etlDB,
		config:   config,
		apiStore: buildStore(apiDB, config.QueryTimeout),
		etlStore: buildStore(etlDB, config.QueryTimeout),
	}, nil
}

func openPool(dsn string, maxOpen, maxIdle int, config Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func buildStore(db *sqlx.DB, timeout time.Duration) *persistence.Store {
	return &persistence.Store{
		Raw:         postgres.NewRawRepo(db, timeout),
		Normalized:  postgres.NewNormalizedRepo(db, timeout),
		Coins:       postgres.NewCoinsRepo(db, timeout),
		Checkpoints: postgres.NewCheckpointsRepo(db, timeout),
		Runs:        postgres.NewRunsRepo(db, timeout),
	}
}

// APIStore returns the repositories backed by the API pool.
func (m *Manager) APIStore() *persistence.Store {
	return m.apiStore
}

// ETLStore returns the repositories backed by the ETL pool.
func (m *Manager) ETLStore() *persistence.Store {
	return m.etlStore
}

// Migrate applies the embedded schema through the ETL pool.
func (m *Manager) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, m.etlDB)
}

// TableCounts inspects schema tables through the API pool.
func (m *Manager) TableCounts(ctx context.Context) (map[string]postgres.TableStatus, error) {
	return postgres.TableCounts(ctx, m.apiDB)
}

// Ping verifies API-pool connectivity and reports the round-trip latency.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := m.apiDB.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to ping database: %w", err)
	}
	return time.Since(start), nil
}

// OpenConnections reports open connections across both pools.
func (m *Manager) OpenConnections() int {
	return m.apiDB.Stats().OpenConnections + m.etlDB.Stats().OpenConnections
}

// Stats exposes pool statistics for diagnostics.
func (m *Manager) Stats() map[string]interface{} {
	api := m.apiDB.Stats()
	etl := m.etlDB.Stats()
	return map[string]interface{}{
		"api_pool": map[string]interface{}{
			"open_connections": api.OpenConnections,
			"in_use":           api.InUse,
			"idle":             api.Idle,
			"wait_count":       api.WaitCount,
			"max_open":         m.config.APIMaxOpenConns,
		},
		"etl_pool": map[string]interface{}{
			"open_connections": etl.OpenConnections,
			"in_use":           etl.InUse,
			"idle":             etl.Idle,
			"wait_count":       etl.WaitCount,
			"max_open":         m.config.ETLMaxOpenConns,
		},
	}
}

// Close shuts down both pools.
func (m *Manager) Close() error {
	var firstErr error
	if err := m.apiDB.Close(); err != nil {
		firstErr = err
	}
	if err := m.etlDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
