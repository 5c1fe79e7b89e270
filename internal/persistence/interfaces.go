// Package persistence defines the storage contracts and domain records for
// the ETL pipeline and the read API. Implementations live in the postgres
// subpackage.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Run statuses as stored in etl_runs.status.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Source names as stored in checkpoint and run rows.
const (
	SourceCoinPaprika = "coinpaprika"
	SourceCoinGecko   = "coingecko"
	SourceCSV         = "csv"
)

// NormalizedRecord is one row of the unified market-data table. Numeric
// fields are arbitrary-precision decimals and stay null when the upstream
// value was missing or null.
type NormalizedRecord struct {
	ID                int64                  `json:"id" db:"id"`
	Source            string                 `json:"source" db:"source"`
	SourceID          string                 `json:"source_id" db:"source_id"`
	MasterCoinID      *int64                 `json:"master_coin_id,omitempty" db:"master_coin_id"`
	Symbol            string                 `json:"symbol" db:"symbol"`
	Name              string                 `json:"name" db:"name"`
	PriceUSD          decimal.NullDecimal    `json:"price_usd" db:"price_usd"`
	MarketCapUSD      decimal.NullDecimal    `json:"market_cap_usd" db:"market_cap_usd"`
	Volume24hUSD      decimal.NullDecimal    `json:"volume_24h_usd" db:"volume_24h_usd"`
	Rank              *int                   `json:"rank,omitempty" db:"rank"`
	CirculatingSupply decimal.NullDecimal    `json:"circulating_supply" db:"circulating_supply"`
	TotalSupply       decimal.NullDecimal    `json:"total_supply" db:"total_supply"`
	MaxSupply         decimal.NullDecimal    `json:"max_supply" db:"max_supply"`
	PercentChange24h  decimal.NullDecimal    `json:"percent_change_24h" db:"percent_change_24h"`
	AdditionalData    map[string]interface{} `json:"additional_data,omitempty" db:"-"`
	DataTimestamp     time.Time              `json:"data_timestamp" db:"data_timestamp"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
}

// RawCoinPaprikaRow is one archived CoinPaprika ticker payload.
type RawCoinPaprikaRow struct {
	CoinID            string
	Symbol            sql.NullString
	Name              sql.NullString
	Rank              sql.NullInt32
	PriceUSD          decimal.NullDecimal
	Volume24hUSD      decimal.NullDecimal
	MarketCapUSD      decimal.NullDecimal
	CirculatingSupply decimal.NullDecimal
	TotalSupply       decimal.NullDecimal
	MaxSupply         decimal.NullDecimal
	PercentChange1h   decimal.NullDecimal
	PercentChange24h  decimal.NullDecimal
	PercentChange7d   decimal.NullDecimal
	RawData           []byte
	DataTimestamp     time.Time
}

// RawCoinGeckoRow is one archived CoinGecko markets payload.
type RawCoinGeckoRow struct {
	CoinID                   string
	Symbol                   sql.NullString
	Name                     sql.NullString
	CurrentPrice             decimal.NullDecimal
	MarketCap                decimal.NullDecimal
	MarketCapRank            sql.NullInt32
	TotalVolume              decimal.NullDecimal
	High24h                  decimal.NullDecimal
	Low24h                   decimal.NullDecimal
	PriceChange24h           decimal.NullDecimal
	PriceChangePercentage24h decimal.NullDecimal
	CirculatingSupply        decimal.NullDecimal
	TotalSupply              decimal.NullDecimal
	MaxSupply                decimal.NullDecimal
	ATH                      decimal.NullDecimal
	ATL                      decimal.NullDecimal
	RawData                  []byte
	DataTimestamp            time.Time
}

// RawCSVRow is one archived CSV row. RowNumber is the absolute 1-based data
// row index in the source file and pairs with SourceFile as the dedup key.
type RawCSVRow struct {
	Symbol           string
	Name             string
	PriceUSD         decimal.NullDecimal
	MarketCapUSD     decimal.NullDecimal
	Volume24hUSD     decimal.NullDecimal
	PercentChange24h decimal.NullDecimal
	RawData          []byte
	SourceFile       string
	RowNumber        int
	DataTimestamp    time.Time
}

// MasterCoin is the canonical identity row shared across sources.
type MasterCoin struct {
	ID          int64     `json:"id" db:"id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Name        string    `json:"name" db:"name"`
	CanonicalID string    `json:"canonical_id" db:"canonical_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SourceMapping links a source-local identifier to a master coin.
type SourceMapping struct {
	ID           int64     `json:"id" db:"id"`
	MasterCoinID int64     `json:"master_coin_id" db:"master_coin_id"`
	Source       string    `json:"source" db:"source"`
	SourceID     string    `json:"source_id" db:"source_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Checkpoint tracks incremental progress per source. CheckpointValue is
// opaque text interpreted by the owning source: an RFC3339 timestamp for the
// HTTP sources, a row count for the CSV source.
type Checkpoint struct {
	SourceName      string                 `db:"source_name"`
	CheckpointValue sql.NullString         `db:"checkpoint_value"`
	LastSuccessAt   sql.NullTime           `db:"last_success_at"`
	LastFailureAt   sql.NullTime           `db:"last_failure_at"`
	FailureReason   sql.NullString         `db:"failure_reason"`
	Metadata        map[string]interface{} `db:"-"`
	UpdatedAt       time.Time              `db:"updated_at"`
}

// Run is one ETL run row.
type Run struct {
	RunID            string         `json:"run_id" db:"run_id"`
	SourceName       string         `json:"source_name" db:"source_name"`
	Status           string         `json:"status" db:"status"`
	StartedAt        time.Time      `json:"started_at" db:"started_at"`
	CompletedAt      sql.NullTime   `json:"completed_at" db:"completed_at"`
	DurationSeconds  sql.NullInt64  `json:"duration_seconds" db:"duration_seconds"`
	RecordsFetched   int            `json:"records_fetched" db:"records_fetched"`
	RecordsProcessed int            `json:"records_processed" db:"records_processed"`
	RecordsFailed    int            `json:"records_failed" db:"records_failed"`
	ErrorMessage     sql.NullString `json:"error_message" db:"error_message"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// DataFilter narrows and pages reads of normalized records. Page is 1-based.
type DataFilter struct {
	Source    string
	Symbol    string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	PageSize  int
}

// RunFilter narrows run listings.
type RunFilter struct {
	Limit  int
	Source string
	Status string
}

// SourceStats aggregates run history for one source.
type SourceStats struct {
	Records     int64
	LastRun     *time.Time
	LastSuccess *time.Time
	LastFailure *time.Time
}

// StatsSummary aggregates run history across all sources.
type StatsSummary struct {
	TotalRuns              int64
	LastSuccess            *time.Time
	LastFailure            *time.Time
	TotalRecordsProcessed  int64
	AverageDurationSeconds *float64
	Sources                map[string]SourceStats
}

// RawRepo archives source payloads verbatim. Each batch runs in a single
// transaction; inserts deduplicate on the per-source natural key and the
// returned count excludes conflict-skipped rows.
type RawRepo interface {
	InsertCoinPaprikaBatch(ctx context.Context, rows []RawCoinPaprikaRow) (int, error)
	InsertCoinGeckoBatch(ctx context.Context, rows []RawCoinGeckoRow) (int, error)
	InsertCSVBatch(ctx context.Context, rows []RawCSVRow) (int, error)
}

// NormalizedRepo stores and serves unified records.
type NormalizedRepo interface {
	// UpsertBatch writes records in one transaction, updating price, market
	// cap, volume, and master_coin_id on (source, source_id, data_timestamp)
	// conflicts. Any database error rolls back the whole batch.
	UpsertBatch(ctx context.Context, records []NormalizedRecord) error
	// Page returns one page of records plus the total count matching the
	// filter, newest first (data_timestamp DESC, id DESC).
	Page(ctx context.Context, filter DataFilter) ([]NormalizedRecord, int64, error)
	Count(ctx context.Context) (int64, error)
}

// CoinsRepo maintains master coins and their per-source mappings.
type CoinsRepo interface {
	// LookupMapping returns the mapped master coin id for a source-local
	// identifier, reporting presence explicitly.
	LookupMapping(ctx context.Context, source, sourceID string) (int64, bool, error)
	// FindBySymbol returns the master coin with the given (upper-case)
	// symbol, or nil when none exists.
	FindBySymbol(ctx context.Context, symbol string) (*MasterCoin, error)
	// UpsertMasterCoin inserts a master coin; on a symbol conflict it
	// refreshes the name and returns the existing id.
	UpsertMasterCoin(ctx context.Context, symbol, name, canonicalID string) (int64, error)
	// InsertMapping records a (source, source_id) → master coin link,
	// ignoring duplicates.
	InsertMapping(ctx context.Context, masterCoinID int64, source, sourceID string) error
}

// CheckpointsRepo persists per-source progress markers.
type CheckpointsRepo interface {
	// Get returns the checkpoint for a source, or nil when none exists.
	Get(ctx context.Context, sourceName string) (*Checkpoint, error)
	// MarkSuccess advances the checkpoint value and success timestamp and
	// replaces the metadata.
	MarkSuccess(ctx context.Context, sourceName, value string, metadata map[string]interface{}) error
	// MarkFailure records the failure timestamp and reason. The checkpoint
	// value is never touched.
	MarkFailure(ctx context.Context, sourceName, reason string) error
}

// RunsRepo tracks ETL run lifecycle rows and serves run analytics reads.
type RunsRepo interface {
	InsertRunning(ctx context.Context, runID, sourceName string, startedAt time.Time) error
	Finalize(ctx context.Context, runID, status string, completedAt time.Time, durationSeconds, fetched, processed, failed int, errorMessage string) error
	// Get returns a run by id, or nil when unknown.
	Get(ctx context.Context, runID string) (*Run, error)
	List(ctx context.Context, filter RunFilter) ([]Run, error)
	// Window returns runs started at or after since, ordered by source name
	// and recency.
	Window(ctx context.Context, since time.Time) ([]Run, error)
	// LatestSuccess returns the most recently completed successful run, or
	// nil when none exists.
	LatestSuccess(ctx context.Context) (*Run, error)
	Stats(ctx context.Context) (*StatsSummary, error)
	// LastSuccessEpochs returns, per source, the Unix time of the latest
	// successful completion.
	LastSuccessEpochs(ctx context.Context) (map[string]float64, error)
}

// Store aggregates the repositories handed to the pipeline and the API.
type Store struct {
	Raw         RawRepo
	Normalized  NormalizedRepo
	Coins       CoinsRepo
	Checkpoints CheckpointsRepo
	Runs        RunsRepo
}
