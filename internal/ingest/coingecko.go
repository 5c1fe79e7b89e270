package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/config"
	"github.com/kasparro/coinetl/internal/drift"
	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/normalize"
	"github.com/kasparro/coinetl/internal/persistence"
)

// coinGeckoFields are the canonical record keys lifted verbatim from each
// markets row.
var coinGeckoFields = []string{
	"symbol", "name", "current_price", "market_cap", "market_cap_rank",
	"total_volume", "high_24h", "low_24h", "price_change_24h",
	"price_change_percentage_24h", "circulating_supply", "total_supply",
	"max_supply", "ath", "atl",
}

// CoinGecko ingests the coins/markets endpoint of the CoinGecko API.
type CoinGecko struct {
	baseURL string
	apiKey  string
	raw     persistence.RawRepo
	guard   *guard
	drift   *drift.Detector
	logger  zerolog.Logger
}

// NewCoinGecko builds the CoinGecko source from runtime configuration.
func NewCoinGecko(cfg *config.Config, raw persistence.RawRepo) *CoinGecko {
	logger := logpkg.Component("source").With().Str("source", persistence.SourceCoinGecko).Logger()
	return &CoinGecko{
		baseURL: cfg.CoinGeckoBaseURL,
		apiKey:  cfg.CoinGeckoAPIKey,
		raw:     raw,
		guard:   newGuard(persistence.SourceCoinGecko, cfg.RateSpacing(), logger),
		drift:   drift.NewDetector(persistence.SourceCoinGecko, drift.CoinGeckoSchema),
		logger:  logger,
	}
}

func (s *CoinGecko) Name() string { return persistence.SourceCoinGecko }

// Fetch retrieves one page of USD market data ordered by market cap.
func (s *CoinGecko) Fetch(ctx context.Context) ([]map[string]interface{}, error) {
	s.logger.Info().Msg("fetching data from CoinGecko API")

	headers := map[string]string{}
	if s.apiKey != "" {
		headers["x-cg-demo-api-key"] = s.apiKey
	}

	params := url.Values{
		"vs_currency": {"usd"},
		"order":       {"market_cap_desc"},
		"per_page":    {"100"},
		"page":        {"1"},
		"sparkline":   {"false"},
	}
	body, err := s.guard.get(ctx, s.baseURL+"/coins/markets?"+params.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("coingecko fetch: %w", err)
	}

	var payload []map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("coingecko response decode: %w", err)
	}

	records := make([]map[string]interface{}, 0, len(payload))
	for _, item := range payload {
		record := map[string]interface{}{"coin_id": item["id"]}
		for _, field := range coinGeckoFields {
			record[field] = item[field]
		}
		records = append(records, record)
	}

	s.logger.Info().Int("count", len(records)).Msg("fetched data from CoinGecko")
	return records, nil
}

// Validate runs the advisory drift check, then the structural rules.
func (s *CoinGecko) Validate(record map[string]interface{}) bool {
	s.drift.LogSummary(s.drift.Detect(record))

	if _, ok := requiredString(record, "coin_id"); !ok {
		s.logger.Warn().Interface("record", record).Msg("validation failed: missing coin_id")
		return false
	}
	return numericFieldsValid(s.logger, record,
		"current_price", "market_cap", "market_cap_rank", "total_volume",
		"high_24h", "low_24h", "price_change_24h", "price_change_percentage_24h",
		"circulating_supply", "total_supply", "max_supply", "ath", "atl")
}

// SaveRaw archives the valid records of a batch into raw_coingecko.
func (s *CoinGecko) SaveRaw(ctx context.Context, records []map[string]interface{}, ts time.Time) (int, error) {
	rows := make([]persistence.RawCoinGeckoRow, 0, len(records))
	for _, record := range records {
		if !s.Validate(record) {
			continue
		}
		rawJSON, err := json.Marshal(record)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode raw record")
			continue
		}
		coinID, _ := requiredString(record, "coin_id")
		rows = append(rows, persistence.RawCoinGeckoRow{
			CoinID:                   coinID,
			Symbol:                   nullString(record["symbol"]),
			Name:                     nullString(record["name"]),
			CurrentPrice:             numberOrNull(record["current_price"]),
			MarketCap:                numberOrNull(record["market_cap"]),
			MarketCapRank:            nullInt32(record["market_cap_rank"]),
			TotalVolume:              numberOrNull(record["total_volume"]),
			High24h:                  numberOrNull(record["high_24h"]),
			Low24h:                   numberOrNull(record["low_24h"]),
			PriceChange24h:           numberOrNull(record["price_change_24h"]),
			PriceChangePercentage24h: numberOrNull(record["price_change_percentage_24h"]),
			CirculatingSupply:        numberOrNull(record["circulating_supply"]),
			TotalSupply:              numberOrNull(record["total_supply"]),
			MaxSupply:                numberOrNull(record["max_supply"]),
			ATH:                      numberOrNull(record["ath"]),
			ATL:                      numberOrNull(record["atl"]),
			RawData:                  rawJSON,
			DataTimestamp:            ts,
		})
	}

	saved, err := s.raw.InsertCoinGeckoBatch(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("save raw coingecko data: %w", err)
	}
	s.logger.Info().Int("saved_count", saved).Int("total", len(records)).Msg("saved raw CoinGecko data")
	return saved, nil
}

// Normalize converts one canonical record into the unified form.
func (s *CoinGecko) Normalize(record map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error) {
	return normalize.CoinGecko(record, ts)
}

// NextCheckpoint marks progress as the run's start time.
func (s *CoinGecko) NextCheckpoint(_ context.Context, startedAt time.Time, _ int) (string, error) {
	return startedAt.UTC().Format(time.RFC3339), nil
}
