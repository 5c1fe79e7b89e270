package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/config"
	"github.com/kasparro/coinetl/internal/drift"
	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/normalize"
	"github.com/kasparro/coinetl/internal/persistence"
)

// CoinPaprika ingests the tickers endpoint of the CoinPaprika API.
type CoinPaprika struct {
	baseURL string
	apiKey  string
	raw     persistence.RawRepo
	guard   *guard
	drift   *drift.Detector
	logger  zerolog.Logger
}

// NewCoinPaprika builds the CoinPaprika source from runtime configuration.
func NewCoinPaprika(cfg *config.Config, raw persistence.RawRepo) *CoinPaprika {
	logger := logpkg.Component("source").With().Str("source", persistence.SourceCoinPaprika).Logger()
	return &CoinPaprika{
		baseURL: cfg.CoinPaprikaBaseURL,
		apiKey:  cfg.CoinPaprikaAPIKey,
		raw:     raw,
		guard:   newGuard(persistence.SourceCoinPaprika, cfg.RateSpacing(), logger),
		drift:   drift.NewDetector(persistence.SourceCoinPaprika, drift.CoinPaprikaSchema),
		logger:  logger,
	}
}

func (s *CoinPaprika) Name() string { return persistence.SourceCoinPaprika }

// Fetch retrieves the top 100 tickers and reshapes each into the canonical
// record: identity and supply fields at the top level, USD quote fields
// flattened under the *_usd names.
func (s *CoinPaprika) Fetch(ctx context.Context) ([]map[string]interface{}, error) {
	s.logger.Info().Msg("fetching data from CoinPaprika API")

	headers := map[string]string{}
	if s.apiKey != "" {
		headers["Authorization"] = "Bearer " + s.apiKey
	}

	body, err := s.guard.get(ctx, s.baseURL+"/tickers?limit=100", headers)
	if err != nil {
		return nil, fmt.Errorf("coinpaprika fetch: %w", err)
	}

	var payload []map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("coinpaprika response decode: %w", err)
	}

	records := make([]map[string]interface{}, 0, len(payload))
	for _, item := range payload {
		record := map[string]interface{}{
			"coin_id":            item["id"],
			"symbol":             item["symbol"],
			"name":               item["name"],
			"rank":               item["rank"],
			"circulating_supply": item["circulating_supply"],
			"total_supply":       item["total_supply"],
			"max_supply":         item["max_supply"],
		}
		if quotes, ok := item["quotes"].(map[string]interface{}); ok {
			if usd, ok := quotes["USD"].(map[string]interface{}); ok && len(usd) > 0 {
				record["price_usd"] = usd["price"]
				record["volume_24h_usd"] = usd["volume_24h"]
				record["market_cap_usd"] = usd["market_cap"]
				record["percent_change_1h"] = usd["percent_change_1h"]
				record["percent_change_24h"] = usd["percent_change_24h"]
				record["percent_change_7d"] = usd["percent_change_7d"]
			}
		}
		records = append(records, record)
	}

	s.logger.Info().Int("count", len(records)).Msg("fetched data from CoinPaprika")
	return records, nil
}

// Validate runs the advisory drift check, then the structural rules: the
// identity fields must be non-empty strings and every numeric field must
// parse when present.
func (s *CoinPaprika) Validate(record map[string]interface{}) bool {
	s.drift.LogSummary(s.drift.Detect(record))

	if _, ok := requiredString(record, "coin_id"); !ok {
		s.logger.Warn().Interface("record", record).Msg("validation failed: missing coin_id")
		return false
	}
	return numericFieldsValid(s.logger, record,
		"rank", "price_usd", "volume_24h_usd", "market_cap_usd",
		"circulating_supply", "total_supply", "max_supply",
		"percent_change_1h", "percent_change_24h", "percent_change_7d")
}

// SaveRaw archives the valid records of a batch into raw_coinpaprika.
func (s *CoinPaprika) SaveRaw(ctx context.Context, records []map[string]interface{}, ts time.Time) (int, error) {
	rows := make([]persistence.RawCoinPaprikaRow, 0, len(records))
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
		rows = append(rows, persistence.RawCoinPaprikaRow{
			CoinID:            coinID,
			Symbol:            nullString(record["symbol"]),
			Name:              nullString(record["name"]),
			Rank:              nullInt32(record["rank"]),
			PriceUSD:          numberOrNull(record["price_usd"]),
			Volume24hUSD:      numberOrNull(record["volume_24h_usd"]),
			MarketCapUSD:      numberOrNull(record["market_cap_usd"]),
			CirculatingSupply: numberOrNull(record["circulating_supply"]),
			TotalSupply:       numberOrNull(record["total_supply"]),
			MaxSupply:         numberOrNull(record["max_supply"]),
			PercentChange1h:   numberOrNull(record["percent_change_1h"]),
			PercentChange24h:  numberOrNull(record["percent_change_24h"]),
			PercentChange7d:   numberOrNull(record["percent_change_7d"]),
			RawData:           rawJSON,
			DataTimestamp:     ts,
		})
	}

	saved, err := s.raw.InsertCoinPaprikaBatch(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("save raw coinpaprika data: %w", err)
	}
	s.logger.Info().Int("saved_count", saved).Int("total", len(records)).Msg("saved raw CoinPaprika data")
	return saved, nil
}

// Normalize converts one canonical record into the unified form.
func (s *CoinPaprika) Normalize(record map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error) {
	return normalize.CoinPaprika(record, ts)
}

// NextCheckpoint marks progress as the run's start time.
func (s *CoinPaprika) NextCheckpoint(_ context.Context, startedAt time.Time, _ int) (string, error) {
	return startedAt.UTC().Format(time.RFC3339), nil
}
