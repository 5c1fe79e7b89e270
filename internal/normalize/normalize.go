// Package normalize converts raw per-source payloads into the unified
// market-data record. Numerics become arbitrary-precision decimals; a value
// that is missing or null upstream stays null, never zero.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kasparro/coinetl/internal/persistence"
)

// CoinPaprika normalizes one CoinPaprika ticker. Flat price fields take
// precedence; when absent the USD quote object is consulted.
func CoinPaprika(raw map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error) {
	symbol, name, err := identity(raw, persistence.SourceCoinPaprika)
	if err != nil {
		return persistence.NormalizedRecord{}, err
	}
	sourceID, ok := stringField(raw, "coin_id")
	if !ok {
		return persistence.NormalizedRecord{}, fmt.Errorf("coinpaprika record missing coin_id")
	}

	merged := withUSDQuote(raw)
	rec := persistence.NormalizedRecord{
		Source:        persistence.SourceCoinPaprika,
		SourceID:      sourceID,
		Symbol:        strings.ToUpper(symbol),
		Name:          name,
		DataTimestamp: ts,
	}
	if err := assignNumerics(merged, map[string]*decimal.NullDecimal{
		"price_usd":          &rec.PriceUSD,
		"market_cap_usd":     &rec.MarketCapUSD,
		"volume_24h_usd":     &rec.Volume24hUSD,
		"circulating_supply": &rec.CirculatingSupply,
		"total_supply":       &rec.TotalSupply,
		"max_supply":         &rec.MaxSupply,
		"percent_change_24h": &rec.PercentChange24h,
	}); err != nil {
		return persistence.NormalizedRecord{}, err
	}
	if rec.Rank, err = intField(merged, "rank"); err != nil {
		return persistence.NormalizedRecord{}, err
	}

	rec.AdditionalData = pickPresent(merged, "percent_change_1h", "percent_change_7d")
	return rec, nil
}

// CoinGecko normalizes one CoinGecko markets row.
func CoinGecko(raw map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error) {
	symbol, name, err := identity(raw, persistence.SourceCoinGecko)
	if err != nil {
		return persistence.NormalizedRecord{}, err
	}
	sourceID, ok := stringField(raw, "coin_id")
	if !ok {
		return persistence.NormalizedRecord{}, fmt.Errorf("coingecko record missing coin_id")
	}

	rec := persistence.NormalizedRecord{
		Source:        persistence.SourceCoinGecko,
		SourceID:      sourceID,
		Symbol:        strings.ToUpper(symbol),
		Name:          name,
		DataTimestamp: ts,
	}
	if err := assignNumerics(raw, map[string]*decimal.NullDecimal{
		"current_price":               &rec.PriceUSD,
		"market_cap":                  &rec.MarketCapUSD,
		"total_volume":                &rec.Volume24hUSD,
		"circulating_supply":          &rec.CirculatingSupply,
		"total_supply":                &rec.TotalSupply,
		"max_supply":                  &rec.MaxSupply,
		"price_change_percentage_24h": &rec.PercentChange24h,
	}); err != nil {
		return persistence.NormalizedRecord{}, err
	}
	if rec.Rank, err = intField(raw, "market_cap_rank"); err != nil {
		return persistence.NormalizedRecord{}, err
	}

	rec.AdditionalData = pickPresent(raw, "high_24h", "low_24h", "price_change_24h", "ath", "atl")
	return rec, nil
}

// CSV normalizes one CSV row. The source id is synthesized from the symbol
// since CSV rows carry no upstream identifier.
func CSV(raw map[string]interface{}, ts time.Time) (persistence.NormalizedRecord, error) {
	symbol, name, err := identity(raw, persistence.SourceCSV)
	if err != nil {
		return persistence.NormalizedRecord{}, err
	}

	upper := strings.ToUpper(symbol)
	rec := persistence.NormalizedRecord{
		Source:         persistence.SourceCSV,
		SourceID:       "csv_" + upper,
		Symbol:         upper,
		Name:           name,
		AdditionalData: map[string]interface{}{},
		DataTimestamp:  ts,
	}
	if err := assignNumerics(raw, map[string]*decimal.NullDecimal{
		"price_usd":          &rec.PriceUSD,
		"market_cap_usd":     &rec.MarketCapUSD,
		"volume_24h_usd":     &rec.Volume24hUSD,
		"percent_change_24h": &rec.PercentChange24h,
	}); err != nil {
		return persistence.NormalizedRecord{}, err
	}
	return rec, nil
}

// identity extracts the required symbol and name, failing loudly when
// either is absent so the record is dropped rather than stored nameless.
func identity(raw map[string]interface{}, source string) (string, string, error) {
	symbol, ok := stringField(raw, "symbol")
	if !ok {
		return "", "", fmt.Errorf("%s record missing symbol", source)
	}
	name, ok := stringField(raw, "name")
	if !ok {
		return "", "", fmt.Errorf("%s record missing name", source)
	}
	return symbol, name, nil
}

// withUSDQuote flattens quotes.USD price fields under the canonical names
// when the flat keys are absent.
func withUSDQuote(raw map[string]interface{}) map[string]interface{} {
	quotes, ok := raw["quotes"].(map[string]interface{})
	if !ok {
		return raw
	}
	usd, ok := quotes["USD"].(map[string]interface{})
	if !ok {
		return raw
	}

	merged := make(map[string]interface{}, len(raw)+6)
	for k, v := range raw {
		merged[k] = v
	}
	for canonical, quoteKey := range map[string]string{
		"price_usd":          "price",
		"volume_24h_usd":     "volume_24h",
		"market_cap_usd":     "market_cap",
		"percent_change_1h":  "percent_change_1h",
		"percent_change_24h": "percent_change_24h",
		"percent_change_7d":  "percent_change_7d",
	} {
		if _, exists := merged[canonical]; exists {
			continue
		}
		if v, exists := usd[quoteKey]; exists {
			merged[canonical] = v
		}
	}
	return merged
}

func assignNumerics(raw map[string]interface{}, targets map[string]*decimal.NullDecimal) error {
	for field, target := range targets {
		value, err := decimalField(raw, field)
		if err != nil {
			return err
		}
		*target = value
	}
	return nil
}

func stringField(raw map[string]interface{}, key string) (string, bool) {
	v, ok := raw[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Number parses any JSON numeric representation into a nullable decimal.
// Nil and empty strings yield a null decimal; a value that cannot be read
// as a number is an error, never silently zero.
func Number(value interface{}) (decimal.NullDecimal, error) {
	switch v := value.(type) {
	case nil:
		return decimal.NullDecimal{}, nil
	case float64:
		return validDecimal(decimal.NewFromFloat(v)), nil
	case float32:
		return validDecimal(decimal.NewFromFloat32(v)), nil
	case int:
		return validDecimal(decimal.NewFromInt(int64(v))), nil
	case int64:
		return validDecimal(decimal.NewFromInt(v)), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("not a number: %q", v)
		}
		return validDecimal(d), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(trimmed)
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("not a number: %q", v)
		}
		return validDecimal(d), nil
	case decimal.Decimal:
		return validDecimal(v), nil
	default:
		return decimal.NullDecimal{}, fmt.Errorf("not a number: unsupported type %T", value)
	}
}

// Int parses an integer-valued field, returning nil for absent values.
// Floats are truncated the way JSON decoding surfaces whole numbers.
func Int(value interface{}) (*int, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case int:
		return &v, nil
	case int64:
		n := int(v)
		return &n, nil
	case float64:
		n := int(v)
		return &n, nil
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", v)
		}
		n := int(parsed)
		return &n, nil
	default:
		return nil, fmt.Errorf("not an integer: unsupported type %T", value)
	}
}

// decimalField parses a numeric field from any JSON representation. Missing
// keys, nulls, and empty strings yield a null decimal.
func decimalField(raw map[string]interface{}, key string) (decimal.NullDecimal, error) {
	value, ok := raw[key]
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	d, err := Number(value)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intField(raw map[string]interface{}, key string) (*int, error) {
	value, ok := raw[key]
	if !ok {
		return nil, nil
	}
	n, err := Int(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func validDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func pickPresent(raw map[string]interface{}, keys ...string) map[string]interface{} {
	picked := make(map[string]interface{})
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			picked[key] = v
		}
	}
	return picked
}
