package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paprikaTickers = `[
	{
		"id": "btc-bitcoin",
		"name": "Bitcoin",
		"symbol": "BTC",
		"rank": 1,
		"circulating_supply": 19500000,
		"total_supply": 19500000,
		"max_supply": 21000000,
		"quotes": {
			"USD": {
				"price": 43250.50,
				"volume_24h": 25000000000,
				"market_cap": 850000000000,
				"percent_change_1h": 0.5,
				"percent_change_24h": 2.5,
				"percent_change_7d": -1.2
			}
		}
	},
	{
		"id": "quoteless-coin",
		"name": "Quoteless",
		"symbol": "QLC",
		"rank": 99
	}
]`

func TestCoinPaprikaFetch(t *testing.T) {
	var gotPath, gotLimit, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(paprikaTickers))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CoinPaprikaAPIKey = "pk-test"
	source := NewCoinPaprika(cfg, &fakeRawRepo{})

	records, err := source.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/tickers", gotPath)
	assert.Equal(t, "100", gotLimit)
	assert.Equal(t, "Bearer pk-test", gotAuth)
	require.Len(t, records, 2)

	btc := records[0]
	assert.Equal(t, "btc-bitcoin", btc["coin_id"])
	assert.Equal(t, "BTC", btc["symbol"])
	assert.Equal(t, 43250.50, btc["price_usd"])
	assert.Equal(t, 2.5, btc["percent_change_24h"])
	assert.NotContains(t, btc, "quotes", "quote object must be flattened")
	assert.NotContains(t, btc, "id")

	quoteless := records[1]
	assert.Equal(t, "quoteless-coin", quoteless["coin_id"])
	assert.NotContains(t, quoteless, "price_usd", "no USD quote means no price keys")
}

func TestCoinPaprikaFetchNoKeyOmitsAuth(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	source := NewCoinPaprika(testConfig(srv.URL), &fakeRawRepo{})
	records, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, sawAuth)
}

func TestCoinPaprikaFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	source := NewCoinPaprika(testConfig(srv.URL), &fakeRawRepo{})
	_, err := source.Fetch(context.Background())
	assert.Error(t, err)
}

func TestCoinPaprikaFetchBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	source := NewCoinPaprika(testConfig(srv.URL), &fakeRawRepo{})
	_, err := source.Fetch(context.Background())
	assert.Error(t, err)
}

func TestCoinPaprikaValidate(t *testing.T) {
	source := NewCoinPaprika(testConfig("http://unused"), &fakeRawRepo{})

	assert.True(t, source.Validate(map[string]interface{}{
		"coin_id": "btc-bitcoin", "symbol": "BTC", "name": "Bitcoin",
		"rank": float64(1), "price_usd": 43250.50,
	}))
	assert.False(t, source.Validate(map[string]interface{}{
		"symbol": "BTC", "name": "Bitcoin",
	}), "missing coin_id")
	assert.False(t, source.Validate(map[string]interface{}{
		"coin_id": "btc-bitcoin", "price_usd": "not-a-number",
	}), "unparsable numeric")
	assert.True(t, source.Validate(map[string]interface{}{
		"coin_id": "btc-bitcoin", "price_usd": nil,
	}), "null numerics are fine")
}

func TestCoinPaprikaSaveRaw(t *testing.T) {
	repo := &fakeRawRepo{}
	source := NewCoinPaprika(testConfig("http://unused"), repo)
	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	records := []map[string]interface{}{
		{
			"coin_id": "btc-bitcoin", "symbol": "BTC", "name": "Bitcoin",
			"rank": float64(1), "price_usd": 43250.50, "market_cap_usd": 850000000000.0,
		},
		{"symbol": "NOID", "name": "No Id"},
	}

	saved, err := source.SaveRaw(context.Background(), records, ts)
	require.NoError(t, err)
	assert.Equal(t, 1, saved, "invalid record is skipped")
	require.Len(t, repo.paprika, 1)

	row := repo.paprika[0]
	assert.Equal(t, "btc-bitcoin", row.CoinID)
	assert.Equal(t, "BTC", row.Symbol.String)
	assert.Equal(t, int32(1), row.Rank.Int32)
	require.True(t, row.PriceUSD.Valid)
	assert.False(t, row.TotalSupply.Valid)
	assert.Equal(t, ts, row.DataTimestamp)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(row.RawData, &decoded))
	assert.Equal(t, "btc-bitcoin", decoded["coin_id"])
}

func TestCoinPaprikaNextCheckpoint(t *testing.T) {
	source := NewCoinPaprika(testConfig("http://unused"), &fakeRawRepo{})
	startedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	value, err := source.NextCheckpoint(context.Background(), startedAt, 100)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15T10:30:00Z", value)
}
