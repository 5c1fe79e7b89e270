package resolve

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasparro/coinetl/internal/persistence"
)

type fakeCoins struct {
	mu       sync.Mutex
	mappings map[string]int64
	bySymbol map[string]*persistence.MasterCoin
	nextID   int64
	lookups  int
	upserts  int
	inserts  int
}

func newFakeCoins() *fakeCoins {
	return &fakeCoins{
		mappings: map[string]int64{},
		bySymbol: map[string]*persistence.MasterCoin{},
		nextID:   1,
	}
}

func (f *fakeCoins) LookupMapping(_ context.Context, source, sourceID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	id, ok := f.mappings[source+":"+sourceID]
	return id, ok, nil
}

func (f *fakeCoins) FindBySymbol(_ context.Context, symbol string) (*persistence.MasterCoin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	coin, ok := f.bySymbol[symbol]
	if !ok {
		return nil, nil
	}
	copied := *coin
	return &copied, nil
}

func (f *fakeCoins) UpsertMasterCoin(_ context.Context, symbol, name, canonicalID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if existing, ok := f.bySymbol[symbol]; ok {
		existing.Name = name
		return existing.ID, nil
	}
	id := f.nextID
	f.nextID++
	f.bySymbol[symbol] = &persistence.MasterCoin{ID: id, Symbol: symbol, Name: name, CanonicalID: canonicalID}
	return id, nil
}

func (f *fakeCoins) InsertMapping(_ context.Context, masterCoinID int64, source, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	key := source + ":" + sourceID
	if _, ok := f.mappings[key]; !ok {
		f.mappings[key] = masterCoinID
	}
	return nil
}

func TestResolveNewCoin(t *testing.T) {
	coins := newFakeCoins()
	r := New(coins)

	id, err := r.Resolve(context.Background(), "coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Contains(t, coins.bySymbol, "BTC")
	assert.Equal(t, "Bitcoin", coins.bySymbol["BTC"].Name)
	assert.Equal(t, "bitcoin", coins.bySymbol["BTC"].CanonicalID)
	assert.Equal(t, int64(1), coins.mappings["coinpaprika:btc-bitcoin"])
}

func TestResolveStability(t *testing.T) {
	coins := newFakeCoins()
	r := New(coins)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	require.NoError(t, err)

	lookupsAfterFirst := coins.lookups
	second, err := r.Resolve(ctx, "coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, lookupsAfterFirst, coins.lookups, "second resolve must come from cache")
}

func TestResolveParallelRacersConverge(t *testing.T) {
	coins := newFakeCoins()
	r := New(coins)

	const racers = 8
	ids := make([]int64, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), "coingecko", "bitcoin", "BTC", "Bitcoin")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "every racer must see the same master coin")
	}
	assert.Len(t, coins.bySymbol, 1, "the symbol unique key settles the race on one row")
	assert.Len(t, coins.mappings, 1)
}

func TestResolveCrossSourceSameAsset(t *testing.T) {
	coins := newFakeCoins()
	r := New(coins)
	ctx := context.Background()

	paprikaID, err := r.Resolve(ctx, "coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	require.NoError(t, err)

	geckoID, err := r.Resolve(ctx, "coingecko", "bitcoin", "btc", "bitcoin")
	require.NoError(t, err)

	assert.Equal(t, paprikaID, geckoID, "same symbol with similar name shares the master coin")
	assert.Equal(t, 1, coins.upserts, "no second master coin created")
	assert.Len(t, coins.mappings, 2)
}

func TestResolveExistingMapping(t *testing.T) {
	coins := newFakeCoins()
	coins.mappings["csv:csv_ETH"] = 42
	r := New(coins)

	id, err := r.Resolve(context.Background(), "csv", "csv_ETH", "ETH", "Ethereum")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, 0, coins.upserts)
	assert.Equal(t, 0, coins.inserts)
}

func TestResolveSymbolCollisionDissimilarName(t *testing.T) {
	coins := newFakeCoins()
	coins.bySymbol["LUNA"] = &persistence.MasterCoin{ID: 7, Symbol: "LUNA", Name: "Terra"}
	r := New(coins)

	// Dissimilar name falls through to the upsert, which converges on the
	// existing symbol row rather than minting a duplicate.
	id, err := r.Resolve(context.Background(), "coingecko", "luna-classic", "LUNA", "Luna Classic")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, 1, coins.upserts)
	assert.Equal(t, "Luna Classic", coins.bySymbol["LUNA"].Name, "upsert refreshes the stored name")
	assert.Equal(t, int64(7), coins.mappings["coingecko:luna-classic"])
}

func TestResolveEmptySymbol(t *testing.T) {
	r := New(newFakeCoins())
	_, err := r.Resolve(context.Background(), "csv", "csv_", "", "Nameless")
	assert.Error(t, err)
}

func TestFlush(t *testing.T) {
	coins := newFakeCoins()
	r := New(coins)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	require.NoError(t, err)

	r.Flush()
	before := coins.lookups
	_, err = r.Resolve(ctx, "coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	require.NoError(t, err)
	assert.Equal(t, before+1, coins.lookups, "flush forces a repository lookup")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "bitcoin", Slug("Bitcoin"))
	assert.Equal(t, "bitcoin-cash", Slug("Bitcoin Cash"))
	assert.Equal(t, "cryptocom-coin", Slug("Crypto.com Coin"))
}
