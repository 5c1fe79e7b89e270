// Package resolve maps source-local coin identifiers onto master coins so
// the same asset shares one identity across sources.
package resolve

import (
	"context"
	"fmt"
	"strings"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/kasparro/coinetl/internal/fuzzy"
	logpkg "github.com/kasparro/coinetl/internal/log"
	"github.com/kasparro/coinetl/internal/persistence"
)

// similarityThreshold gates adopting an existing symbol match: the incoming
// name must resemble the stored name more than this to be the same asset.
const similarityThreshold = 0.7

// Resolver resolves (source, source_id) pairs to master coin ids. The
// in-process cache is an optimization only; correctness comes from the
// database unique keys, which also settle concurrent racers on one id.
type Resolver struct {
	coins  persistence.CoinsRepo
	cache  *cache.Cache
	logger zerolog.Logger
}

// New creates a resolver over the master-coin repository.
func New(coins persistence.CoinsRepo) *Resolver {
	return &Resolver{
		coins:  coins,
		cache:  cache.New(cache.NoExpiration, 0),
		logger: logpkg.Component("entity_resolver"),
	}
}

// Resolve returns the master coin id for a source-local identifier,
// creating the master coin and mapping when the asset is new.
func (r *Resolver) Resolve(ctx context.Context, source, sourceID, symbol, name string) (int64, error) {
	if symbol == "" {
		return 0, fmt.Errorf("cannot resolve %s record with empty symbol", source)
	}

	key := source + ":" + sourceID
	if cached, ok := r.cache.Get(key); ok {
		return cached.(int64), nil
	}

	if id, ok, err := r.coins.LookupMapping(ctx, source, sourceID); err != nil {
		return 0, err
	} else if ok {
		r.cache.Set(key, id, cache.DefaultExpiration)
		return id, nil
	}

	upper := strings.ToUpper(symbol)
	existing, err := r.coins.FindBySymbol(ctx, upper)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		if fuzzy.Ratio(strings.ToLower(name), strings.ToLower(existing.Name)) > similarityThreshold {
			if err := r.coins.InsertMapping(ctx, existing.ID, source, sourceID); err != nil {
				return 0, err
			}
			r.cache.Set(key, existing.ID, cache.DefaultExpiration)
			return existing.ID, nil
		}
		r.logger.Warn().
			Str("source", source).
			Str("symbol", upper).
			Str("incoming_name", name).
			Str("existing_name", existing.Name).
			Msg("symbol collision with dissimilar name")
	}

	id, err := r.coins.UpsertMasterCoin(ctx, upper, name, Slug(name))
	if err != nil {
		return 0, err
	}
	if err := r.coins.InsertMapping(ctx, id, source, sourceID); err != nil {
		return 0, err
	}

	r.cache.Set(key, id, cache.DefaultExpiration)
	return id, nil
}

// Flush drops every cached resolution.
func (r *Resolver) Flush() {
	r.cache.Flush()
}

// Slug derives the canonical identifier from a coin name: lower case,
// spaces become hyphens, dots are removed.
func Slug(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	return strings.ReplaceAll(s, ".", "")
}
