package country

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/sofia-pulse/pulse/internal/metrics"
)

const resolveCacheTTL = 5 * time.Minute

// AliasStore is the subset of Store the resolver needs; tests substitute a
// fake.
type AliasStore interface {
	LookupAlias(ctx context.Context, aliasNorm string) (string, bool, error)
	RecordMiss(ctx context.Context, raw, source string) error
}

// Resolver maps free-text country strings to ISO-2 codes. Hits are cached
// with a short TTL so operator-added aliases propagate without a restart;
// misses are never cached and always reach the miss log.
type Resolver struct {
	log   *slog.Logger
	store AliasStore
	cache *ttlcache.Cache[string, string]
}

func NewResolver(log *slog.Logger, store AliasStore) *Resolver {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](resolveCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	return &Resolver{log: log, store: store, cache: cache}
}

// Resolve returns the country code for a raw source string, or ok=false when
// the string does not match any alias. A miss is recorded for operator review
// but is not an error: the caller keeps the row with a NULL country_code.
func (r *Resolver) Resolve(ctx context.Context, raw, source string) (string, bool, error) {
	aliasNorm := Normalize(raw)
	if aliasNorm == "" {
		return "", false, nil
	}

	if item := r.cache.Get(aliasNorm); item != nil {
		return item.Value(), true, nil
	}

	code, ok, err := r.store.LookupAlias(ctx, aliasNorm)
	if err != nil {
		return "", false, err
	}
	if !ok {
		metrics.ResolverMissesTotal.Inc()
		r.log.Debug("country resolution miss",
			slog.String("raw", raw),
			slog.String("normalized", aliasNorm),
			slog.String("source", source))
		if err := r.store.RecordMiss(ctx, raw, source); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	r.cache.Set(aliasNorm, code, ttlcache.DefaultTTL)
	return code, true, nil
}
