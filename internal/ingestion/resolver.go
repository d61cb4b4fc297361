package ingestion

import (
	"context"

	"github.com/google/uuid"
)

type (
	// KeyFetcher looks up surrogate ids for a set of keys in one bounded
	// query. Keys that do not exist are absent from the result.
	KeyFetcher[K comparable] func(ctx context.Context, keys []K) (map[K]uuid.UUID, error)

	// ResolveResult describes one warm-up of a cache for one batch.
	ResolveResult struct {
		// Requested is the number of distinct keys that were not cached and
		// therefore fetched. Zero means no round trip happened.
		Requested int
		// Found is the number of requested keys the store knew about.
		Found int
	}

	// ResolverStats accumulates resolver activity over a stage.
	ResolverStats struct {
		Rounds     int
		Requested  int
		Unresolved int
	}
)

// Unresolved is the number of keys fetched but not found.
func (r ResolveResult) Unresolved() int {
	return r.Requested - r.Found
}

// Add folds one resolution into the stats.
func (s *ResolverStats) Add(r ResolveResult) {
	if r.Requested == 0 {
		return
	}

	s.Rounds++
	s.Requested += r.Requested
	s.Unresolved += r.Unresolved()
}

// Warm makes cache trustworthy for every key referenced by batch.
//
// keyOf extracts the reference from a record; records whose reference is
// empty (ok=false) are ignored. The distinct keys not yet cached are fetched
// with exactly one call to fetch, and the results are merged. Keys the store
// does not know stay unresolved; they are reported in the result and left for
// the row builder to drop, never retried within the batch.
func Warm[R any, K comparable](
	ctx context.Context,
	cache *IDCache[K],
	batch []R,
	keyOf func(R) (K, bool),
	fetch KeyFetcher[K],
) (ResolveResult, error) {
	keys := make([]K, 0, len(batch))

	for _, rec := range batch {
		if k, ok := keyOf(rec); ok {
			keys = append(keys, k)
		}
	}

	missing := cache.Missing(keys)
	if len(missing) == 0 {
		return ResolveResult{}, nil
	}

	found, err := fetch(ctx, missing)
	if err != nil {
		return ResolveResult{Requested: len(missing)}, err
	}

	cache.Merge(found)

	return ResolveResult{Requested: len(missing), Found: len(found)}, nil
}

// nonEmpty adapts a string accessor into a Warm key extractor.
func nonEmpty[R any](get func(R) string) func(R) (string, bool) {
	return func(r R) (string, bool) {
		k := get(r)

		return k, k != ""
	}
}
