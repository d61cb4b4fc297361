package ingestion

import "github.com/google/uuid"

// IDCache maps an external key (import id or natural key) to the surrogate id
// the store assigned. It starts empty, grows on demand and is never evicted;
// its lifetime is one pipeline run. Not safe for concurrent use: a run is a
// single logical worker.
type IDCache[K comparable] struct {
	ids map[K]uuid.UUID
}

// NewIDCache creates an empty cache.
func NewIDCache[K comparable]() *IDCache[K] {
	return &IDCache[K]{ids: make(map[K]uuid.UUID)}
}

// Lookup returns the surrogate id for key. Only trust a miss after the key
// has been warmed.
func (c *IDCache[K]) Lookup(key K) (uuid.UUID, bool) {
	id, ok := c.ids[key]

	return id, ok
}

// Missing returns the distinct keys not yet cached, in first-seen order.
func (c *IDCache[K]) Missing(keys []K) []K {
	seen := make(map[K]struct{}, len(keys))
	missing := make([]K, 0)

	for _, k := range keys {
		if _, ok := c.ids[k]; ok {
			continue
		}

		if _, dup := seen[k]; dup {
			continue
		}

		seen[k] = struct{}{}
		missing = append(missing, k)
	}

	return missing
}

// Merge adds fetched ids to the cache.
func (c *IDCache[K]) Merge(found map[K]uuid.UUID) {
	for k, id := range found {
		c.ids[k] = id
	}
}

// Put caches a single id.
func (c *IDCache[K]) Put(key K, id uuid.UUID) {
	c.ids[key] = id
}

// Len returns the number of cached keys.
func (c *IDCache[K]) Len() int {
	return len(c.ids)
}

// Caches bundles the independent identifier caches owned by one run.
type Caches struct {
	Packages *IDCache[string] // by package import id
	Versions *IDCache[string] // by version import id
	Users    *IDCache[string] // by user import id
	Licenses *IDCache[string] // by license name
	URLs     *IDCache[URLKey]
}

// NewCaches creates a fresh, empty set of caches for one run.
func NewCaches() *Caches {
	return &Caches{
		Packages: NewIDCache[string](),
		Versions: NewIDCache[string](),
		Users:    NewIDCache[string](),
		Licenses: NewIDCache[string](),
		URLs:     NewIDCache[URLKey](),
	}
}
