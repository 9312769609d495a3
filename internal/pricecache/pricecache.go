// Package pricecache provides the hot in-memory view of market prices: a
// tiered cache from (item, world) to a price record with Fresh/Stale/Expired
// semantics, plus bounded recent-sales rings used for outlier statistics.
//
// The cache is an injected service instance, not process-wide state. Minimum
// listing prices merge downward (a higher price never replaces a lower known
// minimum); last-sale prices are overwritten by the latest observed sale.
// Expired entries are evicted by the maintenance sweep, and a configurable
// fraction of the least-recently-updated entries is evicted when the entry
// count exceeds its ceiling.
package pricecache

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/marketledger/internal/models"
)

// Key identifies one cached price record.
type Key struct {
	ItemID  uint32
	WorldID uint32
}

// InvalidateFunc observes every cache mutation. All mutation paths funnel
// through the same hook so downstream invalidation stays auditable.
type InvalidateFunc func(key Key)

// Stats are cumulative cache observability counters. A hit on a fresh entry
// counts as Hits; stale and expired reads still return the value but are
// counted separately.
type Stats struct {
	Hits        uint64
	StaleHits   uint64
	ExpiredHits uint64
	Misses      uint64
	Evictions   uint64
}

// Cache is the tiered market price cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*models.CacheEntry
	sales   map[Key]*salesRings
	stats   Stats

	ttl           time.Duration
	staleness     time.Duration
	maxEntries    int
	evictFraction float64
	ringCapacity  int

	onInvalidate InvalidateFunc

	// now is swappable for freshness tests.
	now func() time.Time
}

// Options configures a Cache.
type Options struct {
	TTL                 time.Duration
	StalenessThreshold  time.Duration
	MaxEntries          int
	EvictFraction       float64
	RecentSalesCapacity int
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.MaxEntries < 1 {
		opts.MaxEntries = 10000
	}
	if opts.EvictFraction <= 0 || opts.EvictFraction > 1 {
		opts.EvictFraction = 0.10
	}
	if opts.RecentSalesCapacity < 1 {
		opts.RecentSalesCapacity = 5
	}
	return &Cache{
		entries:       make(map[Key]*models.CacheEntry),
		sales:         make(map[Key]*salesRings),
		ttl:           opts.TTL,
		staleness:     opts.StalenessThreshold,
		maxEntries:    opts.MaxEntries,
		evictFraction: opts.EvictFraction,
		ringCapacity:  opts.RecentSalesCapacity,
		now:           time.Now,
	}
}

// SetInvalidateHook registers the single invalidation callback. Must be called
// before the cache is shared across goroutines.
func (c *Cache) SetInvalidateHook(fn InvalidateFunc) {
	c.onInvalidate = fn
}

// Get returns a copy of the entry for (item, world). The entry is returned in
// any freshness state; callers decide whether to trust stale data. The state
// observed at read time drives the hit counters.
func (c *Cache) Get(itemID, worldID uint32) (models.CacheEntry, bool) {
	key := Key{ItemID: itemID, WorldID: worldID}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return models.CacheEntry{}, false
	}

	switch entry.State(c.now()) {
	case models.Fresh:
		c.stats.Hits++
	case models.Stale:
		c.stats.StaleHits++
	default:
		c.stats.ExpiredHits++
	}
	return *entry, true
}

// Set stores a full entry, replacing any existing record for its key.
func (c *Cache) Set(entry models.CacheEntry) {
	key := Key{ItemID: entry.ItemID, WorldID: entry.WorldID}
	entry.TTL = c.ttl
	entry.StalenessThreshold = c.staleness
	if entry.LastUpdated.IsZero() {
		entry.LastUpdated = c.now()
	}

	c.mu.Lock()
	c.entries[key] = &entry
	c.evictOverflowLocked()
	c.mu.Unlock()

	c.invalidate(key)
}

// UpdateMinPrices merges listing minimums into the entry for (item, world),
// creating it when missing. Incoming absent or zero prices never displace a
// known lower minimum.
func (c *Cache) UpdateMinPrices(itemID, worldID uint32, nq, hq models.Price, source string) {
	key := Key{ItemID: itemID, WorldID: worldID}

	c.mu.Lock()
	entry := c.getOrCreateLocked(key)
	entry.MinListingNQ = entry.MinListingNQ.MergeMin(nq)
	entry.MinListingHQ = entry.MinListingHQ.MergeMin(hq)
	entry.LastUpdated = c.now()
	entry.Source = source
	c.evictOverflowLocked()
	c.mu.Unlock()

	c.invalidate(key)
}

// UpdateSalePrices overwrites the last-sale field for (item, world, quality)
// with the latest observed sale.
func (c *Cache) UpdateSalePrices(itemID, worldID uint32, hq bool, price int64, source string) {
	key := Key{ItemID: itemID, WorldID: worldID}

	c.mu.Lock()
	entry := c.getOrCreateLocked(key)
	if hq {
		entry.LastSaleHQ = models.PresentPrice(price)
	} else {
		entry.LastSaleNQ = models.PresentPrice(price)
	}
	entry.LastUpdated = c.now()
	entry.Source = source
	c.evictOverflowLocked()
	c.mu.Unlock()

	c.invalidate(key)
}

// GetStaleEntries returns up to maxCount entries currently in the Stale state,
// oldest-updated first, for external refresh sweeps.
func (c *Cache) GetStaleEntries(maxCount int) []models.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var stale []models.CacheEntry
	for _, entry := range c.entries {
		if entry.State(now) == models.Stale {
			stale = append(stale, *entry)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastUpdated.Before(stale[j].LastUpdated)
	})
	if maxCount > 0 && len(stale) > maxCount {
		stale = stale[:maxCount]
	}
	return stale
}

// GetExpiredEntries returns every entry currently in the Expired state.
func (c *Cache) GetExpiredEntries() []models.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var expired []models.CacheEntry
	for _, entry := range c.entries {
		if entry.State(now) == models.Expired {
			expired = append(expired, *entry)
		}
	}
	return expired
}

// EvictExpired removes every expired entry and its sales rings, returning the
// number evicted. Run by the maintenance sweep; entries are not left to decay.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, entry := range c.entries {
		if entry.State(now) == models.Expired {
			delete(c.entries, key)
			delete(c.sales, key)
			evicted++
		}
	}
	c.stats.Evictions += uint64(evicted)
	return evicted
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Clear drops every entry and ring. Used by explicit data resets.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[Key]*models.CacheEntry)
	c.sales = make(map[Key]*salesRings)
	c.mu.Unlock()
}

func (c *Cache) getOrCreateLocked(key Key) *models.CacheEntry {
	entry, ok := c.entries[key]
	if !ok {
		entry = &models.CacheEntry{
			ItemID:             key.ItemID,
			WorldID:            key.WorldID,
			TTL:                c.ttl,
			StalenessThreshold: c.staleness,
		}
		c.entries[key] = entry
	}
	return entry
}

// evictOverflowLocked enforces the entry ceiling by evicting the configured
// fraction of least-recently-updated entries once the count exceeds the max.
func (c *Cache) evictOverflowLocked() {
	if len(c.entries) <= c.maxEntries {
		return
	}

	type aged struct {
		key     Key
		updated time.Time
	}
	list := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		list = append(list, aged{key: key, updated: entry.LastUpdated})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].updated.Before(list[j].updated)
	})

	toRemove := len(c.entries) - c.maxEntries
	if fractional := int(float64(c.maxEntries) * c.evictFraction); fractional > toRemove {
		toRemove = fractional
	}
	if toRemove > len(list) {
		toRemove = len(list)
	}
	for i := 0; i < toRemove; i++ {
		delete(c.entries, list[i].key)
		delete(c.sales, list[i].key)
	}
	c.stats.Evictions += uint64(toRemove)
}

func (c *Cache) invalidate(key Key) {
	if c.onInvalidate != nil {
		c.onInvalidate(key)
	}
}
