package pricecache

import (
	"sync"

	"github.com/rewired-gh/marketledger/internal/models"
)

// ValueCache holds the last-known value of every tracked (variable, character)
// pair. The sampler updates it synchronously before queuing a durable write,
// so interactive readers never observe a miss for a value that is already on
// its way to the store.
type ValueCache struct {
	mu     sync.RWMutex
	values map[models.SeriesKey]int64
}

// NewValueCache creates an empty value cache.
func NewValueCache() *ValueCache {
	return &ValueCache{values: make(map[models.SeriesKey]int64)}
}

// Get returns the last-known value for key and whether one exists.
func (vc *ValueCache) Get(key models.SeriesKey) (int64, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	v, ok := vc.values[key]
	return v, ok
}

// Set records the value for key.
func (vc *ValueCache) Set(key models.SeriesKey, value int64) {
	vc.mu.Lock()
	vc.values[key] = value
	vc.mu.Unlock()
}

// Len returns the number of cached values.
func (vc *ValueCache) Len() int {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return len(vc.values)
}

// Clear drops all values. Used by explicit data resets.
func (vc *ValueCache) Clear() {
	vc.mu.Lock()
	vc.values = make(map[models.SeriesKey]int64)
	vc.mu.Unlock()
}
