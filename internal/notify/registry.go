// Package notify fans batched persistence events out to in-process
// listeners. Subscribers register interest in a single key (a market item or
// a tracked series) or in catalog refreshes; the persister publishes once
// per affected key after each committed batch.
//
// Delivery is best-effort: sends never block the publisher, and a listener
// whose buffer is full misses that round. Listeners that need a full picture
// should reread from the cache or storage on wake rather than count events.
package notify

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/models"
)

// Subscription is a live key subscription. C carries the affected key, one
// message per committed batch that touched it.
type Subscription struct {
	ID uuid.UUID
	C  <-chan string
}

// CatalogSubscription signals catalog refreshes without payload.
type CatalogSubscription struct {
	ID uuid.UUID
	C  <-chan struct{}
}

// Registry routes published keys to subscribers.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]map[uuid.UUID]chan string
	idToKey map[uuid.UUID]string
	catalog map[uuid.UUID]chan struct{}
	dropped atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[string]map[uuid.UUID]chan string),
		idToKey: make(map[uuid.UUID]string),
		catalog: make(map[uuid.UUID]chan struct{}),
	}
}

// Subscribe registers for a raw key. buffer < 1 is clamped to 1.
func (r *Registry) Subscribe(key string, buffer int) Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan string, buffer)
	id := uuid.New()

	r.mu.Lock()
	set, ok := r.byKey[key]
	if !ok {
		set = make(map[uuid.UUID]chan string)
		r.byKey[key] = set
	}
	set[id] = ch
	r.idToKey[id] = key
	r.mu.Unlock()

	return Subscription{ID: id, C: ch}
}

// SubscribeItem registers for one market item across all worlds it is
// published under.
func (r *Registry) SubscribeItem(itemID uint32, buffer int) Subscription {
	return r.Subscribe("item:"+strconv.FormatUint(uint64(itemID), 10), buffer)
}

// SubscribeSeries registers for one tracked series.
func (r *Registry) SubscribeSeries(key models.SeriesKey, buffer int) Subscription {
	return r.Subscribe(key.NotifyKey(), buffer)
}

// SubscribeCatalog registers for catalog refresh signals.
func (r *Registry) SubscribeCatalog(buffer int) CatalogSubscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan struct{}, buffer)
	id := uuid.New()

	r.mu.Lock()
	r.catalog[id] = ch
	r.mu.Unlock()

	return CatalogSubscription{ID: id, C: ch}
}

// Unsubscribe removes a subscription of either kind and closes its channel.
// Unknown IDs are ignored.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.idToKey[id]; ok {
		if set, ok := r.byKey[key]; ok {
			if ch, ok := set[id]; ok {
				close(ch)
				delete(set, id)
			}
			if len(set) == 0 {
				delete(r.byKey, key)
			}
		}
		delete(r.idToKey, id)
		return
	}
	if ch, ok := r.catalog[id]; ok {
		close(ch)
		delete(r.catalog, id)
	}
}

// PublishBatch delivers each key to its subscribers. The caller is expected
// to have deduplicated keys; sends to full buffers are counted and dropped.
func (r *Registry) PublishBatch(keys []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range keys {
		for _, ch := range r.byKey[key] {
			select {
			case ch <- key:
			default:
				r.dropped.Add(1)
				logger.Debug("listener buffer full, dropping notification for %s", key)
			}
		}
	}
}

// PublishCatalog signals every catalog subscriber.
func (r *Registry) PublishCatalog() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.catalog {
		select {
		case ch <- struct{}{}:
		default:
			r.dropped.Add(1)
		}
	}
}

// Dropped reports how many notifications were discarded on full buffers.
func (r *Registry) Dropped() uint64 {
	return r.dropped.Load()
}
