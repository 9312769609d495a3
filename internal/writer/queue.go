// Package writer provides the asynchronous write queue and its background
// persister: a many-producer, single-consumer channel that batches queued
// work items and flushes them transactionally to the storage engine, off the
// producers' critical path.
//
// Enqueue is non-blocking and the queue is unbounded in item count; memory is
// bounded in effect by the batching cadence. Batches are partitioned by
// operation kind and each partition is persisted in one transaction. A failed
// partition is logged and abandoned, never retried; the consumer loop
// survives every storage error.
package writer

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/models"
	"github.com/rewired-gh/marketledger/internal/storage"
)

// Store is the slice of the storage engine the persister needs.
type Store interface {
	SavePointsTx(ctx context.Context, samples []storage.SampleWrite) ([]models.SeriesKey, error)
	SaveSalesTx(ctx context.Context, sales []models.SaleDetail) error
	UpsertPriceRowsTx(ctx context.Context, rows []storage.PriceRow) error
	SaveNamesTx(ctx context.Context, characters []models.Character) error
}

// Notifier receives the affected keys once per committed batch.
type Notifier interface {
	PublishBatch(keys []string)
}

// Stats are cumulative queue counters.
type Stats struct {
	Enqueued      uint64
	Persisted     uint64
	FailedBatches uint64
	Dropped       uint64
}

// Options configures queue batching.
type Options struct {
	BatchSize   int
	BatchWindow time.Duration
}

// Queue is the asynchronous write queue. One consumer goroutine runs for the
// queue's lifetime; producers call Enqueue from any goroutine.
type Queue struct {
	mu     sync.Mutex
	items  []models.WorkItem
	closed bool
	stats  Stats

	// wake has capacity 1: producers nudge the consumer without blocking.
	wake chan struct{}
	done chan struct{}

	store       Store
	notifier    Notifier
	batchSize   int
	batchWindow time.Duration
}

// New creates the queue and starts its consumer.
func New(store Store, notifier Notifier, opts Options) *Queue {
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 100 * time.Millisecond
	}
	q := &Queue{
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		store:       store,
		notifier:    notifier,
		batchSize:   opts.BatchSize,
		batchWindow: opts.BatchWindow,
	}
	go q.consume()
	return q
}

// Enqueue adds one work item. Non-blocking, best-effort: items offered after
// Close are dropped with a warning.
func (q *Queue) Enqueue(item models.WorkItem) {
	q.mu.Lock()
	if q.closed {
		q.stats.Dropped++
		q.mu.Unlock()
		logger.Warn("write queue closed, dropping %s item %s", item.Kind, item.ID)
		return
	}
	q.items = append(q.items, item)
	q.stats.Enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops accepting writes and gives the consumer up to grace to drain.
// Items still queued when the grace period expires are dropped and logged,
// never replayed.
func (q *Queue) Close(grace time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
	case <-time.After(grace):
		q.mu.Lock()
		remaining := len(q.items)
		q.items = nil
		q.stats.Dropped += uint64(remaining)
		q.mu.Unlock()
		if remaining > 0 {
			logger.Warn("write queue drain timed out, dropping %d items", remaining)
		}
	}
}

// take removes up to max items from the head of the queue.
func (q *Queue) take(max int) ([]models.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil, q.closed
	}
	if n > max {
		n = max
	}
	batch := make([]models.WorkItem, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch, q.closed
}

// consume is the single-consumer loop: wait for at least one item, then
// greedily drain up to the batch ceiling or until the batch window elapses,
// whichever comes first.
func (q *Queue) consume() {
	defer close(q.done)

	for {
		batch, closed := q.take(q.batchSize)
		if batch == nil {
			if closed {
				return
			}
			<-q.wake
			continue
		}

		// Partial batch: hold the window open for stragglers.
		if len(batch) < q.batchSize {
			deadline := time.NewTimer(q.batchWindow)
		fill:
			for len(batch) < q.batchSize {
				select {
				case <-q.wake:
					more, closed := q.take(q.batchSize - len(batch))
					batch = append(batch, more...)
					if closed {
						break fill
					}
				case <-deadline.C:
					break fill
				}
			}
			deadline.Stop()
		}

		q.flush(batch)
	}
}

// flush partitions one batch by kind and persists each partition in its own
// transaction, notifying listeners once per affected key after the commits.
func (q *Queue) flush(batch []models.WorkItem) {
	var (
		samples  []storage.SampleWrite
		sales    []models.SaleDetail
		listings []storage.PriceRow
		names    []models.Character

		saleKeys    []string
		listingKeys []string
	)

	for _, item := range batch {
		switch item.Kind {
		case models.SampleKind:
			samples = append(samples, storage.SampleWrite{
				Key:   item.Series,
				Value: item.Value,
				At:    item.EnqueuedAt,
			})
		case models.SaleKind:
			if item.Sale == nil {
				logger.Warn("sale item %s has no detail, skipping", item.ID)
				continue
			}
			sales = append(sales, *item.Sale)
			saleKeys = append(saleKeys, item.Key())
		case models.ListingKind:
			if item.Listing == nil {
				logger.Warn("listing item %s has no detail, skipping", item.ID)
				continue
			}
			row := storage.PriceRow{
				ItemID:    item.Listing.ItemID,
				WorldID:   item.Listing.WorldID,
				UpdatedAt: item.EnqueuedAt,
			}
			if item.Listing.HQ {
				row.MinListingHQ = models.PresentPrice(item.Listing.PricePerUnit)
			} else {
				row.MinListingNQ = models.PresentPrice(item.Listing.PricePerUnit)
			}
			listings = append(listings, row)
			listingKeys = append(listingKeys, item.Key())
		case models.NameKind:
			names = append(names, models.Character{ID: item.Series.CharacterID, Name: item.Name})
		}
	}

	ctx := context.Background()
	var notify []string

	if len(samples) > 0 {
		changed, err := q.store.SavePointsTx(ctx, samples)
		if err != nil {
			q.recordFailure("samples", len(samples), err)
		} else {
			q.recordPersisted(len(samples))
			for _, key := range changed {
				notify = append(notify, key.NotifyKey())
			}
		}
	}

	if len(sales) > 0 {
		if err := q.store.SaveSalesTx(ctx, sales); err != nil {
			q.recordFailure("sales", len(sales), err)
		} else {
			q.recordPersisted(len(sales))
			notify = append(notify, saleKeys...)
		}
	}

	if len(listings) > 0 {
		if err := q.store.UpsertPriceRowsTx(ctx, listings); err != nil {
			q.recordFailure("listings", len(listings), err)
		} else {
			q.recordPersisted(len(listings))
			notify = append(notify, listingKeys...)
		}
	}

	if len(names) > 0 {
		if err := q.store.SaveNamesTx(ctx, names); err != nil {
			q.recordFailure("names", len(names), err)
		} else {
			q.recordPersisted(len(names))
		}
	}

	if q.notifier != nil && len(notify) > 0 {
		q.notifier.PublishBatch(dedupeKeys(notify))
	}
}

func (q *Queue) recordFailure(partition string, count int, err error) {
	q.mu.Lock()
	q.stats.FailedBatches++
	q.mu.Unlock()
	logger.Error("abandoning %s partition of %d items: %v", partition, count, err)
}

func (q *Queue) recordPersisted(count int) {
	q.mu.Lock()
	q.stats.Persisted += uint64(count)
	q.mu.Unlock()
}

// dedupeKeys collapses duplicates so listeners hear each key once per batch.
func dedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
