package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rewired-gh/marketledger/internal/alert"
	"github.com/rewired-gh/marketledger/internal/config"
	"github.com/rewired-gh/marketledger/internal/feed"
	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/mbapi"
	"github.com/rewired-gh/marketledger/internal/models"
	"github.com/rewired-gh/marketledger/internal/notify"
	"github.com/rewired-gh/marketledger/internal/pricecache"
	"github.com/rewired-gh/marketledger/internal/sampler"
	"github.com/rewired-gh/marketledger/internal/schedule"
	"github.com/rewired-gh/marketledger/internal/storage"
	"github.com/rewired-gh/marketledger/internal/writer"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

// staleRefreshLimit bounds how many stale cache entries one maintenance pass
// refreshes against the remote aggregator.
const staleRefreshLimit = 50

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to open storage: %v", err)
	}

	registry := notify.NewRegistry()

	cache := pricecache.New(pricecache.Options{
		TTL:                 cfg.Cache.TTL,
		StalenessThreshold:  cfg.Cache.StalenessThreshold,
		MaxEntries:          cfg.Cache.MaxEntries,
		EvictFraction:       cfg.Cache.EvictFraction,
		RecentSalesCapacity: cfg.Cache.RecentSalesCapacity,
	})
	cache.SetInvalidateHook(func(key pricecache.Key) {
		logger.Debug("cache invalidated for item %d world %d", key.ItemID, key.WorldID)
	})

	queue := writer.New(store, registry, writer.Options{
		BatchSize:   cfg.Writer.BatchSize,
		BatchWindow: cfg.Writer.BatchWindow,
	})

	apiClient := mbapi.NewClient(cfg.API)
	catalog := mbapi.NewCatalog()

	pipeline := feed.NewPipeline(cache, queue, catalog, cfg.Tracking, cfg.Filters)
	source := feed.NewSource(cfg.Feed, []string{"sales", "listings"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// Ingestion loop: the source reconnects on its own; the pipeline only
	// ever sees decoded events.
	sourceDone := make(chan struct{})
	go func() {
		defer close(sourceDone)
		source.Run(ctx)
	}()
	go func() {
		for ev := range source.Events() {
			pipeline.Process(ev)
		}
	}()

	scheduler := schedule.New(cfg.Schedule.Workers)

	if cfg.Tracking.StateFile != "" {
		provider := sampler.NewFileProvider(cfg.Tracking.StateFile)
		smp := sampler.New(provider, provider, pricecache.NewValueCache(), queue, cfg.Tracking.Variables)
		scheduler.Register("sample", cfg.Schedule.SampleInterval, func(ctx context.Context) {
			if _, err := smp.Sample(ctx); err != nil {
				logger.Warn("Sampling tick failed: %v", err)
			}
		})
	} else {
		logger.Info("No state file configured, sampling disabled")
	}

	scheduler.Register("cache-refresh", cfg.Schedule.RefreshInterval, func(ctx context.Context) {
		evicted := cache.EvictExpired()
		if evicted > 0 {
			logger.Info("Evicted %d expired cache entries", evicted)
		}
		refreshStaleEntries(ctx, cache, apiClient, store, registry)
	})

	scheduler.Register("maintenance", cfg.Schedule.MaintenanceInterval, func(ctx context.Context) {
		runStorageMaintenance(ctx, store, cfg.Storage)
	})

	scheduler.Register("catalog", cfg.Schedule.RefreshInterval, func(ctx context.Context) {
		refreshCatalog(ctx, apiClient, catalog, registry)
	})

	if cfg.Alerts.Enabled {
		watcher, err := alert.New(cfg.Alerts, cache, catalog)
		if err != nil {
			logger.Fatal("Failed to initialize alerts: %v", err)
		}
		logger.Info("Price watch alerts enabled for %d items", len(cfg.Alerts.Watches))

		for _, w := range cfg.Alerts.Watches {
			sub := registry.SubscribeItem(w.ItemID, 8)
			go func() {
				for key := range sub.C {
					watcher.HandleKey(key)
				}
			}()
		}
		scheduler.Register("alerts", cfg.Schedule.MaintenanceInterval, func(ctx context.Context) {
			watcher.Evaluate()
		})
	} else {
		logger.Debug("Price watch alerts disabled")
	}

	logger.Info("Starting marketledger (sample: %v, maintenance: %v, refresh: %v)",
		cfg.Schedule.SampleInterval, cfg.Schedule.MaintenanceInterval, cfg.Schedule.RefreshInterval)

	scheduler.Run(ctx)

	// Shutdown: the scheduler has drained; stop the feed, flush the queue,
	// then close the store.
	<-sourceDone
	queue.Close(cfg.Writer.ShutdownTimeout)
	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
	logger.Info("Service stopped")
}

// refreshStaleEntries re-fetches aggregated prices for the oldest stale
// cache entries, grouped per world so one request covers many items. Rows
// are written straight to the store; the queue is reserved for the live
// ingestion path.
func refreshStaleEntries(ctx context.Context, cache *pricecache.Cache, client *mbapi.Client, store *storage.Store, registry *notify.Registry) {
	stale := cache.GetStaleEntries(staleRefreshLimit)
	if len(stale) == 0 {
		return
	}

	byWorld := make(map[uint32][]uint32)
	for _, entry := range stale {
		byWorld[entry.WorldID] = append(byWorld[entry.WorldID], entry.ItemID)
	}

	refreshed := 0
	for worldID, itemIDs := range byWorld {
		agg, err := client.AggregatedPrices(ctx, worldID, itemIDs)
		if err != nil {
			logger.Warn("Stale refresh for world %d failed: %v", worldID, err)
			continue
		}
		if agg == nil {
			continue
		}

		rows := make([]storage.PriceRow, 0, len(agg.Results))
		keys := make([]string, 0, len(agg.Results))
		for _, result := range agg.Results {
			entry := aggregateToEntry(result, worldID)
			cache.Set(entry)
			rows = append(rows, storage.PriceRow{
				ItemID:       entry.ItemID,
				WorldID:      entry.WorldID,
				MinListingNQ: entry.MinListingNQ,
				MinListingHQ: entry.MinListingHQ,
				LastSaleNQ:   entry.LastSaleNQ,
				LastSaleHQ:   entry.LastSaleHQ,
				UpdatedAt:    entry.LastUpdated,
			})
			keys = append(keys, "item:"+itoa(entry.ItemID))
		}
		if len(rows) == 0 {
			continue
		}
		if err := store.UpsertPriceRowsTx(ctx, rows); err != nil {
			logger.Warn("Persisting refreshed prices for world %d failed: %v", worldID, err)
			continue
		}
		registry.PublishBatch(keys)
		refreshed += len(rows)
	}
	if refreshed > 0 {
		logger.Info("Refreshed %d stale cache entries", refreshed)
	}
}

func aggregateToEntry(result mbapi.AggregateResult, worldID uint32) models.CacheEntry {
	entry := models.CacheEntry{
		ItemID:      result.ItemID,
		WorldID:     worldID,
		LastUpdated: time.Now(),
		Source:      "api",
	}
	if p := result.NQ.MinListing.World; p != nil {
		entry.MinListingNQ = models.PresentPrice(p.Price)
	}
	if p := result.HQ.MinListing.World; p != nil {
		entry.MinListingHQ = models.PresentPrice(p.Price)
	}
	if p := result.NQ.RecentPurchase.World; p != nil {
		entry.LastSaleNQ = models.PresentPrice(p.Price)
	}
	if p := result.HQ.RecentPurchase.World; p != nil {
		entry.LastSaleHQ = models.PresentPrice(p.Price)
	}
	return entry
}

// runStorageMaintenance applies retention, trims to the size budget, merges
// the WAL, and removes series with no surviving character.
func runStorageMaintenance(ctx context.Context, store *storage.Store, cfg config.StorageConfig) {
	if cfg.RetentionDays > 0 {
		age := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		if removed, err := store.DeleteOlderThan(ctx, age); err != nil {
			logger.Warn("Retention pass failed: %v", err)
		} else if removed > 0 {
			logger.Info("Retention removed %d rows older than %d days", removed, cfg.RetentionDays)
		}
	}

	if cfg.MaxSizeMB > 0 {
		maxBytes := int64(cfg.MaxSizeMB) * 1024 * 1024
		if trimmed, err := store.TrimToSize(ctx, maxBytes); err != nil {
			logger.Warn("Size trim failed: %v", err)
		} else if trimmed > 0 {
			logger.Info("Size trim removed %d oldest points", trimmed)
			if reclaimed, err := store.Compact(ctx); err != nil {
				logger.Warn("Compaction failed: %v", err)
			} else {
				logger.Info("Compaction reclaimed %d bytes", reclaimed)
			}
		}
	}

	if reclaimed, ran, err := store.CheckpointIfDue(ctx, cfg.CheckpointAge); err != nil {
		logger.Warn("Checkpoint failed: %v", err)
	} else if ran && reclaimed > 0 {
		logger.Debug("Checkpoint reclaimed %d WAL bytes", reclaimed)
	}

	if removed, err := store.DeleteOrphanSeries(ctx); err != nil {
		logger.Warn("Orphan cleanup failed: %v", err)
	} else if removed > 0 {
		logger.Info("Removed %d orphan series", removed)
	}
}

// refreshCatalog reloads worlds, datacenters, and the marketable item set,
// then signals catalog subscribers.
func refreshCatalog(ctx context.Context, client *mbapi.Client, catalog *mbapi.Catalog, registry *notify.Registry) {
	worlds, err := client.Worlds(ctx)
	if err != nil {
		logger.Warn("World catalog refresh failed: %v", err)
		return
	}
	dcs, err := client.DataCenters(ctx)
	if err != nil {
		logger.Warn("Datacenter catalog refresh failed: %v", err)
		return
	}
	catalog.Update(worlds, dcs)

	items, err := client.MarketableItems(ctx)
	if err != nil {
		logger.Warn("Marketable item refresh failed: %v", err)
	} else {
		catalog.SetMarketable(items)
	}

	registry.PublishCatalog()
	logger.Info("Catalog refreshed: %d worlds, %d datacenters, %d marketable items",
		len(worlds), len(dcs), len(items))
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
