// Package feed ingests the live market price stream: a websocket source that
// decodes events into a buffered channel, and a filtering pipeline that
// decides, per event, whether it reaches the cache and the write queue.
//
// The pipeline's checks run in a fixed order: validation, item exclusion,
// marketability, world exclusion, scope, mannequin, spike, discrepancy. The
// first failing
// check drops the event with a debug log and a per-reason counter; dropped
// events are never surfaced as errors.
package feed

import (
	"sync"

	"github.com/rewired-gh/marketledger/internal/config"
	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/models"
	"github.com/rewired-gh/marketledger/internal/pricecache"
)

// WorldResolver maps a world to its datacenter and region grouping and
// reports whether an item is tradable on the market at all.
type WorldResolver interface {
	WorldMeta(worldID uint32) (dataCenter, region string, ok bool)
	IsMarketable(itemID uint32) bool
}

// Enqueuer accepts work items for background persistence.
type Enqueuer interface {
	Enqueue(item models.WorkItem)
}

// Stats counts pipeline outcomes since start.
type Stats struct {
	Accepted       uint64
	Invalid        uint64
	ExcludedItems  uint64
	NotMarketable  uint64
	ExcludedWorlds uint64
	OutOfScope     uint64
	Mannequin      uint64
	Spikes         uint64
	Discrepancies  uint64
}

// Pipeline filters price events and forwards survivors to the cache and the
// write queue. Cache updates happen synchronously before the enqueue so a
// reader immediately after Process sees the new price.
type Pipeline struct {
	cache    *pricecache.Cache
	queue    Enqueuer
	resolver WorldResolver
	scope    config.TrackingConfig
	filters  config.FilterConfig

	excludedItems  map[uint32]struct{}
	excludedWorlds map[uint32]struct{}
	scopeWorlds    map[uint32]struct{}
	scopeDCs       map[string]struct{}
	scopeRegions   map[string]struct{}

	mu    sync.Mutex
	stats Stats
}

// NewPipeline builds a pipeline from the tracking scope and filter settings.
func NewPipeline(cache *pricecache.Cache, queue Enqueuer, resolver WorldResolver, scope config.TrackingConfig, filters config.FilterConfig) *Pipeline {
	return &Pipeline{
		cache:          cache,
		queue:          queue,
		resolver:       resolver,
		scope:          scope,
		filters:        filters,
		excludedItems:  toSet(scope.ExcludedItems),
		excludedWorlds: toSet(scope.ExcludedWorlds),
		scopeWorlds:    toSet(scope.Worlds),
		scopeDCs:       toStringSet(scope.DataCenters),
		scopeRegions:   toStringSet(scope.Regions),
	}
}

// Process runs one event through the filter chain. Survivors update the
// cache and are enqueued for persistence; everything else is dropped.
func (p *Pipeline) Process(ev models.PriceEvent) {
	if err := ev.Validate(); err != nil {
		p.drop(&p.stats.Invalid)
		logger.Debug("dropping malformed event for item %d: %v", ev.ItemID, err)
		return
	}
	if _, ok := p.excludedItems[ev.ItemID]; ok {
		p.drop(&p.stats.ExcludedItems)
		logger.Debug("dropping event for excluded item %d", ev.ItemID)
		return
	}
	if !p.resolver.IsMarketable(ev.ItemID) {
		p.drop(&p.stats.NotMarketable)
		logger.Debug("dropping event for non-marketable item %d", ev.ItemID)
		return
	}
	if _, ok := p.excludedWorlds[ev.WorldID]; ok {
		p.drop(&p.stats.ExcludedWorlds)
		logger.Debug("dropping event for excluded world %d", ev.WorldID)
		return
	}
	if !p.inScope(ev.WorldID) {
		p.drop(&p.stats.OutOfScope)
		logger.Debug("dropping event for out-of-scope world %d", ev.WorldID)
		return
	}

	switch ev.Kind {
	case models.Sale:
		p.processSale(ev)
	case models.Listing:
		p.processListing(ev)
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) processSale(ev models.PriceEvent) {
	if ev.OnMannequin {
		p.drop(&p.stats.Mannequin)
		logger.Debug("dropping mannequin sale for item %d", ev.ItemID)
		return
	}

	entry, cached := p.cache.Get(ev.ItemID, ev.WorldID)

	if cached && p.isSpike(entry, ev) {
		p.drop(&p.stats.Spikes)
		logger.Debug("dropping spike sale for item %d on world %d: %d per unit", ev.ItemID, ev.WorldID, ev.PricePerUnit)
		return
	}
	if cached && p.filters.DiscrepancyEnabled && p.isDiscrepant(entry, ev) {
		p.drop(&p.stats.Discrepancies)
		logger.Debug("dropping discrepant sale for item %d on world %d: %d per unit", ev.ItemID, ev.WorldID, ev.PricePerUnit)
		return
	}

	p.cache.AddPrice(ev.ItemID, ev.WorldID, ev.HQ, ev.PricePerUnit, ev.Timestamp)
	p.cache.UpdateSalePrices(ev.ItemID, ev.WorldID, ev.HQ, ev.PricePerUnit, "feed")

	p.queue.Enqueue(models.NewSaleItem(models.SaleDetail{
		ItemID:       ev.ItemID,
		WorldID:      ev.WorldID,
		HQ:           ev.HQ,
		PricePerUnit: ev.PricePerUnit,
		Quantity:     ev.Quantity,
		Buyer:        ev.BuyerName,
		PrevMinNQ:    entry.MinListingNQ,
		PrevMinHQ:    entry.MinListingHQ,
		Timestamp:    ev.Timestamp,
	}))
	p.accept()
}

func (p *Pipeline) processListing(ev models.PriceEvent) {
	nq, hq := models.AbsentPrice(), models.AbsentPrice()
	if ev.HQ {
		hq = models.PresentPrice(ev.PricePerUnit)
	} else {
		nq = models.PresentPrice(ev.PricePerUnit)
	}
	p.cache.UpdateMinPrices(ev.ItemID, ev.WorldID, nq, hq, "feed")

	p.queue.Enqueue(models.NewListingItem(models.ListingDetail{
		ItemID:       ev.ItemID,
		WorldID:      ev.WorldID,
		HQ:           ev.HQ,
		PricePerUnit: ev.PricePerUnit,
	}))
	p.accept()
}

// isSpike reports whether a sale is implausibly large against the last sale
// of the same quality: last at or above the activation threshold and the new
// price at or beyond the factor. The factor boundary itself is rejected.
func (p *Pipeline) isSpike(entry models.CacheEntry, ev models.PriceEvent) bool {
	last := entry.LastSaleNQ
	if ev.HQ {
		last = entry.LastSaleHQ
	}
	lastVal, ok := last.Get()
	if !ok || lastVal < p.filters.SpikeMinThreshold {
		return false
	}
	return ev.PricePerUnit >= p.filters.SpikeFactor*lastVal
}

// isDiscrepant compares the sale against a reference price built from the
// cached minimum listing and the most recent sale of the same quality. When
// both sides are known the reference is their average, with the sale side
// taken from the recent-sales ring so the newest observation wins over an
// older cached value. With only one side known, that side is the reference;
// with neither, the filter passes.
func (p *Pipeline) isDiscrepant(entry models.CacheEntry, ev models.PriceEvent) bool {
	minListing := entry.MinListingNQ
	lastSale := entry.LastSaleNQ
	if ev.HQ {
		minListing = entry.MinListingHQ
		lastSale = entry.LastSaleHQ
	}
	if recent := p.cache.RecentSales(ev.ItemID, ev.WorldID, ev.HQ); len(recent) > 0 {
		lastSale = models.PresentPrice(recent[0].Price)
	}

	var reference float64
	minVal, minOK := minListing.Get()
	saleVal, saleOK := lastSale.Get()
	switch {
	case minOK && saleOK:
		reference = float64(minVal+saleVal) / 2
	case minOK:
		reference = float64(minVal)
	case saleOK:
		reference = float64(saleVal)
	default:
		return false
	}
	if reference <= 0 {
		return false
	}

	deviation := float64(ev.PricePerUnit) - reference
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation/reference*100 > p.filters.DiscrepancyMaxPercent
}

// inScope applies the world, datacenter, region scope lists in that order;
// the first list naming the world's grouping decides. No lists means
// everything is in scope.
func (p *Pipeline) inScope(worldID uint32) bool {
	if len(p.scopeWorlds) == 0 && len(p.scopeDCs) == 0 && len(p.scopeRegions) == 0 {
		return true
	}
	if _, ok := p.scopeWorlds[worldID]; ok {
		return true
	}
	if len(p.scopeDCs) == 0 && len(p.scopeRegions) == 0 {
		return false
	}

	dc, region, ok := p.resolver.WorldMeta(worldID)
	if !ok {
		return false
	}
	if _, ok := p.scopeDCs[dc]; ok {
		return true
	}
	_, ok = p.scopeRegions[region]
	return ok
}

func (p *Pipeline) drop(counter *uint64) {
	p.mu.Lock()
	*counter++
	p.mu.Unlock()
}

func (p *Pipeline) accept() {
	p.mu.Lock()
	p.stats.Accepted++
	p.mu.Unlock()
}

func toSet(ids []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func toStringSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
