package mbapi

import "sync"

type worldMeta struct {
	name       string
	dataCenter string
	region     string
}

// Catalog is the in-memory view of the aggregator's reference data: worlds,
// their datacenter/region grouping, and the marketable item set. It is
// rebuilt by the periodic catalog refresh and read by the ingestion scope
// checks.
type Catalog struct {
	mu         sync.RWMutex
	worlds     map[uint32]worldMeta
	marketable map[uint32]struct{}
}

// NewCatalog creates an empty catalog. Lookups against an empty catalog
// report unknown; the scope rules treat unknown worlds as out of any named
// datacenter or region.
func NewCatalog() *Catalog {
	return &Catalog{
		worlds:     make(map[uint32]worldMeta),
		marketable: make(map[uint32]struct{}),
	}
}

// Update replaces the world/datacenter view.
func (c *Catalog) Update(worlds []World, dcs []DataCenter) {
	next := make(map[uint32]worldMeta, len(worlds))
	for _, w := range worlds {
		next[w.ID] = worldMeta{name: w.Name}
	}
	for _, dc := range dcs {
		for _, id := range dc.Worlds {
			meta, ok := next[id]
			if !ok {
				continue
			}
			meta.dataCenter = dc.Name
			meta.region = dc.Region
			next[id] = meta
		}
	}

	c.mu.Lock()
	c.worlds = next
	c.mu.Unlock()
}

// SetMarketable replaces the marketable item set.
func (c *Catalog) SetMarketable(itemIDs []uint32) {
	next := make(map[uint32]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		next[id] = struct{}{}
	}

	c.mu.Lock()
	c.marketable = next
	c.mu.Unlock()
}

// WorldMeta returns the datacenter and region a world belongs to.
func (c *Catalog) WorldMeta(worldID uint32) (dataCenter, region string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.worlds[worldID]
	return meta.dataCenter, meta.region, ok
}

// WorldName returns the display name of a world.
func (c *Catalog) WorldName(worldID uint32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.worlds[worldID]
	return meta.name, ok
}

// IsMarketable reports whether an item trades on the market. An empty
// catalog (not yet loaded) reports true so ingestion is not starved before
// the first refresh.
func (c *Catalog) IsMarketable(itemID uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.marketable) == 0 {
		return true
	}
	_, ok := c.marketable[itemID]
	return ok
}
