package pricecache

import (
	"math"
	"sort"
	"time"
)

// SalePrice is one entry in a recent-sales ring.
type SalePrice struct {
	Price     int64
	Timestamp time.Time
}

// ring is a fixed-capacity, newest-first buffer of recent sale prices.
// Inserts go to the front; anything beyond capacity is silently dropped.
type ring struct {
	prices   []SalePrice
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{prices: make([]SalePrice, 0, capacity), capacity: capacity}
}

func (r *ring) add(price int64, ts time.Time) {
	r.prices = append([]SalePrice{{Price: price, Timestamp: ts}}, r.prices...)
	if len(r.prices) > r.capacity {
		r.prices = r.prices[:r.capacity]
	}
}

func (r *ring) snapshot() []SalePrice {
	out := make([]SalePrice, len(r.prices))
	copy(out, r.prices)
	return out
}

// salesRings holds the NQ and HQ rings for one (item, world) pair.
type salesRings struct {
	nq *ring
	hq *ring
}

// RingStats are derived statistics over a ring's current contents. They are
// computed on demand, never maintained incrementally.
type RingStats struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
}

// AddPrice records a sale price in the ring for (item, world, quality).
func (c *Cache) AddPrice(itemID, worldID uint32, hq bool, price int64, ts time.Time) {
	key := Key{ItemID: itemID, WorldID: worldID}

	c.mu.Lock()
	defer c.mu.Unlock()

	rings, ok := c.sales[key]
	if !ok {
		rings = &salesRings{nq: newRing(c.ringCapacity), hq: newRing(c.ringCapacity)}
		c.sales[key] = rings
	}
	if hq {
		rings.hq.add(price, ts)
	} else {
		rings.nq.add(price, ts)
	}
}

// RecentSales returns the ring contents for (item, world, quality),
// newest first.
func (c *Cache) RecentSales(itemID, worldID uint32, hq bool) []SalePrice {
	key := Key{ItemID: itemID, WorldID: worldID}

	c.mu.RLock()
	defer c.mu.RUnlock()

	rings, ok := c.sales[key]
	if !ok {
		return nil
	}
	if hq {
		return rings.hq.snapshot()
	}
	return rings.nq.snapshot()
}

// RecentStats computes median, mean, and sample standard deviation over the
// current ring contents for (item, world, quality).
func (c *Cache) RecentStats(itemID, worldID uint32, hq bool) RingStats {
	prices := c.RecentSales(itemID, worldID, hq)
	if len(prices) == 0 {
		return RingStats{}
	}

	values := make([]float64, len(prices))
	var sum float64
	for i, p := range prices {
		values[i] = float64(p.Price)
		sum += values[i]
	}
	mean := sum / float64(len(values))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	var stddev float64
	if len(values) > 1 {
		var variance float64
		for _, v := range values {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(len(values) - 1)
		stddev = math.Sqrt(variance)
	}

	return RingStats{
		Count:  len(prices),
		Mean:   mean,
		Median: median,
		StdDev: stddev,
	}
}
