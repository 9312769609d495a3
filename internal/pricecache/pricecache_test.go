package pricecache

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/marketledger/internal/models"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.StalenessThreshold == 0 {
		opts.StalenessThreshold = time.Hour
	}
	return New(opts)
}

func TestMonotonicMinimumMerge(t *testing.T) {
	c := newTestCache(t, Options{})

	c.UpdateMinPrices(5333, 34, models.PresentPrice(100), models.AbsentPrice(), "test")

	// A higher listing must not raise the known minimum.
	c.UpdateMinPrices(5333, 34, models.PresentPrice(150), models.AbsentPrice(), "test")
	entry, ok := c.Get(5333, 34)
	if !ok {
		t.Fatal("entry not found after update")
	}
	if got := entry.MinListingNQ.Or(-1); got != 100 {
		t.Errorf("min after higher listing = %d, want 100", got)
	}

	// A lower listing replaces it.
	c.UpdateMinPrices(5333, 34, models.PresentPrice(80), models.AbsentPrice(), "test")
	entry, _ = c.Get(5333, 34)
	if got := entry.MinListingNQ.Or(-1); got != 80 {
		t.Errorf("min after lower listing = %d, want 80", got)
	}

	// Zero means "no data" on the wire and must not clobber the minimum.
	c.UpdateMinPrices(5333, 34, models.PresentPrice(0), models.AbsentPrice(), "test")
	entry, _ = c.Get(5333, 34)
	if got := entry.MinListingNQ.Or(-1); got != 80 {
		t.Errorf("min after zero listing = %d, want 80", got)
	}
}

func TestSalePricesOverwrite(t *testing.T) {
	c := newTestCache(t, Options{})

	c.UpdateSalePrices(5333, 34, false, 500, "test")
	c.UpdateSalePrices(5333, 34, false, 900, "test")

	entry, ok := c.Get(5333, 34)
	if !ok {
		t.Fatal("entry not found")
	}
	if got := entry.LastSaleNQ.Or(-1); got != 900 {
		t.Errorf("last sale = %d, want 900 (latest wins)", got)
	}
	if entry.LastSaleHQ.Present() {
		t.Error("HQ sale should still be absent")
	}
}

func TestFreshnessTransitions(t *testing.T) {
	c := newTestCache(t, Options{TTL: 15 * time.Minute, StalenessThreshold: time.Hour})

	t0 := time.Now()
	c.now = func() time.Time { return t0 }
	c.UpdateSalePrices(5333, 34, false, 500, "test")

	tests := []struct {
		name string
		at   time.Time
		want models.FreshnessState
	}{
		{"fresh at +10m", t0.Add(10 * time.Minute), models.Fresh},
		{"stale at +20m", t0.Add(20 * time.Minute), models.Stale},
		{"expired at +61m", t0.Add(61 * time.Minute), models.Expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.now = func() time.Time { return tt.at }
			entry, ok := c.Get(5333, 34)
			if !ok {
				t.Fatal("entry should be returned in every state")
			}
			if got := entry.State(tt.at); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.StaleHits != 1 || stats.ExpiredHits != 1 {
		t.Errorf("stats = %+v, want one hit per state", stats)
	}
}

func TestFreshWriteResetsAge(t *testing.T) {
	c := newTestCache(t, Options{TTL: 15 * time.Minute, StalenessThreshold: time.Hour})

	t0 := time.Now()
	c.now = func() time.Time { return t0 }
	c.UpdateSalePrices(5333, 34, false, 500, "test")

	// Entry goes stale, then a new write resets it to fresh.
	t1 := t0.Add(30 * time.Minute)
	c.now = func() time.Time { return t1 }
	c.UpdateSalePrices(5333, 34, false, 510, "test")

	entry, _ := c.Get(5333, 34)
	if got := entry.State(t1); got != models.Fresh {
		t.Errorf("State() after rewrite = %v, want fresh", got)
	}
}

func TestOverflowEviction(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 100, EvictFraction: 0.10})

	base := time.Now()
	seq := 0
	c.now = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}

	for i := 1; i <= 110; i++ {
		c.UpdateSalePrices(uint32(i), 34, false, 100, "test")
	}

	if got := c.Len(); got != 100 {
		t.Fatalf("Len() = %d, want exactly 100", got)
	}

	// The 10 oldest-updated keys must be the ones missing.
	for i := 1; i <= 10; i++ {
		if _, ok := c.Get(uint32(i), 34); ok {
			t.Errorf("item %d should have been evicted", i)
		}
	}
	for i := 11; i <= 110; i++ {
		if _, ok := c.Get(uint32(i), 34); !ok {
			t.Errorf("item %d should have survived", i)
		}
	}
}

func TestEvictExpired(t *testing.T) {
	c := newTestCache(t, Options{TTL: 15 * time.Minute, StalenessThreshold: time.Hour})

	t0 := time.Now()
	c.now = func() time.Time { return t0 }
	c.UpdateSalePrices(1, 34, false, 100, "test")
	c.UpdateSalePrices(2, 34, false, 100, "test")

	c.now = func() time.Time { return t0.Add(30 * time.Minute) }
	c.UpdateSalePrices(3, 34, false, 100, "test")

	// Two hours later: items 1 and 2 are expired, item 3 is only stale.
	c.now = func() time.Time { return t0.Add(80 * time.Minute) }
	if got := len(c.GetExpiredEntries()); got != 2 {
		t.Errorf("GetExpiredEntries() = %d entries, want 2", got)
	}
	if evicted := c.EvictExpired(); evicted != 2 {
		t.Errorf("EvictExpired() = %d, want 2", evicted)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}
}

func TestGetStaleEntriesOrderedAndBounded(t *testing.T) {
	c := newTestCache(t, Options{TTL: time.Minute, StalenessThreshold: time.Hour})

	t0 := time.Now()
	for i := 1; i <= 5; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		c.now = func() time.Time { return at }
		c.UpdateSalePrices(uint32(i), 34, false, 100, "test")
	}

	c.now = func() time.Time { return t0.Add(30 * time.Minute) }
	stale := c.GetStaleEntries(3)
	if len(stale) != 3 {
		t.Fatalf("GetStaleEntries(3) = %d entries, want 3", len(stale))
	}
	// Oldest-updated first.
	if stale[0].ItemID != 1 || stale[1].ItemID != 2 || stale[2].ItemID != 3 {
		t.Errorf("stale order = %d,%d,%d, want 1,2,3", stale[0].ItemID, stale[1].ItemID, stale[2].ItemID)
	}
}

func TestInvalidateHookCoversAllMutations(t *testing.T) {
	c := newTestCache(t, Options{})

	var calls []Key
	c.SetInvalidateHook(func(key Key) { calls = append(calls, key) })

	c.Set(models.CacheEntry{ItemID: 1, WorldID: 34})
	c.UpdateMinPrices(2, 34, models.PresentPrice(10), models.AbsentPrice(), "test")
	c.UpdateSalePrices(3, 34, false, 10, "test")

	if len(calls) != 3 {
		t.Fatalf("invalidate hook called %d times, want 3", len(calls))
	}
	for i, want := range []uint32{1, 2, 3} {
		if calls[i].ItemID != want {
			t.Errorf("call %d item = %d, want %d", i, calls[i].ItemID, want)
		}
	}
}

func TestRecentSalesRing(t *testing.T) {
	c := newTestCache(t, Options{RecentSalesCapacity: 5})

	base := time.Now()
	for i := 1; i <= 7; i++ {
		c.AddPrice(5333, 34, false, int64(i*100), base.Add(time.Duration(i)*time.Second))
	}

	prices := c.RecentSales(5333, 34, false)
	if len(prices) != 5 {
		t.Fatalf("ring holds %d, want capacity 5", len(prices))
	}
	// Newest first; the two oldest were dropped.
	for i, want := range []int64{700, 600, 500, 400, 300} {
		if prices[i].Price != want {
			t.Errorf("prices[%d] = %d, want %d", i, prices[i].Price, want)
		}
	}

	// HQ ring is independent.
	if hq := c.RecentSales(5333, 34, true); len(hq) != 0 {
		t.Errorf("HQ ring has %d entries, want 0", len(hq))
	}
}

func TestRecentStats(t *testing.T) {
	c := newTestCache(t, Options{RecentSalesCapacity: 5})

	base := time.Now()
	for _, p := range []int64{100, 200, 300, 400} {
		c.AddPrice(5333, 34, false, p, base)
	}

	stats := c.RecentStats(5333, 34, false)
	if stats.Count != 4 {
		t.Fatalf("Count = %d, want 4", stats.Count)
	}
	if stats.Mean != 250 {
		t.Errorf("Mean = %v, want 250", stats.Mean)
	}
	if stats.Median != 250 {
		t.Errorf("Median = %v, want 250", stats.Median)
	}
	// Sample std dev of {100,200,300,400} is ~129.099.
	if math.Abs(stats.StdDev-129.099) > 0.01 {
		t.Errorf("StdDev = %v, want ~129.099", stats.StdDev)
	}

	if empty := c.RecentStats(9999, 34, false); empty.Count != 0 {
		t.Errorf("stats for unknown item = %+v, want zero", empty)
	}
}

func TestValueCache(t *testing.T) {
	vc := NewValueCache()
	key := models.SeriesKey{Name: "Gil", CharacterID: 42}

	if _, ok := vc.Get(key); ok {
		t.Error("Get on empty cache should miss")
	}

	vc.Set(key, 12345)
	if v, ok := vc.Get(key); !ok || v != 12345 {
		t.Errorf("Get = (%d, %v), want (12345, true)", v, ok)
	}

	vc.Clear()
	if vc.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", vc.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, Options{MaxEntries: 1000})

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				item := uint32(g*200 + i + 1)
				c.UpdateSalePrices(item, 34, false, int64(i), "test")
				c.Get(item, 34)
				c.AddPrice(item, 34, false, int64(i), time.Now())
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	// Sanity only; the race detector is the real assertion here.
	if c.Len() == 0 {
		t.Error("cache empty after concurrent writes")
	}
}

func BenchmarkCacheGet(b *testing.B) {
	c := New(Options{TTL: 15 * time.Minute, StalenessThreshold: time.Hour})
	for i := uint32(1); i <= 1000; i++ {
		c.UpdateSalePrices(i, 34, false, int64(i), "bench")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(uint32(i%1000+1), 34)
	}
}

func ExampleCache_Get() {
	c := New(Options{TTL: 15 * time.Minute, StalenessThreshold: time.Hour})
	c.UpdateSalePrices(5333, 34, false, 1250, "feed")

	entry, ok := c.Get(5333, 34)
	fmt.Println(ok, entry.LastSaleNQ.Or(0))
	// Output: true 1250
}
