package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Price is a tagged optional integer price. A zero value is a real,
// representable price; "no data yet" is a distinct Absent state. This keeps
// "item sold for 0" and "never saw a sale" from being conflated anywhere in
// the cache or the store.
type Price struct {
	value   int64
	present bool
}

// PresentPrice wraps a known price.
func PresentPrice(v int64) Price {
	return Price{value: v, present: true}
}

// AbsentPrice is the "no data yet" state.
func AbsentPrice() Price {
	return Price{}
}

// Get returns the price and whether it is present.
func (p Price) Get() (int64, bool) {
	return p.value, p.present
}

// Present reports whether a value is known.
func (p Price) Present() bool {
	return p.present
}

// Or returns the price when present, def otherwise.
func (p Price) Or(def int64) int64 {
	if p.present {
		return p.value
	}
	return def
}

// MergeMin floors p against incoming: the result is the lower of the two
// present, non-zero values. Absent or zero incoming values never replace a
// known minimum; an incoming value always fills an absent one.
func (p Price) MergeMin(incoming Price) Price {
	iv, ok := incoming.Get()
	if !ok || iv == 0 {
		return p
	}
	if !p.present || iv < p.value {
		return PresentPrice(iv)
	}
	return p
}

var jsonNull = []byte("null")

// MarshalJSON encodes present prices as numbers and absent ones as null.
func (p Price) MarshalJSON() ([]byte, error) {
	if !p.present {
		return jsonNull, nil
	}
	return json.Marshal(p.value)
}

// UnmarshalJSON decodes null as absent and any number as present.
func (p *Price) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		*p = AbsentPrice()
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PresentPrice(v)
	return nil
}

// FreshnessState classifies a cache entry by age.
type FreshnessState int

const (
	// Fresh entries are younger than the TTL.
	Fresh FreshnessState = iota
	// Stale entries passed the TTL but not the staleness threshold. Callers
	// still get the value and decide whether to trust it.
	Stale
	// Expired entries passed the staleness threshold and are eligible for
	// eviction by the maintenance sweep.
	Expired
)

// String returns the lowercase state name.
func (s FreshnessState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// CacheEntry is the cached price record for one (item, world) pair.
// Minimum listing fields merge downward (a higher listing never replaces a
// lower known minimum); last-sale fields are overwritten by the latest sale.
type CacheEntry struct {
	ItemID  uint32 `json:"item_id"`
	WorldID uint32 `json:"world_id"`

	MinListingNQ Price `json:"min_listing_nq"`
	MinListingHQ Price `json:"min_listing_hq"`
	LastSaleNQ   Price `json:"last_sale_nq"`
	LastSaleHQ   Price `json:"last_sale_hq"`

	LastUpdated        time.Time     `json:"last_updated"`
	Source             string        `json:"source"`
	TTL                time.Duration `json:"ttl"`
	StalenessThreshold time.Duration `json:"staleness_threshold"`
}

// State classifies the entry by its age at now. The progression
// Fresh → Stale → Expired is strictly monotonic in age; only a new write
// (resetting LastUpdated) moves an entry backward.
func (e *CacheEntry) State(now time.Time) FreshnessState {
	age := now.Sub(e.LastUpdated)
	switch {
	case age < e.TTL:
		return Fresh
	case age < e.StalenessThreshold:
		return Stale
	default:
		return Expired
	}
}
