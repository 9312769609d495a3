package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// WorkKind partitions queued work by the storage operation it maps to.
type WorkKind int

const (
	// SampleKind is a scalar sample for a tracked series.
	SampleKind WorkKind = iota
	// SaleKind is a validated market sale plus its price-row merge.
	SaleKind
	// ListingKind is a minimum-listing merge into the price rows.
	ListingKind
	// NameKind associates a character ID with a display name.
	NameKind
)

// String returns the lowercase kind name.
func (k WorkKind) String() string {
	switch k {
	case SampleKind:
		return "sample"
	case SaleKind:
		return "sale"
	case ListingKind:
		return "listing"
	case NameKind:
		return "name"
	default:
		return "unknown"
	}
}

// SaleDetail carries the auxiliary fields a sale needs at persist time.
// PrevMinNQ/PrevMinHQ snapshot the cached minimums at enqueue time so the
// SQL merge can preserve monotonic minimums even if the cache moved on.
type SaleDetail struct {
	ItemID       uint32
	WorldID      uint32
	HQ           bool
	PricePerUnit int64
	Quantity     int64
	Buyer        string
	PrevMinNQ    Price
	PrevMinHQ    Price
	Timestamp    time.Time
}

// ListingDetail carries a minimum-listing update for persistence.
type ListingDetail struct {
	ItemID       uint32
	WorldID      uint32
	HQ           bool
	PricePerUnit int64
}

// WorkItem is one pending persistence operation. Items are immutable after
// construction: created by a producer, enqueued, consumed exactly once by the
// persister, then discarded.
type WorkItem struct {
	ID         uuid.UUID
	Kind       WorkKind
	Series     SeriesKey
	Value      int64
	Sale       *SaleDetail
	Listing    *ListingDetail
	Name       string
	EnqueuedAt time.Time
}

// NewSampleItem builds a scalar-sample work item.
func NewSampleItem(key SeriesKey, value int64) WorkItem {
	return WorkItem{
		ID:         uuid.New(),
		Kind:       SampleKind,
		Series:     key,
		Value:      value,
		EnqueuedAt: time.Now(),
	}
}

// NewSaleItem builds a sale work item.
func NewSaleItem(detail SaleDetail) WorkItem {
	return WorkItem{
		ID:         uuid.New(),
		Kind:       SaleKind,
		Sale:       &detail,
		EnqueuedAt: time.Now(),
	}
}

// NewListingItem builds a listing work item.
func NewListingItem(detail ListingDetail) WorkItem {
	return WorkItem{
		ID:         uuid.New(),
		Kind:       ListingKind,
		Listing:    &detail,
		EnqueuedAt: time.Now(),
	}
}

// NewNameItem builds a character-name association work item.
func NewNameItem(characterID uint64, name string) WorkItem {
	return WorkItem{
		ID:         uuid.New(),
		Kind:       NameKind,
		Series:     SeriesKey{CharacterID: characterID},
		Name:       name,
		EnqueuedAt: time.Now(),
	}
}

// Key returns the notification key affected by this item: the item ID for
// market work, the series key string for samples.
func (w WorkItem) Key() string {
	switch w.Kind {
	case SaleKind:
		if w.Sale != nil {
			return itemKey(w.Sale.ItemID)
		}
	case ListingKind:
		if w.Listing != nil {
			return itemKey(w.Listing.ItemID)
		}
	case SampleKind:
		return w.Series.NotifyKey()
	}
	return ""
}

func itemKey(itemID uint32) string {
	return "item:" + strconv.FormatUint(uint64(itemID), 10)
}

// NotifyKey returns the notification key for this series.
func (k SeriesKey) NotifyKey() string {
	return "series:" + k.Name + ":" + strconv.FormatUint(k.CharacterID, 10)
}
