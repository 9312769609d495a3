package models

import (
	"errors"
	"time"
)

// EventKind distinguishes the two price feed event types.
type EventKind int

const (
	// Sale is a completed transaction. Sales are the valuation ground truth
	// and pass through the spike and discrepancy filters before being trusted.
	Sale EventKind = iota
	// Listing is an open offer. Listings are advisory and only ever lower a
	// known minimum.
	Listing
)

// String returns the lowercase kind name.
func (k EventKind) String() string {
	switch k {
	case Sale:
		return "sale"
	case Listing:
		return "listing"
	default:
		return "unknown"
	}
}

// PriceEvent is one discrete event from the live market feed. Delivery is
// asynchronous and ordering across worlds is not guaranteed.
type PriceEvent struct {
	ItemID       uint32    `json:"item_id"`
	WorldID      uint32    `json:"world_id"`
	Kind         EventKind `json:"kind"`
	PricePerUnit int64     `json:"price_per_unit"`
	Quantity     int64     `json:"quantity"`
	HQ           bool      `json:"hq"`
	Total        int64     `json:"total"`
	BuyerName    string    `json:"buyer_name,omitempty"`
	// OnMannequin marks a sale recorded from a display fixture rather than a
	// real market transaction.
	OnMannequin bool      `json:"on_mannequin,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks that the event is well-formed enough to enter the pipeline.
func (e *PriceEvent) Validate() error {
	if e.ItemID == 0 {
		return errors.New("item ID must not be zero")
	}
	if e.WorldID == 0 {
		return errors.New("world ID must not be zero")
	}
	if e.Kind != Sale && e.Kind != Listing {
		return errors.New("kind must be sale or listing")
	}
	if e.PricePerUnit < 0 {
		return errors.New("price per unit must not be negative")
	}
	if e.Quantity < 0 {
		return errors.New("quantity must not be negative")
	}
	return nil
}
