package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPriceEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   PriceEvent
		wantErr bool
	}{
		{
			name: "valid sale",
			event: PriceEvent{
				ItemID:       5333,
				WorldID:      34,
				Kind:         Sale,
				PricePerUnit: 1200,
				Quantity:     3,
				Total:        3600,
				Timestamp:    time.Now(),
			},
			wantErr: false,
		},
		{
			name: "valid listing",
			event: PriceEvent{
				ItemID:       5333,
				WorldID:      34,
				Kind:         Listing,
				PricePerUnit: 999,
				Quantity:     1,
			},
			wantErr: false,
		},
		{
			name: "zero item ID",
			event: PriceEvent{
				WorldID:      34,
				Kind:         Sale,
				PricePerUnit: 1200,
			},
			wantErr: true,
		},
		{
			name: "zero world ID",
			event: PriceEvent{
				ItemID:       5333,
				Kind:         Sale,
				PricePerUnit: 1200,
			},
			wantErr: true,
		},
		{
			name: "negative price",
			event: PriceEvent{
				ItemID:       5333,
				WorldID:      34,
				Kind:         Sale,
				PricePerUnit: -1,
			},
			wantErr: true,
		},
		{
			name: "negative quantity",
			event: PriceEvent{
				ItemID:       5333,
				WorldID:      34,
				Kind:         Sale,
				PricePerUnit: 10,
				Quantity:     -2,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestSeriesKeyValidate(t *testing.T) {
	valid := SeriesKey{Name: "Gil", CharacterID: 42}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() on valid key returned %v", err)
	}
	if err := (SeriesKey{CharacterID: 42}).Validate(); err == nil {
		t.Error("Validate() accepted empty name")
	}
	if err := (SeriesKey{Name: "Gil"}).Validate(); err == nil {
		t.Error("Validate() accepted zero character ID")
	}
}

func TestPriceMergeMin(t *testing.T) {
	tests := []struct {
		name     string
		existing Price
		incoming Price
		want     Price
	}{
		{"higher incoming keeps existing", PresentPrice(100), PresentPrice(150), PresentPrice(100)},
		{"lower incoming replaces", PresentPrice(100), PresentPrice(80), PresentPrice(80)},
		{"absent incoming keeps existing", PresentPrice(100), AbsentPrice(), PresentPrice(100)},
		{"zero incoming keeps existing", PresentPrice(100), PresentPrice(0), PresentPrice(100)},
		{"incoming fills absent", AbsentPrice(), PresentPrice(70), PresentPrice(70)},
		{"both absent stays absent", AbsentPrice(), AbsentPrice(), AbsentPrice()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.existing.MergeMin(tt.incoming); got != tt.want {
				t.Errorf("MergeMin() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPriceJSONRoundTrip(t *testing.T) {
	type row struct {
		Min Price `json:"min"`
	}

	present, err := json.Marshal(row{Min: PresentPrice(1250)})
	if err != nil {
		t.Fatalf("Marshal present: %v", err)
	}
	if string(present) != `{"min":1250}` {
		t.Errorf("present price marshaled as %s", present)
	}

	absent, err := json.Marshal(row{})
	if err != nil {
		t.Fatalf("Marshal absent: %v", err)
	}
	if string(absent) != `{"min":null}` {
		t.Errorf("absent price marshaled as %s", absent)
	}

	var back row
	if err := json.Unmarshal(absent, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Min.Present() {
		t.Error("null did not decode to absent")
	}
}

func TestCacheEntryState(t *testing.T) {
	t0 := time.Now()
	entry := CacheEntry{
		ItemID:             5333,
		WorldID:            34,
		LastUpdated:        t0,
		TTL:                15 * time.Minute,
		StalenessThreshold: 60 * time.Minute,
	}

	tests := []struct {
		name string
		at   time.Time
		want FreshnessState
	}{
		{"fresh at +10m", t0.Add(10 * time.Minute), Fresh},
		{"stale at TTL boundary", t0.Add(15 * time.Minute), Stale},
		{"stale at +20m", t0.Add(20 * time.Minute), Stale},
		{"expired at threshold boundary", t0.Add(60 * time.Minute), Expired},
		{"expired at +61m", t0.Add(61 * time.Minute), Expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entry.State(tt.at); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkItemKey(t *testing.T) {
	sample := NewSampleItem(SeriesKey{Name: "Gil", CharacterID: 42}, 100)
	if got := sample.Key(); got != "series:Gil:42" {
		t.Errorf("sample Key() = %q", got)
	}

	sale := NewSaleItem(SaleDetail{ItemID: 5333, WorldID: 34, PricePerUnit: 100})
	if got := sale.Key(); got != "item:5333" {
		t.Errorf("sale Key() = %q", got)
	}

	listing := NewListingItem(ListingDetail{ItemID: 7, WorldID: 34, PricePerUnit: 50})
	if got := listing.Key(); got != "item:7" {
		t.Errorf("listing Key() = %q", got)
	}

	if sample.ID == sale.ID {
		t.Error("work items must get distinct IDs")
	}
}
