package mbapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rewired-gh/marketledger/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(config.APIConfig{
		BaseURL:         server.URL,
		RateLimitPerSec: 1000,
		Timeout:         2 * time.Second,
		MaxRetries:      0,
		RetryDelayBase:  10 * time.Millisecond,
	})
}

func TestAggregatedPrices(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"itemId":5,"nq":{"minListing":{"world":{"price":120}},"recentPurchase":{"world":{"price":110}}},"hq":{"minListing":{"world":null},"recentPurchase":{"world":null}}}]}`))
	}))

	agg, err := client.AggregatedPrices(context.Background(), 40, []uint32{5, 7})
	if err != nil {
		t.Fatalf("AggregatedPrices: %v", err)
	}
	if gotPath != "/aggregated/40/5,7" {
		t.Errorf("request path = %q, want /aggregated/40/5,7", gotPath)
	}
	if len(agg.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(agg.Results))
	}
	r := agg.Results[0]
	if r.ItemID != 5 {
		t.Errorf("itemId = %d, want 5", r.ItemID)
	}
	if r.NQ.MinListing.World == nil || r.NQ.MinListing.World.Price != 120 {
		t.Errorf("nq min listing = %+v, want 120", r.NQ.MinListing.World)
	}
	if r.HQ.MinListing.World != nil {
		t.Errorf("hq min listing = %+v, want absent", r.HQ.MinListing.World)
	}
}

func TestAggregatedPricesNotFoundIsNotAnError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	agg, err := client.AggregatedPrices(context.Background(), 40, []uint32{999999})
	if err != nil {
		t.Fatalf("AggregatedPrices on 404: %v", err)
	}
	if agg != nil {
		t.Errorf("aggregate = %+v on 404, want nil", agg)
	}
}

func TestAggregatedPricesEmptyInputSkipsRequest(t *testing.T) {
	called := false
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	agg, err := client.AggregatedPrices(context.Background(), 40, nil)
	if err != nil {
		t.Fatalf("AggregatedPrices: %v", err)
	}
	if agg == nil || len(agg.Results) != 0 {
		t.Errorf("aggregate = %+v, want empty", agg)
	}
	if called {
		t.Errorf("request issued for empty item list")
	}
}

func TestMarketableItems(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/marketable" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[2,5,7]`))
	}))

	items, err := client.MarketableItems(context.Background())
	if err != nil {
		t.Fatalf("MarketableItems: %v", err)
	}
	if len(items) != 3 || items[0] != 2 || items[2] != 7 {
		t.Errorf("items = %v, want [2 5 7]", items)
	}
}

func TestCatalogMetadata(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/worlds":
			w.Write([]byte(`[{"id":40,"name":"Jenova"}]`))
		case "/data-centers":
			w.Write([]byte(`[{"name":"Aether","region":"North-America","worlds":[40,41]}]`))
		default:
			http.NotFound(w, r)
		}
	}))

	worlds, err := client.Worlds(context.Background())
	if err != nil {
		t.Fatalf("Worlds: %v", err)
	}
	if len(worlds) != 1 || worlds[0].Name != "Jenova" {
		t.Errorf("worlds = %+v, want [Jenova]", worlds)
	}

	dcs, err := client.DataCenters(context.Background())
	if err != nil {
		t.Fatalf("DataCenters: %v", err)
	}
	if len(dcs) != 1 || dcs[0].Region != "North-America" || len(dcs[0].Worlds) != 2 {
		t.Errorf("data centers = %+v", dcs)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	if _, err := client.MarketableItems(context.Background()); err == nil {
		t.Errorf("MarketableItems returned nil error on 500")
	}
}
