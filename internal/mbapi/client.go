package mbapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/rewired-gh/marketledger/internal/config"
)

// PricePoint is one observed price within an aggregate.
type PricePoint struct {
	Price int64 `json:"price"`
}

// QualityAggregate summarizes one quality tier for an item on one world.
type QualityAggregate struct {
	MinListing struct {
		World *PricePoint `json:"world"`
	} `json:"minListing"`
	RecentPurchase struct {
		World *PricePoint `json:"world"`
	} `json:"recentPurchase"`
}

// AggregateResult is the per-item payload of an aggregated price lookup.
type AggregateResult struct {
	ItemID uint32           `json:"itemId"`
	NQ     QualityAggregate `json:"nq"`
	HQ     QualityAggregate `json:"hq"`
}

// Aggregate is the response of an aggregated price lookup.
type Aggregate struct {
	Results []AggregateResult `json:"results"`
}

// World is one catalog world entry.
type World struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// DataCenter groups worlds under a region.
type DataCenter struct {
	Name   string   `json:"name"`
	Region string   `json:"region"`
	Worlds []uint32 `json:"worlds"`
}

// Client is the rate-limited aggregator client. Every request passes through
// the sliding-window limiter before touching the wire.
type Client struct {
	http    *resty.Client
	limiter *Limiter
}

// NewClient builds a client from the api config section.
func NewClient(cfg config.APIConfig) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryDelayBase).
		SetHeader("User-Agent", "marketledger")

	return &Client{
		http:    http,
		limiter: NewLimiter(cfg.RateLimitPerSec),
	}
}

// AggregatedPrices fetches aggregated prices for up to 100 items on one
// world. A 404 means none of the items trade there and returns (nil, nil).
func (c *Client) AggregatedPrices(ctx context.Context, world uint32, itemIDs []uint32) (*Aggregate, error) {
	if len(itemIDs) == 0 {
		return &Aggregate{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out Aggregate
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/aggregated/%d/%s", world, joinIDs(itemIDs)))
	if err != nil {
		return nil, fmt.Errorf("aggregated prices: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("aggregated prices: status %d", resp.StatusCode())
	}
	return &out, nil
}

// MarketableItems fetches the catalog of item IDs that trade on the market.
func (c *Client) MarketableItems(ctx context.Context) ([]uint32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []uint32
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/marketable")
	if err != nil {
		return nil, fmt.Errorf("marketable items: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("marketable items: status %d", resp.StatusCode())
	}
	return out, nil
}

// Worlds fetches world metadata.
func (c *Client) Worlds(ctx context.Context) ([]World, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []World
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/worlds")
	if err != nil {
		return nil, fmt.Errorf("worlds: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("worlds: status %d", resp.StatusCode())
	}
	return out, nil
}

// DataCenters fetches datacenter metadata.
func (c *Client) DataCenters(ctx context.Context) ([]DataCenter, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out []DataCenter
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/data-centers")
	if err != nil {
		return nil, fmt.Errorf("data centers: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("data centers: status %d", resp.StatusCode())
	}
	return out, nil
}

func joinIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
