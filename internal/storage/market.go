package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/marketledger/internal/models"
)

// priceToNull maps an absent price to SQL NULL so "unknown" is never stored
// as zero.
func priceToNull(p models.Price) sql.NullInt64 {
	if v, ok := p.Get(); ok {
		return sql.NullInt64{Int64: v, Valid: true}
	}
	return sql.NullInt64{}
}

func nullToPrice(n sql.NullInt64) models.Price {
	if n.Valid {
		return models.PresentPrice(n.Int64)
	}
	return models.AbsentPrice()
}

// PriceRow is one pending merge into the market_prices table.
type PriceRow struct {
	ItemID       uint32
	WorldID      uint32
	MinListingNQ models.Price
	MinListingHQ models.Price
	LastSaleNQ   models.Price
	LastSaleHQ   models.Price
	UpdatedAt    time.Time
}

// upsertPriceSQL merges a row into market_prices with floor semantics for the
// minimum-listing columns (an incoming NULL or zero never raises a stored
// minimum) and last-writer semantics for the last-sale columns.
const upsertPriceSQL = `
INSERT INTO market_prices
	(item_id, world_id, min_listing_nq, min_listing_hq, last_sale_nq, last_sale_hq, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (item_id, world_id) DO UPDATE SET
	min_listing_nq = CASE
		WHEN excluded.min_listing_nq IS NULL OR excluded.min_listing_nq = 0
			THEN market_prices.min_listing_nq
		WHEN market_prices.min_listing_nq IS NULL OR market_prices.min_listing_nq = 0
			THEN excluded.min_listing_nq
		ELSE MIN(market_prices.min_listing_nq, excluded.min_listing_nq)
	END,
	min_listing_hq = CASE
		WHEN excluded.min_listing_hq IS NULL OR excluded.min_listing_hq = 0
			THEN market_prices.min_listing_hq
		WHEN market_prices.min_listing_hq IS NULL OR market_prices.min_listing_hq = 0
			THEN excluded.min_listing_hq
		ELSE MIN(market_prices.min_listing_hq, excluded.min_listing_hq)
	END,
	last_sale_nq = COALESCE(excluded.last_sale_nq, market_prices.last_sale_nq),
	last_sale_hq = COALESCE(excluded.last_sale_hq, market_prices.last_sale_hq),
	updated_at   = excluded.updated_at`

func upsertPriceRowTx(ctx context.Context, tx *sql.Tx, row PriceRow) error {
	at := row.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := tx.ExecContext(ctx, upsertPriceSQL,
		row.ItemID, row.WorldID,
		priceToNull(row.MinListingNQ), priceToNull(row.MinListingHQ),
		priceToNull(row.LastSaleNQ), priceToNull(row.LastSaleHQ),
		toMillis(at))
	if err != nil {
		return fmt.Errorf("upsert price row (%d, %d): %w", row.ItemID, row.WorldID, err)
	}
	return nil
}

// UpsertPriceRowsTx merges a batch of price rows in one transaction.
func (s *Store) UpsertPriceRowsTx(ctx context.Context, rows []PriceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := upsertPriceRowTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSalesTx persists a batch of validated sales and their corresponding
// price-row merges in one transaction. The pre-existing cached minimums riding
// on each detail keep the SQL floor-merge monotonic even when the cache has
// already moved on.
func (s *Store) SaveSalesTx(ctx context.Context, sales []models.SaleDetail) error {
	if len(sales) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, sale := range sales {
			at := sale.Timestamp
			if at.IsZero() {
				at = time.Now()
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO sales (item_id, world_id, hq, price_per_unit, quantity, buyer, ts)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sale.ItemID, sale.WorldID, sale.HQ, sale.PricePerUnit,
				sale.Quantity, sale.Buyer, toMillis(at)); err != nil {
				return fmt.Errorf("insert sale (%d, %d): %w", sale.ItemID, sale.WorldID, err)
			}

			row := PriceRow{
				ItemID:       sale.ItemID,
				WorldID:      sale.WorldID,
				MinListingNQ: sale.PrevMinNQ,
				MinListingHQ: sale.PrevMinHQ,
				UpdatedAt:    at,
			}
			if sale.HQ {
				row.LastSaleHQ = models.PresentPrice(sale.PricePerUnit)
			} else {
				row.LastSaleNQ = models.PresentPrice(sale.PricePerUnit)
			}
			if err := upsertPriceRowTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarketPrice reads the persisted price row for (item, world). The boolean
// reports whether a row exists; absence is normal, not an error.
func (s *Store) MarketPrice(ctx context.Context, itemID, worldID uint32) (models.CacheEntry, bool, error) {
	db, err := s.reader()
	if err != nil {
		return models.CacheEntry{}, false, err
	}

	var minNQ, minHQ, saleNQ, saleHQ sql.NullInt64
	var updatedAt int64
	err = db.QueryRowContext(ctx, `
SELECT min_listing_nq, min_listing_hq, last_sale_nq, last_sale_hq, updated_at
FROM market_prices WHERE item_id = ? AND world_id = ?`,
		itemID, worldID).Scan(&minNQ, &minHQ, &saleNQ, &saleHQ, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("query market price: %w", err)
	}

	return models.CacheEntry{
		ItemID:       itemID,
		WorldID:      worldID,
		MinListingNQ: nullToPrice(minNQ),
		MinListingHQ: nullToPrice(minHQ),
		LastSaleNQ:   nullToPrice(saleNQ),
		LastSaleHQ:   nullToPrice(saleHQ),
		LastUpdated:  fromMillis(updatedAt),
		Source:       "store",
	}, true, nil
}

// SalesInRange returns persisted sales for (item, world) within [from, to],
// ordered by timestamp ascending.
func (s *Store) SalesInRange(ctx context.Context, itemID, worldID uint32, from, to time.Time) ([]models.SaleDetail, error) {
	db, err := s.reader()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT hq, price_per_unit, quantity, COALESCE(buyer, ''), ts
FROM sales
WHERE item_id = ? AND world_id = ? AND ts BETWEEN ? AND ?
ORDER BY ts ASC`,
		itemID, worldID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	var out []models.SaleDetail
	for rows.Next() {
		var sale models.SaleDetail
		var ts int64
		if err := rows.Scan(&sale.HQ, &sale.PricePerUnit, &sale.Quantity, &sale.Buyer, &ts); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		sale.ItemID = itemID
		sale.WorldID = worldID
		sale.Timestamp = fromMillis(ts)
		out = append(out, sale)
	}
	return out, rows.Err()
}
