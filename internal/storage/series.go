package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/marketledger/internal/models"
)

// GetOrCreateSeries returns the series ID for key, creating the series (and
// seeding it with an initial zero-value point) when missing. Idempotent.
func (s *Store) GetOrCreateSeries(ctx context.Context, key models.SeriesKey) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, fmt.Errorf("invalid series key: %w", err)
	}

	var id int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		id, txErr = getOrCreateSeriesTx(ctx, tx, key, time.Now())
		return txErr
	})
	return id, err
}

// getOrCreateSeriesTx is the transactional body shared with batch writes.
func getOrCreateSeriesTx(ctx context.Context, tx *sql.Tx, key models.SeriesKey, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM series WHERE name = ? AND character_id = ?`,
		key.Name, key.CharacterID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("look up series: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO series (name, character_id) VALUES (?, ?)`,
		key.Name, key.CharacterID)
	if err != nil {
		return 0, fmt.Errorf("create series: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("series id: %w", err)
	}

	// New series are seeded with a zero point so charts have an origin. The
	// seed sits one millisecond before now so a first sample for the same
	// instant never collides with it.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO points (series_id, ts, value) VALUES (?, ?, 0)`,
		id, toMillis(now)-1); err != nil {
		return 0, fmt.Errorf("seed zero point: %w", err)
	}
	return id, nil
}

// SaveIfChanged inserts a point only when value differs from the most recent
// point in the series. Returns whether an insert occurred. This is the core
// write-on-change dedup operation; the single writer connection serializes
// same-series races.
func (s *Store) SaveIfChanged(ctx context.Context, key models.SeriesKey, value int64, at time.Time) (bool, error) {
	inserted := false
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		inserted, txErr = saveIfChangedTx(ctx, tx, key, value, at)
		return txErr
	})
	return inserted, err
}

func saveIfChangedTx(ctx context.Context, tx *sql.Tx, key models.SeriesKey, value int64, at time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, fmt.Errorf("invalid series key: %w", err)
	}
	id, err := getOrCreateSeriesTx(ctx, tx, key, at)
	if err != nil {
		return false, err
	}

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM points WHERE series_id = ? ORDER BY ts DESC LIMIT 1`,
		id).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No points at all; fall through to insert.
	case err != nil:
		return false, fmt.Errorf("read last point: %w", err)
	case last == value:
		return false, nil
	}

	// OR IGNORE keeps points append-only when two samples land on the same
	// millisecond for the same series.
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO points (series_id, ts, value) VALUES (?, ?, ?)`,
		id, toMillis(at), value)
	if err != nil {
		return false, fmt.Errorf("insert point: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SampleWrite is one scalar sample destined for a series.
type SampleWrite struct {
	Key   models.SeriesKey
	Value int64
	At    time.Time
}

// SavePointsTx persists a batch of scalar samples in one transaction,
// applying write-on-change dedup per sample. Returns the series keys that
// actually produced an insert.
func (s *Store) SavePointsTx(ctx context.Context, samples []SampleWrite) ([]models.SeriesKey, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	var changed []models.SeriesKey
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, sample := range samples {
			inserted, err := saveIfChangedTx(ctx, tx, sample.Key, sample.Value, sample.At)
			if err != nil {
				return fmt.Errorf("sample %s/%d: %w", sample.Key.Name, sample.Key.CharacterID, err)
			}
			if inserted {
				changed = append(changed, sample.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// PointsInRange returns the points for key within [from, to], ordered by
// timestamp ascending.
func (s *Store) PointsInRange(ctx context.Context, key models.SeriesKey, from, to time.Time) ([]models.Point, error) {
	db, err := s.reader()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT p.ts, p.value
FROM points p
JOIN series s ON s.id = p.series_id
WHERE s.name = ? AND s.character_id = ? AND p.ts BETWEEN ? AND ?
ORDER BY p.ts ASC`,
		key.Name, key.CharacterID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []models.Point
	for rows.Next() {
		var ts, value int64
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, models.Point{Timestamp: fromMillis(ts), Value: value})
	}
	return points, rows.Err()
}

// PointsForName returns points across all characters for a variable name
// within [from, to], ordered by timestamp ascending.
func (s *Store) PointsForName(ctx context.Context, name string, from, to time.Time) ([]models.SeriesPoint, error) {
	db, err := s.reader()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
SELECT s.character_id, p.ts, p.value
FROM points p
JOIN series s ON s.id = p.series_id
WHERE s.name = ? AND p.ts BETWEEN ? AND ?
ORDER BY p.ts ASC`,
		name, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []models.SeriesPoint
	for rows.Next() {
		var characterID uint64
		var ts, value int64
		if err := rows.Scan(&characterID, &ts, &value); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, models.SeriesPoint{
			CharacterID: characterID,
			Timestamp:   fromMillis(ts),
			Value:       value,
		})
	}
	return points, rows.Err()
}

// UpsertCharacter records or refreshes a character's display name.
func (s *Store) UpsertCharacter(ctx context.Context, ch models.Character) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return upsertCharacterTx(ctx, tx, ch)
	})
}

func upsertCharacterTx(ctx context.Context, tx *sql.Tx, ch models.Character) error {
	if ch.ID == 0 {
		return fmt.Errorf("character ID must not be zero")
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO characters (id, name) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		ch.ID, ch.Name)
	if err != nil {
		return fmt.Errorf("upsert character: %w", err)
	}
	return nil
}

// SaveNamesTx persists a batch of character-name associations in one
// transaction.
func (s *Store) SaveNamesTx(ctx context.Context, characters []models.Character) error {
	if len(characters) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, ch := range characters {
			if err := upsertCharacterTx(ctx, tx, ch); err != nil {
				return err
			}
		}
		return nil
	})
}

// Characters returns every known character, ordered by ID.
func (s *Store) Characters(ctx context.Context) ([]models.Character, error) {
	db, err := s.reader()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name FROM characters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query characters: %w", err)
	}
	defer rows.Close()

	var out []models.Character
	for rows.Next() {
		var ch models.Character
		if err := rows.Scan(&ch.ID, &ch.Name); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeleteOrphanSeries removes series (and, via cascade, their points) whose
// character is no longer known. Returns the number of series removed.
func (s *Store) DeleteOrphanSeries(ctx context.Context) (int64, error) {
	var removed int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM series
WHERE character_id NOT IN (SELECT id FROM characters)`)
		if err != nil {
			return fmt.Errorf("delete orphan series: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}
