// Package models defines the core domain entities for marketledger.
// These models represent tracked time series, market price events, cache
// entries, and the work items flowing through the persistence queue.
// Models that cross the feed boundary include built-in validation.
//
// Terminology:
//   - Series: a named, per-character sequence of integer points (e.g. "Gil").
//   - World: a single market a price belongs to. Worlds group into data
//     centers, data centers into regions.
//   - Character: the identity a series belongs to.
package models

import (
	"errors"
	"time"
)

// SeriesKey identifies one time series: a variable name scoped to a character.
// At most one series exists per key; the storage engine enforces this.
type SeriesKey struct {
	Name        string `json:"name"`
	CharacterID uint64 `json:"character_id"`
}

// Validate checks that the key is usable as a series identity.
func (k SeriesKey) Validate() error {
	if k.Name == "" {
		return errors.New("series name must not be empty")
	}
	if k.CharacterID == 0 {
		return errors.New("character ID must not be zero")
	}
	return nil
}

// Point is one sample in a series. Points are append-only: they are never
// updated or reordered once written.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int64     `json:"value"`
}

// SeriesPoint is a point joined with its owning character, used by
// cross-character range queries and the wide CSV export.
type SeriesPoint struct {
	CharacterID uint64    `json:"character_id"`
	Timestamp   time.Time `json:"timestamp"`
	Value       int64     `json:"value"`
}

// Character maps a character ID to its last observed display name.
type Character struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}
