// Package sampler reads tracked game variables and turns changes into queued
// persistence work. Unchanged values cost nothing past the in-memory compare;
// changed values update the last-value cache synchronously so readers see
// them immediately, then enqueue the write asynchronously.
package sampler

import (
	"context"
	"fmt"

	"github.com/rewired-gh/marketledger/internal/logger"
	"github.com/rewired-gh/marketledger/internal/models"
	"github.com/rewired-gh/marketledger/internal/pricecache"
)

// Provider reads the current value of every observable variable for the
// active character.
type Provider interface {
	ReadCurrentValues(ctx context.Context) (characterID uint64, values map[string]int64, err error)
}

// NameSource resolves a character's display name. Lookups may fail
// transiently; the sampler logs and retries on the next tick.
type NameSource interface {
	CharacterName(ctx context.Context, characterID uint64) (string, error)
}

// Enqueuer accepts work items for background persistence.
type Enqueuer interface {
	Enqueue(item models.WorkItem)
}

// Sampler performs one change-detection pass per Sample call. The scheduler
// drives the cadence; Sampler itself holds no ticker.
type Sampler struct {
	provider Provider
	names    NameSource
	values   *pricecache.ValueCache
	queue    Enqueuer

	// tracked filters the provider's variables; empty means track all.
	tracked map[string]struct{}

	// named remembers characters whose name association is already queued.
	named map[uint64]struct{}
}

// New creates a sampler tracking the given variable names.
func New(provider Provider, names NameSource, values *pricecache.ValueCache, queue Enqueuer, variables []string) *Sampler {
	tracked := make(map[string]struct{}, len(variables))
	for _, v := range variables {
		tracked[v] = struct{}{}
	}
	return &Sampler{
		provider: provider,
		names:    names,
		values:   values,
		queue:    queue,
		tracked:  tracked,
		named:    make(map[uint64]struct{}),
	}
}

// Sample runs one pass: read, compare, cache, enqueue. Returns the number of
// changed variables.
func (s *Sampler) Sample(ctx context.Context) (int, error) {
	characterID, observed, err := s.provider.ReadCurrentValues(ctx)
	if err != nil {
		return 0, fmt.Errorf("read current values: %w", err)
	}

	changed := 0
	for name, value := range observed {
		if len(s.tracked) > 0 {
			if _, ok := s.tracked[name]; !ok {
				continue
			}
		}

		key := models.SeriesKey{Name: name, CharacterID: characterID}
		if last, ok := s.values.Get(key); ok && last == value {
			continue
		}

		s.values.Set(key, value)
		s.queue.Enqueue(models.NewSampleItem(key, value))
		changed++
		logger.Debug("sampled %s=%d for character %d", name, value, characterID)
	}

	if changed > 0 {
		s.associateName(ctx, characterID)
	}
	return changed, nil
}

// associateName queues the character's display name the first time a sample
// lands for it. Lookup failures never block sampling; the association is
// retried on the next changed tick.
func (s *Sampler) associateName(ctx context.Context, characterID uint64) {
	if _, ok := s.named[characterID]; ok {
		return
	}
	name, err := s.names.CharacterName(ctx, characterID)
	if err != nil {
		logger.Warn("character %d name lookup failed: %v", characterID, err)
		return
	}
	s.queue.Enqueue(models.NewNameItem(characterID, name))
	s.named[characterID] = struct{}{}
}
