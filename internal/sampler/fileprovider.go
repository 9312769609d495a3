package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// fileState is the on-disk shape the game-state exporter writes.
type fileState struct {
	CharacterID   uint64           `json:"character_id"`
	CharacterName string           `json:"character_name"`
	Values        map[string]int64 `json:"values"`
}

// FileProvider reads game state from a JSON file maintained by an external
// exporter. It serves as both the value Provider and the NameSource: the
// exporter includes the character's display name alongside the counters.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider reading from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// ReadCurrentValues loads the state file and returns its counters.
func (p *FileProvider) ReadCurrentValues(ctx context.Context) (uint64, map[string]int64, error) {
	state, err := p.load()
	if err != nil {
		return 0, nil, err
	}
	if state.CharacterID == 0 {
		return 0, nil, fmt.Errorf("state file %s has no character", p.path)
	}
	return state.CharacterID, state.Values, nil
}

// CharacterName returns the display name recorded in the state file.
func (p *FileProvider) CharacterName(ctx context.Context, characterID uint64) (string, error) {
	state, err := p.load()
	if err != nil {
		return "", err
	}
	if state.CharacterID != characterID || state.CharacterName == "" {
		return "", fmt.Errorf("no name for character %d in %s", characterID, p.path)
	}
	return state.CharacterName, nil
}

func (p *FileProvider) load() (*fileState, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}
