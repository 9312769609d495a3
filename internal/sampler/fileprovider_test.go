package sampler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeState(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write state file: %v", err)
	}
	return path
}

func TestFileProviderReadsValues(t *testing.T) {
	path := writeState(t, `{"character_id":42,"character_name":"Aster","values":{"Gil":123456,"MGP":90}}`)
	p := NewFileProvider(path)

	id, values, err := p.ReadCurrentValues(context.Background())
	if err != nil {
		t.Fatalf("ReadCurrentValues: %v", err)
	}
	if id != 42 {
		t.Errorf("character = %d, want 42", id)
	}
	if values["Gil"] != 123456 || values["MGP"] != 90 {
		t.Errorf("values = %v", values)
	}

	name, err := p.CharacterName(context.Background(), 42)
	if err != nil {
		t.Fatalf("CharacterName: %v", err)
	}
	if name != "Aster" {
		t.Errorf("name = %q, want Aster", name)
	}
}

func TestFileProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no character", `{"values":{"Gil":1}}`},
		{"malformed", `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewFileProvider(writeState(t, tt.content))
			if _, _, err := p.ReadCurrentValues(context.Background()); err == nil {
				t.Errorf("ReadCurrentValues accepted %q", tt.content)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		p := NewFileProvider(filepath.Join(t.TempDir(), "absent.json"))
		if _, _, err := p.ReadCurrentValues(context.Background()); err == nil {
			t.Errorf("ReadCurrentValues succeeded on a missing file")
		}
	})

	t.Run("name for other character", func(t *testing.T) {
		p := NewFileProvider(writeState(t, `{"character_id":42,"character_name":"Aster","values":{}}`))
		if _, err := p.CharacterName(context.Background(), 7); err == nil {
			t.Errorf("CharacterName returned a name for the wrong character")
		}
	})
}
