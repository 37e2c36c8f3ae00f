package installation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsUUID(t *testing.T) {
	t.Parallel()

	first := NewID()
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("NewID()=%q is not a uuid: %v", first, err)
	}
	if second := NewID(); second == first {
		t.Fatalf("NewID() returned %q twice", first)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":             "",
		"   ":          "",
		" iid-123 ":    "iid-123",
		"a.b:c_d":      "a.b:c_d",
		"has space":    "",
		"slash/inside": "",
	}
	tests[strings.Repeat("x", maxIDLen)] = strings.Repeat("x", maxIDLen)
	tests[strings.Repeat("x", maxIDLen+1)] = ""
	for input, want := range tests {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q)=%q, want %q", input, got, want)
		}
	}
}

func TestLoadOrCreatePersistsID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "installation_id")
	created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() create error: %v", err)
	}
	if Normalize(created) != created {
		t.Fatalf("created id %q is not normalized", created)
	}

	loaded, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() load error: %v", err)
	}
	if loaded != created {
		t.Fatalf("loaded id=%q, want %q", loaded, created)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read id file: %v", err)
	}
	if strings.TrimSpace(string(raw)) != created {
		t.Fatalf("file content=%q, want %q", raw, created)
	}
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "installation_id")
	if err := os.WriteFile(path, []byte("not a valid id!\n"), 0o600); err != nil {
		t.Fatalf("write id file: %v", err)
	}
	if _, err := LoadOrCreate(path); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("LoadOrCreate() error=%v, want %v", err, ErrInvalidID)
	}
}

func TestLoadOrCreateWithoutPathIsEphemeral(t *testing.T) {
	t.Parallel()

	id, err := LoadOrCreate("  ")
	if err != nil {
		t.Fatalf("LoadOrCreate() error: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
}
