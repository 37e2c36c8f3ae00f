// Package installation manages the app instance identifier reported with
// every logged trace.
package installation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxIDLen = 128

var ErrInvalidID = errors.New("invalid installation id")

// NewID returns a fresh random installation identifier.
func NewID() string {
	return uuid.NewString()
}

// Normalize trims raw and returns it when it is a usable identifier, or ""
// otherwise.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" || len(value) > maxIDLen {
		return ""
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}

// LoadOrCreate returns the identifier stored at path, creating and persisting
// a new one when the file does not exist. An empty path yields an identifier
// that lives only for the current process.
func LoadOrCreate(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewID(), nil
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := Normalize(string(raw))
		if id == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidID, path)
		}
		return id, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read installation id: %w", err)
	}

	id := NewID()
	if err := write(path, id); err != nil {
		return "", err
	}
	return id, nil
}

func write(path, id string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create installation id directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".installation-*")
	if err != nil {
		return fmt.Errorf("create installation id file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write installation id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close installation id file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("persist installation id: %w", err)
	}
	return nil
}
