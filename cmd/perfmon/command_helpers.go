package main

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/perfmon/internal/config"
	"github.com/ongoingai/perfmon/internal/observability"
	"github.com/ongoingai/perfmon/internal/store"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// loadConfigOrReport prints the failed stage to errOut. ok is false when the
// command should exit 1.
func loadConfigOrReport(configPath string, errOut io.Writer) (config.Config, bool) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err == nil {
		return cfg, true
	}
	if stage == configStageLoad {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
	} else {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
	}
	return config.Config{}, false
}

func newLogger(cfg config.Config, errOut io.Writer) *slog.Logger {
	return slog.New(observability.NewLogHandler(cfg.Logging, errOut))
}

func openRecordStore(cfg config.Config) (store.RecordStore, error) {
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("storage is disabled in config")
	}
	return store.Open(cfg.Storage.Driver, cfg.Storage.Location())
}

func closeRecordStoreWithWarning(recordStore store.RecordStore, errOut io.Writer) {
	if recordStore == nil {
		return
	}
	if err := recordStore.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close record store: %v\n", err)
	}
}

// keyValueFlag collects repeated name=value flags.
type keyValueFlag struct {
	keys   []string
	values map[string]string
}

func (f *keyValueFlag) String() string {
	if f == nil || len(f.keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.keys))
	for _, key := range f.keys {
		parts = append(parts, key+"="+f.values[key])
	}
	return strings.Join(parts, ",")
}

func (f *keyValueFlag) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected name=value (got %q)", raw)
	}
	if f.values == nil {
		f.values = make(map[string]string)
	}
	if _, exists := f.values[key]; !exists {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
	return nil
}

func (f *keyValueFlag) stringValues() map[string]string {
	if f == nil || len(f.values) == 0 {
		return nil
	}
	out := make(map[string]string, len(f.values))
	for key, value := range f.values {
		out[key] = value
	}
	return out
}

func (f *keyValueFlag) int64Values() (map[string]int64, error) {
	if f == nil || len(f.values) == 0 {
		return nil, nil
	}
	out := make(map[string]int64, len(f.values))
	for _, key := range f.keys {
		value, err := strconv.ParseInt(strings.TrimSpace(f.values[key]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %q must be an integer (got %q)", key, f.values[key])
		}
		out[key] = value
	}
	return out, nil
}

// parseStartTime accepts RFC3339 timestamps or unix epoch milliseconds.
func parseStartTime(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("start time is required")
	}
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or unix milliseconds (got %q)", raw)
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timeOr(value time.Time, fallback string) string {
	if value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
