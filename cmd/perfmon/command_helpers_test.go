package main

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: "text"},
		{raw: " JSON ", want: "json"},
		{raw: "text", want: "text"},
		{raw: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeTextJSONFormat("report", tt.raw, "text")
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "expected text or json") {
				t.Fatalf("normalizeTextJSONFormat(%q) error=%v, want format error", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("normalizeTextJSONFormat(%q)=(%q, %v), want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestParseStartTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    time.Time
		wantErr bool
	}{
		{name: "unix millis", raw: "1700000000123", want: time.UnixMilli(1_700_000_000_123).UTC()},
		{name: "rfc3339", raw: "2024-03-01T10:00:00Z", want: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{name: "rfc3339 with offset", raw: "2024-03-01T12:00:00.5+02:00", want: time.Date(2024, 3, 1, 10, 0, 0, 500_000_000, time.UTC)},
		{name: "empty", raw: " ", wantErr: true},
		{name: "date only", raw: "2024-03-01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseStartTime(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseStartTime(%q) error=nil, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStartTime(%q) error: %v", tt.raw, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("parseStartTime(%q)=%v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestKeyValueFlag(t *testing.T) {
	t.Parallel()

	var f keyValueFlag
	for _, raw := range []string{"items=3", "retries=1", "items=4"} {
		if err := f.Set(raw); err != nil {
			t.Fatalf("Set(%q) error: %v", raw, err)
		}
	}
	if err := f.Set("novalue"); err == nil {
		t.Fatal("Set(novalue) error=nil, want error")
	}
	if err := f.Set("=3"); err == nil {
		t.Fatal("Set(=3) error=nil, want error")
	}

	if got := f.String(); got != "items=4,retries=1" {
		t.Fatalf("String()=%q, want %q", got, "items=4,retries=1")
	}
	metrics, err := f.int64Values()
	if err != nil {
		t.Fatalf("int64Values() error: %v", err)
	}
	if metrics["items"] != 4 || metrics["retries"] != 1 || len(metrics) != 2 {
		t.Fatalf("int64Values()=%v, want items=4 retries=1", metrics)
	}

	var bad keyValueFlag
	_ = bad.Set("items=three")
	if _, err := bad.int64Values(); err == nil || !strings.Contains(err.Error(), "must be an integer") {
		t.Fatalf("int64Values() error=%v, want integer error", err)
	}

	var empty keyValueFlag
	if empty.stringValues() != nil {
		t.Fatal("stringValues() of empty flag should be nil")
	}
}

func TestWrapTraceName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command string
		want    string
	}{
		{command: "/usr/bin/make", want: "make"},
		{command: "./_build.sh", want: "build.sh"},
		{command: "go", want: "go"},
		{command: "___", want: "command"},
		{command: strings.Repeat("x", 150), want: strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		if got := wrapTraceName(tt.command); got != tt.want {
			t.Fatalf("wrapTraceName(%q)=%q, want %q", tt.command, got, tt.want)
		}
	}
}
