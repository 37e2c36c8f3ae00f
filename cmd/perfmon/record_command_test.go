package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func listReport(t *testing.T, configPath string, extraArgs ...string) reportDocument {
	t.Helper()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	args := append([]string{"list", "--config", configPath, "--format", "json"}, extraArgs...)
	if code := runReport(args, &stdout, &stderr); code != 0 {
		t.Fatalf("runReport(list) code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	var report reportDocument
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v (stdout=%q)", err, stdout.String())
	}
	return report
}

func TestRunRecordPersistsTrace(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runRecord([]string{
		"--config", configPath,
		"--name", "checkout_render",
		"--start", "1700000000000",
		"--duration", "250ms",
		"--metric", "items=3",
		"--attr", "tier=gold",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runRecord() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "recorded trace checkout_render") {
		t.Fatalf("stdout=%q, want confirmation", stdout.String())
	}

	report := listReport(t, configPath)
	if len(report.Traces) != 1 {
		t.Fatalf("traces=%d, want 1", len(report.Traces))
	}
	row := report.Traces[0]
	if row.Name != "checkout_render" || row.IsAuto {
		t.Fatalf("trace=%+v, want custom checkout_render", row)
	}
	if row.DurationMS != 250 {
		t.Fatalf("duration_ms=%v, want 250", row.DurationMS)
	}
	if row.StartTime.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("start=%v, want unix ms 1700000000000", row.StartTime)
	}
	if row.Counters["items"] != 3 || row.Attributes["tier"] != "gold" {
		t.Fatalf("counters=%v attributes=%v, want items=3 tier=gold", row.Counters, row.Attributes)
	}
	if row.PageURL != "https://shop.test/cart" {
		t.Fatalf("page_url=%q, want configured page url", row.PageURL)
	}
}

func TestRunRecordSkipsWhenCollectionDisabled(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "perf:\n  data_collection_enabled: false\n")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runRecord([]string{"--config", configPath, "--name", "checkout", "--start", "1700000000000", "--duration", "1s"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runRecord() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "was not logged") {
		t.Fatalf("stdout=%q, want skipped message", stdout.String())
	}
	if report := listReport(t, configPath); len(report.Traces) != 0 {
		t.Fatalf("traces=%d, want 0", len(report.Traces))
	}
}

func TestRunRecordRejectsBadInput(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "")

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{name: "missing name", args: []string{"--start", "1700000000000", "--duration", "1s"}, wantCode: 2, wantErr: "usage: perfmon record"},
		{name: "bad start", args: []string{"--name", "n", "--start", "yesterday", "--duration", "1s"}, wantCode: 2, wantErr: "invalid start"},
		{name: "bad metric", args: []string{"--name", "n", "--start", "1700000000000", "--duration", "1s", "--metric", "items=x"}, wantCode: 2, wantErr: "invalid metric"},
		{name: "zero duration", args: []string{"--name", "n", "--start", "1700000000000"}, wantCode: 1, wantErr: "trace duration should be positive"},
		{name: "reserved name", args: []string{"--name", "_wt_page", "--start", "1700000000000", "--duration", "1s"}, wantCode: 1, wantErr: "trace name is invalid"},
		{name: "positional", args: []string{"extra"}, wantCode: 2, wantErr: "does not accept positional arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout bytes.Buffer
			var stderr bytes.Buffer
			args := append([]string{"--config", configPath}, tt.args...)
			if code := runRecord(args, &stdout, &stderr); code != tt.wantCode {
				t.Fatalf("runRecord() code=%d, want %d (stderr=%q)", code, tt.wantCode, stderr.String())
			}
			if !strings.Contains(stderr.String(), tt.wantErr) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.wantErr)
			}
		})
	}
}
