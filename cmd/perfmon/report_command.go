package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/perfmon/internal/config"
	"github.com/ongoingai/perfmon/internal/store"
)

const (
	reportModeStats = "stats"
	reportModeList  = "list"

	defaultReportFormat = "text"
	defaultReportLimit  = 20
	maxReportLimit      = 500
	reportSchemaVersion = "perfmon.report.v1"
)

type reportDocument struct {
	SchemaVersion string            `json:"schema_version"`
	Mode          string            `json:"mode"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Storage       reportStorageInfo `json:"storage"`
	Filters       reportFilterInfo  `json:"filters"`
	Stats         []reportStatsRow  `json:"stats,omitempty"`
	Traces        []reportTraceRow  `json:"traces,omitempty"`
	NextCursor    string            `json:"next_cursor,omitempty"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	Name  string     `json:"name,omitempty"`
	From  *time.Time `json:"from,omitempty"`
	Limit int        `json:"limit"`
}

type reportStatsRow struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
}

type reportTraceRow struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	IsAuto     bool              `json:"is_auto"`
	StartTime  time.Time         `json:"start_time"`
	DurationMS float64           `json:"duration_ms"`
	PageURL    string            `json:"page_url,omitempty"`
	Counters   map[string]int64  `json:"counters,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	mode := reportModeStats
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}
	if mode != reportModeStats && mode != reportModeList {
		fmt.Fprintf(errOut, "unknown report mode %q: expected stats or list\n", mode)
		return 2
	}

	flagSet := flag.NewFlagSet("report "+mode, flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	name := flagSet.String("name", "", "Trace name filter")
	since := flagSet.Duration("since", 0, "Only include traces started within this window, e.g. 24h")
	limit := flagSet.Int("limit", defaultReportLimit, fmt.Sprintf("Row count (1-%d)", maxReportLimit))
	cursor := flagSet.String("cursor", "", "Continue a previous list from its next cursor")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments after the mode")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}
	if *since < 0 {
		fmt.Fprintln(errOut, "since must not be negative")
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	recordStore, err := openRecordStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize record store: %v\n", err)
		return 1
	}
	defer closeRecordStoreWithWarning(recordStore, errOut)

	now := time.Now().UTC()
	var from time.Time
	if *since > 0 {
		from = now.Add(-*since)
	}
	report := reportDocument{
		SchemaVersion: reportSchemaVersion,
		Mode:          mode,
		GeneratedAt:   now,
		Storage:       reportStorage(cfg),
		Filters: reportFilterInfo{
			Name:  strings.TrimSpace(*name),
			Limit: *limit,
		},
	}
	if !from.IsZero() {
		report.Filters.From = &from
	}

	ctx := context.Background()
	switch mode {
	case reportModeList:
		err = buildListReport(ctx, recordStore, &report, from, strings.TrimSpace(*cursor))
	default:
		err = buildStatsReport(ctx, recordStore, &report, from)
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func reportStorage(cfg config.Config) reportStorageInfo {
	info := reportStorageInfo{Driver: valueOr(cfg.Storage.Driver, store.DriverSQLite)}
	// DSNs carry credentials; only file paths are echoed.
	if info.Driver == store.DriverSQLite {
		info.Path = cfg.Storage.Path
	}
	return info
}

func buildStatsReport(ctx context.Context, recordStore store.RecordStore, report *reportDocument, from time.Time) error {
	stats, err := recordStore.GetDurationStats(ctx, store.StatsFilter{
		Name: report.Filters.Name,
		From: from,
	})
	if err != nil {
		return fmt.Errorf("get duration stats: %w", err)
	}
	if len(stats) > report.Filters.Limit {
		stats = stats[:report.Filters.Limit]
	}
	report.Stats = make([]reportStatsRow, 0, len(stats))
	for _, row := range stats {
		report.Stats = append(report.Stats, reportStatsRow{
			Name:  row.Name,
			Count: row.Count,
			AvgMS: row.AvgUS / 1000,
			MinMS: float64(row.MinUS) / 1000,
			MaxMS: float64(row.MaxUS) / 1000,
			P50MS: row.P50US / 1000,
			P95MS: row.P95US / 1000,
			P99MS: row.P99US / 1000,
		})
	}
	return nil
}

func buildListReport(ctx context.Context, recordStore store.RecordStore, report *reportDocument, from time.Time, cursor string) error {
	result, err := recordStore.QueryRecords(ctx, store.RecordFilter{
		Name:   report.Filters.Name,
		From:   from,
		Limit:  report.Filters.Limit,
		Cursor: cursor,
	})
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	report.NextCursor = result.NextCursor
	report.Traces = make([]reportTraceRow, 0, len(result.Items))
	for _, record := range result.Items {
		report.Traces = append(report.Traces, reportTraceRow{
			ID:         record.ID,
			Name:       record.Name,
			IsAuto:     record.IsAuto,
			StartTime:  record.StartTime.UTC(),
			DurationMS: float64(record.DurationUS) / 1000,
			PageURL:    record.PageURL,
			Counters:   record.Counters,
			Attributes: record.Attributes,
		})
	}
	return nil
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "Perfmon Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", timeOr(report.GeneratedAt, "(unknown)"))
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Filter name\t%s\n", valueOr(report.Filters.Name, "(all)"))
	if report.Filters.From != nil {
		fmt.Fprintf(metadataWriter, "Filter from\t%s\n", timeOr(*report.Filters.From, "(all)"))
	} else {
		fmt.Fprintln(metadataWriter, "Filter from\t(all)")
	}
	fmt.Fprintf(metadataWriter, "Filter limit\t%d\n", report.Filters.Limit)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	if report.Mode == reportModeList {
		return writeTraceListText(out, report)
	}

	fmt.Fprintln(out, "\nDuration Stats")
	if len(report.Stats) == 0 {
		fmt.Fprintln(out, "(no traces)")
		return nil
	}
	statsWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(statsWriter, "NAME\tCOUNT\tAVG_MS\tMIN_MS\tP50_MS\tP95_MS\tP99_MS\tMAX_MS")
	for _, row := range report.Stats {
		fmt.Fprintf(
			statsWriter,
			"%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\n",
			row.Name,
			row.Count,
			row.AvgMS,
			row.MinMS,
			row.P50MS,
			row.P95MS,
			row.P99MS,
			row.MaxMS,
		)
	}
	return statsWriter.Flush()
}

func writeTraceListText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "\nTraces")
	if len(report.Traces) == 0 {
		fmt.Fprintln(out, "(no traces)")
		return nil
	}
	traceWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(traceWriter, "START\tNAME\tAUTO\tDURATION_MS\tCOUNTERS\tATTRIBUTES\tID")
	for _, row := range report.Traces {
		fmt.Fprintf(
			traceWriter,
			"%s\t%s\t%t\t%.3f\t%s\t%s\t%s\n",
			timeOr(row.StartTime, "(unknown)"),
			row.Name,
			row.IsAuto,
			row.DurationMS,
			valueOr(formatPairs(row.Counters), "-"),
			valueOr(formatPairs(row.Attributes), "-"),
			row.ID,
		)
	}
	if err := traceWriter.Flush(); err != nil {
		return err
	}
	if report.NextCursor != "" {
		fmt.Fprintf(out, "\nNext cursor: %s\n", report.NextCursor)
	}
	return nil
}

func formatPairs[V any](m map[string]V) string {
	parts := make([]string, 0, len(m))
	for _, key := range sortedMapKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, m[key]))
	}
	return strings.Join(parts, ",")
}
