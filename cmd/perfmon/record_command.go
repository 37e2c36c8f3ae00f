package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ongoingai/perfmon/perf"
)

func runRecord(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("record", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	name := flagSet.String("name", "", "Trace name")
	startRaw := flagSet.String("start", "", "Trace start (RFC3339 or unix milliseconds)")
	duration := flagSet.Duration("duration", 0, "Trace duration, e.g. 250ms")
	var metrics, attrs keyValueFlag
	flagSet.Var(&metrics, "metric", "Custom metric name=value (repeatable)")
	flagSet.Var(&attrs, "attr", "Custom attribute name=value (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "record does not accept positional arguments")
		return 2
	}
	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(errOut, "usage: perfmon record --name N --start <RFC3339|unix ms> --duration D [--metric k=v]... [--attr k=v]...")
		return 2
	}

	start, err := parseStartTime(*startRaw)
	if err != nil {
		fmt.Fprintf(errOut, "invalid start: %v\n", err)
		return 2
	}
	metricValues, err := metrics.int64Values()
	if err != nil {
		fmt.Fprintf(errOut, "invalid metric: %v\n", err)
		return 2
	}

	cfg, ok := loadConfigOrReport(*configPath, errOut)
	if !ok {
		return 1
	}
	logger := newLogger(cfg, errOut)
	a, err := newAgent(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to start perf monitor: %v\n", err)
		return 1
	}

	code := 0
	err = a.RecordTrace(*name, start, *duration, perf.RecordOptions{
		Metrics:    metricValues,
		Attributes: attrs.stringValues(),
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to record trace: %v\n", err)
		code = 1
	}

	if err := a.Close(agentShutdownTimeout); err != nil {
		fmt.Fprintf(errOut, "warning: %v\n", err)
	}
	if code != 0 {
		return code
	}

	if a.monitor.Stats().Logged == 0 {
		fmt.Fprintf(out, "trace %s was not logged (collection disabled or sampled out)\n", *name)
		return 0
	}
	fmt.Fprintf(out, "recorded trace %s: start=%s duration=%s\n", *name, timeOr(start, "(unknown)"), duration.String())
	return 0
}
