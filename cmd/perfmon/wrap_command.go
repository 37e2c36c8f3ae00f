package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ongoingai/perfmon/perf"
)

const exitCodeAttribute = "exit_code"

func runWrap(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("wrap", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	name := flagSet.String("name", "", "Trace name (defaults to the command name)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cmdArgs := flagSet.Args()
	if len(cmdArgs) > 0 && cmdArgs[0] == "--" {
		cmdArgs = cmdArgs[1:]
	}
	if len(cmdArgs) == 0 {
		fmt.Fprintln(errOut, "usage: perfmon wrap [--config path/to/perfmon.yaml] [--name N] -- <command> [args...]")
		return 2
	}

	traceName := strings.TrimSpace(*name)
	if traceName == "" {
		traceName = wrapTraceName(cmdArgs[0])
	}
	if err := perf.ValidateTraceName(traceName); err != nil {
		fmt.Fprintf(errOut, "invalid trace name: %v\n", err)
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

	trace, err := a.monitor.NewTrace(traceName)
	if err == nil {
		err = trace.Start()
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to start trace: %v\n", err)
		_ = a.Close(agentShutdownTimeout)
		return 1
	}

	code := runWrappedCommand(cmdArgs, out, errOut)

	if err := trace.PutAttribute(exitCodeAttribute, strconv.Itoa(code)); err != nil {
		logger.Warn("failed to set exit code attribute", "error", err)
	}
	if err := trace.Stop(); err != nil {
		logger.Warn("failed to stop trace", "trace", traceName, "error", err)
	}
	if err := a.Close(agentShutdownTimeout); err != nil {
		fmt.Fprintf(errOut, "warning: %v\n", err)
	}
	return code
}

func runWrappedCommand(cmdArgs []string, out io.Writer, errOut io.Writer) int {
	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = out
	cmd.Stderr = errOut

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(errOut, "failed to start command: %v\n", err)
		return 127
	}
	return 0
}

// wrapTraceName derives a custom trace name from a command path. Leading
// underscores are reserved for automatic traces.
func wrapTraceName(command string) string {
	name := strings.TrimLeft(filepath.Base(strings.TrimSpace(command)), "_.")
	if len(name) > perf.MaxTraceNameLength {
		name = name[:perf.MaxTraceNameLength]
	}
	if name == "" || name == string(filepath.Separator) {
		return "command"
	}
	return name
}
