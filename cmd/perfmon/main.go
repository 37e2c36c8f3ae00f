package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ongoingai/perfmon/internal/version"
)

const defaultConfigPath = "perfmon.yaml"

const agentShutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "record":
		return runRecord(args[1:], os.Stdout, os.Stderr)
	case "wrap":
		return runWrap(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "serve":
		return runServe(args[1:], os.Stderr)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	if _, ok := loadConfigOrReport(*configPath, errOut); !ok {
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `usage: perfmon <command> [flags]

commands:
  version                      print build information
  config validate              load and validate the config file
  record                       log a trace with an explicit start and duration
  wrap -- <command> [args...]  time a command as a trace
  report [stats|list]          summarize or list stored traces
  serve                        run the agent with its local HTTP API`)
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: perfmon config validate [--config path/to/perfmon.yaml]")
}
