package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ongoingai/perfmon/internal/api"
	"github.com/ongoingai/perfmon/internal/store"
	"github.com/ongoingai/perfmon/internal/version"
)

const (
	defaultServeAddr        = "127.0.0.1:8717"
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = 30 * time.Second
	serverIdleTimeout       = 120 * time.Second
	serverShutdownTimeout   = 5 * time.Second
)

var signalNotifyContext = signal.NotifyContext

func runServe(args []string, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	addr := flagSet.String("addr", defaultServeAddr, "Listen address for the agent API")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "serve does not accept positional arguments")
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

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "addr", *addr, "error", err)
		_ = a.Close(agentShutdownTimeout)
		return 1
	}

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := serveAgent(ctx, a, listener)
	if err := a.Close(agentShutdownTimeout); err != nil {
		logger.Warn("agent shutdown incomplete", "error", err)
	}
	return code
}

// serveAgent runs the agent API on listener until ctx is done.
func serveAgent(ctx context.Context, a *agent, listener net.Listener) int {
	server := newAgentServer(a)
	a.logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", listener.Addr().String(),
		"storage_enabled", a.cfg.Storage.Enabled,
		"storage_driver", a.cfg.Storage.Driver,
		"transport_enabled", a.cfg.Transport.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to shutdown", "error", err)
			return 1
		}
		a.logger.Info("agent stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			a.logger.Error("agent server failed", "error", err)
			return 1
		}
		return 0
	}
}

func newAgentServer(a *agent) *http.Server {
	var storageDriver, storagePath string
	if a.cfg.Storage.Enabled {
		storageDriver = a.cfg.Storage.Driver
		if storageDriver == store.DriverSQLite {
			storagePath = a.cfg.Storage.Path
		}
	}
	router := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         a.recordStore,
		StorageDriver: storageDriver,
		StoragePath:   storagePath,
		Recorder:      a,
		Diagnostics:   a,
	})
	return &http.Server{
		Handler:           api.LoggingMiddleware(a.logger.With("component", "api"), a.otel.WrapHTTPHandler(router)),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
}
