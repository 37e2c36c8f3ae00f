package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Perf          PerfConfig          `yaml:"perf"`
	Transport     TransportConfig     `yaml:"transport"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AppConfig struct {
	AppID          string `yaml:"app_id"`
	InstanceIDPath string `yaml:"instance_id_path"`
	// PageURL is reported as the page of every trace; page load traces are
	// named after it.
	PageURL string `yaml:"page_url"`
}

type PerfConfig struct {
	DataCollectionEnabled  bool    `yaml:"data_collection_enabled"`
	InstrumentationEnabled bool    `yaml:"instrumentation_enabled"`
	LoggingEnabled         bool    `yaml:"logging_enabled"`
	TracesSamplingRate     float64 `yaml:"traces_sampling_rate"`
}

type TransportConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	LogSource        int    `yaml:"log_source"`
	InitialDelayMS   int    `yaml:"initial_delay_ms"`
	SendIntervalMS   int    `yaml:"send_interval_ms"`
	MaxTries         int    `yaml:"max_tries"`
	MaxBatchSize     int    `yaml:"max_batch_size"`
	QueueCapacity    int    `yaml:"queue_capacity"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	Gzip             bool   `yaml:"gzip"`
}

func (c TransportConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMS) * time.Millisecond
}

func (c TransportConfig) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalMS) * time.Millisecond
}

func (c TransportConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// Location is the path or DSN the configured driver connects to.
func (c StorageConfig) Location() string {
	if strings.TrimSpace(c.Driver) == "postgres" {
		return c.DSN
	}
	return c.Path
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
	// SpanExport mirrors every logged perf trace as an OTel span.
	SpanExport bool `yaml:"span_export"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "perfmon"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		App: AppConfig{
			InstanceIDPath: "./data/installation_id",
		},
		Perf: PerfConfig{
			DataCollectionEnabled:  true,
			InstrumentationEnabled: true,
			LoggingEnabled:         true,
			TracesSamplingRate:     1,
		},
		Transport: TransportConfig{
			Enabled:          false,
			Endpoint:         "https://firebaselogging.googleapis.com/v0cc/log?format=json_proto",
			LogSource:        462,
			InitialDelayMS:   5500,
			SendIntervalMS:   10000,
			MaxTries:         3,
			MaxBatchSize:     1000,
			QueueCapacity:    10000,
			RequestTimeoutMS: 10000,
			Gzip:             true,
		},
		Storage: StorageConfig{
			Enabled: true,
			Driver:  "sqlite",
			Path:    "./data/perfmon.db",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads defaults, then the YAML file at path (a missing file is not an
// error), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Trailing documents would be silently ignored otherwise.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.App.AppID) == "" {
		return errors.New("app.app_id is required")
	}
	if pageURL := strings.TrimSpace(cfg.App.PageURL); pageURL != "" {
		if err := validateAbsoluteURL("app.page_url", pageURL, false); err != nil {
			return err
		}
	}
	if rate := cfg.Perf.TracesSamplingRate; rate < 0 || rate > 1 {
		return fmt.Errorf("perf.traces_sampling_rate must be between 0 and 1 (got %f)", rate)
	}
	if err := validateTransport(cfg.Transport); err != nil {
		return err
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of text, json (got %q)", cfg.Logging.Format)
	}
	return nil
}

func validateTransport(cfg TransportConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := validateAbsoluteURL("transport.endpoint", cfg.Endpoint, true); err != nil {
		return err
	}
	positive := []struct {
		name  string
		value int
	}{
		{name: "transport.log_source", value: cfg.LogSource},
		{name: "transport.send_interval_ms", value: cfg.SendIntervalMS},
		{name: "transport.max_tries", value: cfg.MaxTries},
		{name: "transport.max_batch_size", value: cfg.MaxBatchSize},
		{name: "transport.queue_capacity", value: cfg.QueueCapacity},
		{name: "transport.request_timeout_ms", value: cfg.RequestTimeoutMS},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", field.name, field.value)
		}
	}
	if cfg.InitialDelayMS < 0 {
		return fmt.Errorf("transport.initial_delay_ms must be >= 0 (got %d)", cfg.InitialDelayMS)
	}
	return nil
}

func validateStorage(cfg StorageConfig) error {
	if !cfg.Enabled {
		return nil
	}
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Driver)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SpanExport && !cfg.TracesEnabled {
		return errors.New("observability.otel.span_export requires traces_enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func validateAbsoluteURL(name, raw string, requireHTTP bool) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	if requireHTTP && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https (got %q)", name, raw)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	stringVars := []struct {
		name   string
		target *string
	}{
		{name: "PERFMON_APP_ID", target: &cfg.App.AppID},
		{name: "PERFMON_INSTANCE_ID_PATH", target: &cfg.App.InstanceIDPath},
		{name: "PERFMON_PAGE_URL", target: &cfg.App.PageURL},
		{name: "PERFMON_TRANSPORT_ENDPOINT", target: &cfg.Transport.Endpoint},
		{name: "PERFMON_API_KEY", target: &cfg.Transport.APIKey},
		{name: "PERFMON_STORAGE_DRIVER", target: &cfg.Storage.Driver},
		{name: "PERFMON_STORAGE_PATH", target: &cfg.Storage.Path},
		{name: "PERFMON_STORAGE_DSN", target: &cfg.Storage.DSN},
		{name: "PERFMON_LOG_LEVEL", target: &cfg.Logging.Level},
		{name: "PERFMON_LOG_FORMAT", target: &cfg.Logging.Format},
	}
	for _, env := range stringVars {
		if value := os.Getenv(env.name); value != "" {
			*env.target = value
		}
	}

	boolVars := []struct {
		name   string
		target *bool
	}{
		{name: "PERFMON_DATA_COLLECTION_ENABLED", target: &cfg.Perf.DataCollectionEnabled},
		{name: "PERFMON_INSTRUMENTATION_ENABLED", target: &cfg.Perf.InstrumentationEnabled},
		{name: "PERFMON_LOGGING_ENABLED", target: &cfg.Perf.LoggingEnabled},
		{name: "PERFMON_TRANSPORT_ENABLED", target: &cfg.Transport.Enabled},
		{name: "PERFMON_TRANSPORT_GZIP", target: &cfg.Transport.Gzip},
		{name: "PERFMON_STORAGE_ENABLED", target: &cfg.Storage.Enabled},
		{name: "PERFMON_OTEL_SPAN_EXPORT", target: &cfg.Observability.OTel.SpanExport},
	}
	for _, env := range boolVars {
		value := os.Getenv(env.name)
		if value == "" {
			continue
		}
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env.name, err)
		}
		*env.target = v
	}

	if rate := os.Getenv("PERFMON_TRACES_SAMPLING_RATE"); rate != "" {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return fmt.Errorf("invalid PERFMON_TRACES_SAMPLING_RATE: %w", err)
		}
		cfg.Perf.TracesSamplingRate = v
	}
	if interval := os.Getenv("PERFMON_SEND_INTERVAL_MS"); interval != "" {
		v, err := strconv.Atoi(interval)
		if err != nil {
			return fmt.Errorf("invalid PERFMON_SEND_INTERVAL_MS: %w", err)
		}
		cfg.Transport.SendIntervalMS = v
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

// applyOTelEnv honors the standard OTEL_* variables. Setting any of them
// enables the SDK unless OTEL_SDK_DISABLED says otherwise.
func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false

	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}

	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
