package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Perf.DataCollectionEnabled || !cfg.Perf.InstrumentationEnabled || !cfg.Perf.LoggingEnabled {
		t.Fatalf("perf flags=%+v, want all enabled", cfg.Perf)
	}
	if cfg.Perf.TracesSamplingRate != 1 {
		t.Fatalf("perf.traces_sampling_rate=%f, want 1", cfg.Perf.TracesSamplingRate)
	}
	if cfg.Transport.Enabled {
		t.Fatal("transport.enabled=true, want false")
	}
	if cfg.Transport.InitialDelay() != 5500*time.Millisecond || cfg.Transport.SendInterval() != 10*time.Second {
		t.Fatalf("transport timing=(%s,%s), want (5.5s,10s)", cfg.Transport.InitialDelay(), cfg.Transport.SendInterval())
	}
	if cfg.Transport.MaxTries != 3 || cfg.Transport.MaxBatchSize != 1000 || cfg.Transport.LogSource != 462 {
		t.Fatalf("transport=%+v", cfg.Transport)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Location() != "./data/perfmon.db" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.ServiceName != "perfmon" {
		t.Fatalf("observability.otel.service_name=%q, want perfmon", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "perfmon.yaml")
	configYAML := `app:
  app_id: 1:123:web:abc
  page_url: https://shop.test/
perf:
  traces_sampling_rate: 0.25
transport:
  enabled: true
  api_key: yaml-key
  send_interval_ms: 2000
  gzip: false
storage:
  driver: sqlite
  path: /tmp/yaml.db
observability:
  otel:
    enabled: false
    span_export: true
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PERFMON_API_KEY", "env-key")
	t.Setenv("PERFMON_STORAGE_PATH", "/tmp/env.db")
	t.Setenv("PERFMON_DATA_COLLECTION_ENABLED", "false")
	t.Setenv("PERFMON_TRACES_SAMPLING_RATE", "0.5")
	t.Setenv("OTEL_SERVICE_NAME", "env-perfmon")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.App.AppID != "1:123:web:abc" || cfg.App.PageURL != "https://shop.test/" {
		t.Fatalf("app=%+v", cfg.App)
	}
	if cfg.Transport.APIKey != "env-key" {
		t.Fatalf("transport.api_key=%q, want env override", cfg.Transport.APIKey)
	}
	if cfg.Transport.SendInterval() != 2*time.Second || cfg.Transport.Gzip {
		t.Fatalf("transport=%+v", cfg.Transport)
	}
	if cfg.Storage.Path != "/tmp/env.db" {
		t.Fatalf("storage.path=%q, want /tmp/env.db", cfg.Storage.Path)
	}
	if cfg.Perf.DataCollectionEnabled {
		t.Fatal("perf.data_collection_enabled=true, want env override false")
	}
	if cfg.Perf.TracesSamplingRate != 0.5 {
		t.Fatalf("perf.traces_sampling_rate=%f, want 0.5", cfg.Perf.TracesSamplingRate)
	}
	if !cfg.Observability.OTel.Enabled || cfg.Observability.OTel.ServiceName != "env-perfmon" {
		t.Fatalf("otel=%+v, want enabled by OTEL_SERVICE_NAME", cfg.Observability.OTel)
	}
	if !cfg.Observability.OTel.SpanExport {
		t.Fatal("observability.otel.span_export=false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging=%+v", cfg.Logging)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(configPath, nil, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Storage.Path != Default().Storage.Path {
		t.Fatalf("storage.path=%q, want default", cfg.Storage.Path)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "invalid", content: "app: [", wantErr: "parse yaml"},
		{name: "unknown field", content: "app:\n  app_idd: x\n", wantErr: "field app_idd not found"},
		{name: "multiple documents", content: "app:\n  app_id: a\n---\napp:\n  app_id: b\n", wantErr: "multiple yaml documents"},
	}
	for _, tc := range tests {
		configPath := filepath.Join(t.TempDir(), tc.name+".yaml")
		if err := os.WriteFile(configPath, []byte(tc.content), 0o600); err != nil {
			t.Fatalf("%s: write config: %v", tc.name, err)
		}
		_, err := Load(configPath)
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: Load() error=%v, want containing %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "PERFMON_TRANSPORT_ENABLED", value: "maybe"},
		{key: "PERFMON_TRACES_SAMPLING_RATE", value: "half"},
		{key: "PERFMON_SEND_INTERVAL_MS", value: "soon"},
		{key: "OTEL_TRACES_SAMPLER_ARG", value: "not-a-number"},
		{key: "OTEL_TRACES_EXPORTER", value: "zipkin"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("Load() error=%v, want error naming %s", err, tc.key)
			}
		})
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "otlp")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "1500")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "2500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	otel := cfg.Observability.OTel
	if !otel.Enabled {
		t.Fatal("observability.otel.enabled=false, want true")
	}
	if otel.Endpoint != "https://otel-collector:4318" || otel.Insecure {
		t.Fatalf("otel endpoint=%q insecure=%v", otel.Endpoint, otel.Insecure)
	}
	if otel.SamplingRatio != 0.35 || otel.TracesEnabled || !otel.MetricsEnabled {
		t.Fatalf("otel=%+v", otel)
	}
	if otel.ExportTimeoutMS != 1500 || otel.MetricExportIntervalMS != 2500 {
		t.Fatalf("otel timing=(%d,%d), want (1500,2500)", otel.ExportTimeoutMS, otel.MetricExportIntervalMS)
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatal("observability.otel.enabled=true, want false when OTEL_SDK_DISABLED=true")
	}
}

func validConfig() Config {
	cfg := Default()
	cfg.App.AppID = "1:123:web:abc"
	return cfg
}

func TestValidateDefaultConfigNeedsAppID(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err == nil || !strings.Contains(err.Error(), "app.app_id") {
		t.Fatalf("Validate(default) error=%v, want app.app_id error", err)
	}
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "sampling rate above one",
			mutate:  func(c *Config) { c.Perf.TracesSamplingRate = 1.5 },
			wantErr: "perf.traces_sampling_rate",
		},
		{
			name:    "relative page url",
			mutate:  func(c *Config) { c.App.PageURL = "/cart" },
			wantErr: "app.page_url",
		},
		{
			name: "transport endpoint scheme",
			mutate: func(c *Config) {
				c.Transport.Enabled = true
				c.Transport.Endpoint = "ftp://logs.test/"
			},
			wantErr: "transport.endpoint",
		},
		{
			name: "transport max tries",
			mutate: func(c *Config) {
				c.Transport.Enabled = true
				c.Transport.MaxTries = 0
			},
			wantErr: "transport.max_tries",
		},
		{
			name: "transport negative initial delay",
			mutate: func(c *Config) {
				c.Transport.Enabled = true
				c.Transport.InitialDelayMS = -1
			},
			wantErr: "transport.initial_delay_ms",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = "postgres"
				c.Storage.DSN = ""
			},
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mysql" },
			wantErr: "storage.driver",
		},
		{
			name: "span export without traces",
			mutate: func(c *Config) {
				c.Observability.OTel.Enabled = true
				c.Observability.OTel.TracesEnabled = false
				c.Observability.OTel.SpanExport = true
			},
			wantErr: "span_export",
		},
		{
			name: "otel sampling ratio",
			mutate: func(c *Config) {
				c.Observability.OTel.Enabled = true
				c.Observability.OTel.SamplingRatio = -0.1
			},
			wantErr: "sampling_ratio",
		},
		{
			name:    "log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}
	for _, tc := range tests {
		cfg := validConfig()
		tc.mutate(&cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: Validate() error=%v, want containing %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Transport.Endpoint = ""
	cfg.Storage.Enabled = false
	cfg.Storage.Driver = "unknown"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}
