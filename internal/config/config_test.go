package config

import (
	"os"
	"path/filepath"
	"testing"

	"signal-responder/internal/escalation"
)

func writeConfig(t *testing.T, contents string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("RESPONDER_CONFIG_PATH", path)
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("RESPONDER_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Orchestrator.MaxConcurrent != 10 {
		t.Errorf("max_concurrent default = %d, want 10", cfg.Orchestrator.MaxConcurrent)
	}
	if cfg.Storage.Enabled || cfg.Intake.Enabled || cfg.Archive.Enabled {
		t.Error("optional sinks should be disabled by default")
	}
	if len(cfg.Pools) == 0 {
		t.Error("default pools missing")
	}
}

func TestLoad_FromFile(t *testing.T) {
	writeConfig(t, `
logging:
  level: debug
  format: text
orchestrator:
  max_concurrent: 3
pools:
  - id: drone
    name: Survey drone
    capacity: 5
escalation:
  - id: slow-response
    active: true
    triggers:
      severities: [CRITICAL]
    levels:
      - name: page-oncall
        channels: [pager]
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Orchestrator.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d, want 3", cfg.Orchestrator.MaxConcurrent)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].ID != "drone" || cfg.Pools[0].Capacity != 5 {
		t.Errorf("pools = %+v", cfg.Pools)
	}
	if len(cfg.Escalation) != 1 || cfg.Escalation[0].ID != "slow-response" {
		t.Fatalf("escalation = %+v", cfg.Escalation)
	}
	if len(cfg.Escalation[0].Levels) != 1 || cfg.Escalation[0].Levels[0].Name != "page-oncall" {
		t.Errorf("levels = %+v", cfg.Escalation[0].Levels)
	}
	// File values merge over defaults rather than replacing them.
	if cfg.Orchestrator.HistoryLimit != 1000 {
		t.Errorf("history_limit = %d, want default 1000", cfg.Orchestrator.HistoryLimit)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RESPONDER_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("RESPONDER_LOG_LEVEL", "warn")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("RESPONDER_STORAGE_ENABLED", "true")
	t.Setenv("CLICKHOUSE_HOST", "ch-1:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %s, want warn", cfg.Logging.Level)
	}
	if len(cfg.Intake.Consumer.Brokers) != 2 || cfg.Intake.Consumer.Brokers[1] != "kafka-2:9092" {
		t.Errorf("intake brokers = %v", cfg.Intake.Consumer.Brokers)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 {
		t.Errorf("event brokers = %v", cfg.Events.Kafka.Brokers)
	}
	if !cfg.Storage.Enabled {
		t.Error("storage not enabled")
	}
	if len(cfg.Storage.ClickHouse.Hosts) != 1 || cfg.Storage.ClickHouse.Hosts[0] != "ch-1:9000" {
		t.Errorf("clickhouse hosts = %v", cfg.Storage.ClickHouse.Hosts)
	}
}

func TestLoad_RejectsMalformedFile(t *testing.T) {
	writeConfig(t, "logging: [not a mapping")
	if _, err := Load(); err == nil {
		t.Error("Load() accepted malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero max_concurrent", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }, true},
		{"negative analysis window", func(c *Config) { c.Intelligence.AnalysisWindow = -1 }, true},
		{"pool without id", func(c *Config) { c.Pools = []PoolConfig{{Capacity: 1}} }, true},
		{"duplicate pool id", func(c *Config) {
			c.Pools = []PoolConfig{{ID: "a", Capacity: 1}, {ID: "a", Capacity: 2}}
		}, true},
		{"zero pool capacity", func(c *Config) { c.Pools = []PoolConfig{{ID: "a"}} }, true},
		{"escalation rule without levels", func(c *Config) {
			c.Escalation = []escalation.Rule{{ID: "r1", Active: true}}
		}, true},
		{"intake enabled without brokers", func(c *Config) {
			c.Intake.Enabled = true
			c.Intake.Consumer.Brokers = nil
		}, true},
		{"storage enabled without hosts", func(c *Config) {
			c.Storage.Enabled = true
			c.Storage.ClickHouse.Hosts = nil
		}, true},
		{"archive enabled without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.S3.Bucket = ""
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
