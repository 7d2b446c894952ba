// Package config handles configuration loading for signal-responder.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"signal-responder/internal/archive"
	"signal-responder/internal/escalation"
	"signal-responder/internal/events"
	"signal-responder/internal/intake"
	"signal-responder/internal/intelligence"
	"signal-responder/internal/response"
	"signal-responder/internal/storage"
)

// Config holds the complete application configuration.
type Config struct {
	Logging      LoggingConfig       `yaml:"logging"`
	Orchestrator response.Config     `yaml:"orchestrator"`
	Intelligence intelligence.Config `yaml:"intelligence"`
	Pools        []PoolConfig        `yaml:"pools"`
	Workflows    WorkflowsConfig     `yaml:"workflows"`
	Escalation   []escalation.Rule   `yaml:"escalation"`
	Intake       IntakeConfig        `yaml:"intake"`
	Events       EventsConfig        `yaml:"events"`
	Storage      StorageConfig       `yaml:"storage"`
	Archive      ArchiveConfig       `yaml:"archive"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PoolConfig declares one resource pool the orchestrator allocates from.
type PoolConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// WorkflowsConfig locates workflow template definitions. Every *.yaml file
// in Dir is loaded as one workflow template at startup.
type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

// IntakeConfig holds Kafka signal intake settings.
type IntakeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Consumer intake.Config `yaml:"consumer"`
}

// EventsConfig holds event sink settings.
type EventsConfig struct {
	Enabled bool               `yaml:"enabled"`
	Kafka   events.KafkaConfig `yaml:"kafka"`
}

// StorageConfig holds execution storage settings.
type StorageConfig struct {
	Enabled    bool                          `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig      `yaml:"clickhouse"`
	Writer     storage.ExecutionWriterConfig `yaml:"writer"`
	Retention  storage.RetentionConfig       `yaml:"retention"`
}

// ArchiveConfig holds S3 archival settings.
type ArchiveConfig struct {
	Enabled bool           `yaml:"enabled"`
	S3      archive.Config `yaml:"s3"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Orchestrator: response.DefaultConfig(),
		Intelligence: intelligence.DefaultConfig(),
		Pools: []PoolConfig{
			{ID: "inspector", Name: "Field inspector", Capacity: 4},
			{ID: "maintenance-crew", Name: "Maintenance crew", Capacity: 2},
		},
		Workflows: WorkflowsConfig{
			Dir: "configs/workflows",
		},
		Intake: IntakeConfig{
			Enabled:  false, // enable when a broker is available
			Consumer: intake.DefaultConfig(),
		},
		Events: EventsConfig{
			Enabled: false,
			Kafka:   events.DefaultKafkaConfig(),
		},
		Storage: StorageConfig{
			Enabled: false, // disabled by default for development without ClickHouse
			ClickHouse: storage.ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "responder",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			Writer:    storage.DefaultExecutionWriterConfig(),
			Retention: storage.DefaultRetentionConfig(),
		},
		Archive: ArchiveConfig{
			Enabled: false,
			S3:      archive.DefaultConfig(),
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("RESPONDER_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("RESPONDER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("RESPONDER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	// One broker list serves both intake and the event sink.
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		list := splitAndTrim(brokers, ",")
		c.Intake.Consumer.Brokers = list
		c.Events.Kafka.Brokers = list
	}
	if enabled := os.Getenv("RESPONDER_INTAKE_ENABLED"); enabled == "true" {
		c.Intake.Enabled = true
	}
	if enabled := os.Getenv("RESPONDER_EVENTS_ENABLED"); enabled == "true" {
		c.Events.Enabled = true
	}

	// Storage settings
	if enabled := os.Getenv("RESPONDER_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Archive settings
	if enabled := os.Getenv("RESPONDER_ARCHIVE_ENABLED"); enabled == "true" {
		c.Archive.Enabled = true
	}
	if bucket := os.Getenv("RESPONDER_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration, delegating to each component.
func (c *Config) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := c.Intelligence.Validate(); err != nil {
		return fmt.Errorf("intelligence: %w", err)
	}

	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.ID == "" {
			return fmt.Errorf("pool id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate pool id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Capacity <= 0 {
			return fmt.Errorf("pool %s: capacity must be positive", p.ID)
		}
	}

	for _, r := range c.Escalation {
		if r.ID == "" {
			return fmt.Errorf("escalation rule id is required")
		}
		if len(r.Levels) == 0 {
			return fmt.Errorf("escalation rule %s: at least one level is required", r.ID)
		}
	}

	if c.Intake.Enabled {
		if err := c.Intake.Consumer.Validate(); err != nil {
			return err
		}
	}
	if c.Events.Enabled {
		if err := c.Events.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage: at least one clickhouse host is required")
	}

	return nil
}
