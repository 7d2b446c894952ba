package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds the TTL applied to the executions table.
type RetentionConfig struct {
	ExecutionsTTL time.Duration `yaml:"executions_ttl"`
}

// DefaultRetentionConfig keeps execution records for 90 days.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{ExecutionsTTL: 90 * 24 * time.Hour}
}

// RetentionManager applies data retention policies to storage tables.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, config: config}
}

// ApplyTTLs updates TTL settings to match the configured retention period.
// Called after migrations have run; a missing table is logged, not fatal.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	if r.config.ExecutionsTTL <= 0 {
		return nil
	}

	days := int(r.config.ExecutionsTTL.Hours() / 24)
	if days < 1 {
		days = 1
	}

	query := fmt.Sprintf(
		"ALTER TABLE executions MODIFY TTL start_time + INTERVAL %d DAY DELETE", days)
	if err := r.client.Exec(ctx, query); err != nil {
		slog.Warn("failed to apply retention policy", "table", "executions",
			"ttl_days", days, "error", err)
		return nil
	}

	slog.Info("applied retention policy", "table", "executions", "ttl_days", days)
	return nil
}

// DropPartition drops a specific partition from the executions table.
func (r *RetentionManager) DropPartition(ctx context.Context, partition string) error {
	query := fmt.Sprintf("ALTER TABLE executions DROP PARTITION '%s'", partition)
	if err := r.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", partition, err)
	}
	slog.Info("dropped partition", "table", "executions", "partition", partition)
	return nil
}
