package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"signal-responder/internal/response"
)

// ExecutionWriterConfig holds configuration for the execution writer.
type ExecutionWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultExecutionWriterConfig returns the default writer configuration.
func DefaultExecutionWriterConfig() ExecutionWriterConfig {
	return ExecutionWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// ExecutionWriter batches finalized execution records into ClickHouse.
// Records are buffered and flushed on size or interval. A Write that fills
// the buffer flushes synchronously, holding the writer lock through insert
// retries; callers must invoke Write off any latency-sensitive path.
type ExecutionWriter struct {
	client *ClickHouseClient
	config ExecutionWriterConfig

	buffer []*response.Execution
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewExecutionWriter creates a writer and starts its flush timer.
func NewExecutionWriter(client *ClickHouseClient, cfg ExecutionWriterConfig) *ExecutionWriter {
	w := &ExecutionWriter{
		client: client,
		config: cfg,
		buffer: make([]*response.Execution, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Write adds a finalized execution to the batch.
func (w *ExecutionWriter) Write(exec *response.Execution) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	w.buffer = append(w.buffer, exec)
	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *ExecutionWriter) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			slog.Error("execution flush failed", "error", err)
		}
	}
	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (w *ExecutionWriter) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	records := w.buffer
	w.buffer = make([]*response.Execution, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}

		if err := w.insertBatch(records); err != nil {
			lastErr = err
			slog.Warn("execution batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.totalWritten, uint64(len(records)))
		atomic.AddUint64(&w.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(records)))
	return &StorageError{
		Op:      "Insert",
		Table:   "executions",
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: w.config.MaxRetries,
	}
}

func (w *ExecutionWriter) insertBatch(records []*response.Execution) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO executions (
			execution_id, workflow_id,
			signal_id, signal_type, severity, strength, asset_id,
			status, success, escalated,
			completed_steps, failed_steps, skipped_steps, errors,
			start_time, end_time, total_time_ms
		)
	`)
	if err != nil {
		return err
	}

	for _, exec := range records {
		sig := exec.TriggerSignal

		if err := batch.Append(
			exec.ExecutionID,
			exec.WorkflowID,
			sig.ID.String(),
			string(sig.Type),
			string(sig.Severity),
			sig.Strength,
			sig.AssetID,
			string(exec.Status),
			exec.Results.Success,
			exec.Escalated,
			exec.CompletedSteps,
			exec.FailedSteps,
			exec.SkippedSteps,
			exec.Results.Errors,
			exec.StartTime,
			exec.EndTime,
			uint64(exec.TotalTime.Milliseconds()),
		); err != nil {
			return err
		}
	}

	if err := batch.Send(); err != nil {
		return err
	}

	slog.Debug("executions batch inserted", "count", len(records))
	return nil
}

// Flush forces a flush of the current buffer.
func (w *ExecutionWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the timer and performs a final flush.
func (w *ExecutionWriter) Close() error {
	w.mu.Lock()
	w.flushTimer.Stop()
	err := w.flushLocked()
	w.closed = true
	w.mu.Unlock()
	return err
}

// Metrics returns writer statistics.
func (w *ExecutionWriter) Metrics() WriterMetrics {
	return WriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: w.pendingCount(),
	}
}

func (w *ExecutionWriter) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// WriterMetrics holds execution writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
