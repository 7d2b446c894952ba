package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrSinkClosed is returned when publishing through a closed sink.
var ErrSinkClosed = errors.New("kafka sink is closed")

// KafkaConfig holds connection settings for the event sink.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks" json:"required_acks"` // -1=all, 0=none, 1=leader
}

// DefaultKafkaConfig returns sink defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "responder-events",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxRetries:   3,
		WriteTimeout: 30 * time.Second,
		RequiredAcks: -1,
	}
}

// Validate checks the sink configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

// KafkaSink publishes bus events as JSON envelopes to a Kafka topic. It is
// registered with Bus.SubscribeAll; delivery is asynchronous so a slow or
// unreachable broker never blocks the orchestrator.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewKafkaSink creates a sink for the given configuration.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxRetries,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-sink")
		}),
	}

	logger.Info("kafka event sink initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)

	return &KafkaSink{writer: writer, logger: logger}, nil
}

// Handler returns the bus handler that forwards events to Kafka.
func (s *KafkaSink) Handler() Handler {
	return func(ev Event) {
		if s.closed.Load() {
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			s.dropped.Add(1)
			s.logger.Error("failed to marshal event", "event", ev.Name, "error", err)
			return
		}

		msg := kafka.Message{
			Key:   []byte(ev.Name),
			Value: data,
			Time:  ev.Timestamp,
		}
		if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
			s.dropped.Add(1)
			s.logger.Warn("failed to publish event", "event", ev.Name, "error", err)
			return
		}
		s.published.Add(1)
	}
}

// Metrics reports sink counters.
func (s *KafkaSink) Metrics() (published, dropped int64) {
	return s.published.Load(), s.dropped.Load()
}

// Close flushes buffered messages and shuts the sink down.
func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("closing kafka event sink", "published", s.published.Load(), "dropped", s.dropped.Load())
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close sink: %w", err)
	}
	return nil
}
