// Package intake consumes signals from Kafka and feeds them to the
// orchestrator. Signals arrive as JSON documents keyed by asset id; malformed
// or invalid signals are dropped with a counter, never retried.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"signal-responder/internal/schema"
)

// SignalHandler processes one validated signal. Returning an error leaves
// the message uncommitted so it is redelivered.
type SignalHandler func(ctx context.Context, sig *schema.Signal) error

// Config holds consumer connection settings.
type Config struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	Group          string        `yaml:"group"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
}

// DefaultConfig returns intake defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:        []string{"localhost:9092"},
		Topic:          "signals",
		Group:          "signal-responder",
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	}
}

// Validate checks the consumer configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("intake: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("intake: topic is required")
	}
	if c.Group == "" {
		return errors.New("intake: consumer group is required")
	}
	return nil
}

// Consumer reads signals from a Kafka topic and dispatches them.
type Consumer struct {
	reader    *kafka.Reader
	validator *schema.Validator
	handler   SignalHandler
	logger    *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	consumed atomic.Int64
	invalid  atomic.Int64
	failed   atomic.Int64
}

// NewConsumer creates a signal consumer.
func NewConsumer(cfg Config, validator *schema.Validator, handler SignalHandler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("intake: signal handler is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Group,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "signal-intake")
		}),
	})

	logger.Info("signal intake initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.Group,
	)

	return &Consumer{
		reader:    reader,
		validator: validator,
		handler:   handler,
		logger:    logger,
	}, nil
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("intake: consumer already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeLoop(ctx)
	}()
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		sig, err := c.decode(msg.Value)
		if err != nil {
			// Bad input is dropped and committed; redelivery cannot fix it.
			c.invalid.Add(1)
			c.logger.Warn("dropping invalid signal",
				"offset", msg.Offset,
				"error", err,
			)
			c.commit(ctx, msg)
			continue
		}

		if err := c.handler(ctx, sig); err != nil {
			c.failed.Add(1)
			c.logger.Error("signal handler failed, message left uncommitted",
				"signal_id", sig.ID,
				"error", err,
			)
			continue
		}

		c.consumed.Add(1)
		c.commit(ctx, msg)
	}
}

func (c *Consumer) decode(data []byte) (*schema.Signal, error) {
	var sig schema.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("intake: malformed signal: %w", err)
	}
	if c.validator != nil {
		if err := c.validator.Validate(&sig); err != nil {
			return nil, fmt.Errorf("intake: invalid signal: %w", err)
		}
	}
	return &sig, nil
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("failed to commit message", "offset", msg.Offset, "error", err)
	}
}

// Stop cancels the consume loop and closes the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

// Metrics holds intake counters.
type Metrics struct {
	Consumed int64 `json:"consumed"`
	Invalid  int64 `json:"invalid"`
	Failed   int64 `json:"failed"`
}

// Stats returns intake counters.
func (c *Consumer) Stats() Metrics {
	return Metrics{
		Consumed: c.consumed.Load(),
		Invalid:  c.invalid.Load(),
		Failed:   c.failed.Load(),
	}
}
