package intake

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"signal-responder/internal/schema"

	"github.com/google/uuid"
)

func newTestConsumer(t *testing.T) *Consumer {
	t.Helper()
	c, err := NewConsumer(DefaultConfig(), schema.NewValidator(),
		func(ctx context.Context, sig *schema.Signal) error { return nil },
		slog.Default())
	if err != nil {
		t.Fatalf("NewConsumer() failed: %v", err)
	}
	return c
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topic", func(c *Config) { c.Topic = "" }, true},
		{"no group", func(c *Config) { c.Group = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConfig(), nil, nil, slog.Default()); err == nil {
		t.Error("NewConsumer() accepted nil handler")
	}
}

func TestDecode_ValidSignal(t *testing.T) {
	c := newTestConsumer(t)

	payload, _ := json.Marshal(&schema.Signal{
		ID:        uuid.New(),
		Type:      schema.SignalEmergency,
		Severity:  schema.SeverityCritical,
		Strength:  90,
		AssetID:   "asset-1",
		Timestamp: time.Now(),
	})

	sig, err := c.decode(payload)
	if err != nil {
		t.Fatalf("decode() failed: %v", err)
	}
	if sig.Type != schema.SignalEmergency || sig.Severity != schema.SeverityCritical {
		t.Errorf("decoded signal = %+v", sig)
	}
}

func TestDecode_RejectsMalformedAndInvalid(t *testing.T) {
	c := newTestConsumer(t)

	if _, err := c.decode([]byte("{not json")); err == nil {
		t.Error("malformed JSON accepted")
	}

	// Well-formed JSON failing validation: bad severity.
	payload, _ := json.Marshal(map[string]any{
		"id":        uuid.New().String(),
		"type":      "emergency",
		"severity":  "URGENT",
		"strength":  50,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
	if _, err := c.decode(payload); err == nil {
		t.Error("invalid severity accepted")
	}
}
