package kline

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults applied by New for zero-valued Config fields. The acknowledge
// triple is taken as given, since zero is a valid ack byte and offset; only
// DefaultConfig fills it in.
const (
	DefaultTimeoutMs      = 1000
	DefaultMaxDataLength  = 255
	DefaultAckByte        = 0xA0 // DS2 positive response
	DefaultAckOffset      = 2
	DefaultExtraTimeoutMs = 200
	DefaultLongEcho       = 50

	maxBuffer = 1024

	// pollInterval is how long the engine sleeps between availability checks.
	pollInterval = time.Millisecond
)

// Config holds the bus settings of an Engine.
type Config struct {
	Variant        string `yaml:"variant" json:"variant"`                 // "ds2" or "kwp"
	Blocking       bool   `yaml:"blocking" json:"blocking"`               // Wait inside reads instead of returning pending
	TimeoutMs      int    `yaml:"timeout_ms" json:"timeoutMs"`            // Per-operation deadline
	MaxDataLength  int    `yaml:"max_data_length" json:"maxDataLength"`   // Frame buffer capacity
	AckByte        uint8  `yaml:"ack_byte" json:"ackByte"`                // Expected DS2 acknowledge
	AckOffset      int    `yaml:"ack_offset" json:"ackOffset"`            // Position of the acknowledge after the echo
	AckCheck       bool   `yaml:"ack_check" json:"ackCheck"`              // Reject frames whose acknowledge differs
	SlowSendMs     int    `yaml:"slow_send_ms" json:"slowSendMs"`         // Inter-byte delay, 0 to send in one write
	ExtraTimeoutMs int    `yaml:"extra_timeout_ms" json:"extraTimeoutMs"` // Grace added when the echo is long
	LongEcho       int    `yaml:"long_echo" json:"longEcho"`              // Echo length that earns the grace
	Device         uint8  `yaml:"device" json:"device"`                   // Initial device filter, 0 for none
}

// DefaultConfig returns a DS2 configuration with acknowledge checking on.
func DefaultConfig() Config {
	return Config{
		Variant:        DS2.String(),
		TimeoutMs:      DefaultTimeoutMs,
		MaxDataLength:  DefaultMaxDataLength,
		AckByte:        DefaultAckByte,
		AckOffset:      DefaultAckOffset,
		AckCheck:       true,
		ExtraTimeoutMs: DefaultExtraTimeoutMs,
		LongEcho:       DefaultLongEcho,
	}
}

func (c *Config) setDefaults() {
	if c.TimeoutMs == 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.MaxDataLength == 0 {
		c.MaxDataLength = DefaultMaxDataLength
	}
	if c.ExtraTimeoutMs == 0 {
		c.ExtraTimeoutMs = DefaultExtraTimeoutMs
	}
	if c.LongEcho == 0 {
		c.LongEcho = DefaultLongEcho
	}
}

func (c *Config) validate() error {
	if _, err := ParseVariant(c.Variant); err != nil {
		return err
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("kline: invalid timeout %dms", c.TimeoutMs)
	}
	if c.MaxDataLength < 0 || c.MaxDataLength > maxBuffer {
		return fmt.Errorf("kline: invalid max data length %d", c.MaxDataLength)
	}
	if c.AckOffset < 0 {
		return fmt.Errorf("kline: invalid ack offset %d", c.AckOffset)
	}
	if c.SlowSendMs < 0 || c.ExtraTimeoutMs < 0 {
		return fmt.Errorf("kline: negative delay in config")
	}
	return nil
}

// Option customizes an Engine beyond its Config.
type Option func(*Engine)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock replaces the system clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}
