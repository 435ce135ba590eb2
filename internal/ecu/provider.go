package ecu

import (
	"errors"
	"time"

	"github.com/shaunagostinho/kline-dash/internal/kline"
)

// ErrNotConnected is returned by RequestData before Connect succeeded.
var ErrNotConnected = errors.New("ecu: not connected")

// Provider is the interface that all ECU backends must implement.
// The K-line provider is the real one; the demo provider runs the same
// code against a simulated bus.
type Provider interface {
	// Name returns the human-readable name of this ECU provider.
	Name() string
	// Connect opens the port and verifies communication.
	Connect() error
	// Close cleanly shuts down the connection.
	Close() error
	// IsConnected returns whether the provider has an active connection.
	IsConnected() bool

	// RequestData performs one request/response exchange and decodes the
	// configured channels. It must be called from a single goroutine.
	RequestData() (*DataFrame, error)

	// Stats returns the bus counters. Safe to call from any goroutine.
	Stats() Stats
}

// DataFrame holds one decoded response.
type DataFrame struct {
	Time     time.Time          `json:"time"`
	Channels map[string]float64 `json:"channels"`
	Raw      string             `json:"raw,omitempty"` // Response frame in hex, without the echo
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	CommandsSent      uint64  `json:"commandsSent"`
	ResponsesOK       uint64  `json:"responsesOk"`
	ChecksumErrors    uint64  `json:"checksumErrors"`
	AckRejects        uint64  `json:"ackRejects"`
	Timeouts          uint64  `json:"timeouts"`
	StrayBytes        uint64  `json:"strayBytes"`
	CommandsPerSecond float64 `json:"commandsPerSecond"`
}

// StatsFrom snapshots m. A nil m gives zero Stats.
func StatsFrom(m *kline.Metrics) Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		CommandsSent:      m.CommandsSent.Load(),
		ResponsesOK:       m.ResponsesOK.Load(),
		ChecksumErrors:    m.ChecksumErrors.Load(),
		AckRejects:        m.AckRejects.Load(),
		Timeouts:          m.Timeouts.Load(),
		StrayBytes:        m.StrayBytes.Load(),
		CommandsPerSecond: m.CommandsPerSecond(),
	}
}
