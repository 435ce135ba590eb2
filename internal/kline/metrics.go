package kline

import (
	"math"
	"sync/atomic"
)

// Metrics contains atomic counters for an Engine. The engine itself is
// single-threaded, but Metrics may be read from any goroutine.
type Metrics struct {
	// CommandsSent counts commands written to the bus.
	CommandsSent atomic.Uint64
	// ResponsesOK counts frames that passed checksum validation.
	ResponsesOK atomic.Uint64
	// ChecksumErrors counts assembled frames that failed validation.
	ChecksumErrors atomic.Uint64
	// AckRejects counts valid frames with a foreign or negative acknowledge.
	AckRejects atomic.Uint64
	// Timeouts counts exchanges that ran out of time.
	Timeouts atomic.Uint64
	// StrayBytes counts leading bytes discarded because they were not from
	// the addressed device.
	StrayBytes atomic.Uint64

	rate atomic.Uint64 // float64 bits
}

// CommandsPerSecond returns the throughput gauge, recomputed on every
// successful checksum validation.
func (m *Metrics) CommandsPerSecond() float64 {
	return math.Float64frombits(m.rate.Load())
}

func (m *Metrics) setRate(v float64) {
	m.rate.Store(math.Float64bits(v))
}
