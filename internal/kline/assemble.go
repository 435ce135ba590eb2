package kline

import (
	"fmt"
	"time"
)

// assemble reads one response into buf. buf receives the echo of our own
// command (if the bus reflects it) followed by the device's frame.
//
// The total length is unknown up front: it starts as a guess and is
// re-derived once the response's length byte arrives. A single deadline,
// taken on entry, bounds the whole read.
func (e *Engine) assemble(buf []byte) error {
	deadline := e.clock.Now().Add(e.timeout)
	available := e.port.Available()

	if !e.blocking && e.echoLength != 0 && available == 0 {
		return ErrPending
	}
	if e.variant == DS2 && e.device != 0 && available > 0 {
		if b, ok := e.port.Peek(); !ok || b != e.device {
			if !e.skipStray(deadline) {
				return fmt.Errorf("%w: no frame from device 0x%02X", ErrTimeout, e.device)
			}
			available = e.port.Available()
		}
	}
	if !e.blocking && available <= 2 {
		return ErrPending
	}
	for e.port.Available() <= 2 && !e.clock.Now().After(deadline) {
		e.clock.Sleep(pollInterval)
	}

	l := e.variant.layout()
	echoOffset := e.variant.echoOffset()
	if e.echoLength+echoOffset > e.responseLength {
		e.responseLength = e.echoLength + echoOffset
	}
	// Long echoes mean long frames, which legitimately take longer.
	limit := deadline
	if e.echoLength > e.longEcho {
		limit = limit.Add(e.extraTimeout)
	}
	capacity := min(len(buf), e.maxDataLength)

	for i := 0; i < e.responseLength; i++ {
		if i >= capacity {
			return fmt.Errorf("%w: need %d, capacity %d", ErrFrameTooLong, e.responseLength, capacity)
		}
		if !e.waitByte(limit) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, i, e.responseLength)
		}
		b, err := e.port.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrPort, err)
		}
		buf[i] = b

		// Our echo's length byte must match what we sent. If it does not,
		// the bus did not reflect us cleanly: fall back to treating the
		// bytes as the response itself instead of failing the read.
		if i == echoOffset-1 && e.echoLength != 0 && int(b)+l.lengthAdjust != e.echoLength {
			e.log.Debug("kline: echo mismatch, assuming no echo",
				"expected", e.echoLength, "got", int(b)+l.lengthAdjust)
			e.echoLength = 0
		}
		if i == e.echoLength+echoOffset-1 {
			e.responseLength = int(b) + e.echoLength + l.lengthAdjust
		}
	}

	return e.validate(buf)
}

// waitByte polls until a byte is available or limit passes.
func (e *Engine) waitByte(limit time.Time) bool {
	for e.port.Available() == 0 {
		if e.clock.Now().After(limit) {
			return false
		}
		e.clock.Sleep(pollInterval)
	}
	return true
}

// skipStray discards leading bytes until the addressed device's byte is
// next. Other devices chatter on a shared DS2 bus; this is not an error.
func (e *Engine) skipStray(deadline time.Time) bool {
	skipped := 0
	defer func() {
		if skipped > 0 {
			e.metrics.StrayBytes.Add(uint64(skipped))
			e.log.Debug("kline: discarded stray bytes", "count", skipped, "device", e.device)
		}
	}()

	for {
		b, ok := e.port.Peek()
		if ok && b == e.device {
			return true
		}
		if ok {
			if _, err := e.port.ReadByte(); err != nil {
				return false
			}
			skipped++
		} else {
			e.clock.Sleep(pollInterval)
		}
		if e.clock.Now().After(deadline) {
			return false
		}
	}
}
