package kline

import (
	"fmt"
	"time"
)

// Write transmits cmd. The device and echo length are taken from the
// command's own header, so the caller only has to fill in the frame.
//
// explicitLength of zero writes the header-declared length. Anything else
// writes that many bytes and also becomes the expected response length.
func (e *Engine) Write(cmd []byte, explicitLength int) (int, error) {
	l := e.variant.layout()
	echo, ok := e.variant.FrameLength(cmd, 0)
	if !ok || l.devicePos >= len(cmd) {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortCommand, len(cmd))
	}
	n := echo
	if explicitLength != 0 {
		n = explicitLength
	}
	if n > len(cmd) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortCommand, n, len(cmd))
	}

	e.sentAt = e.clock.Now()
	e.device = cmd[l.devicePos]
	e.echoLength = echo
	if explicitLength != 0 {
		e.responseLength = explicitLength
	}

	written, err := e.writeToPort(cmd[:n])
	if err != nil {
		return written, fmt.Errorf("%w: write: %w", ErrPort, err)
	}
	e.metrics.CommandsSent.Add(1)
	e.log.Debug("kline: command sent", "device", e.device, "bytes", fmt.Sprintf("% X", cmd[:n]))
	return written, nil
}

// writeToPort sends p in one call, or byte by byte with the slow-send delay
// ahead of each byte for ECUs that cannot take back-to-back bytes.
func (e *Engine) writeToPort(p []byte) (int, error) {
	if e.slowSend <= 0 {
		return e.port.Write(p)
	}
	for i := range p {
		e.clock.Sleep(e.slowSend)
		if _, err := e.port.Write(p[i : i+1]); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Validate reports whether buf holds a frame with a correct checksum. When
// an echo is expected, the frame after the echo is checked.
func (e *Engine) Validate(buf []byte) bool {
	return e.validate(buf) == nil
}

func (e *Engine) validate(buf []byte) error {
	start := 0
	if e.echoLength != 0 {
		n, ok := e.variant.FrameLength(buf, 0)
		if !ok {
			return e.checksumError("echo header missing")
		}
		start = n
	}

	n, ok := e.variant.FrameLength(buf, start)
	if !ok {
		return e.checksumError("frame header missing")
	}
	end := start + n
	if n < e.variant.layout().minFrame || end > len(buf) {
		return e.checksumError(fmt.Sprintf("declared length %d does not fit", n))
	}
	if cs := Checksum(buf[start:end]); cs != 0 {
		return e.checksumError(fmt.Sprintf("residue 0x%02X over [%d,%d)", cs, start, end))
	}

	now := e.clock.Now()
	since := e.lastValid
	if since.IsZero() {
		since = e.sentAt
	}
	if elapsed := now.Sub(since); !since.IsZero() && elapsed > 0 {
		e.metrics.setRate(float64(time.Second) / float64(elapsed))
	}
	e.lastValid = now
	e.metrics.ResponsesOK.Add(1)
	return nil
}

func (e *Engine) checksumError(reason string) error {
	e.metrics.ChecksumErrors.Add(1)
	e.log.Debug("kline: frame rejected", "reason", reason)
	return fmt.Errorf("%w: %s", ErrChecksum, reason)
}

// FixChecksum overwrites the last byte of the frame at buf[0] with the XOR
// of the bytes before it. It mutates buf and is never applied implicitly.
func (e *Engine) FixChecksum(buf []byte) error {
	n, ok := e.variant.FrameLength(buf, 0)
	if !ok || n < e.variant.layout().minFrame || n > len(buf) {
		return fmt.Errorf("%w: declared length does not fit %d bytes", ErrShortCommand, len(buf))
	}
	buf[n-1] = Checksum(buf[:n-1])
	return nil
}

// CheckAck applies the acknowledge policy to a validated frame. KWP expects
// the response's source byte to be the device we addressed; DS2 compares
// the configured acknowledge byte unless checking is off.
func (e *Engine) CheckAck(buf []byte) bool {
	if e.variant == KWP {
		i := e.echoLength + 2
		return i < len(buf) && buf[i] == e.device
	}
	if !e.ackCheck {
		return true
	}
	i := e.echoLength + e.ackOffset
	return i < len(buf) && buf[i] == e.ackByte
}
