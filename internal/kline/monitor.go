package kline

import "fmt"

// ReadCommand reads one complete frame that another party put on the bus,
// as a bus monitor or an ECU emulator would. No echo is expected; the frame
// must carry a valid checksum, and its device byte becomes the engine's
// device.
//
// In non-blocking mode ReadCommand returns ErrPending until at least the
// frame header has arrived.
func (e *Engine) ReadCommand(buf []byte) error {
	l := e.variant.layout()
	header := e.variant.echoOffset()
	if !e.blocking && e.port.Available() < header {
		return ErrPending
	}

	deadline := e.clock.Now().Add(e.timeout)
	capacity := min(len(buf), e.maxDataLength)
	if capacity < header {
		return fmt.Errorf("%w: capacity %d", ErrFrameTooLong, capacity)
	}
	e.echoLength = 0

	read := func(i int) error {
		if !e.waitByte(deadline) {
			return fmt.Errorf("%w: got %d bytes of command", ErrTimeout, i)
		}
		b, err := e.port.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrPort, err)
		}
		buf[i] = b
		return nil
	}

	for i := 0; i < header; i++ {
		if err := read(i); err != nil {
			return err
		}
	}
	n, _ := e.variant.FrameLength(buf, 0)
	if n > capacity {
		return fmt.Errorf("%w: declared %d, capacity %d", ErrFrameTooLong, n, capacity)
	}
	for i := header; i < n; i++ {
		if err := read(i); err != nil {
			return err
		}
	}

	if n < l.minFrame || Checksum(buf[:n]) != 0 {
		return e.checksumError("command checksum")
	}
	e.device = buf[l.devicePos]
	return nil
}
