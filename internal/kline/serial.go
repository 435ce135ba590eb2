package kline

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaudRate is the K-line rate used by DS2 and most KWP2000 ECUs.
const DefaultBaudRate = 9600

// SerialPort adapts a go.bug.st/serial port to Port. Reads are done with a
// zero read timeout into an internal buffer, so Available and Peek never
// block.
type SerialPort struct {
	port    serial.Port
	rx      []byte
	scratch [256]byte
	err     error // sticky read error, returned by the next ReadByte
}

// SerialMode returns the 8 data bit, one stop bit framing K-line adapters
// use. DS2 ECUs expect even parity; KWP ones none.
func SerialMode(baud int, parity serial.Parity) *serial.Mode {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   parity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerial opens the serial device at path.
func OpenSerial(path string, mode *serial.Mode) (*SerialPort, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("kline: open %s: %w", path, err)
	}
	sp, err := NewSerialPort(p)
	if err != nil {
		p.Close()
		return nil, err
	}
	return sp, nil
}

// NewSerialPort wraps an already open port and switches it to
// non-blocking reads.
func NewSerialPort(p serial.Port) (*SerialPort, error) {
	if err := p.SetReadTimeout(0); err != nil {
		return nil, fmt.Errorf("kline: set read timeout: %w", err)
	}
	return &SerialPort{port: p}, nil
}

// fill moves whatever the driver has buffered into rx.
func (s *SerialPort) fill() {
	if s.err != nil {
		return
	}
	for {
		n, err := s.port.Read(s.scratch[:])
		s.rx = append(s.rx, s.scratch[:n]...)
		if err != nil {
			s.err = err
			return
		}
		if n < len(s.scratch) {
			return
		}
	}
}

// Available pulls whatever the driver holds before counting, so bytes that
// arrived behind a partly read frame are seen.
func (s *SerialPort) Available() int {
	s.fill()
	return len(s.rx)
}

func (s *SerialPort) Peek() (byte, bool) {
	if s.Available() == 0 {
		return 0, false
	}
	return s.rx[0], true
}

func (s *SerialPort) ReadByte() (byte, error) {
	if s.Available() == 0 {
		if s.err != nil {
			err := s.err
			s.err = nil
			return 0, err
		}
		return 0, fmt.Errorf("kline: read on empty port")
	}
	b := s.rx[0]
	s.rx = s.rx[1:]
	return b, nil
}

func (s *SerialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Flush waits for the transmit buffer to drain.
func (s *SerialPort) Flush() error {
	return s.port.Drain()
}

// ResetInput drops buffered input on both sides of the driver.
func (s *SerialPort) ResetInput() error {
	s.rx = s.rx[:0]
	return s.port.ResetInputBuffer()
}

func (s *SerialPort) Close() error {
	return s.port.Close()
}
