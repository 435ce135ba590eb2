package kline

import "time"

//go:generate go tool mockgen -destination=mock_port_test.go -package=kline . Port

// Port is the byte stream the engine talks over. Every method except Write
// and Flush must return immediately; the engine does its own waiting.
//
// Implementations typically wrap a UART, a USB K-line cable or a Bluetooth
// serial link. The engine assumes exclusive use of the port.
type Port interface {
	// Available returns the number of received bytes that can be read now.
	Available() int
	// Peek returns the next received byte without consuming it.
	Peek() (byte, bool)
	// ReadByte consumes the next received byte.
	ReadByte() (byte, error)
	// Write transmits p and returns the number of bytes written.
	Write(p []byte) (int, error)
	// Flush waits until written bytes have left the transmitter.
	Flush() error
}

// Clock is the time source for deadlines and pacing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
