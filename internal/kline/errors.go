package kline

import "errors"

var (
	// ErrBusy is returned by Send while a previous command is still awaiting
	// its response. Nothing is written to the bus.
	ErrBusy = errors.New("kline: command already in flight")

	// ErrChecksum is returned when the XOR over the declared frame region is
	// not zero, or the declared region does not fit the received bytes.
	ErrChecksum = errors.New("kline: checksum mismatch")

	// ErrAckRejected is returned when a frame passed its checksum but the
	// acknowledge byte (DS2) or source address (KWP) did not match.
	//
	// This means the device answered, just not positively or not for us.
	ErrAckRejected = errors.New("kline: acknowledge rejected")

	// ErrTimeout is returned when the deadline elapsed before the declared
	// frame length was received. Partial bytes must not be interpreted.
	ErrTimeout = errors.New("kline: response timeout")

	// ErrPending is returned by non-blocking reads when no response has
	// started to arrive yet.
	ErrPending = errors.New("kline: response pending")

	// ErrEchoOnly is returned when the assembled frame consists of nothing
	// but our own echo.
	ErrEchoOnly = errors.New("kline: only echo received")

	// ErrFrameTooLong is returned when a declared frame length exceeds the
	// buffer or the configured maximum data length.
	ErrFrameTooLong = errors.New("kline: frame exceeds buffer")

	// ErrShortCommand is returned when a command buffer is shorter than the
	// length its own header declares.
	ErrShortCommand = errors.New("kline: command shorter than its header")

	// ErrPort wraps read, write and flush failures of the underlying port.
	// Unlike the protocol errors it usually means the adapter is gone.
	ErrPort = errors.New("kline: port failure")

	// ErrUnknownVariant is returned for a protocol name other than ds2 or kwp.
	ErrUnknownVariant = errors.New("kline: unknown protocol variant")
)
