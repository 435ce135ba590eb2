package kline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the request/response state of an Engine.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

func (s State) String() string {
	if s == StateAwaitingResponse {
		return "awaiting-response"
	}
	return "idle"
}

// Status is the outcome of a Receive poll.
type Status int

const (
	StatusWaiting Status = iota
	StatusOK
	StatusBad
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBad:
		return "bad"
	case StatusTimeout:
		return "timeout"
	default:
		return "waiting"
	}
}

// Engine drives one K-line bus. It frames commands, strips the echo that
// half-duplex wiring reflects back, assembles responses under a deadline and
// validates them.
//
// Engine is NOT goroutine-safe. Exactly one task should drive it, which is
// also the only way to keep frames from interleaving on a single wire.
// Metrics may be read concurrently.
type Engine struct {
	port    Port
	clock   Clock
	log     *slog.Logger
	metrics Metrics

	variant       Variant
	blocking      bool
	timeout       time.Duration
	extraTimeout  time.Duration
	longEcho      int
	maxDataLength int
	ackByte       byte
	ackOffset     int
	ackCheck      bool
	slowSend      time.Duration

	state          State
	sentAt         time.Time // last write
	lastValid      time.Time // last successful validation
	device         byte
	echoLength     int
	responseLength int
}

// New creates an Engine talking over port.
func New(port Port, cfg Config, opts ...Option) (*Engine, error) {
	if port == nil {
		return nil, errors.New("kline: nil port")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	variant, _ := ParseVariant(cfg.Variant)

	e := &Engine{
		port:          port,
		clock:         systemClock{},
		log:           slog.Default(),
		variant:       variant,
		blocking:      cfg.Blocking,
		timeout:       time.Duration(cfg.TimeoutMs) * time.Millisecond,
		extraTimeout:  time.Duration(cfg.ExtraTimeoutMs) * time.Millisecond,
		longEcho:      cfg.LongEcho,
		maxDataLength: cfg.MaxDataLength,
		ackByte:       cfg.AckByte,
		ackOffset:     cfg.AckOffset,
		ackCheck:      cfg.AckCheck,
		slowSend:      time.Duration(cfg.SlowSendMs) * time.Millisecond,
		device:        cfg.Device,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("variant", variant.String())
	return e, nil
}

// Send writes cmd and moves the engine to StateAwaitingResponse. respLen, if
// non-zero, is the expected total length (echo plus response).
//
// While a previous command is in flight Send writes nothing and returns
// (0, ErrBusy); the in-flight exchange is left untouched.
func (e *Engine) Send(cmd []byte, respLen int) (int, error) {
	if e.state == StateAwaitingResponse {
		return 0, ErrBusy
	}
	if respLen != 0 {
		e.responseLength = respLen
	}
	e.state = StateAwaitingResponse
	e.ClearRX()

	n, err := e.Write(cmd, 0)
	if err != nil {
		e.state = StateIdle
		return n, err
	}
	return n, nil
}

// Receive polls for the response to the command passed to Send and decodes
// it into buf. StatusWaiting means try again later; every other status
// returns the engine to StateIdle. The error explains StatusBad and
// StatusTimeout.
func (e *Engine) Receive(buf []byte) (Status, error) {
	if e.state != StateAwaitingResponse {
		return StatusWaiting, nil
	}

	err := e.assemble(buf)
	switch {
	case err == nil:
		e.state = StateIdle
		if !e.CheckAck(buf) {
			e.metrics.AckRejects.Add(1)
			return StatusBad, ErrAckRejected
		}
		if e.echoLength == e.responseLength {
			return StatusBad, ErrEchoOnly
		}
		return StatusOK, nil

	case errors.Is(err, ErrPending):
		if e.clock.Now().Sub(e.sentAt) < e.timeout {
			return StatusWaiting, nil
		}
		e.state = StateIdle
		e.metrics.Timeouts.Add(1)
		return StatusTimeout, ErrTimeout

	case errors.Is(err, ErrTimeout):
		e.state = StateIdle
		e.metrics.Timeouts.Add(1)
		return StatusTimeout, err

	default:
		e.state = StateIdle
		return StatusBad, err
	}
}

// NewCommand abandons any in-flight exchange and drains the receive side.
func (e *Engine) NewCommand() {
	e.ClearRX()
	e.state = StateIdle
}

// ObtainValues sends cmd and waits for its response in one call, forcing
// blocking reads for the duration. It returns nil only for a checksum-valid,
// acknowledged frame. The only deadline is the one of the assembly loop.
func (e *Engine) ObtainValues(cmd, buf []byte, respLen int) error {
	if e.state == StateAwaitingResponse {
		return ErrBusy
	}
	e.responseLength = respLen
	clear(buf[:min(len(buf), e.maxDataLength)])
	e.ClearRX()

	prev := e.blocking
	e.blocking = true
	defer func() { e.blocking = prev }()

	if _, err := e.Write(cmd, 0); err != nil {
		return err
	}
	if err := e.assemble(buf); err != nil {
		e.ClearRX()
		if errors.Is(err, ErrTimeout) {
			e.metrics.Timeouts.Add(1)
		}
		return err
	}
	if !e.CheckAck(buf) {
		e.metrics.AckRejects.Add(1)
		return ErrAckRejected
	}
	return nil
}

// ClearRX discards pending received bytes, giving up after the timeout if
// the bus keeps talking.
func (e *Engine) ClearRX() {
	start := e.clock.Now()
	for e.port.Available() > 0 {
		if _, err := e.port.ReadByte(); err != nil {
			return
		}
		if e.clock.Now().Sub(start) > e.timeout {
			break
		}
	}
}

// ClearRXAbove discards chunk bytes at a time while more than keep bytes are
// pending. It is used to skip whole frames of a known size.
func (e *Engine) ClearRXAbove(keep, chunk int) {
	start := e.clock.Now()
	for e.port.Available() > keep {
		for i := 0; i < chunk; i++ {
			if _, err := e.port.ReadByte(); err != nil {
				return
			}
		}
		if e.clock.Now().Sub(start) > e.timeout {
			break
		}
	}
}

// Available returns the number of bytes pending on the port.
func (e *Engine) Available() int { return e.port.Available() }

// Flush waits for written bytes to leave the transmitter.
func (e *Engine) Flush() error {
	if err := e.port.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrPort, err)
	}
	return nil
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *Metrics { return &e.metrics }

func (e *Engine) State() State           { return e.state }
func (e *Engine) Variant() Variant       { return e.variant }
func (e *Engine) Device() byte           { return e.device }
func (e *Engine) Echo() int              { return e.echoLength }
func (e *Engine) ResponseLength() int    { return e.responseLength }
func (e *Engine) Blocking() bool         { return e.blocking }
func (e *Engine) Timeout() time.Duration { return e.timeout }
func (e *Engine) MaxDataLength() int     { return e.maxDataLength }

// SetDevice sets the device used for the DS2 stray-byte filter and the KWP
// acknowledge check. Zero disables the filter.
func (e *Engine) SetDevice(dev byte) byte {
	e.device = dev
	return dev
}

// SetEcho overrides the expected echo length, e.g. for adapters that
// suppress the echo in hardware.
func (e *Engine) SetEcho(n int) int {
	e.echoLength = n
	return n
}

func (e *Engine) SetBlocking(on bool)             { e.blocking = on }
func (e *Engine) SetTimeout(d time.Duration)      { e.timeout = d }
func (e *Engine) SetMaxDataLength(n int)          { e.maxDataLength = n }
func (e *Engine) SetSlowSend(delay time.Duration) { e.slowSend = delay }

// SetAck configures the DS2 acknowledge policy.
func (e *Engine) SetAck(ack byte, offset int, check bool) {
	e.ackByte = ack
	e.ackOffset = offset
	e.ackCheck = check
}
