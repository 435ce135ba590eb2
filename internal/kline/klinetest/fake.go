// Package klinetest provides a scripted bus and a manual clock for testing
// code built on the kline package.
package klinetest

import (
	"errors"
	"sync"
	"time"
)

// Clock is a manual clock. Sleep advances it instead of blocking, so
// deadline loops run instantly in tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(d time.Duration) { c.Advance(d) }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pending struct {
	at time.Time
	b  byte
}

// Port is a scripted bus. Bytes queued with Feed become readable once the
// clock reaches their arrival time. With Echo set, every write is reflected
// back immediately, like a real K-line adapter.
type Port struct {
	clock *Clock

	// Echo reflects written bytes into the receive queue.
	Echo bool
	// OnWrite, when set, is called after every write with the bytes written.
	OnWrite func(p []byte)
	// WriteErr, when set, fails every write.
	WriteErr error

	rx      []pending
	written []byte
	writes  int
	flushes int
}

// NewPort returns a Port driven by clock.
func NewPort(clock *Clock) *Port {
	return &Port{clock: clock}
}

// Feed queues b to arrive delay after the current time.
func (p *Port) Feed(delay time.Duration, b ...byte) {
	at := p.clock.Now().Add(delay)
	for _, c := range b {
		p.rx = append(p.rx, pending{at: at, b: c})
	}
}

func (p *Port) ready() int {
	now := p.clock.Now()
	n := 0
	for n < len(p.rx) && !p.rx[n].at.After(now) {
		n++
	}
	return n
}

func (p *Port) Available() int { return p.ready() }

func (p *Port) Peek() (byte, bool) {
	if p.ready() == 0 {
		return 0, false
	}
	return p.rx[0].b, true
}

func (p *Port) ReadByte() (byte, error) {
	if p.ready() == 0 {
		return 0, errors.New("klinetest: no byte available")
	}
	b := p.rx[0].b
	p.rx = p.rx[1:]
	return b, nil
}

func (p *Port) Write(b []byte) (int, error) {
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	p.writes++
	p.written = append(p.written, b...)
	if p.Echo {
		p.Feed(0, b...)
	}
	if p.OnWrite != nil {
		p.OnWrite(b)
	}
	return len(b), nil
}

func (p *Port) Flush() error {
	p.flushes++
	return nil
}

// Written returns every byte written so far.
func (p *Port) Written() []byte { return append([]byte(nil), p.written...) }

// Writes returns the number of Write calls.
func (p *Port) Writes() int { return p.writes }

// Flushes returns the number of Flush calls.
func (p *Port) Flushes() int { return p.flushes }

// Pending returns the number of queued bytes, including ones not yet due.
func (p *Port) Pending() int { return len(p.rx) }
