package kline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadCommand(t *testing.T) {
	t.Run("ds2", func(t *testing.T) {
		require := require.New(t)
		e, port, _ := newTestEngine(t, DefaultConfig())
		port.Feed(0, ds2Cmd...)

		buf := make([]byte, 16)
		require.NoError(e.ReadCommand(buf))
		require.Equal(ds2Cmd, buf[:4])
		require.Equal(byte(0x12), e.Device())
		require.Zero(e.Echo())
	})

	t.Run("kwp", func(t *testing.T) {
		require := require.New(t)
		e, port, _ := newTestEngine(t, kwpConfig())
		port.Feed(0, kwpCmd[:2]...)
		port.Feed(3*time.Millisecond, kwpCmd[2:]...)
		e.SetBlocking(true)

		buf := make([]byte, 16)
		require.NoError(e.ReadCommand(buf))
		require.Equal(kwpCmd, buf[:6])
		require.Equal(byte(0x10), e.Device())
	})

	t.Run("pending header", func(t *testing.T) {
		require := require.New(t)
		e, port, _ := newTestEngine(t, DefaultConfig())
		port.Feed(0, 0x12)

		require.ErrorIs(e.ReadCommand(make([]byte, 16)), ErrPending)
		require.Equal(1, port.Pending(), "nothing consumed")
	})

	t.Run("bad checksum", func(t *testing.T) {
		require := require.New(t)
		e, port, _ := newTestEngine(t, DefaultConfig())
		port.Feed(0, 0x12, 0x04, 0x00, 0x00)

		require.ErrorIs(e.ReadCommand(make([]byte, 16)), ErrChecksum)
		require.Equal(uint64(1), e.Metrics().ChecksumErrors.Load())
	})

	t.Run("too long", func(t *testing.T) {
		require := require.New(t)
		e, port, _ := newTestEngine(t, DefaultConfig())
		port.Feed(0, 0x12, 0x20)

		require.ErrorIs(e.ReadCommand(make([]byte, 16)), ErrFrameTooLong)
	})

	t.Run("incomplete", func(t *testing.T) {
		require := require.New(t)
		e, port, clock := newTestEngine(t, DefaultConfig())
		port.Feed(0, 0x12, 0x04, 0x00)
		start := clock.Now()

		require.ErrorIs(e.ReadCommand(make([]byte, 16)), ErrTimeout)
		require.GreaterOrEqual(clock.Now().Sub(start), time.Second)
	})
}
