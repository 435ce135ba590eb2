package kline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{in: "", want: DS2},
		{in: "ds2", want: DS2},
		{in: " DS2 ", want: DS2},
		{in: "kwp", want: KWP},
		{in: "KWP2000", want: KWP},
		{in: "can", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVariant(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownVariant)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuild(t *testing.T) {
	require := require.New(t)

	cmd, err := DS2.Build(0x12, []byte{0x00})
	require.NoError(err)
	require.Equal(ds2Cmd, cmd)

	cmd, err = KWP.Build(0x10, []byte{0x21})
	require.NoError(err)
	require.Equal(kwpCmd, cmd)

	_, err = DS2.Build(0x12, make([]byte, 252))
	require.NoError(err)
	_, err = DS2.Build(0x12, make([]byte, 253))
	require.ErrorIs(err, ErrFrameTooLong)

	_, err = KWP.Build(0x10, make([]byte, 255))
	require.NoError(err)
	_, err = KWP.Build(0x10, make([]byte, 256))
	require.ErrorIs(err, ErrFrameTooLong)
}

func TestFrameLength(t *testing.T) {
	require := require.New(t)

	n, ok := DS2.FrameLength(ds2Resp, 0)
	require.True(ok)
	require.Equal(5, n)

	n, ok = KWP.FrameLength(kwpResp, 0)
	require.True(ok)
	require.Equal(7, n)

	_, ok = KWP.FrameLength([]byte{0x80, 0xF1, 0x10}, 0)
	require.False(ok)
	_, ok = DS2.FrameLength(ds2Resp, 4)
	require.False(ok)
	_, ok = DS2.FrameLength(ds2Resp, -1)
	require.False(ok)
}

func TestValidate(t *testing.T) {
	t.Run("ds2 single frame", func(t *testing.T) {
		e, _, _ := newTestEngine(t, DefaultConfig())
		e.SetEcho(0)
		require.True(t, e.Validate(ds2Resp))
	})

	t.Run("ds2 after echo", func(t *testing.T) {
		e, _, _ := newTestEngine(t, DefaultConfig())
		e.SetEcho(len(ds2Cmd))
		buf := append(append([]byte{}, ds2Cmd...), ds2Resp...)
		require.True(t, e.Validate(buf))

		// A broken echo does not matter, only the response is checked.
		buf[2] ^= 0xFF
		require.True(t, e.Validate(buf))
	})

	t.Run("kwp after echo", func(t *testing.T) {
		e, _, _ := newTestEngine(t, kwpConfig())
		e.SetEcho(len(kwpCmd))
		buf := append(append([]byte{}, kwpCmd...), kwpResp...)
		require.True(t, e.Validate(buf))
	})

	t.Run("truncated", func(t *testing.T) {
		e, _, _ := newTestEngine(t, DefaultConfig())
		e.SetEcho(0)
		require.False(t, e.Validate(ds2Resp[:4]))
		require.False(t, e.Validate(ds2Resp[:1]))
	})

	t.Run("cross variant", func(t *testing.T) {
		ds2, _, _ := newTestEngine(t, DefaultConfig())
		kwp, _, _ := newTestEngine(t, kwpConfig())
		ds2.SetEcho(0)
		kwp.SetEcho(0)

		// Read as KWP, the DS2 frame declares 0x42+5 bytes.
		require.False(t, kwp.Validate(ds2Resp))
		// Read as DS2, the KWP frame declares 0xF1 bytes.
		require.False(t, ds2.Validate(kwpResp))
	})

	t.Run("single bit errors", func(t *testing.T) {
		e, _, _ := newTestEngine(t, DefaultConfig())
		e.SetEcho(0)
		for i := range ds2Resp {
			if i == 1 {
				continue // length byte
			}
			for bit := 0; bit < 8; bit++ {
				buf := append([]byte{}, ds2Resp...)
				buf[i] ^= 1 << bit
				require.False(t, e.Validate(buf), "byte %d bit %d", i, bit)
			}
		}
		require.Equal(t, uint64(4*8), e.Metrics().ChecksumErrors.Load())
	})
}

func TestValidateRate(t *testing.T) {
	require := require.New(t)
	e, _, clock := newTestEngine(t, DefaultConfig())
	e.SetEcho(0)

	// No send yet, so there is nothing to measure against.
	require.True(e.Validate(ds2Resp))
	require.Zero(e.Metrics().CommandsPerSecond())

	clock.Advance(250 * time.Millisecond)
	require.True(e.Validate(ds2Resp))
	require.InDelta(4.0, e.Metrics().CommandsPerSecond(), 0.001)
	require.Equal(uint64(2), e.Metrics().ResponsesOK.Load())
}

func TestFixChecksum(t *testing.T) {
	require := require.New(t)
	e, _, _ := newTestEngine(t, DefaultConfig())

	buf := []byte{0x12, 0x04, 0x00, 0x00, 0xEE}
	require.NoError(e.FixChecksum(buf))
	require.Equal([]byte{0x12, 0x04, 0x00, 0x16, 0xEE}, buf)
	e.SetEcho(0)
	require.True(e.Validate(buf))

	require.ErrorIs(e.FixChecksum([]byte{0x12}), ErrShortCommand)
	require.ErrorIs(e.FixChecksum([]byte{0x12, 0x09, 0x00}), ErrShortCommand)

	k, _, _ := newTestEngine(t, kwpConfig())
	kbuf := []byte{0x80, 0x10, 0xF1, 0x01, 0x21, 0x00}
	require.NoError(k.FixChecksum(kbuf))
	require.Equal(kwpCmd, kbuf)
}

func TestWrite(t *testing.T) {
	require := require.New(t)
	e, port, _ := newTestEngine(t, DefaultConfig())

	_, err := e.Write([]byte{0x12}, 0)
	require.ErrorIs(err, ErrShortCommand)
	_, err = e.Write([]byte{0x12, 0x09, 0x00}, 0)
	require.ErrorIs(err, ErrShortCommand)
	require.Zero(port.Writes())

	n, err := e.Write(ds2Cmd, 2)
	require.NoError(err)
	require.Equal(2, n)
	require.Equal(ds2Cmd[:2], port.Written())
	require.Equal(2, e.ResponseLength())
	require.Equal(4, e.Echo())
	require.Equal(byte(0x12), e.Device())
}

func TestCheckAck(t *testing.T) {
	require := require.New(t)

	e, _, _ := newTestEngine(t, DefaultConfig())
	e.SetEcho(0)
	require.True(e.CheckAck(ds2Resp))
	require.False(e.CheckAck([]byte{0x12, 0x05, 0xB0, 0x42, 0xE5}))
	require.False(e.CheckAck([]byte{0x12}))

	e.SetAck(0xB0, 2, true)
	require.True(e.CheckAck([]byte{0x12, 0x05, 0xB0, 0x42, 0xE5}))

	k, _, _ := newTestEngine(t, kwpConfig())
	k.SetEcho(0)
	k.SetDevice(0x10)
	require.True(k.CheckAck(kwpResp))
	k.SetDevice(0x12)
	require.False(k.CheckAck(kwpResp))
}
