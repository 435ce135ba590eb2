package kline

import (
	"fmt"
	"strings"
)

// Variant selects the frame layout used on the bus.
type Variant int

const (
	// DS2 frames are <device> <length> <payload...> <checksum>, where length
	// counts the whole frame.
	DS2 Variant = iota
	// KWP frames are <format> <target> <source> <N> <payload(N)...> <checksum>,
	// so the whole frame is N+5 bytes.
	KWP
)

// KWP addressing defaults used by Build.
const (
	KWPFormat        byte = 0x80
	KWPTesterAddress byte = 0xF1
)

// layout holds the per-variant offsets shared by the codec, the assembly
// loop and the field accessors.
type layout struct {
	devicePos    int // index of the addressed device byte
	lengthPos    int // index of the length byte
	lengthAdjust int // frame length = buf[lengthPos] + lengthAdjust
	payloadPos   int // first payload byte
	minFrame     int // smallest frame that still carries a checksum
}

var layouts = [...]layout{
	DS2: {devicePos: 0, lengthPos: 1, lengthAdjust: 0, payloadPos: 3, minFrame: 3},
	KWP: {devicePos: 1, lengthPos: 3, lengthAdjust: 5, payloadPos: 4, minFrame: 5},
}

func (v Variant) layout() layout {
	if v == KWP {
		return layouts[KWP]
	}
	return layouts[DS2]
}

// echoOffset is the number of leading bytes up to and including the length byte.
func (v Variant) echoOffset() int {
	return v.layout().lengthPos + 1
}

// ParseVariant accepts "ds2" or "kwp" in any case. An empty string means DS2.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ds2":
		return DS2, nil
	case "kwp", "kwp2000":
		return KWP, nil
	default:
		return DS2, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

func (v Variant) String() string {
	switch v {
	case DS2:
		return "ds2"
	case KWP:
		return "kwp"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// FrameLength returns the self-declared length of the frame starting at
// buf[off]. ok is false when the length byte is not inside buf.
func (v Variant) FrameLength(buf []byte, off int) (n int, ok bool) {
	l := v.layout()
	if off < 0 || off+l.lengthPos >= len(buf) {
		return 0, false
	}
	return int(buf[off+l.lengthPos]) + l.lengthAdjust, true
}

// Build returns a complete command addressed to device, with the length
// header and trailing checksum filled in.
func (v Variant) Build(device byte, payload []byte) ([]byte, error) {
	// DS2 commands carry <device> <length> ahead of the payload; the length
	// byte has to cover the whole frame. KWP only counts the payload.
	n := len(payload) + 3
	limit := 0xFF
	if v == KWP {
		n = len(payload) + layouts[KWP].lengthAdjust
		limit = 0xFF + layouts[KWP].lengthAdjust
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, n)
	}

	cmd := make([]byte, 0, n)
	switch v {
	case KWP:
		cmd = append(cmd, KWPFormat, device, KWPTesterAddress, byte(len(payload)))
	default:
		cmd = append(cmd, device, byte(n))
	}
	cmd = append(cmd, payload...)
	cmd = append(cmd, Checksum(cmd))
	return cmd, nil
}

// Checksum returns the XOR of all bytes in b.
func Checksum(b []byte) byte {
	var cs byte
	for _, c := range b {
		cs ^= c
	}
	return cs
}
