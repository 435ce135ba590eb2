package kline

// Field accessors read payload fields of a validated response. Offsets are
// relative to the first payload byte, i.e. after the echo and the variant's
// header. Reads outside buf yield zero values; the accessors do not
// re-check the frame.

func (e *Engine) payloadIndex(offset int) int {
	return e.echoLength + e.variant.layout().payloadPos + offset
}

// Byte returns the payload byte at offset.
func (e *Engine) Byte(buf []byte, offset int) byte {
	i := e.payloadIndex(offset)
	if i < 0 || i >= len(buf) {
		return 0
	}
	return buf[i]
}

// Uint16 returns two payload bytes in wire order, most significant first.
func (e *Engine) Uint16(buf []byte, offset int) uint16 {
	return uint16(e.Byte(buf, offset))<<8 | uint16(e.Byte(buf, offset+1))
}

// Uint64 returns length (at most 8) payload bytes as an integer. By default
// the first byte is the most significant; littleEndian reverses that.
func (e *Engine) Uint64(buf []byte, offset, length int, littleEndian bool) uint64 {
	length = min(length, 8)
	var v uint64
	for i := 0; i < length; i++ {
		b := uint64(e.Byte(buf, offset+i))
		if littleEndian {
			v |= b << (8 * i)
		} else {
			v |= b << (8 * (length - 1 - i))
		}
	}
	return v
}

// String returns up to length payload bytes, stopping at a NUL.
func (e *Engine) String(buf []byte, offset, length int) string {
	start := e.payloadIndex(offset)
	if start < 0 || start >= len(buf) || length <= 0 {
		return ""
	}
	end := min(start+length, len(buf))
	for i := start; i < end; i++ {
		if buf[i] == 0 {
			end = i
			break
		}
	}
	return string(buf[start:end])
}

// Array copies up to length payload bytes into dst and returns the count.
func (e *Engine) Array(buf, dst []byte, offset, length int) int {
	start := e.payloadIndex(offset)
	if start < 0 || start >= len(buf) || length <= 0 {
		return 0
	}
	end := min(start+length, len(buf))
	return copy(dst, buf[start:end])
}
