package ecu

import (
	"fmt"

	"github.com/shaunagostinho/kline-dash/internal/kline"
)

// Channel describes one value inside the response payload. Offsets count
// from the first payload byte, so for DS2 offset 0 is the byte after the
// acknowledge and for KWP it is the service response id.
type Channel struct {
	Name         string  `yaml:"name" json:"name"`
	Offset       int     `yaml:"offset" json:"offset"`
	Width        int     `yaml:"width" json:"width"`                // 1..8 bytes, default 1
	LittleEndian bool    `yaml:"little_endian" json:"littleEndian"` // Default is most significant byte first
	Signed       bool    `yaml:"signed" json:"signed"`              // Two's complement
	Scale        float64 `yaml:"scale" json:"scale"`                // Multiplier, 0 means 1
	Add          float64 `yaml:"add" json:"add"`                    // Applied after Scale
	Unit         string  `yaml:"unit" json:"unit"`
}

func (c Channel) width() int {
	if c.Width == 0 {
		return 1
	}
	return c.Width
}

// Decode reads the channel out of a validated response in buf.
func (c Channel) Decode(e *kline.Engine, buf []byte) float64 {
	w := c.width()
	var raw uint64
	switch {
	case w == 1:
		raw = uint64(e.Byte(buf, c.Offset))
	case w == 2 && !c.LittleEndian:
		raw = uint64(e.Uint16(buf, c.Offset))
	default:
		raw = e.Uint64(buf, c.Offset, w, c.LittleEndian)
	}

	v := float64(raw)
	if c.Signed {
		shift := 64 - 8*w
		v = float64(int64(raw<<shift) >> shift)
	}
	scale := c.Scale
	if scale == 0 {
		scale = 1
	}
	return v*scale + c.Add
}

// ValidateChannels checks that names are unique and widths are in range.
func ValidateChannels(chs []Channel) error {
	seen := make(map[string]struct{}, len(chs))
	for i, c := range chs {
		if c.Name == "" {
			return fmt.Errorf("ecu: channel %d has no name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("ecu: duplicate channel %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if w := c.width(); w < 1 || w > 8 {
			return fmt.Errorf("ecu: channel %q: width %d out of range", c.Name, c.Width)
		}
		if c.Offset < 0 {
			return fmt.Errorf("ecu: channel %q: negative offset", c.Name)
		}
	}
	return nil
}
