package ecu

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"

	"github.com/shaunagostinho/kline-dash/internal/kline"
)

// demoDevice is the address the simulated ECU answers to, that of a DS2
// engine control unit.
const demoDevice = 0x12

// DemoChannels is the payload layout the simulated ECU produces. KWP
// responses carry the service response id first, so their data starts one
// byte later.
func DemoChannels(v kline.Variant) []Channel {
	base := 0
	if v == kline.KWP {
		base = 1
	}
	return []Channel{
		{Name: "rpm", Offset: base, Width: 2, Unit: "rpm"},
		{Name: "coolant", Offset: base + 2, Add: -48, Unit: "°C"},
		{Name: "iat", Offset: base + 3, Add: -48, Unit: "°C"},
		{Name: "tps", Offset: base + 4, Scale: 100.0 / 255, Unit: "%"},
		{Name: "battery", Offset: base + 5, Scale: 0.1, Unit: "V"},
		{Name: "speed", Offset: base + 6, Unit: "km/h"},
		{Name: "lambda", Offset: base + 7, Width: 2, Scale: 0.001},
		{Name: "advance", Offset: base + 9, Signed: true, Scale: 0.5, Unit: "°"},
	}
}

// DemoConfig returns the provider configuration for the simulated bus.
func DemoConfig(variant string) KLineConfig {
	bus := kline.DefaultConfig()
	bus.Variant = variant
	v, _ := kline.ParseVariant(variant)
	payload := "0B 03" // DS2 status block
	if v == kline.KWP {
		payload = "21 01" // readDataByLocalIdentifier
	}
	return KLineConfig{
		PortPath: "demo",
		Bus:      bus,
		Device:   demoDevice,
		Payload:  payload,
		Channels: DemoChannels(v),
	}
}

// NewDemoProvider returns a K-line provider wired to a simulated ECU. The
// full engine runs against it, so demo mode exercises the real protocol
// path, occasional corrupted frames included.
func NewDemoProvider(variant string, log *slog.Logger) (*KLine, error) {
	cfg := DemoConfig(variant)
	v, err := kline.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	return NewKLine(cfg,
		WithName("Demo (Simulated)"),
		WithLogger(log),
		WithOpener(func(KLineConfig) (kline.Port, io.Closer, error) {
			bus := newSimBus(v)
			bus.corruptEvery = 97
			return bus, bus, nil
		}),
	)
}

// simBus is a half-duplex K-line with one ECU on it. Every written byte
// is echoed; once a complete, valid request has been written the ECU
// answers with a frame of synthetic engine data.
type simBus struct {
	variant kline.Variant
	rx      []byte
	tx      []byte
	t       float64 // virtual time accumulator
	replies int

	// corruptEvery, when non-zero, flips a bit in every n-th reply.
	corruptEvery int
	closed       bool
}

func newSimBus(v kline.Variant) *simBus {
	return &simBus{variant: v}
}

func (b *simBus) Available() int { return len(b.rx) }

func (b *simBus) Peek() (byte, bool) {
	if len(b.rx) == 0 {
		return 0, false
	}
	return b.rx[0], true
}

func (b *simBus) ReadByte() (byte, error) {
	if len(b.rx) == 0 {
		return 0, errors.New("simbus: empty")
	}
	c := b.rx[0]
	b.rx = b.rx[1:]
	return c, nil
}

func (b *simBus) Write(p []byte) (int, error) {
	if b.closed {
		return 0, errors.New("simbus: closed")
	}
	b.rx = append(b.rx, p...)
	b.tx = append(b.tx, p...)
	for {
		n, ok := b.variant.FrameLength(b.tx, 0)
		if !ok || len(b.tx) < n {
			break
		}
		req := append([]byte(nil), b.tx[:n]...)
		b.tx = b.tx[n:]
		if n > 0 && kline.Checksum(req) == 0 {
			b.reply(req)
		}
		if n == 0 {
			b.tx = b.tx[:0]
			break
		}
	}
	return len(p), nil
}

func (b *simBus) Flush() error { return nil }

func (b *simBus) Close() error {
	b.closed = true
	return nil
}

func (b *simBus) reply(req []byte) {
	data := b.sample()

	var frame []byte
	if b.variant == kline.KWP {
		// <format> <tester> <ecu> <N> <sid+0x40> <data...> <cs>
		frame = []byte{kline.KWPFormat, kline.KWPTesterAddress, req[1], byte(len(data) + 1), req[4] + 0x40}
		frame = append(frame, data...)
		frame = append(frame, kline.Checksum(frame))
	} else {
		var err error
		frame, err = kline.DS2.Build(req[0], append([]byte{kline.DefaultAckByte}, data...))
		if err != nil {
			return
		}
	}

	b.replies++
	if b.corruptEvery > 0 && b.replies%b.corruptEvery == 0 {
		frame[len(frame)-2] ^= 0x10
	}
	b.rx = append(b.rx, frame...)
}

// sample advances the simulation one tick and encodes the engine state in
// the layout described by DemoChannels.
func (b *simBus) sample() []byte {
	b.t += 0.05 // ~20Hz tick

	// Simulate RPM cycling between idle and revving
	rpm := 850.0 + 4000.0*math.Sin(b.t*0.3)*math.Sin(b.t*0.3) + rand.Float64()*50
	tps := math.Max(0, math.Min(100, (rpm-850)/(8000-850)*100))

	coolant := 85.0 + rand.Float64()*5
	iat := 30.0 + rand.Float64()*8
	battery := 13.8 + rand.Float64()*0.4
	speed := tps / 100 * 220
	lambda := 1.0 - tps/100*0.12 + rand.Float64()*0.03
	advance := 10 + tps/100*28

	r := uint16(rpm)
	l := uint16(lambda * 1000)
	return []byte{
		byte(r >> 8), byte(r),
		byte(coolant + 48),
		byte(iat + 48),
		byte(tps / 100 * 255),
		byte(battery * 10),
		byte(speed),
		byte(l >> 8), byte(l),
		byte(int8(advance * 2)),
	}
}
