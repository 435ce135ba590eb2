package ecu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/kline-dash/internal/kline"
)

// maxTimeouts is the number of consecutive unanswered requests after which
// the provider drops the connection and waits to be reconnected.
const maxTimeouts = 5

// KLineConfig holds connection configuration for the K-line provider.
type KLineConfig struct {
	PortPath       string       `yaml:"port_path" json:"portPath"`
	BaudRate       int          `yaml:"baud_rate" json:"baudRate"`
	Parity         string       `yaml:"parity" json:"parity"` // "none", "even", "odd"; empty picks the variant's usual
	Bus            kline.Config `yaml:"bus" json:"bus"`
	Device         uint8        `yaml:"device" json:"device"`                  // ECU address
	Payload        string       `yaml:"payload" json:"payload"`                // Request payload in hex, e.g. "0B 03"
	ResponseLength int          `yaml:"response_length" json:"responseLength"` // Optional total length hint
	Channels       []Channel    `yaml:"channels" json:"channels"`
}

// Opener opens the byte stream a provider talks over. The closer releases
// it again.
type Opener func(cfg KLineConfig) (kline.Port, io.Closer, error)

// SerialOpener opens cfg.PortPath as a serial K-line adapter.
func SerialOpener(cfg KLineConfig) (kline.Port, io.Closer, error) {
	variant, err := kline.ParseVariant(cfg.Bus.Variant)
	if err != nil {
		return nil, nil, err
	}
	parity, err := ParseParity(cfg.Parity, variant)
	if err != nil {
		return nil, nil, err
	}
	sp, err := kline.OpenSerial(cfg.PortPath, kline.SerialMode(cfg.BaudRate, parity))
	if err != nil {
		return nil, nil, err
	}
	return sp, sp, nil
}

// KLine implements the Provider interface for ECUs on a DS2 or KWP2000
// K-line. Every RequestData sends the configured command and decodes the
// configured channels out of the response.
type KLine struct {
	cfg  KLineConfig
	name string
	open Opener
	log  *slog.Logger
	cmd  []byte

	mu       sync.Mutex // serializes bus access
	engine   *kline.Engine
	closer   io.Closer
	buf      []byte
	timeouts int // consecutive

	connected atomic.Bool
	metrics   atomic.Pointer[kline.Metrics]
}

// KLineOption customizes a KLine provider.
type KLineOption func(*KLine)

// WithOpener replaces the serial port opener.
func WithOpener(o Opener) KLineOption {
	return func(k *KLine) { k.open = o }
}

// WithName overrides the provider name shown in the UI.
func WithName(name string) KLineOption {
	return func(k *KLine) { k.name = name }
}

// WithLogger sets the provider logger. The engine inherits it.
func WithLogger(l *slog.Logger) KLineOption {
	return func(k *KLine) {
		if l != nil {
			k.log = l
		}
	}
}

// NewKLine validates cfg and builds the request command. It does not touch
// the port; call Connect for that.
func NewKLine(cfg KLineConfig, opts ...KLineOption) (*KLine, error) {
	variant, err := kline.ParseVariant(cfg.Bus.Variant)
	if err != nil {
		return nil, err
	}
	payload, err := ParsePayload(cfg.Payload)
	if err != nil {
		return nil, err
	}
	cmd, err := variant.Build(cfg.Device, payload)
	if err != nil {
		return nil, err
	}
	if err := ValidateChannels(cfg.Channels); err != nil {
		return nil, err
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = kline.DefaultBaudRate
	}
	if cfg.Bus.Device == 0 {
		cfg.Bus.Device = cfg.Device
	}

	k := &KLine{
		cfg:  cfg,
		name: fmt.Sprintf("K-line %s 0x%02X", strings.ToUpper(variant.String()), cfg.Device),
		open: SerialOpener,
		log:  slog.Default(),
		cmd:  cmd,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.log.With("component", "ecu", "device", fmt.Sprintf("0x%02X", cfg.Device))
	return k, nil
}

func (k *KLine) Name() string { return k.name }

// Command returns a copy of the request frame.
func (k *KLine) Command() []byte { return append([]byte(nil), k.cmd...) }

// Connect opens the port and performs one verifying exchange.
func (k *KLine) Connect() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closeLocked()

	port, closer, err := k.open(k.cfg)
	if err != nil {
		return fmt.Errorf("ecu: failed to open %s: %w", k.cfg.PortPath, err)
	}
	eng, err := kline.New(port, k.cfg.Bus, kline.WithLogger(k.log))
	if err != nil {
		closer.Close()
		return err
	}
	k.engine = eng
	k.closer = closer
	k.buf = make([]byte, eng.MaxDataLength())
	k.metrics.Store(eng.Metrics())

	if err := eng.ObtainValues(k.cmd, k.buf, k.cfg.ResponseLength); err != nil {
		k.closeLocked()
		return fmt.Errorf("ecu: no valid response from 0x%02X on %s: %w", k.cfg.Device, k.cfg.PortPath, err)
	}
	k.timeouts = 0
	k.connected.Store(true)
	k.log.Info("connected", "port", k.cfg.PortPath, "baud", k.cfg.BaudRate,
		"variant", eng.Variant().String(), "echo", eng.Echo())
	return nil
}

// Close cleanly shuts down the connection.
func (k *KLine) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closeLocked()
}

func (k *KLine) closeLocked() error {
	k.connected.Store(false)
	k.engine = nil
	if k.closer == nil {
		return nil
	}
	err := k.closer.Close()
	k.closer = nil
	return err
}

func (k *KLine) IsConnected() bool { return k.connected.Load() }

// Stats returns the counters of the current, or last, connection.
func (k *KLine) Stats() Stats { return StatsFrom(k.metrics.Load()) }

// RequestData sends the request command and decodes the response.
func (k *KLine) RequestData() (*DataFrame, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.engine == nil {
		return nil, ErrNotConnected
	}

	err := k.engine.ObtainValues(k.cmd, k.buf, k.cfg.ResponseLength)
	switch {
	case err == nil:
		k.timeouts = 0
		return k.decode(), nil
	case errors.Is(err, kline.ErrTimeout):
		k.timeouts++
		if k.timeouts >= maxTimeouts {
			k.log.Warn("ECU stopped answering, dropping connection", "timeouts", k.timeouts)
			k.closeLocked()
		}
		return nil, fmt.Errorf("ecu: no response: %w", err)
	case errors.Is(err, kline.ErrPort):
		k.log.Warn("port failed, dropping connection", "err", err)
		k.closeLocked()
		return nil, fmt.Errorf("ecu: %w", err)
	case errors.Is(err, kline.ErrAckRejected):
		k.timeouts = 0
		return nil, fmt.Errorf("ecu: request rejected: %w", err)
	default:
		k.timeouts = 0
		return nil, fmt.Errorf("ecu: bad response: %w", err)
	}
}

func (k *KLine) decode() *DataFrame {
	e := k.engine
	f := &DataFrame{
		Time:     time.Now(),
		Channels: make(map[string]float64, len(k.cfg.Channels)),
	}
	for _, c := range k.cfg.Channels {
		f.Channels[c.Name] = c.Decode(e, k.buf)
	}
	start := e.Echo()
	end := min(e.ResponseLength(), len(k.buf))
	if start < end {
		f.Raw = fmt.Sprintf("% X", k.buf[start:end])
	}
	return f
}

// ParsePayload decodes a hex payload such as "0B 03", "0x0b,0x03" or "0b03".
func ParsePayload(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '\t'
	})
	var sb strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 == 1 {
			f = "0" + f
		}
		sb.WriteString(f)
	}
	b, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("ecu: invalid payload %q: %w", s, err)
	}
	return b, nil
}

// ParseParity maps a parity name to its serial setting. An empty name
// gives even parity for DS2 and none for KWP, which is what the ECUs use.
func ParseParity(s string, v kline.Variant) (serial.Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		if v == kline.DS2 {
			return serial.EvenParity, nil
		}
		return serial.NoParity, nil
	case "none", "n":
		return serial.NoParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	default:
		return serial.NoParity, fmt.Errorf("ecu: unknown parity %q", s)
	}
}
