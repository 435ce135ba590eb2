// Command klinectl talks to a single K-line device from the shell. It sends
// a request and prints the response, or listens on the bus and prints every
// valid frame it sees.
//
//	klinectl -port /dev/ttyUSB0 -device 0x12 -payload "0B 03"
//	klinectl -port /dev/ttyUSB0 -variant kwp -device 0x10 -payload "21 01" -count 10
//	klinectl -port /dev/ttyUSB0 -monitor
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/kline-dash/internal/ecu"
	"github.com/shaunagostinho/kline-dash/internal/kline"
	"github.com/shaunagostinho/kline-dash/internal/logging"
)

type options struct {
	port     string
	baud     int
	parity   string
	variant  string
	device   uint
	payload  string
	timeout  time.Duration
	count    int
	interval time.Duration
	monitor  bool
	poll     bool
	slow     time.Duration
	logLevel string
}

func main() {
	var o options
	flag.StringVar(&o.port, "port", "/dev/ttyUSB0", "Serial device of the K-line interface")
	flag.IntVar(&o.baud, "baud", kline.DefaultBaudRate, "Baud rate")
	flag.StringVar(&o.parity, "parity", "", "none, even or odd (default depends on variant)")
	flag.StringVar(&o.variant, "variant", "ds2", "Protocol variant: ds2 or kwp")
	flag.UintVar(&o.device, "device", 0x12, "Target device address")
	flag.StringVar(&o.payload, "payload", "00", "Request payload in hex")
	flag.DurationVar(&o.timeout, "timeout", time.Second, "Response timeout")
	flag.IntVar(&o.count, "count", 1, "Number of requests to send")
	flag.DurationVar(&o.interval, "interval", 100*time.Millisecond, "Pause between requests")
	flag.BoolVar(&o.monitor, "monitor", false, "Print frames seen on the bus instead of sending")
	flag.BoolVar(&o.poll, "poll", false, "Use non-blocking send/receive polling")
	flag.DurationVar(&o.slow, "slow", 0, "Inter-byte delay for slow devices")
	flag.StringVar(&o.logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	log, err := logging.New(logging.Config{Level: o.logLevel, Format: "console"}, os.Stderr)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, log); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "klinectl: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, o options, log *slog.Logger) error {
	if o.device > 0xFF {
		return fmt.Errorf("device 0x%X out of range", o.device)
	}
	variant, err := kline.ParseVariant(o.variant)
	if err != nil {
		return err
	}
	parity, err := ecu.ParseParity(o.parity, variant)
	if err != nil {
		return err
	}

	sp, err := kline.OpenSerial(o.port, kline.SerialMode(o.baud, parity))
	if err != nil {
		return err
	}
	defer sp.Close()
	if err := sp.ResetInput(); err != nil {
		return err
	}

	cfg := kline.DefaultConfig()
	cfg.Variant = variant.String()
	cfg.TimeoutMs = int(o.timeout / time.Millisecond)
	cfg.SlowSendMs = int(o.slow / time.Millisecond)
	cfg.Device = uint8(o.device)
	e, err := kline.New(sp, cfg, kline.WithLogger(log))
	if err != nil {
		return err
	}

	if o.monitor {
		return monitor(ctx, e)
	}

	payload, err := ecu.ParsePayload(o.payload)
	if err != nil {
		return err
	}
	cmd, err := variant.Build(uint8(o.device), payload)
	if err != nil {
		return err
	}
	fmt.Printf("> % X\n", cmd)

	buf := make([]byte, e.MaxDataLength())
	for i := 0; i < o.count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.interval):
			}
		}

		start := time.Now()
		if o.poll {
			err = pollOnce(ctx, e, cmd, buf)
		} else {
			err = e.ObtainValues(cmd, buf, 0)
		}
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			fmt.Printf("! %v (%s)\n", err, elapsed)
			continue
		}
		fmt.Printf("< % X (%s, echo %d)\n", buf[e.Echo():e.ResponseLength()], elapsed, e.Echo())
	}

	printStats(e.Metrics())
	return nil
}

// pollOnce runs one exchange through Send and Receive the way a caller
// with its own main loop would.
func pollOnce(ctx context.Context, e *kline.Engine, cmd, buf []byte) error {
	if _, err := e.Send(cmd, 0); err != nil {
		return err
	}
	for {
		st, err := e.Receive(buf)
		if st != kline.StatusWaiting {
			return err
		}
		select {
		case <-ctx.Done():
			e.NewCommand()
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func monitor(ctx context.Context, e *kline.Engine) error {
	buf := make([]byte, e.MaxDataLength())
	for {
		select {
		case <-ctx.Done():
			printStats(e.Metrics())
			return nil
		default:
		}

		err := e.ReadCommand(buf)
		switch {
		case err == nil:
			n, _ := e.Variant().FrameLength(buf, 0)
			fmt.Printf("%s 0x%02X: % X\n", time.Now().Format("15:04:05.000"), e.Device(), buf[:n])
		case errors.Is(err, kline.ErrPending):
			time.Sleep(2 * time.Millisecond)
		default:
			fmt.Printf("! %v\n", err)
			e.ClearRX()
		}
	}
}

func printStats(m *kline.Metrics) {
	fmt.Printf("sent=%d ok=%d checksum=%d ack=%d timeout=%d stray=%d rate=%.1f/s\n",
		m.CommandsSent.Load(), m.ResponsesOK.Load(), m.ChecksumErrors.Load(),
		m.AckRejects.Load(), m.Timeouts.Load(), m.StrayBytes.Load(), m.CommandsPerSecond())
}
