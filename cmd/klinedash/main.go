package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/shaunagostinho/kline-dash/internal/ecu"
	"github.com/shaunagostinho/kline-dash/internal/logging"
	"github.com/shaunagostinho/kline-dash/internal/server"
	"github.com/shaunagostinho/kline-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/kline-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated ECU")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.ECU.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kline-dash: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(log)
	log.Info("kline-dash starting", "ecu", cfg.ECU.Type, "variant", cfg.ECU.Bus.Variant)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ecuProv, err := newProvider(cfg.ECUSnapshot(), log)
	if err != nil {
		log.Error("invalid ECU configuration", "err", err)
		os.Exit(1)
	}

	// Connect in the background; the dashboard starts regardless
	go supervise(ctx, ecuProv, log)

	srv := server.New(cfg, ecuProv, web.FS, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
	log.Info("shut down")
}

func newProvider(cfg server.ECUConfig, log *slog.Logger) (ecu.Provider, error) {
	switch cfg.Type {
	case "kline":
		return ecu.NewKLine(cfg.KLineConfig, ecu.WithLogger(log))
	case "demo", "":
		return ecu.NewDemoProvider(cfg.Bus.Variant, log)
	default:
		return nil, fmt.Errorf("unknown ECU type %q", cfg.Type)
	}
}

// supervise keeps p connected until ctx is done. Connection attempts back
// off exponentially from 1s up to 60s and never give up.
func supervise(ctx context.Context, p ecu.Provider, log *slog.Logger) {
	log = log.With("provider", p.Name())
	defer p.Close()

	for {
		err := retry.Do(p.Connect,
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(60*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				log.Warn("connect failed", "attempt", n+1, "err", err)
			}),
		)
		if err != nil {
			return // context cancelled
		}

		// Watch for the provider dropping a dead bus
		tick := time.NewTicker(time.Second)
		for p.IsConnected() {
			select {
			case <-ctx.Done():
				tick.Stop()
				return
			case <-tick.C:
			}
		}
		tick.Stop()
		log.Warn("connection lost, reconnecting")
	}
}
