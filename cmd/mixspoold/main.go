// Command mixspoold is the mix relay daemon. It loads configuration,
// initialises node identity, recovers the spools, and runs the mixing,
// sending, and cleanup loops until signalled.
//
// Usage:
//
//	mixspoold [--config path/to/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmarek/mixspool/internal/config"
	"github.com/jmarek/mixspool/internal/metrics"
	"github.com/jmarek/mixspool/internal/node"
	"github.com/jmarek/mixspool/internal/relay"
	"github.com/jmarek/mixspool/internal/shred"
	"github.com/jmarek/mixspool/internal/spool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mixspool: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("mixspool starting",
		"node_id", n.ID(),
		"data_dir", n.DataDir(),
		"mix_interval", cfg.Mix.Interval,
		"min_pool", cfg.Mix.MinPool,
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 5. Open the relay (spools + move journal recovery) ───────────────────
	spoolCfg := spool.DefaultConfig()
	spoolCfg.InputTimeout = cfg.Spool.InputTimeout
	spoolCfg.CleanTimeout = cfg.Spool.CleanTimeout
	spoolCfg.Eraser = shred.New(cfg.Spool.ShredPasses)

	// The onward transport is not wired yet; deliveries are logged and
	// acknowledged so the queue mechanics run end to end.
	// TODO: replace with the link-layer sender once the transport lands.
	sender := relay.SenderFunc(func(_ context.Context, destination, body []byte) error {
		slog.Info("delivering message", "destination", string(destination), "bytes", len(body))
		return nil
	})

	r, err := relay.Open(n.DataDir(), sender, relay.Config{
		Spool:              spoolCfg,
		MixInterval:        cfg.Mix.Interval,
		MinPool:            cfg.Mix.MinPool,
		MaxReplacementRate: cfg.Mix.MaxReplacementRate,
		CleanInterval:      cfg.Spool.CleanInterval,
		SendRate:           cfg.Delivery.SendRate,
		SendBurst:          cfg.Delivery.SendBurst,
		RetryDelays:        cfg.Delivery.RetryDelays,
		Metrics:            metricsReg,
	})
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// ── 6. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 7. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("shutting down", "signal", sig)

	cancel()
	r.Stop()

	slog.Info("mixspool stopped")
	return nil
}
