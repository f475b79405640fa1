// cmd/sweeper/main.go
//
// sweeper moves certifications past their expiry date into expired. It runs
// once by default; with KFA_SWEEP_INTERVAL set it keeps sweeping until
// interrupted.
package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"kfalifecycle/internal/clients"
	"kfalifecycle/internal/config"
)

func main() {
	var cfg config.Sweeper
	if err := config.Load(&cfg); err != nil {
		config.Exitf("config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := clients.NewLifecycleClient(cfg.LifecycleURL, clients.WithAPIKey(cfg.APIKey))

	if cfg.Interval <= 0 {
		if err := sweep(ctx, client, cfg.Timeout, logger); err != nil {
			config.Exitf("sweep: %v", err)
		}
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if err := sweep(ctx, client, cfg.Timeout, logger); err != nil {
			logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, client *clients.LifecycleClient, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := client.SweepExpired(ctx)
	if err != nil {
		return err
	}
	logger.Info("sweep finished",
		"expired", res.Expired,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", time.Since(start),
	)
	return nil
}
