// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kfalifecycle/internal/chaosexp"
	"kfalifecycle/internal/config"
	"kfalifecycle/internal/store/memory"
	"kfalifecycle/internal/store/postgres"
	"kfalifecycle/pkg/chaos"
)

func main() {
	var cfg config.Lifecycle
	if err := config.Load(&cfg); err != nil {
		config.Exitf("config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store chaosexp.Store = memory.New()
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, postgres.WithTxTimeout(cfg.TxTimeout))
		if err != nil {
			config.Exitf("open database: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			config.Exitf("migrate: %v", err)
		}
		store = pg
	}

	lab := chaosexp.NewLab(store, logger)
	engine := chaos.NewEngine(chaos.WithLogger(logger), chaos.WithPause(5*time.Second))
	engine.Register(lab.Experiments()...)

	gameDay := chaos.GameDay{
		Name:      "Lifecycle Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Runbooks: map[string]string{
			"concurrent-approval-overbooking": "check seat reservation and the registered_count guard",
			"document-service-outage":         "retry pending artifacts via POST /v1/artifacts/{type}/{id}/retry",
		},
	}

	results, err := engine.ExecuteGameDay(ctx, gameDay)
	lab.Wait()
	if err != nil {
		config.Exitf("chaos game day interrupted: %v", err)
	}

	_ = json.NewEncoder(os.Stdout).Encode(results)
	for _, r := range results {
		if !r.HypothesisHeld {
			os.Exit(2)
		}
	}
}
