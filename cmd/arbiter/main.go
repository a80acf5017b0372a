package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/engine"
	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapters := make(map[string]exchange.ExchangeAdapter)
	for name, exCfg := range cfg.Exchanges {
		if !exCfg.Enabled {
			continue
		}
		adapter, err := exchange.NewAdapter(exCfg.Kind, name, logger, exCfg.Profile(name), exCfg.PaperBalances)
		if err != nil {
			log.Fatalf("cannot create adapter %s: %v", name, err)
		}
		adapters[name] = adapter
	}
	if len(adapters) == 0 {
		log.Fatal("no exchanges enabled")
	}

	var history database.Repository
	if cfg.Database.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			log.Fatalf("cannot connect to database: %v", err)
		}
		defer pool.Close()
		repo := &database.PostgresRepository{Pool: pool}
		if err := repo.Migrate(ctx); err != nil {
			log.Fatalf("cannot migrate database: %v", err)
		}
		history = repo
	}

	if cfg.Metrics.Enabled {
		reg := metrics.Init()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(reg))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	eng := engine.New(logger, cfg, adapters, history)
	logger.Info("engine starting",
		"venues", len(adapters), "mode", cfg.Execution.Mode)
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("engine stopped")
}
