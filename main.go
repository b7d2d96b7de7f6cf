package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"options-engine/internal/api"
	"options-engine/internal/engine"
	"options-engine/internal/events"
	"options-engine/internal/gateway"
	"options-engine/internal/monitor"
	"options-engine/internal/order"
	"options-engine/internal/scheduler"
	"options-engine/internal/strategy"
	"options-engine/pkg/config"
	"options-engine/pkg/crypto"
	"options-engine/pkg/db"
	"options-engine/pkg/exchanges/delta"
)

var buildVersion = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("options engine exited")
	}
}

func run() error {
	cfg, err := config.Load()
	setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	log.Info().Str("version", buildVersion).Str("port", cfg.Port).Str("db", cfg.DBPath).Str("tz", loc.String()).Bool("testnet", cfg.DeltaTestnet).Msg("starting options engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	keys, err := crypto.NewKeyManager(os.Getenv)
	if err != nil {
		return fmt.Errorf("credential keys: %w", err)
	}

	if cfg.SeedFile != "" {
		seed, err := strategy.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := strategy.SyncSeedToDB(ctx, database, keys, seed); err != nil {
			return fmt.Errorf("sync seed %s: %w", cfg.SeedFile, err)
		}
		log.Info().Int("presets", len(seed.Presets)).Int("schedules", len(seed.Schedules)).Int("credentials", len(seed.Credentials)).Msg("seed applied")
	}

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	queries := database.Queries()

	gateways := gateway.NewManager(gateway.DeltaFactory(delta.Config{
		BaseURL:       cfg.DeltaBaseURL,
		Testnet:       cfg.DeltaTestnet,
		Timeout:       cfg.DeltaTimeout,
		MaxRetries:    cfg.DeltaMaxRetries,
		RetryDelay:    cfg.DeltaRetryDelay,
		RatePerMinute: cfg.DeltaRatePerMinute,
	}), gateway.DefaultConfig())
	gateways.Start(ctx)
	defer gateways.Stop()

	registry := monitor.NewRegistry(ctx, monitor.Config{
		PollInterval: cfg.MonitorPollInterval,
		MaxFailures:  cfg.MonitorMaxFailures,
	}, bus, metrics)

	executor := order.NewExecutor(gateways, registry, queries, bus, metrics, order.Config{
		Brackets: order.BracketConfig{
			LimitBufferPct: cfg.StopLimitBufferPct,
			CostBufferPct:  cfg.SLToCostBufferPct,
		},
		ProfitLockPct: cfg.ProfitLockThresholdPct,
		Location:      loc,
	})

	engService := engine.New(queries, keys, executor, registry, metrics, engine.Config{
		Version:  buildVersion,
		Testnet:  cfg.DeltaTestnet,
		Location: loc,
	})

	sched := scheduler.New(queries, engService, bus, metrics, scheduler.Config{
		Interval:     cfg.SchedulerInterval,
		MisfireGrace: cfg.SchedulerMisfireGrace,
		Location:     loc,
	})

	alerter := monitor.NewAlerter(bus)

	server := api.NewServer(engService, bus, api.AuthConfig{
		JWTSecret:            cfg.JWTSecret,
		OperatorUser:         cfg.OperatorUser,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
	})
	if cfg.OperatorPasswordHash == "" {
		log.Warn().Msg("OPERATOR_PASSWORD_HASH not set; API login is disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, ":"+cfg.Port) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		alerter.Run(gctx)
		return nil
	})

	runErr := g.Wait()
	log.Info().Msg("shutting down")

	// Tasks stop polling; orders on the exchange stay as they are.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("monitor shutdown incomplete")
	}
	return runErr
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg == nil {
		return
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
