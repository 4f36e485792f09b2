package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"panelhub/internal/actions"
	"panelhub/internal/api"
	"panelhub/internal/clock"
	"panelhub/internal/config"
	"panelhub/internal/metrics"
	"panelhub/internal/panel"
	"panelhub/internal/pluginmanager"
	"panelhub/internal/reconcile"
	"panelhub/internal/scene"
	"panelhub/internal/store"
	"panelhub/pkg/plugin"

	// Adapters register themselves in init().
	_ "panelhub/internal/plugins/demo"
	_ "panelhub/internal/plugins/homeassistant"
	_ "panelhub/internal/plugins/mqtt"
	_ "panelhub/internal/plugins/webhook"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables before the logger so LOG_LEVEL applies
	envErr := godotenv.Load()

	logger, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	if err := run(logger); err != nil {
		logger.Fatal("Panel hub failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "./configs"
	}
	loader := config.NewLoader(configDir, logger)
	if err := loader.LoadAll(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := loader.GetHubConfig()

	kv, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	clk := clock.NewRealClock()
	m := metrics.New()
	httpClient := &http.Client{Timeout: cfg.Reconcile.CallTimeout}

	panels := panel.NewRegistry(kv, logger)
	if err := panels.Load(ctx); err != nil {
		return fmt.Errorf("loading panels: %w", err)
	}
	scenes := scene.NewRepository(kv)
	adapterConfigs := store.NewAdapterConfigs(kv)

	// Seeding must happen before registration, which writes default
	// disabled configs for unknown adapters.
	if _, err := loader.Seed(ctx, adapterConfigs, panels, scenes); err != nil {
		return fmt.Errorf("seeding store: %w", err)
	}

	plugins := pluginmanager.New(adapterConfigs, pluginmanager.Options{
		CallTimeout: cfg.Reconcile.CallTimeout,
		HTTPClient:  httpClient,
		Metrics:     m,
	}, logger)

	adapters, err := plugin.CreateAll(plugin.NewContext(logger, httpClient))
	if err != nil {
		return fmt.Errorf("creating adapters: %w", err)
	}
	for _, a := range adapters {
		if err := plugins.Register(ctx, a); err != nil {
			return fmt.Errorf("registering adapter %s: %w", a.ID, err)
		}
	}
	plugins.InitializeAll(ctx)
	defer plugins.ShutdownAll(context.Background())

	gateway := panel.NewGateway(nil, cfg.Reconcile.GatewayTimeout, cfg.Server.ReportingURL)
	loop := reconcile.New(plugins, panels, gateway, clk, m, reconcile.Options{
		TickInterval:      cfg.Reconcile.TickInterval,
		HeartbeatInterval: cfg.Reconcile.HeartbeatInterval,
	}, logger)

	health := panel.NewHealthChecker(panels, gateway, clk, cfg.Reconcile.HealthInterval, logger)
	health.OnOnline = func(ctx context.Context, panelID string) {
		loop.ForcePush(ctx, panelID)
	}
	online := health.CheckAll(ctx)
	logger.Info("Initial panel health check",
		zap.Int("panels", len(panels.List())),
		zap.Int("online", online))

	loop.Start(ctx)
	defer loop.Stop()
	health.Start(ctx)
	defer health.Stop()

	executor := scene.NewExecutor(plugins, panels, loop, scenes, clk, m, logger)
	scheduler := scene.NewScheduler(executor, scenes, logger)
	scheduler.Location = cfg.Location
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scene scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := api.NewServer(api.Deps{
		Plugins:   plugins,
		Panels:    panels,
		Gateway:   gateway,
		Loop:      loop,
		Executor:  executor,
		Scenes:    scenes,
		Scheduler: scheduler,
		Router:    actions.NewRouter(plugins, panels, loop, executor, clk, logger),
		Metrics:   m,
	}, logger, cfg.Server.Port)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	logger.Info("Panel hub running",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("adapters", plugin.Names()))

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	return nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.KV, error) {
	if cfg.Path == "" {
		logger.Warn("No store path configured, state will not survive restarts")
		return store.NewMemoryKV(), nil
	}
	kv, err := store.OpenSQLite(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Path, err)
	}
	logger.Info("Opened store", zap.String("path", cfg.Path))
	return kv, nil
}
