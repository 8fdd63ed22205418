package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/storage/memory"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/storage/settings"
	cfgpkg "github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/config"
	httpapi "github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/httpapi"
	obs "github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/observability"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

func main() {
	// Config
	cfg, err := cfgpkg.Load()
	if err != nil {
		obs.NewLogger("error").Fatal().Err(err).Msg("load config")
	}

	// Logger
	logger := obs.NewLoggerTo(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("addr", cfg.Addr).Str("stream", cfg.StreamAddr()).Str("version", obs.Version).Msg("starting image-socket")

	metrics := obs.NewMetrics()

	// Durable settings; fall back to memory so a broken file never blocks startup
	var store usecase.SettingsStore = settings.NewMemory()
	path := cfg.SettingsFile
	if path == "" {
		path = settings.DefaultPath()
	}
	if fs, err := settings.Open(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("settings unavailable, keeping them in memory")
	} else {
		store = fs
	}

	monitor := httpapi.NewMonitorHub()
	agg := usecase.NewAggregator(usecase.AggregatorConfig{
		AggregationWindow:        cfg.AggregationWindow(),
		RateLimitUniquePerMinute: cfg.RateLimitUniquePerMinute,
		ConsolidationPeriod:      cfg.ConsolidationPeriod(),
		IntakeCapacity:           cfg.DiagnosticIntake,
	}, memory.NewDiagnosticLog(cfg.VisibleLogCapacity), monitor, nil, *logger).WithMetrics(metrics)
	activity := usecase.NewActivityModel(memory.NewStore(), monitor, nil).
		WithMetrics(metrics).
		WithStaleAfter(cfg.StaleAfter())

	registry := httpapi.NewRegistry(httpapi.RegistryConfig{
		Host:            cfg.StreamHost,
		MaxMessageBytes: int64(cfg.MaxMessageBytes),
		OutboundQueue:   cfg.OutboundQueue,
	}, logger, metrics)
	bridge := usecase.NewBridge(usecase.BridgeConfig{
		Port:          cfg.StreamPort,
		SweepInterval: cfg.SweepInterval(),
	}, usecase.BridgeDeps{
		Router:      registry,
		Activity:    activity,
		Diagnostics: agg,
		Settings:    store,
		Sink:        monitor,
		Metrics:     metrics,
		Logger:      *logger,
	})
	registry.SetListener(bridge)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = agg.Run(ctx) }()
	go func() { defer wg.Done(); _ = bridge.Run(ctx) }()

	if cfg.AutoStart {
		if _, err := bridge.Start(ctx); err != nil {
			// the bridge is in Error now; POST /api/server/start retries
			logger.Error().Err(err).Msg("auto start failed")
		}
	}

	deps := &httpapi.Deps{Cfg: cfg, Logger: logger, Metrics: metrics, Bridge: bridge, Diags: agg, Monitor: monitor, Registry: registry}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouterWithDeps(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// event streams are long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	wg.Wait()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("stream server shutdown error")
	}
	logger.Info().Msg("image-socket stopped")
}
