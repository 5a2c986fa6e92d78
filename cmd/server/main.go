package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	zlog "github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	apiecho "go.pilab.hu/sessionguard/api/echo"
	"go.pilab.hu/sessionguard/config"
	"go.pilab.hu/sessionguard/internal/metrics"
	"go.pilab.hu/sessionguard/internal/server"
	"go.pilab.hu/sessionguard/internal/telemetry"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/services"
	"go.pilab.hu/sessionguard/tracing"
)

func main() {
	loader := config.NewLoader(os.Getenv("SGUARD_CONFIG"))
	cfg, err := loader.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	appLogger := log.NewZerologAdapter(log.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info(ctx, "Starting sessionguard server", log.Fields{
		"addr":    cfg.Server.Addr,
		"backend": cfg.Store.Backend,
		"sweeper": cfg.Sweeper.Enabled,
	})

	var tp *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		tp, err = tracing.InitTracerProvider(cfg.Tracing.ServiceName)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to initialize TracerProvider")
		}
	}

	metrics.Register(prometheus.DefaultRegisterer)
	mp, err := telemetry.InitMeterProvider(prometheus.DefaultRegisterer)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize MeterProvider")
	}

	backend, err := server.OpenBackend(ctx, cfg.Store)
	if err != nil {
		zlog.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open session record store")
	}

	override := services.NewAdminOverride(backend.Store, appLogger)
	opts := []apiecho.Option{apiecho.WithPinger(backend.Ping)}
	if cfg.Sweeper.Enabled {
		sweeper := services.NewStaleRecordSweeper(backend.Store, cfg.Sweeper.Retention, appLogger)
		opts = append(opts, apiecho.WithSweeper(sweeper))
		go sweeper.Run(ctx, cfg.Sweeper.Interval)
	}
	if len(cfg.Server.APIKeys) == 0 {
		appLogger.Warn(ctx, "No API keys configured, admin routes will reject every request")
	}

	loader.Watch(func(next *config.Config) {
		log.SetLevel(log.ParseLevel(next.Log.Level))
		appLogger.Info(ctx, "Configuration reloaded", log.Fields{"log_level": next.Log.Level})
	}, func(err error) {
		appLogger.Error(ctx, "Ignoring invalid configuration change", err)
	})

	api := apiecho.NewAdminAPI(override, cfg.Server.APIKeys, appLogger, opts...)
	srv := server.NewHTTPServer(cfg.Server, api.NewServer(cfg.Server.MetricsPath))
	if err := server.Serve(ctx, srv, cfg.Server.ShutdownTimeout, appLogger); err != nil {
		appLogger.Error(ctx, "HTTP server error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err)
		}
	}
	telemetry.Shutdown(shutdownCtx, mp)
	if err := backend.Close(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Store shutdown error", err)
	}
	appLogger.Info(shutdownCtx, "Server gracefully stopped")
}
