package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/gateway"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/tracing"
)

const serviceName = "fngate-gateway"

func main() {
	cfg, err := config.Load(os.Getenv("FNGATE_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("Failed to load config")
	}

	logging.SetDefaultService(serviceName)
	logging.Default().SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, serviceName, tracing.Options{
			Endpoint: cfg.Tracing.Endpoint,
			Insecure: cfg.Tracing.Insecure,
			Ratio:    cfg.Tracing.Ratio,
		})
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
		}
		defer shutdown()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	registry, err := gateway.NewRegistry(cfg, gateway.WithGatherer(reg))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to build gateway")
	}
	defer registry.Close()

	if err := registerFunctions(registry); err != nil {
		logger.Plain().WithError(err).Fatal("Failed to register functions")
	}

	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := registry.Warm(warmCtx); err != nil {
		// Keys are fetched on first use instead
		logger.Plain().WithError(err).Warn("key set warm-up failed")
	}
	cancel()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           registry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":      httpSrv.Addr,
			"emulated":  cfg.Emulated,
			"functions": registry.Manifest().Names(),
		}).Info("gateway HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("gateway HTTP server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("gateway stopped")
}
