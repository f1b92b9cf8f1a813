package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/emulator"
	"github.com/austindbirch/fngate/internal/health"
	"github.com/austindbirch/fngate/internal/logging"
	"github.com/austindbirch/fngate/internal/metrics"
	"github.com/austindbirch/fngate/internal/tracing"
)

const (
	serviceName = "fngate-task-emulator"
	taskUID     = "task-emulator"
)

// newMux serves the enqueue API, health and metrics
func newMux(enq *emulator.Enqueuer, checks map[string]health.Checker, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST "+emulator.EnqueuePath, emulator.EnqueueHandler(enq))
	mux.HandleFunc("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// loadPolicies reads queue settings from the gateway manifest, falling back to
// defaults for every queue when the gateway cannot be reached
func loadPolicies(ctx context.Context, client *http.Client, baseURL string) map[string]emulator.QueuePolicy {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	policies, err := emulator.LoadPolicies(ctx, client, baseURL)
	if err != nil {
		logging.Plain().WithError(err).Warn("could not load queue policies, using defaults")
		return nil
	}
	for name, p := range policies {
		logging.Plain().WithFields(map[string]any{
			"queue":        name,
			"max_attempts": p.Retry.MaxAttempts,
			"min_backoff":  p.Retry.MinBackoff.String(),
			"max_backoff":  p.Retry.MaxBackoff.String(),
			"per_second":   p.Limits.PerSecond,
		}).Info("loaded queue policy")
	}
	return policies
}

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

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	enq := emulator.NewEnqueuer(producer, cfg.NSQ.TasksTopic)

	client := &http.Client{Timeout: cfg.Emulator.DispatchTimeout}
	opts := emulator.DispatcherOptions{
		Client:   client,
		BaseURL:  cfg.Emulator.FunctionsBaseURL,
		Policies: loadPolicies(ctx, client, cfg.Emulator.FunctionsBaseURL),
		Requeue:  enq,
	}
	if cfg.NSQ.PublishDLQ {
		opts.DLQ = producer
		opts.DLQTopic = cfg.NSQ.DLQTopic
	}
	if cfg.Emulator.TokenURL != "" {
		opts.Token = emulator.KeyServerToken(client, cfg.Emulator.TokenURL, cfg.Project.ID, taskUID)
	}
	dispatcher := emulator.NewDispatcher(opts)

	conf := nsq.NewConfig()
	conf.MaxInFlight = dispatcher.MaxInFlight()
	consumer, err := nsq.NewConsumer(cfg.NSQ.TasksTopic, cfg.NSQ.Channel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(dispatcher, conf.MaxInFlight)
	if cfg.NSQ.LookupHTTPAddr != "" {
		err = consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr)
	}
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq connect failed")
	}

	monitor := &emulator.BacklogMonitor{
		NsqdHTTP:  cfg.NSQ.NsqdHTTPAddr,
		Topic:     cfg.NSQ.TasksTopic,
		Channel:   cfg.NSQ.Channel,
		Interval:  cfg.Emulator.BacklogInterval,
		Threshold: cfg.Emulator.BacklogThreshold,
	}
	go monitor.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Emulator.HTTPAddr,
		Handler:           newMux(enq, map[string]health.Checker{"nsqd": monitor}, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("task emulator HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("task emulator HTTP server failed")
		}
	}()

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("task emulator stopped")
}
