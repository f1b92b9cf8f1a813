package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/fngate/internal/config"
	"github.com/austindbirch/fngate/internal/keyserver"
	"github.com/austindbirch/fngate/internal/logging"
)

// privateKeyEnv holds a PEM key so restarts keep issuing with the same key
const privateKeyEnv = "FNGATE_KEYSERVER_PRIVATE_KEY"

// loadIssuer uses the PEM key when given, otherwise generates a new key pair
func loadIssuer(cfg config.KeyServer, pemKey string) (*keyserver.Issuer, error) {
	if pemKey != "" {
		return keyserver.FromPEM([]byte(pemKey), cfg.KeyID)
	}
	return keyserver.New(cfg.KeyID, cfg.KeyBits)
}

func main() {
	cfg, err := config.Load(os.Getenv("FNGATE_CONFIG_FILE"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("Failed to load config")
	}
	logging.SetDefaultService("fngate-keyserver")
	logger := logging.Default()

	iss, err := loadIssuer(cfg.KeyServer, os.Getenv(privateKeyEnv))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}

	srv := &http.Server{Addr: cfg.KeyServer.Addr, Handler: iss.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":   srv.Addr,
			"kid":    iss.KeyID(),
			"jwks":   keyserver.JWKSPath,
			"tokens": keyserver.TokenPath,
		}).Info("key server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("key server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
