package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/app"
	"tokoledger/backend/internal/config"
	"tokoledger/backend/internal/httpapi"
	"tokoledger/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info").WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server stopped with error")
	}
	logger.Info("server stopped")
}

// run serves until SIGINT or SIGTERM, then drains HTTP before closing the
// ledger components so queued events are applied.
func run(cfg config.Config, logger *logrus.Logger) error {
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	components, err := app.Build(startupCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	components.Start(ctx)

	auth := httpapi.NewAuthManager(ctx, httpapi.AuthConfig{
		Secret:     cfg.AuthSecret,
		TokenTTL:   time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute,
		ManagerPIN: cfg.ManagerPIN,
	}, components.Repo, logger)
	server := newServer(cfg.Address(), httpapi.New(components.Service, auth, cfg.AllowedOrigin, logger).Handler())

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("ledger backend listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func validateSecurityConfig(cfg config.Config) error {
	switch {
	case len(cfg.AuthSecret) < 32:
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	case len(cfg.ManagerPIN) < 6:
		return errors.New("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var commonPINs = []string{"123456", "654321", "121212", "112233", "123123", "159753", "147258", "102030"}

// validatePINStrength rejects common, repeated and sequential PINs.
func validatePINStrength(pin string) error {
	if slices.Contains(commonPINs, pin) {
		return errors.New("common PIN not allowed")
	}

	allSame := true
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	switch {
	case allSame:
		return errors.New("all-same-digit PIN not allowed")
	case ascending || descending:
		return errors.New("sequential PIN not allowed")
	}
	return nil
}
