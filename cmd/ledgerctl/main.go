package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/app"
	"tokoledger/backend/internal/config"
	"tokoledger/backend/internal/logging"
)

func main() {
	if err := newRootCmd(buildFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func buildFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.LogLevel == "info" {
		// keep command output readable unless asked otherwise
		logger.SetLevel(logrus.WarnLevel)
	}
	// the CLI applies ledger changes itself; no consumer needed
	cfg.KafkaBrokers = nil
	return app.Build(ctx, cfg, logger)
}
