package main

import (
	"github.com/voltmet/prepaid-metering-worker/internal/config"
	"github.com/voltmet/prepaid-metering-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
