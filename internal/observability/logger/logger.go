package logger

import (
	"github.com/dukabook/kredo/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func New(cfg config.Config) (*zap.Logger, error) {
	var log *zap.Logger
	var err error
	if cfg.Environment == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	log = log.With(
		zap.String("service", cfg.AppName),
		zap.String("version", cfg.AppVersion),
	)
	zap.ReplaceGlobals(log)
	return log, nil
}

var Module = fx.Module("observability.logger",
	fx.Provide(New),
)
