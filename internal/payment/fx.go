package payment

import (
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/payment/adapters"
	"github.com/dukabook/kredo/internal/payment/adapters/cybersource"
	"github.com/dukabook/kredo/internal/payment/adapters/mpesa"
	"github.com/dukabook/kredo/internal/payment/adapters/pesapal"
	"github.com/dukabook/kredo/internal/payment/repository"
	"github.com/dukabook/kredo/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(provideRegistry),
	fx.Provide(service.NewService),
)

func provideRegistry(cfg config.Config, log *zap.Logger, clk clock.Clock) *adapters.Registry {
	return adapters.NewRegistry(
		mpesa.New(cfg.Mpesa, log, clk, cfg.ProviderTimeout),
		pesapal.New(cfg.Pesapal, log, clk, cfg.ProviderTimeout),
		cybersource.New(cfg.Cybersource, log, clk, cfg.ProviderTimeout),
	)
}
