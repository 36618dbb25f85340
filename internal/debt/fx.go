package debt

import (
	"github.com/dukabook/kredo/internal/debt/repository"
	"github.com/dukabook/kredo/internal/debt/service"
	"go.uber.org/fx"
)

var Module = fx.Module("debt",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
