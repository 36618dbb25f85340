package account

import (
	"github.com/dukabook/kredo/internal/account/repository"
	"github.com/dukabook/kredo/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
