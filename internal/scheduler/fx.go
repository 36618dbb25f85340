package scheduler

import (
	"context"
	"strings"

	"github.com/dukabook/kredo/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLocker),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig() Config {
	return DefaultConfig()
}

// ProvideLocker returns nil when no redis address is configured; the
// scheduler then relies on the daily run markers alone.
func ProvideLocker(cfg config.Config) *Locker {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return NewLocker(redis.NewClient(&redis.Options{Addr: addr}))
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
