// Package notifier delivers user-facing messages produced by the sweep jobs.
package notifier

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Dispatcher sends one message to one user. Implementations must be safe for
// concurrent use; sweeps fan out over many accounts.
type Dispatcher interface {
	Send(ctx context.Context, userKey, title, body string, data map[string]string) error
}

type logDispatcher struct {
	log *zap.Logger
}

// NewLogDispatcher returns a Dispatcher that records every message in the
// structured log. It stands in for a push gateway in environments that have
// none configured.
func NewLogDispatcher(log *zap.Logger) Dispatcher {
	return &logDispatcher{log: log.Named("notifier")}
}

func (d *logDispatcher) Send(_ context.Context, userKey, title, body string, data map[string]string) error {
	fields := []zap.Field{
		zap.String("user_key", userKey),
		zap.String("title", title),
		zap.String("body", body),
	}
	for k, v := range data {
		fields = append(fields, zap.String("data."+k, v))
	}
	d.log.Info("notification dispatched", fields...)
	return nil
}

var Module = fx.Module("notifier",
	fx.Provide(NewLogDispatcher),
)
