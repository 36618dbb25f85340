package observability

import (
	"github.com/dukabook/kredo/internal/observability/logger"
	"github.com/dukabook/kredo/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	logger.Module,
	metrics.Module,
)
