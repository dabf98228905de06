package app

import (
	"context"

	"tradecore/internal/config"
	"tradecore/internal/metrics"
)

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config, m *metrics.Metrics) *AppBuilder {
	return NewAppBuilder(cfg, m)
}

// 进程内只有一套实时组件，使用独立 registry，不占用全局默认 registry。
func provideMetrics() *metrics.Metrics {
	return metrics.New(nil)
}
