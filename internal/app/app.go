package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/config"
	"tradecore/internal/coordinator"
	"tradecore/internal/interlock"
	"tradecore/internal/live"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
	"tradecore/internal/pipeline"
	"tradecore/internal/replay"
	opshttp "tradecore/internal/transport/http/ops"

	"golang.org/x/sync/errgroup"
)

const statsInterval = 5 * time.Second

// App 负责应用级编排：加载配置→初始化依赖→按模式运行回放或实时循环。
type App struct {
	cfg     *config.Config
	mode    config.Mode
	metrics *metrics.Metrics

	sink       audit.Sink
	auditStore *audit.Store
	closers    []io.Closer

	// research
	factory replay.Factory

	// paper / live
	interlock   *interlock.Interlock
	coordinator *coordinator.Coordinator
	runner      *pipeline.Runner
	loop        *live.Loop
	http        *opshttp.Server

	// VerifyParity 让 research 模式在回放后再跑一遍 parity 检查。
	VerifyParity bool
	// OnReport 接收 research 模式的回放结果，默认打印摘要。
	OnReport func(replay.Report, *replay.ParityReport)

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 按模式运行，直到结束或 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.mode == config.ModeResearch {
		return a.runResearch(ctx)
	}
	return a.runRealtime(ctx)
}

func (a *App) runResearch(ctx context.Context) error {
	bars, err := replay.LoadFiles(ctx, a.cfg.Replay.Files)
	if err != nil {
		return err
	}
	logger.Infof("回放数据: %d 根 K 线, %d 个文件", len(bars), len(a.cfg.Replay.Files))

	stack, err := a.factory()
	if err != nil {
		return err
	}
	h, err := replay.New(stack)
	if err != nil {
		return err
	}
	report, err := h.Run(ctx, bars)
	if err != nil {
		return err
	}

	var parity *replay.ParityReport
	if a.VerifyParity {
		p, err := replay.VerifyParity(ctx, bars, a.factory)
		if err != nil {
			return fmt.Errorf("parity check: %w", err)
		}
		parity = &p
	}
	if a.OnReport != nil {
		a.OnReport(report, parity)
	} else {
		printReport(report, parity)
	}
	if parity != nil && !parity.Equal() {
		return fmt.Errorf("replay and live diverged at bar %d: %s", parity.Divergence.Index, parity.Divergence.Field)
	}
	return nil
}

func (a *App) runRealtime(ctx context.Context) error {
	if a.loop == nil {
		return fmt.Errorf("live loop not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		a.publishStats(ctx)
		return nil
	})

	group.Go(func() error {
		err := a.loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return group.Wait()
}

func (a *App) publishStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		a.metrics.ObserveStats(a.coordinator.Statistics())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ApplyConfig 处理配置热更新。目前只有 interlock 阈值与操作员开关会在运行中生效，
// 其余字段需要重启。
func (a *App) ApplyConfig(cfg *config.Config) {
	if a == nil || cfg == nil || a.interlock == nil {
		return
	}
	if err := a.interlock.SetThresholds(thresholdsOf(cfg.Interlock)); err != nil {
		logger.Errorf("apply interlock thresholds failed: %v", err)
		return
	}
	if cfg.Interlock.OperatorEnabled != a.cfg.Interlock.OperatorEnabled {
		if cfg.Interlock.OperatorEnabled {
			a.interlock.Enable()
		} else {
			a.interlock.Disable("disabled by config reload")
		}
	}
	a.cfg.Interlock = cfg.Interlock
	logger.Infof("interlock thresholds updated from config")
}

// Interlock exposes the safety interlock (nil in research mode).
func (a *App) Interlock() *interlock.Interlock { return a.interlock }

// Coordinator exposes the realtime coordinator (nil in research mode).
func (a *App) Coordinator() *coordinator.Coordinator { return a.coordinator }

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	return a.close()
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
