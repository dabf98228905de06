package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/config"
	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/execution/refstore"
	"tradecore/internal/feature"
	"tradecore/internal/gateway/binance"
	"tradecore/internal/interlock"
	"tradecore/internal/live"
	"tradecore/internal/logger"
	"tradecore/internal/market"
	"tradecore/internal/metrics"
	"tradecore/internal/pipeline"
	"tradecore/internal/pkg/circuit"
	"tradecore/internal/pkg/clock"
	"tradecore/internal/replay"
	"tradecore/internal/strategy"
	opshttp "tradecore/internal/transport/http/ops"
)

// AppBuilder 根据配置组装各组件。外部依赖（行情源、交易所、审计 sink）
// 通过函数字段注入，测试可以替换。
type AppBuilder struct {
	cfg     *config.Config
	metrics *metrics.Metrics

	sourceFn   func(config.Config) (market.Source, error)
	venueFn    func(config.Config) (execution.Venue, error)
	refStoreFn func(context.Context, config.RefStoreConfig) (refStoreCloser, error)
	kafkaFn    func(config.KafkaConfig) (auditSinkCloser, error)
}

type refStoreCloser interface {
	execution.RefStore
	io.Closer
}

type auditSinkCloser interface {
	audit.Sink
	io.Closer
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, m *metrics.Metrics, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		metrics:    m,
		sourceFn:   buildBinanceSource,
		venueFn:    buildBinanceVenue,
		refStoreFn: buildRefStore,
		kafkaFn:    buildKafkaSink,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithSource 替换实时行情源，测试里用 ChannelSource。
func WithSource(fn func(config.Config) (market.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.sourceFn = fn }
}

// WithVenue 替换 live 模式的交易所实现。
func WithVenue(fn func(config.Config) (execution.Venue, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.venueFn = fn }
}

// WithRefStore 替换 live 模式的订单映射存储。
func WithRefStore(fn func(context.Context, config.RefStoreConfig) (refStoreCloser, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.refStoreFn = fn }
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	if b.metrics == nil {
		b.metrics = metrics.New(nil)
	}

	a := &App{cfg: cfg, mode: cfg.App.Mode, metrics: b.metrics}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	sink, err := b.buildAudit(a)
	if err != nil {
		return nil, err
	}
	a.sink = sink

	switch cfg.App.Mode {
	case config.ModeResearch:
		a.factory = b.stackFactory(sink)
	case config.ModePaper, config.ModeLive:
		if err := b.buildRealtime(ctx, a); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported mode %q", cfg.App.Mode)
	}
	a.Summary = newStartupSummary(cfg, a)
	ok = true
	return a, nil
}

func (b *AppBuilder) buildAudit(a *App) (audit.Sink, error) {
	store, err := audit.OpenStore(b.cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	a.auditStore = store
	a.closers = append(a.closers, store)
	logger.Infof("✓ 审计库: %s", b.cfg.Audit.Path)

	sinks := []audit.Sink{store}
	if b.cfg.Audit.Kafka.Enabled {
		k, err := b.kafkaFn(b.cfg.Audit.Kafka)
		if err != nil {
			return nil, fmt.Errorf("kafka audit sink: %w", err)
		}
		a.closers = append(a.closers, k)
		sinks = append(sinks, k)
		logger.Infof("✓ 审计 Kafka: topic=%s brokers=%v", b.cfg.Audit.Kafka.Topic, b.cfg.Audit.Kafka.Brokers)
	}
	return audit.Multi(sinks...), nil
}

// stackFactory 每次调用都构建一套独立的回测组件：手动时钟、独立 interlock
// 与模拟账户。回放与 parity 检查共用它。
func (b *AppBuilder) stackFactory(sink audit.Sink) replay.Factory {
	cfg := *b.cfg
	return func() (*replay.Stack, error) {
		var start time.Time
		clk := clock.NewManual(start)
		il, err := interlock.New(interlock.Config{
			Thresholds:      thresholdsOf(cfg.Interlock),
			InitialEquity:   cfg.Account.InitialBalance,
			OperatorEnabled: cfg.Interlock.OperatorEnabled,
			Clock:           clk,
		})
		if err != nil {
			return nil, err
		}
		var permit interlock.Permitter
		if cfg.Simulator.Gate {
			permit = il
		}
		sim, err := execution.NewSimulatedAdapter(simConfig(cfg, clk, permit))
		if err != nil {
			return nil, err
		}
		coord, err := coordinator.New(coordinator.Config{
			Adapter:        sim,
			Interlock:      il,
			Audit:          sink,
			Clock:          clk,
			Mode:           string(config.ModeResearch),
			InitialBalance: cfg.Account.InitialBalance,
			Gate:           coordinatorGate(cfg),
		})
		if err != nil {
			return nil, err
		}
		runner, err := pipeline.NewRunner(pipeline.Config{
			Engine:      feature.NewEngine(engineConfig(cfg.Feature)),
			Strategy:    strategy.NewFlowStrategy(flowConfig(cfg.Strategy)),
			Coordinator: coord,
			Health:      il,
			ReplayClock: clk,
			PingEachBar: true,
		})
		if err != nil {
			return nil, err
		}
		return &replay.Stack{Clock: clk, Runner: runner, Coordinator: coord}, nil
	}
}

func (b *AppBuilder) buildRealtime(ctx context.Context, a *App) error {
	cfg := b.cfg
	clk := clock.Wall()

	il, err := interlock.New(interlock.Config{
		Thresholds:      thresholdsOf(cfg.Interlock),
		InitialEquity:   cfg.Account.InitialBalance,
		OperatorEnabled: cfg.Interlock.OperatorEnabled,
		Clock:           clk,
		Observer:        b.metrics,
	})
	if err != nil {
		return err
	}
	b.metrics.SyncInterlock(il.State())
	a.interlock = il

	adapter, reconciler, err := b.buildAdapter(ctx, a, il, clk)
	if err != nil {
		return err
	}
	coord, err := coordinator.New(coordinator.Config{
		Adapter:        adapter,
		Interlock:      il,
		Audit:          a.sink,
		Observer:       b.metrics,
		Clock:          clk,
		Mode:           string(cfg.App.Mode),
		InitialBalance: cfg.Account.InitialBalance,
		Gate:           coordinatorGate(*cfg),
	})
	if err != nil {
		return err
	}
	a.coordinator = coord

	engine := feature.NewEngine(engineConfig(cfg.Feature))
	runner, err := pipeline.NewRunner(pipeline.Config{
		Engine:      engine,
		Strategy:    strategy.NewFlowStrategy(flowConfig(cfg.Strategy)),
		Coordinator: coord,
		Health:      il,
	})
	if err != nil {
		return err
	}
	a.runner = runner

	source, err := b.sourceFn(*cfg)
	if err != nil {
		return fmt.Errorf("market source: %w", err)
	}
	a.closers = append(a.closers, source)

	loopCfg := live.Config{
		Source:       source,
		Runner:       runner,
		Instruments:  cfg.Market.Symbols,
		Interval:     cfg.Market.Interval,
		Quotes:       il,
		Health:       il,
		PingInterval: time.Duration(cfg.Live.PingIntervalSec) * time.Second,
		Clock:        clk,
	}
	if p, ok := adapter.(execution.Pinger); ok {
		loopCfg.Pinger = p
	}
	if reconciler != nil {
		loopCfg.Reconciler = reconciler
		loopCfg.ReconcileInterval = time.Duration(cfg.Live.ReconcileIntervalSec) * time.Second
	}
	loop, err := live.New(loopCfg)
	if err != nil {
		return err
	}
	a.loop = loop

	server, err := opshttp.NewServer(opshttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Interlock: il,
		Desk:      coord,
		Audit:     a.auditStore,
		Features:  runner,
		Metrics:   b.metrics.Handler(),
	})
	if err != nil {
		return err
	}
	a.http = server
	return nil
}

func (b *AppBuilder) buildAdapter(ctx context.Context, a *App, il *interlock.Interlock, clk clock.Clock) (execution.Adapter, live.Reconciler, error) {
	cfg := b.cfg
	if cfg.App.Mode == config.ModePaper {
		var permit interlock.Permitter
		if cfg.Simulator.Gate {
			permit = il
		}
		sim, err := execution.NewSimulatedAdapter(simConfig(*cfg, clk, permit))
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("✓ 执行适配器: simulated (paper)")
		return sim, nil, nil
	}

	venue, err := b.venueFn(*cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("live venue: %w", err)
	}
	refs, err := b.refStoreFn(ctx, cfg.RefStore)
	if err != nil {
		return nil, nil, fmt.Errorf("order ref store: %w", err)
	}
	a.closers = append(a.closers, refs)

	breaker := circuit.NewCircuitBreaker(cfg.Live.Venue, cfg.Live.BreakerThreshold, time.Duration(cfg.Live.BreakerCooldownSec)*time.Second).WithClock(clk)
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("[breaker] %s %s -> %s", name, from, to)
	})
	adapter, err := execution.NewLiveAdapter(liveAdapterConfig(cfg.Live, venue, refs, il, breaker, clk, cfg.RefStore.Session))
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("✓ 执行适配器: live (%s) session=%s refstore=%s", cfg.Live.Venue, cfg.RefStore.Session, cfg.RefStore.Driver)
	return adapter, adapter, nil
}

// coordinatorGate: live 模式由 LiveAdapter 自己在每次尝试前检查；
// simulator.gate 打开时由模拟适配器检查。其余情况在 coordinator 检查。
func coordinatorGate(cfg config.Config) bool {
	if cfg.App.Mode == config.ModeLive {
		return false
	}
	return !cfg.Simulator.Gate
}

func buildBinanceSource(cfg config.Config) (market.Source, error) {
	return binance.NewSource(binance.Config{RESTBaseURL: cfg.Market.RESTBaseURL})
}

func buildBinanceVenue(cfg config.Config) (execution.Venue, error) {
	return binance.NewVenue(binance.Config{
		APIKey:      cfg.Live.APIKey,
		APISecret:   cfg.Live.APISecret,
		RESTBaseURL: cfg.Live.BaseURL,
		HTTPTimeout: time.Duration(cfg.Live.TimeoutMs) * time.Millisecond,
	})
}

func buildRefStore(ctx context.Context, cfg config.RefStoreConfig) (refStoreCloser, error) {
	switch strings.ToLower(cfg.Driver) {
	case "redis":
		return refstore.OpenRedis(ctx, refstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return refstore.OpenSQLite(cfg.Path)
	}
}

func buildKafkaSink(cfg config.KafkaConfig) (auditSinkCloser, error) {
	return audit.NewKafkaSink(audit.KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.Topic})
}

// thresholdsOf 把配置里的毫秒/秒字段换成 interlock 的时长。
func thresholdsOf(c config.InterlockConfig) interlock.Thresholds {
	return interlock.Thresholds{
		Risk: interlock.RiskThresholds{
			MaxDailyLossPct:  c.Risk.MaxDailyLossPct,
			MaxRejectRate:    c.Risk.MaxRejectRate,
			RejectWindow:     c.Risk.RejectWindow,
			MinRejectSamples: c.Risk.MinRejectSamples,
			MaxExposurePct:   c.Risk.MaxExposurePct,
		},
		Counterparty: interlock.CounterpartyThresholds{
			MaxLatency:      time.Duration(c.Counterparty.MaxLatencyMs) * time.Millisecond,
			MaxHeartbeatAge: time.Duration(c.Counterparty.MaxHeartbeatAgeSec) * time.Second,
		},
		Data: interlock.DataThresholds{
			MaxSpreadPct:      c.Data.MaxSpreadPct,
			MaxStale:          time.Duration(c.Data.MaxStaleSec) * time.Second,
			MaxCorruptedTicks: c.Data.MaxCorruptedTicks,
			CorruptedWindow:   time.Duration(c.Data.CorruptedWindowSec) * time.Second,
		},
	}
}

func engineConfig(c config.FeatureConfig) feature.Config {
	policy := feature.ColdStartNeutral
	if strings.EqualFold(strings.TrimSpace(c.ColdStart), "error") {
		policy = feature.ColdStartError
	}
	return feature.Config{
		WindowBars:    c.WindowBars,
		MinBars:       c.MinBars,
		BucketVolume:  c.BucketVolume,
		BucketHistory: c.BucketHistory,
		ColdStart:     policy,
	}
}

func simConfig(c config.Config, clk clock.Clock, permit interlock.Permitter) execution.SimConfig {
	s := c.Simulator
	return execution.SimConfig{
		InitialBalance:  c.Account.InitialBalance,
		FillProbability: s.FillProbability,
		SlippageBpsMean: s.SlippageBpsMean,
		SlippageBpsStd:  s.SlippageBpsStd,
		CommissionRate:  s.CommissionRate,
		MaxHold:         time.Duration(s.MaxHoldSec) * time.Second,
		Seed:            s.Seed,
		Gate:            permit != nil,
		Permitter:       permit,
		Clock:           clk,
	}
}

func liveAdapterConfig(c config.LiveConfig, venue execution.Venue, refs execution.RefStore, permit interlock.Permitter, breaker *circuit.CircuitBreaker, clk clock.Clock, session string) execution.LiveConfig {
	return execution.LiveConfig{
		Venue:       venue,
		Refs:        refs,
		Permitter:   permit,
		Breaker:     breaker,
		Clock:       clk,
		Session:     session,
		MaxAttempts: c.MaxAttempts,
		BackoffBase: time.Duration(c.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(c.BackoffMaxMs) * time.Millisecond,
		Timeout:     time.Duration(c.TimeoutMs) * time.Millisecond,
		RatePerSec:  c.RatePerSec,
	}
}

func flowConfig(c config.StrategyConfig) strategy.FlowConfig {
	return strategy.FlowConfig{
		OFIThreshold: c.OFIThreshold,
		CVDConfirm:   c.CVDConfirm,
		EMAPeriod:    c.EMAPeriod,
		MaxInformed:  c.MaxInformed,
		Size:         c.Size,
		StopPct:      c.StopPct,
		TakePct:      c.TakePct,
	}
}
