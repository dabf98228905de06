// Package pipeline holds the per-bar path shared by the live loop and the
// replay harness. Both drivers call Runner.OnBar and nothing else, so a bar
// is processed the same way whichever of them delivers it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/feature"
	"tradecore/internal/logger"
	"tradecore/internal/market"
	"tradecore/internal/pkg/clock"
	"tradecore/internal/strategy"
)

var ErrOutOfOrder = errors.New("bar is not newer than the previous bar of its instrument")

// Health receives the liveness signals a bar implies.
type Health interface {
	ObserveTick(at time.Time)
	ObservePing(latency time.Duration, at time.Time)
	ObservePingFailure(err error, at time.Time)
}

type Config struct {
	Engine      *feature.Engine
	Strategy    strategy.Strategy
	Coordinator *coordinator.Coordinator
	Health      Health
	// ReplayClock, when set, is moved to each bar's close time before
	// anything else reads the clock.
	ReplayClock *clock.Manual
	// PingEachBar pings the adapter once per bar and reports the result at
	// the bar's close time. Live runs ping from their own loop instead.
	PingEachBar bool
}

// Step is everything one bar produced.
type Step struct {
	Bar      market.Bar              `json:"bar"`
	Snapshot feature.Snapshot        `json:"snapshot"`
	Intents  []strategy.Intent       `json:"intents,omitempty"`
	Results  []execution.OrderResult `json:"results,omitempty"`
	Skipped  string                  `json:"skipped,omitempty"`
}

type Runner struct {
	cfg      Config
	lookback int

	mu      sync.Mutex
	history map[string][]market.Bar
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Engine == nil || cfg.Strategy == nil || cfg.Coordinator == nil || cfg.Health == nil {
		return nil, fmt.Errorf("pipeline runner requires engine, strategy, coordinator and health")
	}
	return &Runner{
		cfg:      cfg,
		lookback: cfg.Engine.Lookback(),
		history:  make(map[string][]market.Bar),
	}, nil
}

// OnBar processes one closed bar: health signals, marks, features, strategy,
// then orders. Bars of one instrument must arrive in close-time order.
func (r *Runner) OnBar(ctx context.Context, bar market.Bar) (Step, error) {
	step := Step{Bar: bar}
	if err := bar.Validate(); err != nil {
		return step, err
	}
	bar.Instrument = market.NormalizeInstrument(bar.Instrument)
	step.Bar = bar

	window, err := r.push(bar)
	if err != nil {
		return step, err
	}
	if r.cfg.ReplayClock != nil {
		r.cfg.ReplayClock.Set(bar.CloseTime)
	}
	r.cfg.Health.ObserveTick(bar.CloseTime)
	if r.cfg.PingEachBar {
		r.ping(ctx, bar.CloseTime)
	}
	r.cfg.Coordinator.MarkPrice(bar.Instrument, bar.Close, bar.CloseTime)

	snap, err := r.cfg.Engine.Compute(bar.Instrument, window)
	if errors.Is(err, feature.ErrInsufficientHistory) {
		step.Snapshot = feature.NeutralSnapshot(bar.Instrument, bar.CloseTime, len(window))
		step.Skipped = err.Error()
		return step, nil
	}
	if err != nil {
		return step, err
	}
	step.Snapshot = snap

	md := strategy.MarketData{
		Instrument: bar.Instrument,
		Bar:        bar,
		History:    window,
		Position:   r.position(bar.Instrument),
	}
	step.Intents = r.cfg.Strategy.Evaluate(md, snap)
	for i, intent := range step.Intents {
		o, ok := r.toOrder(intent, md.Position, bar, i)
		if !ok {
			continue
		}
		step.Results = append(step.Results, r.cfg.Coordinator.Submit(ctx, o))
	}
	return step, nil
}

// push appends bar to its instrument history and returns the trailing
// lookback window, oldest first.
func (r *Runner) push(bar market.Bar) ([]market.Bar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.history[bar.Instrument]
	if n := len(hist); n > 0 && !bar.CloseTime.After(hist[n-1].CloseTime) {
		return nil, fmt.Errorf("%w: %s %s <= %s", ErrOutOfOrder, bar.Instrument,
			bar.CloseTime.Format(time.RFC3339), hist[n-1].CloseTime.Format(time.RFC3339))
	}
	hist = append(hist, bar)
	if len(hist) > r.lookback {
		hist = append([]market.Bar(nil), hist[len(hist)-r.lookback:]...)
	}
	r.history[bar.Instrument] = hist
	return append([]market.Bar(nil), hist...), nil
}

func (r *Runner) ping(ctx context.Context, at time.Time) {
	pinger, ok := r.cfg.Coordinator.Adapter().(execution.Pinger)
	if !ok {
		return
	}
	latency, err := pinger.Ping(ctx)
	if err != nil {
		r.cfg.Health.ObservePingFailure(err, at)
		return
	}
	r.cfg.Health.ObservePing(latency, at)
}

func (r *Runner) position(instrument string) execution.Position {
	for _, p := range r.cfg.Coordinator.Positions() {
		if p.Instrument == instrument {
			return p
		}
	}
	return execution.Position{Instrument: instrument}
}

// toOrder turns an intent into the order that moves the held position to
// the intended one. Decision ids derive from the bar, so a replay of the
// same bars produces the same ids.
func (r *Runner) toOrder(in strategy.Intent, held execution.Position, bar market.Bar, idx int) (execution.Order, bool) {
	var target float64
	switch in.Direction {
	case strategy.Long:
		target = math.Abs(in.SizeHint)
	case strategy.Short:
		target = -math.Abs(in.SizeHint)
	case strategy.Flat:
		target = 0
	default:
		logger.Warnf("[pipeline] %s unknown intent direction %q", bar.Instrument, in.Direction)
		return execution.Order{}, false
	}
	delta := target - held.NetSize
	if math.Abs(delta) < 1e-12 {
		return execution.Order{}, false
	}
	side := execution.SideBuy
	if delta < 0 {
		side = execution.SideSell
	}
	o := execution.Order{
		DecisionID:  fmt.Sprintf("%s-%d-%d", bar.Instrument, bar.CloseTime.UnixMilli(), idx),
		Instrument:  bar.Instrument,
		Side:        side,
		Size:        math.Abs(delta),
		Type:        execution.OrderTypeMarket,
		ReduceOnly:  in.Direction == strategy.Flat,
		RequestedAt: bar.CloseTime,
	}
	if in.Direction != strategy.Flat {
		o.StopLoss, o.TakeProfit = in.StopLoss, in.TakeProfit
	}
	return o, true
}

// Reset drops bar history for an instrument together with its feature
// state. It is an operator action.
func (r *Runner) Reset(instrument string) {
	instrument = market.NormalizeInstrument(instrument)
	r.mu.Lock()
	delete(r.history, instrument)
	r.mu.Unlock()
	r.cfg.Engine.Reset(instrument)
}
