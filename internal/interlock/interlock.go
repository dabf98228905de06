// Package interlock is the layered kill switch every order passes before it
// may leave the process.
//
// One Interlock exists per process. It is handed to the components that read
// or feed it; there is no package-level instance.
package interlock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/internal/logger"
	"tradecore/internal/pkg/clock"
)

type Layer string

const (
	LayerEmergency    Layer = "emergency"
	LayerOperator     Layer = "operator"
	LayerRisk         Layer = "risk"
	LayerCounterparty Layer = "counterparty"
	LayerData         Layer = "data"
)

// Layers lists the health layers in evaluation order.
var Layers = []Layer{LayerOperator, LayerRisk, LayerCounterparty, LayerData}

// Decision is the result of one Permit evaluation.
type Decision struct {
	Permitted bool      `json:"permitted"`
	Layer     Layer     `json:"layer,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Permitter is the read side of the interlock that order paths depend on.
type Permitter interface {
	Permit() Decision
}

type LayerStatus struct {
	Healthy bool      `json:"healthy"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since"`
}

// State is a point-in-time copy of the interlock.
type State struct {
	Layers          map[Layer]LayerStatus `json:"layers"`
	EmergencyStop   bool                  `json:"emergency_stop"`
	EmergencyReason string                `json:"emergency_reason,omitempty"`
	EmergencySince  time.Time             `json:"emergency_since,omitempty"`
	DailyPnL        float64               `json:"daily_pnl"`
	DayStartEquity  float64               `json:"day_start_equity"`
	Equity          float64               `json:"equity"`
	GrossExposure   float64               `json:"gross_exposure"`
	RejectRate      float64               `json:"reject_rate"`
	TradingDay      time.Time             `json:"trading_day"`
	LastBrokerPing  time.Time             `json:"last_broker_ping"`
	LastTickTime    time.Time             `json:"last_tick_time"`
	CorruptedTicks  int                   `json:"corrupted_ticks"`
}

// Observer receives layer transitions and denials. Calls happen while the
// interlock lock is held, so an Observer must not call back into it.
type Observer interface {
	LayerChanged(layer Layer, healthy bool, reason string)
	Denied(layer Layer)
	EmergencyChanged(active bool)
}

type Config struct {
	Thresholds      Thresholds
	InitialEquity   float64
	OperatorEnabled bool
	Clock           clock.Clock
	Observer        Observer
}

var ErrInvalidEquity = errors.New("initial equity must be > 0")

type Interlock struct {
	mu sync.Mutex

	th       Thresholds
	clk      clock.Clock
	observer Observer
	log      *slog.Logger

	layers map[Layer]LayerStatus

	emergency       bool
	emergencyReason string
	emergencySince  time.Time

	operatorReason string

	// risk
	tradingDay     time.Time
	dayStartEquity float64
	equity         float64
	dailyPnL       float64
	grossExposure  float64
	outcomes       []bool
	outcomeHead    int
	outcomeCount   int

	// counterparty
	lastPing    time.Time
	pingProblem string

	// data
	lastTick    time.Time
	dataProblem string
	corruptedAt []time.Time
}

func New(cfg Config) (*Interlock, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("interlock thresholds: %w", err)
	}
	if cfg.InitialEquity <= 0 {
		return nil, ErrInvalidEquity
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Wall()
	}
	now := clk.Now()
	il := &Interlock{
		th:             cfg.Thresholds,
		clk:            clk,
		observer:       cfg.Observer,
		log:            logger.With("interlock"),
		layers:         make(map[Layer]LayerStatus, len(Layers)),
		tradingDay:     dayOf(now),
		dayStartEquity: cfg.InitialEquity,
		equity:         cfg.InitialEquity,
		outcomes:       make([]bool, cfg.Thresholds.Risk.RejectWindow),
	}
	for _, l := range Layers {
		il.layers[l] = LayerStatus{Healthy: true, Since: now}
	}
	if !cfg.OperatorEnabled {
		il.operatorReason = "disabled at startup"
		il.layers[LayerOperator] = LayerStatus{Healthy: false, Reason: il.operatorReason, Since: now}
	}
	il.layers[LayerCounterparty] = LayerStatus{Healthy: false, Reason: "no heartbeat yet", Since: now}
	il.layers[LayerData] = LayerStatus{Healthy: false, Reason: "no market data yet", Since: now}
	return il, nil
}

// Permit evaluates every layer against current state. The result is never
// cached; two calls may disagree if health signals arrived in between.
func (il *Interlock) Permit() Decision {
	il.mu.Lock()
	defer il.mu.Unlock()

	now := il.clk.Now()
	if il.emergency {
		return il.deny(LayerEmergency, "emergency stop: "+il.emergencyReason, now)
	}
	il.refresh(now)
	for _, l := range Layers {
		if st := il.layers[l]; !st.Healthy {
			return il.deny(l, st.Reason, now)
		}
	}
	return Decision{Permitted: true, At: now}
}

func (il *Interlock) deny(layer Layer, reason string, now time.Time) Decision {
	if il.observer != nil {
		il.observer.Denied(layer)
	}
	return Decision{Permitted: false, Layer: layer, Reason: fmt.Sprintf("%s: %s", layer, reason), At: now}
}

// EmergencyStop latches the override. Nothing but ResetEmergencyStop clears it.
func (il *Interlock) EmergencyStop(reason string) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if reason == "" {
		reason = "unspecified"
	}
	if il.emergency {
		il.log.Warn("emergency stop already active", "reason", reason, "active_reason", il.emergencyReason)
		return
	}
	il.emergency = true
	il.emergencyReason = reason
	il.emergencySince = il.clk.Now()
	il.log.Error("emergency stop engaged", "reason", reason)
	if il.observer != nil {
		il.observer.EmergencyChanged(true)
	}
}

func (il *Interlock) ResetEmergencyStop(operator string) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if !il.emergency {
		return
	}
	il.log.Warn("emergency stop reset", "operator", operator, "was", il.emergencyReason)
	il.emergency = false
	il.emergencyReason = ""
	il.emergencySince = time.Time{}
	if il.observer != nil {
		il.observer.EmergencyChanged(false)
	}
}

func (il *Interlock) Enable() {
	il.mu.Lock()
	defer il.mu.Unlock()
	il.operatorReason = ""
	il.setLayer(LayerOperator, true, "", il.clk.Now())
}

func (il *Interlock) Disable(reason string) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if reason == "" {
		reason = "disabled by operator"
	}
	il.operatorReason = reason
	il.setLayer(LayerOperator, false, reason, il.clk.Now())
}

// SetThresholds swaps limits at runtime. The reject history is resized when
// the window changes, keeping the most recent outcomes.
func (il *Interlock) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return fmt.Errorf("interlock thresholds: %w", err)
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	if th.Risk.RejectWindow != il.th.Risk.RejectWindow {
		recent := il.recentOutcomes()
		if len(recent) > th.Risk.RejectWindow {
			recent = recent[len(recent)-th.Risk.RejectWindow:]
		}
		il.outcomes = make([]bool, th.Risk.RejectWindow)
		il.outcomeHead, il.outcomeCount = 0, 0
		for _, rejected := range recent {
			il.pushOutcome(rejected)
		}
	}
	il.th = th
	il.log.Info("thresholds updated",
		"max_daily_loss_pct", th.Risk.MaxDailyLossPct,
		"max_reject_rate", th.Risk.MaxRejectRate,
		"max_exposure_pct", th.Risk.MaxExposurePct,
		"max_latency", th.Counterparty.MaxLatency,
		"max_spread_pct", th.Data.MaxSpreadPct,
		"max_stale", th.Data.MaxStale)
	il.refresh(il.clk.Now())
	return nil
}

func (il *Interlock) Thresholds() Thresholds {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.th
}

// State returns a copy; callers may keep or modify it freely.
func (il *Interlock) State() State {
	il.mu.Lock()
	defer il.mu.Unlock()
	now := il.clk.Now()
	il.refresh(now)
	layers := make(map[Layer]LayerStatus, len(il.layers))
	for k, v := range il.layers {
		layers[k] = v
	}
	return State{
		Layers:          layers,
		EmergencyStop:   il.emergency,
		EmergencyReason: il.emergencyReason,
		EmergencySince:  il.emergencySince,
		DailyPnL:        il.dailyPnL,
		DayStartEquity:  il.dayStartEquity,
		Equity:          il.equity,
		GrossExposure:   il.grossExposure,
		RejectRate:      il.rejectRate(),
		TradingDay:      il.tradingDay,
		LastBrokerPing:  il.lastPing,
		LastTickTime:    il.lastTick,
		CorruptedTicks:  len(il.corruptedAt),
	}
}

// refresh re-derives the layers whose health depends on time or on
// accumulated metrics. Must be called with mu held.
func (il *Interlock) refresh(now time.Time) {
	il.rollDay(now)
	il.evalRisk(now)
	il.evalCounterparty(now)
	il.evalData(now)
}

func (il *Interlock) setLayer(layer Layer, healthy bool, reason string, now time.Time) {
	prev := il.layers[layer]
	if prev.Healthy == healthy && prev.Reason == reason {
		return
	}
	since := prev.Since
	if prev.Healthy != healthy {
		since = now
		if healthy {
			il.log.Info("layer healed", "layer", string(layer))
		} else {
			il.log.Warn("layer tripped", "layer", string(layer), "reason", reason)
		}
		if il.observer != nil {
			il.observer.LayerChanged(layer, healthy, reason)
		}
	}
	il.layers[layer] = LayerStatus{Healthy: healthy, Reason: reason, Since: since}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
