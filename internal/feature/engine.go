// Package feature computes order-flow microstructure features from closed bars.
//
// The engine is the only owner of per-instrument accumulator state. The same
// ordered bar sequence always yields bit-identical snapshots, which is what
// lets replay stand in for live trading.
package feature

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"tradecore/internal/market"
)

var (
	ErrInsufficientHistory = errors.New("insufficient bar history")
	ErrUnorderedWindow     = errors.New("bar window is not strictly ordered by close time")
	ErrInstrumentMismatch  = errors.New("bar window contains another instrument")
	ErrBadVolume           = errors.New("bar volume is not a finite non-negative number")
)

type ColdStartPolicy int

const (
	// ColdStartNeutral returns NeutralSnapshot when the window is short.
	ColdStartNeutral ColdStartPolicy = iota
	// ColdStartError returns ErrInsufficientHistory instead.
	ColdStartError
)

type Config struct {
	WindowBars    int
	MinBars       int
	BucketVolume  float64
	BucketHistory int
	ColdStart     ColdStartPolicy
}

func DefaultConfig() Config {
	return Config{
		WindowBars:    20,
		MinBars:       20,
		BucketVolume:  50_000,
		BucketHistory: 50,
		ColdStart:     ColdStartNeutral,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowBars <= 0 {
		c.WindowBars = def.WindowBars
	}
	if c.MinBars <= 0 {
		c.MinBars = def.MinBars
	}
	if c.BucketVolume <= 0 {
		c.BucketVolume = def.BucketVolume
	}
	if c.BucketHistory <= 0 {
		c.BucketHistory = def.BucketHistory
	}
	return c
}

type instrumentState struct {
	mu sync.Mutex

	acc          *bucketAccumulator
	lastConsumed time.Time
	lastClose    float64
}

type Engine struct {
	cfg Config

	mu     sync.Mutex
	states map[string]*instrumentState
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		states: make(map[string]*instrumentState),
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Lookback is the number of trailing bars callers should pass to Compute so
// that the oldest bar of the rolling window still has a predecessor to be
// signed against.
func (e *Engine) Lookback() int {
	if n := e.cfg.WindowBars + 1; n > e.cfg.MinBars {
		return n
	}
	return e.cfg.MinBars
}

func (e *Engine) state(instrument string) *instrumentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[instrument]
	if !ok {
		st = &instrumentState{acc: newBucketAccumulator(e.cfg.BucketVolume, e.cfg.BucketHistory)}
		e.states[instrument] = st
	}
	return st
}

// Reset drops all accumulated state for one instrument. It is an operator
// action; nothing in the engine calls it implicitly.
func (e *Engine) Reset(instrument string) {
	e.mu.Lock()
	delete(e.states, instrument)
	e.mu.Unlock()
}

// Compute derives a snapshot from window, the trailing bars of instrument up to
// and including the decision bar. Bars already consumed by an earlier call are
// not fed into the volume buckets again, so overlapping windows are safe.
func (e *Engine) Compute(instrument string, window []market.Bar) (Snapshot, error) {
	if err := checkWindow(instrument, window); err != nil {
		return Snapshot{}, err
	}
	var asOf time.Time
	if len(window) > 0 {
		asOf = window[len(window)-1].CloseTime
	}

	st := e.state(instrument)
	st.mu.Lock()
	defer st.mu.Unlock()

	signs := signWindow(window)
	st.consume(window, signs)

	if len(window) < e.cfg.MinBars {
		if e.cfg.ColdStart == ColdStartError {
			return Snapshot{}, fmt.Errorf("%w: %s has %d bars, need %d", ErrInsufficientHistory, instrument, len(window), e.cfg.MinBars)
		}
		return NeutralSnapshot(instrument, asOf, len(window)), nil
	}

	start := len(window) - e.cfg.WindowBars
	if start < 0 {
		start = 0
	}
	var buyVol, sellVol, cvd float64
	for i := start; i < len(window); i++ {
		v := window[i].Volume
		switch signs[i] {
		case 1:
			buyVol += v
			cvd += v
		case -1:
			sellVol += v
			cvd -= v
		}
	}
	ofi := 0.0
	if total := buyVol + sellVol; total > 0 {
		ofi = (buyVol - sellVol) / total
	}
	return Snapshot{
		Instrument:               instrument,
		OrderFlowImbalance:       ofi,
		CumulativeSignedVolume:   cvd,
		InformedTradeProbability: st.acc.probability(),
		AsOf:                     asOf,
		InformedAsOf:             st.acc.lastCompleted,
		Bars:                     len(window),
		Warm:                     true,
	}, nil
}

// CompletedBuckets reports how many volume buckets have filled for instrument.
func (e *Engine) CompletedBuckets(instrument string) int {
	st := e.state(instrument)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acc.completed()
}

func (st *instrumentState) consume(window []market.Bar, signs []int) {
	for i, bar := range window {
		if !st.lastConsumed.IsZero() && !bar.CloseTime.After(st.lastConsumed) {
			continue
		}
		sign := signs[i]
		if i == 0 && st.lastClose > 0 {
			sign = priceSign(st.lastClose, bar.Close)
		}
		var buy, sell float64
		switch sign {
		case 1:
			buy = bar.Volume
		case -1:
			sell = bar.Volume
		default:
			buy = bar.Volume / 2
			sell = bar.Volume - buy
		}
		st.acc.add(buy, sell, bar.CloseTime)
		st.lastConsumed = bar.CloseTime
		st.lastClose = bar.Close
	}
}

// signWindow signs each bar by the close-to-close move from its predecessor in
// the window. The first bar has no predecessor and is unsigned.
func signWindow(window []market.Bar) []int {
	signs := make([]int, len(window))
	for i := 1; i < len(window); i++ {
		signs[i] = priceSign(window[i-1].Close, window[i].Close)
	}
	return signs
}

func priceSign(prev, cur float64) int {
	switch {
	case cur > prev:
		return 1
	case cur < prev:
		return -1
	default:
		return 0
	}
}

func checkWindow(instrument string, window []market.Bar) error {
	for i, bar := range window {
		if bar.Instrument != instrument {
			return fmt.Errorf("%w: want %s, got %s", ErrInstrumentMismatch, instrument, bar.Instrument)
		}
		if i > 0 && !bar.CloseTime.After(window[i-1].CloseTime) {
			return fmt.Errorf("%w: %s at index %d", ErrUnorderedWindow, instrument, i)
		}
		if bar.Volume < 0 || math.IsNaN(bar.Volume) || math.IsInf(bar.Volume, 0) {
			return fmt.Errorf("%w: %s at index %d has %v", ErrBadVolume, instrument, i, bar.Volume)
		}
	}
	return nil
}
