// Package strategy turns feature snapshots into trading intents. Strategies
// never place orders; the pipeline converts intents into orders.
package strategy

import (
	"tradecore/internal/execution"
	"tradecore/internal/feature"
	"tradecore/internal/market"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Intent is the position a strategy wants to hold in one instrument.
type Intent struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	SizeHint   float64   `json:"size_hint"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
}

// MarketData is what a strategy sees at one bar close. History ends with Bar
// and never contains bars that closed later.
type MarketData struct {
	Instrument string
	Bar        market.Bar
	History    []market.Bar
	Position   execution.Position
}

type Strategy interface {
	Name() string
	Evaluate(md MarketData, snap feature.Snapshot) []Intent
}

// Func adapts a plain function to Strategy.
type Func func(md MarketData, snap feature.Snapshot) []Intent

func (f Func) Name() string { return "func" }

func (f Func) Evaluate(md MarketData, snap feature.Snapshot) []Intent { return f(md, snap) }
