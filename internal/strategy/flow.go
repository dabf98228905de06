package strategy

import (
	"tradecore/internal/feature"

	talib "github.com/markcheno/go-talib"
)

// FlowConfig 控制订单流策略参数。
type FlowConfig struct {
	OFIThreshold float64
	// CVDConfirm requires cumulative signed volume to agree with the
	// imbalance before entering.
	CVDConfirm bool
	// EMAPeriod 为 0 时不做趋势过滤。
	EMAPeriod int
	// MaxInformed skips entries when the informed-trade probability is above
	// it. 0 disables the check.
	MaxInformed float64
	Size        float64
	StopPct     float64
	TakePct     float64
}

func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		OFIThreshold: 0.3,
		CVDConfirm:   true,
		EMAPeriod:    20,
		Size:         0.01,
		StopPct:      1,
		TakePct:      2,
	}
}

// FlowStrategy follows order-flow imbalance in the direction of the EMA
// trend and goes flat when the imbalance turns against the position.
type FlowStrategy struct {
	cfg FlowConfig
}

func NewFlowStrategy(cfg FlowConfig) *FlowStrategy {
	if cfg.Size <= 0 {
		cfg.Size = DefaultFlowConfig().Size
	}
	if cfg.OFIThreshold <= 0 {
		cfg.OFIThreshold = DefaultFlowConfig().OFIThreshold
	}
	return &FlowStrategy{cfg: cfg}
}

func (s *FlowStrategy) Name() string { return "flow" }

func (s *FlowStrategy) Evaluate(md MarketData, snap feature.Snapshot) []Intent {
	if !snap.Warm {
		return nil
	}
	ofi := snap.OrderFlowImbalance
	held := md.Position.NetSize
	price := md.Bar.Close

	switch {
	case held > 0 && ofi < -s.cfg.OFIThreshold:
		return []Intent{{Instrument: md.Instrument, Direction: Flat}}
	case held < 0 && ofi > s.cfg.OFIThreshold:
		return []Intent{{Instrument: md.Instrument, Direction: Flat}}
	case held != 0:
		return nil
	}
	if s.cfg.MaxInformed > 0 && snap.InformedTradeProbability > s.cfg.MaxInformed {
		return nil
	}

	trend := s.trend(md)
	var dir Direction
	switch {
	case ofi > s.cfg.OFIThreshold && trend >= 0 && (!s.cfg.CVDConfirm || snap.CumulativeSignedVolume > 0):
		dir = Long
	case ofi < -s.cfg.OFIThreshold && trend <= 0 && (!s.cfg.CVDConfirm || snap.CumulativeSignedVolume < 0):
		dir = Short
	default:
		return nil
	}
	intent := Intent{Instrument: md.Instrument, Direction: dir, SizeHint: s.cfg.Size}
	sign := 1.0
	if dir == Short {
		sign = -1
	}
	if s.cfg.StopPct > 0 {
		intent.StopLoss = price * (1 - sign*s.cfg.StopPct/100)
	}
	if s.cfg.TakePct > 0 {
		intent.TakeProfit = price * (1 + sign*s.cfg.TakePct/100)
	}
	return []Intent{intent}
}

// trend is +1 when the close is above its EMA, -1 below, 0 when there is
// not enough history or the filter is off.
func (s *FlowStrategy) trend(md MarketData) int {
	period := s.cfg.EMAPeriod
	if period <= 1 || len(md.History) < period {
		return 0
	}
	closes := make([]float64, len(md.History))
	for i, b := range md.History {
		closes[i] = b.Close
	}
	ema := talib.Ema(closes, period)
	last := ema[len(ema)-1]
	switch {
	case last <= 0:
		return 0
	case md.Bar.Close > last:
		return 1
	case md.Bar.Close < last:
		return -1
	}
	return 0
}
