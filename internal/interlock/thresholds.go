package interlock

import (
	"fmt"
	"time"
)

// Thresholds are the safety limits of the risk, counterparty and data layers.
// None of them has a default: a zero value is a configuration error.
type Thresholds struct {
	Risk         RiskThresholds
	Counterparty CounterpartyThresholds
	Data         DataThresholds
}

type RiskThresholds struct {
	// MaxDailyLossPct is a percentage of the day-start equity (2 means 2%).
	MaxDailyLossPct float64
	// MaxRejectRate is a fraction of the last RejectWindow outcomes.
	MaxRejectRate    float64
	RejectWindow     int
	MinRejectSamples int
	// MaxExposurePct is gross exposure as a percentage of equity.
	MaxExposurePct float64
}

type CounterpartyThresholds struct {
	MaxLatency      time.Duration
	MaxHeartbeatAge time.Duration
}

type DataThresholds struct {
	// MaxSpreadPct is the bid/ask spread as a percentage of mid.
	MaxSpreadPct      float64
	MaxStale          time.Duration
	MaxCorruptedTicks int
	CorruptedWindow   time.Duration
}

func (t Thresholds) Validate() error {
	switch {
	case t.Risk.MaxDailyLossPct <= 0:
		return fmt.Errorf("risk.max_daily_loss_pct must be > 0")
	case t.Risk.MaxRejectRate <= 0 || t.Risk.MaxRejectRate > 1:
		return fmt.Errorf("risk.max_reject_rate must be within (0,1]")
	case t.Risk.RejectWindow <= 0:
		return fmt.Errorf("risk.reject_window must be > 0")
	case t.Risk.MinRejectSamples <= 0 || t.Risk.MinRejectSamples > t.Risk.RejectWindow:
		return fmt.Errorf("risk.min_reject_samples must be within [1, reject_window]")
	case t.Risk.MaxExposurePct <= 0:
		return fmt.Errorf("risk.max_exposure_pct must be > 0")
	case t.Counterparty.MaxLatency <= 0:
		return fmt.Errorf("counterparty.max_latency must be > 0")
	case t.Counterparty.MaxHeartbeatAge <= 0:
		return fmt.Errorf("counterparty.max_heartbeat_age must be > 0")
	case t.Data.MaxSpreadPct <= 0:
		return fmt.Errorf("data.max_spread_pct must be > 0")
	case t.Data.MaxStale <= 0:
		return fmt.Errorf("data.max_stale must be > 0")
	case t.Data.MaxCorruptedTicks < 0:
		return fmt.Errorf("data.max_corrupted_ticks must be >= 0")
	case t.Data.CorruptedWindow <= 0:
		return fmt.Errorf("data.corrupted_window must be > 0")
	}
	return nil
}
