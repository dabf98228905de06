package config

import (
	"fmt"
	"strings"
)

// requiredThresholds 必须在配置文件中显式给出，缺省值不会被补上。
var requiredThresholds = []string{
	"interlock.risk.max_daily_loss_pct",
	"interlock.risk.max_reject_rate",
	"interlock.risk.reject_window",
	"interlock.risk.min_reject_samples",
	"interlock.risk.max_exposure_pct",
	"interlock.counterparty.max_latency_ms",
	"interlock.counterparty.max_heartbeat_age_sec",
	"interlock.data.max_spread_pct",
	"interlock.data.max_stale_sec",
	"interlock.data.max_corrupted_ticks",
	"interlock.data.corrupted_window_sec",
}

// validate 对配置进行基础校验。
func validate(c *Config, keys keySet) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if c.Account.InitialBalance <= 0 {
		return &Error{Key: "account.initial_balance", Msg: "must be > 0"}
	}
	if err := c.Feature.validate(); err != nil {
		return err
	}
	if err := c.Interlock.validate(keys); err != nil {
		return err
	}
	if err := c.Simulator.validate(); err != nil {
		return err
	}
	if c.App.Mode == ModeLive {
		if err := c.Live.validate(); err != nil {
			return err
		}
		if len(c.Market.Symbols) == 0 {
			return &Error{Key: "market.symbols", Msg: "live mode requires at least one symbol"}
		}
	}
	if err := c.RefStore.validate(); err != nil {
		return err
	}
	if err := c.Audit.validate(); err != nil {
		return err
	}
	if c.App.Mode == ModeResearch && len(c.Replay.Files) == 0 {
		return &Error{Key: "replay.files", Msg: "research mode requires at least one bar file"}
	}
	return c.Strategy.validate()
}

func (a *AppConfig) validate() error {
	mode, err := ParseMode(string(a.Mode))
	if err != nil {
		return err
	}
	a.Mode = mode
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &Error{Key: "app.log_level", Msg: fmt.Sprintf("unknown level %q", a.LogLevel)}
	}
	return nil
}

func (f FeatureConfig) validate() error {
	switch {
	case f.WindowBars < 2:
		return &Error{Key: "feature.window_bars", Msg: "must be >= 2"}
	case f.MinBars < 1:
		return &Error{Key: "feature.min_bars", Msg: "must be >= 1"}
	case f.BucketVolume <= 0:
		return &Error{Key: "feature.bucket_volume", Msg: "must be > 0"}
	case f.BucketHistory < 1:
		return &Error{Key: "feature.bucket_history", Msg: "must be >= 1"}
	}
	switch strings.ToLower(strings.TrimSpace(f.ColdStart)) {
	case "neutral", "error":
	default:
		return &Error{Key: "feature.cold_start", Msg: "must be neutral or error"}
	}
	return nil
}

func (i InterlockConfig) validate(keys keySet) error {
	for _, key := range requiredThresholds {
		if !keys.isSet(key) {
			return &Error{Key: key, Msg: "is required (interlock thresholds have no defaults)"}
		}
	}
	r, cp, d := i.Risk, i.Counterparty, i.Data
	switch {
	case r.MaxDailyLossPct <= 0:
		return &Error{Key: "interlock.risk.max_daily_loss_pct", Msg: "must be > 0"}
	case r.MaxRejectRate <= 0 || r.MaxRejectRate > 1:
		return &Error{Key: "interlock.risk.max_reject_rate", Msg: "must be within (0,1]"}
	case r.RejectWindow <= 0:
		return &Error{Key: "interlock.risk.reject_window", Msg: "must be > 0"}
	case r.MinRejectSamples <= 0 || r.MinRejectSamples > r.RejectWindow:
		return &Error{Key: "interlock.risk.min_reject_samples", Msg: "must be within [1, reject_window]"}
	case r.MaxExposurePct <= 0:
		return &Error{Key: "interlock.risk.max_exposure_pct", Msg: "must be > 0"}
	case cp.MaxLatencyMs <= 0:
		return &Error{Key: "interlock.counterparty.max_latency_ms", Msg: "must be > 0"}
	case cp.MaxHeartbeatAgeSec <= 0:
		return &Error{Key: "interlock.counterparty.max_heartbeat_age_sec", Msg: "must be > 0"}
	case d.MaxSpreadPct <= 0:
		return &Error{Key: "interlock.data.max_spread_pct", Msg: "must be > 0"}
	case d.MaxStaleSec <= 0:
		return &Error{Key: "interlock.data.max_stale_sec", Msg: "must be > 0"}
	case d.MaxCorruptedTicks < 0:
		return &Error{Key: "interlock.data.max_corrupted_ticks", Msg: "must be >= 0"}
	case d.CorruptedWindowSec <= 0:
		return &Error{Key: "interlock.data.corrupted_window_sec", Msg: "must be > 0"}
	}
	return nil
}

func (s SimulatorConfig) validate() error {
	switch {
	case s.FillProbability <= 0 || s.FillProbability > 1:
		return &Error{Key: "simulator.fill_probability", Msg: "must be within (0,1]"}
	case s.SlippageBpsStd < 0:
		return &Error{Key: "simulator.slippage_bps_std", Msg: "must be >= 0"}
	case s.CommissionRate < 0:
		return &Error{Key: "simulator.commission_rate", Msg: "must be >= 0"}
	case s.MaxHoldSec < 0:
		return &Error{Key: "simulator.max_hold_sec", Msg: "must be >= 0"}
	}
	return nil
}

func (l LiveConfig) validate() error {
	if !strings.EqualFold(strings.TrimSpace(l.Venue), "binance") {
		return &Error{Key: "live.venue", Msg: fmt.Sprintf("unsupported venue %q", l.Venue)}
	}
	if strings.TrimSpace(l.APIKey) == "" || strings.TrimSpace(l.APISecret) == "" {
		return &Error{Key: "live.api_key", Msg: "live mode requires api_key and api_secret"}
	}
	if l.BackoffMaxMs < l.BackoffBaseMs {
		return &Error{Key: "live.backoff_max_ms", Msg: "must be >= backoff_base_ms"}
	}
	if l.ReconcileIntervalSec < 0 {
		// 0 表示只在启动时对账
		return &Error{Key: "live.reconcile_interval_sec", Msg: "must be >= 0"}
	}
	return nil
}

func (r RefStoreConfig) validate() error {
	switch r.Driver {
	case "sqlite":
		if strings.TrimSpace(r.Path) == "" {
			return &Error{Key: "refstore.path", Msg: "sqlite driver requires a path"}
		}
	case "redis":
		if strings.TrimSpace(r.Redis.Addr) == "" {
			return &Error{Key: "refstore.redis.addr", Msg: "redis driver requires an address"}
		}
	default:
		return &Error{Key: "refstore.driver", Msg: fmt.Sprintf("unknown driver %q (want sqlite or redis)", r.Driver)}
	}
	return nil
}

func (a AuditConfig) validate() error {
	if strings.TrimSpace(a.Path) == "" {
		return &Error{Key: "audit.path", Msg: "cannot be empty"}
	}
	if a.Kafka.Enabled {
		if len(a.Kafka.Brokers) == 0 {
			return &Error{Key: "audit.kafka.brokers", Msg: "kafka sink requires at least one broker"}
		}
		if strings.TrimSpace(a.Kafka.Topic) == "" {
			return &Error{Key: "audit.kafka.topic", Msg: "cannot be empty"}
		}
	}
	return nil
}

func (s StrategyConfig) validate() error {
	switch {
	case s.OFIThreshold <= 0 || s.OFIThreshold >= 1:
		return &Error{Key: "strategy.ofi_threshold", Msg: "must be within (0,1)"}
	case s.Size <= 0:
		return &Error{Key: "strategy.size", Msg: "must be > 0"}
	case s.EMAPeriod < 0:
		return &Error{Key: "strategy.ema_period", Msg: "must be >= 0"}
	case s.StopPct < 0 || s.TakePct < 0:
		return &Error{Key: "strategy.stop_pct", Msg: "stop_pct and take_pct must be >= 0"}
	}
	return nil
}
