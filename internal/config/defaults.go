package config

import (
	"strings"

	"tradecore/internal/market"
)

// 默认值常量。interlock 阈值故意没有默认值。
const (
	defaultAppEnv            = "dev"
	defaultAppMode           = ModeResearch
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultInitialBalance    = 10_000
	defaultWindowBars        = 20
	defaultMinBars           = 20
	defaultBucketVolume      = 50_000
	defaultBucketHistory     = 50
	defaultColdStart         = "neutral"
	defaultFillProbability   = 1
	defaultCommissionRate    = 0.0004
	defaultSimSeed           = 1
	defaultLiveVenue         = "binance"
	defaultBinanceREST       = "https://fapi.binance.com"
	defaultLiveTimeoutMs     = 5000
	defaultLiveMaxAttempts   = 3
	defaultLiveBackoffBaseMs = 200
	defaultLiveBackoffMaxMs  = 2000
	defaultLiveRatePerSec    = 10
	defaultLivePingSec       = 5
	defaultLiveReconcileSec  = 10
	defaultBreakerThreshold  = 5
	defaultBreakerCooldown   = 30
	defaultRefStoreDriver    = "sqlite"
	defaultRefStorePath      = "data/tradecore/refs.db"
	defaultRefStoreSession   = "default"
	defaultRedisPrefix       = "tradecore"
	defaultAuditPath         = "data/tradecore/audit.db"
	defaultKafkaTopic        = "tradecore.audit"
	defaultMarketInterval    = "1m"
	defaultOFIThreshold      = 0.3
	defaultEMAPeriod         = 20
	defaultStrategySize      = 0.01
	defaultStopPct           = 1
	defaultTakePct           = 2
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Account.applyDefaults(keys)
	c.Feature.applyDefaults(keys)
	c.Simulator.applyDefaults(keys)
	c.Live.applyDefaults(keys)
	c.RefStore.applyDefaults(keys)
	c.Audit.applyDefaults(keys)
	c.Market.applyDefaults(keys, c.Live.BaseURL)
	c.Strategy.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	mode := string(a.Mode)
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.mode", &mode, string(defaultAppMode)),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
	a.Mode = Mode(strings.ToLower(strings.TrimSpace(mode)))
}

func (a *AccountConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("account.initial_balance", &a.InitialBalance, defaultInitialBalance),
	)
}

func (f *FeatureConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("feature.window_bars", &f.WindowBars, defaultWindowBars),
		intFieldDefault("feature.min_bars", &f.MinBars, defaultMinBars),
		floatFieldDefault("feature.bucket_volume", &f.BucketVolume, defaultBucketVolume),
		intFieldDefault("feature.bucket_history", &f.BucketHistory, defaultBucketHistory),
		stringFieldDefault("feature.cold_start", &f.ColdStart, defaultColdStart),
	)
}

func (s *SimulatorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("simulator.fill_probability", &s.FillProbability, defaultFillProbability),
		floatFieldDefault("simulator.commission_rate", &s.CommissionRate, defaultCommissionRate),
		fieldDefault{
			key:   "simulator.seed",
			need:  func() bool { return s.Seed == 0 },
			apply: func() { s.Seed = defaultSimSeed },
		},
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("live.venue", &l.Venue, defaultLiveVenue),
		stringFieldDefault("live.base_url", &l.BaseURL, defaultBinanceREST),
		intFieldDefault("live.timeout_ms", &l.TimeoutMs, defaultLiveTimeoutMs),
		intFieldDefault("live.max_attempts", &l.MaxAttempts, defaultLiveMaxAttempts),
		intFieldDefault("live.backoff_base_ms", &l.BackoffBaseMs, defaultLiveBackoffBaseMs),
		intFieldDefault("live.backoff_max_ms", &l.BackoffMaxMs, defaultLiveBackoffMaxMs),
		floatFieldDefault("live.rate_per_sec", &l.RatePerSec, defaultLiveRatePerSec),
		intFieldDefault("live.ping_interval_sec", &l.PingIntervalSec, defaultLivePingSec),
		intFieldDefault("live.reconcile_interval_sec", &l.ReconcileIntervalSec, defaultLiveReconcileSec),
		intFieldDefault("live.breaker_threshold", &l.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("live.breaker_cooldown_sec", &l.BreakerCooldownSec, defaultBreakerCooldown),
	)
}

func (r *RefStoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("refstore.driver", &r.Driver, defaultRefStoreDriver),
		stringFieldDefault("refstore.path", &r.Path, defaultRefStorePath),
		stringFieldDefault("refstore.session", &r.Session, defaultRefStoreSession),
		stringFieldDefault("refstore.redis.prefix", &r.Redis.Prefix, defaultRedisPrefix),
	)
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
}

func (a *AuditConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("audit.path", &a.Path, defaultAuditPath),
		stringFieldDefault("audit.kafka.topic", &a.Kafka.Topic, defaultKafkaTopic),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet, liveBase string) {
	base := liveBase
	if strings.TrimSpace(base) == "" {
		base = defaultBinanceREST
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, base),
	)
	symbols := make([]string, 0, len(m.Symbols))
	seen := make(map[string]bool, len(m.Symbols))
	for _, s := range m.Symbols {
		s = market.NormalizeInstrument(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	m.Symbols = symbols
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("strategy.ofi_threshold", &s.OFIThreshold, defaultOFIThreshold),
		boolFieldDefault("strategy.cvd_confirm", &s.CVDConfirm, true),
		intFieldDefault("strategy.ema_period", &s.EMAPeriod, defaultEMAPeriod),
		floatFieldDefault("strategy.size", &s.Size, defaultStrategySize),
		floatFieldDefault("strategy.stop_pct", &s.StopPct, defaultStopPct),
		floatFieldDefault("strategy.take_pct", &s.TakePct, defaultTakePct),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
