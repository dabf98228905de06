package config

import (
	"fmt"
	"strings"
)

// Config 是 tradecore 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Account   AccountConfig   `toml:"account"`
	Feature   FeatureConfig   `toml:"feature"`
	Interlock InterlockConfig `toml:"interlock"`
	Simulator SimulatorConfig `toml:"simulator"`
	Live      LiveConfig      `toml:"live"`
	RefStore  RefStoreConfig  `toml:"refstore"`
	Audit     AuditConfig     `toml:"audit"`
	Market    MarketConfig    `toml:"market"`
	Replay    ReplayConfig    `toml:"replay"`
	Strategy  StrategyConfig  `toml:"strategy"`
}

// Mode selects which execution adapter the process builds.
type Mode string

const (
	ModeResearch Mode = "research"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeResearch, ModePaper, ModeLive:
		return m, nil
	}
	return "", &Error{Key: "app.mode", Msg: fmt.Sprintf("unknown mode %q (want research, paper or live)", s)}
}

// Error is a configuration problem tied to one key.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string { return e.Key + ": " + e.Msg }

type AppConfig struct {
	Env      string `toml:"env"`
	Mode     Mode   `toml:"mode"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

type AccountConfig struct {
	InitialBalance float64 `toml:"initial_balance"`
}

type FeatureConfig struct {
	WindowBars    int     `toml:"window_bars"`
	MinBars       int     `toml:"min_bars"`
	BucketVolume  float64 `toml:"bucket_volume"`
	BucketHistory int     `toml:"bucket_history"`
	// ColdStart 为 "neutral" 或 "error"。
	ColdStart string `toml:"cold_start"`
}

// InterlockConfig 的阈值没有默认值，必须显式配置。
type InterlockConfig struct {
	OperatorEnabled bool               `toml:"operator_enabled"`
	Risk            RiskConfig         `toml:"risk"`
	Counterparty    CounterpartyConfig `toml:"counterparty"`
	Data            DataConfig         `toml:"data"`
}

type RiskConfig struct {
	MaxDailyLossPct  float64 `toml:"max_daily_loss_pct"`
	MaxRejectRate    float64 `toml:"max_reject_rate"`
	RejectWindow     int     `toml:"reject_window"`
	MinRejectSamples int     `toml:"min_reject_samples"`
	MaxExposurePct   float64 `toml:"max_exposure_pct"`
}

type CounterpartyConfig struct {
	MaxLatencyMs       int `toml:"max_latency_ms"`
	MaxHeartbeatAgeSec int `toml:"max_heartbeat_age_sec"`
}

type DataConfig struct {
	MaxSpreadPct       float64 `toml:"max_spread_pct"`
	MaxStaleSec        int     `toml:"max_stale_sec"`
	MaxCorruptedTicks  int     `toml:"max_corrupted_ticks"`
	CorruptedWindowSec int     `toml:"corrupted_window_sec"`
}

type SimulatorConfig struct {
	FillProbability float64 `toml:"fill_probability"`
	SlippageBpsMean float64 `toml:"slippage_bps_mean"`
	SlippageBpsStd  float64 `toml:"slippage_bps_std"`
	CommissionRate  float64 `toml:"commission_rate"`
	MaxHoldSec      int     `toml:"max_hold_sec"`
	Seed            uint64  `toml:"seed"`
	// Gate 让模拟适配器自己检查 interlock（paper 模式下由 coordinator 负责）。
	Gate bool `toml:"gate"`
}

type LiveConfig struct {
	Venue                string  `toml:"venue"`
	APIKey               string  `toml:"api_key"`
	APISecret            string  `toml:"api_secret"`
	BaseURL              string  `toml:"base_url"`
	TimeoutMs            int     `toml:"timeout_ms"`
	MaxAttempts          int     `toml:"max_attempts"`
	BackoffBaseMs        int     `toml:"backoff_base_ms"`
	BackoffMaxMs         int     `toml:"backoff_max_ms"`
	RatePerSec           float64 `toml:"rate_per_sec"`
	PingIntervalSec      int     `toml:"ping_interval_sec"`
	ReconcileIntervalSec int     `toml:"reconcile_interval_sec"`
	BreakerThreshold     int     `toml:"breaker_threshold"`
	BreakerCooldownSec   int     `toml:"breaker_cooldown_sec"`
}

type RefStoreConfig struct {
	// Driver 为 sqlite 或 redis。
	Driver  string      `toml:"driver"`
	Path    string      `toml:"path"`
	Session string      `toml:"session"`
	Redis   RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type AuditConfig struct {
	Path  string      `toml:"path"`
	Kafka KafkaConfig `toml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type MarketConfig struct {
	Symbols     []string `toml:"symbols"`
	Interval    string   `toml:"interval"`
	RESTBaseURL string   `toml:"rest_base_url"`
}

type ReplayConfig struct {
	Files []string `toml:"files"`
}

type StrategyConfig struct {
	OFIThreshold float64 `toml:"ofi_threshold"`
	CVDConfirm   bool    `toml:"cvd_confirm"`
	EMAPeriod    int     `toml:"ema_period"`
	MaxInformed  float64 `toml:"max_informed"`
	Size         float64 `toml:"size"`
	StopPct      float64 `toml:"stop_pct"`
	TakePct      float64 `toml:"take_pct"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
