package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const thresholdsTOML = `
[interlock]
operator_enabled = true

[interlock.risk]
max_daily_loss_pct = 2.0
max_reject_rate = 0.3
reject_window = 50
min_reject_samples = 10
max_exposure_pct = 300.0

[interlock.counterparty]
max_latency_ms = 1500
max_heartbeat_age_sec = 30

[interlock.data]
max_spread_pct = 0.5
max_stale_sec = 120
max_corrupted_ticks = 0
corrupted_window_sec = 60
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writeConfig(t *testing.T, main string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "interlock.toml", thresholdsTOML)
	return writeFile(t, dir, "main.toml", main)
}

func TestLoadAppliesDefaultsAndIncludes(t *testing.T) {
	path := writeConfig(t, `
include = ["interlock.toml"]

[app]
mode = "paper"

[market]
symbols = ["btc/usdt", "ETHUSDT", "BTCUSDT"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.App.Mode)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 10_000.0, cfg.Account.InitialBalance)
	assert.Equal(t, 20, cfg.Feature.WindowBars)
	assert.Equal(t, "neutral", cfg.Feature.ColdStart)
	assert.Equal(t, 1.0, cfg.Simulator.FillProbability)
	assert.Equal(t, "sqlite", cfg.RefStore.Driver)
	assert.True(t, cfg.Strategy.CVDConfirm)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Market.Symbols)

	assert.True(t, cfg.Interlock.OperatorEnabled)
	assert.Equal(t, 1500, cfg.Interlock.Counterparty.MaxLatencyMs)
	assert.Equal(t, 0, cfg.Interlock.Data.MaxCorruptedTicks)
}

func TestExplicitZeroIsKept(t *testing.T) {
	path := writeConfig(t, `
include = ["interlock.toml"]
[app]
mode = "paper"
[simulator]
commission_rate = 0
[strategy]
cvd_confirm = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Simulator.CommissionRate)
	assert.False(t, cfg.Strategy.CVDConfirm)
}

func TestMissingThresholdIsAnError(t *testing.T) {
	dir := t.TempDir()
	body := strings.Replace(thresholdsTOML, "max_stale_sec = 120\n", "", 1)
	writeFile(t, dir, "interlock.toml", body)
	path := writeFile(t, dir, "main.toml", "include = [\"interlock.toml\"]\n[app]\nmode = \"paper\"\n")

	_, err := Load(path)
	require.Error(t, err)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "interlock.data.max_stale_sec", cerr.Key)
}

func TestInvalidThresholdValue(t *testing.T) {
	dir := t.TempDir()
	body := strings.Replace(thresholdsTOML, "max_reject_rate = 0.3", "max_reject_rate = 1.5", 1)
	writeFile(t, dir, "interlock.toml", body)
	path := writeFile(t, dir, "main.toml", "include = [\"interlock.toml\"]\n[app]\nmode = \"paper\"\n")

	_, err := Load(path)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "interlock.risk.max_reject_rate", cerr.Key)
}

func TestModeOverrideAndValidation(t *testing.T) {
	path := writeConfig(t, "include = [\"interlock.toml\"]\n[app]\nmode = \"paper\"\n")

	_, err := LoadMode(path, "research")
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "replay.files", cerr.Key)

	_, err = LoadMode(path, "live")
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "live.api_key", cerr.Key)

	_, err = LoadMode(path, "yolo")
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "app.mode", cerr.Key)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Live ")
	require.NoError(t, err)
	assert.Equal(t, ModeLive, m)
	_, err = ParseMode("")
	assert.Error(t, err)
}

func TestLiveSecretsFromEnvAreRedactedInDump(t *testing.T) {
	t.Setenv("TRADECORE_LIVE_API_KEY", "key-123")
	t.Setenv("TRADECORE_LIVE_API_SECRET", "secret-456")
	path := writeConfig(t, `
include = ["interlock.toml"]
[app]
mode = "live"
[market]
symbols = ["BTCUSDT"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-123", cfg.Live.APIKey)
	assert.Equal(t, "https://fapi.binance.com", cfg.Market.RESTBaseURL)
	assert.Equal(t, 10, cfg.Live.ReconcileIntervalSec)

	out, err := Dump(cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "secret-456")
	assert.NotContains(t, out, "key-123")

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	live := doc["live"].(map[string]any)
	assert.Equal(t, "***", live["api_secret"])
	assert.Equal(t, "binance", live["venue"])
	assert.Equal(t, "key-123", cfg.Live.APIKey, "dump must not modify the config")
}

func TestLiveReconcileInterval(t *testing.T) {
	t.Setenv("TRADECORE_LIVE_API_KEY", "k")
	t.Setenv("TRADECORE_LIVE_API_SECRET", "s")
	base := "include = [\"interlock.toml\"]\n[app]\nmode = \"live\"\n[market]\nsymbols = [\"BTCUSDT\"]\n[live]\n"

	cfg, err := Load(writeConfig(t, base+"reconcile_interval_sec = 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Live.ReconcileIntervalSec, "explicit zero keeps startup-only reconcile")

	_, err = Load(writeConfig(t, base+"reconcile_interval_sec = -1\n"))
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "live.reconcile_interval_sec", cerr.Key)
}

func TestRefStoreAndAuditValidation(t *testing.T) {
	path := writeConfig(t, `
include = ["interlock.toml"]
[app]
mode = "paper"
[refstore]
driver = "redis"
`)
	_, err := Load(path)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "refstore.redis.addr", cerr.Key)

	path = writeConfig(t, `
include = ["interlock.toml"]
[app]
mode = "paper"
[audit.kafka]
enabled = true
`)
	_, err = Load(path)
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "audit.kafka.brokers", cerr.Key)
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.toml", "include = [\"b.toml\"]\n")
	writeFile(t, dir, "b.toml", "include = [\"a.toml\"]\n")
	_, err := Load(filepath.Join(dir, "a.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	body := "[app]\nmode = \"paper\"\n" + thresholdsTOML
	path := writeFile(t, dir, "main.toml", body)

	var latest atomic.Value
	require.NoError(t, Watch(path, "", func(cfg *Config) { latest.Store(cfg.Interlock.Risk.MaxDailyLossPct) }))

	updated := strings.Replace(body, "max_daily_loss_pct = 2.0", "max_daily_loss_pct = 3.5", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.Eventually(t, func() bool {
		v, ok := latest.Load().(float64)
		return ok && v == 3.5
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchRequiresListener(t *testing.T) {
	assert.Error(t, Watch("", "", func(*Config) {}))
	assert.Error(t, Watch("x.toml", "", nil))
}
