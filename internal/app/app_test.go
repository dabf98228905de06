package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradecore/internal/config"
	"tradecore/internal/execution"
	"tradecore/internal/market"
	"tradecore/internal/replay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const interlockTOML = `
[interlock]
operator_enabled = true

[interlock.risk]
max_daily_loss_pct = 10
max_reject_rate = 0.6
reject_window = 20
min_reject_samples = 10
max_exposure_pct = 1000

[interlock.counterparty]
max_latency_ms = 1000
max_heartbeat_age_sec = 600

[interlock.data]
max_spread_pct = 1
max_stale_sec = 600
max_corrupted_ticks = 3
corrupted_window_sec = 60
`

// writeBars writes a swinging price path, one JSON object per line.
func writeBars(t *testing.T, dir, instrument string, base float64, n int) string {
	t.Helper()
	t0 := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		px := base + 10*math.Sin(float64(i)/4) + float64(i%3)
		fmt.Fprintf(&sb, `{"instrument":%q,"interval":"1m","open_time":%d,"close_time":%d,"open":%g,"high":%g,"low":%g,"close":%g,"volume":%d}`+"\n",
			instrument,
			t0.Add(time.Duration(i)*time.Minute).UnixMilli(),
			t0.Add(time.Duration(i+1)*time.Minute).UnixMilli(),
			px, px+1, px-1, px, 50+(i*7)%40)
	}
	path := filepath.Join(dir, strings.ToLower(instrument)+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func loadConfig(t *testing.T, mode, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	btc := writeBars(t, dir, "BTCUSDT", 200, 120)
	eth := writeBars(t, dir, "ETHUSDT", 100, 120)
	body := fmt.Sprintf(`
[app]
mode = %q
http_addr = "127.0.0.1:0"

[audit]
path = %q

[refstore]
path = %q

[feature]
window_bars = 10
min_bars = 10
bucket_volume = 500
bucket_history = 10

[simulator]
fill_probability = 0.9
slippage_bps_mean = 1
slippage_bps_std = 2
commission_rate = 0.0004
seed = 42

[market]
symbols = ["BTCUSDT", "ETHUSDT"]

[replay]
files = [%q, %q]

[strategy]
ofi_threshold = 0.2
ema_period = 5
size = 1
%s
%s`, mode, filepath.Join(dir, "audit.db"), filepath.Join(dir, "refs.db"), btc, eth, interlockTOML, extra)
	path := filepath.Join(dir, "tradecore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestResearchRunReplaysFilesAndChecksParity(t *testing.T) {
	cfg := loadConfig(t, "research", "")
	a, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	var (
		got    replay.Report
		parity *replay.ParityReport
	)
	a.VerifyParity = true
	a.OnReport = func(r replay.Report, p *replay.ParityReport) { got, parity = r, p }
	a.Summary = nil

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 240, got.Bars)
	assert.Empty(t, got.Errors)
	assert.Greater(t, got.TradeCount, 0)
	require.NotNil(t, parity)
	assert.True(t, parity.Equal())
	assert.Equal(t, 240, parity.Compared)

	records, err := a.auditStore.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	assert.Equal(t, "research", records[0].Mode)
}

func TestResearchRunIsDeterministic(t *testing.T) {
	run := func() replay.Report {
		cfg := loadConfig(t, "research", "")
		a, err := NewApp(cfg)
		require.NoError(t, err)
		defer a.Close()
		var rep replay.Report
		a.OnReport = func(r replay.Report, _ *replay.ParityReport) { rep = r }
		a.Summary = nil
		require.NoError(t, a.Run(context.Background()))
		return rep
	}
	first, second := run(), run()
	assert.Equal(t, first.FinalEquity, second.FinalEquity)
	assert.Equal(t, first.TradeCount, second.TradeCount)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestResearchMissingFileFails(t *testing.T) {
	cfg := loadConfig(t, "research", "")
	cfg.Replay.Files = []string{filepath.Join(t.TempDir(), "missing.jsonl")}
	a, err := NewApp(cfg)
	require.NoError(t, err)
	defer a.Close()
	a.Summary = nil
	assert.Error(t, a.Run(context.Background()))
}

func paperBuilder(t *testing.T, cfg *config.Config, bars chan market.Bar) *App {
	t.Helper()
	b := NewAppBuilder(cfg, nil, WithSource(func(config.Config) (market.Source, error) {
		return market.NewChannelSource(bars, nil), nil
	}))
	a, err := b.Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPaperModeWiresOpsAPI(t *testing.T) {
	cfg := loadConfig(t, "paper", "")
	a := paperBuilder(t, cfg, make(chan market.Bar))
	require.NotNil(t, a.Interlock())
	require.NotNil(t, a.Coordinator())
	assert.Equal(t, "simulated", a.Coordinator().Adapter().Name())
	assert.Equal(t, "coordinator", a.Summary.Gate)
	assert.NotContains(t, a.Summary.Effective, "api_secret: secret")

	srv := httptest.NewServer(a.http.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ops/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPaperModeRunsUntilCancelled(t *testing.T) {
	cfg := loadConfig(t, "paper", "")
	bars := make(chan market.Bar)
	a := paperBuilder(t, cfg, bars)
	a.Summary = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t0 := time.Now().UTC().Truncate(time.Minute)
	for i := 0; i < 3; i++ {
		bars <- market.Bar{
			Instrument: "BTCUSDT", Interval: "1m",
			OpenTime: t0.Add(time.Duration(i) * time.Minute), CloseTime: t0.Add(time.Duration(i+1) * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 10,
		}
	}
	require.Eventually(t, func() bool {
		return !a.Interlock().State().LastTickTime.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApplyConfigUpdatesThresholds(t *testing.T) {
	cfg := loadConfig(t, "paper", "")
	a := paperBuilder(t, cfg, make(chan market.Bar))

	next := *cfg
	next.Interlock.Risk.MaxDailyLossPct = 4.5
	next.Interlock.OperatorEnabled = false
	a.ApplyConfig(&next)

	assert.Equal(t, 4.5, a.Interlock().Thresholds().Risk.MaxDailyLossPct)
	assert.False(t, a.Interlock().Permit().Permitted)

	bad := next
	bad.Interlock.Risk.MaxRejectRate = 2
	a.ApplyConfig(&bad)
	assert.Equal(t, 0.6, a.Interlock().Thresholds().Risk.MaxRejectRate)
}

func TestLiveModeVenueFailureClosesResources(t *testing.T) {
	t.Setenv("TRADECORE_LIVE_API_KEY", "k")
	t.Setenv("TRADECORE_LIVE_API_SECRET", "s")
	cfg := loadConfig(t, "live", "")

	boom := errors.New("venue down")
	b := NewAppBuilder(cfg, nil, WithVenue(func(config.Config) (execution.Venue, error) { return nil, boom }))
	_, err := b.Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestCoordinatorGate(t *testing.T) {
	cases := []struct {
		mode    config.Mode
		simGate bool
		want    bool
	}{
		{config.ModeResearch, false, true},
		{config.ModeResearch, true, false},
		{config.ModePaper, false, true},
		{config.ModePaper, true, false},
		{config.ModeLive, false, false},
	}
	for _, tc := range cases {
		var cfg config.Config
		cfg.App.Mode = tc.mode
		cfg.Simulator.Gate = tc.simGate
		assert.Equal(t, tc.want, coordinatorGate(cfg), "%s gate=%v", tc.mode, tc.simGate)
	}
}

func TestConfigConversions(t *testing.T) {
	cfg := loadConfig(t, "paper", "")
	th := thresholdsOf(cfg.Interlock)
	assert.Equal(t, time.Second, th.Counterparty.MaxLatency)
	assert.Equal(t, 10*time.Minute, th.Data.MaxStale)
	assert.Equal(t, time.Minute, th.Data.CorruptedWindow)
	assert.NoError(t, th.Validate())

	cfg.Feature.ColdStart = "error"
	assert.Equal(t, 10, engineConfig(cfg.Feature).WindowBars)
	assert.NotEqual(t, engineConfig(config.FeatureConfig{ColdStart: "neutral"}).ColdStart, engineConfig(cfg.Feature).ColdStart)
}
