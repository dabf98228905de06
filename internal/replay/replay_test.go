package replay

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/coordinator"
	"tradecore/internal/execution"
	"tradecore/internal/feature"
	"tradecore/internal/interlock"
	"tradecore/internal/market"
	"tradecore/internal/pipeline"
	"tradecore/internal/pkg/clock"
	"tradecore/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func factory(strat func() strategy.Strategy) Factory {
	return func() (*Stack, error) {
		clk := clock.NewManual(t0)
		il, err := interlock.New(interlock.Config{
			Thresholds: interlock.Thresholds{
				Risk: interlock.RiskThresholds{MaxDailyLossPct: 10, MaxRejectRate: 0.6, RejectWindow: 20, MinRejectSamples: 10, MaxExposurePct: 1000},
				Counterparty: interlock.CounterpartyThresholds{
					MaxLatency: time.Second, MaxHeartbeatAge: 10 * time.Minute,
				},
				Data: interlock.DataThresholds{MaxSpreadPct: 1, MaxStale: 10 * time.Minute, MaxCorruptedTicks: 3, CorruptedWindow: time.Minute},
			},
			InitialEquity:   10_000,
			OperatorEnabled: true,
			Clock:           clk,
		})
		if err != nil {
			return nil, err
		}
		sim, err := execution.NewSimulatedAdapter(execution.SimConfig{
			InitialBalance: 10_000, FillProbability: 0.9, SlippageBpsMean: 1, SlippageBpsStd: 2,
			CommissionRate: 0.0004, Seed: 42, Clock: clk,
		})
		if err != nil {
			return nil, err
		}
		coord, err := coordinator.New(coordinator.Config{
			Adapter: sim, Interlock: il, Clock: clk, Mode: "research", InitialBalance: 10_000, Gate: true,
		})
		if err != nil {
			return nil, err
		}
		runner, err := pipeline.NewRunner(pipeline.Config{
			Engine:      feature.NewEngine(feature.Config{WindowBars: 10, MinBars: 10, BucketVolume: 500, BucketHistory: 10}),
			Strategy:    strat(),
			Coordinator: coord,
			Health:      il,
			ReplayClock: clk,
			PingEachBar: true,
		})
		if err != nil {
			return nil, err
		}
		return &Stack{Clock: clk, Runner: runner, Coordinator: coord}, nil
	}
}

func flow() strategy.Strategy {
	cfg := strategy.DefaultFlowConfig()
	cfg.EMAPeriod = 5
	cfg.OFIThreshold = 0.2
	cfg.Size = 1
	return strategy.NewFlowStrategy(cfg)
}

// wave produces two instruments with interleaved close times and a price
// path that swings enough to open and close positions.
func wave(n int) []market.Bar {
	var bars []market.Bar
	for i := 0; i < n; i++ {
		for k, inst := range []string{"ETHUSDT", "BTCUSDT"} {
			base := 100.0 * float64(k+1)
			px := base + 10*math.Sin(float64(i)/4) + float64(i%3)
			bars = append(bars, market.Bar{
				Instrument: inst,
				Interval:   "1m",
				OpenTime:   t0.Add(time.Duration(i) * time.Minute),
				CloseTime:  t0.Add(time.Duration(i+1) * time.Minute),
				Open:       px, High: px + 1, Low: px - 1, Close: px,
				Volume: 50 + float64((i*7)%40),
			})
		}
	}
	return bars
}

func TestHarnessRunProducesReport(t *testing.T) {
	stack, err := factory(flow)()
	require.NoError(t, err)
	h, err := New(stack)
	require.NoError(t, err)

	bars := wave(120)
	rep, err := h.Run(context.Background(), bars)
	require.NoError(t, err)
	assert.Equal(t, len(bars), rep.Bars)
	assert.Len(t, rep.Steps, len(bars))
	assert.Empty(t, rep.Errors)
	assert.NotEmpty(t, rep.RunID)
	assert.True(t, rep.Start.Equal(t0.Add(time.Minute)))
	assert.True(t, rep.End.Equal(t0.Add(120*time.Minute)))
	assert.Greater(t, rep.TradeCount, 0)
	assert.GreaterOrEqual(t, rep.MaxDrawdown, 0.0)
	assert.Less(t, rep.MaxDrawdown, 1.0)
	assert.Equal(t, rep.Stats.Balance, rep.FinalBalance)

	// bars are processed in (close time, instrument) order
	assert.Equal(t, "BTCUSDT", rep.Steps[0].Bar.Instrument)
	assert.Equal(t, "ETHUSDT", rep.Steps[1].Bar.Instrument)
	assert.True(t, stack.Clock.Now().Equal(rep.End))
}

func TestHarnessRecordsBadBarsAndContinues(t *testing.T) {
	stack, err := factory(flow)()
	require.NoError(t, err)
	h, err := New(stack)
	require.NoError(t, err)

	bars := wave(5)
	bad := bars[3]
	bad.Close = -1
	bars[3] = bad
	rep, err := h.Run(context.Background(), bars)
	require.NoError(t, err)
	require.Len(t, rep.Errors, 1)
	assert.Len(t, rep.Steps, len(bars)-1)
}

func TestHarnessStopsOnCancel(t *testing.T) {
	stack, err := factory(flow)()
	require.NoError(t, err)
	h, err := New(stack)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Run(ctx, wave(3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() Report {
		stack, err := factory(flow)()
		require.NoError(t, err)
		h, err := New(stack)
		require.NoError(t, err)
		rep, err := h.Run(context.Background(), wave(80))
		require.NoError(t, err)
		return rep
	}
	a, b := run(), run()
	assert.Equal(t, a.Steps, b.Steps)
	assert.Equal(t, a.Stats, b.Stats)
	assert.Equal(t, a.MaxDrawdown, b.MaxDrawdown)
}

func TestVerifyParity(t *testing.T) {
	bars := wave(150)
	rep, err := VerifyParity(context.Background(), bars, factory(flow))
	require.NoError(t, err)
	assert.True(t, rep.Equal(), "divergence: %+v", rep.Divergence)
	assert.Equal(t, len(bars), rep.Compared)
}

func TestVerifyParityIncludesBadBars(t *testing.T) {
	bars := wave(20)
	bars[7].High = bars[7].Low - 5
	rep, err := VerifyParity(context.Background(), bars, factory(flow))
	require.NoError(t, err)
	assert.True(t, rep.Equal(), "divergence: %+v", rep.Divergence)
}

func TestCompareReportsFirstDivergence(t *testing.T) {
	a := outcome{step: pipeline.Step{Snapshot: feature.Snapshot{OrderFlowImbalance: 0.1}}}
	b := outcome{step: pipeline.Step{Snapshot: feature.Snapshot{OrderFlowImbalance: 0.2}}}
	d := compare(4, a, b)
	require.NotNil(t, d)
	assert.Equal(t, 4, d.Index)
	assert.Equal(t, "snapshot", d.Field)
	assert.Nil(t, compare(0, a, a))
	assert.Equal(t, "error", compare(0, a, outcome{err: "x"}).Field)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "btc.jsonl")
	b := filepath.Join(dir, "eth.jsonl")
	require.NoError(t, os.WriteFile(a, []byte(
		"# btc\n"+
			`{"instrument":"btc/usdt","interval":"1m","open_time":1717372800000,"close_time":1717372860000,"open":100,"high":101,"low":99,"close":100.5,"volume":12}`+"\n"+
			"\n"+
			`{"instrument":"BTCUSDT","close_time":"2024-06-03T00:02:00Z","open":"100.5","high":"102","low":"100","close":"101.5","volume":"8.25"}`+"\n"),
		0o644))
	require.NoError(t, os.WriteFile(b, []byte(
		`{"instrument":"ETHUSDT","close_time":1717372860000,"open":10,"high":11,"low":9,"close":10,"volume":3}`+"\n"),
		0o644))

	bars, err := LoadFiles(context.Background(), []string{a, b})
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, "BTCUSDT", bars[0].Instrument)
	assert.Equal(t, "ETHUSDT", bars[1].Instrument)
	assert.True(t, bars[0].CloseTime.Equal(time.Date(2024, 6, 3, 0, 1, 0, 0, time.UTC)))
	assert.Equal(t, 8.25, bars[2].Volume)
	assert.Equal(t, 101.5, bars[2].Close)
}

func TestParseBarRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing close":   `{"instrument":"BTCUSDT","close_time":1,"open":1,"high":1,"low":1,"volume":1}`,
		"wrong type":      `{"instrument":"BTCUSDT","close_time":1,"open":true,"high":1,"low":1,"close":1,"volume":1}`,
		"not json":        `{"instrument":`,
		"bad number text": `{"instrument":"BTCUSDT","close_time":1,"open":"abc","high":1,"low":1,"close":1,"volume":1}`,
		"bad time":        `{"instrument":"BTCUSDT","close_time":"yesterday","open":1,"high":1,"low":1,"close":1,"volume":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBar(raw)
			assert.Error(t, err)
		})
	}
}

func TestLoadJSONLReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"instrument\":\"X\"}\n"), 0o644))
	_, err := LoadJSONL(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.jsonl:1")

	_, err = LoadFiles(context.Background(), []string{filepath.Join(t.TempDir(), "missing.jsonl")})
	assert.Error(t, err)
}
