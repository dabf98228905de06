package feature

import (
	"math"
	"sync"
	"testing"
	"time"

	"tradecore/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func makeBars(instrument string, closes, volumes []float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	for i := range closes {
		open := t0.Add(time.Duration(i) * time.Minute)
		bars[i] = market.Bar{
			Instrument: instrument,
			Interval:   "1m",
			OpenTime:   open,
			CloseTime:  open.Add(time.Minute),
			Open:       closes[i],
			High:       closes[i] + 1,
			Low:        closes[i] - 1,
			Close:      closes[i],
			Volume:     volumes[i],
		}
	}
	return bars
}

// zigzag produces a deterministic price path with up, down and flat moves.
func zigzag(n int) ([]float64, []float64) {
	closes := make([]float64, n)
	volumes := make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		switch i % 5 {
		case 0, 1:
			price += 1.5
		case 2:
			price -= 2
		case 3:
			// unchanged
		case 4:
			price += 0.25
		}
		closes[i] = price
		volumes[i] = float64(1000 + (i*37)%900)
	}
	return closes, volumes
}

func TestComputeColdStartReturnsNeutral(t *testing.T) {
	e := NewEngine(DefaultConfig())
	bars := makeBars("BTCUSDT", []float64{100, 101, 99}, []float64{10, 20, 30})

	snap, err := e.Compute("BTCUSDT", bars)
	require.NoError(t, err)
	assert.Equal(t, NeutralSnapshot("BTCUSDT", bars[2].CloseTime, 3), snap)
	assert.Equal(t, 0.0, snap.OrderFlowImbalance)
	assert.Equal(t, 0.0, snap.CumulativeSignedVolume)
	assert.Equal(t, 0.5, snap.InformedTradeProbability)
	assert.False(t, snap.Warm)
}

func TestComputeColdStartErrorPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ColdStart = ColdStartError
	e := NewEngine(cfg)
	bars := makeBars("BTCUSDT", []float64{100, 101, 99}, []float64{10, 20, 30})

	_, err := e.Compute("BTCUSDT", bars)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestComputeRejectsBadWindows(t *testing.T) {
	e := NewEngine(DefaultConfig())
	bars := makeBars("BTCUSDT", []float64{100, 101, 99}, []float64{10, 20, 30})

	t.Run("unordered", func(t *testing.T) {
		swapped := []market.Bar{bars[1], bars[0], bars[2]}
		_, err := e.Compute("BTCUSDT", swapped)
		assert.ErrorIs(t, err, ErrUnorderedWindow)
	})
	t.Run("duplicate close time", func(t *testing.T) {
		dup := []market.Bar{bars[0], bars[0]}
		_, err := e.Compute("BTCUSDT", dup)
		assert.ErrorIs(t, err, ErrUnorderedWindow)
	})
	t.Run("foreign instrument", func(t *testing.T) {
		_, err := e.Compute("ETHUSDT", bars)
		assert.ErrorIs(t, err, ErrInstrumentMismatch)
	})
	for name, v := range map[string]float64{"inf volume": math.Inf(1), "nan volume": math.NaN(), "negative volume": -1} {
		t.Run(name, func(t *testing.T) {
			bad := append([]market.Bar(nil), bars...)
			bad[2].Volume = v
			_, err := e.Compute("BTCUSDT", bad)
			assert.ErrorIs(t, err, ErrBadVolume)
		})
	}
}

func TestComputeHugeVolumeReturns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBars = 2
	cfg.WindowBars = 2
	e := NewEngine(cfg)
	bars := makeBars("X", []float64{10, 20}, []float64{10, 1e21})
	for _, b := range bars {
		require.NoError(t, b.Validate())
	}

	done := make(chan Snapshot, 1)
	go func() {
		snap, err := e.Compute("X", bars)
		assert.NoError(t, err)
		done <- snap
	}()
	select {
	case snap := <-done:
		assert.InDelta(t, 1.0, snap.InformedTradeProbability, 1e-9)
		assert.False(t, math.IsNaN(snap.OrderFlowImbalance))
	case <-time.After(5 * time.Second):
		t.Fatal("Compute did not return")
	}
	assert.Equal(t, cfg.BucketHistory, e.CompletedBuckets("X"))
}

func TestCumulativeSignedVolumeRollingLaw(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	closes, volumes := zigzag(40)
	bars := makeBars("BTCUSDT", closes, volumes)

	signed := func(i int) float64 {
		switch {
		case bars[i].Close > bars[i-1].Close:
			return bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			return -bars[i].Volume
		}
		return 0
	}

	lookback := e.Lookback()
	require.Equal(t, cfg.WindowBars+1, lookback)

	end := lookback
	first, err := e.Compute("BTCUSDT", bars[end-lookback:end])
	require.NoError(t, err)
	want := 0.0
	for i := end - cfg.WindowBars; i < end; i++ {
		want += signed(i)
	}
	assert.Equal(t, want, first.CumulativeSignedVolume)

	for end = lookback + 1; end <= len(bars); end++ {
		next, err := e.Compute("BTCUSDT", bars[end-lookback:end])
		require.NoError(t, err)
		vNew := signed(end - 1)
		vOld := signed(end - 1 - cfg.WindowBars)
		assert.InDelta(t, first.CumulativeSignedVolume+vNew-vOld, next.CumulativeSignedVolume, 1e-9, "end=%d", end)
		first = next
	}
}

func TestOrderFlowImbalanceBounds(t *testing.T) {
	e := NewEngine(DefaultConfig())

	up := make([]float64, 21)
	vol := make([]float64, 21)
	for i := range up {
		up[i] = 100 + float64(i)
		vol[i] = 5
	}
	snap, err := e.Compute("UP", makeBars("UP", up, vol))
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.OrderFlowImbalance)
	assert.Equal(t, 100.0, snap.CumulativeSignedVolume)

	flat := make([]float64, 21)
	for i := range flat {
		flat[i] = 100
	}
	snap, err = e.Compute("FLAT", makeBars("FLAT", flat, vol))
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.OrderFlowImbalance)
	assert.Equal(t, 0.0, snap.CumulativeSignedVolume)
}

func TestInformedProbabilityDefaultAndBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketVolume = 1000
	cfg.BucketHistory = 5
	e := NewEngine(cfg)

	closes, volumes := zigzag(120)
	bars := makeBars("BTCUSDT", closes, volumes)

	// 20 bars of 1 volume each never fill a bucket.
	tiny := make([]float64, 20)
	for i := range tiny {
		tiny[i] = 1
	}
	quiet, err := NewEngine(cfg).Compute("BTCUSDT", makeBars("BTCUSDT", closes[:20], tiny))
	require.NoError(t, err)
	assert.True(t, quiet.Warm)
	assert.Equal(t, NeutralInformedProbability, quiet.InformedTradeProbability)
	assert.True(t, quiet.InformedAsOf.IsZero())

	lookback := e.Lookback()
	for end := lookback; end <= len(bars); end++ {
		snap, err := e.Compute("BTCUSDT", bars[end-lookback:end])
		require.NoError(t, err)
		p := snap.InformedTradeProbability
		assert.False(t, math.IsNaN(p))
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		assert.False(t, snap.InformedAsOf.After(snap.AsOf), "informed as-of must not be in the future")
	}
	assert.Greater(t, e.CompletedBuckets("BTCUSDT"), 0)
}

func TestBucketSpillKeepsBuyShare(t *testing.T) {
	acc := newBucketAccumulator(100, 10)
	acc.add(250, 0, t0)
	require.Equal(t, 2, acc.completed())
	assert.InDelta(t, 1.0, acc.probability(), 1e-9)
	assert.InDelta(t, 50, acc.buy, 1e-9)

	acc.add(0, 50, t0.Add(time.Minute))
	require.Equal(t, 3, acc.completed())
	// third bucket is 50 buy / 50 sell
	assert.InDelta(t, 2.0/3.0, acc.probability(), 1e-9)
	assert.Equal(t, t0.Add(time.Minute), acc.lastCompleted)
}

func TestBucketManyWholeBucketsInOneBar(t *testing.T) {
	acc := newBucketAccumulator(100, 4)
	acc.add(30, 0, t0)
	// 30 已在桶里, 再来 1030: 补满 1 个, 整桶 9 个只留 4 个, 余 60
	acc.add(515, 515, t0.Add(time.Minute))
	require.Equal(t, 4, acc.completed())
	assert.InDelta(t, 60, acc.buy+acc.sell, 1e-9)
	assert.InDelta(t, 30, acc.buy, 1e-9)
	assert.InDelta(t, 0.0, acc.probability(), 1e-9)

	acc.add(math.Inf(1), 0, t0.Add(2*time.Minute))
	assert.InDelta(t, 60, acc.buy+acc.sell, 1e-9)
}

func TestOverlappingWindowsConsumeOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketVolume = 10_000
	closes, volumes := zigzag(30)
	bars := makeBars("BTCUSDT", closes, volumes)

	a := NewEngine(cfg)
	_, err := a.Compute("BTCUSDT", bars[:25])
	require.NoError(t, err)
	_, err = a.Compute("BTCUSDT", bars[:25])
	require.NoError(t, err)
	again, err := a.Compute("BTCUSDT", bars[4:30])
	require.NoError(t, err)

	b := NewEngine(cfg)
	_, err = b.Compute("BTCUSDT", bars[:25])
	require.NoError(t, err)
	once, err := b.Compute("BTCUSDT", bars[4:30])
	require.NoError(t, err)

	assert.Equal(t, once, again)
	assert.Equal(t, a.CompletedBuckets("BTCUSDT"), b.CompletedBuckets("BTCUSDT"))
}

func TestComputeIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketVolume = 3000
	closes, volumes := zigzag(80)
	bars := makeBars("BTCUSDT", closes, volumes)

	run := func() []Snapshot {
		e := NewEngine(cfg)
		out := make([]Snapshot, 0, len(bars))
		for end := 1; end <= len(bars); end++ {
			start := end - e.Lookback()
			if start < 0 {
				start = 0
			}
			snap, err := e.Compute("BTCUSDT", bars[start:end])
			require.NoError(t, err)
			out = append(out, snap)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestResetDropsInstrumentState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketVolume = 1000
	e := NewEngine(cfg)
	closes, volumes := zigzag(21)
	_, err := e.Compute("BTCUSDT", makeBars("BTCUSDT", closes, volumes))
	require.NoError(t, err)
	require.Greater(t, e.CompletedBuckets("BTCUSDT"), 0)

	e.Reset("BTCUSDT")
	assert.Equal(t, 0, e.CompletedBuckets("BTCUSDT"))
}

func TestInstrumentsComputeInParallel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketVolume = 2000
	closes, volumes := zigzag(60)
	instruments := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}

	e := NewEngine(cfg)
	results := make(map[string]Snapshot)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, inst := range instruments {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			bars := makeBars(inst, closes, volumes)
			var last Snapshot
			for end := e.Lookback(); end <= len(bars); end++ {
				snap, err := e.Compute(inst, bars[end-e.Lookback():end])
				if err != nil {
					t.Error(err)
					return
				}
				last = snap
			}
			mu.Lock()
			results[inst] = last
			mu.Unlock()
		}(inst)
	}
	wg.Wait()

	ref := results["BTCUSDT"]
	for _, inst := range instruments {
		got := results[inst]
		assert.Equal(t, ref.InformedTradeProbability, got.InformedTradeProbability, inst)
		assert.Equal(t, ref.CumulativeSignedVolume, got.CumulativeSignedVolume, inst)
	}
}
