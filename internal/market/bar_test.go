package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarValidate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)
	good := Bar{Instrument: "BTCUSDT", CloseTime: ts, OpenTime: ts.Add(-time.Minute), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 3}
	require.NoError(t, good.Validate())

	cases := map[string]func(b *Bar){
		"empty instrument": func(b *Bar) { b.Instrument = "" },
		"zero close time":  func(b *Bar) { b.CloseTime = time.Time{} },
		"negative price":   func(b *Bar) { b.Low = -1 },
		"high below low":   func(b *Bar) { b.High = 8 },
		"negative volume":  func(b *Bar) { b.Volume = -2 },
		"infinite volume":  func(b *Bar) { b.Volume = math.Inf(1) },
		"NaN volume":       func(b *Bar) { b.Volume = math.NaN() },
		"inverted times":   func(b *Bar) { b.OpenTime = ts.Add(time.Hour) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := good
			mutate(&b)
			assert.ErrorIs(t, b.Validate(), ErrInvalidBar)
		})
	}
}

func TestQuoteSpread(t *testing.T) {
	q := Quote{Bid: 99, Ask: 101}
	assert.InDelta(t, 100.0, q.Mid(), 1e-9)
	assert.InDelta(t, 2.0, q.SpreadPct(), 1e-9)

	onlyLast := Quote{Last: 50}
	assert.Equal(t, 50.0, onlyLast.Mid())
}

func TestNormalizeInstrument(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeInstrument(" btc/usdt "))
	assert.Equal(t, "ETHUSDT", NormalizeInstrument("eth-usdt"))
}
