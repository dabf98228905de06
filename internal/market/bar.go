package market

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidBar = errors.New("invalid bar")
)

// Bar is one closed OHLCV interval for a single instrument. Bars are values
// and are never modified after they are produced.
type Bar struct {
	Instrument string    `json:"instrument"`
	Interval   string    `json:"interval"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// Validate rejects bars that cannot feed the feature engine.
func (b Bar) Validate() error {
	if strings.TrimSpace(b.Instrument) == "" {
		return fmt.Errorf("%w: instrument is empty", ErrInvalidBar)
	}
	if b.CloseTime.IsZero() {
		return fmt.Errorf("%w: %s close_time is zero", ErrInvalidBar, b.Instrument)
	}
	if !b.OpenTime.IsZero() && b.CloseTime.Before(b.OpenTime) {
		return fmt.Errorf("%w: %s close_time before open_time", ErrInvalidBar, b.Instrument)
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s non-positive price", ErrInvalidBar, b.Instrument)
		}
	}
	if b.High < b.Low {
		return fmt.Errorf("%w: %s high below low", ErrInvalidBar, b.Instrument)
	}
	if b.Volume < 0 || math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) {
		return fmt.Errorf("%w: %s volume must be finite and non-negative", ErrInvalidBar, b.Instrument)
	}
	return nil
}

// Quote is a top-of-book observation used for data integrity checks.
type Quote struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Last       float64   `json:"last"`
	Time       time.Time `json:"time"`
}

func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return q.Last
	}
	return (q.Bid + q.Ask) / 2
}

// SpreadPct returns the bid/ask spread as a percentage of mid.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 100
}

// NormalizeInstrument upper-cases and strips separators ("btc/usdt" -> "BTCUSDT").
func NormalizeInstrument(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}
