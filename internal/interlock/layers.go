package interlock

import (
	"fmt"
	"time"

	"tradecore/internal/market"
)

// RecordOrderOutcome feeds the reject-rate window. Denials by the interlock
// itself are not venue outcomes and should not be recorded.
func (il *Interlock) RecordOrderOutcome(rejected bool) {
	il.mu.Lock()
	defer il.mu.Unlock()
	il.pushOutcome(rejected)
	il.evalRisk(il.clk.Now())
}

// RecordRealizedPnL adds a realized profit (positive) or loss (negative) to
// the current trading day.
func (il *Interlock) RecordRealizedPnL(delta float64) {
	il.mu.Lock()
	defer il.mu.Unlock()
	now := il.clk.Now()
	il.rollDay(now)
	il.dailyPnL += delta
	il.equity += delta
	il.evalRisk(now)
}

// UpdateExposure records the gross notional currently held and the marked
// equity it is measured against.
func (il *Interlock) UpdateExposure(gross, equity float64) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if gross < 0 {
		gross = -gross
	}
	il.grossExposure = gross
	if equity > 0 {
		il.equity = equity
	}
	il.evalRisk(il.clk.Now())
}

// ObservePing is a successful heartbeat from the venue.
func (il *Interlock) ObservePing(latency time.Duration, at time.Time) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if at.After(il.lastPing) {
		il.lastPing = at
	}
	if latency > il.th.Counterparty.MaxLatency {
		il.pingProblem = fmt.Sprintf("latency %s > %s", latency, il.th.Counterparty.MaxLatency)
	} else {
		il.pingProblem = ""
	}
	il.evalCounterparty(il.clk.Now())
}

func (il *Interlock) ObservePingFailure(err error, at time.Time) {
	il.mu.Lock()
	defer il.mu.Unlock()
	msg := "ping failed"
	if err != nil {
		msg = "ping failed: " + err.Error()
	}
	il.pingProblem = msg
	il.setLayer(LayerCounterparty, false, msg, il.clk.Now())
}

// ObserveQuote validates a top-of-book update. A violation trips the data
// layer until the next valid tick and is returned for logging.
func (il *Interlock) ObserveQuote(q market.Quote) error {
	il.mu.Lock()
	defer il.mu.Unlock()
	now := il.clk.Now()
	if v := il.checkQuote(q, now); v != nil {
		il.corruptedAt = append(il.corruptedAt, now)
		il.dataProblem = v.Error()
		il.evalData(now)
		return v
	}
	if q.Time.After(il.lastTick) {
		il.lastTick = q.Time
	}
	il.dataProblem = ""
	il.evalData(now)
	return nil
}

// ObserveTick marks valid market data at the given time without quote
// checks. Closed bars arrive through here.
func (il *Interlock) ObserveTick(at time.Time) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if at.After(il.lastTick) {
		il.lastTick = at
	}
	il.dataProblem = ""
	il.evalData(il.clk.Now())
}

func (il *Interlock) checkQuote(q market.Quote, now time.Time) *QuoteViolation {
	violation := func(kind ViolationKind, detail string) *QuoteViolation {
		return &QuoteViolation{Instrument: q.Instrument, Kind: kind, Detail: detail, At: q.Time}
	}
	switch {
	case q.Bid <= 0 || q.Ask <= 0:
		return violation(ViolationNonPositive, fmt.Sprintf("bid=%g ask=%g", q.Bid, q.Ask))
	case q.Bid >= q.Ask:
		return violation(ViolationCrossed, fmt.Sprintf("bid=%g >= ask=%g", q.Bid, q.Ask))
	case q.Time.IsZero():
		return violation(ViolationStale, "missing timestamp")
	}
	if spread := q.SpreadPct(); spread > il.th.Data.MaxSpreadPct {
		return violation(ViolationSpread, fmt.Sprintf("spread %.4f%% > %.4f%%", spread, il.th.Data.MaxSpreadPct))
	}
	if age := now.Sub(q.Time); age > il.th.Data.MaxStale {
		return violation(ViolationStale, fmt.Sprintf("age %s > %s", age, il.th.Data.MaxStale))
	}
	return nil
}

// rollDay starts a new trading day once the clock crosses UTC midnight. The
// new day starts from the equity the old one ended with.
func (il *Interlock) rollDay(now time.Time) {
	day := dayOf(now)
	if !day.After(il.tradingDay) {
		return
	}
	il.log.Info("new trading day", "day", day.Format("2006-01-02"), "prev_pnl", il.dailyPnL, "equity", il.equity)
	il.tradingDay = day
	il.dayStartEquity = il.equity
	il.dailyPnL = 0
}

func (il *Interlock) evalRisk(now time.Time) {
	il.rollDay(now)
	rt := il.th.Risk
	if il.dailyPnL < 0 && il.dayStartEquity > 0 {
		lossPct := -il.dailyPnL / il.dayStartEquity * 100
		if lossPct > rt.MaxDailyLossPct {
			il.setLayer(LayerRisk, false, fmt.Sprintf("daily loss %.2f%% > %.2f%%", lossPct, rt.MaxDailyLossPct), now)
			return
		}
	}
	if il.outcomeCount >= rt.MinRejectSamples {
		if rate := il.rejectRate(); rate > rt.MaxRejectRate {
			il.setLayer(LayerRisk, false, fmt.Sprintf("reject rate %.2f > %.2f over %d orders", rate, rt.MaxRejectRate, il.outcomeCount), now)
			return
		}
	}
	if il.equity > 0 {
		if exp := il.grossExposure / il.equity * 100; exp > rt.MaxExposurePct {
			il.setLayer(LayerRisk, false, fmt.Sprintf("exposure %.2f%% > %.2f%%", exp, rt.MaxExposurePct), now)
			return
		}
	} else if il.grossExposure > 0 {
		il.setLayer(LayerRisk, false, "exposure held with non-positive equity", now)
		return
	}
	il.setLayer(LayerRisk, true, "", now)
}

func (il *Interlock) evalCounterparty(now time.Time) {
	switch {
	case il.pingProblem != "":
		il.setLayer(LayerCounterparty, false, il.pingProblem, now)
	case il.lastPing.IsZero():
		il.setLayer(LayerCounterparty, false, "no heartbeat yet", now)
	case now.Sub(il.lastPing) > il.th.Counterparty.MaxHeartbeatAge:
		il.setLayer(LayerCounterparty, false, fmt.Sprintf("last heartbeat %s ago", now.Sub(il.lastPing).Round(time.Millisecond)), now)
	default:
		il.setLayer(LayerCounterparty, true, "", now)
	}
}

func (il *Interlock) evalData(now time.Time) {
	il.pruneCorrupted(now)
	dt := il.th.Data
	switch {
	case il.dataProblem != "":
		il.setLayer(LayerData, false, il.dataProblem, now)
	case len(il.corruptedAt) > dt.MaxCorruptedTicks:
		il.setLayer(LayerData, false, fmt.Sprintf("%d corrupted ticks within %s", len(il.corruptedAt), dt.CorruptedWindow), now)
	case il.lastTick.IsZero():
		il.setLayer(LayerData, false, "no market data yet", now)
	case now.Sub(il.lastTick) > dt.MaxStale:
		il.setLayer(LayerData, false, fmt.Sprintf("no tick for %s", now.Sub(il.lastTick).Round(time.Millisecond)), now)
	default:
		il.setLayer(LayerData, true, "", now)
	}
}

func (il *Interlock) pruneCorrupted(now time.Time) {
	cutoff := now.Add(-il.th.Data.CorruptedWindow)
	keep := il.corruptedAt[:0]
	for _, at := range il.corruptedAt {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	il.corruptedAt = keep
}

func (il *Interlock) pushOutcome(rejected bool) {
	il.outcomes[il.outcomeHead] = rejected
	il.outcomeHead = (il.outcomeHead + 1) % len(il.outcomes)
	if il.outcomeCount < len(il.outcomes) {
		il.outcomeCount++
	}
}

// recentOutcomes returns the window oldest-first.
func (il *Interlock) recentOutcomes() []bool {
	out := make([]bool, 0, il.outcomeCount)
	start := (il.outcomeHead - il.outcomeCount + len(il.outcomes)) % len(il.outcomes)
	for i := 0; i < il.outcomeCount; i++ {
		out = append(out, il.outcomes[(start+i)%len(il.outcomes)])
	}
	return out
}

func (il *Interlock) rejectRate() float64 {
	if il.outcomeCount == 0 {
		return 0
	}
	rejected := 0
	for _, r := range il.recentOutcomes() {
		if r {
			rejected++
		}
	}
	return float64(rejected) / float64(il.outcomeCount)
}
