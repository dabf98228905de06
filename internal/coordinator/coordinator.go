// Package coordinator is the single entry point for orders. It validates,
// deduplicates by decision id, optionally gates, calls the adapter it was
// built with and keeps the books the interlock's risk layer reads.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/execution"
	"tradecore/internal/interlock"
	"tradecore/internal/logger"
	"tradecore/internal/pkg/clock"
)

// Interlock is what the coordinator needs from the safety interlock.
type Interlock interface {
	interlock.Permitter
	RecordOrderOutcome(rejected bool)
	RecordRealizedPnL(delta float64)
	UpdateExposure(gross, equity float64)
	State() interlock.State
}

// Observer receives every completed submission. Metrics implement it.
type Observer interface {
	OrderCompleted(res execution.OrderResult, duplicate bool, elapsed time.Duration)
}

type Config struct {
	Adapter        execution.Adapter
	Interlock      Interlock
	Audit          audit.Sink
	Observer       Observer
	Clock          clock.Clock
	Mode           string
	InitialBalance float64
	// Gate evaluates the interlock before handing the order to the adapter.
	Gate bool
}

type Stats struct {
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	RealizedPnL       float64 `json:"realized_pnl"`
	Commission        float64 `json:"commission"`
	DailyPnL          float64 `json:"daily_pnl"`
	OpenPositionCount int     `json:"open_position_count"`
	ExecutionRate     float64 `json:"execution_rate"`
	Submitted         int     `json:"submitted"`
	Filled            int     `json:"filled"`
	Denied            int     `json:"denied"`
	Rejected          int     `json:"rejected"`
	Failed            int     `json:"failed"`
	Duplicates        int     `json:"duplicates"`
}

// appliedFill is the cumulative part of a decision's fill already on the books.
type appliedFill struct {
	size       float64
	notional   float64
	commission float64
}

type pending struct {
	done chan struct{}
	res  execution.OrderResult
}

type Coordinator struct {
	adapter execution.Adapter
	il      Interlock
	sink    audit.Sink
	obs     Observer
	clk     clock.Clock
	mode    string
	gate    bool
	log     *slog.Logger

	mu      sync.Mutex
	results map[string]*pending
	applied map[string]appliedFill
	books   *ledger
	stats   Stats
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("coordinator requires an adapter")
	}
	if cfg.Interlock == nil {
		return nil, fmt.Errorf("coordinator requires an interlock")
	}
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be > 0")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Wall()
	}
	c := &Coordinator{
		adapter: cfg.Adapter,
		il:      cfg.Interlock,
		sink:    cfg.Audit,
		obs:     cfg.Observer,
		clk:     cfg.Clock,
		mode:    cfg.Mode,
		gate:    cfg.Gate,
		log:     logger.With("coordinator"),
		results: make(map[string]*pending),
		applied: make(map[string]appliedFill),
		books:   newLedger(cfg.InitialBalance),
	}
	if fn, ok := cfg.Adapter.(execution.FillNotifier); ok {
		fn.SetFillHandler(c.onFill)
	}
	return c, nil
}

func (c *Coordinator) Adapter() execution.Adapter { return c.adapter }

// Submit runs one order through validation, deduplication, the optional
// gate and the adapter. Each call appends exactly one audit record.
func (c *Coordinator) Submit(ctx context.Context, o execution.Order) execution.OrderResult {
	start := time.Now()
	if o.RequestedAt.IsZero() {
		o.RequestedAt = c.clk.Now()
	}
	if err := execution.ValidateOrder(ctx, o); err != nil {
		res := execution.OrderResult{
			DecisionID:  o.DecisionID,
			Instrument:  o.Instrument,
			Side:        o.Side,
			Status:      execution.StatusFailed,
			Reason:      err.Error(),
			Adapter:     c.adapter.Name(),
			CompletedAt: c.clk.Now(),
		}
		c.mu.Lock()
		c.stats.Submitted++
		c.stats.Failed++
		c.mu.Unlock()
		c.finish(ctx, o, res, false, start)
		return res
	}

	c.mu.Lock()
	if p, ok := c.results[o.DecisionID]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			// the first submission is still running; this caller gives up
			// waiting but nothing is sent for it
			res := execution.OrderResult{
				DecisionID:  o.DecisionID,
				Instrument:  o.Instrument,
				Side:        o.Side,
				Status:      execution.StatusFailed,
				Reason:      "duplicate wait: " + ctx.Err().Error(),
				Adapter:     c.adapter.Name(),
				CompletedAt: c.clk.Now(),
			}
			c.finish(ctx, o, res, true, start)
			return res
		}
		c.mu.Lock()
		c.stats.Duplicates++
		c.mu.Unlock()
		c.finish(ctx, o, p.res, true, start)
		return p.res
	}
	p := &pending{done: make(chan struct{})}
	c.results[o.DecisionID] = p
	c.stats.Submitted++
	c.mu.Unlock()

	var res execution.OrderResult
	if c.gate {
		if d := c.il.Permit(); !d.Permitted {
			res = execution.OrderResult{
				DecisionID:  o.DecisionID,
				Instrument:  o.Instrument,
				Side:        o.Side,
				Status:      execution.StatusDenied,
				Layer:       string(d.Layer),
				Reason:      d.Reason,
				Adapter:     c.adapter.Name(),
				CompletedAt: c.clk.Now(),
			}
		}
	}
	if res.Status == "" {
		res = c.adapter.PlaceOrder(ctx, o)
	}
	c.account(res, o.Size)

	p.res = res
	close(p.done)
	c.finish(ctx, o, res, false, start)
	return res
}

// account applies a result to the books and pushes risk inputs into the
// interlock. Interlock calls happen outside c.mu.
func (c *Coordinator) account(res execution.OrderResult, requested float64) {
	c.mu.Lock()
	var delta float64
	var applied bool
	if res.Filled {
		size := res.FillSize
		if size <= 0 {
			size = requested
		}
		delta, applied = c.bookLocked(res, size)
	}
	var outcome, rejected bool
	switch res.Status {
	case execution.StatusFilled:
		c.stats.Filled++
		outcome = true
	case execution.StatusAccepted:
		outcome = true
	case execution.StatusRejected:
		c.stats.Rejected++
		outcome, rejected = true, true
	case execution.StatusDenied:
		c.stats.Denied++
	case execution.StatusFailed:
		c.stats.Failed++
		outcome, rejected = true, true
	}
	gross, equity := c.books.gross(), c.books.equity()
	c.mu.Unlock()

	if outcome {
		c.il.RecordOrderOutcome(rejected)
	}
	if applied && delta != 0 {
		c.il.RecordRealizedPnL(delta)
	}
	c.il.UpdateExposure(gross, equity)
}

// bookLocked books the part of a cumulative fill that is not on the books yet.
// Venues report size, average price and commission cumulatively, so a later
// report of the same decision only adds the difference. c.mu must be held.
func (c *Coordinator) bookLocked(res execution.OrderResult, size float64) (float64, bool) {
	prev := c.applied[res.DecisionID]
	inc := size - prev.size
	if inc <= 1e-12 {
		return 0, false
	}
	price := res.FillPrice
	if prev.size > 0 {
		if p := (res.FillPrice*size - prev.notional) / inc; p > 0 && !math.IsInf(p, 0) {
			price = p
		}
	}
	fee := math.Max(res.Commission-prev.commission, 0)
	delta := c.books.apply(res.Instrument, res.Side, inc, price, fee, res.CompletedAt)
	c.applied[res.DecisionID] = appliedFill{
		size:       size,
		notional:   prev.notional + price*inc,
		commission: math.Max(res.Commission, prev.commission),
	}
	return delta, true
}

// onFill handles fills that complete after PlaceOrder returned, including the
// remainder of an order that was only partly filled at first.
func (c *Coordinator) onFill(res execution.OrderResult) {
	if !res.Filled {
		return
	}
	c.mu.Lock()
	delta, ok := c.bookLocked(res, res.FillSize)
	gross, equity := c.books.gross(), c.books.equity()
	c.mu.Unlock()
	if !ok {
		return
	}

	if delta != 0 {
		c.il.RecordRealizedPnL(delta)
	}
	c.il.UpdateExposure(gross, equity)

	o := execution.Order{
		DecisionID:  res.DecisionID,
		Instrument:  res.Instrument,
		Side:        res.Side,
		Size:        res.FillSize,
		Type:        execution.OrderTypeMarket,
		RequestedAt: res.CompletedAt,
	}
	c.log.Info("async fill", "decision_id", res.DecisionID, "instrument", res.Instrument,
		"side", res.Side, "size", res.FillSize, "price", res.FillPrice, "reason", res.Reason)
	if err := c.sink.Append(context.Background(), audit.NewRecord(c.mode, o, res, false, c.clk.Now())); err != nil {
		c.log.Warn("audit append failed", "decision_id", res.DecisionID, "err", err)
	}
}

func (c *Coordinator) finish(ctx context.Context, o execution.Order, res execution.OrderResult, duplicate bool, start time.Time) {
	if err := c.sink.Append(ctx, audit.NewRecord(c.mode, o, res, duplicate, c.clk.Now())); err != nil {
		c.log.Warn("audit append failed", "decision_id", o.DecisionID, "err", err)
	}
	if res.Status == execution.StatusDenied && !duplicate {
		c.log.Warn("order denied", "decision_id", o.DecisionID, "layer", res.Layer, "reason", res.Reason)
	}
	if c.obs != nil {
		c.obs.OrderCompleted(res, duplicate, time.Since(start))
	}
}

// MarkPrice updates marks in the books and forwards them to adapters that
// react to prices. Fills triggered by the mark arrive through onFill.
func (c *Coordinator) MarkPrice(instrument string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	if mo, ok := c.adapter.(execution.MarkObserver); ok {
		mo.MarkPrice(instrument, price, at)
	}
	c.mu.Lock()
	c.books.markPrice(instrument, price, at)
	gross, equity := c.books.gross(), c.books.equity()
	c.mu.Unlock()
	c.il.UpdateExposure(gross, equity)
}

// Positions returns the coordinator's view of open positions.
func (c *Coordinator) Positions() []execution.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.books.open()
}

func (c *Coordinator) Statistics() Stats {
	c.mu.Lock()
	st := c.stats
	st.Balance = c.books.balance()
	st.Equity = c.books.equity()
	st.RealizedPnL = c.books.realized
	st.Commission = c.books.commission
	st.OpenPositionCount = len(c.books.open())
	c.mu.Unlock()

	if acct, ok := c.adapter.(execution.Account); ok {
		st.Balance = acct.Balance()
		st.Equity = acct.Equity()
	}
	if st.Submitted > 0 {
		st.ExecutionRate = float64(st.Filled) / float64(st.Submitted)
	}
	st.DailyPnL = c.il.State().DailyPnL
	return st
}

// Flatten closes every open position with reduce-only market orders. It is
// an explicit operator action and goes through the same gate as any order.
func (c *Coordinator) Flatten(ctx context.Context, reason string) []execution.OrderResult {
	positions := c.adapter.OpenPositions(ctx)
	now := c.clk.Now()
	c.log.Warn("flatten requested", "reason", reason, "positions", len(positions))
	out := make([]execution.OrderResult, 0, len(positions))
	for _, p := range positions {
		if p.NetSize == 0 {
			continue
		}
		o := execution.Order{
			DecisionID:  fmt.Sprintf("flatten-%s-%d", p.Instrument, now.UnixNano()),
			Instrument:  p.Instrument,
			Side:        p.Side().Opposite(),
			Size:        math.Abs(p.NetSize),
			Type:        execution.OrderTypeMarket,
			ReduceOnly:  true,
			RequestedAt: now,
		}
		out = append(out, c.Submit(ctx, o))
	}
	return out
}

// Cancel cancels a resting order by decision id.
func (c *Coordinator) Cancel(ctx context.Context, decisionID string) bool {
	return c.adapter.CancelOrder(ctx, decisionID)
}
