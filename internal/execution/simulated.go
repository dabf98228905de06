package execution

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"tradecore/internal/interlock"
	"tradecore/internal/logger"
	"tradecore/internal/pkg/clock"

	"github.com/shopspring/decimal"
)

const simulatedName = "simulated"

type SimConfig struct {
	InitialBalance  float64
	FillProbability float64
	SlippageBpsMean float64
	SlippageBpsStd  float64
	CommissionRate  float64
	// MaxHold closes a position on the first mark after it has been open this
	// long. Zero disables it.
	MaxHold time.Duration
	Seed    uint64
	// Gate makes the adapter consult Permitter itself. Off by default: in
	// research mode nothing gates, in paper mode the coordinator does.
	Gate      bool
	Permitter interlock.Permitter
	Clock     clock.Clock
}

type simPosition struct {
	instrument string
	net        float64
	avg        float64
	mark       float64
	realized   decimal.Decimal
	openedAt   time.Time
	updatedAt  time.Time

	entryID    string
	stopLoss   float64
	takeProfit float64
}

type restingOrder struct {
	seq   int
	order Order
	ref   string
}

// SimulatedAdapter fills orders against the last mark price with seeded
// randomness, so a given seed and input sequence always yields the same fills.
type SimulatedAdapter struct {
	cfg SimConfig
	clk clock.Clock

	mu         sync.Mutex
	rng        *rand.Rand
	seq        int
	marks      map[string]float64
	positions  map[string]*simPosition
	resting    map[string]restingOrder
	seen       map[string]OrderResult
	balance    decimal.Decimal
	commission decimal.Decimal
	realized   decimal.Decimal
	placements int

	onFill func(OrderResult)
}

func NewSimulatedAdapter(cfg SimConfig) (*SimulatedAdapter, error) {
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("simulator initial balance must be > 0")
	}
	if cfg.FillProbability < 0 || cfg.FillProbability > 1 {
		return nil, fmt.Errorf("simulator fill probability must be within [0,1]")
	}
	if cfg.SlippageBpsStd < 0 || cfg.CommissionRate < 0 {
		return nil, fmt.Errorf("simulator slippage std and commission rate must be >= 0")
	}
	if cfg.Gate && cfg.Permitter == nil {
		return nil, fmt.Errorf("simulator gate requires a permitter")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Wall()
	}
	return &SimulatedAdapter{
		cfg:       cfg,
		clk:       clk,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		marks:     make(map[string]float64),
		positions: make(map[string]*simPosition),
		resting:   make(map[string]restingOrder),
		seen:      make(map[string]OrderResult),
		balance:   decimal.NewFromFloat(cfg.InitialBalance),
	}, nil
}

func (s *SimulatedAdapter) Name() string { return simulatedName }
func (s *SimulatedAdapter) sealed()      {}

func (s *SimulatedAdapter) SetFillHandler(fn func(OrderResult)) {
	s.mu.Lock()
	s.onFill = fn
	s.mu.Unlock()
}

func (s *SimulatedAdapter) PlaceOrder(ctx context.Context, o Order) OrderResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.seen[o.DecisionID]; ok {
		return prev
	}
	res := s.place(ctx, o)
	s.seen[o.DecisionID] = res
	return res
}

func (s *SimulatedAdapter) place(ctx context.Context, o Order) OrderResult {
	now := s.clk.Now()
	res := OrderResult{
		DecisionID:  o.DecisionID,
		Instrument:  o.Instrument,
		Side:        o.Side,
		Adapter:     simulatedName,
		CompletedAt: now,
	}
	if err := ValidateOrder(ctx, o); err != nil {
		res.Status, res.Reason = StatusFailed, err.Error()
		return res
	}
	if s.cfg.Gate {
		if d := s.cfg.Permitter.Permit(); !d.Permitted {
			res.Status, res.Layer, res.Reason = StatusDenied, string(d.Layer), d.Reason
			return res
		}
	}
	mark, ok := s.marks[o.Instrument]
	if !ok || mark <= 0 {
		res.Status, res.Reason = StatusRejected, "no mark price for "+o.Instrument
		res.Attempts = 1
		return res
	}
	size := o.Size
	if o.ReduceOnly {
		pos := s.positions[o.Instrument]
		if pos == nil || pos.net == 0 || pos.net*o.Side.Sign() > 0 {
			res.Status, res.Reason = StatusRejected, "reduce-only order would not reduce"
			res.Attempts = 1
			return res
		}
		size = math.Min(size, math.Abs(pos.net))
	}

	s.placements++
	res.Attempts = 1
	if s.rng.Float64() >= s.cfg.FillProbability {
		res.Status, res.Reason = StatusRejected, "simulated venue did not fill"
		return res
	}

	s.seq++
	res.BrokerRef = fmt.Sprintf("sim-%06d", s.seq)
	if o.Type == OrderTypeLimit {
		marketable := (o.Side == SideBuy && o.LimitPrice >= mark) || (o.Side == SideSell && o.LimitPrice <= mark)
		if !marketable {
			o.Size = size
			s.resting[o.DecisionID] = restingOrder{seq: s.seq, order: o, ref: res.BrokerRef}
			res.Success, res.Status = true, StatusAccepted
			return res
		}
	}
	price := s.slipped(mark, o.Side)
	if o.Type == OrderTypeLimit {
		if o.Side == SideBuy {
			price = math.Min(price, o.LimitPrice)
		} else {
			price = math.Max(price, o.LimitPrice)
		}
	}
	s.fill(&res, o, size, price, now)
	return res
}

// slipped moves price against the taker by a Normal(mean, std) draw in basis
// points. Draws below zero are treated as no slippage.
func (s *SimulatedAdapter) slipped(mark float64, side Side) float64 {
	bps := s.cfg.SlippageBpsMean
	if s.cfg.SlippageBpsStd > 0 {
		bps += s.rng.NormFloat64() * s.cfg.SlippageBpsStd
	}
	if bps < 0 {
		bps = 0
	}
	return mark * (1 + side.Sign()*bps/10_000)
}

func (s *SimulatedAdapter) fill(res *OrderResult, o Order, size, price float64, now time.Time) {
	commission := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(size)).Mul(decimal.NewFromFloat(s.cfg.CommissionRate))
	realized := s.applyFill(o, size, price, now)
	s.balance = s.balance.Add(realized).Sub(commission)
	s.realized = s.realized.Add(realized)
	s.commission = s.commission.Add(commission)

	res.Success = true
	res.Status = StatusFilled
	res.Filled = true
	res.FillPrice = price
	res.FillSize = size
	res.Commission = commission.InexactFloat64()
	res.CompletedAt = now
	logger.Debugf("[sim] filled %s %s %s %.8f @ %.8f", o.DecisionID, o.Instrument, o.Side, size, price)
}

// applyFill nets the fill into the instrument position and returns the
// realized P&L of any part that closed existing exposure.
func (s *SimulatedAdapter) applyFill(o Order, size, price float64, now time.Time) decimal.Decimal {
	pos := s.positions[o.Instrument]
	if pos == nil {
		pos = &simPosition{instrument: o.Instrument, realized: decimal.Zero}
		s.positions[o.Instrument] = pos
	}
	signed := o.Side.Sign() * size
	realized := decimal.Zero

	if pos.net == 0 || pos.net*signed > 0 {
		if pos.net == 0 {
			pos.openedAt = now
			pos.entryID = o.DecisionID
			pos.stopLoss, pos.takeProfit = 0, 0
		}
		held := math.Abs(pos.net)
		pos.avg = (held*pos.avg + size*price) / (held + size)
		pos.net += signed
		if o.StopLoss > 0 || o.TakeProfit > 0 {
			pos.entryID = o.DecisionID
			pos.stopLoss, pos.takeProfit = o.StopLoss, o.TakeProfit
		}
	} else {
		closing := math.Min(math.Abs(pos.net), size)
		direction := 1.0
		if pos.net < 0 {
			direction = -1
		}
		realized = decimal.NewFromFloat(price - pos.avg).Mul(decimal.NewFromFloat(closing * direction))
		pos.realized = pos.realized.Add(realized)
		pos.net += signed
		rest := size - closing
		switch {
		case math.Abs(pos.net) < 1e-12 && rest <= 1e-12:
			delete(s.positions, o.Instrument)
			return realized
		case rest > 1e-12:
			// flipped through zero: the remainder opens a new position
			pos.net = o.Side.Sign() * rest
			pos.avg = price
			pos.openedAt = now
			pos.entryID = o.DecisionID
			pos.stopLoss, pos.takeProfit = o.StopLoss, o.TakeProfit
		}
	}
	pos.mark = price
	pos.updatedAt = now
	return realized
}

// MarkPrice updates the instrument mark, then fills resting limits and
// protective exits it triggers. Resulting fills go to the fill handler in
// a fixed order.
func (s *SimulatedAdapter) MarkPrice(instrument string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	s.marks[instrument] = price
	if pos := s.positions[instrument]; pos != nil {
		pos.mark = price
		pos.updatedAt = at
	}
	fills := s.fillResting(instrument, price, at)
	if exit, ok := s.checkExit(instrument, price, at); ok {
		fills = append(fills, exit)
	}
	handler := s.onFill
	s.mu.Unlock()

	if handler == nil {
		return
	}
	for _, f := range fills {
		handler(f)
	}
}

func (s *SimulatedAdapter) fillResting(instrument string, mark float64, at time.Time) []OrderResult {
	var due []restingOrder
	for _, r := range s.resting {
		if r.order.Instrument != instrument {
			continue
		}
		if (r.order.Side == SideBuy && mark <= r.order.LimitPrice) || (r.order.Side == SideSell && mark >= r.order.LimitPrice) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	out := make([]OrderResult, 0, len(due))
	for _, r := range due {
		delete(s.resting, r.order.DecisionID)
		res := OrderResult{
			DecisionID: r.order.DecisionID,
			Instrument: r.order.Instrument,
			Side:       r.order.Side,
			BrokerRef:  r.ref,
			Attempts:   1,
			Adapter:    simulatedName,
		}
		s.fill(&res, r.order, r.order.Size, r.order.LimitPrice, at)
		s.seen[r.order.DecisionID] = res
		out = append(out, res)
	}
	return out
}

func (s *SimulatedAdapter) checkExit(instrument string, mark float64, at time.Time) (OrderResult, bool) {
	pos := s.positions[instrument]
	if pos == nil || pos.net == 0 {
		return OrderResult{}, false
	}
	long := pos.net > 0
	var suffix string
	switch {
	case pos.stopLoss > 0 && ((long && mark <= pos.stopLoss) || (!long && mark >= pos.stopLoss)):
		suffix = "sl"
	case pos.takeProfit > 0 && ((long && mark >= pos.takeProfit) || (!long && mark <= pos.takeProfit)):
		suffix = "tp"
	case s.cfg.MaxHold > 0 && !pos.openedAt.IsZero() && at.Sub(pos.openedAt) >= s.cfg.MaxHold:
		suffix = "hold"
	default:
		return OrderResult{}, false
	}
	side := SideSell
	if !long {
		side = SideBuy
	}
	exit := Order{
		DecisionID:  pos.entryID + ":" + suffix,
		Instrument:  instrument,
		Side:        side,
		Size:        math.Abs(pos.net),
		Type:        OrderTypeMarket,
		ReduceOnly:  true,
		RequestedAt: at,
	}
	s.seq++
	res := OrderResult{
		DecisionID: exit.DecisionID,
		Instrument: instrument,
		Side:       side,
		BrokerRef:  fmt.Sprintf("sim-%06d", s.seq),
		Attempts:   1,
		Adapter:    simulatedName,
		Reason:     "protective exit: " + suffix,
	}
	s.fill(&res, exit, exit.Size, mark, at)
	s.seen[exit.DecisionID] = res
	return res, true
}

func (s *SimulatedAdapter) CancelOrder(_ context.Context, decisionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resting[decisionID]
	if !ok {
		return false
	}
	delete(s.resting, decisionID)
	res := s.seen[decisionID]
	res.Success = false
	res.Status = StatusCancelled
	res.BrokerRef = r.ref
	res.CompletedAt = s.clk.Now()
	s.seen[decisionID] = res
	return true
}

func (s *SimulatedAdapter) OpenPositions(context.Context) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, s.snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (s *SimulatedAdapter) snapshot(p *simPosition) Position {
	return Position{
		Instrument:    p.instrument,
		NetSize:       p.net,
		AvgPrice:      p.avg,
		RealizedPnL:   p.realized.InexactFloat64(),
		UnrealizedPnL: s.unrealized(p).InexactFloat64(),
		MarkPrice:     p.mark,
		OpenedAt:      p.openedAt,
		UpdatedAt:     p.updatedAt,
	}
}

func (s *SimulatedAdapter) unrealized(p *simPosition) decimal.Decimal {
	if p.mark <= 0 || p.net == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(p.mark - p.avg).Mul(decimal.NewFromFloat(p.net))
}

// Ping answers immediately: the simulated venue is in-process.
func (s *SimulatedAdapter) Ping(context.Context) (time.Duration, error) { return 0, nil }

func (s *SimulatedAdapter) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance.InexactFloat64()
}

func (s *SimulatedAdapter) Equity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	eq := s.balance
	for _, p := range s.positions {
		eq = eq.Add(s.unrealized(p))
	}
	return eq.InexactFloat64()
}

// Ledger reports cumulative realized P&L and commissions.
func (s *SimulatedAdapter) Ledger() (realized, commission float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized.InexactFloat64(), s.commission.InexactFloat64()
}

// Placements counts orders that reached the fill engine.
func (s *SimulatedAdapter) Placements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placements
}
