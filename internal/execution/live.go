package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradecore/internal/interlock"
	"tradecore/internal/logger"
	"tradecore/internal/pkg/circuit"
	"tradecore/internal/pkg/clock"

	"golang.org/x/time/rate"
)

const liveName = "live"

// VenueOrder is what a Venue is asked to place.
type VenueOrder struct {
	ClientID   string
	Instrument string
	Side       Side
	Type       OrderType
	Size       float64
	LimitPrice float64
	ReduceOnly bool
}

// VenueAck is the venue's view of one order.
type VenueAck struct {
	VenueRef   string
	Status     Status
	FilledSize float64
	AvgPrice   float64
	Commission float64
	Reason     string
}

// Venue is the wire-level binding to one exchange. Errors should be wrapped
// in *VenueError so retries can tell transient from permanent failures.
type Venue interface {
	PlaceOrder(ctx context.Context, o VenueOrder) (VenueAck, error)
	CancelOrder(ctx context.Context, instrument, clientID string) error
	QueryOrder(ctx context.Context, instrument, clientID string) (VenueAck, error)
	Positions(ctx context.Context) ([]Position, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// ErrOrderNotFound is returned by Venue.QueryOrder when the venue has no
// record of the client id.
var ErrOrderNotFound = errors.New("order not found at venue")

type LiveConfig struct {
	Venue     Venue
	Refs      RefStore
	Permitter interlock.Permitter
	Breaker   *circuit.CircuitBreaker
	Clock     clock.Clock

	Session     string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
	RatePerSec  float64
	Burst       int
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Session == "" {
		c.Session = "default"
	}
	if c.Clock == nil {
		c.Clock = clock.Wall()
	}
	return c
}

// LiveAdapter sends orders to a real venue. Every attempt, retries included,
// is preceded by an interlock evaluation.
type LiveAdapter struct {
	cfg     LiveConfig
	venue   Venue
	refs    RefStore
	permit  interlock.Permitter
	breaker *circuit.CircuitBreaker
	limiter *rate.Limiter
	clk     clock.Clock

	mu       sync.Mutex
	onFill   func(OrderResult)
	inFlight map[string]chan struct{}
}

func NewLiveAdapter(cfg LiveConfig) (*LiveAdapter, error) {
	if cfg.Venue == nil {
		return nil, fmt.Errorf("live adapter requires a venue")
	}
	if cfg.Permitter == nil {
		return nil, fmt.Errorf("live adapter requires a permitter")
	}
	cfg = cfg.withDefaults()
	refs := cfg.Refs
	if refs == nil {
		refs = NewMemoryRefStore()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuit.NewCircuitBreaker("venue", 5, 30*time.Second).WithClock(cfg.Clock)
	}
	return &LiveAdapter{
		cfg:      cfg,
		venue:    cfg.Venue,
		refs:     refs,
		permit:   cfg.Permitter,
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		clk:      cfg.Clock,
		inFlight: make(map[string]chan struct{}),
	}, nil
}

func (l *LiveAdapter) Name() string { return liveName }
func (l *LiveAdapter) sealed()      {}

func (l *LiveAdapter) SetFillHandler(fn func(OrderResult)) {
	l.mu.Lock()
	l.onFill = fn
	l.mu.Unlock()
}

func (l *LiveAdapter) PlaceOrder(ctx context.Context, o Order) OrderResult {
	release := l.acquire(o.DecisionID)
	defer release()

	res := OrderResult{
		DecisionID: o.DecisionID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Adapter:    liveName,
	}
	if err := ValidateOrder(ctx, o); err != nil {
		return l.finish(res, StatusFailed, err.Error())
	}

	existing, found, err := l.refs.Get(ctx, o.DecisionID)
	if err != nil {
		return l.finish(res, StatusFailed, "ref store: "+err.Error())
	}
	if found {
		// a previous run already sent this decision; never send it twice
		return l.resume(ctx, res, existing)
	}

	clientID := ClientOrderID(o.DecisionID)
	vo := VenueOrder{
		ClientID:   clientID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Type:       o.Type,
		Size:       o.Size,
		LimitPrice: o.LimitPrice,
		ReduceOnly: o.ReduceOnly,
	}
	ref := Ref{
		DecisionID: o.DecisionID,
		ClientID:   clientID,
		Session:    l.cfg.Session,
		Instrument: o.Instrument,
		Side:       o.Side,
		Size:       o.Size,
		Status:     RefPending,
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if d := l.permit.Permit(); !d.Permitted {
			// after a failed attempt the ref stays pending: that attempt may
			// have reached the venue, and Reconcile settles it
			res.Layer = string(d.Layer)
			res.Attempts = attempt - 1
			return l.finish(res, StatusDenied, d.Reason)
		}
		if attempt == 1 {
			now := l.clk.Now()
			ref.CreatedAt, ref.UpdatedAt = now, now
			if err := l.refs.Put(ctx, ref); err != nil {
				return l.finish(res, StatusFailed, "ref store: "+err.Error())
			}
		}
		res.Attempts = attempt

		ack, err := l.send(ctx, vo)
		if err == nil {
			l.record(ctx, ref, ack)
			return l.fromAck(res, ack)
		}
		lastErr = err
		if !IsTransient(err) {
			ref.Status = RefRejected
			ref.UpdatedAt = l.clk.Now()
			if perr := l.refs.Put(ctx, ref); perr != nil {
				logger.Warnf("[live] ref update %s: %v", o.DecisionID, perr)
			}
			return l.finish(res, StatusRejected, err.Error())
		}
		logger.Warnf("[live] %s attempt %d/%d transient failure: %v", o.DecisionID, attempt, l.cfg.MaxAttempts, err)
		if attempt == l.cfg.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, l.backoff(attempt)) {
			lastErr = ctx.Err()
			break
		}
	}
	return l.finish(res, StatusFailed, fmt.Sprintf("retries exhausted: %v", lastErr))
}

// acquire serializes placements of one decision id inside this process.
func (l *LiveAdapter) acquire(decisionID string) func() {
	for {
		if release, ok := l.tryAcquire(decisionID); ok {
			return release
		}
		l.mu.Lock()
		wait := l.inFlight[decisionID]
		l.mu.Unlock()
		if wait != nil {
			<-wait
		}
	}
}

func (l *LiveAdapter) tryAcquire(decisionID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[decisionID]; busy {
		return nil, false
	}
	done := make(chan struct{})
	l.inFlight[decisionID] = done
	return func() {
		l.mu.Lock()
		delete(l.inFlight, decisionID)
		l.mu.Unlock()
		close(done)
	}, true
}

func (l *LiveAdapter) send(ctx context.Context, vo VenueOrder) (VenueAck, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return VenueAck{}, Transient("rate_limit", err)
	}
	if !l.breaker.Allow() {
		return VenueAck{}, ErrCircuitOpen
	}
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	ack, err := l.venue.PlaceOrder(callCtx, vo)
	switch {
	case err == nil:
		l.breaker.RecordSuccess()
	case IsTransient(err):
		l.breaker.RecordFailure()
	default:
		// the venue answered; the connection is fine
		l.breaker.RecordSuccess()
	}
	return ack, err
}

func (l *LiveAdapter) backoff(attempt int) time.Duration {
	d := l.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > l.cfg.BackoffMax {
		return l.cfg.BackoffMax
	}
	return d
}

// resume answers a placement whose decision id already has a ref, by asking
// the venue instead of sending again.
func (l *LiveAdapter) resume(ctx context.Context, res OrderResult, ref Ref) OrderResult {
	res.BrokerRef = ref.VenueRef
	switch ref.Status {
	case RefFilled:
		res.Filled, res.FillPrice, res.FillSize = true, ref.FillPrice, ref.FillSize
		return l.finish(res, StatusFilled, "already filled")
	case RefRejected, RefFailed:
		return l.finish(res, StatusRejected, "previously rejected")
	case RefCancelled:
		return l.finish(res, StatusCancelled, "previously cancelled")
	}
	ack, err := l.query(ctx, ref)
	if err != nil {
		return l.finish(res, StatusFailed, "status unknown: "+err.Error())
	}
	l.record(ctx, ref, ack)
	return l.fromAck(res, ack)
}

func (l *LiveAdapter) query(ctx context.Context, ref Ref) (VenueAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	return l.venue.QueryOrder(callCtx, ref.Instrument, ref.ClientID)
}

func (l *LiveAdapter) record(ctx context.Context, ref Ref, ack VenueAck) {
	ref.VenueRef = ack.VenueRef
	ref.FillPrice = ack.AvgPrice
	ref.FillSize = ack.FilledSize
	ref.UpdatedAt = l.clk.Now()
	switch ack.Status {
	case StatusFilled:
		ref.Status = RefFilled
	case StatusAccepted, "":
		// 没有状态的 ack 按已受理处理, 之后由 Reconcile 查询结果
		ref.Status = RefAccepted
	case StatusCancelled:
		ref.Status = RefCancelled
	case StatusRejected:
		ref.Status = RefRejected
	default:
		ref.Status = RefFailed
	}
	if err := l.refs.Put(ctx, ref); err != nil {
		logger.Warnf("[live] ref update %s: %v", ref.DecisionID, err)
	}
}

func (l *LiveAdapter) fromAck(res OrderResult, ack VenueAck) OrderResult {
	res.BrokerRef = ack.VenueRef
	res.Commission = ack.Commission
	if ack.FilledSize > 0 {
		res.Filled = true
		res.FillPrice = ack.AvgPrice
		res.FillSize = ack.FilledSize
	}
	status := ack.Status
	if status == "" {
		status = StatusAccepted
	}
	return l.finish(res, status, ack.Reason)
}

func (l *LiveAdapter) finish(res OrderResult, status Status, reason string) OrderResult {
	res.Status = status
	res.Success = status == StatusFilled || status == StatusAccepted
	if reason != "" {
		res.Reason = reason
	}
	res.CompletedAt = l.clk.Now()
	return res
}

func (l *LiveAdapter) CancelOrder(ctx context.Context, decisionID string) bool {
	ref, ok, err := l.refs.Get(ctx, decisionID)
	if err != nil || !ok || ref.Status.Terminal() {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	if err := l.venue.CancelOrder(callCtx, ref.Instrument, ref.ClientID); err != nil {
		logger.Warnf("[live] cancel %s: %v", decisionID, err)
		return false
	}
	ref.Status = RefCancelled
	ref.UpdatedAt = l.clk.Now()
	if err := l.refs.Put(ctx, ref); err != nil {
		logger.Warnf("[live] ref update %s: %v", decisionID, err)
	}
	return true
}

func (l *LiveAdapter) OpenPositions(ctx context.Context) []Position {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	positions, err := l.venue.Positions(callCtx)
	if err != nil {
		logger.Warnf("[live] positions: %v", err)
		return nil
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })
	return positions
}

func (l *LiveAdapter) Ping(ctx context.Context) (time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	return l.venue.Ping(callCtx)
}

// Reconcile settles refs this session left pending or accepted, for example
// after a crash between sending an order and reading the ack, or an order the
// venue is still working. Fill progress since the last look is delivered to
// the fill handler with cumulative size. It returns how many refs settled.
func (l *LiveAdapter) Reconcile(ctx context.Context) (int, error) {
	pending, err := l.refs.Pending(ctx, l.cfg.Session)
	if err != nil {
		return 0, fmt.Errorf("load pending refs: %w", err)
	}
	l.mu.Lock()
	handler := l.onFill
	l.mu.Unlock()

	settled := 0
	for _, ref := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		ok, err := l.reconcileOne(ctx, ref, handler)
		if err != nil {
			return settled, err
		}
		if ok {
			settled++
		}
	}
	if settled > 0 {
		logger.Infof("[live] reconciled %d of %d pending orders (session=%s)", settled, len(pending), l.cfg.Session)
	}
	return settled, nil
}

// reconcileOne queries one ref. A placement of the same decision that is still
// in flight is left alone; the next pass picks it up.
func (l *LiveAdapter) reconcileOne(ctx context.Context, ref Ref, handler func(OrderResult)) (bool, error) {
	release, ok := l.tryAcquire(ref.DecisionID)
	if !ok {
		return false, nil
	}
	defer release()

	cur, found, err := l.refs.Get(ctx, ref.DecisionID)
	if err != nil {
		return false, err
	}
	if !found || cur.Status.Terminal() {
		return false, nil
	}
	ref = cur

	ack, err := l.query(ctx, ref)
	if errors.Is(err, ErrOrderNotFound) {
		if ref.Status != RefPending {
			return false, nil
		}
		ref.Status = RefFailed
		ref.UpdatedAt = l.clk.Now()
		if err := l.refs.Put(ctx, ref); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		logger.Warnf("[live] reconcile %s: %v", ref.DecisionID, err)
		return false, nil
	}
	l.record(ctx, ref, ack)
	if ack.FilledSize > ref.FillSize && handler != nil {
		handler(l.fromAck(OrderResult{
			DecisionID: ref.DecisionID,
			Instrument: ref.Instrument,
			Side:       ref.Side,
			Adapter:    liveName,
		}, ack))
	}
	return ack.Status != StatusAccepted && ack.Status != "", nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
