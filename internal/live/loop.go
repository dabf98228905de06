// Package live drives the pipeline from a market source in real time.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradecore/internal/execution"
	"tradecore/internal/logger"
	"tradecore/internal/market"
	"tradecore/internal/pipeline"
	"tradecore/internal/pkg/clock"

	"golang.org/x/sync/errgroup"
)

// QuoteObserver is the data-integrity input of the interlock.
type QuoteObserver interface {
	ObserveQuote(q market.Quote) error
}

// Reconciler settles orders that are pending or still working at the venue.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type Config struct {
	Source      market.Source
	Runner      *pipeline.Runner
	Instruments []string
	Interval    string

	Quotes QuoteObserver
	// Pinger and Health form the counterparty heartbeat. Both are needed
	// for the ping loop to run.
	Pinger       execution.Pinger
	Health       pipeline.Health
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Reconciler runs once before bars are consumed and then every
	// ReconcileInterval, so fills of accepted orders reach the books
	// during the session. A zero interval only runs the startup pass.
	Reconciler        Reconciler
	ReconcileInterval time.Duration
	Clock             clock.Clock
	Buffer            int

	// OnStep sees every bar outcome, errors included.
	OnStep func(step pipeline.Step, err error)
}

type Loop struct {
	cfg Config
}

func New(cfg Config) (*Loop, error) {
	if cfg.Source == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("live loop requires a source and a runner")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Wall()
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Loop{cfg: cfg}, nil
}

// Run consumes bars until the source closes its channel or ctx is done.
// Quotes and pings run alongside and stop with it.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.Reconciler != nil {
		l.reconcileOnce(ctx)
	}

	opts := market.SubscribeOptions{
		Buffer:       l.cfg.Buffer,
		OnConnect:    func() { logger.Infof("[live] market stream connected") },
		OnDisconnect: func(err error) { logger.Warnf("[live] market stream disconnected: %v", err) },
	}
	bars, err := l.cfg.Source.SubscribeBars(ctx, l.cfg.Instruments, l.cfg.Interval, opts)
	if err != nil {
		return fmt.Errorf("subscribe bars: %w", err)
	}
	var quotes <-chan market.Quote
	if l.cfg.Quotes != nil {
		quotes, err = l.cfg.Source.SubscribeQuotes(ctx, l.cfg.Instruments, opts)
		if err != nil {
			return fmt.Errorf("subscribe quotes: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if quotes != nil {
		g.Go(func() error {
			l.consumeQuotes(gctx, quotes)
			return nil
		})
	}
	if l.cfg.Pinger != nil && l.cfg.Health != nil && l.cfg.PingInterval > 0 {
		g.Go(func() error {
			l.pingLoop(gctx)
			return nil
		})
	}
	if l.cfg.Reconciler != nil && l.cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			l.reconcileLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return l.consumeBars(gctx, bars)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *Loop) consumeBars(ctx context.Context, bars <-chan market.Bar) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case bar, ok := <-bars:
			if !ok {
				logger.Infof("[live] bar stream closed")
				return nil
			}
			step, err := l.cfg.Runner.OnBar(ctx, bar)
			if err != nil {
				logger.Warnf("[live] bar %s %s: %v", bar.Instrument, bar.CloseTime.Format(time.RFC3339), err)
			}
			if l.cfg.OnStep != nil {
				l.cfg.OnStep(step, err)
			}
		}
	}
}

func (l *Loop) consumeQuotes(ctx context.Context, quotes <-chan market.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			if err := l.cfg.Quotes.ObserveQuote(q); err != nil {
				logger.Debugf("[live] quote rejected: %v", err)
			}
		}
	}
}

func (l *Loop) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		l.pingOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) pingOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, l.cfg.PingTimeout)
	defer cancel()
	latency, err := l.cfg.Pinger.Ping(pctx)
	if ctx.Err() != nil {
		return
	}
	at := l.cfg.Clock.Now()
	if err != nil {
		logger.Warnf("[live] venue ping failed: %v", err)
		l.cfg.Health.ObservePingFailure(err, at)
		return
	}
	l.cfg.Health.ObservePing(latency, at)
}

func (l *Loop) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reconcileOnce(ctx)
		}
	}
}

func (l *Loop) reconcileOnce(ctx context.Context) {
	n, err := l.cfg.Reconciler.Reconcile(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		logger.Warnf("[live] reconcile failed: %v", err)
	case n > 0:
		logger.Infof("[live] reconciled %d orders", n)
	}
}
