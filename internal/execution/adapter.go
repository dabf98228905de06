// Package execution places orders. The Adapter interface has exactly two
// implementations, SimulatedAdapter and LiveAdapter; which one runs is fixed
// when the process starts.
package execution

import (
	"context"
	"time"
)

// Adapter is sealed: the unexported method keeps other packages from adding
// variants, so mode-specific behaviour lives only in this package.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, o Order) OrderResult
	CancelOrder(ctx context.Context, decisionID string) bool
	OpenPositions(ctx context.Context) []Position
	sealed()
}

// MarkObserver is implemented by adapters that react to mark prices.
type MarkObserver interface {
	MarkPrice(instrument string, price float64, at time.Time)
}

// FillNotifier is implemented by adapters that complete orders after
// PlaceOrder returned, such as resting limits or protective exits.
type FillNotifier interface {
	SetFillHandler(fn func(OrderResult))
}

// Pinger is implemented by adapters that can report counterparty health.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Account is implemented by adapters that keep a ledger.
type Account interface {
	Balance() float64
	Equity() float64
}
