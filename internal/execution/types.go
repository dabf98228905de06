package execution

import (
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type Status string

const (
	StatusFilled    Status = "filled"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Order is one intent to trade, keyed by the caller's decision id.
type Order struct {
	DecisionID  string    `json:"decision_id" validate:"required,max=128"`
	Instrument  string    `json:"instrument" validate:"required,uppercase,max=32"`
	Side        Side      `json:"side" validate:"required,oneof=buy sell"`
	Size        float64   `json:"size" validate:"gt=0"`
	Type        OrderType `json:"type" validate:"required,oneof=market limit"`
	LimitPrice  float64   `json:"limit_price,omitempty" validate:"gte=0,required_if=Type limit"`
	StopLoss    float64   `json:"stop_loss,omitempty" validate:"gte=0"`
	TakeProfit  float64   `json:"take_profit,omitempty" validate:"gte=0"`
	ReduceOnly  bool      `json:"reduce_only,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// OrderResult is the outcome of one placement. Empty BrokerRef and zero
// FillPrice mean the venue never produced them.
type OrderResult struct {
	DecisionID  string    `json:"decision_id"`
	Instrument  string    `json:"instrument,omitempty"`
	Side        Side      `json:"side,omitempty"`
	Success     bool      `json:"success"`
	Status      Status    `json:"status"`
	BrokerRef   string    `json:"broker_ref,omitempty"`
	Filled      bool      `json:"filled"`
	FillPrice   float64   `json:"fill_price,omitempty"`
	FillSize    float64   `json:"fill_size,omitempty"`
	Commission  float64   `json:"commission,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Layer       string    `json:"layer,omitempty"`
	Attempts    int       `json:"attempts"`
	Adapter     string    `json:"adapter"`
	CompletedAt time.Time `json:"completed_at"`
}

type Position struct {
	Instrument    string    `json:"instrument"`
	NetSize       float64   `json:"net_size"`
	AvgPrice      float64   `json:"avg_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarkPrice     float64   `json:"mark_price"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p Position) Side() Side {
	if p.NetSize < 0 {
		return SideSell
	}
	return SideBuy
}

// Notional is the gross value of the position at its mark (or entry if no
// mark has been seen).
func (p Position) Notional() float64 {
	px := p.MarkPrice
	if px <= 0 {
		px = p.AvgPrice
	}
	n := p.NetSize * px
	if n < 0 {
		return -n
	}
	return n
}
