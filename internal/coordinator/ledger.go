package coordinator

import (
	"math"
	"sort"
	"time"

	"tradecore/internal/execution"
)

type position struct {
	net      float64
	avg      float64
	realized float64
	mark     float64
	openedAt time.Time
	updated  time.Time
}

// ledger tracks positions from fills as the coordinator sees them. It is
// independent of the adapter so live and simulated runs report the same way.
type ledger struct {
	initial    float64
	realized   float64
	commission float64
	positions  map[string]*position
}

func newLedger(initial float64) *ledger {
	return &ledger{initial: initial, positions: make(map[string]*position)}
}

// apply nets a fill into its instrument and returns the realized P&L of the
// closed part.
func (l *ledger) apply(instrument string, side execution.Side, size, price, commission float64, at time.Time) float64 {
	if size <= 0 || price <= 0 {
		return 0
	}
	p := l.positions[instrument]
	if p == nil {
		p = &position{}
		l.positions[instrument] = p
	}
	signed := size * side.Sign()
	var realized float64
	switch {
	case p.net == 0:
		p.net, p.avg, p.openedAt = signed, price, at
	case p.net*signed > 0:
		total := p.net + signed
		p.avg = (p.avg*math.Abs(p.net) + price*size) / math.Abs(total)
		p.net = total
	default:
		closed := math.Min(math.Abs(p.net), size)
		realized = closed * (price - p.avg) * sign(p.net)
		rest := p.net + signed
		switch {
		case math.Abs(rest) < 1e-12:
			p.net, p.avg, p.openedAt = 0, 0, time.Time{}
		case rest*p.net < 0:
			// flipped: the remainder opens at the fill price
			p.net, p.avg, p.openedAt = rest, price, at
		default:
			p.net = rest
		}
	}
	p.realized += realized
	p.mark = price
	p.updated = at
	l.realized += realized
	l.commission += commission
	return realized - commission
}

func (l *ledger) markPrice(instrument string, price float64, at time.Time) {
	if p := l.positions[instrument]; p != nil && price > 0 {
		p.mark = price
		p.updated = at
	}
}

func (l *ledger) balance() float64 {
	return l.initial + l.realized - l.commission
}

func (l *ledger) unrealized() float64 {
	var u float64
	for _, p := range l.positions {
		if p.net != 0 && p.mark > 0 {
			u += p.net * (p.mark - p.avg)
		}
	}
	return u
}

func (l *ledger) equity() float64 { return l.balance() + l.unrealized() }

func (l *ledger) gross() float64 {
	var g float64
	for _, p := range l.positions {
		px := p.mark
		if px <= 0 {
			px = p.avg
		}
		g += math.Abs(p.net) * px
	}
	return g
}

func (l *ledger) open() []execution.Position {
	out := make([]execution.Position, 0, len(l.positions))
	for inst, p := range l.positions {
		if p.net == 0 {
			continue
		}
		var unreal float64
		if p.mark > 0 {
			unreal = p.net * (p.mark - p.avg)
		}
		out = append(out, execution.Position{
			Instrument:    inst,
			NetSize:       p.net,
			AvgPrice:      p.avg,
			RealizedPnL:   p.realized,
			UnrealizedPnL: unreal,
			MarkPrice:     p.mark,
			OpenedAt:      p.openedAt,
			UpdatedAt:     p.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
