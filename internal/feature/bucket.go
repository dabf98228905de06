package feature

import (
	"math"
	"time"
)

// bucketAccumulator pours classified volume into fixed-size buckets and keeps
// the imbalance of the most recent completed ones.
type bucketAccumulator struct {
	size  float64
	depth int

	buy  float64
	sell float64

	ring  []float64
	head  int
	count int

	lastCompleted time.Time
}

func newBucketAccumulator(size float64, depth int) *bucketAccumulator {
	return &bucketAccumulator{
		size:  size,
		depth: depth,
		ring:  make([]float64, depth),
	}
}

// add splits buy/sell volume across bucket boundaries, keeping the buy share
// constant for every slice of the bar. Whole buckets are counted, not looped,
// so one bar touches at most depth ring slots however large its volume is.
func (a *bucketAccumulator) add(buy, sell float64, at time.Time) {
	total := buy + sell
	if !(total > 0) || math.IsInf(total, 0) {
		return
	}
	share := buy / total

	room := a.size - (a.buy + a.sell)
	if total < room {
		a.buy += buy
		a.sell += sell
		if a.buy+a.sell >= a.size*(1-1e-12) {
			a.complete(at)
		}
		return
	}

	// 先把当前半满的桶补齐
	fill := room * share
	a.buy += fill
	a.sell += room - fill
	a.complete(at)

	rest := total - room
	if whole := math.Floor(rest / a.size); whole > 0 {
		imb := math.Abs(2*share - 1)
		n := a.depth
		if whole < float64(a.depth) {
			n = int(whole)
		}
		for i := 0; i < n; i++ {
			a.push(imb, at)
		}
		rest = math.Mod(rest, a.size)
	}

	a.buy = rest * share
	a.sell = rest - a.buy
	if a.buy+a.sell >= a.size*(1-1e-12) {
		a.complete(at)
	}
}

func (a *bucketAccumulator) complete(at time.Time) {
	a.push(math.Abs(a.buy-a.sell)/a.size, at)
	a.buy, a.sell = 0, 0
}

func (a *bucketAccumulator) push(imb float64, at time.Time) {
	if imb > 1 {
		imb = 1
	}
	a.ring[a.head] = imb
	a.head = (a.head + 1) % a.depth
	if a.count < a.depth {
		a.count++
	}
	a.lastCompleted = at
}

// probability averages completed buckets oldest-first so the float summation
// order, and therefore the result, is fixed for a given input sequence.
func (a *bucketAccumulator) probability() float64 {
	if a.count == 0 {
		return NeutralInformedProbability
	}
	start := (a.head - a.count + a.depth) % a.depth
	sum := 0.0
	for i := 0; i < a.count; i++ {
		sum += a.ring[(start+i)%a.depth]
	}
	p := sum / float64(a.count)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

func (a *bucketAccumulator) completed() int { return a.count }
