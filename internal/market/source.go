package market

import (
	"context"
	"sync"
)

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	DroppedEvents   int
	LastError       string
}

// Source delivers closed bars and top-of-book quotes. Channels are closed when
// ctx is done or the source is closed.
type Source interface {
	SubscribeBars(ctx context.Context, instruments []string, interval string, opts SubscribeOptions) (<-chan Bar, error)
	SubscribeQuotes(ctx context.Context, instruments []string, opts SubscribeOptions) (<-chan Quote, error)
	Stats() SourceStats
	Close() error
}

// ChannelSource replays caller-owned channels. It backs the parity check and
// tests, where bars come from memory rather than a venue.
type ChannelSource struct {
	bars   <-chan Bar
	quotes <-chan Quote

	mu     sync.Mutex
	closed bool
}

func NewChannelSource(bars <-chan Bar, quotes <-chan Quote) *ChannelSource {
	return &ChannelSource{bars: bars, quotes: quotes}
}

func (s *ChannelSource) SubscribeBars(ctx context.Context, _ []string, _ string, _ SubscribeOptions) (<-chan Bar, error) {
	return s.bars, nil
}

func (s *ChannelSource) SubscribeQuotes(ctx context.Context, _ []string, _ SubscribeOptions) (<-chan Quote, error) {
	return s.quotes, nil
}

func (s *ChannelSource) Stats() SourceStats { return SourceStats{} }

func (s *ChannelSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// BarsFromSlice returns a closed channel holding bars in order.
func BarsFromSlice(bars []Bar) <-chan Bar {
	ch := make(chan Bar, len(bars))
	for _, b := range bars {
		ch <- b
	}
	close(ch)
	return ch
}
