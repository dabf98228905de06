package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradecore/internal/logger"
	"tradecore/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

// Source 基于 go-binance SDK 实现 market.Source（USDⓈ-M 合约）。
type Source struct {
	cfg    Config
	client *futures.Client

	mu          sync.Mutex
	barCancel   context.CancelFunc
	quoteCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func newClient(cfg Config) (*futures.Client, error) {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = cfg.RESTBaseURL
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyEnabled && cfg.RESTProxyURL != "" {
		proxyURL, err := url.Parse(cfg.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if cfg.ProxyEnabled {
		wsProxy := cfg.WSProxyURL
		if wsProxy == "" {
			wsProxy = cfg.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return client, nil
}

func NewSource(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client, err := newClient(final)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: final, client: client}, nil
}

// SubscribeBars streams closed klines only; an open kline could leak future
// volume into a bar that the feature engine treats as final.
func (s *Source) SubscribeBars(ctx context.Context, instruments []string, interval string, opts market.SubscribeOptions) (<-chan market.Bar, error) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	mapping := make(map[string][]string)
	for _, inst := range instruments {
		clean := market.NormalizeInstrument(inst)
		if clean == "" {
			continue
		}
		mapping[clean] = []string{interval}
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("no valid instruments for bar subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.Bar, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.barCancel != nil {
		s.barCancel()
	}
	s.barCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runBarLoop(subCtx, mapping, out, opts)
	}()
	return out, nil
}

func (s *Source) SubscribeQuotes(ctx context.Context, instruments []string, opts market.SubscribeOptions) (<-chan market.Quote, error) {
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if clean := market.NormalizeInstrument(inst); clean != "" {
			symbols = append(symbols, clean)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("instruments are required for quote subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan market.Quote, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.quoteCancel != nil {
		s.quoteCancel()
	}
	s.quoteCancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			s.runQuoteLoop(subCtx, sym, out, opts)
		}(sym)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (s *Source) runBarLoop(ctx context.Context, mapping map[string][]string, out chan<- market.Bar, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			bar, ok := convertKlineEvent(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case out <- bar:
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedKlineServeMultiInterval(mapping, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) runQuoteLoop(ctx context.Context, symbol string, out chan<- market.Quote, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		handler := func(event *futures.WsBookTickerEvent) {
			q, ok := convertBookTicker(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case out <- q:
			default:
				s.recordDrop()
				logger.Warnf("[binance] quote channel full, drop %s", q.Instrument)
			}
		}
		errHandler := func(err error) {
			if err != nil {
				s.recordSubscribeError(err)
			}
		}
		doneC, stopC, err := futures.WsBookTickerServe(symbol, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		s.recordReconnect(nil)
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.barCancel != nil {
		s.barCancel()
		s.barCancel = nil
	}
	if s.quoteCancel != nil {
		s.quoteCancel()
		s.quoteCancel = nil
	}
	return nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertKlineEvent(ev *futures.WsKlineEvent) (market.Bar, bool) {
	if ev == nil || !ev.Kline.IsFinal {
		return market.Bar{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.ToLower(strings.TrimSpace(ev.Kline.Interval))
	if symbol == "" || interval == "" {
		return market.Bar{}, false
	}
	bar := market.Bar{
		Instrument: symbol,
		Interval:   interval,
		OpenTime:   time.UnixMilli(ev.Kline.StartTime).UTC(),
		CloseTime:  time.UnixMilli(ev.Kline.EndTime).UTC(),
		Open:       parseFloat(ev.Kline.Open),
		High:       parseFloat(ev.Kline.High),
		Low:        parseFloat(ev.Kline.Low),
		Close:      parseFloat(ev.Kline.Close),
		Volume:     parseFloat(ev.Kline.Volume),
	}
	if err := bar.Validate(); err != nil {
		logger.Warnf("[binance] drop kline: %v", err)
		return market.Bar{}, false
	}
	return bar, true
}

// convertBookTicker keeps malformed quotes: the interlock's data layer is the
// one that decides a quote is corrupt, so it has to see it.
func convertBookTicker(ev *futures.WsBookTickerEvent) (market.Quote, bool) {
	if ev == nil {
		return market.Quote{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return market.Quote{}, false
	}
	ts := ev.Time
	if ts == 0 {
		ts = ev.TransactionTime
	}
	return market.Quote{
		Instrument: symbol,
		Bid:        parseFloat(ev.BestBidPrice),
		Ask:        parseFloat(ev.BestAskPrice),
		Time:       time.UnixMilli(ts).UTC(),
	}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

func (s *Source) recordDrop() {
	s.statsMu.Lock()
	s.stats.DroppedEvents++
	s.statsMu.Unlock()
}
