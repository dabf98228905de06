package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"tradecore/internal/execution"
	"tradecore/internal/market"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

// Venue 把 execution.Venue 落到 USDⓈ-M 合约 REST 接口上。
type Venue struct {
	cfg    Config
	client *futures.Client
}

func NewVenue(cfg Config) (*Venue, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.APISecret == "" {
		return nil, fmt.Errorf("binance venue requires api key and secret")
	}
	client, err := newClient(final)
	if err != nil {
		return nil, err
	}
	return &Venue{cfg: final, client: client}, nil
}

// Binance error codes that matter for retry decisions.
const (
	codeUnknown          = -1000
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeUnexpectedResp   = -1006
	codeTimeout          = -1007
	codeServerBusy       = -1008
	codeTooManyOrders    = -1015
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
	codeDuplicateOrderID = -4116
)

func (v *Venue) PlaceOrder(ctx context.Context, o execution.VenueOrder) (execution.VenueAck, error) {
	symbol := market.NormalizeInstrument(o.Instrument)
	svc := v.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(o.Side)).
		Quantity(formatFloat(o.Size)).
		NewClientOrderID(o.ClientID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if o.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	switch o.Type {
	case execution.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(o.LimitPrice))
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeDuplicateOrderID {
			// 同一 client id 已经下过单，以交易所记录为准。
			return v.QueryOrder(ctx, symbol, o.ClientID)
		}
		return execution.VenueAck{}, classify(err)
	}
	return ackFromFields(resp.OrderID, string(resp.Status), resp.ExecutedQuantity, resp.AvgPrice), nil
}

func (v *Venue) CancelOrder(ctx context.Context, instrument, clientID string) error {
	_, err := v.client.NewCancelOrderService().
		Symbol(market.NormalizeInstrument(instrument)).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (v *Venue) QueryOrder(ctx context.Context, instrument, clientID string) (execution.VenueAck, error) {
	order, err := v.client.NewGetOrderService().
		Symbol(market.NormalizeInstrument(instrument)).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return execution.VenueAck{}, classify(err)
	}
	return ackFromFields(order.OrderID, string(order.Status), order.ExecutedQuantity, order.AvgPrice), nil
}

func (v *Venue) Positions(ctx context.Context) ([]execution.Position, error) {
	risks, err := v.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	now := time.Now().UTC()
	out := make([]execution.Position, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		size := parseFloat(r.PositionAmt)
		if size == 0 {
			continue
		}
		out = append(out, execution.Position{
			Instrument:    r.Symbol,
			NetSize:       size,
			AvgPrice:      parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			UpdatedAt:     now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (v *Venue) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := v.client.NewPingService().Do(ctx); err != nil {
		return 0, classify(err)
	}
	return time.Since(start), nil
}

// classify maps SDK errors onto the execution error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		if execution.IsTransient(err) {
			return execution.Transient("", err)
		}
		// 非 API 错误多半是连接或解码问题，按可重试处理。
		return execution.Transient("transport", err)
	}
	code := strconv.FormatInt(apiErr.Code, 10)
	switch apiErr.Code {
	case codeCancelRejected, codeNoSuchOrder:
		return execution.Permanent(code, fmt.Errorf("%w: %s", execution.ErrOrderNotFound, apiErr.Message))
	case codeUnknown, codeDisconnected, codeTooManyRequests, codeUnexpectedResp, codeTimeout, codeServerBusy, codeTooManyOrders:
		return execution.Transient(code, apiErr)
	}
	return execution.Permanent(code, apiErr)
}

func ackFromFields(orderID int64, status, executed, avgPrice string) execution.VenueAck {
	ack := execution.VenueAck{
		VenueRef:   strconv.FormatInt(orderID, 10),
		FilledSize: parseFloat(executed),
		AvgPrice:   parseFloat(avgPrice),
	}
	switch status {
	case "FILLED":
		ack.Status = execution.StatusFilled
	case "NEW", "PARTIALLY_FILLED":
		ack.Status = execution.StatusAccepted
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		ack.Status = execution.StatusCancelled
		ack.Reason = status
	case "REJECTED":
		ack.Status = execution.StatusRejected
		ack.Reason = status
	default:
		ack.Status = execution.StatusAccepted
		ack.Reason = status
	}
	return ack
}

func sideType(s execution.Side) futures.SideType {
	if s == execution.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
