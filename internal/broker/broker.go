package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"momobot/internal/md"
)

// ErrNotFound is returned when the broker has no such order or position.
var ErrNotFound = errors.New("broker: not found")

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          Side
	Type          OrderType
	TimeInForce   string
	ClientOrderID string
	ExtendedHours bool
	LimitPrice    *float64
}

type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Status         string
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	SubmittedAt    time.Time
}

type Position struct {
	Symbol          string
	Qty             int
	AvgEntry        float64
	CurrentPrice    float64
	UnrealizedPL    float64
	UnrealizedPLPct float64
}

type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

type TimeFrame string

const (
	OneMin  TimeFrame = "1Min"
	TwoMin  TimeFrame = "2Min"
	FiveMin TimeFrame = "5Min"
	OneDay  TimeFrame = "1Day"
)

// Duration is the bar length, or 0 for an unsupported timeframe.
func (tf TimeFrame) Duration() time.Duration {
	_, d, err := parseTimeFrame(tf)
	if err != nil {
		return 0
	}
	return d
}

type BarsRequest struct {
	Symbol    string
	TimeFrame TimeFrame
	Limit     int
	Start     time.Time
	End       time.Time
}

type Client struct {
	client *alpaca.Client
	data   *marketdata.Client
	feed   marketdata.Feed
	now    func() time.Time
}

func New(apiKey, apiSecret, baseURL, feed string) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Client{
		client: alpaca.NewClient(opts),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		feed: md.ParseFeed(feed),
		now:  time.Now,
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	if req.LimitPrice != nil {
		limitPrice := decimal.NewFromFloat(*req.LimitPrice).Round(2)
		orderReq.LimitPrice = &limitPrice
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		slog.Error("place order failed", "side", req.Side, "symbol", req.Symbol, "qty", req.Qty, "type", req.Type, "client_order_id", req.ClientOrderID, "error", err)
		return Order{}, mapErr(err)
	}

	slog.Info("place order success", "order_id", order.ID, "side", req.Side, "symbol", req.Symbol, "qty", req.Qty, "type", req.Type, "status", order.Status)
	return toOrder(order), nil
}

func (c *Client) Order(ctx context.Context, id string) (Order, error) {
	order, err := c.client.GetOrder(id)
	if err != nil {
		return Order{}, mapErr(err)
	}
	return toOrder(order), nil
}

func (c *Client) CancelOrder(ctx context.Context, id string) error {
	if err := c.client.CancelOrder(id); err != nil {
		slog.Error("cancel order failed", "order_id", id, "error", err)
		return mapErr(err)
	}
	return nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]Order, error) {
	req := alpaca.GetOrdersRequest{
		Status: "open",
	}
	orders, err := c.client.GetOrders(req)
	if err != nil {
		slog.Error("fetch open orders failed", "error", err)
		return nil, err
	}
	slog.Debug("open orders fetched", "count", len(orders))
	out := make([]Order, 0, len(orders))
	for i := range orders {
		out = append(out, toOrder(&orders[i]))
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	positions, err := c.client.GetPositions()
	if err != nil {
		slog.Error("fetch positions failed", "error", err)
		return nil, err
	}
	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		out = append(out, toPosition(pos))
	}
	return out, nil
}

func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	pos, err := c.client.GetPosition(symbol)
	if err != nil {
		return Position{}, mapErr(err)
	}
	return toPosition(*pos), nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	acct, err := c.client.GetAccount()
	if err != nil {
		slog.Error("fetch account failed", "error", err)
		return Account{}, err
	}
	equity, _ := acct.Equity.Float64()
	cash, _ := acct.Cash.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()

	slog.Debug("account fetched", "equity", equity, "buying_power", buyingPower)
	return Account{Equity: equity, Cash: cash, BuyingPower: buyingPower}, nil
}

func (c *Client) Clock(ctx context.Context) (Clock, error) {
	clock, err := c.client.GetClock()
	if err != nil {
		return Clock{}, err
	}
	return Clock{
		Timestamp: clock.Timestamp,
		IsOpen:    clock.IsOpen,
		NextOpen:  clock.NextOpen,
		NextClose: clock.NextClose,
	}, nil
}

func (c *Client) LatestQuote(ctx context.Context, symbol string) (md.Quote, error) {
	q, err := c.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: c.feed})
	if err != nil {
		return md.Quote{}, mapErr(err)
	}
	if q == nil {
		return md.Quote{}, fmt.Errorf("latest quote %s: %w", symbol, ErrNotFound)
	}
	return md.Quote{
		Symbol:    symbol,
		Bid:       q.BidPrice,
		Ask:       q.AskPrice,
		Timestamp: q.Timestamp,
	}, nil
}

// Bars returns up to req.Limit of the most recent bars, oldest first.
func (c *Client) Bars(ctx context.Context, req BarsRequest) ([]md.Bar, error) {
	tf, span, err := parseTimeFrame(req.TimeFrame)
	if err != nil {
		return nil, err
	}
	start := req.Start
	if start.IsZero() {
		// Cover overnight and weekend gaps so Limit bars are available.
		lookback := span * time.Duration(max(req.Limit, 1)) * 4
		if lookback < 96*time.Hour {
			lookback = 96 * time.Hour
		}
		start = c.now().Add(-lookback)
	}
	bars, err := c.data.GetBars(req.Symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       req.End,
		Feed:      c.feed,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]md.Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, md.Bar{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[len(out)-req.Limit:]
	}
	return out, nil
}

func parseTimeFrame(tf TimeFrame) (marketdata.TimeFrame, time.Duration, error) {
	switch tf {
	case OneMin:
		return marketdata.OneMin, time.Minute, nil
	case TwoMin:
		return marketdata.NewTimeFrame(2, marketdata.Min), 2 * time.Minute, nil
	case FiveMin:
		return marketdata.NewTimeFrame(5, marketdata.Min), 5 * time.Minute, nil
	case OneDay:
		return marketdata.OneDay, 24 * time.Hour, nil
	default:
		return marketdata.TimeFrame{}, 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
}

func toOrder(order *alpaca.Order) Order {
	out := Order{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          Side(order.Side),
		Status:        string(order.Status),
		SubmittedAt:   order.SubmittedAt,
	}
	if order.Qty != nil {
		out.Qty, _ = order.Qty.Float64()
	}
	out.FilledQty, _ = order.FilledQty.Float64()
	if order.FilledAvgPrice != nil {
		out.FilledAvgPrice, _ = order.FilledAvgPrice.Float64()
	}
	return out
}

func toPosition(pos alpaca.Position) Position {
	out := Position{
		Symbol: pos.Symbol,
		Qty:    int(pos.Qty.IntPart()),
	}
	out.AvgEntry, _ = pos.AvgEntryPrice.Float64()
	if pos.CurrentPrice != nil {
		out.CurrentPrice, _ = pos.CurrentPrice.Float64()
	}
	if pos.UnrealizedPL != nil {
		out.UnrealizedPL, _ = pos.UnrealizedPL.Float64()
	}
	if pos.UnrealizedPLPC != nil {
		out.UnrealizedPLPct, _ = pos.UnrealizedPLPC.Float64()
	}
	return out
}

func mapErr(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
