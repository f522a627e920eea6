package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"momobot/internal/broker"
)

// Orders is the slice of the broker the executor needs.
type Orders interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error)
	Order(ctx context.Context, id string) (broker.Order, error)
	CancelOrder(ctx context.Context, id string) error
	OpenOrders(ctx context.Context) ([]broker.Order, error)
}

type Intent struct {
	Symbol     string
	Qty        int
	Side       broker.Side
	LimitPrice *float64
	// ClientOrderID is generated when empty.
	ClientOrderID string
}

// Fill is the outcome of SubmitAndWait. Status is the broker's final order
// status, or "timeout" when nothing filled in time.
type Fill struct {
	OK            bool
	OrderID       string
	ClientOrderID string
	Status        string
	Price         float64
	Qty           int
	Partial       bool
}

type Executor struct {
	orders       Orders
	pollInterval time.Duration
	timeout      time.Duration
}

func New(orders Orders, pollInterval, timeout time.Duration) *Executor {
	return &Executor{orders: orders, pollInterval: pollInterval, timeout: timeout}
}

// NewClientOrderID returns a unique id for one intended trade. Callers keep
// it on the intent so a retry of that trade reuses it.
func NewClientOrderID() string {
	return uuid.New().String()
}

// SubmitAndWait submits the order, unless an open order for the same symbol
// and side already exists, and polls until it reaches a final state or the
// timeout elapses. On timeout the order is canceled and any partial fill
// is accepted.
func (e *Executor) SubmitAndWait(ctx context.Context, intent Intent) (Fill, error) {
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = NewClientOrderID()
	}

	order, adopted, err := e.existingOrder(ctx, intent)
	if err != nil {
		return Fill{}, err
	}
	if adopted {
		slog.Warn("adopting existing open order", "symbol", intent.Symbol, "side", intent.Side, "order_id", order.ID, "client_order_id", order.ClientOrderID)
	} else {
		req := broker.OrderRequest{
			Symbol:        intent.Symbol,
			Qty:           intent.Qty,
			Side:          intent.Side,
			Type:          broker.Market,
			TimeInForce:   "day",
			ClientOrderID: intent.ClientOrderID,
			LimitPrice:    intent.LimitPrice,
		}
		if intent.LimitPrice != nil {
			req.Type = broker.Limit
		}
		order, err = e.orders.PlaceOrder(ctx, req)
		if err != nil {
			return Fill{}, fmt.Errorf("submit %s %s: %w", intent.Side, intent.Symbol, err)
		}
	}

	deadline := time.Now().Add(e.timeout)
	for {
		switch order.Status {
		case "filled":
			return fillFrom(order, false), nil
		case "canceled", "expired", "rejected":
			slog.Warn("order ended without fill", "symbol", intent.Symbol, "status", order.Status, "order_id", order.ID)
			return Fill{OrderID: order.ID, ClientOrderID: order.ClientOrderID, Status: order.Status}, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		if err := broker.WaitForContext(ctx, e.pollInterval); err != nil {
			return e.cancelAndSettle(context.WithoutCancel(ctx), order)
		}
		next, err := e.orders.Order(ctx, order.ID)
		if err != nil {
			slog.Error("poll order failed", "order_id", order.ID, "error", err)
			continue
		}
		order = next
	}

	return e.cancelAndSettle(ctx, order)
}

func (e *Executor) existingOrder(ctx context.Context, intent Intent) (broker.Order, bool, error) {
	open, err := e.orders.OpenOrders(ctx)
	if err != nil {
		return broker.Order{}, false, fmt.Errorf("check open orders: %w", err)
	}
	for _, o := range open {
		if o.Symbol == intent.Symbol && o.Side == intent.Side {
			return o, true, nil
		}
	}
	return broker.Order{}, false, nil
}

func (e *Executor) cancelAndSettle(ctx context.Context, order broker.Order) (Fill, error) {
	slog.Warn("order not filled in time, canceling", "symbol", order.Symbol, "order_id", order.ID, "timeout", e.timeout)
	if err := e.orders.CancelOrder(ctx, order.ID); err != nil && !errors.Is(err, broker.ErrNotFound) {
		slog.Error("cancel failed", "order_id", order.ID, "error", err)
	}
	final, err := e.orders.Order(ctx, order.ID)
	if err != nil {
		final = order
	}
	if final.Status == "filled" {
		return fillFrom(final, false), nil
	}
	if final.FilledQty > 0 {
		slog.Info("accepting partial fill", "symbol", final.Symbol, "filled_qty", final.FilledQty, "price", final.FilledAvgPrice)
		return fillFrom(final, true), nil
	}
	return Fill{OrderID: final.ID, ClientOrderID: final.ClientOrderID, Status: "timeout"}, nil
}

func fillFrom(o broker.Order, partial bool) Fill {
	return Fill{
		OK:            true,
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		Price:         o.FilledAvgPrice,
		Qty:           int(o.FilledQty),
		Partial:       partial,
	}
}
