package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"momobot/internal/broker"
)

type fakeOrders struct {
	mu        sync.Mutex
	placed    []broker.OrderRequest
	open      []broker.Order
	polls     []broker.Order
	pollIdx   int
	afterStop broker.Order
	canceled  []string
}

func (f *fakeOrders) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return broker.Order{ID: "ord-1", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, Status: "new", Qty: float64(req.Qty)}, nil
}

func (f *fakeOrders) Order(ctx context.Context, id string) (broker.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.canceled) > 0 {
		return f.afterStop, nil
	}
	if f.pollIdx < len(f.polls) {
		o := f.polls[f.pollIdx]
		f.pollIdx++
		return o, nil
	}
	return f.polls[len(f.polls)-1], nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeOrders) OpenOrders(ctx context.Context) ([]broker.Order, error) {
	return f.open, nil
}

func TestSubmitAndWaitFilled(t *testing.T) {
	fake := &fakeOrders{polls: []broker.Order{
		{ID: "ord-1", Status: "new"},
		{ID: "ord-1", Status: "filled", FilledQty: 476, FilledAvgPrice: 10.52},
	}}
	exec := New(fake, time.Millisecond, time.Second)
	limit := 10.55

	fill, err := exec.SubmitAndWait(context.Background(), Intent{Symbol: "TEST", Qty: 476, Side: broker.Buy, LimitPrice: &limit})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !fill.OK || fill.Price != 10.52 || fill.Qty != 476 || fill.Partial {
		t.Fatalf("unexpected fill %+v", fill)
	}
	req := fake.placed[0]
	if req.Type != broker.Limit || req.ClientOrderID == "" || *req.LimitPrice != 10.55 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestSubmitAndWaitRejected(t *testing.T) {
	fake := &fakeOrders{polls: []broker.Order{{ID: "ord-1", Status: "rejected"}}}
	fill, err := New(fake, time.Millisecond, time.Second).SubmitAndWait(context.Background(), Intent{Symbol: "X", Qty: 1, Side: broker.Sell})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fill.OK || fill.Status != "rejected" {
		t.Fatalf("expected rejected failure, got %+v", fill)
	}
	if fake.placed[0].Type != broker.Market {
		t.Fatalf("expected market order without limit price")
	}
}

func TestSubmitAndWaitTimeoutAcceptsPartialFill(t *testing.T) {
	fake := &fakeOrders{
		polls:     []broker.Order{{ID: "ord-1", Status: "partially_filled", FilledQty: 40, FilledAvgPrice: 10.5}},
		afterStop: broker.Order{ID: "ord-1", Status: "canceled", FilledQty: 40, FilledAvgPrice: 10.5},
	}
	fill, err := New(fake, time.Millisecond, 20*time.Millisecond).SubmitAndWait(context.Background(), Intent{Symbol: "X", Qty: 100, Side: broker.Buy})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !fill.OK || !fill.Partial || fill.Qty != 40 {
		t.Fatalf("expected partial fill of 40, got %+v", fill)
	}
	if len(fake.canceled) != 1 {
		t.Fatalf("expected one cancel, got %v", fake.canceled)
	}
}

func TestSubmitAndWaitTimeoutWithoutFill(t *testing.T) {
	fake := &fakeOrders{
		polls:     []broker.Order{{ID: "ord-1", Status: "new"}},
		afterStop: broker.Order{ID: "ord-1", Status: "canceled"},
	}
	fill, err := New(fake, time.Millisecond, 20*time.Millisecond).SubmitAndWait(context.Background(), Intent{Symbol: "X", Qty: 100, Side: broker.Buy})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fill.OK || fill.Status != "timeout" {
		t.Fatalf("expected timeout failure, got %+v", fill)
	}
}

func TestSubmitAndWaitAdoptsOpenOrder(t *testing.T) {
	fake := &fakeOrders{
		open:  []broker.Order{{ID: "ord-9", ClientOrderID: "earlier", Symbol: "X", Side: broker.Buy, Status: "accepted"}},
		polls: []broker.Order{{ID: "ord-9", ClientOrderID: "earlier", Status: "filled", FilledQty: 5, FilledAvgPrice: 3}},
	}
	fill, err := New(fake, time.Millisecond, time.Second).SubmitAndWait(context.Background(), Intent{Symbol: "X", Qty: 5, Side: broker.Buy})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fake.placed) != 0 {
		t.Fatalf("expected no duplicate submission, placed %v", fake.placed)
	}
	if !fill.OK || fill.ClientOrderID != "earlier" {
		t.Fatalf("expected adopted order fill, got %+v", fill)
	}
}

func TestNewClientOrderIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewClientOrderID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
