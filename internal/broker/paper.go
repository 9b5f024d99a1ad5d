package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// PaperBroker simulates order execution on top of a live or synthetic
// MarketData. Market orders fill at the last traded price. Stop orders are
// evaluated lazily when their status is requested.
type PaperBroker struct {
	MarketData

	now    func() time.Time
	orders map[string]*paperOrder
	placed []string
	mu     sync.Mutex
}

type paperOrder struct {
	updatedAt    time.Time
	contract     models.OptionContract
	id           string
	status       string
	side         models.Side
	orderType    OrderType
	quantity     int
	triggerPrice float64
	limitPrice   float64
	averagePrice float64
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a simulated gateway over data. A nil clock uses time.Now.
func NewPaperBroker(data MarketData, now func() time.Time) *PaperBroker {
	if data == nil {
		panic("broker.NewPaperBroker: market data must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &PaperBroker{
		MarketData: data,
		now:        now,
		orders:     make(map[string]*paperOrder),
	}
}

func newPaperOrderID() string {
	return "PAPER-" + uuid.New().String()
}

// PlaceOrder fills market orders immediately at the LTP. Limit orders fill
// when marketable and otherwise rest as OPEN.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("place order: quantity must be positive, got %d", req.Quantity)
	}
	quote, err := p.Quote(ctx, req.Contract.ID)
	if err != nil {
		return "", err
	}

	orderType := req.Type
	if orderType == "" {
		orderType = OrderTypeMarket
	}
	o := &paperOrder{
		id:         newPaperOrderID(),
		contract:   req.Contract,
		side:       req.Side,
		orderType:  orderType,
		quantity:   req.Quantity,
		limitPrice: req.Price,
		status:     StatusOpen,
		updatedAt:  p.now(),
	}
	if orderType == OrderTypeMarket || marketable(req.Side, req.Price, quote.LastPrice) {
		o.status = StatusComplete
		o.averagePrice = quote.LastPrice
	}

	p.store(o)
	return o.id, nil
}

// PlaceStopOrder registers a stop-limit order as TRIGGER PENDING.
func (p *PaperBroker) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("place stop order: quantity must be positive, got %d", req.Quantity)
	}
	o := &paperOrder{
		id:           newPaperOrderID(),
		contract:     req.Contract,
		side:         req.Side,
		orderType:    OrderTypeSL,
		quantity:     req.Quantity,
		triggerPrice: req.TriggerPrice,
		limitPrice:   req.LimitPrice,
		status:       StatusTriggerPending,
		updatedAt:    p.now(),
	}
	p.store(o)
	return o.id, nil
}

// ModifyOrder moves a pending stop. Completed or cancelled orders cannot change.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, triggerPrice, limitPrice float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.status != StatusTriggerPending && o.status != StatusOpen {
		return "", &APIError{Op: "modify_order", Type: "OrderException", Message: "order is " + o.status}
	}
	o.triggerPrice = triggerPrice
	o.limitPrice = limitPrice
	o.updatedAt = p.now()
	return orderID, nil
}

// CancelOrder cancels a pending order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.status == StatusComplete {
		return &APIError{Op: "cancel_order", Type: "OrderException", Message: "order is already complete"}
	}
	o.status = StatusCancelled
	o.updatedAt = p.now()
	return nil
}

// OrderStatus reports an order, first checking whether a pending stop has
// been triggered by the current LTP.
func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	var pending bool
	var contractID string
	if ok {
		pending = o.status == StatusTriggerPending || o.status == StatusOpen
		contractID = o.contract.ID
	}
	p.mu.Unlock()
	if !ok {
		return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if pending {
		quote, err := p.Quote(ctx, contractID)
		if err != nil {
			return OrderStatus{}, err
		}
		p.mu.Lock()
		p.evaluate(o, quote.LastPrice)
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return OrderStatus{
		OrderID:        o.id,
		Status:         o.status,
		AveragePrice:   o.averagePrice,
		FilledQuantity: filled(o),
		UpdatedAt:      o.updatedAt,
	}, nil
}

// Orders returns the ids of every order placed, oldest first.
func (p *PaperBroker) Orders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.placed...)
}

// CountOrders returns how many orders with the given side and type were placed.
func (p *PaperBroker) CountOrders(side models.Side, orderType OrderType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.placed {
		o := p.orders[id]
		if o.side == side && o.orderType == orderType {
			n++
		}
	}
	return n
}

// StopTrigger returns the current trigger price of a stop order.
func (p *PaperBroker) StopTrigger(orderID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return 0, false
	}
	return o.triggerPrice, true
}

func (p *PaperBroker) store(o *paperOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[o.id] = o
	p.placed = append(p.placed, o.id)
}

// evaluate must be called with p.mu held.
func (p *PaperBroker) evaluate(o *paperOrder, ltp float64) {
	switch o.status {
	case StatusTriggerPending:
		triggered := (o.side == models.SideBuy && ltp >= o.triggerPrice) ||
			(o.side == models.SideSell && ltp <= o.triggerPrice)
		if !triggered {
			return
		}
		o.status = StatusComplete
		o.averagePrice = ltp
		if o.limitPrice > 0 && o.side == models.SideBuy && ltp > o.limitPrice {
			o.averagePrice = o.limitPrice
		}
		o.updatedAt = p.now()
	case StatusOpen:
		if marketable(o.side, o.limitPrice, ltp) {
			o.status = StatusComplete
			o.averagePrice = ltp
			o.updatedAt = p.now()
		}
	}
}

func marketable(side models.Side, limit, ltp float64) bool {
	if limit <= 0 {
		return false
	}
	if side == models.SideBuy {
		return ltp <= limit
	}
	return ltp >= limit
}

func filled(o *paperOrder) float64 {
	if o.status == StatusComplete {
		return float64(o.quantity)
	}
	return 0
}
