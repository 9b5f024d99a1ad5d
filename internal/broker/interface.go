// Package broker defines the market-data and order-gateway contracts used by
// the strategy, plus the Kite Connect, paper and circuit-breaker implementations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

var (
	// ErrInstrumentNotFound is returned when an instrument id is not in the dump.
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrQuoteUnavailable is returned when the provider has no price for an instrument.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
)

// MarketData is the read side of the broker.
type MarketData interface {
	// ListInstruments returns the option contracts of the configured underlying on exchange.
	ListInstruments(ctx context.Context, exchange string) ([]models.OptionContract, error)
	Quote(ctx context.Context, instrumentID string) (models.Quote, error)
	HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error)
	// VolatilityIndex returns the raw index level (14.2 means 14.2%).
	VolatilityIndex(ctx context.Context) (float64, error)
	UnderlyingPrice(ctx context.Context) (float64, error)
}

// OrderGateway is the write side of the broker.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (string, error)
	// ModifyOrder moves a pending stop order and returns the (possibly new) order id.
	ModifyOrder(ctx context.Context, orderID string, triggerPrice, limitPrice float64) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
}

// Broker is everything the session needs from a brokerage.
type Broker interface {
	MarketData
	OrderGateway
}

// OrderType is the execution style of a regular order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
)

// Order statuses as reported by Kite.
const (
	StatusComplete       = "COMPLETE"
	StatusOpen           = "OPEN"
	StatusTriggerPending = "TRIGGER PENDING"
	StatusCancelled      = "CANCELLED"
	StatusRejected       = "REJECTED"
)

// OrderRequest describes a market or limit order.
type OrderRequest struct {
	Contract    models.OptionContract
	Side        models.Side
	Type        OrderType
	Tag         string
	Quantity    int
	Price       float64
	AfterMarket bool
}

// StopOrderRequest describes a stop-limit order.
type StopOrderRequest struct {
	Contract     models.OptionContract
	Side         models.Side
	Tag          string
	Quantity     int
	TriggerPrice float64
	LimitPrice   float64
}

// OrderStatus is the latest known state of an order.
type OrderStatus struct {
	UpdatedAt      time.Time
	OrderID        string
	Status         string
	Message        string
	AveragePrice   float64
	FilledQuantity float64
}

// IsComplete reports whether the order is fully executed.
func (s OrderStatus) IsComplete() bool {
	return strings.EqualFold(s.Status, StatusComplete)
}

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch strings.ToUpper(s.Status) {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// APIError wraps a failure reported by the broker API.
type APIError struct {
	Op      string
	Type    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Type, e.Message)
}

// IsRateLimit reports whether err is a throttling rejection from the broker.
// A rejected request was never accepted, so it is always safe to resend.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429")
}

// InstrumentID builds the EXCHANGE:TRADINGSYMBOL key used for quotes.
func InstrumentID(exchange, tradingSymbol string) string {
	return exchange + ":" + tradingSymbol
}

// SplitInstrumentID is the inverse of InstrumentID.
func SplitInstrumentID(id string) (exchange, tradingSymbol string, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed instrument id %q", id)
	}
	return parts[0], parts[1], nil
}
