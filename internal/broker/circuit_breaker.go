package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5
// calls and stays open for 30 seconds.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings.
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "KiteCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Missing instruments and absent quotes are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInstrumentNotFound) ||
				errors.Is(err, ErrQuoteUnavailable) ||
				errors.Is(err, ErrOrderNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// ListInstruments wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ListInstruments(ctx context.Context, exchange string) ([]models.OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.OptionContract, error) {
		return b.ListInstruments(ctx, exchange)
	})
}

// Quote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) Quote(ctx context.Context, instrumentID string) (models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Quote, error) {
		return b.Quote(ctx, instrumentID)
	})
}

// HistoricalCandles wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Candle, error) {
		return b.HistoricalCandles(ctx, instrumentID, from, to, interval)
	})
}

// VolatilityIndex wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) VolatilityIndex(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.VolatilityIndex(ctx)
	})
}

// UnderlyingPrice wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) UnderlyingPrice(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.UnderlyingPrice(ctx)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// PlaceStopOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceStopOrder(ctx context.Context, req StopOrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceStopOrder(ctx, req)
	})
}

// ModifyOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ModifyOrder(ctx context.Context, orderID string, triggerPrice, limitPrice float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.ModifyOrder(ctx, orderID, triggerPrice, limitPrice)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (OrderStatus, error) {
		return b.OrderStatus(ctx, orderID)
	})
}
