// Package retry wraps a broker with bounded retries on transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// Config controls the retry schedule. A Multiplier of 1 gives a fixed delay.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
	Jitter      bool
}

// DefaultConfig retries three times, one second apart.
var DefaultConfig = Config{
	MaxAttempts: 3,
	Backoff:     1 * time.Second,
	Multiplier:  1,
	MaxBackoff:  10 * time.Second,
}

// Broker retries broker calls that fail with transient errors. Order
// placement is only retried on rate-limit rejections, since any other failure
// may have reached the exchange.
type Broker struct {
	broker.Broker
	logger logrus.FieldLogger
	config Config
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker wraps b. A nil logger uses the logrus standard logger.
func NewBroker(b broker.Broker, logger logrus.FieldLogger, config ...Config) *Broker {
	if b == nil {
		panic("retry.NewBroker: broker must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Broker{Broker: b, logger: logger, config: cfg}
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// attempts are used up.
func Do[T any](ctx context.Context, r *Broker, op string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := r.config.Backoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		res, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Info("call succeeded after retry")
			}
			return res, nil
		}
		lastErr = err

		if !retryable(err) || attempt == r.config.MaxAttempts {
			break
		}

		r.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": backoff,
		}).WithError(err).Warn("transient broker error, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = r.calculateNextBackoff(backoff)
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, lastErr
}

func (r *Broker) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * r.config.Multiplier)
	if r.config.MaxBackoff > 0 && backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}

	if !r.config.Jitter {
		return backoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.WithError(err).Debug("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransientError reports whether err looks like a network or server hiccup.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsRateLimit(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// ListInstruments retries on transient errors.
func (r *Broker) ListInstruments(ctx context.Context, exchange string) ([]models.OptionContract, error) {
	return Do(ctx, r, "list_instruments", IsTransientError, func(ctx context.Context) ([]models.OptionContract, error) {
		return r.Broker.ListInstruments(ctx, exchange)
	})
}

// Quote retries on transient errors.
func (r *Broker) Quote(ctx context.Context, instrumentID string) (models.Quote, error) {
	return Do(ctx, r, "quote", IsTransientError, func(ctx context.Context) (models.Quote, error) {
		return r.Broker.Quote(ctx, instrumentID)
	})
}

// HistoricalCandles retries on transient errors.
func (r *Broker) HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error) {
	return Do(ctx, r, "historical_candles", IsTransientError, func(ctx context.Context) ([]models.Candle, error) {
		return r.Broker.HistoricalCandles(ctx, instrumentID, from, to, interval)
	})
}

// VolatilityIndex retries on transient errors.
func (r *Broker) VolatilityIndex(ctx context.Context) (float64, error) {
	return Do(ctx, r, "volatility_index", IsTransientError, r.Broker.VolatilityIndex)
}

// UnderlyingPrice retries on transient errors.
func (r *Broker) UnderlyingPrice(ctx context.Context) (float64, error) {
	return Do(ctx, r, "underlying_price", IsTransientError, r.Broker.UnderlyingPrice)
}

// PlaceOrder retries only rate-limit rejections.
func (r *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return Do(ctx, r, "place_order", broker.IsRateLimit, func(ctx context.Context) (string, error) {
		return r.Broker.PlaceOrder(ctx, req)
	})
}

// PlaceStopOrder retries only rate-limit rejections.
func (r *Broker) PlaceStopOrder(ctx context.Context, req broker.StopOrderRequest) (string, error) {
	return Do(ctx, r, "place_stop_order", broker.IsRateLimit, func(ctx context.Context) (string, error) {
		return r.Broker.PlaceStopOrder(ctx, req)
	})
}

// ModifyOrder retries on transient errors; modifying to the same prices twice is harmless.
func (r *Broker) ModifyOrder(ctx context.Context, orderID string, triggerPrice, limitPrice float64) (string, error) {
	return Do(ctx, r, "modify_order", IsTransientError, func(ctx context.Context) (string, error) {
		return r.Broker.ModifyOrder(ctx, orderID, triggerPrice, limitPrice)
	})
}

// CancelOrder retries on transient errors.
func (r *Broker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := Do(ctx, r, "cancel_order", IsTransientError, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Broker.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus retries on transient errors.
func (r *Broker) OrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	return Do(ctx, r, "order_status", IsTransientError, func(ctx context.Context) (broker.OrderStatus, error) {
		return r.Broker.OrderStatus(ctx, orderID)
	})
}
