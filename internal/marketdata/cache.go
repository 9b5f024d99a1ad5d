// Package marketdata caches the instrument chain and the volatility input
// used by strike selection.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// DefaultVolatilityTTL is how long a VIX read is reused.
const DefaultVolatilityTTL = 2 * time.Minute

// InstrumentLister is the slice of the broker ChainCache needs.
type InstrumentLister interface {
	ListInstruments(ctx context.Context, exchange string) ([]models.OptionContract, error)
}

// VolatilitySource is the slice of the broker VolatilityCache needs.
type VolatilitySource interface {
	VolatilityIndex(ctx context.Context) (float64, error)
}

// ChainCache holds the option chain for one trading day. The instrument dump
// is large and only changes overnight.
type ChainCache struct {
	source   InstrumentLister
	logger   logrus.FieldLogger
	location *time.Location
	now      func() time.Time
	day      string
	exchange string
	chain    []models.OptionContract
	mu       sync.Mutex
}

// NewChainCache creates a cache that reloads when the calendar date in loc changes.
func NewChainCache(source InstrumentLister, exchange string, loc *time.Location, logger logrus.FieldLogger, now func() time.Time) *ChainCache {
	if source == nil {
		panic("marketdata.NewChainCache: source must not be nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &ChainCache{source: source, exchange: exchange, location: loc, logger: logger, now: now}
}

// Chain returns today's contracts, loading them on first use each day. A
// failed load is not cached.
func (c *ChainCache) Chain(ctx context.Context) ([]models.OptionContract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := c.now().In(c.location).Format("2006-01-02")
	if c.day == day && len(c.chain) > 0 {
		return c.chain, nil
	}

	chain, err := c.source.ListInstruments(ctx, c.exchange)
	if err != nil {
		return nil, fmt.Errorf("loading %s instruments: %w", c.exchange, err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("loading %s instruments: %w", c.exchange, broker.ErrInstrumentNotFound)
	}

	c.day = day
	c.chain = chain
	c.logger.WithFields(logrus.Fields{"day": day, "contracts": len(chain)}).Info("instrument chain loaded")
	return chain, nil
}

// Invalidate forces the next Chain call to reload.
func (c *ChainCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = ""
	c.chain = nil
}

// VolatilityCache converts the India VIX level into an annualised volatility
// (VIX/100) and reuses it for a TTL.
type VolatilityCache struct {
	fetchedAt time.Time
	source    VolatilitySource
	now       func() time.Time
	ttl       time.Duration
	value     float64
	mu        sync.Mutex
}

// NewVolatilityCache creates a cache. A non-positive ttl uses DefaultVolatilityTTL.
func NewVolatilityCache(source VolatilitySource, ttl time.Duration, now func() time.Time) *VolatilityCache {
	if source == nil {
		panic("marketdata.NewVolatilityCache: source must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultVolatilityTTL
	}
	if now == nil {
		now = time.Now
	}
	return &VolatilityCache{source: source, ttl: ttl, now: now}
}

// Volatility returns the annualised volatility, e.g. 0.14 for a VIX of 14.
func (v *VolatilityCache) Volatility(ctx context.Context) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if v.value > 0 && now.Sub(v.fetchedAt) < v.ttl {
		return v.value, nil
	}

	vix, err := v.source.VolatilityIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching volatility index: %w", err)
	}
	if vix <= 0 {
		return 0, fmt.Errorf("volatility index must be positive, got %.2f", vix)
	}
	v.value = vix / 100
	v.fetchedAt = now
	return v.value, nil
}
