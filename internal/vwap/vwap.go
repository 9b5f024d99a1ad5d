// Package vwap computes volume-weighted average prices from minute candles.
package vwap

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// MinuteInterval is the candle interval requested from the data provider.
const MinuteInterval = "minute"

// CandleSource is the slice of the market data provider this package needs.
type CandleSource interface {
	HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error)
}

// Engine computes trailing-window VWAP for instruments.
type Engine struct {
	source CandleSource
	now    func() time.Time
}

// NewEngine creates an Engine. A nil clock uses time.Now.
func NewEngine(source CandleSource, now func() time.Time) *Engine {
	if source == nil {
		panic("vwap.NewEngine: source must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{source: source, now: now}
}

// VWAP returns the VWAP of contract over the last lookbackMinutes. ok is false
// when there is no data or no volume; err carries any fetch failure and also
// implies ok == false.
func (e *Engine) VWAP(ctx context.Context, contract models.OptionContract, lookbackMinutes int) (value float64, ok bool, err error) {
	if lookbackMinutes <= 0 {
		return 0, false, fmt.Errorf("lookback must be positive, got %d", lookbackMinutes)
	}
	to := e.now()
	from := to.Add(-time.Duration(lookbackMinutes) * time.Minute)

	candles, err := e.source.HistoricalCandles(ctx, contract.ID, from, to, MinuteInterval)
	if err != nil {
		return 0, false, fmt.Errorf("fetching candles for %s: %w", contract.ID, err)
	}
	value, ok = Compute(candles)
	return value, ok, nil
}

// Compute returns Σ(typical×volume)/Σ(volume) over candles.
func Compute(candles []models.Candle) (float64, bool) {
	var pv float64
	var volume int64
	for _, c := range candles {
		if c.Volume <= 0 {
			continue
		}
		pv += c.TypicalPrice() * float64(c.Volume)
		volume += c.Volume
	}
	if volume == 0 {
		return 0, false
	}
	return pv / float64(volume), true
}
