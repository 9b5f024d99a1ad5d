// Package util provides price rounding helpers for exchange tick sizes.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// DefaultTick is the NSE F&O price tick.
const DefaultTick = 0.05

type roundMode int

const (
	roundNearest roundMode = iota
	roundUp
)

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// A non-positive tick is treated by absolute value; zero returns x unchanged.
func RoundToTick(x, tick float64) float64 {
	return toTick(x, tick, roundNearest)
}

// CeilToTick rounds x up to a tick multiple. Stop triggers use it so they
// never land below the price they must stay above.
func CeilToTick(x, tick float64) float64 {
	return toTick(x, tick, roundUp)
}

func toTick(x, tick float64, mode roundMode) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) || math.IsInf(tick, 0) {
		return x
	}
	t := decimal.NewFromFloat(tick)
	steps := decimal.NewFromFloat(x).Div(t)
	switch mode {
	case roundUp:
		steps = steps.Ceil()
	default:
		steps = steps.Round(0)
	}
	return steps.Mul(t).InexactFloat64()
}

// RoundPoints rounds x to a whole number of points, ties away from zero.
func RoundPoints(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return decimal.NewFromFloat(x).Round(0).InexactFloat64()
}
