// Package greeks computes Black-Scholes option deltas.
package greeks

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// DaysPerYear converts calendar days to a year fraction.
const DaysPerYear = 365.0

// DefaultRiskFreeRate is the annual rate used by the stock configuration.
const DefaultRiskFreeRate = 0.05

var (
	// ErrInvalidExpiry is returned when the contract has no time left.
	ErrInvalidExpiry = errors.New("invalid expiry: days to expiry must be positive")
	// ErrInvalidInput is returned for non-positive prices or volatility.
	ErrInvalidInput = errors.New("invalid delta input")
)

// Engine computes deltas relative to its clock.
type Engine struct {
	now      func() time.Time
	location *time.Location
}

// NewEngine returns an engine that counts days to expiry in loc (nil means UTC).
func NewEngine(loc *time.Location, now func() time.Time) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now, location: loc}
}

// Delta returns |delta| of contract for the given underlying price, annualised
// volatility (0.14 for 14%) and risk-free rate.
func (e *Engine) Delta(contract models.OptionContract, underlyingPrice, volatility, riskFreeRate float64) (float64, error) {
	days := DaysToExpiry(e.now(), contract.Expiry, e.location)
	return BlackScholesDelta(contract.Type, underlyingPrice, contract.Strike, volatility, riskFreeRate, days)
}

// DaysToExpiry counts whole calendar days from asOf (read in loc) to the
// expiry's calendar date.
func DaysToExpiry(asOf, expiry time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	a := asOf.In(loc)
	from := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(to.Sub(from).Hours() / 24))
}

// BlackScholesDelta computes the absolute delta of a European option.
func BlackScholesDelta(optType models.OptionType, underlyingPrice, strike, volatility, riskFreeRate float64, daysToExpiry int) (float64, error) {
	if daysToExpiry <= 0 {
		return 0, fmt.Errorf("%w: %d days", ErrInvalidExpiry, daysToExpiry)
	}
	if underlyingPrice <= 0 || strike <= 0 || volatility <= 0 ||
		math.IsNaN(underlyingPrice) || math.IsNaN(strike) || math.IsNaN(volatility) || math.IsNaN(riskFreeRate) {
		return 0, fmt.Errorf("%w: price=%.2f strike=%.2f vol=%.4f", ErrInvalidInput, underlyingPrice, strike, volatility)
	}

	t := float64(daysToExpiry) / DaysPerYear
	d1 := (math.Log(underlyingPrice/strike) + (riskFreeRate+volatility*volatility/2)*t) /
		(volatility * math.Sqrt(t))

	var delta float64
	switch optType {
	case models.OptionTypeCall:
		delta = distuv.UnitNormal.CDF(d1)
	case models.OptionTypePut:
		delta = -distuv.UnitNormal.CDF(-d1)
	default:
		return 0, fmt.Errorf("%w: unknown option type %q", ErrInvalidInput, optType)
	}
	return math.Abs(delta), nil
}

// BlackScholesPrice returns the theoretical premium of a European option.
func BlackScholesPrice(optType models.OptionType, underlyingPrice, strike, volatility, riskFreeRate float64, daysToExpiry int) (float64, error) {
	if daysToExpiry <= 0 {
		return 0, fmt.Errorf("%w: %d days", ErrInvalidExpiry, daysToExpiry)
	}
	if underlyingPrice <= 0 || strike <= 0 || volatility <= 0 {
		return 0, fmt.Errorf("%w: price=%.2f strike=%.2f vol=%.4f", ErrInvalidInput, underlyingPrice, strike, volatility)
	}

	t := float64(daysToExpiry) / DaysPerYear
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(underlyingPrice/strike) + (riskFreeRate+volatility*volatility/2)*t) / (volatility * sqrtT)
	d2 := d1 - volatility*sqrtT
	discount := strike * math.Exp(-riskFreeRate*t)

	switch optType {
	case models.OptionTypeCall:
		return underlyingPrice*distuv.UnitNormal.CDF(d1) - discount*distuv.UnitNormal.CDF(d2), nil
	case models.OptionTypePut:
		return discount*distuv.UnitNormal.CDF(-d2) - underlyingPrice*distuv.UnitNormal.CDF(-d1), nil
	}
	return 0, fmt.Errorf("%w: unknown option type %q", ErrInvalidInput, optType)
}
