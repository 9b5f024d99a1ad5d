package strategy

import (
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/nifty_strangler/internal/greeks"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// ATMStrike rounds the underlying price to the nearest strike step.
func ATMStrike(underlyingPrice, step float64) float64 {
	if step <= 0 {
		return underlyingPrice
	}
	return math.Round(underlyingPrice/step) * step
}

// PriceDiffPct returns |call - put| / mean(call, put) * 100. It is symmetric
// in its arguments and returns +Inf when both prices are zero.
func PriceDiffPct(callPrice, putPrice float64) float64 {
	mean := (callPrice + putPrice) / 2
	if mean <= 0 {
		return math.Inf(1)
	}
	return math.Abs(callPrice-putPrice) / mean * 100
}

// Expiries returns the distinct expiry dates in chain, earliest first.
func Expiries(chain []models.OptionContract) []time.Time {
	seen := make(map[string]bool)
	var out []time.Time
	for _, c := range chain {
		key := c.Expiry.Format("2006-01-02")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c.Expiry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// SelectExpiry picks the nearest expiry on or after today. When that expiry
// is within rolloverDays of today, the first expiry beyond today+rolloverDays
// is used instead. ok is false when no expiry qualifies.
func SelectExpiry(chain []models.OptionContract, today time.Time, rolloverDays int, loc *time.Location) (expiry time.Time, rolled bool, ok bool) {
	expiries := Expiries(chain)
	var nearestIdx = -1
	for i, e := range expiries {
		if greeks.DaysToExpiry(today, e, loc) >= 0 {
			nearestIdx = i
			break
		}
	}
	if nearestIdx < 0 {
		return time.Time{}, false, false
	}

	nearest := expiries[nearestIdx]
	if greeks.DaysToExpiry(today, nearest, loc) > rolloverDays {
		return nearest, false, true
	}
	for _, e := range expiries[nearestIdx:] {
		if greeks.DaysToExpiry(today, e, loc) > rolloverDays {
			return e, true, true
		}
	}
	return time.Time{}, true, false
}

// FilterChain keeps the contracts of one expiry whose strike lies within
// atm ± halfWidth, inclusive.
func FilterChain(chain []models.OptionContract, expiry time.Time, atm, halfWidth float64) []models.OptionContract {
	var out []models.OptionContract
	ref := models.OptionContract{Expiry: expiry}
	for _, c := range chain {
		if !c.SameExpiry(ref) {
			continue
		}
		if c.Strike < atm-halfWidth || c.Strike > atm+halfWidth {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FindByStrike returns the contract with the given type, strike and expiry.
func FindByStrike(chain []models.OptionContract, optType models.OptionType, strike float64, expiry time.Time) (models.OptionContract, bool) {
	ref := models.OptionContract{Expiry: expiry}
	for _, c := range chain {
		if c.Type == optType && c.Strike == strike && c.SameExpiry(ref) {
			return c, true
		}
	}
	return models.OptionContract{}, false
}
