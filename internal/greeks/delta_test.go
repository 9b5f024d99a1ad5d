package greeks

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func contract(t models.OptionType, strike float64, expiry time.Time) models.OptionContract {
	return models.OptionContract{Underlying: "NIFTY", Type: t, Strike: strike, Expiry: expiry}
}

func TestBlackScholesDelta_KnownValues(t *testing.T) {
	// ATM call with 30 days, 20% vol, 5% rate: d1 = (0.05+0.02)*t / (0.2*sqrt(t))
	days := 30
	tt := float64(days) / 365
	d1 := (0.05 + 0.02) * tt / (0.2 * math.Sqrt(tt))
	wantCall := 0.5 * math.Erfc(-d1/math.Sqrt2)

	call, err := BlackScholesDelta(models.OptionTypeCall, 100, 100, 0.2, 0.05, days)
	require.NoError(t, err)
	assert.InDelta(t, wantCall, call, 1e-9)

	put, err := BlackScholesDelta(models.OptionTypePut, 100, 100, 0.2, 0.05, days)
	require.NoError(t, err)
	assert.InDelta(t, 1-wantCall, put, 1e-9)
}

func TestBlackScholesDelta_RangeAndMonotonicity(t *testing.T) {
	spot := 19500.0
	prevCall := 1.0
	prevPut := 0.0
	for strike := 18500.0; strike <= 20500; strike += 50 {
		call, err := BlackScholesDelta(models.OptionTypeCall, spot, strike, 0.14, 0.05, 5)
		require.NoError(t, err)
		put, err := BlackScholesDelta(models.OptionTypePut, spot, strike, 0.14, 0.05, 5)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, call, 0.0)
		assert.LessOrEqual(t, call, 1.0)
		assert.GreaterOrEqual(t, put, 0.0)
		assert.LessOrEqual(t, put, 1.0)

		// Call delta falls and put delta rises as the strike goes up
		assert.LessOrEqual(t, call, prevCall+1e-12)
		assert.GreaterOrEqual(t, put, prevPut-1e-12)
		prevCall, prevPut = call, put
	}
}

func TestBlackScholesDelta_InvalidInputs(t *testing.T) {
	tests := []struct {
		name    string
		typ     models.OptionType
		spot    float64
		strike  float64
		vol     float64
		days    int
		wantErr error
	}{
		{"zero days", models.OptionTypeCall, 19500, 19500, 0.14, 0, ErrInvalidExpiry},
		{"negative days", models.OptionTypePut, 19500, 19500, 0.14, -3, ErrInvalidExpiry},
		{"zero volatility", models.OptionTypeCall, 19500, 19500, 0, 5, ErrInvalidInput},
		{"zero spot", models.OptionTypeCall, 0, 19500, 0.14, 5, ErrInvalidInput},
		{"negative strike", models.OptionTypePut, 19500, -1, 0.14, 5, ErrInvalidInput},
		{"unknown type", models.OptionType("FUT"), 19500, 19500, 0.14, 5, ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BlackScholesDelta(tc.typ, tc.spot, tc.strike, tc.vol, 0.05, tc.days)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestEngine_DeltaUsesClockForExpiry(t *testing.T) {
	now := time.Date(2024, 8, 19, 10, 0, 0, 0, ist)
	engine := NewEngine(ist, func() time.Time { return now })

	expiry := time.Date(2024, 8, 22, 0, 0, 0, 0, time.UTC)
	d, err := engine.Delta(contract(models.OptionTypeCall, 19700, expiry), 19500, 0.14, 0.05)
	require.NoError(t, err)
	assert.Greater(t, d, 0.0)
	assert.Less(t, d, 0.5)

	// Expiry day itself has no time left
	_, err = engine.Delta(contract(models.OptionTypeCall, 19700, now), 19500, 0.14, 0.05)
	assert.ErrorIs(t, err, ErrInvalidExpiry)
}

func TestDaysToExpiry(t *testing.T) {
	// 23:30 UTC on the 18th is already the 19th in IST
	asOf := time.Date(2024, 8, 18, 23, 30, 0, 0, time.UTC)
	expiry := time.Date(2024, 8, 22, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3, DaysToExpiry(asOf, expiry, ist))
	assert.Equal(t, 4, DaysToExpiry(asOf, expiry, nil))
}

func TestBlackScholesPrice_PutCallParity(t *testing.T) {
	const (
		spot = 19500.0
		k    = 19600.0
		vol  = 0.13
		r    = 0.05
		days = 7
	)
	call, err := BlackScholesPrice(models.OptionTypeCall, spot, k, vol, r, days)
	require.NoError(t, err)
	put, err := BlackScholesPrice(models.OptionTypePut, spot, k, vol, r, days)
	require.NoError(t, err)

	tYears := float64(days) / DaysPerYear
	assert.InDelta(t, spot-k*math.Exp(-r*tYears), call-put, 1e-6)
	assert.Greater(t, put, call)

	_, err = BlackScholesPrice(models.OptionTypeCall, spot, k, vol, r, 0)
	assert.ErrorIs(t, err, ErrInvalidExpiry)
}
