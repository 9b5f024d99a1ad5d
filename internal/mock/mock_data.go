// Package mock provides an in-memory NIFTY market used by paper trading and
// tests. Prices can be scripted per instrument or left to a random walk.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/greeks"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

const (
	// UnderlyingQuote and VolatilityQuote are the instrument ids the provider
	// answers for the index and the volatility index.
	UnderlyingQuote = "NSE:NIFTY 50"
	VolatilityQuote = "NSE:INDIA VIX"

	strikeStep = 50.0
	lotSize    = 25.0
)

// DataProvider implements broker.MarketData over in-memory state.
type DataProvider struct {
	now       func() time.Time
	prices    map[string]float64
	candles   map[string][]models.Candle
	errs      map[string]error
	calls     map[string]int
	contracts []models.OptionContract
	spot      float64
	vix       float64
	walk      bool
	mu        sync.Mutex
}

var _ broker.MarketData = (*DataProvider)(nil)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// NewStaticDataProvider returns a provider whose prices only change when a
// test sets them.
func NewStaticDataProvider(spot, vix float64) *DataProvider {
	return &DataProvider{
		now:     time.Now,
		spot:    spot,
		vix:     vix,
		prices:  make(map[string]float64),
		candles: make(map[string][]models.Candle),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// NewDataProvider returns a synthetic market around 19,500 with two weekly
// expiries priced by Black-Scholes. Every quote nudges the index.
func NewDataProvider() *DataProvider {
	d := NewStaticDataProvider(19450+secureFloat64()*100, 11+secureFloat64()*6)
	d.walk = true
	d.GenerateChain(time.Now(), 2, 20)
	return d
}

// SetClock overrides the provider clock used for chain generation and candles.
func (d *DataProvider) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// SetSpot sets the index level.
func (d *DataProvider) SetSpot(spot float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spot = spot
}

// SetVIX sets the raw volatility index level.
func (d *DataProvider) SetVIX(vix float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vix = vix
}

// SetPrice sets the last traded price of an instrument.
func (d *DataProvider) SetPrice(instrumentID string, price float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prices[instrumentID] = price
}

// SetCandles sets the bars returned for an instrument.
func (d *DataProvider) SetCandles(instrumentID string, candles []models.Candle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.candles[instrumentID] = candles
}

// SetError makes every call of method (e.g. "Quote") fail with err until
// cleared with a nil error.
func (d *DataProvider) SetError(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, method)
		return
	}
	d.errs[method] = err
}

// Calls returns how many times method has been invoked.
func (d *DataProvider) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

// AddContract registers an option and its price.
func (d *DataProvider) AddContract(c models.OptionContract, price float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contracts = append(d.contracts, c)
	d.prices[c.ID] = price
}

// Contract builds a NIFTY option contract with a Kite-style trading symbol.
func Contract(optType models.OptionType, strike float64, expiry time.Time) models.OptionContract {
	suffix := "CE"
	if optType == models.OptionTypePut {
		suffix = "PE"
	}
	symbol := fmt.Sprintf("NIFTY%s%.0f%s", expiry.Format("06Jan02"), strike, suffix)
	return models.OptionContract{
		ID:            broker.InstrumentID("NFO", symbol),
		TradingSymbol: symbol,
		Underlying:    "NIFTY",
		Exchange:      "NFO",
		Type:          optType,
		Strike:        strike,
		Expiry:        expiry,
		LotSize:       lotSize,
		TickSize:      0.05,
	}
}

// GenerateChain lists weekly Thursday expiries starting from asOf, each with
// strikes every 50 points within width steps of the ATM strike, priced by
// Black-Scholes at the current spot and VIX.
func (d *DataProvider) GenerateChain(asOf time.Time, expiries, width int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vol := d.vix / 100
	atm := math.Round(d.spot/strikeStep) * strikeStep
	expiry := nextThursday(asOf)
	for e := 0; e < expiries; e++ {
		days := greeks.DaysToExpiry(asOf, expiry, asOf.Location())
		if days < 1 {
			days = 1
		}
		for i := -width; i <= width; i++ {
			strike := atm + float64(i)*strikeStep
			for _, t := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
				c := Contract(t, strike, expiry)
				c.Token = uint32(len(d.contracts) + 1)
				price, err := greeks.BlackScholesPrice(t, d.spot, strike, vol, greeks.DefaultRiskFreeRate, days)
				if err != nil || price < 0.05 {
					price = 0.05
				}
				d.contracts = append(d.contracts, c)
				d.prices[c.ID] = math.Round(price*20) / 20
			}
		}
		expiry = expiry.AddDate(0, 0, 7)
	}
}

func nextThursday(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for day.Weekday() != time.Thursday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func (d *DataProvider) enter(method string) error {
	d.calls[method]++
	return d.errs[method]
}

// ListInstruments returns every registered contract on exchange.
func (d *DataProvider) ListInstruments(ctx context.Context, exchange string) ([]models.OptionContract, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("ListInstruments"); err != nil {
		return nil, err
	}
	var out []models.OptionContract
	for _, c := range d.contracts {
		if c.Exchange == exchange {
			out = append(out, c)
		}
	}
	return out, nil
}

// Quote returns the scripted price of an instrument.
func (d *DataProvider) Quote(ctx context.Context, instrumentID string) (models.Quote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Quote"); err != nil {
		return models.Quote{}, err
	}

	var price float64
	switch instrumentID {
	case UnderlyingQuote:
		if d.walk {
			d.spot += (secureFloat64() - 0.5) * 10
		}
		price = d.spot
	case VolatilityQuote:
		price = d.vix
	default:
		p, ok := d.prices[instrumentID]
		if !ok || p <= 0 {
			return models.Quote{}, fmt.Errorf("%w: %s", broker.ErrQuoteUnavailable, instrumentID)
		}
		if d.walk {
			p = math.Max(0.05, p+(secureFloat64()-0.5)*0.5)
			p = math.Round(p*20) / 20
			d.prices[instrumentID] = p
		}
		price = p
	}
	return models.Quote{InstrumentID: instrumentID, LastPrice: price, Timestamp: d.now()}, nil
}

// HistoricalCandles returns the scripted bars, or a synthetic flat series
// around the current price when none were set and the walk is enabled.
func (d *DataProvider) HistoricalCandles(ctx context.Context, instrumentID string, from, to time.Time, interval string) ([]models.Candle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("HistoricalCandles"); err != nil {
		return nil, err
	}
	if c, ok := d.candles[instrumentID]; ok {
		return c, nil
	}
	if !d.walk {
		return nil, nil
	}
	price, ok := d.prices[instrumentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrInstrumentNotFound, instrumentID)
	}
	var out []models.Candle
	for t := from; t.Before(to); t = t.Add(time.Minute) {
		p := price * (0.98 + secureFloat64()*0.04)
		out = append(out, models.Candle{Time: t, Open: p, High: p * 1.01, Low: p * 0.99, Close: p, Volume: 1 + secureInt63n(5000)})
	}
	return out, nil
}

// VolatilityIndex returns the raw VIX level.
func (d *DataProvider) VolatilityIndex(ctx context.Context) (float64, error) {
	q, err := d.Quote(ctx, VolatilityQuote)
	if err != nil {
		return 0, err
	}
	return q.LastPrice, nil
}

// UnderlyingPrice returns the index level.
func (d *DataProvider) UnderlyingPrice(ctx context.Context) (float64, error) {
	q, err := d.Quote(ctx, UnderlyingQuote)
	if err != nil {
		return 0, err
	}
	return q.LastPrice, nil
}
