package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// Monday 19 Aug 2024, 10:00 IST; Monday stop-loss percent is 30.
var monday = time.Date(2024, 8, 19, 10, 0, 0, 0, ist)

var (
	thisWeek = time.Date(2024, 8, 22, 0, 0, 0, 0, time.UTC)
	nextWeek = time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)
)

func opt(t models.OptionType, strike float64, expiry time.Time) models.OptionContract {
	suffix := "CE"
	if t == models.OptionTypePut {
		suffix = "PE"
	}
	sym := fmt.Sprintf("NIFTY%s%.0f%s", expiry.Format("06Jan02"), strike, suffix)
	return models.OptionContract{
		ID: broker.InstrumentID("NFO", sym), TradingSymbol: sym, Underlying: "NIFTY",
		Exchange: "NFO", Type: t, Strike: strike, Expiry: expiry, LotSize: 25, TickSize: 0.05,
	}
}

type stubDeltas map[string]float64

func (s stubDeltas) Delta(c models.OptionContract, _, _, _ float64) (float64, error) {
	d, ok := s[c.ID]
	if !ok {
		return 0, errors.New("no delta")
	}
	return d, nil
}

type stubQuotes struct {
	prices map[string]float64
	calls  map[string]int
}

func newStubQuotes() *stubQuotes {
	return &stubQuotes{prices: map[string]float64{}, calls: map[string]int{}}
}

func (s *stubQuotes) Quote(_ context.Context, id string) (models.Quote, error) {
	s.calls[id]++
	p, ok := s.prices[id]
	if !ok {
		return models.Quote{}, broker.ErrQuoteUnavailable
	}
	return models.Quote{InstrumentID: id, LastPrice: p}, nil
}

type stubVWAP map[string]float64

func (s stubVWAP) VWAP(_ context.Context, c models.OptionContract, _ int) (float64, bool, error) {
	v, ok := s[c.ID]
	return v, ok, nil
}

type fixture struct {
	quotes *stubQuotes
	deltas stubDeltas
	vwap   stubVWAP
	chain  []models.OptionContract
}

func newFixture() *fixture {
	return &fixture{quotes: newStubQuotes(), deltas: stubDeltas{}, vwap: stubVWAP{}}
}

// add registers a contract with its delta and price.
func (f *fixture) add(t models.OptionType, strike float64, expiry time.Time, delta, price float64) models.OptionContract {
	c := opt(t, strike, expiry)
	f.chain = append(f.chain, c)
	f.deltas[c.ID] = delta
	if price > 0 {
		f.quotes.prices[c.ID] = price
	}
	return c
}

func (f *fixture) selector(cfg Config) *Selector {
	logger, _ := test.NewNullLogger()
	return NewSelector(f.quotes, f.deltas, f.vwap, cfg, ist, logger, func() time.Time { return monday })
}

func baseRequest(f *fixture) SelectRequest {
	return SelectRequest{Chain: f.chain, UnderlyingPrice: 19500, DeltaLow: 0.29, DeltaHigh: 0.35, Volatility: 0.14}
}

func TestPriceDiffPct(t *testing.T) {
	assert.InDelta(t, 2.0, PriceDiffPct(101, 99), 1e-9)
	assert.Equal(t, PriceDiffPct(101, 99), PriceDiffPct(99, 101))
	assert.Zero(t, PriceDiffPct(50, 50))
	assert.True(t, PriceDiffPct(0, 0) > 1e9)
}

func TestATMStrike(t *testing.T) {
	assert.Equal(t, 19500.0, ATMStrike(19512.35, 50))
	assert.Equal(t, 19550.0, ATMStrike(19525, 50))
	assert.Equal(t, 19500.0, ATMStrike(19474.99, 50))
}

func TestSelectExpiry(t *testing.T) {
	past := time.Date(2024, 8, 14, 0, 0, 0, 0, time.UTC)
	wed := time.Date(2024, 8, 21, 0, 0, 0, 0, time.UTC)
	chain := []models.OptionContract{opt(models.OptionTypeCall, 19500, past), opt(models.OptionTypeCall, 19500, thisWeek), opt(models.OptionTypeCall, 19500, nextWeek)}

	expiry, rolled, ok := SelectExpiry(chain, monday, 2, ist)
	require.True(t, ok)
	assert.False(t, rolled)
	assert.True(t, expiry.Equal(thisWeek), "3 days out is kept")

	chain = append(chain, opt(models.OptionTypePut, 19500, wed))
	expiry, rolled, ok = SelectExpiry(chain, monday, 2, ist)
	require.True(t, ok)
	assert.True(t, rolled)
	assert.True(t, expiry.Equal(thisWeek), "rolls past the 2-day expiry to the next one")

	tuesday := monday.AddDate(0, 0, 1)
	expiry, rolled, ok = SelectExpiry(chain[:3], tuesday, 2, ist)
	require.True(t, ok)
	assert.True(t, rolled)
	assert.True(t, expiry.Equal(nextWeek))

	_, _, ok = SelectExpiry(chain[:1], monday, 2, ist)
	assert.False(t, ok)
}

func TestSelect_NoPairWithinTolerance(t *testing.T) {
	f := newFixture()
	f.add(models.OptionTypeCall, 19700, thisWeek, 0.31, 100)
	f.add(models.OptionTypeCall, 19750, thisWeek, 0.30, 95)
	f.add(models.OptionTypePut, 19300, thisWeek, 0.32, 80)
	f.add(models.OptionTypePut, 19250, thisWeek, 0.29, 70)

	pair, diag, err := f.selector(DefaultConfig()).SelectWithDiagnostics(context.Background(), baseRequest(f))
	assert.ErrorIs(t, err, ErrNoPair)
	assert.Nil(t, pair)
	require.NotNil(t, diag)
	assert.Equal(t, 19500.0, diag.ATM)
	assert.Len(t, diag.Pairs, 4)
	for _, p := range diag.Pairs {
		assert.False(t, p.Accepted)
	}
}

func TestSelect_NoCandidates(t *testing.T) {
	f := newFixture()
	f.add(models.OptionTypeCall, 19700, thisWeek, 0.31, 100)
	f.add(models.OptionTypePut, 19300, thisWeek, 0.20, 100) // outside band
	f.add(models.OptionTypePut, 20200, thisWeek, 0.31, 100) // outside strike window
	f.add(models.OptionTypePut, 19350, nextWeek, 0.31, 100) // other expiry

	_, err := f.selector(DefaultConfig()).Select(context.Background(), baseRequest(f))
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelect_VWAPPriority(t *testing.T) {
	f := newFixture()
	// Pair A: 19700CE/19300PE, diff ~1.0%, both below VWAP
	callA := f.add(models.OptionTypeCall, 19700, thisWeek, 0.31, 100.5)
	putA := f.add(models.OptionTypePut, 19300, thisWeek, 0.31, 99.5)
	// Pair B: 19750CE/19250PE, diff 0%, above VWAP
	callB := f.add(models.OptionTypeCall, 19750, thisWeek, 0.30, 120)
	putB := f.add(models.OptionTypePut, 19250, thisWeek, 0.30, 120)
	f.vwap[callA.ID] = 110
	f.vwap[putA.ID] = 110
	f.vwap[callB.ID] = 100
	f.vwap[putB.ID] = 100

	cfg := DefaultConfig()
	pair, err := f.selector(cfg).Select(context.Background(), baseRequest(f))
	require.NoError(t, err)
	assert.Equal(t, callA.ID, pair.Call.ID)
	assert.Equal(t, putA.ID, pair.Put.ID)
	assert.True(t, pair.BothBelowVWAP)

	cfg.VWAPPriority = false
	pair, err = f.selector(cfg).Select(context.Background(), baseRequest(f))
	require.NoError(t, err)
	assert.Equal(t, callB.ID, pair.Call.ID)
	assert.Equal(t, putB.ID, pair.Put.ID)
	assert.Zero(t, pair.PriceDiffPct)
}

func TestSelect_OffsetsAndMemoisation(t *testing.T) {
	f := newFixture()
	call := f.add(models.OptionTypeCall, 19700, thisWeek, 0.31, 101.5)
	f.add(models.OptionTypeCall, 19750, thisWeek, 0.30, 60)
	put := f.add(models.OptionTypePut, 19300, thisWeek, 0.33, 100.5)
	f.add(models.OptionTypePut, 19250, thisWeek, 0.30, 65)

	cfg := DefaultConfig()
	cfg.VWAPEnabled = false
	pair, err := f.selector(cfg).Select(context.Background(), baseRequest(f))
	require.NoError(t, err)
	assert.Equal(t, call.ID, pair.Call.ID)
	assert.Equal(t, put.ID, pair.Put.ID)
	// Monday: 30% of 101.5 = 30.45 -> 30, of 100.5 = 30.15 -> 30
	assert.Equal(t, 30.0, pair.CallSLOffset)
	assert.Equal(t, 30.0, pair.PutSLOffset)
	assert.InDelta(t, 202.0, pair.CombinedPremium(), 1e-9)

	for id, n := range f.quotes.calls {
		assert.Equal(t, 1, n, "quote for %s fetched more than once", id)
	}
}

func TestSelect_StopLossOverrideAndSkips(t *testing.T) {
	f := newFixture()
	f.add(models.OptionTypeCall, 19700, thisWeek, 0.31, 0) // no price
	f.add(models.OptionTypeCall, 19750, thisWeek, 0.30, 80)
	f.add(models.OptionTypePut, 19300, thisWeek, 0.33, 81)

	req := baseRequest(f)
	req.StopLossPercent = 50
	pair, diag, err := f.selector(DefaultConfig()).SelectWithDiagnostics(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 40.0, pair.CallSLOffset)
	assert.Equal(t, 41.0, pair.PutSLOffset) // 40.5 rounds away from zero
	assert.NotEmpty(t, diag.Skipped)
}

func TestSelect_InvalidRequest(t *testing.T) {
	f := newFixture()
	s := f.selector(DefaultConfig())

	_, err := s.Select(context.Background(), SelectRequest{UnderlyingPrice: 0})
	assert.Error(t, err)
	_, err = s.Select(context.Background(), SelectRequest{UnderlyingPrice: 19500, DeltaLow: 0.4, DeltaHigh: 0.3})
	assert.Error(t, err)
}

func TestFindReplacement(t *testing.T) {
	f := newFixture()
	stopped := f.add(models.OptionTypeCall, 19700, thisWeek, 0.32, 100)
	f.add(models.OptionTypeCall, 19750, thisWeek, 0.295, 90)
	closest := f.add(models.OptionTypeCall, 19800, thisWeek, 0.318, 80)
	f.add(models.OptionTypeCall, 19850, nextWeek, 0.32, 70) // other expiry
	f.add(models.OptionTypePut, 19300, thisWeek, 0.32, 100) // other side
	f.add(models.OptionTypeCall, 19900, thisWeek, 0.40, 60) // outside band

	s := f.selector(DefaultConfig())
	c, err := s.FindReplacement(context.Background(), ReplacementRequest{
		Chain: f.chain, Stopped: stopped, UnderlyingPrice: 19500, Volatility: 0.14, DeltaLow: 0.29, DeltaHigh: 0.35,
	})
	require.NoError(t, err)
	assert.Equal(t, closest.ID, c.Contract.ID)
	assert.InDelta(t, 0.318, c.Delta, 1e-9)

	_, err = s.FindReplacement(context.Background(), ReplacementRequest{
		Chain: []models.OptionContract{stopped}, Stopped: stopped, UnderlyingPrice: 19500, DeltaLow: 0.29, DeltaHigh: 0.35,
	})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestFindHedges(t *testing.T) {
	call := opt(models.OptionTypeCall, 19700, thisWeek)
	put := opt(models.OptionTypePut, 19300, thisWeek)
	chain := []models.OptionContract{
		call, put,
		opt(models.OptionTypeCall, 19600, thisWeek),
		opt(models.OptionTypeCall, 19600, nextWeek),
		opt(models.OptionTypePut, 19400, nextWeek),
	}
	logger, hook := test.NewNullLogger()
	h := NewHedgeResolver(0, logger)

	callHedge, putHedge := h.FindHedges(chain, &call, &put)
	require.NotNil(t, callHedge)
	assert.Equal(t, 19600.0, callHedge.Strike)
	assert.True(t, callHedge.SameExpiry(call))
	assert.Nil(t, putHedge, "the 19400 put is on another expiry")
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "no put hedge found", hook.LastEntry().Message)
}
