// Package strategy picks the strikes of a delta-neutral NIFTY strangle, its
// replacement legs and its hedges.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
	"github.com/eddiefleurent/nifty_strangler/internal/util"
)

var (
	// ErrNoCandidates means no call or no put fell inside the delta band.
	ErrNoCandidates = errors.New("no strikes found in the delta band")
	// ErrNoPair means candidates existed but no pair passed the price filter.
	ErrNoPair = errors.New("no strike pair within price tolerance")
)

// QuoteSource provides last traded prices.
type QuoteSource interface {
	Quote(ctx context.Context, instrumentID string) (models.Quote, error)
}

// DeltaCalculator computes |delta| for a contract.
type DeltaCalculator interface {
	Delta(contract models.OptionContract, underlyingPrice, volatility, riskFreeRate float64) (float64, error)
}

// VWAPSource computes a trailing VWAP for a contract.
type VWAPSource interface {
	VWAP(ctx context.Context, contract models.OptionContract, lookbackMinutes int) (float64, bool, error)
}

// Config holds the selection parameters.
type Config struct {
	StopLossTable         models.DailyStopLossTable
	StrikeStep            float64
	ATMHalfWidth          float64
	PriceDiffTolerancePct float64
	RiskFreeRate          float64
	ExpiryRolloverDays    int
	VWAPLookbackMinutes   int
	VWAPEnabled           bool
	VWAPPriority          bool
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		StopLossTable:         models.DefaultStopLossTable(),
		StrikeStep:            50,
		ATMHalfWidth:          500,
		PriceDiffTolerancePct: 1.5,
		RiskFreeRate:          0.05,
		ExpiryRolloverDays:    2,
		VWAPLookbackMinutes:   5,
		VWAPEnabled:           true,
		VWAPPriority:          true,
	}
}

// SelectRequest is one selection attempt.
type SelectRequest struct {
	Chain           []models.OptionContract
	UnderlyingPrice float64
	DeltaLow        float64
	DeltaHigh       float64
	Volatility      float64
	// StopLossPercent overrides today's entry of the stop-loss table when > 0.
	StopLossPercent float64
}

// Candidate is a contract that passed the delta band.
type Candidate struct {
	Contract models.OptionContract
	Delta    float64
}

// Diagnostics records what a selection attempt looked at.
type Diagnostics struct {
	Expiry  time.Time
	Calls   []Candidate
	Puts    []Candidate
	Pairs   []models.StrikePair
	Skipped []string
	ATM     float64
	Rolled  bool
}

// Selector chooses strangle strikes.
type Selector struct {
	quotes   QuoteSource
	deltas   DeltaCalculator
	vwap     VWAPSource
	logger   logrus.FieldLogger
	now      func() time.Time
	location *time.Location
	config   Config
}

// NewSelector creates a Selector. vwap may be nil when VWAP is disabled.
func NewSelector(quotes QuoteSource, deltas DeltaCalculator, vwap VWAPSource, cfg Config, loc *time.Location, logger logrus.FieldLogger, now func() time.Time) *Selector {
	if quotes == nil || deltas == nil {
		panic("strategy.NewSelector: quotes and deltas must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = 50
	}
	if vwap == nil {
		cfg.VWAPEnabled = false
	}
	return &Selector{
		quotes:   quotes,
		deltas:   deltas,
		vwap:     vwap,
		config:   cfg,
		location: loc,
		logger:   logger,
		now:      now,
	}
}

// Config returns the selector settings.
func (s *Selector) Config() Config {
	return s.config
}

// StopLossPercent returns today's stop-loss percentage.
func (s *Selector) StopLossPercent() float64 {
	return s.config.StopLossTable.PercentFor(s.now().In(s.location).Weekday())
}

// Select returns the best pair for req.
func (s *Selector) Select(ctx context.Context, req SelectRequest) (*models.StrikePair, error) {
	pair, _, err := s.SelectWithDiagnostics(ctx, req)
	return pair, err
}

// legInfo is the memoised market view of one contract within an attempt.
type legInfo struct {
	vwap  *float64
	price float64
	err   error
}

// SelectWithDiagnostics runs a selection attempt and also returns everything
// it evaluated.
func (s *Selector) SelectWithDiagnostics(ctx context.Context, req SelectRequest) (*models.StrikePair, *Diagnostics, error) {
	if req.UnderlyingPrice <= 0 {
		return nil, nil, fmt.Errorf("underlying price must be positive, got %.2f", req.UnderlyingPrice)
	}
	if req.DeltaLow > req.DeltaHigh {
		return nil, nil, fmt.Errorf("delta band inverted: %.2f > %.2f", req.DeltaLow, req.DeltaHigh)
	}

	diag := &Diagnostics{ATM: ATMStrike(req.UnderlyingPrice, s.config.StrikeStep)}
	expiry, rolled, ok := SelectExpiry(req.Chain, s.now(), s.config.ExpiryRolloverDays, s.location)
	if !ok {
		return nil, diag, fmt.Errorf("%w: no usable expiry in chain", ErrNoCandidates)
	}
	diag.Expiry = expiry
	diag.Rolled = rolled

	log := s.logger.WithFields(logrus.Fields{
		"atm":    diag.ATM,
		"expiry": expiry.Format("2006-01-02"),
		"rolled": rolled,
		"band":   fmt.Sprintf("%.2f-%.2f", req.DeltaLow, req.DeltaHigh),
	})

	band := FilterChain(req.Chain, expiry, diag.ATM, s.config.ATMHalfWidth)
	diag.Calls, diag.Puts = s.candidates(band, req, diag)
	if len(diag.Calls) == 0 || len(diag.Puts) == 0 {
		log.WithFields(logrus.Fields{"calls": len(diag.Calls), "puts": len(diag.Puts)}).Warn("no strikes in delta band")
		return nil, diag, ErrNoCandidates
	}

	pct := req.StopLossPercent
	if pct <= 0 {
		pct = s.StopLossPercent()
	}

	memo := make(map[string]legInfo)
	var bestVWAP, bestAny *models.StrikePair

	for _, call := range diag.Calls {
		if err := ctx.Err(); err != nil {
			return nil, diag, err
		}
		ci := s.leg(ctx, call.Contract, memo)
		if ci.err != nil {
			diag.Skipped = append(diag.Skipped, fmt.Sprintf("%s: %v", call.Contract.ID, ci.err))
			continue
		}
		for _, put := range diag.Puts {
			pi := s.leg(ctx, put.Contract, memo)
			if pi.err != nil {
				diag.Skipped = append(diag.Skipped, fmt.Sprintf("%s: %v", put.Contract.ID, pi.err))
				continue
			}

			pair := models.StrikePair{
				Call:         call.Contract,
				Put:          put.Contract,
				CallDelta:    call.Delta,
				PutDelta:     put.Delta,
				CallPrice:    ci.price,
				PutPrice:     pi.price,
				CallVWAP:     ci.vwap,
				PutVWAP:      pi.vwap,
				PriceDiffPct: PriceDiffPct(ci.price, pi.price),
			}
			pair.BothBelowVWAP = s.config.VWAPEnabled &&
				ci.vwap != nil && pi.vwap != nil &&
				ci.price < *ci.vwap && pi.price < *pi.vwap
			pair.Accepted = pair.PriceDiffPct <= s.config.PriceDiffTolerancePct
			diag.Pairs = append(diag.Pairs, pair)

			log.WithFields(logrus.Fields{
				"call":            call.Contract.TradingSymbol,
				"put":             put.Contract.TradingSymbol,
				"call_price":      ci.price,
				"put_price":       pi.price,
				"diff_pct":        pair.PriceDiffPct,
				"both_below_vwap": pair.BothBelowVWAP,
				"accepted":        pair.Accepted,
			}).Debug("pair evaluated")

			if !pair.Accepted {
				continue
			}
			p := pair
			if bestAny == nil || p.PriceDiffPct < bestAny.PriceDiffPct {
				bestAny = &p
			}
			if p.BothBelowVWAP && (bestVWAP == nil || p.PriceDiffPct < bestVWAP.PriceDiffPct) {
				bestVWAP = &p
			}
		}
	}

	best := bestAny
	if s.config.VWAPEnabled && s.config.VWAPPriority && bestVWAP != nil {
		best = bestVWAP
	}
	if best == nil {
		log.WithField("pairs", len(diag.Pairs)).Warn("no pair within price tolerance")
		return nil, diag, ErrNoPair
	}

	best.CallSLOffset = util.RoundPoints(best.CallPrice * pct / 100)
	best.PutSLOffset = util.RoundPoints(best.PutPrice * pct / 100)

	log.WithFields(logrus.Fields{
		"call":            best.Call.TradingSymbol,
		"put":             best.Put.TradingSymbol,
		"call_price":      best.CallPrice,
		"put_price":       best.PutPrice,
		"diff_pct":        best.PriceDiffPct,
		"both_below_vwap": best.BothBelowVWAP,
		"call_sl_offset":  best.CallSLOffset,
		"put_sl_offset":   best.PutSLOffset,
		"sl_pct":          pct,
	}).Info("strike pair selected")
	return best, diag, nil
}

func (s *Selector) candidates(band []models.OptionContract, req SelectRequest, diag *Diagnostics) (calls, puts []Candidate) {
	for _, c := range band {
		delta, err := s.deltas.Delta(c, req.UnderlyingPrice, req.Volatility, s.config.RiskFreeRate)
		if err != nil {
			diag.Skipped = append(diag.Skipped, fmt.Sprintf("%s: %v", c.ID, err))
			continue
		}
		if delta < req.DeltaLow || delta > req.DeltaHigh {
			continue
		}
		switch c.Type {
		case models.OptionTypeCall:
			calls = append(calls, Candidate{Contract: c, Delta: delta})
		case models.OptionTypePut:
			puts = append(puts, Candidate{Contract: c, Delta: delta})
		}
	}
	byStrike := func(cs []Candidate) {
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Contract.Strike < cs[j].Contract.Strike })
	}
	byStrike(calls)
	byStrike(puts)
	return calls, puts
}

// leg fetches price and VWAP once per contract per attempt. A missing VWAP is
// not an error.
func (s *Selector) leg(ctx context.Context, c models.OptionContract, memo map[string]legInfo) legInfo {
	if info, ok := memo[c.ID]; ok {
		return info
	}
	var info legInfo
	q, err := s.quotes.Quote(ctx, c.ID)
	switch {
	case err != nil:
		info.err = err
	case q.LastPrice <= 0 || math.IsNaN(q.LastPrice):
		info.err = fmt.Errorf("no price for %s", c.ID)
	default:
		info.price = q.LastPrice
	}
	if info.err == nil && s.config.VWAPEnabled {
		v, ok, verr := s.vwap.VWAP(ctx, c, s.config.VWAPLookbackMinutes)
		if verr != nil {
			s.logger.WithError(verr).WithField("instrument", c.ID).Debug("vwap unavailable")
		}
		if ok {
			info.vwap = &v
		}
	}
	memo[c.ID] = info
	return info
}
