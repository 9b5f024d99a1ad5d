package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// ReplacementRequest describes a leg whose stop has filled.
type ReplacementRequest struct {
	Chain           []models.OptionContract
	Stopped         models.OptionContract
	UnderlyingPrice float64
	Volatility      float64
	DeltaLow        float64
	DeltaHigh       float64
}

// FindReplacement looks for a contract on the stopped leg's side and expiry
// whose delta is in the band, excluding the stopped contract. The one closest
// to the middle of the band wins; ties go to the lower strike.
func (s *Selector) FindReplacement(ctx context.Context, req ReplacementRequest) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	atm := ATMStrike(req.UnderlyingPrice, s.config.StrikeStep)
	band := FilterChain(req.Chain, req.Stopped.Expiry, atm, s.config.ATMHalfWidth)
	mid := (req.DeltaLow + req.DeltaHigh) / 2

	var best *Candidate
	bestDist := math.Inf(1)
	for _, c := range band {
		if c.Type != req.Stopped.Type || c.ID == req.Stopped.ID {
			continue
		}
		delta, err := s.deltas.Delta(c, req.UnderlyingPrice, req.Volatility, s.config.RiskFreeRate)
		if err != nil || delta < req.DeltaLow || delta > req.DeltaHigh {
			continue
		}
		dist := math.Abs(delta - mid)
		if best == nil || dist < bestDist || (dist == bestDist && c.Strike < best.Contract.Strike) {
			best = &Candidate{Contract: c, Delta: delta}
			bestDist = dist
		}
	}
	if best == nil {
		return Candidate{}, fmt.Errorf("%w: no %s replacement for %s", ErrNoCandidates, req.Stopped.Type, req.Stopped.TradingSymbol)
	}

	s.logger.WithFields(logrus.Fields{
		"stopped":     req.Stopped.TradingSymbol,
		"replacement": best.Contract.TradingSymbol,
		"delta":       best.Delta,
	}).Info("replacement strike found")
	return *best, nil
}
