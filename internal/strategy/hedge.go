package strategy

import (
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// DefaultHedgeOffset is the strike distance between a short leg and its hedge.
const DefaultHedgeOffset = 100.0

// HedgeResolver finds the long options bought against the short legs.
type HedgeResolver struct {
	logger logrus.FieldLogger
	offset float64
}

// NewHedgeResolver creates a resolver. A non-positive offset uses DefaultHedgeOffset.
func NewHedgeResolver(offset float64, logger logrus.FieldLogger) *HedgeResolver {
	if offset <= 0 {
		offset = DefaultHedgeOffset
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HedgeResolver{offset: offset, logger: logger}
}

// FindHedges returns a call at callLeg.Strike - offset and a put at
// putLeg.Strike + offset, each with its leg's expiry. A missing hedge is
// logged and returned as nil.
func (h *HedgeResolver) FindHedges(chain []models.OptionContract, callLeg, putLeg *models.OptionContract) (callHedge, putHedge *models.OptionContract) {
	if callLeg != nil {
		strike := callLeg.Strike - h.offset
		if c, ok := FindByStrike(chain, models.OptionTypeCall, strike, callLeg.Expiry); ok {
			callHedge = &c
		} else {
			h.logger.WithFields(logrus.Fields{"strike": strike, "type": models.OptionTypeCall}).Warn("no call hedge found")
		}
	}
	if putLeg != nil {
		strike := putLeg.Strike + h.offset
		if c, ok := FindByStrike(chain, models.OptionTypePut, strike, putLeg.Expiry); ok {
			putHedge = &c
		} else {
			h.logger.WithFields(logrus.Fields{"strike": strike, "type": models.OptionTypePut}).Warn("no put hedge found")
		}
	}
	return callHedge, putHedge
}
