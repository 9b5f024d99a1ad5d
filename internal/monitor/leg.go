package monitor

import (
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
)

// legController tracks one side of the strangle independently of the other.
type legController struct {
	machine  *models.StateMachine[models.LegState]
	side     models.OptionType
	quantity int
}

func newLegController(side models.OptionType, quantity int) *legController {
	return &legController{
		side:     side,
		quantity: quantity,
		machine:  models.NewLegMachine(),
	}
}

func (l *legController) is(state models.LegState) bool {
	return l.machine.Is(state)
}

// transition logs rather than fails: a rejected leg transition means the
// bookkeeping drifted, not that the orders did.
func (l *legController) transition(to models.LegState, condition string, logger logrus.FieldLogger) {
	from := l.machine.GetCurrentState()
	if err := l.machine.Transition(to, condition); err != nil {
		logger.WithError(err).WithField("leg", l.side).Error("leg transition rejected")
		return
	}
	logger.WithFields(logrus.Fields{"leg": l.side, "from": from, "to": to}).Debug("leg state changed")
}
