package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
	"github.com/eddiefleurent/nifty_strangler/internal/orders"
	"github.com/eddiefleurent/nifty_strangler/internal/storage"
	"github.com/eddiefleurent/nifty_strangler/internal/strategy"
)

type step struct {
	run        func(ctx context.Context) error
	name       string
	needsQuote bool
}

func (m *Monitor) steps() []step {
	if m.unwind != nil {
		return []step{
			{name: "quotes", run: m.refreshQuotes},
			{name: "unwind", run: m.continueUnwind},
			{name: "cutoff", run: m.checkCutoff},
			{name: "open_legs", run: m.checkOpenLegs},
		}
	}
	fills := step{name: "stop_fills", run: m.checkStopFills}
	risk := []step{
		{name: "profit_lock", run: m.checkProfitLock, needsQuote: true},
		{name: "hedge", run: m.checkHedge, needsQuote: true},
		{name: "delta", run: m.checkDelta, needsQuote: true},
	}

	out := []step{{name: "quotes", run: m.refreshQuotes}}
	if m.config.ReplaceBeforeTighten {
		out = append(out, fills)
		out = append(out, risk...)
	} else {
		out = append(out, risk...)
		out = append(out, fills)
	}
	return append(out,
		step{name: "cutoff", run: m.checkCutoff},
		step{name: "open_legs", run: m.checkOpenLegs},
	)
}

// stepMonitoring runs every check once. Each check is isolated: an error or
// panic is logged and the next check still runs. A check that moves the
// session out of MONITORING ends the iteration.
func (m *Monitor) stepMonitoring(ctx context.Context) {
	m.fresh = false
	for _, s := range m.steps() {
		if ctx.Err() != nil || !m.phase.Is(models.PhaseMonitoring) {
			return
		}
		if s.needsQuote && !m.fresh {
			continue
		}
		if err := m.runStep(ctx, s); err != nil {
			m.logger.WithError(err).WithField("step", s.name).Error("monitor step failed")
		}
	}
}

func (m *Monitor) runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx)
}

func (m *Monitor) pnl() float64 {
	return m.state.PnL(m.state.CurrentPremium())
}

func (m *Monitor) refreshQuotes(ctx context.Context) error {
	for _, leg := range m.state.OpenLegs() {
		q, err := m.deps.Market.Quote(ctx, leg.Contract.ID)
		if err != nil {
			return fmt.Errorf("quote %s: %w", leg.Contract.TradingSymbol, err)
		}
		leg.LastPrice = q.LastPrice
	}
	spot, err := m.deps.Market.UnderlyingPrice(ctx)
	if err != nil {
		return fmt.Errorf("underlying price: %w", err)
	}
	m.spot = spot
	m.fresh = true

	m.logger.WithFields(logrus.Fields{
		"spot":            spot,
		"call_ltp":        m.state.Call.MarkPrice(),
		"put_ltp":         m.state.Put.MarkPrice(),
		"initial_premium": m.state.InitialPremium,
		"current_premium": m.state.CurrentPremium(),
		"loss_taken":      m.state.LossTaken,
		"pnl":             m.pnl(),
	}).Debug("position update")
	return nil
}

func (m *Monitor) checkProfitLock(ctx context.Context) error {
	pnl := m.pnl()
	levels := []struct {
		level     int
		threshold float64
	}{
		{1, m.config.ProfitLockT1},
		{2, m.config.ProfitLockT2},
	}
	for _, l := range levels {
		if l.threshold <= 0 || pnl < l.threshold || !m.state.MarkThreshold(l.level) {
			continue
		}
		m.logger.WithFields(logrus.Fields{"pnl": pnl, "level": l.level}).Info("profit lock reached, tightening stops")
		m.tightenOpenStops(ctx, fmt.Sprintf("profit_lock_t%d", l.level))
	}
	return nil
}

// tightenOpenStops moves every open leg's stop to just above its last price.
func (m *Monitor) tightenOpenStops(ctx context.Context, reason string) {
	for _, leg := range m.state.OpenLegs() {
		log := m.logger.WithFields(logrus.Fields{"leg": leg.Contract.TradingSymbol, "reason": reason})
		if err := m.deps.Orders.TightenStop(ctx, leg, leg.MarkPrice()); err != nil {
			log.WithError(err).Error("failed to tighten stop")
			continue
		}
		m.record(storage.EventStopTightened, map[string]string{
			"leg":     leg.Contract.TradingSymbol,
			"reason":  reason,
			"trigger": formatPrice(leg.StopTrigger),
		})
	}
}

func (m *Monitor) checkHedge(ctx context.Context) error {
	if m.state.HedgeTaken || m.config.HedgeThreshold <= 0 || m.pnl() < m.config.HedgeThreshold {
		return nil
	}
	m.state.MarkHedgeTaken()

	var callLeg, putLeg *models.OptionContract
	if m.state.Call.IsOpen() {
		callLeg = &m.state.Call.Contract
	}
	if m.state.Put.IsOpen() {
		putLeg = &m.state.Put.Contract
	}
	chain, err := m.currentChain(ctx)
	if err != nil {
		return fmt.Errorf("hedge chain: %w", err)
	}
	callHedge, putHedge := m.deps.Hedges.FindHedges(chain, callLeg, putLeg)

	m.logger.WithField("pnl", m.pnl()).Info("hedge threshold reached, buying hedges")
	buys := []struct {
		contract *models.OptionContract
		quantity int
	}{
		{callHedge, m.legs[models.OptionTypeCall].quantity},
		{putHedge, m.legs[models.OptionTypePut].quantity},
	}
	var firstErr error
	for _, b := range buys {
		if b.contract == nil {
			continue
		}
		hedge, err := m.deps.Orders.BuyHedge(ctx, *b.contract, b.quantity)
		if err != nil {
			m.logger.WithError(err).WithField("leg", b.contract.TradingSymbol).Error("failed to buy hedge")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.state.Hedges = append(m.state.Hedges, hedge)
		m.record(storage.EventHedgePlaced, map[string]string{
			"leg":   hedge.Contract.TradingSymbol,
			"price": formatPrice(hedge.EntryPrice),
		})
	}
	return firstErr
}

func (m *Monitor) checkDelta(ctx context.Context) error {
	vol, err := m.deps.Volatility.Volatility(ctx)
	if err != nil {
		return fmt.Errorf("volatility: %w", err)
	}
	limit := m.config.DeltaHigh + m.config.DeltaTolerance

	var breached *models.ActiveLeg
	var breachDelta float64
	for _, leg := range m.state.OpenLegs() {
		delta, err := m.deps.Deltas.Delta(leg.Contract, m.spot, vol, m.config.RiskFreeRate)
		if err != nil {
			m.logger.WithError(err).WithField("leg", leg.Contract.TradingSymbol).Warn("delta unavailable")
			continue
		}
		if delta > limit {
			breached, breachDelta = leg, delta
			break
		}
	}
	if breached == nil {
		return nil
	}

	log := m.logger.WithFields(logrus.Fields{
		"leg":   breached.Contract.TradingSymbol,
		"delta": breachDelta,
		"limit": limit,
	})
	if !m.config.CloseOnDeltaBreach {
		log.Warn("delta breach, position kept")
		return nil
	}
	log.Warn("delta breach, closing legs and re-selecting")
	m.beginUnwind("delta_breach", storage.EventDeltaBreach, map[string]string{
		"leg":   breached.Contract.TradingSymbol,
		"delta": fmt.Sprintf("%.3f", breachDelta),
	})
	return m.continueUnwind(ctx)
}

// unwindPlan is a committed exit of every open leg. It is retried on each poll,
// whatever the market does in between, until the session is flat.
type unwindPlan struct {
	fields    map[string]string
	event     storage.EventType
	condition string
	attempts  int
}

func (m *Monitor) beginUnwind(condition string, event storage.EventType, fields map[string]string) {
	m.unwind = &unwindPlan{condition: condition, event: event, fields: fields}
}

// continueUnwind buys back every open leg. Legs whose exit fails keep a
// protective stop and are retried on the next poll. Once nothing is open the
// loss is realised and the session goes back to SELECTING.
func (m *Monitor) continueUnwind(ctx context.Context) error {
	u := m.unwind
	if u == nil {
		return nil
	}
	u.attempts++

	var firstErr error
	for _, leg := range m.state.OpenLegs() {
		if _, err := m.deps.Orders.ExitLeg(ctx, leg); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"leg":     leg.Contract.TradingSymbol,
				"attempt": u.attempts,
				"stop_id": leg.StopOrderID,
			}).Error("exit failed, retrying next poll")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.legs[leg.Contract.Type].transition(models.LegClosed, "exited", m.logger)
	}
	if firstErr != nil {
		return fmt.Errorf("unwinding after %s: %w", u.condition, firstErr)
	}

	realised := m.state.RecordLoss(m.state.CurrentPremium())
	fields := map[string]string{"realised": formatPrice(realised)}
	for k, v := range u.fields {
		fields[k] = v
	}
	m.record(u.event, fields)
	m.state.Call, m.state.Put = nil, nil
	m.unwind = nil
	m.nextWait = m.config.ReselectDelay
	return m.transition(models.PhaseSelecting, u.condition)
}

func (m *Monitor) checkStopFills(ctx context.Context) error {
	for _, side := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
		if !m.phase.Is(models.PhaseMonitoring) {
			return nil
		}
		leg := m.state.Leg(side)
		if !leg.IsOpen() {
			continue
		}
		filled, price, err := m.deps.Orders.StopFilled(ctx, leg)
		if err != nil {
			m.logger.WithError(err).WithField("leg", leg.Contract.TradingSymbol).Warn("stop status unavailable")
			continue
		}
		if !filled {
			continue
		}
		m.onStopFilled(ctx, side, leg, price)
	}
	return nil
}

func (m *Monitor) onStopFilled(ctx context.Context, side models.OptionType, leg *models.ActiveLeg, price float64) {
	lc := m.legs[side]
	leg.ExitPrice = price
	lc.transition(models.LegStopped, "stop_filled", m.logger)

	limitReached, err := m.state.RegisterStopLossTrigger()
	log := m.logger.WithFields(logrus.Fields{
		"leg":      leg.Contract.TradingSymbol,
		"fill":     price,
		"triggers": m.state.StopLossTriggerCount,
	})
	log.Warn("stop loss filled")

	if err != nil || limitReached {
		lc.transition(models.LegClosed, "not_replaced", m.logger)
		m.closeRecorded(leg, "max_stop_losses")
		log.Warn("stop-loss limit reached, tightening remaining stops")
		m.tightenOpenStops(ctx, ReasonMaxStopLosses)
		m.terminate(ReasonMaxStopLosses)
		return
	}

	if m.state.Tightened() {
		lc.transition(models.LegClosed, "not_replaced", m.logger)
		m.closeRecorded(leg, "profit_locked")
		return
	}

	replacement, err := m.findReplacement(ctx, leg)
	if err != nil {
		log.WithError(err).Info("no replacement, leg closed")
		lc.transition(models.LegClosed, "not_replaced", m.logger)
		m.closeRecorded(leg, "no_replacement")
		return
	}

	newLeg, err := m.deps.Orders.EnterLeg(ctx, replacement.Contract, lc.quantity, leg.StopOffset)
	stranded := err != nil && newLeg != nil && errors.Is(err, orders.ErrLegOpen)
	if err != nil && !stranded {
		log.WithError(err).Error("replacement entry failed, leg closed")
		lc.transition(models.LegClosed, "not_replaced", m.logger)
		m.closeRecorded(leg, "replacement_failed")
		return
	}

	realised := m.state.RecordLoss(m.state.CurrentPremium())
	m.state.SetLeg(side, newLeg)
	lc.transition(models.LegOpen, "replaced", m.logger)
	m.state.RebaseInitialPremium(m.state.CurrentPremium())

	log.WithFields(logrus.Fields{
		"replacement": newLeg.Contract.TradingSymbol,
		"entry":       newLeg.EntryPrice,
		"realised":    realised,
		"loss_taken":  m.state.LossTaken,
	}).Info("leg replaced")
	m.record(storage.EventLegReplaced, map[string]string{
		"stopped":     leg.Contract.TradingSymbol,
		"replacement": newLeg.Contract.TradingSymbol,
		"realised":    formatPrice(realised),
	})
	if stranded {
		log.WithError(err).Error("replacement left without a stop, unwinding the position")
		m.beginUnwind("entry_unwound", storage.EventLegClosed, map[string]string{"reason": "replacement_failed"})
	}
}

func (m *Monitor) findReplacement(ctx context.Context, stopped *models.ActiveLeg) (strategy.Candidate, error) {
	chain, err := m.currentChain(ctx)
	if err != nil {
		return strategy.Candidate{}, err
	}
	vol, err := m.deps.Volatility.Volatility(ctx)
	if err != nil {
		return strategy.Candidate{}, fmt.Errorf("volatility: %w", err)
	}
	spot := m.spot
	if spot <= 0 {
		if spot, err = m.deps.Market.UnderlyingPrice(ctx); err != nil {
			return strategy.Candidate{}, fmt.Errorf("underlying price: %w", err)
		}
	}
	return m.deps.Selector.FindReplacement(ctx, strategy.ReplacementRequest{
		Chain:           chain,
		Stopped:         stopped.Contract,
		UnderlyingPrice: spot,
		Volatility:      vol,
		DeltaLow:        m.config.DeltaLow,
		DeltaHigh:       m.config.DeltaHigh,
	})
}

func (m *Monitor) closeRecorded(leg *models.ActiveLeg, reason string) {
	m.record(storage.EventLegClosed, map[string]string{
		"leg":    leg.Contract.TradingSymbol,
		"exit":   formatPrice(leg.ExitPrice),
		"reason": reason,
	})
}

func (m *Monitor) checkCutoff(ctx context.Context) error {
	now := m.now()
	if now.Before(m.at(now, m.config.Cutoff)) {
		return nil
	}
	m.logger.WithField("time", now.In(m.config.Location).Format("15:04:05")).Info("cutoff reached, tightening stops")
	m.tightenOpenStops(ctx, ReasonCutoff)
	m.terminate(ReasonCutoff)
	return nil
}

func (m *Monitor) checkOpenLegs(context.Context) error {
	if len(m.state.OpenLegs()) > 0 {
		return nil
	}
	m.logger.Info("no open legs left")
	m.terminate(ReasonNoOpenLegs)
	return nil
}

// currentChain returns the cached chain, reloading it when the cache has
// moved on to a new day.
func (m *Monitor) currentChain(ctx context.Context) ([]models.OptionContract, error) {
	chain, err := m.deps.Chain.Chain(ctx)
	if err != nil {
		if len(m.chain) > 0 {
			m.logger.WithError(err).Warn("chain reload failed, using previous chain")
			return m.chain, nil
		}
		return nil, err
	}
	m.chain = chain
	return chain, nil
}
