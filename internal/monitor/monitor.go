// Package monitor runs one strangle session: it selects and enters the legs,
// then polls them until the cutoff, managing stops, hedges and replacements.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
	"github.com/eddiefleurent/nifty_strangler/internal/orders"
	"github.com/eddiefleurent/nifty_strangler/internal/storage"
	"github.com/eddiefleurent/nifty_strangler/internal/strategy"
)

// MarketData provides live prices.
type MarketData interface {
	Quote(ctx context.Context, instrumentID string) (models.Quote, error)
	UnderlyingPrice(ctx context.Context) (float64, error)
}

// ChainSource provides the day's option chain.
type ChainSource interface {
	Chain(ctx context.Context) ([]models.OptionContract, error)
}

// VolatilitySource provides the annualised volatility used for deltas.
type VolatilitySource interface {
	Volatility(ctx context.Context) (float64, error)
}

// Selector picks entry pairs and replacement legs.
type Selector interface {
	Select(ctx context.Context, req strategy.SelectRequest) (*models.StrikePair, error)
	FindReplacement(ctx context.Context, req strategy.ReplacementRequest) (strategy.Candidate, error)
	StopLossPercent() float64
}

// HedgeFinder resolves the hedge contracts for the short legs.
type HedgeFinder interface {
	FindHedges(chain []models.OptionContract, callLeg, putLeg *models.OptionContract) (callHedge, putHedge *models.OptionContract)
}

// OrderManager executes the orders of a session.
type OrderManager interface {
	EnterLeg(ctx context.Context, contract models.OptionContract, quantity int, offset float64) (*models.ActiveLeg, error)
	TightenStop(ctx context.Context, leg *models.ActiveLeg, ltp float64) error
	StopFilled(ctx context.Context, leg *models.ActiveLeg) (bool, float64, error)
	ExitLeg(ctx context.Context, leg *models.ActiveLeg) (float64, error)
	BuyHedge(ctx context.Context, contract models.OptionContract, quantity int) (models.ActiveLeg, error)
}

// Dependencies are the collaborators of a Monitor. Journal may be nil.
type Dependencies struct {
	Market     MarketData
	Chain      ChainSource
	Volatility VolatilitySource
	Selector   Selector
	Deltas     strategy.DeltaCalculator
	Hedges     HedgeFinder
	Orders     OrderManager
	Journal    storage.Interface
}

// Config holds the session parameters. EntryStart and Cutoff are offsets from
// midnight in Location.
type Config struct {
	Location             *time.Location
	EntryStart           time.Duration
	Cutoff               time.Duration
	PollInterval         time.Duration
	ReselectDelay        time.Duration
	DeltaLow             float64
	DeltaHigh            float64
	DeltaTolerance       float64
	RiskFreeRate         float64
	ProfitLockT1         float64
	ProfitLockT2         float64
	HedgeThreshold       float64
	CallQuantity         int
	PutQuantity          int
	MaxStopLossTriggers  int
	CloseOnDeltaBreach   bool
	ReplaceBeforeTighten bool
}

// DefaultConfig returns the production session parameters.
func DefaultConfig() Config {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.FixedZone("IST", 5*3600+1800)
	}
	return Config{
		Location:            ist,
		EntryStart:          9*time.Hour + 45*time.Minute,
		Cutoff:              14*time.Hour + 50*time.Minute,
		PollInterval:        3 * time.Second,
		ReselectDelay:       10 * time.Second,
		DeltaLow:            0.29,
		DeltaHigh:           0.35,
		DeltaTolerance:      0.1,
		RiskFreeRate:        0.05,
		ProfitLockT1:        14,
		ProfitLockT2:        28,
		HedgeThreshold:      10,
		CallQuantity:        25,
		PutQuantity:         25,
		MaxStopLossTriggers: 3,
		CloseOnDeltaBreach:  true,
	}
}

// Termination reasons, matching the session transition conditions.
const (
	ReasonCutoff        = "cutoff"
	ReasonMaxStopLosses = "max_stop_losses"
	ReasonNoOpenLegs    = "no_open_legs"
)

// Monitor owns the state of one session. It is not safe for concurrent use;
// Run drives it from a single goroutine.
type Monitor struct {
	deps     Dependencies
	logger   logrus.FieldLogger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	state    *models.SessionState
	phase    *models.StateMachine[models.SessionPhase]
	legs     map[models.OptionType]*legController
	chain    []models.OptionContract
	unwind   *unwindPlan
	reason   string
	config   Config
	spot     float64
	nextWait time.Duration
	fresh    bool
}

// New creates a Monitor for a fresh session.
func New(deps Dependencies, cfg Config, logger logrus.FieldLogger, now func() time.Time) *Monitor {
	if deps.Market == nil || deps.Chain == nil || deps.Volatility == nil ||
		deps.Selector == nil || deps.Deltas == nil || deps.Hedges == nil || deps.Orders == nil {
		panic("monitor.New: market, chain, volatility, selector, deltas, hedges and orders are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if now == nil {
		now = time.Now
	}
	defaults := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReselectDelay <= 0 {
		cfg.ReselectDelay = defaults.ReselectDelay
	}
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = defaults.Cutoff
	}
	if cfg.MaxStopLossTriggers <= 0 {
		cfg.MaxStopLossTriggers = defaults.MaxStopLossTriggers
	}

	id := uuid.New().String()
	m := &Monitor{
		deps:   deps,
		config: cfg,
		now:    now,
		sleep:  sleepContext,
		logger: logger.WithField("session", id[:8]),
		state:  models.NewSessionState(id, cfg.MaxStopLossTriggers, deps.Selector.StopLossPercent(), now()),
		phase:  models.NewSessionMachine(),
		legs: map[models.OptionType]*legController{
			models.OptionTypeCall: newLegController(models.OptionTypeCall, cfg.CallQuantity),
			models.OptionTypePut:  newLegController(models.OptionTypePut, cfg.PutQuantity),
		},
	}
	return m
}

// SetSleep overrides how Run waits between iterations.
func (m *Monitor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		m.sleep = sleep
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the live session state. Callers must not modify it.
func (m *Monitor) State() *models.SessionState {
	return m.state
}

// Phase returns the current session phase.
func (m *Monitor) Phase() models.SessionPhase {
	return m.phase.GetCurrentState()
}

// LegState returns the state of one side of the strangle.
func (m *Monitor) LegState(side models.OptionType) models.LegState {
	return m.legs[side].machine.GetCurrentState()
}

// Reason returns why the session terminated, or "" while it is running.
func (m *Monitor) Reason() string {
	return m.reason
}

// Run drives the session until it terminates or ctx is cancelled. On
// cancellation it returns ctx.Err() and leaves every protective stop working.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.WithFields(logrus.Fields{
		"stop_loss_pct": m.state.StopLossPercent,
		"max_triggers":  m.state.MaxStopLossTriggers,
	}).Info("session started")
	m.record(storage.EventSessionStarted, nil)

	for {
		if err := ctx.Err(); err != nil {
			m.logger.WithField("phase", m.Phase()).Warn("session cancelled, protective stops left in place")
			return err
		}
		if m.phase.Is(models.PhaseTerminated) {
			m.finish()
			return nil
		}

		m.nextWait = m.config.PollInterval
		if err := m.Step(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			m.logger.WithError(err).WithField("phase", m.Phase()).Error("session step failed")
		}
		if m.phase.Is(models.PhaseTerminated) {
			continue
		}
		if err := m.sleep(ctx, m.nextWait); err != nil {
			continue
		}
	}
}

// Step runs one iteration of the current phase. Panics are recovered and
// returned as errors.
func (m *Monitor) Step(ctx context.Context) (err error) {
	phase := m.Phase()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", phase, r)
		}
	}()

	switch phase {
	case models.PhaseSelecting:
		return m.stepSelecting(ctx)
	case models.PhaseEntered:
		return m.transition(models.PhaseMonitoring, "monitoring_started")
	case models.PhaseMonitoring:
		m.stepMonitoring(ctx)
		return nil
	default:
		return nil
	}
}

func (m *Monitor) stepSelecting(ctx context.Context) error {
	now := m.now()
	if !now.Before(m.at(now, m.config.Cutoff)) {
		m.terminate(ReasonCutoff)
		return nil
	}
	if now.Before(m.at(now, m.config.EntryStart)) {
		m.logger.WithField("entry_start", m.at(now, m.config.EntryStart).Format("15:04")).Debug("waiting for entry window")
		return nil
	}

	m.nextWait = m.config.ReselectDelay
	chain, err := m.deps.Chain.Chain(ctx)
	if err != nil {
		return fmt.Errorf("loading option chain: %w", err)
	}
	m.chain = chain
	spot, err := m.deps.Market.UnderlyingPrice(ctx)
	if err != nil {
		return fmt.Errorf("underlying price: %w", err)
	}
	m.spot = spot
	vol, err := m.deps.Volatility.Volatility(ctx)
	if err != nil {
		return fmt.Errorf("volatility: %w", err)
	}

	pair, err := m.deps.Selector.Select(ctx, strategy.SelectRequest{
		Chain:           chain,
		UnderlyingPrice: spot,
		DeltaLow:        m.config.DeltaLow,
		DeltaHigh:       m.config.DeltaHigh,
		Volatility:      vol,
		StopLossPercent: m.state.StopLossPercent,
	})
	if errors.Is(err, strategy.ErrNoCandidates) || errors.Is(err, strategy.ErrNoPair) {
		m.logger.WithError(err).WithField("spot", spot).Info("no tradable pair, retrying")
		return nil
	}
	if err != nil {
		return fmt.Errorf("selecting strikes: %w", err)
	}

	if err := m.enter(ctx, pair); err != nil {
		return err
	}
	m.nextWait = m.config.PollInterval
	return nil
}

// enter sells both legs of pair. If the second leg fails the first is
// bought back. A short that cannot be bought back is kept in the session and
// unwound on the following polls.
func (m *Monitor) enter(ctx context.Context, pair *models.StrikePair) error {
	call, err := m.deps.Orders.EnterLeg(ctx, pair.Call, m.legs[models.OptionTypeCall].quantity, pair.CallSLOffset)
	if err != nil {
		if call != nil && errors.Is(err, orders.ErrLegOpen) {
			return m.adoptStranded(fmt.Errorf("entering call: %w", err), call)
		}
		return fmt.Errorf("entering call: %w", err)
	}
	put, err := m.deps.Orders.EnterLeg(ctx, pair.Put, m.legs[models.OptionTypePut].quantity, pair.PutSLOffset)
	if err != nil {
		err = fmt.Errorf("entering put: %w", err)
		var stranded []*models.ActiveLeg
		if put != nil && errors.Is(err, orders.ErrLegOpen) {
			stranded = append(stranded, put)
		}
		if _, uerr := m.deps.Orders.ExitLeg(ctx, call); uerr != nil {
			m.logger.WithError(uerr).WithField("leg", call.Contract.TradingSymbol).Error("failed to unwind call after put entry failure")
			stranded = append(stranded, call)
		}
		if len(stranded) > 0 {
			return m.adoptStranded(err, stranded...)
		}
		return err
	}

	m.state.SetLeg(models.OptionTypeCall, call)
	m.state.SetLeg(models.OptionTypePut, put)
	for _, lc := range m.legs {
		lc.transition(models.LegOpen, "entered", m.logger)
	}
	m.state.RebaseInitialPremium(call.EntryPrice + put.EntryPrice)

	if err := m.transition(models.PhaseEntered, "legs_entered"); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"call":            call.Contract.TradingSymbol,
		"put":             put.Contract.TradingSymbol,
		"initial_premium": m.state.InitialPremium,
	}).Info("strangle entered")
	m.record(storage.EventLegsEntered, map[string]string{
		"call":       call.Contract.TradingSymbol,
		"put":        put.Contract.TradingSymbol,
		"call_entry": formatPrice(call.EntryPrice),
		"put_entry":  formatPrice(put.EntryPrice),
	})
	return m.transition(models.PhaseMonitoring, "monitoring_started")
}

// adoptStranded takes over shorts left open by a failed entry and commits the
// session to buying them back before selecting again.
func (m *Monitor) adoptStranded(cause error, legs ...*models.ActiveLeg) error {
	premium := 0.0
	names := make([]string, 0, len(legs))
	for _, leg := range legs {
		m.state.SetLeg(leg.Contract.Type, leg)
		m.legs[leg.Contract.Type].transition(models.LegOpen, "entered", m.logger)
		premium += leg.EntryPrice
		names = append(names, leg.Contract.TradingSymbol)
	}
	m.state.RebaseInitialPremium(premium)
	m.logger.WithError(cause).WithField("legs", names).Error("entry failed with shorts still open, unwinding")
	if err := m.transition(models.PhaseMonitoring, "entry_failed"); err != nil {
		return err
	}
	m.beginUnwind("entry_unwound", storage.EventLegClosed, map[string]string{"reason": "entry_failed"})
	return cause
}

func (m *Monitor) transition(to models.SessionPhase, condition string) error {
	from := m.Phase()
	if err := m.phase.Transition(to, condition); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{"from": from, "to": to, "condition": condition}).Debug("session phase changed")
	return nil
}

func (m *Monitor) terminate(reason string) {
	if err := m.transition(models.PhaseTerminated, reason); err != nil {
		m.logger.WithError(err).Error("terminate")
		return
	}
	m.reason = reason
}

// finish journals the end of the session.
func (m *Monitor) finish() {
	now := m.now().In(m.config.Location)
	pnl := m.state.PnL(m.state.CurrentPremium())
	if m.state.Call == nil && m.state.Put == nil {
		pnl = -m.state.LossTaken
	}
	m.logger.WithFields(logrus.Fields{
		"reason":     m.reason,
		"pnl":        pnl,
		"loss_taken": m.state.LossTaken,
		"triggers":   m.state.StopLossTriggerCount,
	}).Info("session terminated")
	m.record(storage.EventSessionTerminated, map[string]string{"reason": m.reason})

	if m.deps.Journal == nil {
		return
	}
	err := m.deps.Journal.RecordSession(storage.SessionRecord{
		SessionID:        m.state.ID,
		Date:             now.Format("2006-01-02"),
		Reason:           m.reason,
		PnL:              pnl,
		LossTaken:        m.state.LossTaken,
		StopLossTriggers: m.state.StopLossTriggerCount,
		ClosedAt:         now,
	})
	if err != nil {
		m.logger.WithError(err).Warn("failed to record session")
	}
}

func (m *Monitor) record(t storage.EventType, fields map[string]string) {
	if m.deps.Journal == nil {
		return
	}
	pnl := 0.0
	if m.state.Call != nil || m.state.Put != nil {
		pnl = m.state.PnL(m.state.CurrentPremium())
	}
	if err := m.deps.Journal.AppendEvent(storage.NewEvent(m.state.ID, t, m.now(), pnl, fields)); err != nil {
		m.logger.WithError(err).WithField("event", t).Warn("failed to journal event")
	}
}

// at returns the wall-clock time offset from midnight of t's day in the
// session location.
func (m *Monitor) at(t time.Time, offset time.Duration) time.Time {
	local := t.In(m.config.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.config.Location)
	return midnight.Add(offset)
}

func formatPrice(p float64) string {
	return fmt.Sprintf("%.2f", p)
}
