// Package orders places and tracks the orders of a strangle session: short
// entries with their protective stops, stop tightening, exits and hedges.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
	"github.com/eddiefleurent/nifty_strangler/internal/util"
)

var (
	// ErrFillTimeout is returned when an order is still working after Config.Timeout.
	ErrFillTimeout = errors.New("order not filled before timeout")
	// ErrOrderRejected is returned when an order ends cancelled or rejected.
	ErrOrderRejected = errors.New("order rejected")
	// ErrLegOpen is returned together with the leg when an entry failed and
	// the short could not be bought back. The caller still holds the leg.
	ErrLegOpen = errors.New("short leg still open")
	// ErrLegUnprotected is returned when a buy-back failed and no protective
	// stop could be placed for the leg.
	ErrLegUnprotected = errors.New("short leg has no protective stop")
)

// Config contains configuration for the order manager.
type Config struct {
	Tag                  string
	PollInterval         time.Duration
	Timeout              time.Duration
	CallTimeout          time.Duration
	StopLimitGap         float64
	TightenTriggerOffset float64
	TightenLimitOffset   float64
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	Tag:                  "Automation",
	PollInterval:         500 * time.Millisecond,
	Timeout:              30 * time.Second,
	CallTimeout:          5 * time.Second,
	StopLimitGap:         1,
	TightenTriggerOffset: 1,
	TightenLimitOffset:   2,
}

// Manager handles order execution and status polling.
type Manager struct {
	broker     broker.Broker
	logger     logrus.FieldLogger
	marketOpen func(time.Time) bool
	now        func() time.Time
	config     Config
}

// NewManager creates a new order manager. marketOpen decides whether orders
// go out as regular or after-market; nil treats the market as always open.
func NewManager(b broker.Broker, logger logrus.FieldLogger, marketOpen func(time.Time) bool, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.TightenTriggerOffset <= 0 {
		cfg.TightenTriggerOffset = DefaultConfig.TightenTriggerOffset
	}
	if cfg.TightenLimitOffset <= 0 {
		cfg.TightenLimitOffset = DefaultConfig.TightenLimitOffset
	}
	if cfg.StopLimitGap < 0 {
		cfg.StopLimitGap = DefaultConfig.StopLimitGap
	}

	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if marketOpen == nil {
		marketOpen = func(time.Time) bool { return true }
	}

	return &Manager{
		broker:     b,
		logger:     logger,
		marketOpen: marketOpen,
		now:        time.Now,
		config:     cfg,
	}
}

// SetClock overrides the clock used for after-market decisions.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func tickOf(c models.OptionContract) float64 {
	if c.TickSize > 0 {
		return c.TickSize
	}
	return util.DefaultTick
}

// StopPrices returns the trigger and limit of the protective stop for a
// short leg sold at entryPrice.
func (m *Manager) StopPrices(c models.OptionContract, entryPrice, offset float64) (trigger, limit float64) {
	tick := tickOf(c)
	trigger = util.RoundToTick(entryPrice+offset, tick)
	limit = util.RoundToTick(trigger+m.config.StopLimitGap, tick)
	return trigger, limit
}

// EnterLeg sells quantity of contract at market, waits for the fill and
// places a BUY stop-limit offset points above the fill. If the stop cannot be
// placed the short is bought back. When that buy-back fails too the leg is
// returned with an error wrapping ErrLegOpen; otherwise nothing is left open
// on error.
func (m *Manager) EnterLeg(ctx context.Context, contract models.OptionContract, quantity int, offset float64) (*models.ActiveLeg, error) {
	log := m.logger.WithFields(logrus.Fields{"instrument": contract.TradingSymbol, "qty": quantity})

	orderID, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Contract:    contract,
		Side:        models.SideSell,
		Type:        broker.OrderTypeMarket,
		Tag:         m.config.Tag,
		Quantity:    quantity,
		AfterMarket: !m.marketOpen(m.now()),
	})
	if err != nil {
		return nil, fmt.Errorf("selling %s: %w", contract.TradingSymbol, err)
	}

	price, err := m.AwaitFill(ctx, orderID, contract)
	if err != nil {
		m.cancelQuietly(ctx, orderID)
		return nil, fmt.Errorf("selling %s: %w", contract.TradingSymbol, err)
	}

	leg := &models.ActiveLeg{
		Contract:     contract,
		EntryOrderID: orderID,
		EntryPrice:   price,
		LastPrice:    price,
		StopOffset:   offset,
		Quantity:     quantity,
		EnteredAt:    m.now(),
	}
	leg.StopTrigger, leg.StopLimit = m.StopPrices(contract, price, offset)

	stopID, err := m.broker.PlaceStopOrder(ctx, broker.StopOrderRequest{
		Contract:     contract,
		Side:         models.SideBuy,
		Tag:          m.config.Tag,
		Quantity:     quantity,
		TriggerPrice: leg.StopTrigger,
		LimitPrice:   leg.StopLimit,
	})
	if err != nil {
		log.WithError(err).Error("stop placement failed, buying back the short")
		if _, exitErr := m.ExitLeg(ctx, leg); exitErr != nil {
			log.WithError(exitErr).Error("failed to buy back unprotected short")
			return leg, fmt.Errorf("%w: placing stop for %s: %v (buy-back also failed: %v)", ErrLegOpen, contract.TradingSymbol, err, exitErr)
		}
		return nil, fmt.Errorf("placing stop for %s: %w", contract.TradingSymbol, err)
	}
	leg.StopOrderID = stopID

	log.WithFields(logrus.Fields{
		"order_id":     orderID,
		"stop_id":      stopID,
		"entry":        price,
		"stop_trigger": leg.StopTrigger,
		"stop_limit":   leg.StopLimit,
	}).Info("leg entered")
	return leg, nil
}

// AwaitFill polls an order until it completes and returns the fill price.
// A completed order without an average price falls back to the LTP.
func (m *Manager) AwaitFill(ctx context.Context, orderID string, contract models.OptionContract) (float64, error) {
	pollCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		statusCtx, statusCancel := context.WithTimeout(pollCtx, m.config.CallTimeout)
		status, err := m.broker.OrderStatus(statusCtx, orderID)
		statusCancel()

		switch {
		case err != nil:
			m.logger.WithError(err).WithField("order_id", orderID).Warn("order status check failed")
		case status.IsComplete():
			if status.AveragePrice > 0 {
				return status.AveragePrice, nil
			}
			q, qerr := m.broker.Quote(ctx, contract.ID)
			if qerr != nil {
				return 0, fmt.Errorf("order %s filled without price and LTP unavailable: %w", orderID, qerr)
			}
			return q.LastPrice, nil
		case status.IsTerminal():
			return 0, fmt.Errorf("%w: order %s %s %s", ErrOrderRejected, orderID, status.Status, status.Message)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: order %s", ErrFillTimeout, orderID)
		case <-ticker.C:
		}
	}
}

// TightenStop moves the leg's stop to ltp + TightenTriggerOffset with the
// limit at ltp + TightenLimitOffset. A rejected modify is retried once one
// point wider.
func (m *Manager) TightenStop(ctx context.Context, leg *models.ActiveLeg, ltp float64) error {
	if leg == nil || leg.StopOrderID == "" {
		return errors.New("tighten stop: leg has no stop order")
	}
	tick := tickOf(leg.Contract)
	trigger := util.RoundToTick(ltp+m.config.TightenTriggerOffset, tick)
	limit := util.RoundToTick(ltp+m.config.TightenLimitOffset, tick)
	log := m.logger.WithFields(logrus.Fields{"instrument": leg.Contract.TradingSymbol, "stop_id": leg.StopOrderID, "ltp": ltp})

	newID, err := m.broker.ModifyOrder(ctx, leg.StopOrderID, trigger, limit)
	if err != nil {
		log.WithError(err).Warn("stop modify failed, retrying wider")
		trigger = util.RoundToTick(trigger+1, tick)
		limit = util.RoundToTick(limit+2, tick)
		newID, err = m.broker.ModifyOrder(ctx, leg.StopOrderID, trigger, limit)
		if err != nil {
			return fmt.Errorf("tightening stop %s: %w", leg.StopOrderID, err)
		}
	}

	if newID != "" {
		leg.StopOrderID = newID
	}
	leg.StopTrigger = trigger
	leg.StopLimit = limit
	log.WithFields(logrus.Fields{"trigger": trigger, "limit": limit}).Info("stop tightened")
	return nil
}

// StopFilled reports whether the leg's protective stop has executed and at
// what price. A complete stop without an average price reports its limit.
func (m *Manager) StopFilled(ctx context.Context, leg *models.ActiveLeg) (bool, float64, error) {
	if leg == nil || leg.StopOrderID == "" {
		return false, 0, nil
	}
	status, err := m.broker.OrderStatus(ctx, leg.StopOrderID)
	if err != nil {
		return false, 0, fmt.Errorf("stop status %s: %w", leg.StopOrderID, err)
	}
	if !status.IsComplete() {
		return false, 0, nil
	}
	price := status.AveragePrice
	if price <= 0 {
		price = leg.StopLimit
	}
	return true, price, nil
}

// CancelStop cancels the leg's protective stop.
func (m *Manager) CancelStop(ctx context.Context, leg *models.ActiveLeg) error {
	if leg == nil || leg.StopOrderID == "" {
		return nil
	}
	if err := m.broker.CancelOrder(ctx, leg.StopOrderID); err != nil {
		return fmt.Errorf("cancelling stop %s: %w", leg.StopOrderID, err)
	}
	return nil
}

// ExitLeg cancels the stop and buys the leg back at market. If the stop has
// already filled its price is used and nothing is bought. If the stop cannot
// be cancelled the leg is left to it and an error is returned. If the
// buy-back fails a fresh stop is placed, so a failed exit never leaves the
// short without protection. The leg's ExitPrice is set on success.
func (m *Manager) ExitLeg(ctx context.Context, leg *models.ActiveLeg) (float64, error) {
	if !leg.IsOpen() {
		return leg.MarkPrice(), nil
	}
	if leg.StopOrderID != "" {
		if filled, price, err := m.StopFilled(ctx, leg); err == nil && filled {
			leg.ExitPrice = price
			return price, nil
		}
		if err := m.CancelStop(ctx, leg); err != nil {
			if filled, price, serr := m.StopFilled(ctx, leg); serr == nil && filled {
				leg.ExitPrice = price
				return price, nil
			}
			return 0, fmt.Errorf("exiting %s: %w", leg.Contract.TradingSymbol, err)
		}
	}

	price, err := m.buyBack(ctx, leg)
	if err != nil {
		if rerr := m.restoreStop(ctx, leg); rerr != nil {
			m.logger.WithError(rerr).WithField("instrument", leg.Contract.TradingSymbol).Error("short left without a protective stop")
			return 0, fmt.Errorf("%w: %v (%v)", ErrLegUnprotected, err, rerr)
		}
		return 0, err
	}
	leg.ExitPrice = price
	return price, nil
}

func (m *Manager) buyBack(ctx context.Context, leg *models.ActiveLeg) (float64, error) {
	orderID, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Contract:    leg.Contract,
		Side:        models.SideBuy,
		Type:        broker.OrderTypeMarket,
		Tag:         m.config.Tag,
		Quantity:    leg.Quantity,
		AfterMarket: !m.marketOpen(m.now()),
	})
	if err != nil {
		return 0, fmt.Errorf("buying back %s: %w", leg.Contract.TradingSymbol, err)
	}
	price, err := m.AwaitFill(ctx, orderID, leg.Contract)
	if err != nil {
		m.cancelQuietly(ctx, orderID)
		return 0, fmt.Errorf("buying back %s: %w", leg.Contract.TradingSymbol, err)
	}
	m.logger.WithFields(logrus.Fields{
		"instrument": leg.Contract.TradingSymbol,
		"order_id":   orderID,
		"exit":       price,
	}).Info("leg bought back")
	return price, nil
}

// restoreStop places a new protective stop for an open leg whose stop was
// cancelled or never placed. The trigger is kept at least
// TightenTriggerOffset above the last price. It runs even when ctx is
// cancelled.
func (m *Manager) restoreStop(ctx context.Context, leg *models.ActiveLeg) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.CallTimeout)
	defer cancel()

	tick := tickOf(leg.Contract)
	trigger, limit := leg.StopTrigger, leg.StopLimit
	if q, err := m.broker.Quote(ctx, leg.Contract.ID); err == nil && q.LastPrice > 0 {
		leg.LastPrice = q.LastPrice
		if floor := util.CeilToTick(q.LastPrice+m.config.TightenTriggerOffset, tick); trigger < floor {
			trigger = floor
			limit = util.CeilToTick(q.LastPrice+m.config.TightenLimitOffset, tick)
		}
	}
	if trigger <= 0 {
		leg.StopOrderID = ""
		return fmt.Errorf("restoring stop for %s: no trigger price", leg.Contract.TradingSymbol)
	}

	stopID, err := m.broker.PlaceStopOrder(ctx, broker.StopOrderRequest{
		Contract:     leg.Contract,
		Side:         models.SideBuy,
		Tag:          m.config.Tag,
		Quantity:     leg.Quantity,
		TriggerPrice: trigger,
		LimitPrice:   limit,
	})
	if err != nil {
		leg.StopOrderID = ""
		return fmt.Errorf("restoring stop for %s: %w", leg.Contract.TradingSymbol, err)
	}
	leg.StopOrderID = stopID
	leg.StopTrigger = trigger
	leg.StopLimit = limit
	m.logger.WithFields(logrus.Fields{
		"instrument": leg.Contract.TradingSymbol,
		"stop_id":    stopID,
		"trigger":    trigger,
		"limit":      limit,
	}).Warn("buy-back failed, protective stop restored")
	return nil
}

// BuyHedge buys quantity of contract at market and returns the filled leg.
func (m *Manager) BuyHedge(ctx context.Context, contract models.OptionContract, quantity int) (models.ActiveLeg, error) {
	orderID, err := m.broker.PlaceOrder(ctx, broker.OrderRequest{
		Contract:    contract,
		Side:        models.SideBuy,
		Type:        broker.OrderTypeMarket,
		Tag:         m.config.Tag,
		Quantity:    quantity,
		AfterMarket: !m.marketOpen(m.now()),
	})
	if err != nil {
		return models.ActiveLeg{}, fmt.Errorf("buying hedge %s: %w", contract.TradingSymbol, err)
	}
	price, err := m.AwaitFill(ctx, orderID, contract)
	if err != nil {
		return models.ActiveLeg{}, fmt.Errorf("buying hedge %s: %w", contract.TradingSymbol, err)
	}
	m.logger.WithFields(logrus.Fields{
		"instrument": contract.TradingSymbol,
		"order_id":   orderID,
		"price":      price,
	}).Info("hedge bought")
	return models.ActiveLeg{
		Contract:     contract,
		EntryOrderID: orderID,
		EntryPrice:   price,
		Quantity:     quantity,
		EnteredAt:    m.now(),
	}, nil
}

func (m *Manager) cancelQuietly(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.CallTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		m.logger.WithError(err).WithField("order_id", orderID).Debug("cancel after failed fill")
	}
}
