package main

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/config"
	"github.com/eddiefleurent/nifty_strangler/internal/greeks"
	"github.com/eddiefleurent/nifty_strangler/internal/logging"
	"github.com/eddiefleurent/nifty_strangler/internal/marketdata"
	"github.com/eddiefleurent/nifty_strangler/internal/mock"
	"github.com/eddiefleurent/nifty_strangler/internal/monitor"
	"github.com/eddiefleurent/nifty_strangler/internal/orders"
	"github.com/eddiefleurent/nifty_strangler/internal/retry"
	"github.com/eddiefleurent/nifty_strangler/internal/storage"
	"github.com/eddiefleurent/nifty_strangler/internal/strategy"
	"github.com/eddiefleurent/nifty_strangler/internal/vwap"
)

// App holds what every command needs: configuration, credentials and the logger.
type App struct {
	Config  *config.Config
	Secrets *config.Secrets
	Logger  *logrus.Logger

	// Data replaces the market data provider. Tests use it to run against a
	// scripted market.
	Data broker.MarketData
	Now  func() time.Time

	logCloser io.Closer
	liveDelay time.Duration
}

// load reads configuration and credentials and builds the logger.
func (a *App) load(configPath, secretsPath string, debug bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	secrets, err := config.LoadSecrets(secretsPath)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if err := secrets.Validate(!cfg.IsPaperTrading()); err != nil {
		return err
	}
	if !cfg.IsPaperTrading() && cfg.Broker.Provider != "kite" {
		return fmt.Errorf("live trading requires broker.provider 'kite'")
	}

	logger, closer, err := logging.New(out, logging.Options{
		Level:      cfg.Environment.LogLevel,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Debug:      debug,
	})
	if err != nil {
		return err
	}

	a.Config = cfg
	a.Secrets = secrets
	a.Logger = logger
	a.logCloser = closer
	if a.Now == nil {
		a.Now = time.Now
	}
	return nil
}

// Close flushes the log file.
func (a *App) Close() error {
	if a.logCloser == nil {
		return nil
	}
	return a.logCloser.Close()
}

// Session is one wired set of components.
type Session struct {
	Broker   broker.Broker
	Chain    *marketdata.ChainCache
	Vol      *marketdata.VolatilityCache
	Selector *strategy.Selector
	Deltas   *greeks.Engine
	Hedges   *strategy.HedgeResolver
	Orders   *orders.Manager
	Journal  storage.Interface
}

// Close releases the journal.
func (s *Session) Close() error {
	if s.Journal == nil {
		return nil
	}
	return s.Journal.Close()
}

// Dependencies returns the monitor's collaborators.
func (s *Session) Dependencies() monitor.Dependencies {
	return monitor.Dependencies{
		Market:     s.Broker,
		Chain:      s.Chain,
		Volatility: s.Vol,
		Selector:   s.Selector,
		Deltas:     s.Deltas,
		Hedges:     s.Hedges,
		Orders:     s.Orders,
		Journal:    s.Journal,
	}
}

// marketData picks the price feed: Kite when credentials exist, otherwise a
// synthetic market for paper runs.
func (a *App) marketData() (broker.MarketData, *broker.KiteBroker, error) {
	if a.Data != nil {
		return a.Data, nil, nil
	}
	if a.Secrets.HasCredentials() {
		kite := broker.NewKiteBroker(broker.KiteConfig{
			APIKey:          a.Secrets.APIKey,
			AccessToken:     a.Secrets.AccessToken,
			Underlying:      a.Config.Broker.Underlying,
			UnderlyingQuote: a.Config.Broker.UnderlyingQuote,
			VolatilityQuote: a.Config.Broker.VolatilityQuote,
			Product:         a.Config.Broker.Product,
			RequestTimeout:  config.Duration(a.Config.Broker.RequestTimeout, 10*time.Second),
		})
		return kite, kite, nil
	}
	if a.Config.Broker.Provider == "kite" {
		return nil, nil, fmt.Errorf("broker.provider 'kite' needs KITE_API_KEY and KITE_ACCESS_TOKEN")
	}
	a.Logger.Warn("No Kite credentials, using a synthetic market")
	return mock.NewDataProvider(), nil, nil
}

// newBroker builds the order gateway wrapped in the circuit breaker and
// retries. Paper mode simulates fills on top of the chosen price feed.
func (a *App) newBroker() (broker.Broker, error) {
	data, kite, err := a.marketData()
	if err != nil {
		return nil, err
	}

	var base broker.Broker
	if !a.Config.IsPaperTrading() && kite != nil {
		base = kite
	} else {
		base = broker.NewPaperBroker(data, a.Now)
	}

	cb := a.Config.CircuitBreaker
	breaker := broker.NewCircuitBreakerBrokerWithSettings(base, broker.CircuitBreakerSettings{
		MaxRequests:  cb.MaxRequests,
		Interval:     config.Duration(cb.Interval, 60*time.Second),
		Timeout:      config.Duration(cb.Timeout, 30*time.Second),
		MinRequests:  cb.MinRequests,
		FailureRatio: cb.FailureRatio,
	}, a.Logger)

	r := a.Config.Retry
	return retry.NewBroker(breaker, a.Logger, retry.Config{
		MaxAttempts: r.MaxAttempts,
		Backoff:     config.Duration(r.Backoff, time.Second),
		Multiplier:  r.Multiplier,
		MaxBackoff:  config.Duration(r.MaxBackoff, 10*time.Second),
		Jitter:      r.Jitter,
	}), nil
}

// NewSession wires every component from the configuration.
func (a *App) NewSession() (*Session, error) {
	cfg := a.Config
	loc := cfg.Location()

	b, err := a.newBroker()
	if err != nil {
		return nil, err
	}

	table, err := cfg.StopLossTable()
	if err != nil {
		return nil, err
	}

	var vwapSource strategy.VWAPSource
	if cfg.VWAPEnabled() {
		vwapSource = vwap.NewEngine(b, a.Now)
	}

	deltas := greeks.NewEngine(loc, a.Now)
	selector := strategy.NewSelector(b, deltas, vwapSource, strategy.Config{
		StopLossTable:         table,
		StrikeStep:            cfg.Strategy.StrikeStep,
		ATMHalfWidth:          cfg.Strategy.ATMHalfWidth,
		PriceDiffTolerancePct: cfg.Strategy.PriceDiffTolerancePct,
		RiskFreeRate:          cfg.Strategy.RiskFreeRate,
		ExpiryRolloverDays:    cfg.Strategy.ExpiryRolloverDays,
		VWAPLookbackMinutes:   cfg.Strategy.VWAP.LookbackMinutes,
		VWAPEnabled:           cfg.VWAPEnabled(),
		VWAPPriority:          cfg.VWAPPriority(),
	}, loc, a.Logger, a.Now)

	manager := orders.NewManager(b, a.Logger, cfg.IsWithinMarketHours, orders.Config{
		Tag:                  cfg.Broker.OrderTag,
		PollInterval:         config.Duration(cfg.Orders.FillPollInterval, 500*time.Millisecond),
		Timeout:              config.Duration(cfg.Orders.FillTimeout, 30*time.Second),
		CallTimeout:          config.Duration(cfg.Broker.RequestTimeout, 10*time.Second),
		StopLimitGap:         cfg.Risk.StopLimitGap,
		TightenTriggerOffset: cfg.Risk.TightenTriggerOffset,
		TightenLimitOffset:   cfg.Risk.TightenLimitOffset,
	})
	manager.SetClock(a.Now)

	journal, err := storage.NewStorage(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Session{
		Broker:   b,
		Chain:    marketdata.NewChainCache(b, cfg.Broker.Exchange, loc, a.Logger, a.Now),
		Vol:      marketdata.NewVolatilityCache(b, config.Duration(cfg.Strategy.VolatilityTTL, 2*time.Minute), a.Now),
		Selector: selector,
		Deltas:   deltas,
		Hedges:   strategy.NewHedgeResolver(cfg.Risk.HedgeOffset, a.Logger),
		Orders:   manager,
		Journal:  journal,
	}, nil
}

// MonitorConfig maps the configuration onto the session parameters.
func (a *App) MonitorConfig() monitor.Config {
	cfg := a.Config
	return monitor.Config{
		Location:             cfg.Location(),
		EntryStart:           cfg.EntryStartOffset(),
		Cutoff:               cfg.CutoffOffset(),
		PollInterval:         cfg.PollInterval(),
		ReselectDelay:        cfg.ReselectDelay(),
		DeltaLow:             cfg.Strategy.DeltaLow,
		DeltaHigh:            cfg.Strategy.DeltaHigh,
		DeltaTolerance:       cfg.Strategy.DeltaTolerance,
		RiskFreeRate:         cfg.Strategy.RiskFreeRate,
		ProfitLockT1:         cfg.Risk.ProfitLockT1,
		ProfitLockT2:         cfg.Risk.ProfitLockT2,
		HedgeThreshold:       cfg.Risk.HedgeThreshold,
		CallQuantity:         cfg.Strategy.CallQuantity,
		PutQuantity:          cfg.Strategy.PutQuantity,
		MaxStopLossTriggers:  cfg.Risk.MaxStopLossTriggers,
		CloseOnDeltaBreach:   cfg.CloseOnDeltaBreach(),
		ReplaceBeforeTighten: cfg.Monitor.ReplaceBeforeTighten,
	}
}
