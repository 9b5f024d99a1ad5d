// Command integration runs a paper-mode smoke test of the full pipeline:
// market data, option chain, strike selection, an order round trip on the
// simulated gateway and the journal. Live Kite prices are used when
// credentials are available.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/nifty_strangler/internal/broker"
	"github.com/eddiefleurent/nifty_strangler/internal/config"
	"github.com/eddiefleurent/nifty_strangler/internal/greeks"
	"github.com/eddiefleurent/nifty_strangler/internal/logging"
	"github.com/eddiefleurent/nifty_strangler/internal/marketdata"
	"github.com/eddiefleurent/nifty_strangler/internal/mock"
	"github.com/eddiefleurent/nifty_strangler/internal/models"
	"github.com/eddiefleurent/nifty_strangler/internal/orders"
	"github.com/eddiefleurent/nifty_strangler/internal/storage"
	"github.com/eddiefleurent/nifty_strangler/internal/strategy"
)

type harness struct {
	cfg      *config.Config
	broker   broker.Broker
	chain    *marketdata.ChainCache
	vol      *marketdata.VolatilityCache
	selector *strategy.Selector
	orders   *orders.Manager
	logger   logrus.FieldLogger

	contracts []models.OptionContract
	spot      float64
	pair      *models.StrikePair
}

func main() {
	var configPath, secretsPath string
	cmd := &cobra.Command{
		Use:           "integration",
		Short:         "Paper-mode smoke test of the strangler pipeline",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, secretsPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	cmd.Flags().StringVar(&secretsPath, "secrets", "secrets.yaml", "path to credentials file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath, secretsPath string) error {
	fmt.Println("=== NIFTY Strangler - End-to-End Paper Check ===")
	fmt.Println()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	secrets, err := config.LoadSecrets(secretsPath)
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	logger, closer, err := logging.New(os.Stdout, logging.Options{Level: cfg.Environment.LogLevel})
	if err != nil {
		return err
	}
	defer closer.Close()

	var data broker.MarketData
	if secrets.HasCredentials() {
		data = broker.NewKiteBroker(broker.KiteConfig{
			APIKey:          secrets.APIKey,
			AccessToken:     secrets.AccessToken,
			Underlying:      cfg.Broker.Underlying,
			UnderlyingQuote: cfg.Broker.UnderlyingQuote,
			VolatilityQuote: cfg.Broker.VolatilityQuote,
			Product:         cfg.Broker.Product,
			RequestTimeout:  config.Duration(cfg.Broker.RequestTimeout, 10*time.Second),
		})
	} else {
		logger.Warn("No Kite credentials, checking against a synthetic market")
		data = mock.NewDataProvider()
	}

	// Orders are always simulated here, whatever environment.mode says.
	b := broker.NewCircuitBreakerBroker(broker.NewPaperBroker(data, nil), logger)
	loc := cfg.Location()
	table, err := cfg.StopLossTable()
	if err != nil {
		return err
	}
	selCfg := strategy.DefaultConfig()
	selCfg.StopLossTable = table
	selCfg.VWAPEnabled = false

	h := &harness{
		cfg:      cfg,
		broker:   b,
		chain:    marketdata.NewChainCache(b, cfg.Broker.Exchange, loc, logger, nil),
		vol:      marketdata.NewVolatilityCache(b, 0, nil),
		selector: strategy.NewSelector(b, greeks.NewEngine(loc, nil), nil, selCfg, loc, logger, nil),
		orders:   orders.NewManager(b, logger, nil, orders.Config{Tag: "Integration", StopLimitGap: cfg.Risk.StopLimitGap}),
		logger:   logger,
	}

	if failed := h.runChecks(); failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func (h *harness) runChecks() (failed int) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"Market Data", h.checkMarketData},
		{"Option Chain", h.checkChain},
		{"Strike Selection", h.checkSelection},
		{"Order Round Trip", h.checkOrders},
		{"Journal", h.checkJournal},
	}

	passed := 0
	for i, c := range checks {
		title := fmt.Sprintf("Check %d: %s", i+1, c.name)
		fmt.Println(title)
		fmt.Println(strings.Repeat("=", len(title)))

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := c.fn(ctx)
		cancel()
		if err != nil {
			h.logger.WithError(err).Error(c.name + " failed")
			fmt.Println("FAILED")
		} else {
			passed++
			fmt.Println("PASSED")
		}
		fmt.Println()
	}

	fmt.Println("=== Results ===")
	fmt.Printf("Checks passed: %d/%d\n", passed, len(checks))
	return len(checks) - passed
}

func (h *harness) checkMarketData(ctx context.Context) error {
	spot, err := h.broker.UnderlyingPrice(ctx)
	if err != nil {
		return fmt.Errorf("underlying price: %w", err)
	}
	vol, err := h.vol.Volatility(ctx)
	if err != nil {
		return err
	}
	h.spot = spot
	h.logger.WithFields(logrus.Fields{"spot": spot, "volatility": vol}).Info("market data ok")
	return nil
}

func (h *harness) checkChain(ctx context.Context) error {
	chain, err := h.chain.Chain(ctx)
	if err != nil {
		return err
	}
	h.contracts = chain
	h.logger.WithFields(logrus.Fields{
		"contracts": len(chain),
		"expiries":  len(strategy.Expiries(chain)),
	}).Info("chain ok")
	return nil
}

func (h *harness) checkSelection(ctx context.Context) error {
	if h.spot <= 0 || len(h.contracts) == 0 {
		return errors.New("market data and chain checks must pass first")
	}
	vol, err := h.vol.Volatility(ctx)
	if err != nil {
		return err
	}
	pair, diag, err := h.selector.SelectWithDiagnostics(ctx, strategy.SelectRequest{
		Chain:           h.contracts,
		UnderlyingPrice: h.spot,
		DeltaLow:        h.cfg.Strategy.DeltaLow,
		DeltaHigh:       h.cfg.Strategy.DeltaHigh,
		Volatility:      vol,
	})
	if err != nil {
		if diag != nil {
			h.logger.WithFields(logrus.Fields{"calls": len(diag.Calls), "puts": len(diag.Puts), "pairs": len(diag.Pairs)}).Warn("selection diagnostics")
		}
		return err
	}
	h.pair = pair
	h.logger.WithFields(logrus.Fields{
		"call":    pair.Call.TradingSymbol,
		"put":     pair.Put.TradingSymbol,
		"premium": pair.CombinedPremium(),
	}).Info("selection ok")
	return nil
}

func (h *harness) checkOrders(ctx context.Context) error {
	if h.pair == nil {
		return errors.New("selection check must pass first")
	}
	leg, err := h.orders.EnterLeg(ctx, h.pair.Call, int(h.pair.Call.LotSize), h.pair.CallSLOffset)
	if err != nil {
		return fmt.Errorf("entering leg: %w", err)
	}
	if err := h.orders.TightenStop(ctx, leg, leg.EntryPrice); err != nil {
		return fmt.Errorf("tightening stop: %w", err)
	}
	exit, err := h.orders.ExitLeg(ctx, leg)
	if err != nil {
		return fmt.Errorf("exiting leg: %w", err)
	}
	h.logger.WithFields(logrus.Fields{
		"entry":   leg.EntryPrice,
		"exit":    exit,
		"trigger": leg.StopTrigger,
	}).Info("order round trip ok")
	return nil
}

func (h *harness) checkJournal(context.Context) error {
	dir, err := os.MkdirTemp("", "strangler-integration")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	journal, err := storage.NewStorage(h.cfg.Storage.Backend, filepath.Join(dir, "journal"))
	if err != nil {
		return err
	}
	defer journal.Close()

	now := time.Now()
	if err := journal.AppendEvent(storage.NewEvent("integration", storage.EventSessionStarted, now, 0, nil)); err != nil {
		return err
	}
	if err := journal.RecordSession(storage.SessionRecord{SessionID: "integration", Date: now.Format("2006-01-02"), ClosedAt: now}); err != nil {
		return err
	}
	events, err := journal.Events("integration")
	if err != nil {
		return err
	}
	if len(events) != 1 {
		return fmt.Errorf("expected 1 event, got %d", len(events))
	}
	return nil
}
