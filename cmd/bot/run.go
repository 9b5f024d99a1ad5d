package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/nifty_strangler/internal/monitor"
)

const defaultLiveDelay = 10 * time.Second

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run today's session until the cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

// Run wires a session and drives it. Cancellation is a clean exit: stops stay
// with the broker and the process can be restarted.
func (a *App) Run(ctx context.Context) error {
	logger := a.Logger
	logger.WithFields(logrus.Fields{
		"mode":     a.Config.Environment.Mode,
		"provider": a.Config.Broker.Provider,
	}).Info("Starting NIFTY strangler")

	if a.Config.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - orders are simulated")
	} else {
		delay := a.liveDelay
		if delay <= 0 {
			delay = defaultLiveDelay
		}
		logger.Warnf("LIVE TRADING MODE - starting in %s", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}

	session, err := a.NewSession()
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close journal")
		}
	}()

	m := monitor.New(session.Dependencies(), a.MonitorConfig(), logger, a.Now)

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return m.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, stopping session")
		case <-done:
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	state := m.State()
	fields := logrus.Fields{
		"session":    shortID(state.ID),
		"phase":      m.Phase(),
		"reason":     m.Reason(),
		"loss_taken": state.LossTaken,
		"sl_hits":    state.StopLossTriggerCount,
	}
	if stats, err := session.Journal.Statistics(); err == nil {
		fields["sessions"] = stats.TotalSessions
		fields["win_rate"] = stats.WinRate
		fields["total_pnl"] = stats.TotalPnL
	}
	logger.WithFields(fields).Info("Bot stopped")
	return nil
}
