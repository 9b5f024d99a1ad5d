package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/nifty_strangler/internal/models"
	"github.com/eddiefleurent/nifty_strangler/internal/strategy"
)

func newSelectCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "select",
		Short: "Run one strike selection and print the result without placing orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Select(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

type marketSnapshot struct {
	chain      []models.OptionContract
	spot       float64
	volatility float64
}

func (s *Session) snapshot(ctx context.Context) (marketSnapshot, error) {
	var snap marketSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chain, err := s.Chain.Chain(gctx)
		if err != nil {
			return fmt.Errorf("loading option chain: %w", err)
		}
		snap.chain = chain
		return nil
	})
	g.Go(func() error {
		spot, err := s.Broker.UnderlyingPrice(gctx)
		if err != nil {
			return fmt.Errorf("underlying price: %w", err)
		}
		snap.spot = spot
		return nil
	})
	g.Go(func() error {
		vol, err := s.Vol.Volatility(gctx)
		if err != nil {
			return err
		}
		snap.volatility = vol
		return nil
	})
	if err := g.Wait(); err != nil {
		return marketSnapshot{}, err
	}
	return snap, nil
}

// Select runs one dry selection and writes what it found to out. Finding no
// pair is reported, not returned as an error.
func (a *App) Select(ctx context.Context, out io.Writer) error {
	session, err := a.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	snap, err := session.snapshot(ctx)
	if err != nil {
		return err
	}

	pair, diag, err := session.Selector.SelectWithDiagnostics(ctx, strategy.SelectRequest{
		Chain:           snap.chain,
		UnderlyingPrice: snap.spot,
		DeltaLow:        a.Config.Strategy.DeltaLow,
		DeltaHigh:       a.Config.Strategy.DeltaHigh,
		Volatility:      snap.volatility,
	})
	if err != nil && !errors.Is(err, strategy.ErrNoCandidates) && !errors.Is(err, strategy.ErrNoPair) {
		return err
	}

	fmt.Fprintf(out, "Spot: %.2f  Volatility: %.2f%%  Contracts: %d\n", snap.spot, snap.volatility*100, len(snap.chain))
	if diag != nil {
		writeDiagnostics(out, diag)
	}
	if pair == nil {
		fmt.Fprintf(out, "No pair selected: %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Selected: %s @ %.2f (delta %.3f) / %s @ %.2f (delta %.3f)\n",
		pair.Call.TradingSymbol, pair.CallPrice, pair.CallDelta,
		pair.Put.TradingSymbol, pair.PutPrice, pair.PutDelta)
	fmt.Fprintf(out, "Premium: %.2f  Diff: %.2f%%  Below VWAP: %t  SL offsets: %.2f / %.2f\n",
		pair.CombinedPremium(), pair.PriceDiffPct, pair.BothBelowVWAP, pair.CallSLOffset, pair.PutSLOffset)
	return nil
}

func writeDiagnostics(out io.Writer, diag *strategy.Diagnostics) {
	expiry := "none"
	if !diag.Expiry.IsZero() {
		expiry = diag.Expiry.Format("2006-01-02")
	}
	fmt.Fprintf(out, "ATM: %.0f  Expiry: %s  Rolled: %t\n", diag.ATM, expiry, diag.Rolled)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIDE\tSYMBOL\tSTRIKE\tDELTA")
	for _, c := range diag.Calls {
		fmt.Fprintf(w, "CE\t%s\t%.0f\t%.3f\n", c.Contract.TradingSymbol, c.Contract.Strike, c.Delta)
	}
	for _, c := range diag.Puts {
		fmt.Fprintf(w, "PE\t%s\t%.0f\t%.3f\n", c.Contract.TradingSymbol, c.Contract.Strike, c.Delta)
	}
	_ = w.Flush()

	accepted := 0
	for _, p := range diag.Pairs {
		if p.Accepted {
			accepted++
		}
	}
	fmt.Fprintf(out, "Pairs evaluated: %d  within tolerance: %d\n", len(diag.Pairs), accepted)
	for _, s := range diag.Skipped {
		fmt.Fprintf(out, "  skipped: %s\n", s)
	}
}
