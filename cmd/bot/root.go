package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func newRootCmd(app *App) *cobra.Command {
	var (
		configPath  string
		secretsPath string
		debug       bool
	)

	rootCmd := &cobra.Command{
		Use:   "bot",
		Short: "NIFTY short-strangle session engine",
		Long: `Sells a NIFTY call and put near 0.30 delta, protects both legs with stop-loss
orders and manages them until the afternoon cutoff.

Credentials are read from the secrets file or KITE_API_KEY, KITE_API_SECRET
and KITE_ACCESS_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return app.load(configPath, secretsPath, debug, cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&secretsPath, "secrets", "secrets.yaml", "path to credentials file (optional)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(app),
		newSelectCmd(app),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nifty_strangler %s\n", Version)
		},
	}
}
