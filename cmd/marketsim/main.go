// Command marketsim runs the multi-agent market simulation.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/talgya/tradersim/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("marketsim failed", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The configuration is loaded once in
// the persistent pre-run and shared by every subcommand.
func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		cfg     = new(config.Config)
	)

	root := &cobra.Command{
		Use:           "marketsim",
		Short:         "Multi-agent market simulation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config %q: %w", cfgPath, err)
			}
			if cmd.Flags().Changed("seed") {
				loaded.Seed, _ = cmd.Flags().GetInt64("seed")
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				loaded.LogLevel = level
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			*cfg = *loaded
			setupLogging(cfg.LogLevel)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "TOML configuration file (defaults when empty)")
	root.PersistentFlags().Int64("seed", 0, "override the session seed")
	root.PersistentFlags().String("log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(cfg))
	root.AddCommand(newReplayCmd(cfg))
	root.AddCommand(newConfigCmd(cfg))
	return root
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func newConfigCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validation already ran in the pre-run.
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})
	return cmd
}
