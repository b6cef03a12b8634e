// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parley-dev/parley/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley engine",
		Long:  "Load configuration, initialize all subsystems, and start the HTTP engine.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return errors.Join(errs...)
	}

	setupLogging(v.GetBool("verbose"))

	if cfgFile := v.ConfigFileUsed(); cfgFile != "" {
		config.WarnInsecurePermissions(cfgFile)
	}

	dataDir := cfg.Storage.Dir
	if dataDir == "" {
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return fmt.Errorf("resolving data directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := WireEngine(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			slog.Warn("error closing engine", "error", closeErr)
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Parley engine listening on %s (data: %s)\n", cfg.Server.Listen, dataDir)

	return engine.Start(ctx)
}

// setupLogging configures the default slog logger. Verbose mode enables
// debug-level output.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
