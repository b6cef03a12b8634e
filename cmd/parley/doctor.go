// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/parley-dev/parley/internal/config"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check binary health, engine reachability, webhook configuration, data directory, and disk space.",
		RunE:  runDoctor,
	}

	cmd.Flags().String("address", "", "engine address to check (defaults to server.listen)")

	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("server.listen")
	}
	dataDir := resolveDataDir()

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Engine", func() string { return checkEngine(addr) }},
		{"Config", checkConfig},
		{"Webhooks", checkWebhooks},
		{"Data Dir", func() string { return checkDataDir(dataDir) }},
		{"Disk Space", func() string { return checkDiskSpace(dataDir) }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

// resolveDataDir returns the data directory from viper or the default.
func resolveDataDir() string {
	if dataDir := viper.GetString("storage.dir"); dataDir != "" {
		return dataDir
	}
	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return "."
	}
	return dataDir
}

func checkBinary() string {
	return fmt.Sprintf("parley %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkEngine(addr string) string {
	ec := newEngineClient(addr)
	var body struct {
		Status string `json:"status"`
	}
	if err := ec.getJSON("/health", &body); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			return fmt.Sprintf("not running at %s (run 'parley serve')", addr)
		}
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("%s at %s", body.Status, addr)
}

func checkConfig() string {
	cfgFile := viper.ConfigFileUsed()
	if cfgFile != "" {
		return fmt.Sprintf("loaded from %s", cfgFile)
	}
	return "using defaults (no config file found)"
}

func checkWebhooks() string {
	public := viper.GetString("webhooks.public.endpoint")
	admin := viper.GetString("webhooks.admin.endpoint")
	switch {
	case public == "" && admin == "":
		return "no endpoints configured (run 'parley init')"
	case admin == "":
		return fmt.Sprintf("public: %s", public)
	case public == "":
		return fmt.Sprintf("admin: %s", admin)
	default:
		return fmt.Sprintf("public: %s, admin: %s", public, admin)
	}
}

func checkDataDir(dataDir string) string {
	info, err := os.Stat(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("%s (will be created on first run)", dataDir)
		}
		return fmt.Sprintf("error: %s", err)
	}
	if !info.IsDir() {
		return fmt.Sprintf("%s exists but is not a directory", dataDir)
	}
	return dataDir
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Fall back to home directory if data dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
