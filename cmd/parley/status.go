// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Check the running engine's health and offline-queue state.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", "", "engine address to check (defaults to server.listen)")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("server.listen")
	}
	out := cmd.OutOrStdout()

	ec := newEngineClient(addr)

	var health struct {
		Status  string `json:"status"`
		Webhook *struct {
			Available    bool   `json:"available"`
			FailureCount int64  `json:"failure_count"`
			LastFailure  string `json:"last_failure"`
		} `json:"webhook"`
	}
	if err := ec.getJSON("/health", &health); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			_, _ = fmt.Fprintf(out, "Engine at %s is not running (connection refused)\n", addr)
			return nil
		}
		_, _ = fmt.Fprintf(out, "Engine at %s: %s\n", addr, err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Engine at %s: %s\n", addr, health.Status)
	if health.Webhook != nil {
		state := "available"
		if !health.Webhook.Available {
			state = "unavailable"
		}
		_, _ = fmt.Fprintf(out, "Webhook: %s (failures: %d)\n", state, health.Webhook.FailureCount)
		if health.Webhook.LastFailure != "" {
			_, _ = fmt.Fprintf(out, "Last webhook failure: %s\n", health.Webhook.LastFailure)
		}
	}

	var offline struct {
		Online       bool `json:"online"`
		PendingCount int  `json:"pending_count"`
		History      []struct {
			Timestamp    time.Time `json:"timestamp"`
			Synced       int       `json:"synced"`
			Failed       int       `json:"failed"`
			ErrorSummary string    `json:"error_summary"`
		} `json:"history"`
	}
	if err := ec.getJSON("/api/v1/offline/status", &offline); err != nil {
		_, _ = fmt.Fprintf(out, "Offline status unavailable: %s\n", err)
		return nil
	}

	mode := "online"
	if !offline.Online {
		mode = "offline"
	}
	_, _ = fmt.Fprintf(out, "Connectivity: %s\n", mode)
	_, _ = fmt.Fprintf(out, "Pending messages: %d\n", offline.PendingCount)
	if n := len(offline.History); n > 0 {
		last := offline.History[n-1]
		_, _ = fmt.Fprintf(out, "Last sync: %s (%d synced, %d failed)\n",
			last.Timestamp.Local().Format(time.RFC3339), last.Synced, last.Failed)
		if last.ErrorSummary != "" {
			_, _ = fmt.Fprintf(out, "Last sync error: %s\n", last.ErrorSummary)
		}
	}
	return nil
}
