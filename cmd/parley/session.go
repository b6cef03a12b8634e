// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
		Long:  "List, inspect, create, and end chat sessions on a running engine.",
	}

	cmd.PersistentFlags().String("address", "", "engine address (defaults to server.listen)")

	cmd.AddCommand(
		newSessionListCmd(),
		newSessionShowCmd(),
		newSessionNewCmd(),
		newSessionEndCmd(),
	)

	return cmd
}

// sessionAddr resolves the engine address from the --address flag or the
// configured listen address.
func sessionAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("server.listen")
	}
	return addr
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE:  runSessionList,
	}
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	addr := sessionAddr(cmd)
	out := cmd.OutOrStdout()

	ec := newEngineClient(addr)
	var body struct {
		Sessions []struct {
			ID             string    `json:"id"`
			Kind           string    `json:"kind"`
			Active         bool      `json:"active"`
			Blocked        bool      `json:"blocked"`
			MessageCount   int       `json:"message_count"`
			LastActivityAt time.Time `json:"last_activity_at"`
		} `json:"sessions"`
	}
	if err := ec.getJSON("/api/v1/sessions", &body); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			_, _ = fmt.Fprintf(out, "Engine at %s is not running (connection refused)\n", addr)
			return nil
		}
		return parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "listing sessions: %w", err)
	}

	if len(body.Sessions) == 0 {
		_, _ = fmt.Fprintln(out, "No sessions found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tSTATE\tMESSAGES\tLAST ACTIVITY")
	for _, s := range body.Sessions {
		state := "active"
		switch {
		case s.Blocked:
			state = "blocked"
		case !s.Active:
			state = "ended"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Kind, state, s.MessageCount, s.LastActivityAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	addr := sessionAddr(cmd)
	out := cmd.OutOrStdout()

	ec := newEngineClient(addr)
	var body struct {
		ID       string `json:"id"`
		Kind     string `json:"kind"`
		Active   bool   `json:"active"`
		Messages []struct {
			Content   string    `json:"content"`
			Sender    string    `json:"sender"`
			Status    string    `json:"status"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"messages"`
	}
	if err := ec.getJSON("/api/v1/sessions/"+args[0], &body); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			_, _ = fmt.Fprintf(out, "Engine at %s is not running (connection refused)\n", addr)
			return nil
		}
		return parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "fetching session: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Session %s (%s, active=%t)\n", body.ID, body.Kind, body.Active)
	for _, m := range body.Messages {
		_, _ = fmt.Fprintf(out, "[%s] %s (%s): %s\n",
			m.CreatedAt.Local().Format("15:04:05"), m.Sender, m.Status, m.Content)
	}
	return nil
}

func newSessionNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE:  runSessionNew,
	}

	cmd.Flags().String("kind", "public", "session kind (public or admin)")

	return cmd
}

func runSessionNew(cmd *cobra.Command, _ []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	addr := sessionAddr(cmd)
	out := cmd.OutOrStdout()

	ec := newEngineClient(addr)
	var body struct {
		ID string `json:"id"`
	}
	req := map[string]string{"kind": kind}
	if err := ec.doJSON("POST", "/api/v1/sessions", req, &body); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			_, _ = fmt.Fprintf(out, "Engine at %s is not running (connection refused)\n", addr)
			return nil
		}
		return parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "creating session: %w", err)
	}

	_, _ = fmt.Fprintln(out, body.ID)
	return nil
}

func newSessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionEnd,
	}
}

func runSessionEnd(cmd *cobra.Command, args []string) error {
	addr := sessionAddr(cmd)
	out := cmd.OutOrStdout()

	ec := newEngineClient(addr)
	if err := ec.doJSON("DELETE", "/api/v1/sessions/"+args[0], nil, nil); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			_, _ = fmt.Fprintf(out, "Engine at %s is not running (connection refused)\n", addr)
			return nil
		}
		return parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "ending session: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Session %s ended\n", args[0])
	return nil
}
