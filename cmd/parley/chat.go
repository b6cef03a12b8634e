// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat through the engine",
		Long:  "Send a message through the engine's conversation webhook. Starts an interactive session if no message is provided.",
		RunE:  runChat,
	}

	cmd.Flags().String("address", "", "engine address (defaults to server.listen)")
	cmd.Flags().StringP("session", "s", "", "resume existing session by ID")
	cmd.Flags().String("kind", "public", "session kind (public or admin)")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("address")
	if addr == "" {
		addr = viper.GetString("server.listen")
	}
	sessionID, _ := cmd.Flags().GetString("session")
	kind, _ := cmd.Flags().GetString("kind")

	ec := newEngineClient(addr)

	if sessionID == "" {
		var created struct {
			ID string `json:"id"`
		}
		err := ec.doJSON("POST", "/api/v1/sessions", map[string]string{"kind": kind}, &created)
		if err != nil {
			if errors.Is(err, ErrEngineNotRunning) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(),
					"Engine at %s is not running. Start it with 'parley serve'.\n", addr)
				return nil
			}
			return parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "creating session: %w", err)
		}
		sessionID = created.ID
	}

	// One-shot mode: send the message, print the reply, done.
	if len(args) > 0 {
		reply, err := sendChatMessage(ec, sessionID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), reply.Reply)
		return nil
	}

	m := newChatModel(ec, sessionID)
	p := tea.NewProgram(m)
	finalModel, err := p.Run()
	if err != nil {
		return parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "chat error: %w", err)
	}

	if cm, ok := finalModel.(chatModel); ok && cm.errFinal != nil {
		return cm.errFinal
	}
	return nil
}

// chatReply is the subset of the send-message response the chat UI needs.
type chatReply struct {
	Reply        string `json:"reply"`
	SessionEnded bool   `json:"session_ended"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

func sendChatMessage(ec *engineClient, sessionID, content string) (*chatReply, error) {
	var reply chatReply
	body := map[string]any{"content": content, "auto_retry": true}
	if err := ec.doJSON("POST", "/api/v1/sessions/"+sessionID+"/messages", body, &reply); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			return nil, parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "engine is not running")
		}
		return nil, parleyerr.Errorf(parleyerr.CodeCLIRequestFailure, "sending message: %w", err)
	}
	return &reply, nil
}

// --- interactive TUI ---

// chatLine is one rendered transcript entry.
type chatLine struct {
	sender string
	text   string
}

type (
	replyMsg   struct{ reply *chatReply }
	sendErrMsg struct{ err error }
)

var (
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	chatDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	chatErrText = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// chatModel is the bubbletea model for the interactive chat loop.
type chatModel struct {
	client    *engineClient
	sessionID string

	input   textinput.Model
	spinner spinner.Model

	lines    []chatLine
	waiting  bool
	lastErr  string
	ended    bool
	errFinal error
}

func newChatModel(ec *engineClient, sessionID string) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return chatModel{
		client:    ec,
		sessionID: sessionID,
		input:     input,
		spinner:   sp,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if m.waiting || m.ended {
				return m, nil
			}
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.lines = append(m.lines, chatLine{sender: "you", text: content})
			m.input.SetValue("")
			m.waiting = true
			m.lastErr = ""
			return m, tea.Batch(m.spinner.Tick, m.sendCmd(content))
		}

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case replyMsg:
		m.waiting = false
		m.lines = append(m.lines, chatLine{sender: "agent", text: msg.reply.Reply})
		if msg.reply.SessionEnded {
			m.ended = true
			return m, tea.Quit
		}
		return m, nil

	case sendErrMsg:
		m.waiting = false
		m.lastErr = msg.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		reply, err := sendChatMessage(m.client, m.sessionID, content)
		if err != nil {
			return sendErrMsg{err: err}
		}
		return replyMsg{reply: reply}
	}
}

func (m chatModel) View() string {
	var b strings.Builder

	b.WriteString(chatDim.Render("session "+m.sessionID+"  (esc to quit)") + "\n\n")

	for _, line := range m.lines {
		switch line.sender {
		case "you":
			b.WriteString(userStyle.Render("you: ") + line.text + "\n")
		default:
			b.WriteString(agentStyle.Render("agent: ") + line.text + "\n")
		}
	}

	if m.lastErr != "" {
		b.WriteString(chatErrText.Render("error: "+m.lastErr) + "\n")
	}

	b.WriteString("\n")
	if m.waiting {
		b.WriteString(m.spinner.View() + " waiting for reply…\n")
	} else if m.ended {
		b.WriteString(chatDim.Render("session ended") + "\n")
	} else {
		b.WriteString(m.input.View() + "\n")
	}

	return b.String()
}
