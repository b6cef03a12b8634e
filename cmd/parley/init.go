// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/parley-dev/parley/internal/secrets"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// initHTTPClient is the HTTP client used for webhook validation. Exposed as
// a variable so tests can replace it.
var initHTTPClient = &http.Client{Timeout: 10 * time.Second}

// initWizardStep tracks which step of the wizard is active.
type initWizardStep int

const (
	stepEndpoint initWizardStep = iota // enter webhook endpoint URL
	stepToken                          // enter optional auth token
	stepValidate                       // probing the endpoint (spinner)
	stepDone                           // wizard complete
	stepError                          // terminal error
)

// initResult holds the collected wizard configuration.
type initResult struct {
	Endpoint string
	Token    string
}

// --- bubbletea messages ---

type (
	validationSuccessMsg struct{}
	validationErrorMsg   struct{ err error }
	configWrittenMsg     struct{ path string }
)

// --- lipgloss styles ---

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// initModel is the bubbletea model for the init wizard.
type initModel struct {
	step           initWizardStep
	endpointInput  textinput.Model
	tokenInput     textinput.Model
	spinner        spinner.Model
	result         initResult
	validationErr  string
	configPath     string
	secretStore    secrets.Store
	errFinal       error
	skipValidate   bool
	forceOverwrite bool
}

func newInitModel(store secrets.Store) initModel {
	endpoint := textinput.New()
	endpoint.Placeholder = "https://example.com/webhook"
	endpoint.Focus()

	token := textinput.New()
	token.Placeholder = "paste auth token here (empty to skip)"
	token.EchoMode = textinput.EchoPassword
	token.EchoCharacter = '•'

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return initModel{
		step:          stepEndpoint,
		endpointInput: endpoint,
		tokenInput:    token,
		spinner:       sp,
		secretStore:   store,
	}
}

func (m initModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case validationSuccessMsg:
		return m, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite)

	case validationErrorMsg:
		m.validationErr = msg.err.Error()
		m.step = stepEndpoint
		m.endpointInput.Focus()
		return m, nil

	case configWrittenMsg:
		m.step = stepDone
		m.configPath = msg.path
		return m, tea.Quit

	case error:
		m.step = stepError
		m.errFinal = msg
		return m, tea.Quit
	}

	return m.updateInputs(msg)
}

func (m initModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.step {
	case stepEndpoint:
		return m.handleEndpointInput(msg)
	case stepToken:
		return m.handleTokenInput(msg)
	}
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleEndpointInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		endpoint := strings.TrimSpace(m.endpointInput.Value())
		if err := checkEndpointURL(endpoint); err != nil {
			m.validationErr = err.Error()
			return m, nil
		}
		m.result.Endpoint = endpoint
		m.validationErr = ""
		m.step = stepToken
		m.tokenInput.SetValue("")
		m.tokenInput.Focus()
		return m, textinput.Blink
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.endpointInput, cmd = m.endpointInput.Update(msg)
	return m, cmd
}

func (m initModel) handleTokenInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.result.Token = strings.TrimSpace(m.tokenInput.Value())
		m.validationErr = ""
		if m.skipValidate {
			return m, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite)
		}
		m.step = stepValidate
		return m, tea.Batch(
			m.spinner.Tick,
			validateEndpointCmd(m.result.Endpoint, m.result.Token),
		)
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.tokenInput, cmd = m.tokenInput.Update(msg)
	return m, cmd
}

func (m initModel) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m.step {
	case stepEndpoint:
		var cmd tea.Cmd
		m.endpointInput, cmd = m.endpointInput.Update(msg)
		return m, cmd
	case stepToken:
		var cmd tea.Cmd
		m.tokenInput, cmd = m.tokenInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m initModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  Parley Setup Wizard  ") + "\n\n")

	switch m.step {
	case stepEndpoint:
		b.WriteString(promptStyle.Render("Step 1/2: Conversation webhook endpoint") + "\n\n")
		b.WriteString(m.endpointInput.View() + "\n")
		if m.validationErr != "" {
			b.WriteString("\n" + errorStyle.Render("  "+m.validationErr) + "\n")
		}
		b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))

	case stepToken:
		b.WriteString(promptStyle.Render("Step 2/2: Webhook auth token (optional)") + "\n\n")
		b.WriteString(m.tokenInput.View() + "\n")
		b.WriteString("\n" + dimStyle.Render("enter to continue (empty to skip)  ctrl+c to quit"))

	case stepValidate:
		b.WriteString(m.spinner.View() + " Probing " + m.result.Endpoint + "…\n")

	case stepDone:
		b.WriteString(successStyle.Render("  Setup complete!  ") + "\n\n")
		if m.configPath != "" {
			b.WriteString(dimStyle.Render("Config written to: "+m.configPath) + "\n\n")
		}
		b.WriteString("Run " + promptStyle.Render("parley serve") + " and " + promptStyle.Render("parley chat") + " to get started.\n")
		b.WriteString("Run " + promptStyle.Render("parley doctor") + " to verify setup.\n")

	case stepError:
		b.WriteString(errorStyle.Render("Setup failed: "+m.errFinal.Error()) + "\n")
	}

	return boxStyle.Render(b.String())
}

// checkEndpointURL validates the webhook URL shape before any network probe.
func checkEndpointURL(endpoint string) error {
	if endpoint == "" {
		return parleyerr.New(parleyerr.CodeCLIInputInvalid, "endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return parleyerr.New(parleyerr.CodeCLIInputInvalid, "endpoint must be an http or https URL")
	}
	return nil
}

// --- tea.Cmd factories ---

// validateEndpointCmd probes the webhook with a HEAD request. Any HTTP
// response counts as reachable; only transport errors fail validation.
func validateEndpointCmd(endpoint, token string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			return validationErrorMsg{err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := initHTTPClient.Do(req)
		if err != nil {
			return validationErrorMsg{err: parleyerr.Errorf(parleyerr.CodeDeliveryNetworkFailure,
				"webhook unreachable: %w", err)}
		}
		_ = resp.Body.Close()
		return validationSuccessMsg{}
	}
}

func writeConfigCmd(result initResult, store secrets.Store, forceOverwrite bool) tea.Cmd {
	return func() tea.Msg {
		path, err := storeSecretAndWriteConfig(result, store, forceOverwrite)
		if err != nil {
			return err
		}
		return configWrittenMsg{path: path}
	}
}

// --- Config generation (exported for tests) ---

// GenerateConfigYAML produces a minimal parley.yaml from the wizard result.
// The auth token is referenced via a keyring:// URI; the actual secret is
// stored separately via storeSecretAndWriteConfig.
func GenerateConfigYAML(result initResult) string {
	var sb strings.Builder
	sb.WriteString("# Parley configuration — generated by parley init\n\n")

	sb.WriteString("server:\n")
	sb.WriteString("  listen: \"127.0.0.1:18790\"\n\n")

	sb.WriteString("webhooks:\n")
	sb.WriteString("  public:\n")
	sb.WriteString(fmt.Sprintf("    endpoint: %q\n", result.Endpoint))
	if result.Token != "" {
		sb.WriteString("  headers:\n")
		sb.WriteString(fmt.Sprintf("    Authorization: \"keyring://%s/webhook-token\"\n", serviceName))
	}
	sb.WriteString("\n")

	sb.WriteString("delivery:\n")
	sb.WriteString("  timeout: 30s\n")
	sb.WriteString("  retry_delay: 1s\n")
	sb.WriteString("  max_attempts: 3\n\n")

	sb.WriteString("offline:\n")
	sb.WriteString("  auto_sync: true\n")
	sb.WriteString("  probe_interval: 30s\n\n")

	sb.WriteString("storage:\n")
	sb.WriteString("  backend: sqlite\n")

	return sb.String()
}

// storeSecretAndWriteConfig saves the auth token to the OS keyring and
// writes the config YAML to the default config path.
//
// When forceOverwrite is false and the config file already exists, an error
// is returned asking the user to pass --force. Secrets already stored are
// not rolled back on a later write failure; orphaned keyring entries are
// harmless and overwritten on a successful re-run.
func storeSecretAndWriteConfig(result initResult, store secrets.Store, forceOverwrite bool) (string, error) {
	if result.Token != "" {
		if err := store.Store(serviceName, "webhook-token", result.Token); err != nil {
			return "", parleyerr.Errorf(parleyerr.CodeSecretStoreFailure, "storing webhook token: %w", err)
		}
	}

	cfgPath, err := configPathForWrite()
	if err != nil {
		return "", err
	}

	if !forceOverwrite {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", parleyerr.Errorf(parleyerr.CodeCLIInputInvalid,
				"config file already exists at %s; use --force to overwrite", cfgPath)
		}
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", parleyerr.Errorf(parleyerr.CodeConfigLoadReadFailure, "creating config directory %s: %w", dir, err)
	}

	yaml := GenerateConfigYAML(result)
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		return "", parleyerr.Errorf(parleyerr.CodeConfigLoadReadFailure, "writing config to %s: %w", cfgPath, err)
	}

	return cfgPath, nil
}

// configPathForWrite returns the default config path. Exported as a variable
// so tests can override it.
var configPathForWrite = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", parleyerr.Errorf(parleyerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "parley", "parley.yaml"), nil
}

// --- Cobra command ---

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard for Parley",
		Long: `Run an interactive TUI wizard that walks you through:
  1. Pointing Parley at your conversation-processing webhook
  2. Storing an optional auth token in the OS keyring

The token is referenced via a keyring:// URI in the config file. No secrets
are written in plain text.

After completion, run:
  parley serve    — start the engine
  parley chat     — start a chat session
  parley doctor   — verify your setup`,
		RunE: runInit,
	}

	cmd.Flags().Bool("skip-validate", false, "Skip the webhook reachability probe")
	cmd.Flags().Bool("force", false, "Overwrite existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	// Refuse to run without an interactive terminal.
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !isTerminal(f) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"parley init requires an interactive terminal.\n"+
				"To configure Parley non-interactively, edit ~/.config/parley/parley.yaml directly.")
		return parleyerr.New(parleyerr.CodeCLISetupFailure, "parley init: not an interactive terminal")
	}

	skipValidate, _ := cmd.Flags().GetBool("skip-validate")
	forceOverwrite, _ := cmd.Flags().GetBool("force")

	store := secretStoreFactory()
	m := newInitModel(store)
	m.skipValidate = skipValidate
	m.forceOverwrite = forceOverwrite

	p := tea.NewProgram(m, tea.WithAltScreen())
	finalModel, err := p.Run()
	if err != nil {
		return parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "init wizard error: %w", err)
	}

	fm, ok := finalModel.(initModel)
	if !ok {
		return parleyerr.New(parleyerr.CodeCLISetupFailure, "unexpected model type after wizard")
	}

	if fm.errFinal != nil {
		return parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "init failed: %w", fm.errFinal)
	}

	return nil
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
