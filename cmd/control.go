// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const controlPollInterval = 200 * time.Millisecond

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling the heater over the link",
	Long: `Control the heater through an interactive terminal UI.

Features:
  - Live status reported by the receiver (state, remaining time, temperature,
    voltage, power, bus operating state)
  - Signal quality at both ends and link statistics
  - Start, run for N minutes, stop and query, with retry progress
  - Event log

Left/right select a button, Tab moves to the minutes field, Enter sends.
Shortcuts: s=start r=run x=stop u=query q=quit.

Commands are recorded in the journal like those sent with send.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

// statusMsg carries a status report heard outside a command exchange
type statusMsg struct {
	status linkproto.Status
}

// commandResultMsg reports the end of a command exchange
type commandResultMsg struct {
	command linkproto.Command
	result  link.Result
	err     error
}

func runControl(cmd *cobra.Command, args []string) error {
	var (
		mu      sync.Mutex
		program *tea.Program
	)
	onStatus := func(st linkproto.Status) {
		mu.Lock()
		p := program
		mu.Unlock()
		if p != nil {
			go p.Send(statusMsg{status: st})
		}
	}

	session, err := openSenderSession(link.WithStatusHandler(onStatus))
	if err != nil {
		return err
	}
	defer session.Close()

	m := initialControlModel(session)
	p := tea.NewProgram(m, tea.WithAltScreen())
	mu.Lock()
	program = p
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pollLink(ctx, session)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// pollLink drains status reports while no command is in flight
func pollLink(ctx context.Context, session *senderSession) {
	ticker := time.NewTicker(controlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session.sender.Poll()
		}
	}
}

// sendCommand runs one exchange off the UI goroutine
func sendCommand(session *senderSession, command linkproto.Command) tea.Cmd {
	return func() tea.Msg {
		res, err := session.execute(context.Background(), command, "tui")
		return commandResultMsg{command: command, result: res, err: err}
	}
}
