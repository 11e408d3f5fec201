// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/heliolink/pkg/bridge"
	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	maxLogEntries   = 100
	staleTelemetry  = 2 * time.Minute
	logPanelEntries = 8
)

// Focus states
const (
	focusButtons = iota
	focusMinutes
)

// Buttons, left to right
const (
	buttonStart = iota
	buttonRun
	buttonStop
	buttonQuery
	buttonCount
)

var buttonLabels = [buttonCount]string{"Start", "Run", "Stop", "Query"}

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

type logEntry struct {
	at      time.Time
	message string
	isError bool
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	session   *senderSession
	radioInfo string

	// Latest receiver report
	telemetry link.Telemetry
	stats     linkproto.Statistics

	// Control
	minutesInput textinput.Model
	focusedField int
	selected     int
	busy         bool
	inFlight     linkproto.Command
	spinner      spinner.Model

	eventLog []logEntry

	width    int
	height   int
	quitting bool
}

type controlTickMsg time.Time

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(session *senderSession) controlModel {
	ti := textinput.New()
	ti.Placeholder = strconv.Itoa(bridge.DefaultRunMinutes)
	ti.CharLimit = 3
	ti.Width = 5

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return controlModel{
		session:      session,
		radioInfo:    session.info,
		minutesInput: ti,
		focusedField: focusButtons,
		spinner:      sp,
		eventLog:     make([]logEntry, 0),
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), m.spinner.Tick)
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case controlTickMsg:
		m.refresh()
		return m, controlTickCmd()

	case statusMsg:
		m.refresh()
		if !m.busy {
			m.addLogEntry(fmt.Sprintf("Status: %s, %s", msg.status.State, linkproto.FormatMeasurements(msg.status)), false)
		}

	case commandResultMsg:
		m.busy = false
		m.refresh()
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s seq %d failed after %d attempt(s): %v",
				msg.command.Kind, msg.result.Seq, msg.result.Attempts, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("%s seq %d acknowledged after %d attempt(s) in %v",
				msg.command.Kind, msg.result.Seq, msg.result.Attempts, msg.result.Elapsed.Round(time.Millisecond)), false)
			if msg.result.Status.ErrorCode != 0 {
				m.addLogEntry(fmt.Sprintf("Receiver reported error %d", msg.result.Status.ErrorCode), true)
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.focusedField == focusMinutes {
		var cmd tea.Cmd
		m.minutesInput, cmd = m.minutesInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

// refresh copies the sender's telemetry and statistics into the model
func (m *controlModel) refresh() {
	if m.session == nil {
		return
	}
	m.telemetry = m.session.sender.Telemetry()
	m.stats = m.session.sender.Statistics()
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	switch key {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focusedField == focusButtons {
			m.focusedField = focusMinutes
			return m, m.minutesInput.Focus()
		}
		m.focusedField = focusButtons
		m.minutesInput.Blur()
		return m, nil

	case "enter":
		if m.focusedField == focusMinutes {
			return m.trigger(buttonRun)
		}
		return m.trigger(m.selected)
	}

	if m.focusedField == focusMinutes {
		if key == "esc" {
			m.focusedField = focusButtons
			m.minutesInput.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.minutesInput, cmd = m.minutesInput.Update(msg)
		return m, cmd
	}

	switch key {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "left", "h":
		m.selected = (m.selected + buttonCount - 1) % buttonCount
	case "right", "l":
		m.selected = (m.selected + 1) % buttonCount
	case "s":
		return m.trigger(buttonStart)
	case "r":
		return m.trigger(buttonRun)
	case "x":
		return m.trigger(buttonStop)
	case "u":
		return m.trigger(buttonQuery)
	}
	return m, nil
}

// commandFor builds the command a button sends, reading the minutes field
// for run.
func commandFor(button int, minutes string) (linkproto.Command, error) {
	switch button {
	case buttonStart:
		return linkproto.Command{Kind: linkproto.CmdStart}, nil
	case buttonRun:
		n, err := bridge.ParseMinutes([]byte(minutes), bridge.DefaultRunMinutes)
		if err != nil {
			return linkproto.Command{}, err
		}
		return linkproto.Command{Kind: linkproto.CmdRunMinutes, Minutes: n}, nil
	case buttonStop:
		return linkproto.Command{Kind: linkproto.CmdStop}, nil
	default:
		return linkproto.Command{Kind: linkproto.CmdQueryStatus}, nil
	}
}

func (m controlModel) trigger(button int) (tea.Model, tea.Cmd) {
	if m.busy {
		m.addLogEntry(fmt.Sprintf("Busy sending %s", m.inFlight.Kind), true)
		return m, nil
	}

	command, err := commandFor(button, m.minutesInput.Value())
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return m, nil
	}

	m.selected = button
	m.busy = true
	m.inFlight = command
	m.addLogEntry("Sending "+strings.TrimSpace(linkproto.FormatPayload(&command)), false)
	return m, sendCommand(m.session, command)
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{at: time.Now(), message: message, isError: isError})
	if len(m.eventLog) > maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Background(lipgloss.Color("235")).Padding(0, 1)
	headerStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle            = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	focusedBoxStyle     = boxStyle.BorderForeground(lipgloss.Color("12"))
	buttonStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("245")).Padding(0, 2)
	selectedButtonStyle = buttonStyle.Background(lipgloss.Color("12"))
)

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("HELIOLINK CONTROL"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=minutes", m.radioInfo)))
	s.WriteString("\n\n")

	panelWidth := (m.width - 6) / 2
	if panelWidth < 30 {
		panelWidth = 30
	}
	heater := boxStyle.Width(panelWidth).Render(m.renderHeater())
	radio := boxStyle.Width(panelWidth).Render(m.renderLink())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, heater, " ", radio))
	s.WriteString("\n\n")

	s.WriteString(m.renderControls())
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog())
	return s.String()
}

func (m controlModel) field(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label), valueStyle.Render(value))
}

func (m controlModel) renderHeater() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("Heater"))
	s.WriteString("\n")

	t := m.telemetry
	if !t.Valid {
		s.WriteString(warningStyle.Render("No status received yet"))
		return s.String()
	}

	st := t.Status
	state := st.State.String()
	if st.State == linkproto.StateError {
		state = errorStyle.Render(fmt.Sprintf("%s (code %d)", state, st.ErrorCode))
	} else {
		state = valueStyle.Render(state)
	}
	s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("State:"), state))
	if st.MinutesRemaining > 0 {
		s.WriteString(m.field("Remaining:", fmt.Sprintf("%d min", st.MinutesRemaining)))
	}
	s.WriteString(m.field("Bus:", fmt.Sprintf("0x%02X %s", st.BusOpState, wbus.OpStateName(st.BusOpState))))
	s.WriteString(m.field("Values:", linkproto.FormatMeasurements(st)))
	s.WriteString(m.field("Last ack:", strconv.Itoa(int(st.LastCommandSeq))))

	age := t.Age(time.Now()).Round(time.Second)
	ageText := fmt.Sprintf("%v ago", age)
	if age > staleTelemetry {
		s.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("Updated:"), warningStyle.Render(ageText)))
	} else {
		s.WriteString(m.field("Updated:", ageText))
	}
	return s.String()
}

func (m controlModel) renderLink() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("Link"))
	s.WriteString("\n")

	if m.telemetry.Valid {
		s.WriteString(m.field("At receiver:", fmt.Sprintf("%d dBm, SNR %d dB", m.telemetry.Status.RSSI, m.telemetry.Status.SNR)))
		s.WriteString(m.field("At sender:", fmt.Sprintf("%d dBm, SNR %.1f dB", m.telemetry.LocalRSSI, m.telemetry.LocalSNR)))
	}
	s.WriteString(m.field("Frames:", fmt.Sprintf("%d valid / %d total", m.stats.ValidPackets, m.stats.TotalFrames)))
	if rejected := m.stats.Rejected(); rejected > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Rejected:"),
			errorStyle.Render(fmt.Sprintf("%d (CRC %d)", rejected, m.stats.CRCErrors))))
	}
	if m.stats.ForeignPackets > 0 {
		s.WriteString(m.field("Not for us:", strconv.FormatUint(m.stats.ForeignPackets, 10)))
	}
	if m.session == nil {
		return s.String()
	}
	if out := m.session.sender.Outstanding(); out != 0 {
		s.WriteString(m.field("Awaiting ack:", strconv.Itoa(int(out))))
	}
	return s.String()
}

func (m controlModel) renderControls() string {
	buttons := make([]string, 0, buttonCount)
	for i, label := range buttonLabels {
		style := buttonStyle
		if i == m.selected && m.focusedField == focusButtons {
			style = selectedButtonStyle
		}
		buttons = append(buttons, style.Render(label))
	}

	minutesBox := boxStyle
	if m.focusedField == focusMinutes {
		minutesBox = focusedBoxStyle
	}

	row := lipgloss.JoinHorizontal(lipgloss.Center,
		strings.Join(buttons, " "),
		"  ",
		minutesBox.Render("Minutes "+m.minutesInput.View()),
	)
	if m.busy {
		row += "  " + m.spinner.View() + warningStyle.Render(" sending "+m.inFlight.Kind.String())
	}
	return row
}

func (m controlModel) renderEventLog() string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("Event Log"))
	s.WriteString("\n")

	start := len(m.eventLog) - logPanelEntries
	if start < 0 {
		start = 0
	}
	for _, e := range m.eventLog[start:] {
		line := fmt.Sprintf("[%s] %s", e.at.Format("15:04:05"), e.message)
		if e.isError {
			line = errorStyle.Render(line)
		}
		s.WriteString(line)
		s.WriteString("\n")
	}
	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("(no events)"))
	}
	return boxStyle.Width(m.width - 4).Render(strings.TrimRight(s.String(), "\n"))
}
