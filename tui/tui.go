// Terminal status view for monitor
// Real-time per-server status display using bubbletea
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/hjkoskel/timekeeper"
)

// Controller is the part of monitor the view can drive
type Controller interface {
	State() timekeeper.MonitorState
	Start() bool
	Stop()
	SyncNow(ctx context.Context) bool
}

// StatusView shows monitor state. Implements timekeeper.Notifier
type StatusView struct {
	ctrl     Controller
	program  *tea.Program
	updates  chan tea.Msg
	done     chan struct{}
	quitChan chan struct{} // Signal to stop monitoring
}

type tickMsg time.Time
type stateMsg timekeeper.MonitorState
type outcomeMsg timekeeper.SyncOutcome

// tuiModel is the bubbletea model
type tuiModel struct {
	ctrl        Controller
	state       timekeeper.MonitorState
	lastOutcome *timekeeper.SyncOutcome
	now         time.Time
	quitting    bool
	quitChan    chan struct{}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func newModel(ctrl Controller, quitChan chan struct{}) tuiModel {
	return tuiModel{
		ctrl:     ctrl,
		state:    ctrl.State(),
		now:      time.Now(),
		quitChan: quitChan,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) syncNow() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctrl.SyncNow(context.Background())
		return stateMsg(ctrl.State())
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		case "s":
			return m, m.syncNow()
		case "p":
			if m.state.Running {
				m.ctrl.Stop()
			} else {
				m.ctrl.Start()
			}
			m.state = m.ctrl.State()
			return m, nil
		}

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickEvery()

	case stateMsg:
		m.state = timekeeper.MonitorState(msg)
		return m, nil

	case outcomeMsg:
		o := timekeeper.SyncOutcome(msg)
		m.lastOutcome = &o
		return m, nil
	}
	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Stopping monitor...\n"
	}
	var b strings.Builder

	b.WriteString(titleStyle.Render("Time Keeper"))
	b.WriteString("\n\n")

	running := "stopped"
	if m.state.Running {
		running = fmt.Sprintf("running every %ds", m.state.IntervalSeconds)
	}
	b.WriteString(headerStyle.Render("Local time: "))
	b.WriteString(valueStyle.Render(m.now.Format("2006-01-02 15:04:05")))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Monitoring: "))
	b.WriteString(valueStyle.Render(running))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Status: "))
	b.WriteString(valueStyle.Render(m.state.StatusMessage))
	b.WriteString("\n")

	if m.lastOutcome != nil {
		b.WriteString(headerStyle.Render("Last cycle: "))
		b.WriteString(valueStyle.Render(DescribeOutcome(*m.lastOutcome)))
		b.WriteString("\n")
	}

	for _, w := range Warnings(m.state) {
		b.WriteString(warningStyle.Render(w))
		b.WriteString("\n")
	}
	for i, e := range m.state.SlotErrors {
		if e != "" {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Slot %d: %s", i, e)))
			b.WriteString("\n")
		}
	}
	if m.state.IntervalError != "" {
		b.WriteString(errorStyle.Render(m.state.IntervalError))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("Servers (%d)", len(m.state.Statuses))))
	b.WriteString("\n\n")
	if len(m.state.Statuses) == 0 {
		b.WriteString(valueStyle.Render("  No servers configured"))
		b.WriteString("\n")
	}
	for _, st := range m.state.Statuses {
		style := okStyle
		if st.HasError {
			style = errorStyle
		}
		b.WriteString(fmt.Sprintf("  %d %-28s", st.SlotIndex, st.Server))
		b.WriteString(valueStyle.Render(fmt.Sprintf(" %-19s %12s ", FormatChecked(st.LastChecked), FormatOffset(st.OffsetSeconds))))
		b.WriteString(style.Render(st.StatusMessage))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 's' to sync now, 'p' to start/stop, 'q' or Ctrl+C to quit"))
	return b.String()
}

// NewStatusView creates view, call Run to show it
func NewStatusView(ctrl Controller) *StatusView {
	return &StatusView{
		ctrl:     ctrl,
		updates:  make(chan tea.Msg, 16),
		done:     make(chan struct{}),
		quitChan: make(chan struct{}, 1),
	}
}

// StatusesChanged pushes fresh monitor state to view
func (t *StatusView) StatusesChanged(statuses []timekeeper.ServerStatus) {
	t.push(stateMsg(t.ctrl.State()))
}

// CycleCompleted pushes outcome and fresh state to view
func (t *StatusView) CycleCompleted(outcome timekeeper.SyncOutcome) {
	t.push(outcomeMsg(outcome))
	t.push(stateMsg(t.ctrl.State()))
}

func (t *StatusView) push(msg tea.Msg) {
	select {
	case t.updates <- msg:
	default:
		// Don't block monitor if view is behind
	}
}

// Run shows view until user quits or ctx is done
func (t *StatusView) Run(ctx context.Context) error {
	t.program = tea.NewProgram(newModel(t.ctrl, t.quitChan), tea.WithAltScreen(), tea.WithContext(ctx))
	program := t.program

	go func() {
		for {
			select {
			case msg := <-t.updates:
				program.Send(msg)
			case <-t.done:
				return
			}
		}
	}()
	defer close(t.done)

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// QuitChan signals when user wants to quit
func (t *StatusView) QuitChan() <-chan struct{} {
	return t.quitChan
}

// FormatOffset shows offset with 6 decimals and sign, empty when not known
func FormatOffset(offset *float64) string {
	if offset == nil {
		return "-"
	}
	return fmt.Sprintf("%+.6f s", *offset)
}

func FormatChecked(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// Warnings lists global warnings that are set
func Warnings(st timekeeper.MonitorState) []string {
	result := []string{}
	for _, w := range []string{st.GlobalWarning, st.AdjustWarning, st.DegradedWarning} {
		if w != "" {
			result = append(result, w)
		}
	}
	return result
}

func DescribeOutcome(o timekeeper.SyncOutcome) string {
	switch o.Kind {
	case timekeeper.OutcomeCompleted:
		s := "completed"
		if o.AllFailed {
			s += ", all servers failed"
		}
		if o.Adjusted {
			s += ", clock adjusted"
		}
		if o.AdjustErr != nil {
			s += ", clock adjust failed"
		}
		return s
	case timekeeper.OutcomeAborted:
		return fmt.Sprintf("aborted: %v", o.Err)
	}
	return o.Kind.String()
}

// FormatStatusTable renders statuses as plain text, for non-interactive output
func FormatStatusTable(statuses []timekeeper.ServerStatus) string {
	var b strings.Builder
	for _, st := range statuses {
		b.WriteString(fmt.Sprintf("%d\t%s\t%s\t%s\t%s\n", st.SlotIndex, st.Server, FormatChecked(st.LastChecked), FormatOffset(st.OffsetSeconds), st.StatusMessage))
	}
	return b.String()
}
