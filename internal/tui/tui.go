// Package tui renders a recording session in the terminal.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/audiolibrelab/notecapture/internal/session"
)

// Controller is the part of the service the TUI drives.
type Controller interface {
	GetStatus() session.Snapshot
	StopRecording() bool
	Subscribe() (<-chan session.Event, func())
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	timerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(1, 2)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

// Result is how the view ended.
type Result struct {
	Snapshot session.Snapshot
	// Abandoned is set when the user left while the upload was still running.
	Abandoned bool
}

type model struct {
	ctl       Controller
	events    <-chan session.Event
	snap      session.Snapshot
	stopping  bool
	done      bool
	abandoned bool
}

func initialModel(ctl Controller, events <-chan session.Event) model {
	return model{
		ctl:    ctl,
		events: events,
		snap:   ctl.GetStatus(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case TickMsg:
		m.snap = m.ctl.GetStatus()
		if m.stopping && m.snap.State == session.StateIdle {
			m.done = true
			return m, tea.Quit
		}
		return m, tickCmd()

	case EventMsg:
		m.snap = m.ctl.GetStatus()
		// Idle after a stop, or after the session ended on its own.
		if msg.Type == session.EventState && msg.State == session.StateIdle {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "s", "enter", "q", "ctrl+c":
			if m.stopping {
				// A second ctrl+c leaves without waiting for the upload.
				if msg.String() == "ctrl+c" {
					m.abandoned = true
					return m, tea.Quit
				}
				return m, nil
			}
			if m.snap.State == session.StateIdle || !m.ctl.StopRecording() {
				return m, tea.Quit
			}
			m.stopping = true
			m.snap = m.ctl.GetStatus()
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("NoteCapture") + "\n\n")
	b.WriteString(field("Client", m.snap.ClientName))
	b.WriteString(field("State", string(m.snap.State)))
	mic := "no"
	if m.snap.Secondary {
		mic = "yes"
	}
	b.WriteString(field("Microphone", mic))
	b.WriteString(timerStyle.Render(m.snap.Elapsed) + "\n")

	b.WriteString(renderStatus(m.snap.Status) + "\n\n")

	switch {
	case m.done:
		b.WriteString(helpStyle.Render("Done."))
	case m.stopping:
		b.WriteString(helpStyle.Render("Finishing upload... (ctrl+c to cancel it)"))
	default:
		b.WriteString(helpStyle.Render("s/enter: stop and upload • q: stop and quit"))
	}

	return boxStyle.Render(b.String()) + "\n"
}

func field(label, value string) string {
	if value == "" {
		value = "-"
	}
	return labelStyle.Render(fmt.Sprintf("%-11s", label)) + valueStyle.Render(value) + "\n"
}

func renderStatus(status string) string {
	switch {
	case strings.HasPrefix(status, "Error:"), strings.HasPrefix(status, "Upload failed"):
		return errorStyle.Render(status)
	case strings.HasSuffix(status, "successfully."):
		return successStyle.Render(status)
	default:
		return statusStyle.Render(status)
	}
}

// Run shows the session until it has been stopped and uploaded, or until the
// user gives up on the upload.
func Run(ctl Controller) (Result, error) {
	events, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	final, err := tea.NewProgram(initialModel(ctl, events)).Run()
	if err != nil {
		return Result{Snapshot: ctl.GetStatus()}, fmt.Errorf("error running TUI: %w", err)
	}
	m := final.(model)
	return Result{Snapshot: m.snap, Abandoned: m.abandoned && !m.done}, nil
}
