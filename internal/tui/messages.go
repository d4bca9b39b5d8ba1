package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/audiolibrelab/notecapture/internal/session"
)

type (
	// TickMsg refreshes the elapsed timer once a second
	TickMsg time.Time

	// EventMsg carries a session event
	EventMsg session.Event

	// eventsClosedMsg means the event feed ended
	eventsClosedMsg struct{}
)

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// waitForEvent delivers the next session event
func waitForEvent(events <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg(e)
	}
}
