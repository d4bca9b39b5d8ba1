package tui

import (
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/audiolibrelab/notecapture/internal/session"
)

type fakeController struct {
	mu    sync.Mutex
	snap  session.Snapshot
	stops int
}

func (f *fakeController) GetStatus() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) StopRecording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.State != session.StateActive {
		return false
	}
	f.stops++
	f.snap.State = session.StateStopping
	f.snap.Status = "Uploading to server (attempt 1/3)..."
	return true
}

func (f *fakeController) Subscribe() (<-chan session.Event, func()) {
	return make(chan session.Event), func() {}
}

func (f *fakeController) set(s session.State, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.State = s
	f.snap.Status = status
}

func activeController() *fakeController {
	return &fakeController{snap: session.Snapshot{
		State:       session.StateActive,
		IsRecording: true,
		ClientName:  "Acme",
		Elapsed:     "00:42",
		Status:      "Recording...",
	}}
}

func newModel(ctl *fakeController) model {
	return initialModel(ctl, make(chan session.Event))
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestView_ShowsSession(t *testing.T) {
	m := newModel(activeController())
	view := m.View()

	for _, want := range []string{"NoteCapture", "Acme", "active", "00:42", "Recording..."} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected view to contain %q:\n%s", want, view)
		}
	}
}

func TestStopKeys(t *testing.T) {
	for _, k := range []string{"s", "enter", "q"} {
		t.Run(k, func(t *testing.T) {
			ctl := activeController()
			updated, cmd := newModel(ctl).Update(key(k))
			m := updated.(model)

			if ctl.stops != 1 {
				t.Errorf("Expected one stop, got %d", ctl.stops)
			}
			if !m.stopping {
				t.Error("Expected model to be stopping")
			}
			if isQuit(cmd) {
				t.Error("Expected to wait for the upload before quitting")
			}

			// Further keys do not stop twice.
			updated, _ = m.Update(key(k))
			if ctl.stops != 1 {
				t.Errorf("Expected a single stop, got %d", ctl.stops)
			}
			if !strings.Contains(updated.View(), "Finishing upload") {
				t.Error("Expected the finishing hint")
			}
		})
	}
}

func TestQuitWhenIdle(t *testing.T) {
	ctl := &fakeController{snap: session.Snapshot{State: session.StateIdle, Elapsed: "00:00"}}
	_, cmd := newModel(ctl).Update(key("q"))
	if !isQuit(cmd) {
		t.Error("Expected quit with nothing recording")
	}
	if ctl.stops != 0 {
		t.Errorf("Expected no stop, got %d", ctl.stops)
	}
}

func TestSecondCtrlCQuits(t *testing.T) {
	ctl := activeController()
	updated, _ := newModel(ctl).Update(key("ctrl+c"))
	updated, cmd := updated.Update(key("ctrl+c"))
	if !isQuit(cmd) {
		t.Error("Expected a second ctrl+c to quit")
	}
	if !updated.(model).abandoned {
		t.Error("Expected leaving during the upload to be reported")
	}
}

func TestStopWithoutLeavingIsNotAbandoned(t *testing.T) {
	ctl := activeController()
	updated, _ := newModel(ctl).Update(key("q"))
	updated, _ = updated.Update(key("q"))
	if updated.(model).abandoned {
		t.Error("Expected q during the upload to keep waiting")
	}
}

func TestIdleEventAfterStopQuits(t *testing.T) {
	ctl := activeController()
	updated, _ := newModel(ctl).Update(key("s"))

	ctl.set(session.StateIdle, "Recording uploaded successfully.")
	updated, cmd := updated.Update(EventMsg(session.Event{Type: session.EventState, State: session.StateIdle}))
	m := updated.(model)

	if !isQuit(cmd) {
		t.Error("Expected quit once the session is idle")
	}
	if !m.done || m.snap.Status != "Recording uploaded successfully." {
		t.Errorf("Expected final snapshot, got %+v", m.snap)
	}
}

func TestStatusEventKeepsListening(t *testing.T) {
	ctl := activeController()
	ctl.set(session.StateActive, "Recording...")

	_, cmd := newModel(ctl).Update(EventMsg(session.Event{Type: session.EventStatus, State: session.StateActive}))
	if cmd == nil {
		t.Fatal("Expected a command waiting for the next event")
	}
}

func TestTickRefreshesAndFinishes(t *testing.T) {
	ctl := activeController()
	m := newModel(ctl)

	ctl.mu.Lock()
	ctl.snap.Elapsed = "00:43"
	ctl.mu.Unlock()

	updated, cmd := m.Update(TickMsg{})
	if got := updated.(model).snap.Elapsed; got != "00:43" {
		t.Errorf("Expected elapsed 00:43, got %s", got)
	}
	if cmd == nil {
		t.Error("Expected the next tick")
	}

	updated, _ = updated.Update(key("s"))
	ctl.set(session.StateIdle, "Recording uploaded successfully.")
	_, cmd = updated.Update(TickMsg{})
	if !isQuit(cmd) {
		t.Error("Expected the tick to notice the finished upload")
	}
}

func TestEventsClosedQuits(t *testing.T) {
	events := make(chan session.Event)
	close(events)

	msg := waitForEvent(events)()
	if _, ok := msg.(eventsClosedMsg); !ok {
		t.Fatalf("Expected eventsClosedMsg, got %T", msg)
	}
	_, cmd := newModel(activeController()).Update(msg)
	if !isQuit(cmd) {
		t.Error("Expected quit when the feed closes")
	}
}

func TestRenderStatus(t *testing.T) {
	for _, s := range []string{"Error: denied", "Upload failed after 3 attempts: boom", "Recording uploaded successfully.", "Recording..."} {
		if !strings.Contains(renderStatus(s), s) {
			t.Errorf("Expected rendered status to contain %q", s)
		}
	}
}
