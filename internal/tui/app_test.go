package tui

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/claraverse/tabrelay/internal/connection"
	"github.com/claraverse/tabrelay/internal/daemon"
)

type fakeRequester struct {
	calls int
	err   error
}

func (f *fakeRequester) RequestStatus() error {
	f.calls++
	return f.err
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sampleStatus() daemon.StatusPayload {
	return daemon.StatusPayload{
		Connection: connection.Status{
			State:      connection.StateConnected,
			InstanceID: "inst-1",
			Server:     "ws://hub:8765",
		},
		Browser:         "memory",
		Sessions:        2,
		CommandsHandled: 1,
		Activity: []daemon.Activity{
			{Timestamp: time.Now(), Command: "navigate", SessionID: "s1", TabID: "7", Success: true, Latency: 12},
		},
	}
}

func TestApp_StatusAndActivity(t *testing.T) {
	app := NewApp(&fakeRequester{})
	app.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	if !strings.Contains(app.View(), "Waiting for agent") {
		t.Error("expected waiting view before first status")
	}

	app.Update(StatusMsg{Status: sampleStatus()})
	app.Update(ActivityMsg{Activity: daemon.Activity{Command: "dom.click", Success: false, Error: "element not found"}})

	if len(app.activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(app.activities))
	}
	if app.status.CommandsHandled != 2 {
		t.Errorf("commands handled = %d, want 2", app.status.CommandsHandled)
	}
	view := app.View()
	for _, want := range []string{"tabrelay", "connected", "inst-1", "Activity (2)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestApp_ActivityIsBounded(t *testing.T) {
	app := NewApp(nil)
	for i := 0; i < maxActivities+10; i++ {
		app.Update(ActivityMsg{Activity: daemon.Activity{Command: fmt.Sprintf("c%d", i)}})
	}
	if len(app.activities) != maxActivities {
		t.Fatalf("expected %d activities, got %d", maxActivities, len(app.activities))
	}
	if app.activities[0].Command != "c10" {
		t.Errorf("oldest kept activity = %s", app.activities[0].Command)
	}
}

func TestApp_Keys(t *testing.T) {
	req := &fakeRequester{}
	app := NewApp(req)
	app.Update(ActivityMsg{Activity: daemon.Activity{Command: "navigate"}})

	_, cmd := app.Update(runes("r"))
	if cmd == nil {
		t.Fatal("refresh should return a command")
	}
	cmd()
	if req.calls != 1 {
		t.Errorf("expected one status request, got %d", req.calls)
	}

	app.Update(runes("c"))
	if len(app.activities) != 0 {
		t.Error("clear should drop activities")
	}

	_, cmd = app.Update(runes("q"))
	if cmd == nil {
		t.Fatal("quit should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if app.View() != "" {
		t.Error("quitting view should be empty")
	}
}

func TestApp_RefreshFailureDisconnects(t *testing.T) {
	app := NewApp(&fakeRequester{err: errors.New("broken pipe")})
	_, cmd := app.Update(runes("r"))
	msg := cmd()
	d, ok := msg.(DisconnectedMsg)
	if !ok || d.Reason != "broken pipe" {
		t.Fatalf("expected DisconnectedMsg, got %#v", msg)
	}
	app.Update(d)
	if app.Err() != "broken pipe" {
		t.Errorf("err = %q", app.Err())
	}
}

func TestRenderStatus(t *testing.T) {
	s := sampleStatus()
	s.Connection.State = connection.StateDisconnected
	s.Connection.Attempts = 3
	s.Connection.LastError = "connection refused"
	s.UnsafeMode = true

	out := RenderStatus(s)
	for _, want := range []string{"disconnected", "ws://hub:8765", "connection refused", "UNSAFE", "Attempts"} {
		if !strings.Contains(out, want) {
			t.Errorf("status panel missing %q:\n%s", want, out)
		}
	}
}

func TestRenderActivity(t *testing.T) {
	if !strings.Contains(RenderActivity(nil, 0), "No commands") {
		t.Error("expected empty placeholder")
	}
	acts := []daemon.Activity{
		{Command: "first", Success: true},
		{Command: "second", Success: false, Error: "boom"},
	}
	out := RenderActivity(acts, 1)
	if !strings.Contains(out, "second") || strings.Contains(out, "first") {
		t.Errorf("expected only the newest entry:\n%s", out)
	}
	if !strings.Contains(out, "boom") {
		t.Error("expected the error line")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("navigate", 5); got != "navi…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ok", 5); got != "ok" {
		t.Errorf("truncate = %q", got)
	}
}
