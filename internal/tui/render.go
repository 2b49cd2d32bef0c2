package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/claraverse/tabrelay/internal/connection"
	"github.com/claraverse/tabrelay/internal/daemon"
)

// StateIndicator renders a colored dot and the connection state. spin is
// shown instead of the dot while connecting, when non-empty.
func StateIndicator(state connection.State, spin string) string {
	t := DefaultTheme
	switch state {
	case connection.StateConnected:
		return t.StatusSuccess.Render("●") + " connected"
	case connection.StateConnecting:
		if spin == "" {
			spin = t.StatusWarning.Render("●")
		}
		return spin + " connecting"
	default:
		return t.StatusError.Render("●") + " " + string(state)
	}
}

// RenderStatus renders one status snapshot as a bordered panel.
func RenderStatus(s daemon.StatusPayload) string {
	t := DefaultTheme
	row := func(label, value string) string {
		return t.Label.Render(label) + " " + value
	}
	c := s.Connection

	rows := []string{
		t.Title.Render("tabrelay agent"),
		"",
		row("Connection", StateIndicator(c.State, "")),
		row("Instance", t.Value.Render(c.InstanceID)),
		row("Server", t.Value.Render(c.Server)),
	}
	if c.Attempts > 0 {
		rows = append(rows, row("Attempts", t.Value.Render(fmt.Sprintf("%d", c.Attempts))))
	}
	if c.LastError != "" {
		when := ""
		if !c.LastErrorAt.IsZero() {
			when = t.ValueMuted.Render(" at " + c.LastErrorAt.Local().Format("15:04:05"))
		}
		rows = append(rows, row("Last error", t.StatusError.Render(c.LastError)+when))
	}

	browser := t.Value.Render(s.Browser)
	if s.UnsafeMode {
		browser += " " + t.BadgeWarning.Render("UNSAFE")
	}
	rows = append(rows,
		row("Browser", browser),
		row("Sessions", t.Value.Render(fmt.Sprintf("%d", s.Sessions))),
		row("Commands", t.Value.Render(fmt.Sprintf("%d", s.CommandsHandled))),
	)
	if s.Uptime != "" {
		rows = append(rows, row("Uptime", t.Value.Render(s.Uptime)))
	}
	return t.Panel.Render(strings.Join(rows, "\n"))
}

// RenderActivity lists activities newest first. limit <= 0 shows all.
func RenderActivity(acts []daemon.Activity, limit int) string {
	t := DefaultTheme
	if len(acts) == 0 {
		return t.ValueMuted.Render("No commands handled yet.")
	}

	var lines []string
	for i := len(acts) - 1; i >= 0; i-- {
		if limit > 0 && len(lines) >= limit {
			break
		}
		act := acts[i]
		icon := t.StatusSuccess.Render("✓")
		if !act.Success {
			icon = t.StatusError.Render("✗")
		}
		tab := act.TabID
		if tab == "" {
			tab = "-"
		}
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			t.ActivityTime.Render(act.Timestamp.Local().Format("15:04:05")), "  ",
			icon, "  ",
			t.ActivityCommand.Render(truncate(act.Command, 18)), "  ",
			t.ActivityTab.Render(truncate(tab, 10)), "  ",
			t.ActivityLatency.Render(fmt.Sprintf("%dms", act.Latency)), "  ",
			t.ValueMuted.Render(truncate(act.SessionID, 12)),
		)
		if !act.Success && act.Error != "" {
			line += "\n" + t.StatusError.Render("    └─ "+truncate(act.Error, 60))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
