// Package tui is the live agent dashboard behind `tabrelay agent watch`.
package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/claraverse/tabrelay/internal/daemon"
)

const (
	maxActivities   = 100
	refreshInterval = 2 * time.Second
)

// StatusRequester asks the agent for a fresh status message.
// *daemon.Client implements it.
type StatusRequester interface {
	RequestStatus() error
}

// App is the dashboard model.
type App struct {
	theme    *Theme
	keys     KeyMap
	spinner  spinner.Model
	viewport viewport.Model
	client   StatusRequester

	status     daemon.StatusPayload
	haveStatus bool
	activities []daemon.Activity

	width, height int
	ready         bool
	quitting      bool
	err           string
}

// NewApp creates the dashboard model.
func NewApp(client StatusRequester) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = DefaultTheme.Spinner
	return &App{
		theme:   DefaultTheme,
		keys:    DefaultKeyMap(),
		spinner: s,
		client:  client,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

func (a *App) refresh() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		if client == nil {
			return nil
		}
		if err := client.RequestStatus(); err != nil {
			return DisconnectedMsg{Reason: err.Error()}
		}
		return nil
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			a.quitting = true
			return a, tea.Quit
		case key.Matches(msg, a.keys.Refresh):
			return a, a.refresh()
		case key.Matches(msg, a.keys.Clear):
			a.activities = nil
			a.syncViewport()
			return a, nil
		}
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		if !a.ready {
			a.viewport = viewport.New(a.width-4, a.bodyHeight())
			a.ready = true
		} else {
			a.viewport.Width = a.width - 4
			a.viewport.Height = a.bodyHeight()
		}
		a.syncViewport()
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case TickMsg:
		return a, tea.Batch(a.tick(), a.refresh())

	case StatusMsg:
		a.status = msg.Status
		a.haveStatus = true
		a.activities = append([]daemon.Activity(nil), msg.Status.Activity...)
		a.trim()
		a.syncViewport()

	case ActivityMsg:
		a.activities = append(a.activities, msg.Activity)
		a.status.CommandsHandled++
		a.trim()
		a.syncViewport()

	case DisconnectedMsg:
		a.err = msg.Reason
		a.quitting = true
		return a, tea.Quit
	}
	return a, nil
}

func (a *App) trim() {
	if n := len(a.activities); n > maxActivities {
		a.activities = a.activities[n-maxActivities:]
	}
}

// bodyHeight leaves room for the header, status panel and footer.
func (a *App) bodyHeight() int {
	h := a.height - 16
	if h < 3 {
		h = 3
	}
	return h
}

func (a *App) syncViewport() {
	if a.ready {
		a.viewport.SetContent(RenderActivity(a.activities, 0))
	}
}

// Err is the reason the dashboard stopped, if the agent went away.
func (a *App) Err() string {
	return a.err
}

func (a *App) View() string {
	if a.quitting {
		return ""
	}
	if !a.ready || !a.haveStatus {
		return "\n  " + a.spinner.View() + " Waiting for agent..."
	}

	w := a.width
	if w < 40 {
		w = 40
	}

	left := a.theme.LogoDot.Render("◉") + a.theme.Logo.Render(" tabrelay")
	right := StateIndicator(a.status.Connection.State, a.spinner.View())
	pad := w - lipgloss.Width(left) - lipgloss.Width(right) - 4
	if pad < 0 {
		pad = 0
	}
	header := a.theme.HeaderContainer.Width(w).Render(left + strings.Repeat(" ", pad) + right)

	title := a.theme.Title.Render(fmt.Sprintf("Activity (%d)", len(a.activities)))
	body := lipgloss.NewStyle().Padding(0, 2).Render(title + "\n" + HorizontalLine(w-4) + "\n" + a.viewport.View())

	footer := a.theme.FooterContainer.Width(w).Render(a.keys.HelpText())

	return lipgloss.JoinVertical(lipgloss.Left, header, RenderStatus(a.status), body, footer)
}

// Run shows the dashboard for an open agent connection until the user
// quits or the agent goes away.
func Run(client *daemon.Client) error {
	app := NewApp(client)
	p := tea.NewProgram(app, tea.WithAltScreen())

	client.SetHandlers(daemon.ClientHandlers{
		OnStatus:   func(s daemon.StatusPayload) { p.Send(StatusMsg{Status: s}) },
		OnActivity: func(act daemon.Activity) { p.Send(ActivityMsg{Activity: act}) },
		OnError:    func(reason string) { p.Send(DisconnectedMsg{Reason: reason}) },
	})
	go client.Listen()

	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(*App); ok && m.Err() != "" {
		return errors.New("agent: " + m.Err())
	}
	return nil
}
