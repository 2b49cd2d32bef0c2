package tui

import (
	"time"

	"github.com/claraverse/tabrelay/internal/daemon"
)

// Custom messages for Bubble Tea

// StatusMsg carries a status snapshot from the agent.
type StatusMsg struct {
	Status daemon.StatusPayload
}

// ActivityMsg is sent for every command the agent handles.
type ActivityMsg struct {
	Activity daemon.Activity
}

// DisconnectedMsg ends the dashboard when the IPC link drops.
type DisconnectedMsg struct {
	Reason string
}

// TickMsg drives the periodic status refresh.
type TickMsg struct {
	Time time.Time
}
