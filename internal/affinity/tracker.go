// Package affinity keeps the per-session binding between a caller session and
// the browser tabs it has touched.
package affinity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/claraverse/tabrelay/internal/envelope"
)

// Prober is the tab-management side of the browser.
type Prober interface {
	TabExists(ctx context.Context, tab envelope.TabID) (bool, error)
	CreateBlankTab(ctx context.Context) (envelope.TabID, error)
}

// Source says which resolution rule produced a tab.
type Source string

const (
	SourcePreferred   Source = "preferred"
	SourceLastFocused Source = "lastFocused"
	SourceCreated     Source = "created"
)

// Snapshot is a copy of one session's affinity state.
type Snapshot struct {
	SessionID   string           `json:"sessionId"`
	Tabs        []envelope.TabID `json:"tabs"`
	LastFocused envelope.TabID   `json:"lastFocused,omitempty"`
}

type sessionTabs struct {
	order       []envelope.TabID
	lastFocused envelope.TabID
}

// Tracker maps sessionId to (ordered unique tabs, last focused tab). The last
// focused tab, when set, is always in the ordered list.
type Tracker struct {
	prober Prober
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionTabs
}

// NewTracker creates an empty tracker backed by prober.
func NewTracker(prober Prober, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		prober:   prober,
		logger:   logger.With("component", "affinity"),
		sessions: make(map[string]*sessionTabs),
	}
}

// Record appends tab to the session's list if missing and marks it focused.
func (t *Tracker) Record(sessionID string, tab envelope.TabID) {
	if tab == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionTabs{}
		t.sessions[sessionID] = s
	}
	found := false
	for _, existing := range s.order {
		if existing == tab {
			found = true
			break
		}
	}
	if !found {
		s.order = append(s.order, tab)
	}
	s.lastFocused = tab
}

// Forget drops tab from the session. Forgetting the focused tab clears the
// focus pointer so the next implicit resolution creates a fresh tab.
func (t *Tracker) Forget(sessionID string, tab envelope.TabID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	kept := s.order[:0]
	for _, existing := range s.order {
		if existing != tab {
			kept = append(kept, existing)
		}
	}
	s.order = kept
	if s.lastFocused == tab {
		s.lastFocused = ""
	}
}

// Drop removes every binding for a session.
func (t *Tracker) Drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// Resolve picks the target tab for a command: the preferred tab if it is
// alive, else the last focused tab if alive, else a new blank tab. Probe
// failures fall through to the next rule. The result is recorded.
func (t *Tracker) Resolve(ctx context.Context, sessionID string, preferred envelope.TabID) (envelope.TabID, Source, error) {
	if preferred != "" && t.alive(ctx, sessionID, preferred) {
		t.Record(sessionID, preferred)
		return preferred, SourcePreferred, nil
	}

	if last := t.lastFocused(sessionID); last != "" && t.alive(ctx, sessionID, last) {
		t.Record(sessionID, last)
		return last, SourceLastFocused, nil
	}

	tab, err := t.prober.CreateBlankTab(ctx)
	if err != nil {
		return "", "", fmt.Errorf("create tab for session %s: %w", sessionID, err)
	}
	t.Record(sessionID, tab)
	return tab, SourceCreated, nil
}

// Snapshot copies the session's state. Unknown sessions yield an empty list.
func (t *Tracker) Snapshot(sessionID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{SessionID: sessionID, Tabs: []envelope.TabID{}}
	if s, ok := t.sessions[sessionID]; ok {
		snap.Tabs = append(snap.Tabs, s.order...)
		snap.LastFocused = s.lastFocused
	}
	return snap
}

// Sessions returns the number of sessions with state.
func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) lastFocused(sessionID string) envelope.TabID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		return s.lastFocused
	}
	return ""
}

func (t *Tracker) alive(ctx context.Context, sessionID string, tab envelope.TabID) bool {
	ok, err := t.prober.TabExists(ctx, tab)
	if err != nil {
		t.logger.Debug("tab probe failed", "session_id", sessionID, "tab_id", tab, "error", err)
		return false
	}
	return ok
}
