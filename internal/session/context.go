package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/google/uuid"
)

// Caller delivers a request to an endpoint and returns its response.
// *hub.Hub implements it.
type Caller interface {
	Call(ctx context.Context, instanceHint string, env envelope.Envelope) (envelope.Envelope, error)
}

// CommandError is a failure reported by the endpoint in a response's error
// field.
type CommandError struct {
	Command string
	Message string
	TabID   envelope.TabID
}

func (e *CommandError) Error() string {
	return e.Message
}

// QueuedEvent is an endpoint event waiting for the owning session's next
// drain.
type QueuedEvent struct {
	SessionID  string          `json:"sessionId"`
	TabID      envelope.TabID  `json:"tabId,omitempty"`
	Type       string          `json:"type"`
	Message    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	// ArrivalTab is the session's current tab when the event was queued.
	ArrivalTab envelope.TabID  `json:"arrivalTabId,omitempty"`
}

// ExecutionContext is the per-session state behind one caller session: the
// tab it last worked on, its queue of undelivered endpoint events and the
// hub handle commands go through.
type ExecutionContext struct {
	id        string
	runID     string
	createdAt time.Time
	caller    Caller
	logger    *slog.Logger

	mu         sync.Mutex
	hint       string
	currentTab envelope.TabID
	seq        int
	queue      []QueuedEvent
	closeHooks []func(context.Context)
	closed     bool
}

func newContext(id string, caller Caller, logger *slog.Logger) *ExecutionContext {
	return &ExecutionContext{
		id:        id,
		runID:     uuid.New().String(),
		createdAt: time.Now(),
		caller:    caller,
		logger:    logger.With("session_id", id),
	}
}

// ID returns the session id.
func (c *ExecutionContext) ID() string { return c.id }

// RunID identifies this session's history run.
func (c *ExecutionContext) RunID() string { return c.runID }

// CreatedAt is when the context was first referenced.
func (c *ExecutionContext) CreatedAt() time.Time { return c.createdAt }

// InstanceHint is the endpoint instance this session prefers.
func (c *ExecutionContext) InstanceHint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hint
}

// SetInstanceHint pins the session to an endpoint instance.
func (c *ExecutionContext) SetInstanceHint(id string) {
	c.mu.Lock()
	c.hint = id
	c.mu.Unlock()
}

// CurrentTab is the tab the last command or event ran against.
func (c *ExecutionContext) CurrentTab() envelope.TabID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTab
}

// SetCurrentTab overrides the current tab.
func (c *ExecutionContext) SetCurrentTab(tab envelope.TabID) {
	c.mu.Lock()
	c.currentTab = tab
	c.mu.Unlock()
}

// NextSeq returns the next tool call sequence number, starting at 1.
func (c *ExecutionContext) NextSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Execute runs one endpoint command with the current tab as the preferred
// target. A response error becomes *CommandError; the tab the endpoint
// reports becomes the new current tab.
func (c *ExecutionContext) Execute(ctx context.Context, name string, payload map[string]any) (map[string]any, error) {
	c.mu.Lock()
	tab, hint := c.currentTab, c.hint
	c.mu.Unlock()

	req, err := envelope.NewRequest("", c.id, name, payload, tab)
	if err != nil {
		return nil, err
	}
	resp, err := c.caller.Call(ctx, hint, req)
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, &CommandError{Command: name, Message: resp.Error, TabID: resp.TabID}
	}

	data, err := resp.DecodeData()
	if err != nil {
		return nil, fmt.Errorf("%s returned invalid data: %w", name, err)
	}
	resolved := resp.TabID
	if s, ok := data["tabId"].(string); ok && s != "" {
		resolved = envelope.TabID(s)
	}
	if resolved != "" {
		c.SetCurrentTab(resolved)
	}
	if resp.InstanceID != "" {
		c.SetInstanceHint(resp.InstanceID)
	}
	return data, nil
}

// Enqueue appends an event in arrival order.
func (c *ExecutionContext) Enqueue(ev QueuedEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if ev.SessionID == "" {
		ev.SessionID = c.id
	}
	c.mu.Lock()
	ev.ArrivalTab = c.currentTab
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
}

// Drain removes and returns every queued event in arrival order. The current
// tab moves to the most recent event that named one.
func (c *ExecutionContext) Drain() []QueuedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].TabID != "" {
			c.currentTab = out[i].TabID
			break
		}
	}
	return out
}

// QueueLen returns the number of undelivered events.
func (c *ExecutionContext) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// OnClose registers fn to run when the session is released.
func (c *ExecutionContext) OnClose(fn func(context.Context)) {
	c.mu.Lock()
	c.closeHooks = append(c.closeHooks, fn)
	c.mu.Unlock()
}

// close runs the close hooks once.
func (c *ExecutionContext) close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.closeHooks
	c.closeHooks = nil
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("discarding undelivered events", "count", dropped)
	}
	for _, fn := range hooks {
		fn(ctx)
	}
}
