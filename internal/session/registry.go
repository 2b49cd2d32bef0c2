package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/claraverse/tabrelay/internal/envelope"
)

// ErrUnknownSession is returned for ids the registry has not seen or has
// already released.
var ErrUnknownSession = errors.New("unknown session")

// CloseNotifier is implemented by callers that want to hear when a session
// is released so the endpoint can drop its state. *hub.Hub implements it.
type CloseNotifier interface {
	SessionClosed(sessionID, instanceHint string)
}

// Registry owns every ExecutionContext. Contexts are created on first
// reference and torn down only by Release or Clear.
type Registry struct {
	caller   Caller
	logger   *slog.Logger
	onCreate []func(*ExecutionContext)

	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
}

// NewRegistry creates an empty registry whose contexts send through caller.
func NewRegistry(caller Caller, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caller:   caller,
		logger:   logger.With("component", "session"),
		contexts: make(map[string]*ExecutionContext),
	}
}

// OnCreate registers fn to run for every new context before it is returned
// from Ensure. Register hooks before serving traffic.
func (r *Registry) OnCreate(fn func(*ExecutionContext)) {
	r.onCreate = append(r.onCreate, fn)
}

// Ensure returns the context for id, creating it on first use. created
// reports whether this call made it.
func (r *Registry) Ensure(id string) (ctx *ExecutionContext, created bool) {
	r.mu.RLock()
	existing, ok := r.contexts[id]
	r.mu.RUnlock()
	if ok {
		return existing, false
	}

	r.mu.Lock()
	if existing, ok := r.contexts[id]; ok {
		r.mu.Unlock()
		return existing, false
	}
	ec := newContext(id, r.caller, r.logger)
	r.contexts[id] = ec
	r.mu.Unlock()

	for _, fn := range r.onCreate {
		fn(ec)
	}
	r.logger.Info("session created", "session_id", id, "run_id", ec.RunID())
	return ec, true
}

// Get returns an existing context.
func (r *Registry) Get(id string) (*ExecutionContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ec, ok := r.contexts[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return ec, nil
}

// Release removes the context and runs its close hooks exactly once.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	ec, ok := r.contexts[id]
	delete(r.contexts, id)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	r.release(ctx, ec)
	r.logger.Info("session released", "session_id", id)
	return nil
}

// Clear releases every context.
func (r *Registry) Clear(ctx context.Context) {
	r.mu.Lock()
	all := r.contexts
	r.contexts = make(map[string]*ExecutionContext)
	r.mu.Unlock()
	for _, ec := range all {
		r.release(ctx, ec)
	}
}

func (r *Registry) release(ctx context.Context, ec *ExecutionContext) {
	ec.close(ctx)
	if n, ok := r.caller.(CloseNotifier); ok {
		n.SessionClosed(ec.ID(), ec.InstanceHint())
	}
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Each calls fn for every live context in id order.
func (r *Registry) Each(fn func(*ExecutionContext)) {
	r.mu.RLock()
	list := make([]*ExecutionContext, 0, len(r.contexts))
	for _, ec := range r.contexts {
		list = append(list, ec)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	for _, ec := range list {
		fn(ec)
	}
}

// RouteEvent queues an endpoint event on its session. Events for sessions
// the registry does not know are dropped. Suitable as the hub's OnEvent.
func (r *Registry) RouteEvent(env envelope.Envelope) {
	if env.SessionID == "" {
		r.logger.Debug("dropping event without session", "name", env.Name)
		return
	}
	ec, err := r.Get(env.SessionID)
	if err != nil {
		r.logger.Debug("dropping event for unknown session", "session_id", env.SessionID, "name", env.Name)
		return
	}
	typ := env.Name
	if typ == "" {
		typ = string(env.Type)
	}
	ec.Enqueue(QueuedEvent{
		SessionID:  env.SessionID,
		TabID:      env.TabID,
		Type:       typ,
		Message:    env.Payload,
		ReceivedAt: time.Now(),
	})
}
