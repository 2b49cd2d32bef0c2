package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claraverse/tabrelay/internal/affinity"
	"github.com/claraverse/tabrelay/internal/envelope"
)

// Sender writes an envelope back toward the hub.
type Sender interface {
	Send(envelope.Envelope) error
}

// Record describes one handled request.
type Record struct {
	Command   string
	WireID    string
	SessionID string
	TabID     envelope.TabID
	Source    affinity.Source
	Duration  time.Duration
	Err       error
	At        time.Time
}

// Observer is notified after every request, successful or not.
type Observer interface {
	CommandHandled(Record)
}

// Options configures a Dispatcher.
type Options struct {
	Table   *Table
	Tracker *affinity.Tracker
	Sender  Sender
	// Timeout bounds each handler. Defaults to 30s.
	Timeout  time.Duration
	Observer Observer
	// Context parents every handler context. Canceling it aborts in-flight
	// commands. Defaults to context.Background().
	Context context.Context
	Logger  *slog.Logger
}

// Dispatcher turns inbound request envelopes into handler calls and
// correlated responses. It is the only writer of affinity state.
type Dispatcher struct {
	table    *Table
	tracker  *affinity.Tracker
	sender   Sender
	timeout  time.Duration
	observer Observer
	base     context.Context
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		table:    opts.Table,
		tracker:  opts.Tracker,
		sender:   opts.Sender,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		base:     opts.Context,
		logger:   logger.With("component", "dispatch"),
	}
}

// HandleEnvelope is a bus handler. Requests run on their own goroutine so a
// slow command never stalls the read loop.
func (d *Dispatcher) HandleEnvelope(env envelope.Envelope) error {
	if !env.IsRequest() {
		return nil
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Handle(d.base, env)
	}()
	return nil
}

// HandleSessionClosed is a bus handler for the hub's notice that a caller
// session was released. The session's tab bindings are dropped; the tabs
// themselves stay open.
func (d *Dispatcher) HandleSessionClosed(env envelope.Envelope) error {
	if env.SessionID == "" {
		return nil
	}
	d.tracker.Drop(env.SessionID)
	d.logger.Debug("session closed, affinity dropped", "session_id", env.SessionID)
	return nil
}

// Wait blocks until in-flight requests finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle processes one request synchronously and returns the response it
// sent. ok is false when the request was fire-and-forget and nothing was sent.
func (d *Dispatcher) Handle(ctx context.Context, env envelope.Envelope) (resp envelope.Envelope, ok bool) {
	start := time.Now()
	id := env.CommandID()
	name := env.CommandName()
	logger := d.logger.With("session_id", env.SessionID, "command", name, "wire_id", id)

	rec := Record{Command: name, WireID: id, SessionID: env.SessionID, At: start}
	defer func() {
		rec.Duration = time.Since(start)
		if d.observer != nil {
			d.observer.CommandHandled(rec)
		}
	}()

	cmd, handler, err := d.table.Lookup(name)
	if err != nil {
		rec.Err = err
		if id == "" {
			logger.Debug("dropping unknown fire-and-forget command")
			return envelope.Envelope{}, false
		}
		logger.Warn("unhandled command")
		return d.reply(env, envelope.ReplyError(env, err.Error())), true
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tab, source, err := d.tracker.Resolve(ctx, env.SessionID, env.TabID)
	if err != nil {
		rec.Err = err
		logger.Warn("tab resolution failed", "error", err)
		return d.replyIf(id, env, envelope.ReplyError(env, err.Error()))
	}
	rec.TabID, rec.Source = tab, source

	args, err := env.DecodePayload()
	if err != nil {
		rec.Err = err
		return d.replyIf(id, env, envelope.ReplyError(env, err.Error()))
	}
	args["tabId"] = string(tab)
	args["sessionId"] = env.SessionID

	out, err := invoke(ctx, handler, Input{Command: cmd, SessionID: env.SessionID, TabID: tab, Args: args})
	if err != nil {
		rec.Err = err
		logger.Info("command failed", "tab_id", tab, "error", err)
		failed := envelope.ReplyError(env, err.Error())
		failed.TabID = tab
		return d.replyIf(id, env, failed)
	}

	if out.Focus != "" {
		d.tracker.Record(env.SessionID, out.Focus)
	}
	for _, gone := range out.Forget {
		d.tracker.Forget(env.SessionID, gone)
	}

	data := out.Data
	if data == nil {
		data = map[string]any{}
	}
	if _, has := data["tabId"]; !has {
		data["tabId"] = string(tab)
	}

	var sent bool
	if id != "" {
		resp, err = envelope.Reply(env, data)
		if err != nil {
			rec.Err = err
			resp = envelope.ReplyError(env, err.Error())
		}
		resp.TabID = tab
		d.reply(env, resp)
		sent = true
	}

	d.emitDebug(env.SessionID, name, tab)
	logger.Debug("command handled", "tab_id", tab, "source", source, "duration", time.Since(start))
	return resp, sent
}

func (d *Dispatcher) replyIf(id string, req, resp envelope.Envelope) (envelope.Envelope, bool) {
	if id == "" {
		return envelope.Envelope{}, false
	}
	return d.reply(req, resp), true
}

func (d *Dispatcher) reply(req, resp envelope.Envelope) envelope.Envelope {
	if err := d.sender.Send(resp); err != nil {
		d.logger.Warn("response not sent", "wire_id", req.CommandID(), "error", err)
	}
	return resp
}

// emitDebug sends the best-effort affinity snapshot that follows every
// successful command.
func (d *Dispatcher) emitDebug(sessionID, action string, tab envelope.TabID) {
	snap := d.tracker.Snapshot(sessionID)
	ev, err := envelope.NewEvent(sessionID, "debug", tab, map[string]any{
		"where":         "dispatcher",
		"action":        action,
		"resolvedTabId": tab,
		"sessionId":     sessionID,
		"tabs":          snap.Tabs,
		"lastFocused":   snap.LastFocused,
	})
	if err != nil {
		return
	}
	if err := d.sender.Send(ev); err != nil {
		d.logger.Debug("debug event not sent", "error", err)
	}
}

func invoke(ctx context.Context, h Handler, in Input) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", in.Command, r)
		}
	}()
	out, err = h(ctx, in)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out: %w", in.Command, err)
	}
	return out, err
}
