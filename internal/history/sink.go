// Package history records caller sessions and the tool calls made in them.
//
// Recording is best effort. Sinks are wrapped in Async so a slow or broken
// store never delays a command on its way to the browser.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/claraverse/tabrelay/internal/config"
)

// Status is the final state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one caller session as seen by the bridge.
type Run struct {
	ID            string    `json:"runId" bson:"_id"`
	SessionID     string    `json:"sessionId" bson:"session_id"`
	InstanceID    string    `json:"instanceId,omitempty" bson:"instance_id,omitempty"`
	ServerVersion string    `json:"serverVersion,omitempty" bson:"server_version,omitempty"`
	ProtoVersion  string    `json:"protoVersion,omitempty" bson:"proto_version,omitempty"`
	StartedAt     time.Time `json:"startedAt" bson:"started_at"`
}

// ToolCall is one tools/call handled within a run.
type ToolCall struct {
	ID         string          `json:"callId" bson:"_id"`
	RunID      string          `json:"runId" bson:"run_id"`
	Seq        int             `json:"seq" bson:"seq"`
	Tool       string          `json:"tool" bson:"tool_name"`
	SessionID  string          `json:"sessionId" bson:"session_id"`
	InstanceID string          `json:"instanceId,omitempty" bson:"instance_id,omitempty"`
	TabID      string          `json:"tabId,omitempty" bson:"tab_id,omitempty"`
	StartedAt  time.Time       `json:"startedAt" bson:"started_at"`
	EndedAt    time.Time       `json:"endedAt" bson:"ended_at"`
	Success    bool            `json:"success" bson:"success"`
	Error      string          `json:"error,omitempty" bson:"error_msg,omitempty"`
	Input      json.RawMessage `json:"input,omitempty" bson:"-"`
	Output     json.RawMessage `json:"output,omitempty" bson:"-"`
}

// Sink persists runs and tool calls.
type Sink interface {
	StartRun(ctx context.Context, run Run) error
	RecordToolCall(ctx context.Context, call ToolCall) error
	FinishRun(ctx context.Context, runID string, status Status, at time.Time) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) StartRun(context.Context, Run) error                        { return nil }
func (Nop) RecordToolCall(context.Context, ToolCall) error             { return nil }
func (Nop) FinishRun(context.Context, string, Status, time.Time) error { return nil }
func (Nop) Close() error                                               { return nil }

// Open builds the sink named by cfg.Driver, wrapped in Async. An empty or
// "none" driver yields Nop.
func Open(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (Sink, error) {
	var (
		sink Sink
		err  error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		sink, err = OpenSQLite(ctx, cfg.DSN)
	case "mysql":
		sink, err = OpenMySQL(ctx, cfg.DSN)
	case "redis":
		sink, err = OpenRedis(ctx, cfg.DSN)
	case "mongo", "mongodb":
		sink, err = OpenMongo(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s history: %w", cfg.Driver, err)
	}
	return NewAsync(sink, cfg.QueueSize, logger), nil
}

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Async queues writes for a single background worker. Enqueue never blocks:
// when the queue is full the record is dropped and a warning logged.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// NewAsync starts the worker. size <= 0 uses 256.
func NewAsync(sink Sink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		logger:  logger.With("component", "history"),
		timeout: 10 * time.Second,
		queue:   make(chan job, size),
		done:    make(chan struct{}),
	}
	go a.worker()
	return a
}

func (a *Async) worker() {
	defer close(a.done)
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := j.run(ctx); err != nil {
			a.logger.Warn("history write failed", "op", j.kind, "error", err)
		}
		cancel()
	}
}

func (a *Async) enqueue(j job) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- j:
	default:
		a.logger.Warn("history queue full, dropping record", "op", j.kind)
	}
}

// StartRun queues the run. It never fails.
func (a *Async) StartRun(_ context.Context, run Run) error {
	a.enqueue(job{kind: "start_run", run: func(ctx context.Context) error { return a.sink.StartRun(ctx, run) }})
	return nil
}

// RecordToolCall queues the call. It never fails.
func (a *Async) RecordToolCall(_ context.Context, call ToolCall) error {
	a.enqueue(job{kind: "tool_call", run: func(ctx context.Context) error { return a.sink.RecordToolCall(ctx, call) }})
	return nil
}

// FinishRun queues the status update. It never fails.
func (a *Async) FinishRun(_ context.Context, runID string, status Status, at time.Time) error {
	a.enqueue(job{kind: "finish_run", run: func(ctx context.Context) error { return a.sink.FinishRun(ctx, runID, status, at) }})
	return nil
}

// Close flushes queued writes and closes the underlying sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	return a.sink.Close()
}
