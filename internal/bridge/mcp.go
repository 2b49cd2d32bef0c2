package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/claraverse/tabrelay/internal/history"
	"github.com/claraverse/tabrelay/internal/logging"
	"github.com/claraverse/tabrelay/internal/mcp"
	"github.com/claraverse/tabrelay/internal/session"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

func (s *Server) handlePost(c *fiber.Ctx) error {
	var ec *session.ExecutionContext
	if id := sessionID(c); id != "" {
		existing, err := s.opts.Registry.Get(id)
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown MCP session"})
		}
		ec = existing
	} else {
		ec, _ = s.opts.Registry.Ensure(uuid.New().String())
	}
	c.Set(HeaderSession, ec.ID())
	if tab := strings.TrimSpace(c.Get(HeaderTab)); tab != "" {
		ec.SetCurrentTab(envelope.TabID(tab))
	}

	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(mcp.Error(nil, mcp.CodeParseError, "Parse error"))
	}
	if req.IsNotification() {
		s.logger.Debug("notification", "session_id", ec.ID(), "method", req.Method)
		s.publish(ec.ID(), s.drain(ec))
		return c.SendStatus(fiber.StatusAccepted)
	}

	resp := s.dispatch(c.UserContext(), ec, req)
	notes := s.drain(ec)

	if len(notes) > 0 && acceptsStream(c) {
		var buf bytes.Buffer
		writeEvent(&buf, resp)
		for _, n := range notes {
			writeEvent(&buf, n)
		}
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return c.Send(buf.Bytes())
	}
	s.publish(ec.ID(), notes)
	return c.JSON(resp)
}

func acceptsStream(c *fiber.Ctx) bool {
	return strings.Contains(c.Get(fiber.HeaderAccept), "text/event-stream")
}

func (s *Server) dispatch(ctx context.Context, ec *session.ExecutionContext, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return mcp.Result(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities: map[string]any{
				"tools":   map[string]any{},
				"logging": map[string]any{},
			},
			ServerInfo: mcp.ServerInfo{Name: "tabrelay", Version: s.opts.Version},
		})
	case "ping":
		return mcp.Result(req.ID, map[string]any{})
	case "tools/list":
		return mcp.Result(req.ID, map[string]any{"tools": s.opts.Catalog.List()})
	case "tools/call":
		var params mcp.CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return mcp.Error(req.ID, mcp.CodeInvalidParams, "Invalid params: tool name is required")
		}
		return mcp.Result(req.ID, s.callTool(ctx, ec, params))
	}
	return mcp.Error(req.ID, mcp.CodeMethodNotFound, "Method not found: "+req.Method)
}

// callTool runs one tool and records it. Failures become isError results.
func (s *Server) callTool(ctx context.Context, ec *session.ExecutionContext, params mcp.CallParams) mcp.ToolResult {
	logger := logging.WithSession(s.logger, ec.ID())
	started := time.Now()
	result, err := s.opts.Catalog.Call(ctx, ec, params.Name, params.Arguments)
	if err != nil {
		result = mcp.ErrorResult(err)
		var cmdErr *session.CommandError
		if errors.As(err, &cmdErr) {
			logger.Info("tool failed on endpoint", "tool", params.Name, "error", err)
		} else {
			logger.Warn("tool failed", "tool", params.Name, "error", err)
		}
	} else {
		logger.Debug("tool completed", "tool", params.Name, "duration", time.Since(started))
	}

	call := history.ToolCall{
		ID:         uuid.New().String(),
		RunID:      ec.RunID(),
		Seq:        ec.NextSeq(),
		Tool:       params.Name,
		SessionID:  ec.ID(),
		InstanceID: ec.InstanceHint(),
		TabID:      string(ec.CurrentTab()),
		StartedAt:  started,
		EndedAt:    time.Now(),
		Success:    err == nil,
	}
	if err != nil {
		call.Error = err.Error()
		if st, ok := s.state(ec.ID()); ok {
			st.failed.Add(1)
		}
	}
	call.Input, _ = json.Marshal(params.Arguments)
	call.Output, _ = json.Marshal(result)
	if herr := s.opts.History.RecordToolCall(ctx, call); herr != nil {
		logger.Warn("failed to record tool call", "tool", params.Name, "error", herr)
	}
	return result
}

// handleStream serves the session outbox as server-sent events until the
// session closes or the client goes away.
func (s *Server) handleStream(c *fiber.Ctx) error {
	id := sessionID(c)
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing session header"})
	}
	st, ok := s.state(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown MCP session"})
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set(HeaderSession, id)

	keepAlive := s.opts.KeepAlive
	logger := logging.WithSession(s.logger, id)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		logger.Debug("notification stream opened")
		for {
			select {
			case n := <-st.outbox:
				writeEvent(w, n)
			case <-ticker.C:
				w.WriteString(": keep-alive\n\n")
			case <-st.done:
				return
			}
			if err := w.Flush(); err != nil {
				logger.Debug("notification stream closed", "error", err)
				return
			}
		}
	}))
	return nil
}

type stringWriter interface {
	Write(p []byte) (int, error)
	WriteString(s string) (int, error)
}

func writeEvent(w stringWriter, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.WriteString("event: message\ndata: ")
	w.Write(raw)
	w.WriteString("\n\n")
}
