package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client is one IPC connection to a running agent.
type Client struct {
	conn     net.Conn
	encoder  *json.Encoder
	decoder  *json.Decoder
	handlers ClientHandlers
	mu       sync.Mutex
	closed   atomic.Bool
}

// ClientHandlers receive agent messages during Listen. Nil handlers are
// skipped.
type ClientHandlers struct {
	OnStatus   func(StatusPayload)
	OnActivity func(Activity)
	OnOK       func()
	OnPong     func()
	OnError    func(string)
}

// Connect connects to the running agent on the default socket
func Connect() (*Client, error) {
	return Dial(GetSocketPath())
}

// Dial connects to an agent listening on socketPath. On Windows the path
// is a file holding the loopback TCP address.
func Dial(socketPath string) (*Client, error) {
	conn, err := dialIPC(socketPath, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}, nil
}

func dialIPC(socketPath string, timeout time.Duration) (net.Conn, error) {
	network, addr := "unix", socketPath
	if runtime.GOOS == "windows" {
		data, err := os.ReadFile(socketPath)
		if err != nil {
			return nil, fmt.Errorf("agent not running (no port file)")
		}
		network, addr = "tcp", strings.TrimSpace(string(data))
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("agent not running: %w", err)
	}
	return conn, nil
}

// SetHandlers sets the event handlers. Call before Listen.
func (c *Client) SetHandlers(h ClientHandlers) {
	c.handlers = h
}

// Listen delivers agent messages to the handlers until the connection
// ends. OnError gets "connection lost" unless Close was called.
func (c *Client) Listen() {
	for {
		var msg IPCMessage
		if err := c.decoder.Decode(&msg); err != nil {
			if !c.closed.Load() && c.handlers.OnError != nil {
				c.handlers.OnError("connection lost")
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg IPCMessage) {
	h := c.handlers
	switch msg.Type {
	case MsgTypeStatus:
		var status StatusPayload
		if h.OnStatus != nil && json.Unmarshal(msg.Payload, &status) == nil {
			h.OnStatus(status)
		}
	case MsgTypeActivity:
		var activity Activity
		if h.OnActivity != nil && json.Unmarshal(msg.Payload, &activity) == nil {
			h.OnActivity(activity)
		}
	case MsgTypeError:
		if h.OnError != nil {
			h.OnError(ipcError(msg.Payload))
		}
	case MsgTypePong:
		if h.OnPong != nil {
			h.OnPong()
		}
	case MsgTypeOK:
		if h.OnOK != nil {
			h.OnOK()
		}
	}
}

func ipcError(raw json.RawMessage) string {
	var p struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &p) != nil || p.Error == "" {
		return "unknown agent error"
	}
	return p.Error
}

// ReadStatus waits for the next status message, skipping anything else.
// The agent sends one right after accepting a connection.
func (c *Client) ReadStatus(timeout time.Duration) (StatusPayload, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var msg IPCMessage
		if err := c.decoder.Decode(&msg); err != nil {
			return StatusPayload{}, fmt.Errorf("failed to read status: %w", err)
		}
		switch msg.Type {
		case MsgTypeStatus:
			var status StatusPayload
			if err := json.Unmarshal(msg.Payload, &status); err != nil {
				return StatusPayload{}, fmt.Errorf("invalid status payload: %w", err)
			}
			return status, nil
		case MsgTypeError:
			return StatusPayload{}, errors.New(ipcError(msg.Payload))
		}
	}
}

// RequestStatus requests current status from the agent
func (c *Client) RequestStatus() error {
	return c.write(IPCMessage{Type: MsgTypeStatus})
}

// Ping sends a ping to check connection
func (c *Client) Ping() error {
	return c.write(IPCMessage{Type: MsgTypePing})
}

// Shutdown requests agent shutdown
func (c *Client) Shutdown() error {
	return c.write(IPCMessage{Type: MsgTypeShutdown})
}

func (c *Client) write(msg IPCMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(msg)
}

// Close closes the connection
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
