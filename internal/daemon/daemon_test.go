package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/claraverse/tabrelay/internal/browser"
	"github.com/claraverse/tabrelay/internal/config"
	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/gorilla/websocket"
)

// shortSocket keeps unix socket paths under the platform length limit.
func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tra")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "a.sock")
}

func newTestDaemon(t *testing.T, serverURL string) *Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.ServerURL = serverURL
	d, err := New(Options{
		Config:     cfg,
		InstanceID: "inst-test",
		Driver:     browser.NewMemoryDriver(),
		SocketPath: shortSocket(t),
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(d.Shutdown)
	return d
}

func TestNew_RequiresInstanceID(t *testing.T) {
	if _, err := New(Options{Driver: browser.NewMemoryDriver()}); err == nil {
		t.Fatal("expected error without instance id")
	}
}

func TestDaemon_StatusAndShutdownOverIPC(t *testing.T) {
	// Nothing listens on this port, so the first connect fails.
	d := newTestDaemon(t, "ws://127.0.0.1:1")
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	c, err := Dial(d.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	status, err := c.ReadStatus(2 * time.Second)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Connection.State != "disconnected" {
		t.Errorf("expected disconnected, got %s", status.Connection.State)
	}
	if !strings.Contains(status.Connection.LastError, "Cannot connect to server at 127.0.0.1:1") {
		t.Errorf("unexpected last error %q", status.Connection.LastError)
	}
	if status.Browser != "memory" || status.Connection.InstanceID != "inst-test" {
		t.Errorf("unexpected status %+v", status)
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-d.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not shut down")
	}
	if _, err := os.Stat(d.socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed")
	}
}

func TestDaemon_HandlesHubCommands(t *testing.T) {
	upgrader := websocket.Upgrader{}
	inbound := make(chan envelope.Envelope, 32)
	commands := make(chan envelope.Envelope, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/inst-test" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for env := range commands {
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}()
		for {
			var env envelope.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			inbound <- env
		}
	}))
	defer srv.Close()
	defer close(commands)

	d := newTestDaemon(t, "ws://"+strings.TrimPrefix(srv.URL, "http://"))
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor := func(id string) envelope.Envelope {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case env := <-inbound:
				if env.Type == envelope.KindResponse && env.WireID == id {
					return env
				}
			case <-deadline:
				t.Fatalf("no response for %s", id)
			}
		}
	}

	req, _ := envelope.NewRequest("w1", "s1", "browser_navigate", map[string]any{"url": "https://example.com"}, "")
	commands <- req
	resp := waitFor("w1")
	if resp.Failed() {
		t.Fatalf("navigate failed: %s", resp.Error)
	}
	data, _ := resp.DecodeData()
	if data["tabId"] == "" || data["url"] != "https://example.com" {
		t.Errorf("unexpected data %v", data)
	}

	// Legacy shape: command in type, correlation in id.
	commands <- envelope.Envelope{Type: "tabs.list", ID: "L1", SessionID: "s1"}
	legacy := waitFor("L1")
	if legacy.Failed() {
		t.Fatalf("legacy tabs.list failed: %s", legacy.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Status().CommandsHandled < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	status := d.Status()
	if status.CommandsHandled != 2 || len(status.Activity) != 2 {
		t.Fatalf("expected two handled commands, got %+v", status)
	}
	if status.Activity[0].Command != "browser_navigate" || !status.Activity[0].Success {
		t.Errorf("unexpected activity %+v", status.Activity[0])
	}
	if status.Sessions != 1 {
		t.Errorf("expected one tracked session, got %d", status.Sessions)
	}
	if status.Connection.State != "connected" {
		t.Errorf("expected connected, got %s", status.Connection.State)
	}
}

func TestDaemon_ApplyConfigTogglesUnsafe(t *testing.T) {
	d := newTestDaemon(t, "ws://127.0.0.1:1")

	cfg := config.Default()
	cfg.Agent.ServerURL = "ws://127.0.0.1:1"
	cfg.Agent.UnsafeMode = true
	d.ApplyConfig(cfg)
	if !d.Status().UnsafeMode {
		t.Error("unsafe mode not applied")
	}
}

func TestActivityRingIsBounded(t *testing.T) {
	d := newTestDaemon(t, "ws://127.0.0.1:1")
	for i := 0; i < 150; i++ {
		d.addActivity(Activity{Command: "dom.click", Latency: int64(i)})
	}
	status := d.Status()
	if len(status.Activity) != 100 {
		t.Fatalf("expected 100 entries, got %d", len(status.Activity))
	}
	if status.Activity[0].Latency != 50 {
		t.Errorf("oldest entries should be evicted first, got %d", status.Activity[0].Latency)
	}
}

func TestEncodeIPC(t *testing.T) {
	data, err := encodeIPC(MsgTypePong, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("messages must be newline delimited")
	}
	var msg IPCMessage
	json.Unmarshal(data, &msg)
	if msg.Type != MsgTypePong || msg.Payload != nil {
		t.Errorf("unexpected message %+v", msg)
	}
}
