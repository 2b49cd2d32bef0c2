package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type recordingExec struct {
	command string
	payload map[string]any
	data    map[string]any
	err     error
}

func (r *recordingExec) Execute(_ context.Context, command string, payload map[string]any) (map[string]any, error) {
	r.command, r.payload = command, payload
	if r.err != nil {
		return nil, r.err
	}
	if r.data == nil {
		return map[string]any{"tabId": "1"}, nil
	}
	return r.data, nil
}

func TestCatalog_ListsEveryTool(t *testing.T) {
	want := []string{
		"browser_navigate", "browser_go_back", "browser_go_forward", "browser_refresh",
		"browser_wait", "browser_tab", "browser_snapshot", "browser_click", "browser_hover",
		"browser_type", "browser_select_option", "browser_screenshot", "browser_execute_js",
	}
	defs := NewCatalog().List()
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(defs))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool %d = %s, want %s", i, defs[i].Name, name)
		}
		if defs[i].InputSchema["type"] != "object" || defs[i].Description == "" {
			t.Errorf("%s: incomplete definition", name)
		}
	}
}

func TestCatalog_Mapping(t *testing.T) {
	tests := []struct {
		tool    string
		args    map[string]any
		command string
		payload map[string]any
	}{
		{"browser_navigate", map[string]any{"url": "https://example.com"}, "browser_navigate", map[string]any{"action": "goto", "url": "https://example.com"}},
		{"browser_go_back", nil, "browser_go_back", map[string]any{}},
		{"browser_wait", map[string]any{"time": 1.5}, "browser_wait", map[string]any{"time": 1500}},
		{"browser_tab", map[string]any{"action": "list"}, "tabs.list", map[string]any{}},
		{"browser_tab", map[string]any{"action": "select", "index": 2.0}, "tabs.select", map[string]any{"index": 2.0}},
		{"browser_tab", map[string]any{"action": "new", "url": "https://a.test"}, "tabs.new", map[string]any{"url": "https://a.test"}},
		{"browser_click", map[string]any{"element": "Go button", "ref": "e1"}, "dom.click", map[string]any{"ref": "e1"}},
		{"browser_type", map[string]any{"ref": "e2", "text": "hi", "submit": true}, "dom.type", map[string]any{"ref": "e2", "text": "hi", "submit": true}},
		{"browser_execute_js", map[string]any{"code": "1+1"}, "js.execute", map[string]any{"code": "1+1"}},
		{"browser_snapshot", nil, "snapshot.accessibility", map[string]any{}},
	}
	c := NewCatalog()
	for _, tt := range tests {
		exec := &recordingExec{}
		if _, err := c.Call(context.Background(), exec, tt.tool, tt.args); err != nil {
			t.Errorf("%s: %v", tt.tool, err)
			continue
		}
		if exec.command != tt.command {
			t.Errorf("%s: command %s, want %s", tt.tool, exec.command, tt.command)
		}
		got, _ := json.Marshal(exec.payload)
		want, _ := json.Marshal(tt.payload)
		if string(got) != string(want) {
			t.Errorf("%s: payload %s, want %s", tt.tool, got, want)
		}
	}
}

func TestCatalog_ArgumentErrors(t *testing.T) {
	c := NewCatalog()
	cases := map[string]map[string]any{
		"browser_navigate":   {},
		"browser_wait":       {"time": "soon"},
		"browser_tab":        {"action": "explode"},
		"browser_execute_js": {"code": "  "},
	}
	for tool, args := range cases {
		exec := &recordingExec{}
		if _, err := c.Call(context.Background(), exec, tool, args); err == nil {
			t.Errorf("%s: expected argument error", tool)
		}
		if exec.command != "" {
			t.Errorf("%s: command sent despite bad arguments", tool)
		}
	}
	if _, err := c.Call(context.Background(), &recordingExec{}, "browser_fly", nil); err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("expected unknown tool error, got %v", err)
	}
}

func TestCatalog_ExecutorErrorPropagates(t *testing.T) {
	boom := errors.New("element not found: e9")
	_, err := NewCatalog().Call(context.Background(), &recordingExec{err: boom}, "browser_click", map[string]any{"ref": "e9"})
	if !errors.Is(err, boom) {
		t.Errorf("expected executor error, got %v", err)
	}
}

func TestRenderers(t *testing.T) {
	shot := renderScreenshot(map[string]any{"mimeType": "image/png", "dataUrl": "data:image/png;base64,AAAA"})
	if shot.Content[0].Type != "image" || shot.Content[0].Data != "AAAA" {
		t.Errorf("unexpected screenshot content %+v", shot.Content)
	}

	snap := renderSnapshot(map[string]any{"url": "https://example.com", "title": "Example", "outline": "- button \"Go\" [ref=e1]"})
	text := snap.Content[0].Text
	if !strings.Contains(text, "Page URL: https://example.com") || !strings.Contains(text, "[ref=e1]") {
		t.Errorf("unexpected snapshot text %q", text)
	}
}

func TestProtocolHelpers(t *testing.T) {
	if !(JSONRPCRequest{Method: "notifications/initialized"}).IsNotification() {
		t.Error("request without id is a notification")
	}
	if (JSONRPCRequest{ID: json.RawMessage("1")}).IsNotification() {
		t.Error("request with id is not a notification")
	}

	raw, _ := json.Marshal(Error(nil, CodeParseError, "Parse error"))
	if !strings.Contains(string(raw), `"id":null`) || !strings.Contains(string(raw), `-32700`) {
		t.Errorf("unexpected error response %s", raw)
	}

	raw, _ = json.Marshal(LogMessage("info", "tabrelay-daemon", map[string]any{"type": "x"}))
	if !strings.Contains(string(raw), `"method":"notifications/message"`) {
		t.Errorf("unexpected notification %s", raw)
	}
}
