package envelope

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestTabID_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want TabID
	}{
		{"string", `{"tabId":"ABC123"}`, "ABC123"},
		{"integer", `{"tabId":42}`, "42"},
		{"null", `{"tabId":null}`, ""},
		{"missing", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			if err := json.Unmarshal([]byte(tt.in), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.TabID != tt.want {
				t.Errorf("expected %q, got %q", tt.want, env.TabID)
			}
		})
	}
}

func TestTabID_RejectsObjects(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"tabId":{"x":1}}`), &env); err == nil {
		t.Fatal("expected error for object tab id")
	}
}

func TestEnvelope_LegacyFields(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"id":"c1","type":"dom.click","payload":{"ref":"r1"}}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.CommandID() != "c1" {
		t.Errorf("expected command id c1, got %q", env.CommandID())
	}
	if env.CommandName() != "dom.click" {
		t.Errorf("expected command name dom.click, got %q", env.CommandName())
	}
	if !env.IsRequest() {
		t.Error("legacy typed command should be routed as a request")
	}

	modern := Envelope{Type: KindRequest, WireID: "w1", ID: "old", Name: "tabs.list"}
	if modern.CommandID() != "w1" {
		t.Errorf("wireId should win over id, got %q", modern.CommandID())
	}

	resp := Envelope{Type: KindResponse}
	if resp.CommandName() != "" || resp.IsRequest() {
		t.Error("responses carry no command name")
	}
}

func TestReply_Correlation(t *testing.T) {
	req := Envelope{Type: KindRequest, WireID: "w7", SessionID: "s1", OriginID: "o1", Name: "tabs.list"}

	ok, err := Reply(req, map[string]any{"tabId": "t1"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if ok.Type != KindResponse || ok.WireID != "w7" || ok.SessionID != "s1" || ok.OriginID != "o1" {
		t.Errorf("response not correlated: %+v", ok)
	}
	if ok.Failed() {
		t.Error("success response must not be failed")
	}

	bad := ReplyError(req, "boom")
	if !bad.Failed() || bad.Error != "boom" || bad.WireID != "w7" {
		t.Errorf("unexpected error response: %+v", bad)
	}
	if len(bad.Data) != 0 {
		t.Error("error response must not carry data")
	}
}

func TestEnvelope_WireShape(t *testing.T) {
	env, err := NewRequest("w1", "s1", "browser_navigate", map[string]any{"url": "https://example.com"}, "")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	env.InstanceID = "inst-1"
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"type":       "request",
		"wireId":     "w1",
		"sessionId":  "s1",
		"name":       "browser_navigate",
		"payload":    map[string]any{"url": "https://example.com"},
		"instanceId": "inst-1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wire shape mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestDecodePayload_Empty(t *testing.T) {
	m, err := Envelope{}.DecodePayload()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("expected empty map, got %v", m)
	}
	if _, err := (Envelope{Payload: json.RawMessage(`[1,2]`)}).DecodePayload(); err == nil {
		t.Error("expected error for array payload")
	}
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	bus.SubscribeAll(func(Envelope) error { order = append(order, "any-1"); return nil })
	bus.Subscribe(KindEvent, func(Envelope) error { order = append(order, "event-1"); return nil })
	bus.SubscribeAll(func(Envelope) error { order = append(order, "any-2"); return nil })
	bus.Subscribe(KindEvent, func(Envelope) error { order = append(order, "event-2"); return nil })
	bus.Subscribe(KindRequest, func(Envelope) error { order = append(order, "request"); return nil })

	bus.Publish(Envelope{Type: KindEvent})

	want := []string{"event-1", "event-2", "any-1", "any-2"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestBus_FailuresDoNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	var ran []string

	bus.Subscribe(KindEvent, func(Envelope) error { panic("kaboom") })
	bus.Subscribe(KindEvent, func(Envelope) error { return errors.New("nope") })
	bus.Subscribe(KindEvent, func(Envelope) error { ran = append(ran, "specific"); return nil })
	bus.SubscribeAll(func(Envelope) error { ran = append(ran, "wildcard"); return nil })

	if n := bus.Publish(Envelope{Type: KindEvent}); n != 2 {
		t.Errorf("expected 2 successful handlers, got %d", n)
	}
	if !reflect.DeepEqual(ran, []string{"specific", "wildcard"}) {
		t.Errorf("unexpected delivery %v", ran)
	}
}
