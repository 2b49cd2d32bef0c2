package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/claraverse/tabrelay/internal/affinity"
	"github.com/claraverse/tabrelay/internal/envelope"
)

type stubProber struct {
	mu      sync.Mutex
	tabs    map[envelope.TabID]bool
	next    int
	created int
}

func (p *stubProber) TabExists(_ context.Context, tab envelope.TabID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tabs[tab], nil
}

func (p *stubProber) CreateBlankTab(context.Context) (envelope.TabID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.created++
	id := envelope.TabID(fmt.Sprintf("%d", 100+p.next))
	p.tabs[id] = true
	return id, nil
}

type captureSender struct {
	mu   sync.Mutex
	sent []envelope.Envelope
}

func (c *captureSender) Send(env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *captureSender) byType(k envelope.Kind) []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope.Envelope
	for _, e := range c.sent {
		if e.Type == k {
			out = append(out, e)
		}
	}
	return out
}

type countingObserver struct {
	mu      sync.Mutex
	records []Record
}

func (o *countingObserver) CommandHandled(r Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, r)
}

func okHandler(context.Context, Input) (Outcome, error) { return Outcome{}, nil }

func testTable(t *testing.T, overrides map[Command]Handler) *Table {
	t.Helper()
	h := make(map[Command]Handler)
	for _, c := range Commands() {
		h[c] = okHandler
	}
	for c, fn := range overrides {
		h[c] = fn
	}
	table, err := NewTable(h)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return table
}

type fixture struct {
	prober   *stubProber
	tracker  *affinity.Tracker
	sender   *captureSender
	observer *countingObserver
	d        *Dispatcher
}

func newFixture(t *testing.T, overrides map[Command]Handler) *fixture {
	f := &fixture{prober: &stubProber{tabs: map[envelope.TabID]bool{}}, sender: &captureSender{}, observer: &countingObserver{}}
	f.tracker = affinity.NewTracker(f.prober, nil)
	f.d = New(Options{Table: testTable(t, overrides), Tracker: f.tracker, Sender: f.sender, Observer: f.observer})
	return f
}

func request(t *testing.T, raw string) envelope.Envelope {
	t.Helper()
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return env
}

func dataOf(t *testing.T, env envelope.Envelope) map[string]any {
	t.Helper()
	m, err := env.DecodeData()
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return m
}

func TestNewTable_RequiresEveryCommand(t *testing.T) {
	if _, err := NewTable(map[Command]Handler{CmdNavigate: okHandler}); err == nil {
		t.Fatal("expected error for partial table")
	}
	h := map[Command]Handler{}
	for _, c := range Commands() {
		h[c] = okHandler
	}
	h["made.up"] = okHandler
	if _, err := NewTable(h); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestDispatcher_NavigateThenClick(t *testing.T) {
	var gotURL string
	f := newFixture(t, map[Command]Handler{
		CmdNavigate: func(_ context.Context, in Input) (Outcome, error) {
			gotURL = in.String("url")
			return Outcome{Data: map[string]any{"url": gotURL}}, nil
		},
		CmdClick: func(_ context.Context, in Input) (Outcome, error) {
			if in.String("ref") != "r1" {
				return Outcome{}, errors.New("wrong ref")
			}
			return Outcome{}, nil
		},
	})
	ctx := context.Background()

	resp, ok := f.d.Handle(ctx, request(t, `{"type":"request","wireId":"w1","sessionId":"s1","name":"browser_navigate","payload":{"url":"https://example.com"}}`))
	if !ok || resp.Failed() {
		t.Fatalf("navigate failed: %+v", resp)
	}
	if gotURL != "https://example.com" {
		t.Errorf("handler saw url %q", gotURL)
	}
	created := dataOf(t, resp)["tabId"]
	if created == nil || created == "" {
		t.Fatal("response must carry the new tab id")
	}
	snap := f.tracker.Snapshot("s1")
	if len(snap.Tabs) != 1 || string(snap.Tabs[0]) != created {
		t.Errorf("expected tab list [%v], got %v", created, snap.Tabs)
	}

	resp, ok = f.d.Handle(ctx, request(t, `{"type":"request","wireId":"w2","sessionId":"s1","name":"dom.click","payload":{"ref":"r1"}}`))
	if !ok || resp.Failed() {
		t.Fatalf("click failed: %+v", resp)
	}
	if dataOf(t, resp)["tabId"] != created {
		t.Errorf("click should reuse %v, got %v", created, dataOf(t, resp)["tabId"])
	}
	if f.prober.created != 1 {
		t.Errorf("expected exactly one created tab, got %d", f.prober.created)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	f := newFixture(t, nil)

	resp, ok := f.d.Handle(context.Background(), request(t, `{"type":"request","wireId":"w9","sessionId":"s1","name":"unknown.op"}`))
	if !ok {
		t.Fatal("correlated unknown command must get a response")
	}
	if resp.WireID != "w9" || resp.Error != "Unhandled message type: unknown.op" {
		t.Errorf("unexpected response %+v", resp)
	}
	if f.prober.created != 0 || f.tracker.Sessions() != 0 {
		t.Error("no tab resolution should happen for unknown commands")
	}
	if len(f.sender.byType(envelope.KindEvent)) != 0 {
		t.Error("no debug event after a failed command")
	}
}

func TestDispatcher_UnknownFireAndForgetIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	if _, ok := f.d.Handle(context.Background(), request(t, `{"type":"request","sessionId":"s1","name":"unknown.op"}`)); ok {
		t.Fatal("nothing should be sent without a correlation id")
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("expected no envelopes, got %v", f.sender.sent)
	}
}

func TestDispatcher_HandlerError(t *testing.T) {
	f := newFixture(t, map[Command]Handler{
		CmdJSExecute: func(context.Context, Input) (Outcome, error) {
			return Outcome{}, errors.New("ReferenceError: foo is not defined")
		},
		CmdSnapshot: func(context.Context, Input) (Outcome, error) {
			panic("snapshot exploded")
		},
	})

	resp, _ := f.d.Handle(context.Background(), request(t, `{"type":"request","wireId":"w3","sessionId":"s1","name":"js.execute","payload":{"code":"foo()"}}`))
	if resp.Error != "ReferenceError: foo is not defined" {
		t.Errorf("expected handler message, got %q", resp.Error)
	}
	if len(resp.Data) != 0 {
		t.Error("failed response must not carry data")
	}

	resp, _ = f.d.Handle(context.Background(), request(t, `{"type":"request","wireId":"w4","sessionId":"s1","name":"snapshot.accessibility"}`))
	if !strings.Contains(resp.Error, "snapshot exploded") {
		t.Errorf("panic should surface as error, got %q", resp.Error)
	}
}

func TestDispatcher_TabIDAlwaysPresent(t *testing.T) {
	f := newFixture(t, map[Command]Handler{
		CmdTabsList: func(context.Context, Input) (Outcome, error) {
			return Outcome{Data: map[string]any{"tabs": []any{}}}, nil
		},
	})
	f.prober.tabs["7"] = true

	resp, _ := f.d.Handle(context.Background(), request(t, `{"type":"request","wireId":"w5","sessionId":"s1","name":"tabs.list","tabId":7}`))
	data := dataOf(t, resp)
	if data["tabId"] != "7" {
		t.Errorf("expected tabId 7, got %v", data["tabId"])
	}
	if _, ok := data["tabs"]; !ok {
		t.Error("handler data lost")
	}
	if resp.TabID != "7" {
		t.Errorf("response envelope should carry the resolved tab, got %q", resp.TabID)
	}
}

func TestDispatcher_MergesSessionAndTab(t *testing.T) {
	var seen Input
	f := newFixture(t, map[Command]Handler{
		CmdType: func(_ context.Context, in Input) (Outcome, error) {
			seen = in
			return Outcome{}, nil
		},
	})
	f.d.Handle(context.Background(), request(t, `{"type":"request","wireId":"w6","sessionId":"s9","name":"dom.type","payload":{"text":"hi"}}`))

	if seen.Args["sessionId"] != "s9" || seen.Args["text"] != "hi" {
		t.Errorf("payload not merged: %v", seen.Args)
	}
	if seen.Args["tabId"] != string(seen.TabID) || seen.TabID == "" {
		t.Errorf("tab not merged: %v / %q", seen.Args["tabId"], seen.TabID)
	}
}

func TestDispatcher_DebugEventAfterSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.d.Handle(context.Background(), request(t, `{"type":"request","wireId":"w7","sessionId":"s1","originId":"o1","name":"browser_refresh"}`))

	resp := f.sender.byType(envelope.KindResponse)
	if len(resp) != 1 || resp[0].OriginID != "o1" || resp[0].SessionID != "s1" {
		t.Fatalf("response not correlated: %+v", resp)
	}
	events := f.sender.byType(envelope.KindEvent)
	if len(events) != 1 || events[0].Name != "debug" {
		t.Fatalf("expected one debug event, got %+v", events)
	}
	payload, _ := events[0].DecodePayload()
	if payload["action"] != "browser_refresh" || payload["resolvedTabId"] == nil {
		t.Errorf("unexpected debug payload %v", payload)
	}
}

func TestDispatcher_FocusAndForget(t *testing.T) {
	f := newFixture(t, map[Command]Handler{
		CmdTabsNew: func(context.Context, Input) (Outcome, error) {
			tab := envelope.TabID("555")
			return Outcome{Data: map[string]any{"tabId": string(tab)}, Focus: tab}, nil
		},
		CmdTabsClose: func(_ context.Context, in Input) (Outcome, error) {
			return Outcome{Data: map[string]any{"closed": string(in.TabID)}, Forget: []envelope.TabID{in.TabID}}, nil
		},
	})
	f.prober.tabs["555"] = true
	ctx := context.Background()

	f.d.Handle(ctx, request(t, `{"type":"request","wireId":"a","sessionId":"s1","name":"tabs.new"}`))
	if f.tracker.Snapshot("s1").LastFocused != "555" {
		t.Fatalf("expected focus on new tab, got %+v", f.tracker.Snapshot("s1"))
	}

	f.d.Handle(ctx, request(t, `{"type":"request","wireId":"b","sessionId":"s1","name":"tabs.close"}`))
	snap := f.tracker.Snapshot("s1")
	if snap.LastFocused != "" {
		t.Errorf("closed tab should no longer be focused, got %+v", snap)
	}
	for _, tab := range snap.Tabs {
		if tab == "555" {
			t.Errorf("closed tab still tracked: %v", snap.Tabs)
		}
	}
}

func TestDispatcher_LegacyEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	resp, ok := f.d.Handle(context.Background(), request(t, `{"id":"legacy-1","type":"browser_go_back","sessionId":"s1"}`))
	if !ok || resp.WireID != "legacy-1" || resp.Failed() {
		t.Errorf("legacy request not handled: %+v", resp)
	}
}

func TestDispatcher_AsyncHandleAndObserver(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.d.HandleEnvelope(request(t, fmt.Sprintf(`{"type":"request","wireId":"w%d","sessionId":"s%d","name":"browser_wait"}`, i, i)))
	}
	f.d.HandleEnvelope(envelope.Envelope{Type: envelope.KindEvent, Name: "not a request"})
	f.d.Wait()

	if got := len(f.sender.byType(envelope.KindResponse)); got != 5 {
		t.Errorf("expected 5 responses, got %d", got)
	}
	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	if len(f.observer.records) != 5 {
		t.Errorf("expected 5 records, got %d", len(f.observer.records))
	}
}

func TestDispatcher_SessionClosedDropsAffinity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.d.Handle(ctx, request(t, `{"type":"request","wireId":"w1","sessionId":"s1","name":"browser_navigate","payload":{"url":"https://a.test"}}`))
	f.d.Handle(ctx, request(t, `{"type":"request","wireId":"w2","sessionId":"s2","name":"browser_navigate","payload":{"url":"https://b.test"}}`))
	if f.tracker.Sessions() != 2 {
		t.Fatalf("expected 2 tracked sessions, got %d", f.tracker.Sessions())
	}

	f.d.HandleSessionClosed(envelope.Envelope{Type: envelope.KindSessionClosed, SessionID: "s1"})
	f.d.HandleSessionClosed(envelope.Envelope{Type: envelope.KindSessionClosed})
	if f.tracker.Sessions() != 1 {
		t.Errorf("expected 1 tracked session, got %d", f.tracker.Sessions())
	}
	if snap := f.tracker.Snapshot("s1"); len(snap.Tabs) != 0 || snap.LastFocused != "" {
		t.Errorf("s1 state survived: %+v", snap)
	}
	if snap := f.tracker.Snapshot("s2"); len(snap.Tabs) != 1 {
		t.Errorf("s2 state lost: %+v", snap)
	}
}

func TestDispatcher_BaseContextCancelsInFlight(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	f := &fixture{prober: &stubProber{tabs: map[envelope.TabID]bool{}}, sender: &captureSender{}}
	f.tracker = affinity.NewTracker(f.prober, nil)
	f.d = New(Options{
		Table: testTable(t, map[Command]Handler{
			CmdWait: func(ctx context.Context, _ Input) (Outcome, error) {
				close(started)
				<-ctx.Done()
				return Outcome{}, ctx.Err()
			},
		}),
		Tracker: f.tracker,
		Sender:  f.sender,
		Context: base,
	})

	f.d.HandleEnvelope(request(t, `{"type":"request","wireId":"w1","sessionId":"s1","name":"browser_wait","payload":{"time":60}}`))
	<-started
	cancel()
	f.d.Wait()

	resps := f.sender.byType(envelope.KindResponse)
	if len(resps) != 1 || !strings.Contains(resps[0].Error, "context canceled") {
		t.Errorf("expected a canceled response, got %+v", resps)
	}
}
