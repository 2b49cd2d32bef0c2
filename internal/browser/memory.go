package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/claraverse/tabrelay/internal/envelope"
)

// pngStub is a 1x1 transparent PNG.
var pngStub = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type memTab struct {
	history []string
	pos     int
}

func (t *memTab) url() string { return t.history[t.pos] }

// EvalFunc answers Evaluate calls for a MemoryDriver.
type EvalFunc func(tab envelope.TabID, script string) (any, error)

// MemoryDriver is an in-process browser with integer tab ids. It keeps
// per-tab navigation history and records evaluated scripts.
type MemoryDriver struct {
	mu      sync.Mutex
	tabs    map[envelope.TabID]*memTab
	order   []envelope.TabID
	next    int
	active  envelope.TabID
	scripts []string
	eval    EvalFunc
}

// NewMemoryDriver creates an empty in-memory browser.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{tabs: make(map[envelope.TabID]*memTab)}
}

// SetEval installs the Evaluate responder. Without one Evaluate returns nil.
func (d *MemoryDriver) SetEval(fn EvalFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eval = fn
}

// Scripts returns scripts passed to Evaluate, oldest first.
func (d *MemoryDriver) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

func (d *MemoryDriver) TabExists(_ context.Context, id envelope.TabID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tabs[id]
	return ok, nil
}

func (d *MemoryDriver) CreateTab(_ context.Context, url string) (envelope.TabID, error) {
	if url == "" {
		url = "about:blank"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := envelope.TabID(fmt.Sprintf("%d", d.next))
	d.tabs[id] = &memTab{history: []string{url}}
	d.order = append(d.order, id)
	d.active = id
	return id, nil
}

func (d *MemoryDriver) ListTabs(context.Context) ([]Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Tab, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.infoLocked(id))
	}
	return out, nil
}

func (d *MemoryDriver) TabInfo(_ context.Context, id envelope.TabID) (Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[id]; !ok {
		return Tab{}, fmt.Errorf("tab %s: %w", id, ErrNoSuchTab)
	}
	return d.infoLocked(id), nil
}

func (d *MemoryDriver) ActivateTab(_ context.Context, id envelope.TabID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[id]; !ok {
		return fmt.Errorf("tab %s: %w", id, ErrNoSuchTab)
	}
	d.active = id
	return nil
}

func (d *MemoryDriver) CloseTab(_ context.Context, id envelope.TabID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[id]; !ok {
		return fmt.Errorf("tab %s: %w", id, ErrNoSuchTab)
	}
	delete(d.tabs, id)
	kept := d.order[:0]
	for _, o := range d.order {
		if o != id {
			kept = append(kept, o)
		}
	}
	d.order = kept
	if d.active == id {
		d.active = ""
		if len(d.order) > 0 {
			d.active = d.order[len(d.order)-1]
		}
	}
	return nil
}

func (d *MemoryDriver) Navigate(_ context.Context, id envelope.TabID, url string) error {
	return d.withTab(id, func(t *memTab) error {
		t.history = append(t.history[:t.pos+1], url)
		t.pos++
		return nil
	})
}

func (d *MemoryDriver) GoBack(_ context.Context, id envelope.TabID) error {
	return d.withTab(id, func(t *memTab) error {
		if t.pos > 0 {
			t.pos--
		}
		return nil
	})
}

func (d *MemoryDriver) GoForward(_ context.Context, id envelope.TabID) error {
	return d.withTab(id, func(t *memTab) error {
		if t.pos < len(t.history)-1 {
			t.pos++
		}
		return nil
	})
}

func (d *MemoryDriver) Reload(_ context.Context, id envelope.TabID) error {
	return d.withTab(id, func(*memTab) error { return nil })
}

func (d *MemoryDriver) Evaluate(_ context.Context, id envelope.TabID, script string) (any, error) {
	d.mu.Lock()
	if _, ok := d.tabs[id]; !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("tab %s: %w", id, ErrNoSuchTab)
	}
	d.scripts = append(d.scripts, script)
	fn := d.eval
	d.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(id, script)
}

func (d *MemoryDriver) Screenshot(_ context.Context, id envelope.TabID) ([]byte, error) {
	err := d.withTab(id, func(*memTab) error { return nil })
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), pngStub...), nil
}

func (d *MemoryDriver) Close() error { return nil }

func (d *MemoryDriver) withTab(id envelope.TabID, fn func(*memTab) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[id]
	if !ok {
		return fmt.Errorf("tab %s: %w", id, ErrNoSuchTab)
	}
	return fn(t)
}

func (d *MemoryDriver) infoLocked(id envelope.TabID) Tab {
	t := d.tabs[id]
	return Tab{ID: id, URL: t.url(), Title: t.url(), Active: id == d.active}
}
