package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/claraverse/tabrelay/internal/dispatch"
	"github.com/claraverse/tabrelay/internal/envelope"
)

// ErrUnsafeDisabled rejects js.execute calls flagged unsafe while unsafe
// mode is off.
var ErrUnsafeDisabled = errors.New("unsafe script execution is disabled")

// Operations implements every endpoint command on top of a Driver. It also
// serves as the affinity prober.
type Operations struct {
	driver Driver
	unsafe atomic.Bool
}

// NewOperations wraps driver.
func NewOperations(driver Driver, unsafeMode bool) *Operations {
	o := &Operations{driver: driver}
	o.unsafe.Store(unsafeMode)
	return o
}

// SetUnsafe toggles unsafe js execution at runtime.
func (o *Operations) SetUnsafe(on bool) { o.unsafe.Store(on) }

// TabExists probes a tab.
func (o *Operations) TabExists(ctx context.Context, id envelope.TabID) (bool, error) {
	return o.driver.TabExists(ctx, id)
}

// CreateBlankTab opens about:blank.
func (o *Operations) CreateBlankTab(ctx context.Context) (envelope.TabID, error) {
	return o.driver.CreateTab(ctx, "about:blank")
}

// Handlers returns one handler per command.
func (o *Operations) Handlers() map[dispatch.Command]dispatch.Handler {
	return map[dispatch.Command]dispatch.Handler{
		dispatch.CmdNavigate:          o.navigate,
		dispatch.CmdGoBack:            o.history(func(ctx context.Context, id envelope.TabID) error { return o.driver.GoBack(ctx, id) }),
		dispatch.CmdGoForward:         o.history(func(ctx context.Context, id envelope.TabID) error { return o.driver.GoForward(ctx, id) }),
		dispatch.CmdRefresh:           o.history(func(ctx context.Context, id envelope.TabID) error { return o.driver.Reload(ctx, id) }),
		dispatch.CmdWait:              o.wait,
		dispatch.CmdBrowserTabsList:   o.listTabs,
		dispatch.CmdActivateTab:       o.activateTab,
		dispatch.CmdTabsList:          o.listTabs,
		dispatch.CmdTabsSelect:        o.selectTab,
		dispatch.CmdTabsNew:           o.newTab,
		dispatch.CmdTabsClose:         o.closeTab,
		dispatch.CmdJSExecute:         o.execute,
		dispatch.CmdSnapshot:          o.snapshot,
		dispatch.CmdClick:             o.element(func(in dispatch.Input) string { return clickScript(in.String("ref"), in.String("selector")) }),
		dispatch.CmdHover:             o.element(func(in dispatch.Input) string { return hoverScript(in.String("ref"), in.String("selector")) }),
		dispatch.CmdType:              o.element(func(in dispatch.Input) string { return typeScript(in.String("ref"), in.String("selector"), in.String("text"), in.Bool("submit")) }),
		dispatch.CmdSelect:            o.element(func(in dispatch.Input) string { return selectScript(in.String("ref"), in.String("selector"), stringList(in.Args["values"])) }),
		dispatch.CmdScreenshot:        o.screenshot,
		dispatch.CmdBrowserScreenshot: o.screenshot,
	}
}

func (o *Operations) navigate(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	var err error
	switch action := in.String("action"); action {
	case "", "goto":
		url := in.String("url")
		if url == "" {
			return dispatch.Outcome{}, errors.New("url is required")
		}
		err = o.driver.Navigate(ctx, in.TabID, url)
	case "back":
		err = o.driver.GoBack(ctx, in.TabID)
	case "forward":
		err = o.driver.GoForward(ctx, in.TabID)
	case "refresh", "reload":
		err = o.driver.Reload(ctx, in.TabID)
	default:
		return dispatch.Outcome{}, fmt.Errorf("unknown navigate action %q", action)
	}
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return o.pageOutcome(ctx, in.TabID)
}

func (o *Operations) history(step func(context.Context, envelope.TabID) error) dispatch.Handler {
	return func(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
		if err := step(ctx, in.TabID); err != nil {
			return dispatch.Outcome{}, err
		}
		return o.pageOutcome(ctx, in.TabID)
	}
}

func (o *Operations) pageOutcome(ctx context.Context, id envelope.TabID) (dispatch.Outcome, error) {
	info, err := o.driver.TabInfo(ctx, id)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Data: map[string]any{"url": info.URL, "title": info.Title}}, nil
}

func (o *Operations) wait(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	ms, _ := in.Int("time", 1000)
	if ms < 0 {
		ms = 0
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return dispatch.Outcome{Data: map[string]any{"waited": ms}}, nil
	case <-ctx.Done():
		return dispatch.Outcome{}, ctx.Err()
	}
}

func (o *Operations) listTabs(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	tabs, err := o.driver.ListTabs(ctx)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	list := make([]map[string]any, 0, len(tabs))
	for i, t := range tabs {
		list = append(list, map[string]any{
			"index":  i,
			"tabId":  string(t.ID),
			"url":    t.URL,
			"title":  t.Title,
			"active": t.Active,
		})
	}
	return dispatch.Outcome{Data: map[string]any{"tabs": list}}, nil
}

// activateTab brings the resolved tab to the front.
func (o *Operations) activateTab(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	if err := o.driver.ActivateTab(ctx, in.TabID); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Data: map[string]any{"activated": true}, Focus: in.TabID}, nil
}

func (o *Operations) selectTab(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	idx, ok := in.Int("index", 0)
	if !ok {
		return dispatch.Outcome{}, errors.New("index is required")
	}
	target, err := o.tabAt(ctx, idx)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if err := o.driver.ActivateTab(ctx, target.ID); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Data:  map[string]any{"tabId": string(target.ID), "index": idx, "url": target.URL, "title": target.Title},
		Focus: target.ID,
	}, nil
}

func (o *Operations) newTab(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	id, err := o.driver.CreateTab(ctx, in.String("url"))
	if err != nil {
		return dispatch.Outcome{}, err
	}
	out, err := o.pageOutcome(ctx, id)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	out.Data["tabId"] = string(id)
	out.Focus = id
	return out, nil
}

// closeTab closes the tab at index, or the resolved tab without one.
func (o *Operations) closeTab(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	victim := in.TabID
	if idx, ok := in.Int("index", 0); ok {
		t, err := o.tabAt(ctx, idx)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		victim = t.ID
	}
	if err := o.driver.CloseTab(ctx, victim); err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{
		Data:   map[string]any{"closed": string(victim)},
		Forget: []envelope.TabID{victim},
	}, nil
}

func (o *Operations) execute(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	code := in.String("code")
	if code == "" {
		return dispatch.Outcome{}, errors.New("code is required")
	}
	if in.Bool("unsafe") && !o.unsafe.Load() {
		return dispatch.Outcome{}, ErrUnsafeDisabled
	}
	result, err := o.driver.Evaluate(ctx, in.TabID, userScript(code))
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Data: map[string]any{"result": result}}, nil
}

func (o *Operations) snapshot(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	result, err := o.driver.Evaluate(ctx, in.TabID, snapshotScript)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	data := map[string]any{}
	if m, ok := result.(map[string]any); ok {
		data = m
	}
	if _, ok := data["url"]; !ok {
		info, err := o.driver.TabInfo(ctx, in.TabID)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		data["url"] = info.URL
		data["title"] = info.Title
		data["outline"] = ""
	}
	return dispatch.Outcome{Data: data}, nil
}

func (o *Operations) element(script func(dispatch.Input) string) dispatch.Handler {
	return func(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
		if in.String("ref") == "" && in.String("selector") == "" {
			return dispatch.Outcome{}, errors.New("ref or selector is required")
		}
		result, err := o.driver.Evaluate(ctx, in.TabID, script(in))
		if err != nil {
			return dispatch.Outcome{}, err
		}
		data := map[string]any{"ok": true}
		if m, ok := result.(map[string]any); ok {
			if found, ok := m["found"].(bool); ok && !found {
				return dispatch.Outcome{}, fmt.Errorf("element not found: %s", firstNonEmpty(in.String("ref"), in.String("selector")))
			}
			if msg, ok := m["error"].(string); ok && msg != "" {
				return dispatch.Outcome{}, errors.New(msg)
			}
			for k, v := range m {
				data[k] = v
			}
		}
		return dispatch.Outcome{Data: data}, nil
	}
}

func (o *Operations) screenshot(ctx context.Context, in dispatch.Input) (dispatch.Outcome, error) {
	png, err := o.driver.Screenshot(ctx, in.TabID)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return dispatch.Outcome{Data: map[string]any{
		"mimeType": "image/png",
		"dataUrl":  "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}}, nil
}

func (o *Operations) tabAt(ctx context.Context, idx int) (Tab, error) {
	tabs, err := o.driver.ListTabs(ctx)
	if err != nil {
		return Tab{}, err
	}
	if idx < 0 || idx >= len(tabs) {
		return Tab{}, fmt.Errorf("tab index %d out of range (have %d tabs)", idx, len(tabs))
	}
	return tabs[idx], nil
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return x
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
