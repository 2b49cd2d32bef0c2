package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/claraverse/tabrelay/internal/envelope"
)

// ChromeOptions selects how Chrome is reached.
type ChromeOptions struct {
	// DevToolsURL attaches to a running browser (ws://host:9222/devtools/browser/...).
	// Empty launches a new Chrome.
	DevToolsURL string
	Headless    bool
	ExecPath    string
	Logger      *slog.Logger
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ErrReservedTab is returned for the tab that carries the browser
// connection. Closing it would end every other tab.
var ErrReservedTab = errors.New("tab is reserved for the browser connection")

// ChromeDriver drives Chrome over CDP. Tab ids are CDP target ids.
type ChromeDriver struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	// anchor is the browser context's own target. It is never handed out
	// as a tab.
	anchor envelope.TabID
	logger *slog.Logger

	mu     sync.Mutex
	tabs   map[envelope.TabID]chromeTab
	active envelope.TabID
}

// NewChromeDriver starts or attaches to Chrome.
func NewChromeDriver(opts ChromeOptions) (*ChromeDriver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chrome")

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.DevToolsURL != "" {
		logger.Info("attaching to running chrome", "url", opts.DevToolsURL)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.DevToolsURL)
	} else {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-popup-blocking", true),
		)
		if !opts.Headless {
			execOpts = append(execOpts, chromedp.Flag("headless", false))
		}
		if opts.ExecPath != "" {
			execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
		}
		logger.Info("launching chrome", "headless", opts.Headless)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), execOpts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	d := &ChromeDriver{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger,
		tabs:          make(map[envelope.TabID]chromeTab),
		anchor:        envelope.TabID(chromedp.FromContext(browserCtx).Target.TargetID),
	}
	return d, nil
}

func (d *ChromeDriver) TabExists(ctx context.Context, id envelope.TabID) (bool, error) {
	targets, err := chromedp.Targets(d.browserCtx)
	if err != nil {
		return false, fmt.Errorf("list targets: %w", err)
	}
	if id == d.anchor {
		return false, nil
	}
	for _, t := range targets {
		if t.Type == "page" && envelope.TabID(t.TargetID) == id {
			return true, nil
		}
	}
	return false, nil
}

func (d *ChromeDriver) CreateTab(ctx context.Context, url string) (envelope.TabID, error) {
	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	// The first Run creates the target and must not carry a deadline.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return "", fmt.Errorf("create tab: %w", err)
	}
	id := envelope.TabID(chromedp.FromContext(tabCtx).Target.TargetID)

	d.mu.Lock()
	d.tabs[id] = chromeTab{ctx: tabCtx, cancel: cancel}
	d.active = id
	d.mu.Unlock()

	if url != "" && url != "about:blank" {
		if err := d.Navigate(ctx, id, url); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (d *ChromeDriver) ListTabs(ctx context.Context) ([]Tab, error) {
	targets, err := chromedp.Targets(d.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()

	var out []Tab
	for _, t := range targets {
		id := envelope.TabID(t.TargetID)
		if t.Type != "page" || id == d.anchor {
			continue
		}
		out = append(out, Tab{ID: id, URL: t.URL, Title: t.Title, Active: id == active})
	}
	return out, nil
}

func (d *ChromeDriver) TabInfo(ctx context.Context, id envelope.TabID) (Tab, error) {
	var title, location string
	if err := d.run(ctx, id, chromedp.Title(&title), chromedp.Location(&location)); err != nil {
		return Tab{}, err
	}
	d.mu.Lock()
	active := d.active == id
	d.mu.Unlock()
	return Tab{ID: id, URL: location, Title: title, Active: active}, nil
}

func (d *ChromeDriver) ActivateTab(ctx context.Context, id envelope.TabID) error {
	err := d.run(ctx, id, chromedp.ActionFunc(func(c context.Context) error {
		return page.BringToFront().Do(c)
	}))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.active = id
	d.mu.Unlock()
	return nil
}

func (d *ChromeDriver) CloseTab(ctx context.Context, id envelope.TabID) error {
	if id == d.anchor {
		return ErrReservedTab
	}
	err := d.run(ctx, id, chromedp.ActionFunc(func(c context.Context) error {
		return page.Close().Do(c)
	}))
	if err != nil {
		return err
	}
	d.mu.Lock()
	t, ok := d.tabs[id]
	delete(d.tabs, id)
	if d.active == id {
		d.active = ""
	}
	d.mu.Unlock()
	if ok && t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (d *ChromeDriver) Navigate(ctx context.Context, id envelope.TabID, url string) error {
	return d.run(ctx, id, chromedp.Navigate(url))
}

func (d *ChromeDriver) GoBack(ctx context.Context, id envelope.TabID) error {
	return d.run(ctx, id, chromedp.NavigateBack())
}

func (d *ChromeDriver) GoForward(ctx context.Context, id envelope.TabID) error {
	return d.run(ctx, id, chromedp.NavigateForward())
}

func (d *ChromeDriver) Reload(ctx context.Context, id envelope.TabID) error {
	return d.run(ctx, id, chromedp.Reload())
}

// Evaluate serialises the value in the page so undefined and null both come
// back as nil instead of a decode error.
func (d *ChromeDriver) Evaluate(ctx context.Context, id envelope.TabID, script string) (any, error) {
	wrapped := fmt.Sprintf(`(async () => { const __v = await (%s); return JSON.stringify(__v === undefined ? null : __v); })()`, script)
	var encoded string
	err := d.run(ctx, id, chromedp.Evaluate(wrapped, &encoded, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil, fmt.Errorf("decode evaluation result: %w", err)
	}
	return out, nil
}

func (d *ChromeDriver) Screenshot(ctx context.Context, id envelope.TabID) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, id, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close shuts every tab context and the browser.
func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	tabs := d.tabs
	d.tabs = make(map[envelope.TabID]chromeTab)
	d.mu.Unlock()
	for _, t := range tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	d.browserCancel()
	d.allocCancel()
	return nil
}

func (d *ChromeDriver) tabContext(id envelope.TabID) (context.Context, error) {
	if id == d.anchor {
		return nil, ErrReservedTab
	}
	d.mu.Lock()
	t, ok := d.tabs[id]
	d.mu.Unlock()
	if ok {
		return t.ctx, nil
	}

	tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(target.ID(id)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("attach tab %s: %w", id, err)
	}
	d.mu.Lock()
	d.tabs[id] = chromeTab{ctx: tabCtx, cancel: cancel}
	d.mu.Unlock()
	return tabCtx, nil
}

func (d *ChromeDriver) run(ctx context.Context, id envelope.TabID, actions ...chromedp.Action) error {
	tabCtx, err := d.tabContext(id)
	if err != nil {
		return err
	}
	runCtx, cancel := scoped(tabCtx, ctx)
	defer cancel()
	return runError(ctx, id, chromedp.Run(runCtx, actions...))
}

// scoped derives a context from the tab context that also ends when the
// caller's context does, carrying its deadline.
func scoped(tabCtx, ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(tabCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// runError reports the caller's cancellation instead of the raw CDP error it
// caused.
func runError(ctx context.Context, id envelope.TabID, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("tab %s: %w", id, cerr)
	}
	return fmt.Errorf("tab %s: %w", id, err)
}
