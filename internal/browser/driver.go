// Package browser is the endpoint's view of the real browser: a small driver
// interface with a chromedp implementation and an in-memory one, plus the
// command handlers built on top of it.
package browser

import (
	"context"
	"errors"

	"github.com/claraverse/tabrelay/internal/envelope"
)

// ErrNoSuchTab is returned when a tab id does not name an open page.
var ErrNoSuchTab = errors.New("no such tab")

// Tab describes one open page.
type Tab struct {
	ID     envelope.TabID `json:"tabId"`
	URL    string         `json:"url"`
	Title  string         `json:"title"`
	Active bool           `json:"active"`
}

// Driver is the set of browser primitives commands are built from.
type Driver interface {
	TabExists(ctx context.Context, id envelope.TabID) (bool, error)
	CreateTab(ctx context.Context, url string) (envelope.TabID, error)
	ListTabs(ctx context.Context) ([]Tab, error)
	TabInfo(ctx context.Context, id envelope.TabID) (Tab, error)
	ActivateTab(ctx context.Context, id envelope.TabID) error
	CloseTab(ctx context.Context, id envelope.TabID) error

	Navigate(ctx context.Context, id envelope.TabID, url string) error
	GoBack(ctx context.Context, id envelope.TabID) error
	GoForward(ctx context.Context, id envelope.TabID) error
	Reload(ctx context.Context, id envelope.TabID) error

	// Evaluate runs script in the page and returns its JSON-decoded value.
	// Promises are awaited.
	Evaluate(ctx context.Context, id envelope.TabID, script string) (any, error)
	// Screenshot returns a PNG of the visible viewport.
	Screenshot(ctx context.Context, id envelope.TabID) ([]byte, error)

	Close() error
}
