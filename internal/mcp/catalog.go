package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/claraverse/tabrelay/internal/dispatch"
)

// Executor runs an endpoint command for one session.
// *session.ExecutionContext implements it.
type Executor interface {
	Execute(ctx context.Context, command string, payload map[string]any) (map[string]any, error)
}

// BrowserTool is the interface every catalog entry implements.
type BrowserTool interface {
	// Name returns the MCP tool name (e.g. "browser_navigate").
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() map[string]any

	// Call maps the arguments onto an endpoint command and runs it.
	Call(ctx context.Context, exec Executor, args map[string]any) (ToolResult, error)
}

// Definition converts a BrowserTool to its tools/list entry.
func Definition(t BrowserTool) Tool {
	return Tool{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
}

// Catalog holds the browser tools exposed over MCP.
type Catalog struct {
	tools map[string]BrowserTool
	order []string
}

// NewCatalog returns the catalog with every browser tool registered.
func NewCatalog() *Catalog {
	c := &Catalog{tools: make(map[string]BrowserTool)}
	for _, t := range browserTools() {
		c.Register(t)
	}
	return c
}

// Register adds or replaces a tool.
func (c *Catalog) Register(t BrowserTool) {
	if _, exists := c.tools[t.Name()]; !exists {
		c.order = append(c.order, t.Name())
	}
	c.tools[t.Name()] = t
}

// List returns tool definitions in registration order.
func (c *Catalog) List() []Tool {
	defs := make([]Tool, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, Definition(c.tools[name]))
	}
	return defs
}

// Lookup returns the tool called name.
func (c *Catalog) Lookup(name string) (BrowserTool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Call runs the named tool.
func (c *Catalog) Call(ctx context.Context, exec Executor, name string, args map[string]any) (ToolResult, error) {
	t, ok := c.Lookup(name)
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Call(ctx, exec, args)
}

// commandTool maps one MCP tool onto one endpoint command.
type commandTool struct {
	name        string
	description string
	schema      map[string]any
	// build returns the command and payload. Nil means command with args as is.
	build  func(args map[string]any) (dispatch.Command, map[string]any, error)
	render func(data map[string]any) ToolResult
}

func (t *commandTool) Name() string                { return t.name }
func (t *commandTool) Description() string         { return t.description }
func (t *commandTool) InputSchema() map[string]any { return t.schema }

func (t *commandTool) Call(ctx context.Context, exec Executor, args map[string]any) (ToolResult, error) {
	cmd, payload, err := t.build(args)
	if err != nil {
		return ToolResult{}, err
	}
	data, err := exec.Execute(ctx, string(cmd), payload)
	if err != nil {
		return ToolResult{}, err
	}
	if t.render != nil {
		return t.render(data), nil
	}
	return jsonResult(data), nil
}

func fixed(cmd dispatch.Command, keys ...string) func(map[string]any) (dispatch.Command, map[string]any, error) {
	return func(args map[string]any) (dispatch.Command, map[string]any, error) {
		return cmd, pick(args, keys...), nil
	}
}

func pick(args map[string]any, keys ...string) map[string]any {
	out := map[string]any{}
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}

func jsonResult(data map[string]any) ToolResult {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return TextResult(fmt.Sprint(data))
	}
	return TextResult(string(raw))
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var elementProps = map[string]any{
	"element":  prop("string", "Human-readable element description used to obtain permission to interact with the element."),
	"ref":      prop("string", "Exact target element reference from the page snapshot."),
	"selector": prop("string", "CSS selector, used when no ref is known."),
}

func withElement(extra map[string]any) map[string]any {
	props := map[string]any{}
	for k, v := range elementProps {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

func browserTools() []BrowserTool {
	return []BrowserTool{
		&commandTool{
			name:        "browser_navigate",
			description: "Navigate the session's current tab to a URL. Opens a tab when the session has none.",
			schema:      object([]string{"url"}, map[string]any{"url": prop("string", "The URL to navigate to.")}),
			build: func(args map[string]any) (dispatch.Command, map[string]any, error) {
				url, _ := args["url"].(string)
				if strings.TrimSpace(url) == "" {
					return "", nil, fmt.Errorf("url is required")
				}
				return dispatch.CmdNavigate, map[string]any{"action": "goto", "url": url}, nil
			},
		},
		&commandTool{
			name:        "browser_go_back",
			description: "Go back to the previous page.",
			schema:      object(nil, map[string]any{}),
			build:       fixed(dispatch.CmdGoBack),
		},
		&commandTool{
			name:        "browser_go_forward",
			description: "Go forward to the next page.",
			schema:      object(nil, map[string]any{}),
			build:       fixed(dispatch.CmdGoForward),
		},
		&commandTool{
			name:        "browser_refresh",
			description: "Reload the current page.",
			schema:      object(nil, map[string]any{}),
			build:       fixed(dispatch.CmdRefresh),
		},
		&commandTool{
			name:        "browser_wait",
			description: "Wait for a number of seconds.",
			schema:      object([]string{"time"}, map[string]any{"time": prop("number", "Time to wait in seconds.")}),
			build: func(args map[string]any) (dispatch.Command, map[string]any, error) {
				secs, ok := args["time"].(float64)
				if !ok || secs < 0 {
					return "", nil, fmt.Errorf("time must be a non-negative number of seconds")
				}
				return dispatch.CmdWait, map[string]any{"time": int(secs * 1000)}, nil
			},
		},
		&commandTool{
			name:        "browser_tab",
			description: "List, select, open or close browser tabs. Tab indexes come from the list action.",
			schema: object([]string{"action"}, map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"list", "select", "new", "close"},
					"description": "Operation to perform.",
				},
				"index": prop("integer", "Tab index for select, and optionally close."),
				"url":   prop("string", "URL to open with the new action."),
			}),
			build: func(args map[string]any) (dispatch.Command, map[string]any, error) {
				action, _ := args["action"].(string)
				switch action {
				case "list":
					return dispatch.CmdTabsList, map[string]any{}, nil
				case "select":
					if _, ok := args["index"]; !ok {
						return "", nil, fmt.Errorf("index is required for select")
					}
					return dispatch.CmdTabsSelect, pick(args, "index"), nil
				case "new":
					return dispatch.CmdTabsNew, pick(args, "url"), nil
				case "close":
					return dispatch.CmdTabsClose, pick(args, "index"), nil
				}
				return "", nil, fmt.Errorf("unknown tab action %q", action)
			},
		},
		&commandTool{
			name:        "browser_snapshot",
			description: "Capture an outline of the current page. Element refs in the outline can be passed to the interaction tools.",
			schema:      object(nil, map[string]any{}),
			build:       fixed(dispatch.CmdSnapshot),
			render:      renderSnapshot,
		},
		&commandTool{
			name:        "browser_click",
			description: "Click an element on the page.",
			schema:      object(nil, withElement(nil)),
			build:       fixed(dispatch.CmdClick, "ref", "selector"),
		},
		&commandTool{
			name:        "browser_hover",
			description: "Hover over an element on the page.",
			schema:      object(nil, withElement(nil)),
			build:       fixed(dispatch.CmdHover, "ref", "selector"),
		},
		&commandTool{
			name:        "browser_type",
			description: "Type text into an editable element.",
			schema: object([]string{"text"}, withElement(map[string]any{
				"text":   prop("string", "Text to type into the element."),
				"submit": prop("boolean", "Whether to submit entered text (press Enter after)."),
			})),
			build: fixed(dispatch.CmdType, "ref", "selector", "text", "submit"),
		},
		&commandTool{
			name:        "browser_select_option",
			description: "Select one or more options in a dropdown.",
			schema: object([]string{"values"}, withElement(map[string]any{
				"values": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Option values to select.",
				},
			})),
			build: fixed(dispatch.CmdSelect, "ref", "selector", "values"),
		},
		&commandTool{
			name:        "browser_screenshot",
			description: "Take a screenshot of the current page.",
			schema:      object(nil, map[string]any{}),
			build:       fixed(dispatch.CmdBrowserScreenshot),
			render:      renderScreenshot,
		},
		&commandTool{
			name:        "browser_execute_js",
			description: "Run JavaScript in the current page and return the result. Statement bodies may use return. Set unsafe for scripts that need full page privileges; the agent must allow it.",
			schema: object([]string{"code"}, map[string]any{
				"code":   prop("string", "JavaScript expression or function body."),
				"unsafe": prop("boolean", "Request unrestricted execution."),
			}),
			build: func(args map[string]any) (dispatch.Command, map[string]any, error) {
				code, _ := args["code"].(string)
				if strings.TrimSpace(code) == "" {
					return "", nil, fmt.Errorf("code is required")
				}
				return dispatch.CmdJSExecute, pick(args, "code", "unsafe"), nil
			},
		},
	}
}

func renderSnapshot(data map[string]any) ToolResult {
	var b strings.Builder
	if url, ok := data["url"].(string); ok {
		fmt.Fprintf(&b, "- Page URL: %s\n", url)
	}
	if title, ok := data["title"].(string); ok {
		fmt.Fprintf(&b, "- Page Title: %s\n", title)
	}
	if tab, ok := data["tabId"].(string); ok {
		fmt.Fprintf(&b, "- Tab: %s\n", tab)
	}
	if outline, ok := data["outline"].(string); ok && outline != "" {
		b.WriteString("- Page Snapshot:\n")
		b.WriteString(outline)
	}
	return TextResult(strings.TrimRight(b.String(), "\n"))
}

func renderScreenshot(data map[string]any) ToolResult {
	dataURL, _ := data["dataUrl"].(string)
	mime, _ := data["mimeType"].(string)
	if mime == "" {
		mime = "image/png"
	}
	_, b64, found := strings.Cut(dataURL, ",")
	if !found {
		return jsonResult(data)
	}
	return ToolResult{Content: []Content{{Type: "image", Data: b64, MimeType: mime}}}
}
