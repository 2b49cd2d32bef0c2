package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/claraverse/tabrelay/internal/envelope"
)

// Command is the closed set of operations an endpoint understands.
type Command string

const (
	CmdNavigate          Command = "browser_navigate"
	CmdGoBack            Command = "browser_go_back"
	CmdGoForward         Command = "browser_go_forward"
	CmdRefresh           Command = "browser_refresh"
	CmdWait              Command = "browser_wait"
	CmdBrowserTabsList   Command = "browser_tabs_list"
	CmdActivateTab       Command = "browser_activate_tab"
	CmdTabsList          Command = "tabs.list"
	CmdTabsSelect        Command = "tabs.select"
	CmdTabsNew           Command = "tabs.new"
	CmdTabsClose         Command = "tabs.close"
	CmdJSExecute         Command = "js.execute"
	CmdSnapshot          Command = "snapshot.accessibility"
	CmdClick             Command = "dom.click"
	CmdHover             Command = "dom.hover"
	CmdType              Command = "dom.type"
	CmdSelect            Command = "dom.select"
	CmdScreenshot        Command = "screenshot.capture"
	CmdBrowserScreenshot Command = "browser_screenshot"
)

var allCommands = []Command{
	CmdNavigate, CmdGoBack, CmdGoForward, CmdRefresh, CmdWait,
	CmdBrowserTabsList, CmdActivateTab,
	CmdTabsList, CmdTabsSelect, CmdTabsNew, CmdTabsClose,
	CmdJSExecute, CmdSnapshot,
	CmdClick, CmdHover, CmdType, CmdSelect,
	CmdScreenshot, CmdBrowserScreenshot,
}

// Commands returns every known command.
func Commands() []Command {
	return append([]Command(nil), allCommands...)
}

// ParseCommand maps a wire name onto a Command.
func ParseCommand(name string) (Command, bool) {
	for _, c := range allCommands {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// UnhandledError is returned for names outside the command set.
type UnhandledError struct {
	Name string
}

func (e *UnhandledError) Error() string {
	return "Unhandled message type: " + e.Name
}

// Input is what a handler receives: the request payload with the resolved
// tab and the session merged in.
type Input struct {
	Command   Command
	SessionID string
	TabID     envelope.TabID
	Args      map[string]any
}

// String returns a string argument or "".
func (in Input) String(key string) string {
	switch v := in.Args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns an integer argument, accepting JSON numbers and numeric strings.
func (in Input) Int(key string, fallback int) (int, bool) {
	switch v := in.Args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return fallback, false
}

// Bool returns a boolean argument.
func (in Input) Bool(key string) bool {
	switch v := in.Args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Outcome is a handler result. Focus and Forget are applied to the affinity
// tracker by the dispatcher; handlers never touch it directly.
type Outcome struct {
	Data   map[string]any
	Focus  envelope.TabID
	Forget []envelope.TabID
}

// Handler runs one command.
type Handler func(ctx context.Context, in Input) (Outcome, error)

// Table is the total command → handler mapping, fixed at startup.
type Table struct {
	handlers map[Command]Handler
}

// NewTable checks that every command has a handler.
func NewTable(handlers map[Command]Handler) (*Table, error) {
	var missing []string
	for _, c := range allCommands {
		if handlers[c] == nil {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no handler for commands: %s", strings.Join(missing, ", "))
	}
	for c := range handlers {
		if _, ok := ParseCommand(string(c)); !ok {
			return nil, fmt.Errorf("handler registered for unknown command %q", c)
		}
	}
	t := &Table{handlers: make(map[Command]Handler, len(handlers))}
	for c, h := range handlers {
		t.handlers[c] = h
	}
	return t, nil
}

// Lookup resolves a wire name to its handler.
func (t *Table) Lookup(name string) (Command, Handler, error) {
	c, ok := ParseCommand(name)
	if !ok {
		return "", nil, &UnhandledError{Name: name}
	}
	return c, t.handlers[c], nil
}

// Names lists the registered command names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for c := range t.handlers {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
