package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorSurface      = lipgloss.Color("#161616")
	ColorSurfaceLight = lipgloss.Color("#1a1a1a")
	ColorBorder       = lipgloss.Color("#2a2a2a")

	// Accent (teal)
	ColorAccent    = lipgloss.Color("#14b8a6")
	ColorAccentDim = lipgloss.Color("#0f766e")

	ColorSuccess = lipgloss.Color("#30d158")
	ColorWarning = lipgloss.Color("#ffd60a")
	ColorError   = lipgloss.Color("#ff453a")
	ColorInfo    = lipgloss.Color("#64d2ff")

	ColorTextPrimary   = lipgloss.Color("#ffffff")
	ColorTextSecondary = lipgloss.Color("#d0d0d0")
	ColorTextMuted     = lipgloss.Color("#808080")
)

// Theme contains all styled components
type Theme struct {
	Panel lipgloss.Style

	HeaderContainer lipgloss.Style
	Logo            lipgloss.Style
	LogoDot         lipgloss.Style

	FooterContainer lipgloss.Style

	Title         lipgloss.Style
	Label         lipgloss.Style
	Value         lipgloss.Style
	ValueMuted    lipgloss.Style
	StatusSuccess lipgloss.Style
	StatusError   lipgloss.Style
	StatusWarning lipgloss.Style

	// Activity log styles
	ActivityTime    lipgloss.Style
	ActivityCommand lipgloss.Style
	ActivityTab     lipgloss.Style
	ActivityLatency lipgloss.Style

	BadgeWarning lipgloss.Style

	Divider lipgloss.Style
	Help    lipgloss.Style
	HelpKey lipgloss.Style
	Spinner lipgloss.Style
}

// NewTheme creates the tabrelay styles
func NewTheme() *Theme {
	t := &Theme{}

	t.Panel = lipgloss.NewStyle().
		Padding(0, 2).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	t.HeaderContainer = lipgloss.NewStyle().
		Background(ColorSurface).
		Padding(0, 2).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ColorBorder)

	t.Logo = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorTextPrimary)

	t.LogoDot = lipgloss.NewStyle().
		Foreground(ColorAccent).
		Bold(true)

	t.FooterContainer = lipgloss.NewStyle().
		Background(ColorSurface).
		Padding(0, 2).
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(ColorBorder)

	t.Title = lipgloss.NewStyle().
		Foreground(ColorTextPrimary).
		Bold(true)

	t.Label = lipgloss.NewStyle().
		Foreground(ColorTextSecondary).
		Width(12)

	t.Value = lipgloss.NewStyle().
		Foreground(ColorTextPrimary)

	t.ValueMuted = lipgloss.NewStyle().
		Foreground(ColorTextMuted)

	t.StatusSuccess = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	t.StatusError = lipgloss.NewStyle().
		Foreground(ColorError)

	t.StatusWarning = lipgloss.NewStyle().
		Foreground(ColorWarning)

	t.ActivityTime = lipgloss.NewStyle().
		Foreground(ColorTextMuted).
		Width(8)

	t.ActivityCommand = lipgloss.NewStyle().
		Foreground(ColorInfo).
		Bold(true).
		Width(18)

	t.ActivityTab = lipgloss.NewStyle().
		Foreground(ColorTextSecondary).
		Width(10)

	t.ActivityLatency = lipgloss.NewStyle().
		Foreground(ColorTextMuted).
		Align(lipgloss.Right).
		Width(8)

	t.BadgeWarning = lipgloss.NewStyle().
		Background(ColorWarning).
		Foreground(lipgloss.Color("#000000")).
		Padding(0, 1).
		Bold(true)

	t.Divider = lipgloss.NewStyle().
		Foreground(ColorBorder)

	t.Help = lipgloss.NewStyle().
		Foreground(ColorTextMuted)

	t.HelpKey = lipgloss.NewStyle().
		Foreground(ColorAccent).
		Bold(true)

	t.Spinner = lipgloss.NewStyle().
		Foreground(ColorAccent)

	return t
}

// DefaultTheme is the global theme instance
var DefaultTheme = NewTheme()

// RenderKeyHelp renders a key binding hint
func RenderKeyHelp(key, label string) string {
	return DefaultTheme.HelpKey.Render(key) + " " + DefaultTheme.Help.Render(label)
}

// HorizontalLine creates a horizontal divider
func HorizontalLine(width int) string {
	if width < 0 {
		width = 0
	}
	return DefaultTheme.Divider.Render(strings.Repeat("─", width))
}
