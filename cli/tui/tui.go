package tui

import "github.com/charmbracelet/bubbles/key"

// View types with a TUI.
const (
	ViewStats   = "stats"
	ViewArchive = "archive_list"
)

// IsTUISupported returns true if the view type supports TUI mode.
// Only read-only views have one.
func IsTUISupported(viewType string) bool {
	switch viewType {
	case ViewStats, ViewArchive:
		return true
	}
	return false
}

// SupportedTUIViews returns a list of view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewStats, ViewArchive}
}

// keyMap defines key bindings shared by every view.
type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}
