// Package tui provides Bubble Tea views for the splice CLI.
//
// TUI mode is opt-in (--tui) and read-only. Views render the same payloads
// as the json/table/yaml output; there is no TUI-exclusive data.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentColor = lipgloss.Color("#0EA5E9")
	okColor     = lipgloss.Color("#22C55E")
	warnColor   = lipgloss.Color("#EAB308")
	failColor   = lipgloss.Color("#F43F5E")
	mutedColor  = lipgloss.Color("#64748B")
	textColor   = lipgloss.Color("#E2E8F0")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor).MarginBottom(1)
	labelStyle = lipgloss.NewStyle().Foreground(mutedColor).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(textColor)
	helpStyle  = lipgloss.NewStyle().Foreground(mutedColor).MarginTop(1)

	okStyle   = lipgloss.NewStyle().Foreground(okColor)
	warnStyle = lipgloss.NewStyle().Foreground(warnColor)
	failStyle = lipgloss.NewStyle().Foreground(failColor)

	// panelStyle frames the entry and record lists.
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	// cardStyle is one counter on the stats dashboard.
	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2).
			Width(20).
			Align(lipgloss.Center)
)

// countColor is green for a zero failure counter and red otherwise.
func countColor(n int64) lipgloss.Color {
	if n == 0 {
		return okColor
	}
	return failColor
}

func countStyle(n int64) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(countColor(n))
}

// idleStyle colors an in-flight entry by how close it is to eviction.
func idleStyle(idle, ttl time.Duration) lipgloss.Style {
	switch {
	case ttl <= 0 || idle < ttl/2:
		return valueStyle
	case idle < ttl:
		return warnStyle
	default:
		return failStyle
	}
}

// card renders a counter with its label, bordered in color.
func card(label string, value int64, color lipgloss.Color) string {
	v := lipgloss.NewStyle().Bold(true).Foreground(color).Render(fmt.Sprintf("%d", value))
	l := lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	return cardStyle.BorderForeground(color).Render(lipgloss.JoinVertical(lipgloss.Center, v, l))
}
