package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/splice/archive"
)

var detailKey = key.NewBinding(
	key.WithKeys("enter"),
	key.WithHelp("enter", "details"),
)

// ArchiveModel browses archived message records.
type ArchiveModel struct {
	records  []archive.MessageRecord
	list     table.Model
	detail   bool
	quitting bool
}

// NewArchiveModel creates an archive browser over records.
func NewArchiveModel(records []archive.MessageRecord) ArchiveModel {
	rows := make([]table.Row, 0, len(records))
	for _, r := range records {
		mismatch := ""
		if r.LengthMismatch {
			mismatch = "!"
		}
		rows = append(rows, table.Row{
			r.AppID,
			r.TaskID,
			r.TaskType,
			fmt.Sprintf("%d%s", r.Bytes, mismatch),
			fmt.Sprintf("%d", r.Chunks),
			r.CompletedAt,
		})
	}

	return ArchiveModel{
		records: records,
		list: table.New(
			table.WithColumns([]table.Column{
				{Title: "App", Width: 14},
				{Title: "Task", Width: 24},
				{Title: "Type", Width: 14},
				{Title: "Bytes", Width: 10},
				{Title: "Chunks", Width: 7},
				{Title: "Completed", Width: 30},
			}),
			table.WithRows(rows),
			table.WithHeight(15),
			table.WithFocused(true),
		),
	}
}

// Init implements tea.Model.
func (m ArchiveModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m ArchiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, detailKey):
			m.detail = !m.detail
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m ArchiveModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Archived Messages (%d)", len(m.records))))
	b.WriteString("\n")

	if len(m.records) == 0 {
		b.WriteString("(no results)")
	} else {
		b.WriteString(panelStyle.Render(m.list.View()))
		if m.detail {
			b.WriteString("\n")
			b.WriteString(m.renderDetail())
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ move • enter details • q quit"))
	return b.String()
}

func (m ArchiveModel) renderDetail() string {
	i := m.list.Cursor()
	if i < 0 || i >= len(m.records) {
		return ""
	}
	r := m.records[i]

	fields := []struct{ label, value string }{
		{"App:", r.AppID},
		{"Task:", r.TaskID},
		{"Session:", r.SessionID},
		{"Connection:", r.ConnID},
		{"Task Type:", r.TaskType},
		{"Params:", r.TaskParams},
		{"Name:", r.Name},
		{"Stream Type:", r.StreamType},
		{"Declared:", fmt.Sprintf("%d bytes", r.StreamLength)},
		{"Assembled:", fmt.Sprintf("%d bytes in %d chunks", r.Bytes, r.Chunks)},
		{"Completed:", r.CompletedAt},
	}

	lines := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render(f.label), valueStyle.Render(f.value)))
	}
	if r.LengthMismatch {
		lines = append(lines, warnStyle.Render("declared and assembled lengths differ"))
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// RunArchiveTUI runs the archive browser until the user quits.
func RunArchiveTUI(records []archive.MessageRecord) error {
	p := tea.NewProgram(NewArchiveModel(records), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
