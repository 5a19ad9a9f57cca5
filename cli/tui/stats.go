package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/splice/server"
)

// Fetcher loads a fresh stats payload.
type Fetcher func(ctx context.Context) (*server.StatsResponse, error)

type statsMsg struct {
	stats *server.StatsResponse
	err   error
}

type tickMsg time.Time

// StatsModel is a live dashboard over GET /stats.
type StatsModel struct {
	fetch    Fetcher
	interval time.Duration

	stats    *server.StatsResponse
	err      error
	entries  table.Model
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a stats model showing initial. With a non-nil
// fetch and a positive interval the model refreshes itself.
func NewStatsModel(initial *server.StatsResponse, fetch Fetcher, interval time.Duration) StatsModel {
	m := StatsModel{
		fetch:    fetch,
		interval: interval,
		entries: table.New(
			table.WithColumns(entryColumns()),
			table.WithHeight(10),
			table.WithFocused(true),
		),
	}
	m.setStats(initial)
	return m
}

func entryColumns() []table.Column {
	return []table.Column{
		{Title: "App", Width: 14},
		{Title: "Task", Width: 24},
		{Title: "Chunk", Width: 10},
		{Title: "Bytes", Width: 10},
		{Title: "Idle", Width: 10},
	}
}

func (m *StatsModel) setStats(s *server.StatsResponse) {
	m.stats = s
	if s == nil {
		m.entries.SetRows(nil)
		return
	}
	rows := make([]table.Row, 0, len(s.Entries))
	for _, e := range s.Entries {
		rows = append(rows, table.Row{
			e.Key.AppID,
			e.Key.TaskID,
			fmt.Sprintf("%d/%d", e.ChunkIndex, e.ChunkTotal),
			fmt.Sprintf("%d", e.Bytes),
			e.Idle.Round(time.Second).String(),
		})
	}
	m.entries.SetRows(rows)
}

func (m StatsModel) tick() tea.Cmd {
	if m.fetch == nil || m.interval <= 0 {
		return nil
	}
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m StatsModel) load() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := fetch(ctx)
		return statsMsg{stats: s, err: err}
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.load()
		}

	case tickMsg:
		return m, m.load()

	case statsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.setStats(msg.stats)
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.entries, cmd = m.entries.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Splice Reassembly"))
	b.WriteString("\n")

	if m.stats == nil {
		b.WriteString("No data")
	} else {
		b.WriteString(m.renderSummary())
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(failStyle.Render("refresh failed: " + m.err.Error()))
	}

	help := "Press q or Ctrl+C to quit"
	if m.fetch != nil {
		help = "r refresh • q quit"
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func (m StatsModel) renderSummary() string {
	s := m.stats
	mt := s.Metrics

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n\n",
		labelStyle.Render("Instance:"), valueStyle.Render(mt.Instance),
		labelStyle.Render("Version:"), valueStyle.Render(s.Version),
		labelStyle.Render("Uptime:"), valueStyle.Render((time.Duration(s.UptimeSeconds)*time.Second).String())))

	evictions := mt.IdleEvictions + mt.DisconnectEvicted
	boxes := []string{
		card("In Flight", int64(s.InFlight), accentColor),
		card("Completed", mt.MessagesCompleted, okColor),
		card("Failed", mt.MessagesFailed, countColor(mt.MessagesFailed)),
		card("Frame Errors", mt.FrameErrors, countColor(mt.FrameErrors)),
		card("Evicted", evictions, countColor(evictions)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n")

	if line := byTypeLine(mt.CompletedByType); line != "" {
		b.WriteString(labelStyle.Render("By task type:"))
		b.WriteString(" ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("%s %s ok / %s failed\n",
		labelStyle.Render("Dispatch:"),
		valueStyle.Render(fmt.Sprintf("%d", mt.DispatchSuccess)),
		countStyle(mt.DispatchFailure).Render(fmt.Sprintf("%d", mt.DispatchFailure))))

	if len(s.Entries) == 0 {
		b.WriteString("\n")
		b.WriteString(okStyle.Render("No messages in flight"))
	} else {
		var oldest time.Duration
		for _, e := range s.Entries {
			oldest = max(oldest, e.Idle)
		}
		b.WriteString(fmt.Sprintf("%s %s (ttl %s)\n",
			labelStyle.Render("Oldest idle:"),
			idleStyle(oldest, s.IdleTTL).Render(oldest.Round(time.Second).String()),
			s.IdleTTL))
		b.WriteString(panelStyle.Render(m.entries.View()))
	}
	return b.String()
}

func byTypeLine(counts map[string]int64) string {
	if len(counts) == 0 {
		return ""
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	return valueStyle.Render(strings.Join(parts, "  "))
}

// RunStatsTUI runs the stats dashboard until the user quits.
func RunStatsTUI(initial *server.StatsResponse, fetch Fetcher, interval time.Duration) error {
	model := NewStatsModel(initial, fetch, interval)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats without the interactive program.
func RenderStatsStatic(stats *server.StatsResponse) string {
	model := NewStatsModel(stats, nil, 0)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
