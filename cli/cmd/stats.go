package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/splice/cli/render"
	"github.com/pithecene-io/splice/cli/tui"
	"github.com/pithecene-io/splice/iox"
	"github.com/pithecene-io/splice/server"
)

// DefaultStatsURL is the base URL of a local splice server.
const DefaultStatsURL = "http://localhost:8080"

// StatsCommand returns the stats command. It reads GET /stats from a
// running server.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show live reassembly statistics from a running server",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Server base URL", Value: DefaultStatsURL, EnvVars: []string{"SPLICE_STATS_URL"}},
			&cli.BoolFlag{Name: "entries", Usage: "List in-flight messages instead of the summary (table format)"},
			&cli.DurationFlag{Name: "interval", Usage: "TUI refresh interval", Value: 2 * time.Second},
			&cli.DurationFlag{Name: "timeout", Usage: "Request timeout", Value: 5 * time.Second},
		}, ReadOnlyFlags()...),
		Action: statsAction,
	}
}

// StatsSummary is the flattened table form of server.StatsResponse.
type StatsSummary struct {
	Instance          string        `json:"instance"`
	Version           string        `json:"version"`
	Uptime            time.Duration `json:"uptime"`
	InFlight          int           `json:"in_flight"`
	Apps              int           `json:"apps"`
	IdleTTL           time.Duration `json:"idle_ttl"`
	Connections       int64         `json:"connections"`
	FramesReceived    int64         `json:"frames_received"`
	FrameErrors       int64         `json:"frame_errors"`
	MessagesCompleted int64         `json:"messages_completed"`
	MessagesFailed    int64         `json:"messages_failed"`
	LengthMismatches  int64         `json:"length_mismatches"`
	IdleEvictions     int64         `json:"idle_evictions"`
	DisconnectEvicted int64         `json:"disconnect_evicted"`
	Dispatch          string        `json:"dispatch"`
	Archive           string        `json:"archive"`
}

// EntryRow is one in-flight message in table form.
type EntryRow struct {
	App   string        `json:"app"`
	Task  string        `json:"task"`
	Chunk string        `json:"chunk"`
	Bytes int           `json:"bytes"`
	Idle  time.Duration `json:"idle"`
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	base := c.String("url")
	timeout := c.Duration("timeout")
	fetch := func(ctx context.Context) (*server.StatsResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fetchStats(ctx, http.DefaultClient, base)
	}

	stats, err := fetch(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		if !isStdoutTTY() {
			// Piped output gets one static frame instead of a live program.
			_, err := fmt.Fprintln(c.App.Writer, tui.RenderStatsStatic(stats))
			return err
		}
		return tui.RunStatsTUI(stats, fetch, c.Duration("interval"))
	}

	if r.Format() != render.FormatTable {
		return r.Render(stats)
	}
	if c.Bool("entries") {
		return r.Render(entryRows(stats))
	}
	return r.Render(summarize(stats))
}

// fetchStats reads and decodes GET {base}/stats.
func fetchStats(ctx context.Context, hc *http.Client, base string) (*server.StatsResponse, error) {
	url := strings.TrimRight(base, "/") + "/stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stats request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch stats: %s returned %s", url, resp.Status)
	}
	var stats server.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func summarize(s *server.StatsResponse) StatsSummary {
	m := s.Metrics
	return StatsSummary{
		Instance:          m.Instance,
		Version:           s.Version,
		Uptime:            time.Duration(s.UptimeSeconds) * time.Second,
		InFlight:          s.InFlight,
		Apps:              s.Apps,
		IdleTTL:           s.IdleTTL,
		Connections:       m.ConnectionsOpened - m.ConnectionsClosed,
		FramesReceived:    m.FramesReceived,
		FrameErrors:       m.FrameErrors,
		MessagesCompleted: m.MessagesCompleted,
		MessagesFailed:    m.MessagesFailed,
		LengthMismatches:  m.LengthMismatches,
		IdleEvictions:     m.IdleEvictions,
		DisconnectEvicted: m.DisconnectEvicted,
		Dispatch:          fmt.Sprintf("%s: %d ok / %d failed", m.Dispatcher, m.DispatchSuccess, m.DispatchFailure),
		Archive:           fmt.Sprintf("%s: %d ok / %d failed", m.Archive, m.ArchiveWriteSuccess, m.ArchiveWriteFailure),
	}
}

func entryRows(s *server.StatsResponse) []EntryRow {
	rows := make([]EntryRow, 0, len(s.Entries))
	for _, e := range s.Entries {
		rows = append(rows, EntryRow{
			App:   e.Key.AppID,
			Task:  e.Key.TaskID,
			Chunk: fmt.Sprintf("%d/%d", e.ChunkIndex, e.ChunkTotal),
			Bytes: e.Bytes,
			Idle:  e.Idle,
		})
	}
	return rows
}
