package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/splice/archive"
	"github.com/pithecene-io/splice/cli/config"
	"github.com/pithecene-io/splice/cli/render"
	"github.com/pithecene-io/splice/cli/tui"
	"github.com/pithecene-io/splice/iox"
)

// listWarningThreshold is the number of records above which we suggest --limit.
const listWarningThreshold = 100

const viewArchiveMetrics = "archive_metrics"

// ArchiveCommand returns the archive command with subcommands.
// Archive commands read the lode dataset directly and never contact a server.
func ArchiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Read archived messages and metrics",
		Subcommands: []*cli.Command{
			archiveListCommand(),
			archiveMetricsCommand(),
		},
	}
}

func archiveReadFlags() []cli.Flag {
	flags := append([]cli.Flag{ConfigFlag}, archiveFlags()...)
	return append(flags, ReadOnlyFlags()...)
}

func archiveListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List archived messages",
		Flags: append(archiveReadFlags(),
			&cli.StringFlag{Name: "app", Usage: "Filter by application id"},
			&cli.StringFlag{Name: "task-type", Usage: "Filter by task type (none for plain messages)"},
			&cli.StringFlag{Name: "day", Usage: "Filter by completion day, YYYY-MM-DD (UTC)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of records to return (0 = no limit)"},
		),
		Action: archiveListAction,
	}
}

func archiveListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	a, err := openArchiveForRead(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer iox.DiscardClose(a)

	records, err := a.List(c.Context, archive.Filter{
		AppID:    c.String("app"),
		TaskType: c.String("task-type"),
		Day:      c.String("day"),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	limit := c.Int("limit")
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	if c.Bool("tui") {
		return tui.RunArchiveTUI(records)
	}

	// Warn on large output without --limit (TTY only to avoid noise in pipelines)
	if len(records) > listWarningThreshold && limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d records. Consider using --limit to reduce output.\n\n", len(records))
	}
	return r.Render(records)
}

func archiveMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:   "metrics",
		Usage:  "Show the most recent archived metrics snapshot",
		Flags:  archiveReadFlags(),
		Action: archiveMetricsAction,
	}
}

func archiveMetricsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") && !tui.IsTUISupported(viewArchiveMetrics) {
		return cli.Exit(fmt.Sprintf("--tui is not supported for archive metrics (supported views: %s)",
			strings.Join(tui.SupportedTUIViews(), ", ")), 1)
	}

	a, err := openArchiveForRead(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer iox.DiscardClose(a)

	snap, err := a.LatestMetrics(c.Context)
	if errors.Is(err, archive.ErrNoMetrics) {
		return cli.Exit("no archived metrics found", 1)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(snap)
}

// openArchiveForRead resolves the archive settings from the config file,
// SPLICE_* variables and flags. A missing backend is an error here.
func openArchiveForRead(c *cli.Context) (*archive.Archive, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyArchiveFlags(c, &cfg.Archive)
	if cfg.Archive.Backend == "" {
		return nil, errors.New("no archive configured (set --archive or archive.backend)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := openArchive(c.Context, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return a, nil
}
