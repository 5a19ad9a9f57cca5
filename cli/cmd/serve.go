package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/splice/archive"
	"github.com/pithecene-io/splice/cli/config"
	"github.com/pithecene-io/splice/dispatch"
	"github.com/pithecene-io/splice/dispatch/redis"
	"github.com/pithecene-io/splice/dispatch/webhook"
	"github.com/pithecene-io/splice/iox"
	"github.com/pithecene-io/splice/log"
	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
	"github.com/pithecene-io/splice/server"
	"github.com/pithecene-io/splice/store"
)

// ServeCommand returns the serve command, the only long-running command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept chunked messages over websocket and reassemble them",
		Flags: append([]cli.Flag{
			ConfigFlag,
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default :8080)"},
			&cli.StringFlag{Name: "instance-id", Usage: "Instance id for logs and metrics (default: generated)"},
			&cli.Float64Flag{Name: "frame-rate", Usage: "Max frames per second per connection (0 = unlimited)"},
			&cli.IntFlag{Name: "frame-burst", Usage: "Frame rate burst (default: the rate)"},
			&cli.StringFlag{Name: "length-policy", Usage: "Declared length check: report, off, reject"},
			&cli.BoolFlag{Name: "evict-on-disconnect", Usage: "Drop a connection's unfinished messages when it closes"},
			&cli.DurationFlag{Name: "idle-ttl", Usage: "Evict messages idle this long (negative disables)"},
			&cli.DurationFlag{Name: "sweep-interval", Usage: "Idle sweep interval"},
			&cli.IntFlag{Name: "max-message-bytes", Usage: "Cap on one reassembled message (0 = unlimited)"},
			&cli.StringFlag{Name: "dispatch", Usage: "Dispatcher: none, redis, webhook"},
			&cli.StringFlag{Name: "dispatch-url", Usage: "Redis URL or webhook endpoint"},
			&cli.StringFlag{Name: "dispatch-channel", Usage: "Redis channel (default splice:task_assembled)"},
			&cli.StringFlag{Name: "dispatch-encoding", Usage: "Event encoding: json, msgpack"},
			&cli.BoolFlag{Name: "include-payload", Usage: "Attach reassembled bytes to dispatched events"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"},
		}, append(archiveFlags(), archiveBufferFlags()...)...),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServeConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = "splice-" + uuid.NewString()[:8]
	}
	logger := log.New(instanceID, os.Stderr, level)
	defer iox.DiscardErr(logger.Sync)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher, dispatcherName, err := buildDispatcher(cfg.Dispatch)
	if err != nil {
		return cli.Exit(fmt.Sprintf("dispatcher: %v", err), 2)
	}
	writer, archiveName, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		_ = dispatcher.Close()
		return cli.Exit(fmt.Sprintf("archive: %v", err), 2)
	}

	collector := metrics.NewCollector(instanceID, dispatcherName, archiveName)
	if writer != nil {
		writer, err = wrapArchive(writer, collector, cfg.Archive, logger)
		if err != nil {
			_ = dispatcher.Close()
			return cli.Exit(fmt.Sprintf("archive: %v", err), 2)
		}
	}

	var storeOpts []store.Option
	if cfg.Reassembly.MaxMessageBytes > 0 {
		storeOpts = append(storeOpts, store.WithMaxMessageBytes(cfg.Reassembly.MaxMessageBytes))
	}
	policy, _ := reassembly.ParseLengthPolicy(cfg.Reassembly.LengthPolicy)
	coord := reassembly.New(store.New(storeOpts...), collector, logger, reassembly.Options{
		LengthPolicy:      policy,
		EvictOnDisconnect: cfg.Reassembly.EvictOnDisconnect,
	})

	srv := server.New(server.Config{
		IdleTTL:         cfg.Reassembly.IdleTTL.Duration,
		SweepInterval:   cfg.Reassembly.SweepInterval.Duration,
		WriteWait:       cfg.Server.WriteWait.Duration,
		PongWait:        cfg.Server.PongWait.Duration,
		DispatchTimeout: cfg.Dispatch.Delivery.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		IncludePayload:  cfg.Dispatch.IncludePayload,
		FrameRate:       cfg.Server.FrameRate,
		FrameBurst:      cfg.Server.FrameBurst,
	}, server.Deps{
		Coordinator: coord,
		Metrics:     collector,
		Logger:      logger,
		Dispatcher:  dispatcher,
		Archive:     writer,
	})

	logger.Info("starting", map[string]any{
		"addr":          cfg.Server.Addr,
		"length_policy": policy.String(),
		"dispatcher":    dispatcherName,
		"archive":       archiveName,
	})
	if cfg.Reassembly.IdleTTL.Duration <= 0 && !cfg.Reassembly.EvictOnDisconnect {
		logger.Sugar().Warnf("idle eviction disabled and evict_on_disconnect is off: abandoned messages stay in memory until restart")
	}
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		logger.Error("server stopped", map[string]any{"error": err.Error()})
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// loadServeConfig layers defaults, the config file, SPLICE_* variables and
// flags, in that order, then validates the result.
func loadServeConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("instance-id") {
		cfg.Server.InstanceID = c.String("instance-id")
	}
	if c.IsSet("frame-rate") {
		cfg.Server.FrameRate = c.Float64("frame-rate")
	}
	if c.IsSet("frame-burst") {
		cfg.Server.FrameBurst = c.Int("frame-burst")
	}
	if c.IsSet("length-policy") {
		cfg.Reassembly.LengthPolicy = c.String("length-policy")
	}
	if c.IsSet("evict-on-disconnect") {
		cfg.Reassembly.EvictOnDisconnect = c.Bool("evict-on-disconnect")
	}
	if c.IsSet("idle-ttl") {
		cfg.Reassembly.IdleTTL.Duration = c.Duration("idle-ttl")
	}
	if c.IsSet("sweep-interval") {
		cfg.Reassembly.SweepInterval.Duration = c.Duration("sweep-interval")
	}
	if c.IsSet("max-message-bytes") {
		cfg.Reassembly.MaxMessageBytes = c.Int("max-message-bytes")
	}
	if c.IsSet("dispatch") {
		cfg.Dispatch.Type = c.String("dispatch")
	}
	if c.IsSet("dispatch-url") {
		cfg.Dispatch.URL = c.String("dispatch-url")
	}
	if c.IsSet("dispatch-channel") {
		cfg.Dispatch.Channel = c.String("dispatch-channel")
	}
	if c.IsSet("dispatch-encoding") {
		cfg.Dispatch.Encoding = c.String("dispatch-encoding")
	}
	if c.IsSet("include-payload") {
		cfg.Dispatch.IncludePayload = c.Bool("include-payload")
	}
	applyArchiveFlags(c, &cfg.Archive)
	if c.IsSet("archive-buffer") {
		cfg.Archive.BufferRecords = c.Int("archive-buffer")
	}
	if c.IsSet("archive-flush-interval") {
		cfg.Archive.FlushInterval.Duration = c.Duration("archive-flush-interval")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// archiveFlags are shared by serve and the archive commands.
func archiveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "archive", Usage: "Archive backend: fs, s3 (default disabled)"},
		&cli.StringFlag{Name: "archive-path", Usage: "Archive directory (fs) or bucket/prefix (s3)"},
		&cli.StringFlag{Name: "archive-dataset", Usage: "Archive dataset id"},
		&cli.StringFlag{Name: "archive-region", Usage: "S3 region"},
		&cli.StringFlag{Name: "archive-endpoint", Usage: "S3-compatible endpoint"},
		&cli.BoolFlag{Name: "archive-s3-path-style", Usage: "Force S3 path-style addressing"},
	}
}

// archiveBufferFlags only apply to serve.
func archiveBufferFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "archive-buffer", Usage: "Messages per archive snapshot (0 = one per message)"},
		&cli.DurationFlag{Name: "archive-flush-interval", Usage: "Flush a partial archive batch this often"},
	}
}

func applyArchiveFlags(c *cli.Context, a *config.ArchiveConfig) {
	if c.IsSet("archive") {
		a.Backend = c.String("archive")
	}
	if c.IsSet("archive-path") {
		a.Path = c.String("archive-path")
	}
	if c.IsSet("archive-dataset") {
		a.Dataset = c.String("archive-dataset")
	}
	if c.IsSet("archive-region") {
		a.Region = c.String("archive-region")
	}
	if c.IsSet("archive-endpoint") {
		a.Endpoint = c.String("archive-endpoint")
	}
	if c.IsSet("archive-s3-path-style") {
		a.S3PathStyle = c.Bool("archive-s3-path-style")
	}
}

// buildDispatcher returns the configured dispatcher and its name for the
// metrics dimension.
func buildDispatcher(cfg config.DispatchConfig) (dispatch.Dispatcher, string, error) {
	encoding := dispatch.EncodingJSON
	if cfg.Encoding != "" {
		enc, err := dispatch.ParseEncoding(cfg.Encoding)
		if err != nil {
			return nil, "", err
		}
		encoding = enc
	}

	switch cfg.Type {
	case "", "none":
		return dispatch.Nop{}, "none", nil

	case "redis":
		retries := redis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		d, err := redis.New(redis.Config{
			URL:      cfg.URL,
			Channel:  cfg.Channel,
			Encoding: encoding,
			Timeout:  cfg.Timeout.Duration,
			Retries:  retries,
			Backoff:  cfg.Backoff.Duration,
		})
		if err != nil {
			return nil, "", err
		}
		return d, "redis", nil

	case "webhook":
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		d, err := webhook.New(webhook.Config{
			URL:      cfg.URL,
			Headers:  cfg.Headers,
			Encoding: encoding,
			Timeout:  cfg.Timeout.Duration,
			Retries:  retries,
			Backoff:  cfg.Backoff.Duration,
		})
		if err != nil {
			return nil, "", err
		}
		return d, "webhook", nil

	default:
		return nil, "", fmt.Errorf("unknown dispatcher %q", cfg.Type)
	}
}

// wrapArchive counts writes on the collector and, when configured, batches
// them through a Buffered writer.
func wrapArchive(w archive.Writer, c *metrics.Collector, cfg config.ArchiveConfig, logger *log.Logger) (archive.Writer, error) {
	inst := archive.NewInstrumented(w, c)
	if cfg.BufferRecords <= 0 {
		return inst, nil
	}
	b, err := archive.NewBuffered(inst, archive.BufferedConfig{
		MaxRecords:    cfg.BufferRecords,
		FlushInterval: cfg.FlushInterval.Duration,
		Logger:        logger.With(map[string]any{"component": "archive"}),
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// buildArchive returns nil when archiving is disabled.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Writer, string, error) {
	a, err := openArchive(ctx, cfg)
	if err != nil || a == nil {
		return nil, "none", err
	}
	return a, cfg.Backend, nil
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archive, error) {
	acfg := archive.Config{Dataset: cfg.Dataset, IncludePayload: cfg.IncludePayload}
	switch cfg.Backend {
	case "":
		return nil, nil
	case "fs":
		return archive.NewFS(acfg, cfg.Path)
	case "s3":
		bucket, prefix := archive.ParseS3Path(cfg.Path)
		return archive.NewS3(ctx, acfg, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
