// Package archive persists completed messages to a lode dataset.
//
// Records are JSONL, Hive-partitioned by app_id / day / task_type, on a
// local filesystem or S3. Each Write is one lode snapshot; Buffered batches
// several messages into one. The archive is a
// downstream sink: its failures never affect reassembly.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "splice"

// Writer is the archive boundary used by the server.
type Writer interface {
	// Write archives one completed message.
	Write(ctx context.Context, msg *reassembly.Message) error
	// WriteMetrics archives a metrics snapshot taken at the given time.
	WriteMetrics(ctx context.Context, s metrics.Snapshot, at time.Time) error
	// Close releases archive resources.
	Close() error
}

// Config configures an Archive.
type Config struct {
	// Dataset is the lode dataset id (default "splice").
	Dataset string
	// IncludePayload stores the reassembled bytes (base64) with each record.
	IncludePayload bool
}

// Archive is a lode-backed Writer.
type Archive struct {
	ds  lode.Dataset
	cfg Config
}

// New creates an Archive over a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func New(cfg Config, factory lode.StoreFactory) (*Archive, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, wrap("init", cfg.Dataset, err)
	}
	return &Archive{ds: ds, cfg: cfg}, nil
}

// NewFS creates an Archive with filesystem storage rooted at root.
func NewFS(cfg Config, root string) (*Archive, error) {
	if root == "" {
		return nil, errors.New("archive: filesystem root is required")
	}
	return New(cfg, lode.NewFSFactory(root))
}

func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Write archives msg as one record.
func (a *Archive) Write(ctx context.Context, msg *reassembly.Message) error {
	if msg == nil {
		return errors.New("archive: nil message")
	}
	record := toMessageRecordMap(msg, a.cfg.IncludePayload)
	if _, err := a.ds.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return wrap("write", a.cfg.Dataset+"/"+msg.Key.String(), err)
	}
	return nil
}

// WriteBatch archives msgs as one snapshot.
func (a *Archive) WriteBatch(ctx context.Context, msgs []*reassembly.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			return errors.New("archive: nil message")
		}
		records = append(records, toMessageRecordMap(msg, a.cfg.IncludePayload))
	}
	if _, err := a.ds.Write(ctx, records, lode.Metadata{}); err != nil {
		return wrap("write", fmt.Sprintf("%s/batch(%d)", a.cfg.Dataset, len(msgs)), err)
	}
	return nil
}

// WriteMetrics archives a metrics snapshot.
func (a *Archive) WriteMetrics(ctx context.Context, s metrics.Snapshot, at time.Time) error {
	record := toMetricsRecordMap(s, at)
	if _, err := a.ds.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return wrap("write", a.cfg.Dataset+"/metrics", err)
	}
	return nil
}

// Close releases archive resources.
func (a *Archive) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	AppID    string
	TaskType string
	Day      string
}

// List returns archived message records, oldest first.
func (a *Archive) List(ctx context.Context, f Filter) ([]MessageRecord, error) {
	snapshots, err := a.ds.Snapshots(ctx)
	if err != nil {
		return nil, wrap("read", a.cfg.Dataset+"/snapshots", err)
	}

	var out []MessageRecord
	for _, snap := range snapshots {
		if !snapshotMatches(snap, "app_id", f.AppID) ||
			!snapshotMatches(snap, "task_type", f.TaskType) ||
			!snapshotMatches(snap, "day", f.Day) {
			continue
		}

		data, err := a.ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap("read", fmt.Sprintf("%s/snapshot/%s", a.cfg.Dataset, snap.ID), err)
		}
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok || m["record_kind"] != RecordKindMessage {
				continue
			}
			r := messageFromMap(m)
			if (f.AppID != "" && r.AppID != f.AppID) ||
				(f.TaskType != "" && r.TaskType != f.TaskType) ||
				(f.Day != "" && r.Day != f.Day) {
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// LatestMetrics returns the most recent archived metrics record.
// Returns ErrNoMetrics if none exist.
func (a *Archive) LatestMetrics(ctx context.Context) (map[string]any, error) {
	snapshots, err := a.ds.Snapshots(ctx)
	if err != nil {
		return nil, wrap("read", a.cfg.Dataset+"/snapshots", err)
	}

	// Snapshots are ordered by creation time; walk newest first.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotMatches(snap, "task_type", metricsTaskType) {
			continue
		}
		data, err := a.ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap("read", fmt.Sprintf("%s/snapshot/%s", a.cfg.Dataset, snap.ID), err)
		}
		for _, item := range data {
			if m, ok := item.(map[string]any); ok && m["record_kind"] == RecordKindMetrics {
				return m, nil
			}
		}
	}
	return nil, ErrNoMetrics
}

// snapshotMatches reports whether any file in snap lies in the key=value
// partition. An empty value matches every snapshot.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks a Hive path for an exact key=value segment,
// so task_id=t-1 never matches task_id=t-10.
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

var _ Writer = (*Archive)(nil)
