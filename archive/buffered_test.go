package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
)

// batchRecorder records batches and can be told to fail.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*reassembly.Message
	metrics int
	fail    error
	closed  bool
}

func (r *batchRecorder) Write(ctx context.Context, msg *reassembly.Message) error {
	return r.WriteBatch(ctx, []*reassembly.Message{msg})
}

func (r *batchRecorder) WriteBatch(_ context.Context, msgs []*reassembly.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, append([]*reassembly.Message(nil), msgs...))
	return nil
}

func (r *batchRecorder) WriteMetrics(context.Context, metrics.Snapshot, time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics++
	return nil
}

func (r *batchRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *batchRecorder) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *batchRecorder) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestNewBuffered_RequiresMaxRecords(t *testing.T) {
	if _, err := NewBuffered(&batchRecorder{}, BufferedConfig{}); !errors.Is(err, ErrInvalidBufferConfig) {
		t.Errorf("NewBuffered error = %v, want ErrInvalidBufferConfig", err)
	}
}

func TestBuffered_FlushesAtMaxRecords(t *testing.T) {
	rec := &batchRecorder{}
	b, err := NewBuffered(rec, BufferedConfig{MaxRecords: 3})
	if err != nil {
		t.Fatal(err)
	}
	ctx := t.Context()

	for i := range 7 {
		if err := b.Write(ctx, testMessage("app1", fmt.Sprintf("t%d", i), "")); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	if got := rec.batchSizes(); len(got) != 2 || got[0] != 3 || got[1] != 3 {
		t.Errorf("batches = %v, want [3 3]", got)
	}
	if s := b.Stats(); s.Buffered != 1 || s.Flushed != 6 {
		t.Errorf("stats = %+v, want 1 buffered, 6 flushed", s)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := rec.batchSizes(); len(got) != 3 || got[2] != 1 {
		t.Errorf("batches after close = %v, want final batch of 1", got)
	}
	if !rec.closed {
		t.Error("inner writer not closed")
	}
}

func TestBuffered_FlushesAtMaxBytes(t *testing.T) {
	rec := &batchRecorder{}
	b, err := NewBuffered(rec, BufferedConfig{MaxRecords: 100, MaxBytes: 8})
	if err != nil {
		t.Fatal(err)
	}

	// testMessage payloads are 5 bytes.
	_ = b.Write(t.Context(), testMessage("a", "t1", ""))
	if len(rec.batchSizes()) != 0 {
		t.Fatal("flushed before the byte limit")
	}
	_ = b.Write(t.Context(), testMessage("a", "t2", ""))
	if got := rec.batchSizes(); len(got) != 1 || got[0] != 2 {
		t.Errorf("batches = %v, want [2]", got)
	}
}

func TestBuffered_FailedFlushKeepsRecords(t *testing.T) {
	rec := &batchRecorder{}
	b, err := NewBuffered(rec, BufferedConfig{MaxRecords: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := t.Context()

	rec.setFail(errors.New("bucket unavailable"))
	_ = b.Write(ctx, testMessage("a", "t1", ""))
	if err := b.Write(ctx, testMessage("a", "t2", "")); err == nil {
		t.Fatal("expected flush error")
	}
	if s := b.Stats(); s.Buffered != 2 || s.Errors != 1 {
		t.Errorf("stats = %+v, want 2 buffered, 1 error", s)
	}

	rec.setFail(nil)
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	rec.mu.Lock()
	first := rec.batches[0]
	rec.mu.Unlock()
	if len(first) != 2 || first[0].Key.TaskID != "t1" || first[1].Key.TaskID != "t2" {
		t.Errorf("retried batch out of order: %v", first)
	}
}

func TestBuffered_OverflowDropsOldest(t *testing.T) {
	rec := &batchRecorder{fail: errors.New("down")}
	b, err := NewBuffered(rec, BufferedConfig{MaxRecords: 1})
	if err != nil {
		t.Fatal(err)
	}

	for i := range 6 {
		_ = b.Write(t.Context(), testMessage("a", fmt.Sprintf("t%d", i), ""))
	}

	s := b.Stats()
	if s.Buffered != 4 || s.Dropped != 2 {
		t.Errorf("stats = %+v, want 4 buffered, 2 dropped", s)
	}

	rec.setFail(nil)
	if err := b.Flush(t.Context()); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.batches[0][0].Key.TaskID; got != "t2" {
		t.Errorf("oldest kept = %q, want t2", got)
	}
}

func TestBuffered_WriteMetricsFlushesFirst(t *testing.T) {
	rec := &batchRecorder{}
	b, err := NewBuffered(rec, BufferedConfig{MaxRecords: 10})
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Write(t.Context(), testMessage("a", "t1", ""))

	if err := b.WriteMetrics(t.Context(), metrics.Snapshot{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := rec.batchSizes(); len(got) != 1 {
		t.Errorf("batches = %v, want one flush before metrics", got)
	}
	if rec.metrics != 1 {
		t.Errorf("metrics writes = %d, want 1", rec.metrics)
	}
}

func TestBuffered_IntervalFlush(t *testing.T) {
	rec := &batchRecorder{}
	b, err := NewBuffered(rec, BufferedConfig{MaxRecords: 100, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Close() }()

	_ = b.Write(t.Context(), testMessage("a", "t1", ""))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.batchSizes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed flush never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuffered_OverArchive(t *testing.T) {
	a := newMemoryArchive(t, Config{})
	c := metrics.NewCollector("n", "none", "memory")
	b, err := NewBuffered(NewInstrumented(a, c), BufferedConfig{MaxRecords: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := t.Context()

	_ = b.Write(ctx, testMessage("app1", "t1", "Function"))
	_ = b.Write(ctx, testMessage("app2", "t2", "Script"))
	_ = b.Write(ctx, testMessage("app1", "t3", ""))
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := a.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	app1, err := a.List(ctx, Filter{AppID: "app1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(app1) != 2 {
		t.Errorf("app1 records = %d, want 2", len(app1))
	}
	if s := c.Snapshot(); s.ArchiveWriteSuccess != 3 {
		t.Errorf("archive successes = %d, want 3", s.ArchiveWriteSuccess)
	}
}
