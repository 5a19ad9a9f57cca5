package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pithecene-io/splice/log"
	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
)

// BatchWriter is a Writer that can archive several messages in one snapshot.
type BatchWriter interface {
	Writer
	WriteBatch(ctx context.Context, msgs []*reassembly.Message) error
}

// BufferedConfig configures a Buffered writer.
type BufferedConfig struct {
	// MaxRecords flushes once this many messages are buffered. Required.
	MaxRecords int
	// MaxBytes flushes once buffered payloads reach this size.
	// Zero means no byte limit.
	MaxBytes int64
	// FlushInterval flushes a non-empty buffer periodically.
	// Zero disables timed flushes.
	FlushInterval time.Duration
	// Logger is optional.
	Logger *log.Logger
}

// ErrInvalidBufferConfig is returned when MaxRecords is not positive.
var ErrInvalidBufferConfig = errors.New("archive: buffered writer requires MaxRecords > 0")

// closeFlushTimeout bounds the final flush on Close.
const closeFlushTimeout = 10 * time.Second

// BufferStats is a point-in-time view of a Buffered writer.
type BufferStats struct {
	Buffered int   `json:"buffered"`
	Flushes  int64 `json:"flushes"`
	Flushed  int64 `json:"flushed"`
	Dropped  int64 `json:"dropped"`
	Errors   int64 `json:"errors"`
}

// Buffered batches message writes into fewer, larger snapshots.
//
// A failed flush keeps its messages for the next attempt, so a message may
// be archived twice but is not lost while the buffer has room. Once the
// buffer holds four times MaxRecords the oldest messages are dropped.
// Metrics snapshots are written through after a flush.
type Buffered struct {
	inner  BatchWriter
	cfg    BufferedConfig
	logger *log.Logger

	flushMu sync.Mutex // serializes flushes

	mu    sync.Mutex // guards buffer state only
	buf   []*reassembly.Message
	bytes int64
	stats BufferStats

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewBuffered wraps inner. With a positive FlushInterval a background
// flusher runs until Close.
func NewBuffered(inner BatchWriter, cfg BufferedConfig) (*Buffered, error) {
	if cfg.MaxRecords <= 0 {
		return nil, ErrInvalidBufferConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	b := &Buffered{
		inner:  inner,
		cfg:    cfg,
		logger: logger,
		buf:    make([]*reassembly.Message, 0, cfg.MaxRecords),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.FlushInterval > 0 {
		go b.run()
	} else {
		close(b.done)
	}
	return b, nil
}

func (b *Buffered) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
			_ = b.Flush(ctx)
			cancel()
		}
	}
}

// Write buffers msg and flushes when a limit is reached. The returned
// error is the flush error, if any; msg itself stays buffered.
func (b *Buffered) Write(ctx context.Context, msg *reassembly.Message) error {
	if msg == nil {
		return errors.New("archive: nil message")
	}

	b.mu.Lock()
	b.buf = append(b.buf, msg)
	b.bytes += int64(len(msg.Payload))
	full := len(b.buf) >= b.cfg.MaxRecords ||
		(b.cfg.MaxBytes > 0 && b.bytes >= b.cfg.MaxBytes)
	b.mu.Unlock()

	if !full {
		return nil
	}
	return b.Flush(ctx)
}

// Flush writes every buffered message as one batch.
func (b *Buffered) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buf
	if len(batch) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.buf = make([]*reassembly.Message, 0, b.cfg.MaxRecords)
	b.bytes = 0
	b.stats.Flushes++
	b.mu.Unlock()

	err := b.inner.WriteBatch(ctx, batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.stats.Flushed += int64(len(batch))
		return nil
	}

	b.stats.Errors++
	b.requeueLocked(batch)
	b.logger.Warn("archive flush failed", map[string]any{
		"records":  len(batch),
		"buffered": len(b.buf),
		"error":    err.Error(),
	})
	return err
}

// requeueLocked puts a failed batch back in front of anything written
// since, dropping the oldest messages beyond the hold limit.
func (b *Buffered) requeueLocked(batch []*reassembly.Message) {
	merged := make([]*reassembly.Message, 0, len(batch)+len(b.buf))
	merged = append(merged, batch...)
	merged = append(merged, b.buf...)

	if limit := 4 * b.cfg.MaxRecords; len(merged) > limit {
		dropped := len(merged) - limit
		b.stats.Dropped += int64(dropped)
		b.logger.Error("archive buffer overflow, dropping oldest records", map[string]any{
			"dropped": dropped,
		})
		merged = merged[dropped:]
	}

	b.buf = merged
	b.bytes = 0
	for _, m := range merged {
		b.bytes += int64(len(m.Payload))
	}
}

// WriteMetrics flushes buffered messages, then writes the snapshot.
func (b *Buffered) WriteMetrics(ctx context.Context, s metrics.Snapshot, at time.Time) error {
	flushErr := b.Flush(ctx)
	return errors.Join(flushErr, b.inner.WriteMetrics(ctx, s, at))
}

// Stats returns a snapshot of buffer statistics.
func (b *Buffered) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Buffered = len(b.buf)
	return s
}

// Close stops the flusher, flushes what remains and closes inner.
func (b *Buffered) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done

		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		err = errors.Join(b.Flush(ctx), b.inner.Close())
	})
	return err
}

var _ Writer = (*Buffered)(nil)
