package archive

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
)

// Instrumented wraps a Writer and counts message writes on a Collector.
// Metrics snapshots are not counted.
type Instrumented struct {
	inner     Writer
	collector *metrics.Collector
}

// NewInstrumented wraps w with metrics instrumentation.
func NewInstrumented(w Writer, c *metrics.Collector) *Instrumented {
	return &Instrumented{inner: w, collector: c}
}

// Write delegates and records success or failure.
func (i *Instrumented) Write(ctx context.Context, msg *reassembly.Message) error {
	err := i.inner.Write(ctx, msg)
	if err != nil {
		i.collector.IncArchiveWriteFailure()
	} else {
		i.collector.IncArchiveWriteSuccess()
	}
	return err
}

// WriteBatch delegates as one batch when the inner writer supports it and
// message by message otherwise. Every message in a failed batch counts as
// a failure.
func (i *Instrumented) WriteBatch(ctx context.Context, msgs []*reassembly.Message) error {
	bw, ok := i.inner.(BatchWriter)
	if !ok {
		var errs []error
		for _, msg := range msgs {
			errs = append(errs, i.Write(ctx, msg))
		}
		return errors.Join(errs...)
	}

	err := bw.WriteBatch(ctx, msgs)
	for range msgs {
		if err != nil {
			i.collector.IncArchiveWriteFailure()
		} else {
			i.collector.IncArchiveWriteSuccess()
		}
	}
	return err
}

// WriteMetrics delegates to the inner writer.
func (i *Instrumented) WriteMetrics(ctx context.Context, s metrics.Snapshot, at time.Time) error {
	return i.inner.WriteMetrics(ctx, s, at)
}

// Close delegates to the inner writer.
func (i *Instrumented) Close() error {
	return i.inner.Close()
}

var _ BatchWriter = (*Instrumented)(nil)
