// Package reassembly turns raw frames into completed messages.
//
// The Coordinator is the only writer of the keyed store: it decodes a frame,
// finds or creates the entry for (app_id, task_id), appends under the entry
// lock, and on the final chunk removes the entry and decodes the task
// payload. It performs no I/O.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/splice/assembly"
	"github.com/pithecene-io/splice/log"
	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/store"
	"github.com/pithecene-io/splice/task"
	"github.com/pithecene-io/splice/types"
	"github.com/pithecene-io/splice/wire"
)

// maxAttempts bounds lookups for one frame. A second attempt is needed only
// when the entry was drained between GetOrCreate and its lock.
const maxAttempts = 2

// Message is a completed logical message.
type Message struct {
	Key          types.Key
	ConnID       string
	Header       types.Header
	Metadata     types.Metadata
	BusinessData *types.BusinessData
	// Task is nil when the message carried no business data.
	Task    task.Payload
	Payload []byte
	Chunks  int
	// LengthMismatch is set under LengthReport when the accumulated length
	// disagrees with Metadata.StreamLength.
	LengthMismatch *assembly.LengthMismatchError
	CompletedAt    time.Time
}

// MessageError reports a failure that ended a message. The entry has
// already been removed from the store when it is returned.
type MessageError struct {
	Key types.Key
	Err error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s: %v", e.Key, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// Coordinator routes frames into the keyed store.
// It is safe for concurrent use by any number of connections.
type Coordinator struct {
	store   *store.Store
	metrics *metrics.Collector
	logger  *log.Logger
	opts    Options
}

// New creates a Coordinator over s. m and logger may be nil.
func New(s *store.Store, m *metrics.Collector, logger *log.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		store:   s,
		metrics: m,
		logger:  logger,
		opts:    opts,
	}
}

// Store returns the underlying store.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// HandleFrame processes one raw frame received on connID.
//
// It returns (nil, nil) for a non-final chunk and the completed Message for
// a final chunk. Frame errors (*wire.FrameError) leave the store untouched.
// Errors that end a message are *MessageError.
func (c *Coordinator) HandleFrame(ctx context.Context, connID string, raw []byte) (*Message, error) {
	return c.handle(ctx, connID, raw, nil)
}

// outcome carries what the entry-locked section observed.
type outcome struct {
	complete bool
	header   types.Header
	meta     types.Metadata
	business *types.BusinessData
	chunks   int
	stream   []byte
	mismatch *assembly.LengthMismatchError
}

func (c *Coordinator) handle(ctx context.Context, connID string, raw []byte, sess *Session) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.metrics.IncFrameReceived()

	frame, err := wire.Decode(raw)
	if err != nil {
		c.recordFrameError(connID, err)
		return nil, err
	}

	env := &frame.Envelope
	key := env.Key()
	if !key.Valid() {
		err := &wire.FrameError{Kind: wire.FrameErrorDecode, Msg: "header requires app_id and msg_id"}
		c.recordFrameError(connID, err)
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		entry, created := c.store.GetOrCreate(key)
		if created {
			c.metrics.IncMessageStarted()
		}

		var out outcome
		err := entry.UpdateBy(connID, func(b *assembly.Buffer) error {
			return c.apply(b, env, frame.Payload, &out)
		})

		switch {
		case errors.Is(err, assembly.ErrDrained):
			// Completed or swept between lookup and lock. The drained entry
			// may still be mapped if its remover has not run yet.
			c.store.RemoveEntry(key, entry)
			if attempt < maxAttempts {
				continue
			}
			return nil, &MessageError{Key: key, Err: err}

		case errors.Is(err, assembly.ErrMessageTooLarge):
			c.store.RemoveEntry(key, entry)
			sess.untrack(key, entry)
			c.metrics.IncMessageFailed()
			c.logger.Warn("message dropped", map[string]any{
				"conn_id": connID,
				"app_id":  key.AppID,
				"task_id": key.TaskID,
				"error":   err.Error(),
			})
			return nil, &MessageError{Key: key, Err: err}

		case err != nil:
			return nil, &MessageError{Key: key, Err: err}
		}

		if !out.complete {
			sess.track(key, entry)
			return nil, nil
		}

		c.store.RemoveEntry(key, entry)
		sess.untrack(key, entry)
		return c.finish(connID, key, &out)
	}
}

// apply runs under the entry lock.
func (c *Coordinator) apply(b *assembly.Buffer, env *types.Envelope, fragment []byte, out *outcome) error {
	if err := b.Append(env, fragment); err != nil {
		if errors.Is(err, assembly.ErrMessageTooLarge) {
			b.Drain()
		}
		return err
	}
	if !b.IsComplete() {
		return nil
	}

	out.complete = true
	out.header = b.Header()
	out.meta = b.Metadata()
	out.business = b.BusinessData()
	out.chunks = b.Chunks()
	if c.opts.LengthPolicy != LengthOff {
		var mismatch *assembly.LengthMismatchError
		if errors.As(b.CheckLength(), &mismatch) {
			out.mismatch = mismatch
		}
	}

	stream, err := b.TakeStream()
	if err != nil {
		return err
	}
	out.stream = stream
	return nil
}

func (c *Coordinator) finish(connID string, key types.Key, out *outcome) (*Message, error) {
	fields := map[string]any{
		"conn_id": connID,
		"app_id":  key.AppID,
		"task_id": key.TaskID,
		"bytes":   len(out.stream),
		"chunks":  out.chunks,
	}

	if out.mismatch != nil {
		c.metrics.IncLengthMismatch()
		fields["declared"] = out.mismatch.Declared
		if c.opts.LengthPolicy == LengthReject {
			c.metrics.IncMessageFailed()
			c.logger.Warn("message rejected: length mismatch", fields)
			return nil, &MessageError{Key: key, Err: out.mismatch}
		}
		c.logger.Warn("length mismatch", fields)
	}

	payload, err := task.FromBusinessData(out.business)
	if err != nil {
		c.metrics.IncTaskDecodeError()
		c.metrics.IncMessageFailed()
		fields["error"] = err.Error()
		c.logger.Warn("task payload decode failed", fields)
		return nil, &MessageError{Key: key, Err: err}
	}

	var taskType string
	if out.business != nil {
		taskType = string(out.business.TaskType)
	}
	c.metrics.IncMessageCompleted(taskType, len(out.stream))
	c.logger.Debug("message assembled", fields)

	return &Message{
		Key:            key,
		ConnID:         connID,
		Header:         out.header,
		Metadata:       out.meta,
		BusinessData:   out.business,
		Task:           payload,
		Payload:        out.stream,
		Chunks:         out.chunks,
		LengthMismatch: out.mismatch,
		CompletedAt:    time.Now(),
	}, nil
}

func (c *Coordinator) recordFrameError(connID string, err error) {
	var fe *wire.FrameError
	kind := "unknown"
	if errors.As(err, &fe) {
		kind = fe.Kind.String()
	}
	c.metrics.IncFrameError(kind)
	c.logger.Debug("frame rejected", map[string]any{
		"conn_id": connID,
		"kind":    kind,
		"error":   err.Error(),
	})
}
