// Package assembly holds the per-message reassembly buffer.
//
// A Buffer is not safe for concurrent use; store.Entry serializes access.
package assembly

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/splice/types"
)

// DefaultMaxMessageBytes caps a reassembled message (256 MiB).
const DefaultMaxMessageBytes = 256 * 1024 * 1024

var (
	// ErrDrained is returned when a drained buffer is touched again.
	ErrDrained = errors.New("assembly: buffer drained")

	// ErrMessageTooLarge is returned when an append would exceed the size cap.
	ErrMessageTooLarge = errors.New("assembly: message too large")
)

// LengthMismatchError reports a completed message whose accumulated length
// disagrees with the declared stream length.
type LengthMismatchError struct {
	Key      types.Key
	Declared uint32
	Actual   int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("message %s: length mismatch (declared=%d, accumulated=%d)",
		e.Key, e.Declared, e.Actual)
}

// Buffer accumulates the fragments of one logical message.
type Buffer struct {
	data     types.RequestData
	maxBytes int
	chunks   int
	drained  bool
}

// NewBuffer creates an empty buffer. A non-positive maxBytes uses
// DefaultMaxMessageBytes.
func NewBuffer(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Buffer{maxBytes: maxBytes}
}

// Append records one frame.
//
// Header and metadata are replaced by the frame's values. Business data is
// replaced only when the frame carries one. The fragment is appended in
// arrival order; chunk indexes are not reordered or deduplicated.
//
// Returns error if:
//   - the buffer was drained
//   - the accumulated size would exceed the size cap
func (b *Buffer) Append(env *types.Envelope, fragment []byte) error {
	if b.drained {
		return ErrDrained
	}

	newTotal := len(b.data.Stream) + len(fragment)
	if newTotal > b.maxBytes {
		return fmt.Errorf("%w: %s size %d exceeds max %d",
			ErrMessageTooLarge, env.Key(), newTotal, b.maxBytes)
	}

	b.data.Header = env.Header
	b.data.Metadata = env.Metadata
	if env.BusinessData != nil {
		bd := *env.BusinessData
		b.data.BusinessData = &bd
	}
	b.data.Stream = append(b.data.Stream, fragment...)
	b.chunks++
	return nil
}

// IsComplete reports whether the most recent frame carried the final chunk.
func (b *Buffer) IsComplete() bool {
	return b.chunks > 0 && b.data.Metadata.IsLast()
}

// CheckLength compares the accumulated length with the declared stream length.
func (b *Buffer) CheckLength() error {
	if len(b.data.Stream) == int(b.data.Metadata.StreamLength) {
		return nil
	}
	return &LengthMismatchError{
		Key:      types.Key{AppID: b.data.Header.AppID, TaskID: b.data.Header.MsgID},
		Declared: b.data.Metadata.StreamLength,
		Actual:   len(b.data.Stream),
	}
}

// TakeStream returns the accumulated bytes and drains the buffer.
// A drained buffer rejects every further Append and TakeStream.
func (b *Buffer) TakeStream() ([]byte, error) {
	if b.drained {
		return nil, ErrDrained
	}
	stream := b.data.Stream
	b.data.Stream = nil
	b.drained = true
	return stream, nil
}

// Drain discards the accumulated bytes without returning them.
func (b *Buffer) Drain() {
	b.data.Stream = nil
	b.drained = true
}

// Drained reports whether the buffer has been drained.
func (b *Buffer) Drained() bool { return b.drained }

// Header returns the latest header.
func (b *Buffer) Header() types.Header { return b.data.Header }

// Metadata returns the latest metadata.
func (b *Buffer) Metadata() types.Metadata { return b.data.Metadata }

// BusinessData returns a copy of the retained business data, or nil.
func (b *Buffer) BusinessData() *types.BusinessData {
	if b.data.BusinessData == nil {
		return nil
	}
	bd := *b.data.BusinessData
	return &bd
}

// Len returns the number of bytes accumulated.
func (b *Buffer) Len() int { return len(b.data.Stream) }

// Chunks returns the number of frames appended.
func (b *Buffer) Chunks() int { return b.chunks }
