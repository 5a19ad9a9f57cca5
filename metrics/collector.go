// Package metrics provides process-wide reassembly metrics.
//
// The Collector accumulates counters for the life of a server. It is a leaf
// package with no internal dependencies; frame error kinds and task types
// are recorded as plain strings.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Connections
	ConnectionsOpened int64 `json:"connections_opened"`
	ConnectionsClosed int64 `json:"connections_closed"`

	// Frames
	FramesReceived int64            `json:"frames_received"`
	FrameErrors    int64            `json:"frame_errors"`
	FrameErrorsBy  map[string]int64 `json:"frame_errors_by_kind"`

	// Messages
	MessagesStarted   int64            `json:"messages_started"`
	MessagesCompleted int64            `json:"messages_completed"`
	MessagesFailed    int64            `json:"messages_failed"`
	CompletedByType   map[string]int64 `json:"completed_by_task_type"`
	BytesAssembled    int64            `json:"bytes_assembled"`
	LengthMismatches  int64            `json:"length_mismatches"`
	TaskDecodeErrors  int64            `json:"task_decode_errors"`
	IdleEvictions     int64            `json:"idle_evictions"`
	DisconnectEvicted int64            `json:"disconnect_evictions"`

	// Downstream
	DispatchSuccess     int64 `json:"dispatch_success"`
	DispatchFailure     int64 `json:"dispatch_failure"`
	ArchiveWriteSuccess int64 `json:"archive_write_success"`
	ArchiveWriteFailure int64 `json:"archive_write_failure"`

	// Dimensions (informational, set at construction)
	Instance   string    `json:"instance"`
	Dispatcher string    `json:"dispatcher"`
	Archive    string    `json:"archive"`
	StartedAt  time.Time `json:"started_at"`
}

// Collector accumulates metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	connectionsOpened int64
	connectionsClosed int64

	framesReceived int64
	frameErrors    int64
	frameErrorsBy  map[string]int64

	messagesStarted   int64
	messagesCompleted int64
	messagesFailed    int64
	completedByType   map[string]int64
	bytesAssembled    int64
	lengthMismatches  int64
	taskDecodeErrors  int64
	idleEvictions     int64
	disconnectEvicted int64

	dispatchSuccess     int64
	dispatchFailure     int64
	archiveWriteSuccess int64
	archiveWriteFailure int64

	instance   string
	dispatcher string
	archive    string
	startedAt  time.Time
}

// NewCollector creates a Collector with dimension labels.
// dispatcher and archive name the configured downstream backends
// ("none" when disabled).
func NewCollector(instance, dispatcher, archive string) *Collector {
	return &Collector{
		frameErrorsBy:   make(map[string]int64),
		completedByType: make(map[string]int64),
		instance:        instance,
		dispatcher:      dispatcher,
		archive:         archive,
		startedAt:       time.Now(),
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Connections ---

// IncConnectionOpened records an accepted connection.
func (c *Collector) IncConnectionOpened() {
	if c == nil {
		return
	}
	c.add(&c.connectionsOpened, 1)
}

// IncConnectionClosed records a closed connection.
func (c *Collector) IncConnectionClosed() {
	if c == nil {
		return
	}
	c.add(&c.connectionsClosed, 1)
}

// --- Frames ---

// IncFrameReceived records a raw frame handed to the coordinator.
func (c *Collector) IncFrameReceived() {
	if c == nil {
		return
	}
	c.add(&c.framesReceived, 1)
}

// IncFrameError records a frame rejected by the codec.
func (c *Collector) IncFrameError(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.frameErrors++
	c.frameErrorsBy[kind]++
	c.mu.Unlock()
}

// --- Messages ---

// IncMessageStarted records a new accumulator entry.
func (c *Collector) IncMessageStarted() {
	if c == nil {
		return
	}
	c.add(&c.messagesStarted, 1)
}

// IncMessageCompleted records a completed message and its assembled size.
// taskType is empty for messages without business data.
func (c *Collector) IncMessageCompleted(taskType string, bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesCompleted++
	c.bytesAssembled += int64(bytes)
	if taskType == "" {
		taskType = "none"
	}
	c.completedByType[taskType]++
	c.mu.Unlock()
}

// IncMessageFailed records a message dropped by an append failure
// (size cap exceeded).
func (c *Collector) IncMessageFailed() {
	if c == nil {
		return
	}
	c.add(&c.messagesFailed, 1)
}

// IncLengthMismatch records a completed message whose length disagreed
// with its declared stream length.
func (c *Collector) IncLengthMismatch() {
	if c == nil {
		return
	}
	c.add(&c.lengthMismatches, 1)
}

// IncTaskDecodeError records a completed message whose task payload
// failed to decode.
func (c *Collector) IncTaskDecodeError() {
	if c == nil {
		return
	}
	c.add(&c.taskDecodeErrors, 1)
}

// AddIdleEvictions records entries removed by the idle sweeper.
func (c *Collector) AddIdleEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.add(&c.idleEvictions, int64(n))
}

// AddDisconnectEvictions records entries removed when their connection closed.
func (c *Collector) AddDisconnectEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.add(&c.disconnectEvicted, int64(n))
}

// --- Downstream ---
// Counters are per-message, after the adapter's own retries.

// IncDispatchSuccess records a delivered task event.
func (c *Collector) IncDispatchSuccess() {
	if c == nil {
		return
	}
	c.add(&c.dispatchSuccess, 1)
}

// IncDispatchFailure records a task event the dispatcher gave up on.
func (c *Collector) IncDispatchFailure() {
	if c == nil {
		return
	}
	c.add(&c.dispatchFailure, 1)
}

// IncArchiveWriteSuccess records a successful archive write.
func (c *Collector) IncArchiveWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteSuccess, 1)
}

// IncArchiveWriteFailure records a failed archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		ConnectionsOpened: c.connectionsOpened,
		ConnectionsClosed: c.connectionsClosed,

		FramesReceived: c.framesReceived,
		FrameErrors:    c.frameErrors,
		FrameErrorsBy:  copyCounts(c.frameErrorsBy),

		MessagesStarted:   c.messagesStarted,
		MessagesCompleted: c.messagesCompleted,
		MessagesFailed:    c.messagesFailed,
		CompletedByType:   copyCounts(c.completedByType),
		BytesAssembled:    c.bytesAssembled,
		LengthMismatches:  c.lengthMismatches,
		TaskDecodeErrors:  c.taskDecodeErrors,
		IdleEvictions:     c.idleEvictions,
		DisconnectEvicted: c.disconnectEvicted,

		DispatchSuccess:     c.dispatchSuccess,
		DispatchFailure:     c.dispatchFailure,
		ArchiveWriteSuccess: c.archiveWriteSuccess,
		ArchiveWriteFailure: c.archiveWriteFailure,

		Instance:   c.instance,
		Dispatcher: c.dispatcher,
		Archive:    c.archive,
		StartedAt:  c.startedAt,
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
