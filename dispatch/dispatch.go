// Package dispatch defines the downstream boundary for completed messages.
//
// A Dispatcher publishes one TaskEvent per reassembled message. Delivery
// failures are the dispatcher's concern; they never feed back into
// reassembly state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/splice/reassembly"
	"github.com/pithecene-io/splice/types"
)

// EventTypeTaskAssembled is the event_type of every TaskEvent.
const EventTypeTaskAssembled = "task_assembled"

// TaskEvent is the payload published when a message completes.
type TaskEvent struct {
	ContractVersion string `json:"contract_version" msgpack:"contract_version"`
	EventType       string `json:"event_type" msgpack:"event_type"` // always "task_assembled"
	AppID           string `json:"app_id" msgpack:"app_id"`
	TaskID          string `json:"task_id" msgpack:"task_id"`
	SessionID       string `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	ConnID          string `json:"conn_id,omitempty" msgpack:"conn_id,omitempty"`
	TaskType        string `json:"task_type,omitempty" msgpack:"task_type,omitempty"`
	TaskParams      string `json:"task_params,omitempty" msgpack:"task_params,omitempty"`
	Name            string `json:"name,omitempty" msgpack:"name,omitempty"`
	StreamType      string `json:"stream_type,omitempty" msgpack:"stream_type,omitempty"`
	StreamLength    uint32 `json:"stream_length" msgpack:"stream_length"` // declared
	Bytes           int    `json:"bytes" msgpack:"bytes"`                 // accumulated
	Chunks          int    `json:"chunks" msgpack:"chunks"`
	LengthMismatch  bool   `json:"length_mismatch,omitempty" msgpack:"length_mismatch,omitempty"`
	Payload         []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timestamp       string `json:"timestamp" msgpack:"timestamp"` // RFC 3339
}

// NewTaskEvent builds the event for msg. The raw payload is attached only
// when includePayload is set.
func NewTaskEvent(msg *reassembly.Message, includePayload bool) *TaskEvent {
	ev := &TaskEvent{
		ContractVersion: types.ContractVersion,
		EventType:       EventTypeTaskAssembled,
		AppID:           msg.Key.AppID,
		TaskID:          msg.Key.TaskID,
		SessionID:       msg.Header.SessionID,
		ConnID:          msg.ConnID,
		Name:            msg.Metadata.Name,
		StreamType:      msg.Metadata.StreamType,
		StreamLength:    msg.Metadata.StreamLength,
		Bytes:           len(msg.Payload),
		Chunks:          msg.Chunks,
		LengthMismatch:  msg.LengthMismatch != nil,
		Timestamp:       msg.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.BusinessData != nil {
		ev.TaskType = string(msg.BusinessData.TaskType)
		ev.TaskParams = msg.BusinessData.TaskParams
	}
	if includePayload {
		ev.Payload = msg.Payload
	}
	return ev
}

// Dispatcher publishes task events to a downstream system.
type Dispatcher interface {
	// Publish sends one event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *TaskEvent) error

	// Close releases dispatcher resources.
	Close() error
}

// Encoding selects the event wire format.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding validates s. An empty string yields EncodingJSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("unknown encoding %q (want json|msgpack)", s)
	}
}

// Marshal encodes event in e's format.
func (e Encoding) Marshal(event *TaskEvent) ([]byte, error) {
	switch e {
	case "", EncodingJSON:
		return json.Marshal(event)
	case EncodingMsgpack:
		return msgpack.Marshal(event)
	default:
		return nil, fmt.Errorf("unknown encoding %q", string(e))
	}
}

// ContentType returns the HTTP media type for e.
func (e Encoding) ContentType() string {
	if e == EncodingMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// Backoff returns the delay before retry attempt (1-based), doubling from base.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(1<<uint(attempt-1)) * base
}

// Nop discards every event.
type Nop struct{}

// Publish implements Dispatcher.
func (Nop) Publish(context.Context, *TaskEvent) error { return nil }

// Close implements Dispatcher.
func (Nop) Close() error { return nil }

var _ Dispatcher = Nop{}
