//nolint:revive // types is a common Go package naming convention
package types

import "strings"

// Header identifies message provenance and protocol version.
// Immutable once parsed for a frame.
type Header struct {
	// AppID is the application the message belongs to.
	AppID string `json:"app_id" msgpack:"app_id"`
	// MsgID identifies one logical message; it is the task id of the store key.
	MsgID string `json:"msg_id" msgpack:"msg_id"`
	// SessionID is the client session the message was sent from.
	SessionID string `json:"session_id" msgpack:"session_id"`
	// Version is the client's wire protocol version.
	Version uint8 `json:"version" msgpack:"version"`
}

// Metadata describes the stream carried by a logical message and the
// position of the current frame within it.
type Metadata struct {
	// Name is a human-readable stream name (file name, script name).
	Name string `json:"name" msgpack:"name"`
	// StreamType is a caller-defined stream kind ("word", "img", "text").
	StreamType string `json:"stream_type" msgpack:"stream_type"`
	// StreamLength is the declared byte length of the reassembled payload.
	StreamLength uint32 `json:"stream_length" msgpack:"stream_length"`
	// ChunkTotal is the index of the final chunk.
	ChunkTotal uint32 `json:"chunk_total" msgpack:"chunk_total"`
	// ChunkIndex is the zero-based index of this frame's chunk.
	ChunkIndex uint32 `json:"chunk_index" msgpack:"chunk_index"`
}

// IsLast reports whether this frame carries the final chunk.
func (m Metadata) IsLast() bool {
	return m.ChunkIndex == m.ChunkTotal
}

// BusinessData carries the task a logical message asks for.
// Present on the first frame of a message only.
type BusinessData struct {
	// TaskType selects the payload variant.
	TaskType TaskType `json:"task_type" msgpack:"task_type"`
	// TaskParams is a variant-specific JSON document.
	TaskParams string `json:"task_params" msgpack:"task_params"`
}

// Envelope is the structured segment of a wire frame.
type Envelope struct {
	Header       Header        `json:"header"`
	Metadata     Metadata      `json:"metadata"`
	BusinessData *BusinessData `json:"business_data,omitempty"`
}

// Key returns the store key addressed by this envelope.
func (e *Envelope) Key() Key {
	return Key{AppID: e.Header.AppID, TaskID: e.Header.MsgID}
}

// Key identifies one in-flight logical message.
// Equal task ids under different app ids are independent messages.
type Key struct {
	AppID  string `json:"app_id"`
	TaskID string `json:"task_id"`
}

// String renders the key as "app_id/task_id".
func (k Key) String() string {
	return k.AppID + "/" + k.TaskID
}

// Valid reports whether both key components are non-blank.
func (k Key) Valid() bool {
	return strings.TrimSpace(k.AppID) != "" && strings.TrimSpace(k.TaskID) != ""
}

// RequestData is the mutable working record of one logical message.
type RequestData struct {
	// Header is the latest frame's header.
	Header Header
	// Metadata is the latest frame's metadata.
	Metadata Metadata
	// BusinessData is the most recent business data seen, if any.
	BusinessData *BusinessData
	// Stream holds the fragments appended so far, in arrival order.
	Stream []byte
}
