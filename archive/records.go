package archive

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
	"github.com/pithecene-io/splice/types"
)

// Record kinds.
const (
	RecordKindMessage = "message"
	RecordKindMetrics = "metrics"
)

// Partition values used for records that belong to no app or task type.
const (
	systemAppID     = "_splice"
	metricsTaskType = "_metrics"
	noTaskType      = "none"
)

// partitionKeys is the Hive layout: app_id / day / task_type.
var partitionKeys = []string{"app_id", "day", "task_type"}

// DeriveDay computes the partition day. Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MessageRecord is the archived form of a completed message.
type MessageRecord struct {
	RecordKind      string `json:"record_kind"`
	ContractVersion string `json:"contract_version"`
	AppID           string `json:"app_id"`
	TaskID          string `json:"task_id"`
	SessionID       string `json:"session_id,omitempty"`
	ConnID          string `json:"conn_id,omitempty"`
	TaskType        string `json:"task_type"`
	TaskParams      string `json:"task_params,omitempty"`
	Name            string `json:"name,omitempty"`
	StreamType      string `json:"stream_type,omitempty"`
	StreamLength    int64  `json:"stream_length"`
	Bytes           int64  `json:"bytes"`
	Chunks          int64  `json:"chunks"`
	LengthMismatch  bool   `json:"length_mismatch"`
	Payload         []byte `json:"payload,omitempty"`
	CompletedAt     string `json:"completed_at"`
	Day             string `json:"day"`
}

// toMessageRecordMap converts a message for storage.
// Lode HiveLayout requires records as map[string]any.
func toMessageRecordMap(msg *reassembly.Message, includePayload bool) map[string]any {
	taskType := noTaskType
	var taskParams string
	if msg.BusinessData != nil {
		taskType = string(msg.BusinessData.TaskType)
		taskParams = msg.BusinessData.TaskParams
	}

	m := map[string]any{
		"record_kind":      RecordKindMessage,
		"contract_version": types.ContractVersion,
		"app_id":           msg.Key.AppID,
		"task_id":          msg.Key.TaskID,
		"task_type":        taskType,
		"name":             msg.Metadata.Name,
		"stream_type":      msg.Metadata.StreamType,
		"stream_length":    int64(msg.Metadata.StreamLength),
		"bytes":            int64(len(msg.Payload)),
		"chunks":           int64(msg.Chunks),
		"length_mismatch":  msg.LengthMismatch != nil,
		"completed_at":     msg.CompletedAt.UTC().Format(time.RFC3339Nano),
		"day":              DeriveDay(msg.CompletedAt),
	}
	if msg.Header.SessionID != "" {
		m["session_id"] = msg.Header.SessionID
	}
	if msg.ConnID != "" {
		m["conn_id"] = msg.ConnID
	}
	if taskParams != "" {
		m["task_params"] = taskParams
	}
	if includePayload {
		m["payload"] = base64.StdEncoding.EncodeToString(msg.Payload)
	}
	return m
}

// toMetricsRecordMap converts a metrics snapshot for storage.
func toMetricsRecordMap(s metrics.Snapshot, at time.Time) map[string]any {
	return map[string]any{
		"record_kind":           RecordKindMetrics,
		"contract_version":      types.ContractVersion,
		"app_id":                systemAppID,
		"task_type":             metricsTaskType,
		"day":                   DeriveDay(at),
		"ts":                    at.UTC().Format(time.RFC3339Nano),
		"instance":              s.Instance,
		"connections_opened":    s.ConnectionsOpened,
		"connections_closed":    s.ConnectionsClosed,
		"frames_received":       s.FramesReceived,
		"frame_errors":          s.FrameErrors,
		"frame_errors_by_kind":  s.FrameErrorsBy,
		"messages_started":      s.MessagesStarted,
		"messages_completed":    s.MessagesCompleted,
		"messages_failed":       s.MessagesFailed,
		"bytes_assembled":       s.BytesAssembled,
		"length_mismatches":     s.LengthMismatches,
		"task_decode_errors":    s.TaskDecodeErrors,
		"idle_evictions":        s.IdleEvictions,
		"disconnect_evictions":  s.DisconnectEvicted,
		"dispatch_success":      s.DispatchSuccess,
		"dispatch_failure":      s.DispatchFailure,
		"archive_write_success": s.ArchiveWriteSuccess,
		"archive_write_failure": s.ArchiveWriteFailure,
	}
}

// messageFromMap rebuilds a MessageRecord from a decoded JSONL record.
func messageFromMap(m map[string]any) MessageRecord {
	r := MessageRecord{
		RecordKind:      toString(m["record_kind"]),
		ContractVersion: toString(m["contract_version"]),
		AppID:           toString(m["app_id"]),
		TaskID:          toString(m["task_id"]),
		SessionID:       toString(m["session_id"]),
		ConnID:          toString(m["conn_id"]),
		TaskType:        toString(m["task_type"]),
		TaskParams:      toString(m["task_params"]),
		Name:            toString(m["name"]),
		StreamType:      toString(m["stream_type"]),
		StreamLength:    toInt64(m["stream_length"]),
		Bytes:           toInt64(m["bytes"]),
		Chunks:          toInt64(m["chunks"]),
		CompletedAt:     toString(m["completed_at"]),
		Day:             toString(m["day"]),
	}
	r.LengthMismatch, _ = m["length_mismatch"].(bool)
	if p := toString(m["payload"]); p != "" {
		if data, err := base64.StdEncoding.DecodeString(p); err == nil {
			r.Payload = data
		}
	}
	return r
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
