package types

// Ack types sent from server to client as websocket text messages.
const (
	AckAssembled = "assembled"
	AckError     = "error"
)

// Ack is the server's reply to a frame. An assembled ack is sent once per
// completed message; an error ack for every frame that failed.
type Ack struct {
	Type   string `json:"type"`
	AppID  string `json:"app_id,omitempty"`
	MsgID  string `json:"msg_id,omitempty"`
	Bytes  int    `json:"bytes,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
	// TaskType is the task type of an assembled message, if any.
	TaskType       TaskType `json:"task_type,omitempty"`
	LengthMismatch bool     `json:"length_mismatch,omitempty"`
	// Kind classifies an error ack: "format", "decode", "too_large" or "message".
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
	// Fatal is set when the server closes the connection after this ack.
	Fatal bool `json:"fatal,omitempty"`
}
