// Package wire implements the splice frame format.
//
// A frame is one transport message laid out as
//
//	<json envelope> '|' <json continuation or empty> '|' <raw bytes>
//
// Only the first two delimiters are significant; the raw segment is opaque
// and may contain the delimiter byte.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pithecene-io/splice/types"
)

// Delimiter separates the three frame segments.
const Delimiter byte = '|'

// escapedDelimiter is the JSON string escape of Delimiter.
var escapedDelimiter = []byte(`\u007c`)

// Frame size constants.
const (
	// MaxFrameSize is the largest frame accepted (64 MiB).
	MaxFrameSize = 64 * 1024 * 1024
	// DefaultChunkSize is the fragment size used by Split when none is given (512 KiB).
	DefaultChunkSize = 512 * 1024
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorFormat indicates a malformed delimiter structure.
	FrameErrorFormat FrameErrorKind = iota
	// FrameErrorDecode indicates invalid UTF-8 or a JSON schema mismatch.
	FrameErrorDecode
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
)

// String returns the kind name used in logs and metrics labels.
func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorFormat:
		return "format"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the connection that produced the frame should be
// closed. Format and decode errors only reject the frame.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Frame is one decoded transport frame.
type Frame struct {
	Envelope types.Envelope
	// Payload is the raw fragment; it aliases the input buffer.
	Payload []byte
}

// envelopeProbe keeps header and metadata raw so absence can be detected.
type envelopeProbe struct {
	Header       json.RawMessage     `json:"header"`
	Metadata     json.RawMessage     `json:"metadata"`
	BusinessData *types.BusinessData `json:"business_data"`
}

// continuation is the optional second segment.
type continuation struct {
	BusinessData *types.BusinessData `json:"business_data"`
}

// Decode parses a raw frame.
//
// Errors:
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds MaxFrameSize
//   - *FrameError with Kind=FrameErrorFormat: fewer than two delimiters
//   - *FrameError with Kind=FrameErrorDecode: invalid UTF-8 or JSON
func Decode(raw []byte) (*Frame, error) {
	if len(raw) > MaxFrameSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("frame size %d exceeds maximum %d", len(raw), MaxFrameSize),
		}
	}

	parts := bytes.SplitN(raw, []byte{Delimiter}, 3)
	if len(parts) < 3 {
		return nil, &FrameError{
			Kind: FrameErrorFormat,
			Msg:  fmt.Sprintf("expected 2 delimiters, found %d", len(parts)-1),
		}
	}

	env, err := decodeEnvelope(parts[0])
	if err != nil {
		return nil, err
	}

	if cont := bytes.TrimSpace(parts[1]); len(cont) > 0 {
		if !utf8.Valid(cont) {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "continuation segment is not valid UTF-8"}
		}
		var c continuation
		if err := json.Unmarshal(cont, &c); err != nil {
			return nil, &FrameError{
				Kind: FrameErrorDecode,
				Msg:  "failed to decode continuation segment",
				Err:  err,
			}
		}
		if c.BusinessData != nil {
			env.BusinessData = c.BusinessData
		}
	}

	return &Frame{Envelope: *env, Payload: parts[2]}, nil
}

func decodeEnvelope(segment []byte) (*types.Envelope, error) {
	if !utf8.Valid(segment) {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "envelope segment is not valid UTF-8"}
	}

	var probe envelopeProbe
	if err := json.Unmarshal(segment, &probe); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}
	if isAbsent(probe.Header) {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "envelope missing header"}
	}
	if isAbsent(probe.Metadata) {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "envelope missing metadata"}
	}

	env := &types.Envelope{BusinessData: probe.BusinessData}
	if err := json.Unmarshal(probe.Header, &env.Header); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode header",
			Err:  err,
		}
	}
	if err := json.Unmarshal(probe.Metadata, &env.Metadata); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode metadata",
			Err:  err,
		}
	}
	return env, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Encode serializes an envelope and payload into a frame with an empty
// continuation segment.
func Encode(env *types.Envelope, payload []byte) ([]byte, error) {
	if env == nil {
		return nil, errors.New("wire: nil envelope")
	}
	head, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	// '|' only occurs inside JSON strings, where the escaped form is equivalent.
	head = bytes.ReplaceAll(head, []byte{Delimiter}, escapedDelimiter)

	size := len(head) + 2 + len(payload)
	if size > MaxFrameSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("frame size %d exceeds maximum %d", size, MaxFrameSize),
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, head...)
	buf = append(buf, Delimiter, Delimiter)
	buf = append(buf, payload...)
	return buf, nil
}

// Split cuts data into fragments of at most chunkSize bytes.
// A non-positive chunkSize uses DefaultChunkSize. Empty data yields no fragments.
func Split(data []byte, chunkSize int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	chunks := make([][]byte, 0, (len(data)+chunkSize-1)/chunkSize)
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}
