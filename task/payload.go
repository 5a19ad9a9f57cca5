// Package task resolves business data into typed task payloads.
//
// The variant set is closed: Function, Script and Subscription. Decoding
// performs no execution; dispatching a payload is the consumer's job.
package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pithecene-io/splice/types"
)

// Payload is one of FunctionPayload, ScriptPayload or SubscriptionPayload.
type Payload interface {
	// Type returns the variant discriminant.
	Type() types.TaskType
	sealed()
}

// FunctionPayload asks for a named function call, e.g. "redis.getValue".
type FunctionPayload struct {
	Name string         `json:"name" msgpack:"name"`
	Args map[string]any `json:"args,omitempty" msgpack:"args,omitempty"`
}

// ScriptPayload asks for a one-shot script execution.
type ScriptPayload struct {
	Language string         `json:"language" msgpack:"language"`
	Source   string         `json:"source" msgpack:"source"`
	Args     map[string]any `json:"args,omitempty" msgpack:"args,omitempty"`
}

// SubscriptionPayload asks for a server-to-client stream on a topic.
type SubscriptionPayload struct {
	Topic  string         `json:"topic" msgpack:"topic"`
	Filter map[string]any `json:"filter,omitempty" msgpack:"filter,omitempty"`
}

func (FunctionPayload) Type() types.TaskType     { return types.TaskTypeFunction }
func (ScriptPayload) Type() types.TaskType       { return types.TaskTypeScript }
func (SubscriptionPayload) Type() types.TaskType { return types.TaskTypeSubscription }

func (FunctionPayload) sealed()     {}
func (ScriptPayload) sealed()       {}
func (SubscriptionPayload) sealed() {}

// UnknownVariantError is returned for a task type outside the closed set.
type UnknownVariantError struct {
	TaskType types.TaskType
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown task type %q", string(e.TaskType))
}

// ParamsDecodeError is returned when task params do not match the variant.
type ParamsDecodeError struct {
	TaskType types.TaskType
	Err      error
}

func (e *ParamsDecodeError) Error() string {
	return fmt.Sprintf("decode %s params: %v", e.TaskType, e.Err)
}

func (e *ParamsDecodeError) Unwrap() error {
	return e.Err
}

// Decode resolves params for the given task type.
// Blank params decode to the zero value of the variant.
func Decode(tt types.TaskType, params string) (Payload, error) {
	switch tt {
	case types.TaskTypeFunction:
		var p FunctionPayload
		if err := unmarshal(tt, params, &p); err != nil {
			return nil, err
		}
		return p, nil
	case types.TaskTypeScript:
		var p ScriptPayload
		if err := unmarshal(tt, params, &p); err != nil {
			return nil, err
		}
		return p, nil
	case types.TaskTypeSubscription:
		var p SubscriptionPayload
		if err := unmarshal(tt, params, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, &UnknownVariantError{TaskType: tt}
	}
}

// FromBusinessData decodes the payload carried by bd.
// A nil bd yields a nil payload and no error.
func FromBusinessData(bd *types.BusinessData) (Payload, error) {
	if bd == nil {
		return nil, nil
	}
	return Decode(bd.TaskType, bd.TaskParams)
}

func unmarshal(tt types.TaskType, params string, v any) error {
	if strings.TrimSpace(params) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(params), v); err != nil {
		return &ParamsDecodeError{TaskType: tt, Err: err}
	}
	return nil
}
