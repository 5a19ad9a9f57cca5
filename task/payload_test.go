package task

import (
	"errors"
	"testing"

	"github.com/pithecene-io/splice/types"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name     string
		taskType types.TaskType
		params   string
		check    func(t *testing.T, p Payload)
	}{
		{
			name:     "function",
			taskType: types.TaskTypeFunction,
			params:   `{"name":"redis.getValue","args":{"key":"k1"}}`,
			check: func(t *testing.T, p Payload) {
				fn, ok := p.(FunctionPayload)
				if !ok {
					t.Fatalf("payload type = %T, want FunctionPayload", p)
				}
				if fn.Name != "redis.getValue" {
					t.Errorf("Name = %q, want %q", fn.Name, "redis.getValue")
				}
				if fn.Args["key"] != "k1" {
					t.Errorf("Args[key] = %v, want k1", fn.Args["key"])
				}
			},
		},
		{
			name:     "script",
			taskType: types.TaskTypeScript,
			params:   `{"language":"lua","source":"return 1"}`,
			check: func(t *testing.T, p Payload) {
				sc, ok := p.(ScriptPayload)
				if !ok {
					t.Fatalf("payload type = %T, want ScriptPayload", p)
				}
				if sc.Language != "lua" || sc.Source != "return 1" {
					t.Errorf("ScriptPayload = %+v", sc)
				}
			},
		},
		{
			name:     "subscription",
			taskType: types.TaskTypeSubscription,
			params:   `{"topic":"prices","filter":{"symbol":"ABC"}}`,
			check: func(t *testing.T, p Payload) {
				sub, ok := p.(SubscriptionPayload)
				if !ok {
					t.Fatalf("payload type = %T, want SubscriptionPayload", p)
				}
				if sub.Topic != "prices" {
					t.Errorf("Topic = %q, want %q", sub.Topic, "prices")
				}
			},
		},
		{
			name:     "blank params",
			taskType: types.TaskTypeFunction,
			params:   "  ",
			check: func(t *testing.T, p Payload) {
				if fn, ok := p.(FunctionPayload); !ok || fn.Name != "" {
					t.Errorf("payload = %#v, want zero FunctionPayload", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.taskType, tt.params)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if p.Type() != tt.taskType {
				t.Errorf("Type() = %q, want %q", p.Type(), tt.taskType)
			}
			tt.check(t, p)
		})
	}
}

func TestDecode_UnknownVariant(t *testing.T) {
	_, err := Decode(types.TaskType("Stream"), "{}")

	var unknown *UnknownVariantError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownVariantError, got %v", err)
	}
	if unknown.TaskType != "Stream" {
		t.Errorf("TaskType = %q, want Stream", unknown.TaskType)
	}
}

func TestDecode_ParamsError(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{"not json", "{ name: test"},
		{"wrong shape", `{"name": 42}`},
		{"array", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(types.TaskTypeFunction, tt.params)
			var paramsErr *ParamsDecodeError
			if !errors.As(err, &paramsErr) {
				t.Fatalf("expected *ParamsDecodeError, got %v", err)
			}
			if paramsErr.TaskType != types.TaskTypeFunction {
				t.Errorf("TaskType = %q", paramsErr.TaskType)
			}
			if paramsErr.Unwrap() == nil {
				t.Error("ParamsDecodeError should wrap the json error")
			}
		})
	}
}

func TestFromBusinessData(t *testing.T) {
	p, err := FromBusinessData(nil)
	if err != nil || p != nil {
		t.Errorf("FromBusinessData(nil) = %v, %v; want nil, nil", p, err)
	}

	p, err = FromBusinessData(&types.BusinessData{
		TaskType:   types.TaskTypeFunction,
		TaskParams: `{ "name":"test" }`,
	})
	if err != nil {
		t.Fatalf("FromBusinessData failed: %v", err)
	}
	if fn := p.(FunctionPayload); fn.Name != "test" {
		t.Errorf("Name = %q, want test", fn.Name)
	}
}
