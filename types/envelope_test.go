package types //nolint:revive // types is a valid package name

import "testing"

func TestMetadata_IsLast(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		want bool
	}{
		{"single frame", Metadata{ChunkTotal: 0, ChunkIndex: 0}, true},
		{"first of three", Metadata{ChunkTotal: 2, ChunkIndex: 0}, false},
		{"middle", Metadata{ChunkTotal: 2, ChunkIndex: 1}, false},
		{"final", Metadata{ChunkTotal: 2, ChunkIndex: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.meta.IsLast(); got != tt.want {
				t.Errorf("IsLast() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelope_Key(t *testing.T) {
	env := &Envelope{Header: Header{AppID: "a1", MsgID: "t1"}}
	key := env.Key()
	if key.AppID != "a1" || key.TaskID != "t1" {
		t.Errorf("Key() = %+v, want {a1 t1}", key)
	}
	if key.String() != "a1/t1" {
		t.Errorf("String() = %q, want %q", key.String(), "a1/t1")
	}
}

func TestKey_Valid(t *testing.T) {
	tests := []struct {
		key  Key
		want bool
	}{
		{Key{AppID: "a", TaskID: "t"}, true},
		{Key{AppID: "", TaskID: "t"}, false},
		{Key{AppID: "a", TaskID: "  "}, false},
	}
	for _, tt := range tests {
		if got := tt.key.Valid(); got != tt.want {
			t.Errorf("%+v.Valid() = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestTaskType_IsValid(t *testing.T) {
	for _, tt := range AllTaskTypes() {
		if !tt.IsValid() {
			t.Errorf("%q should be valid", tt)
		}
	}
	if TaskType("Stream").IsValid() {
		t.Error("Stream should not be a valid task type")
	}
	if TaskType("function").IsValid() {
		t.Error("task types are case-sensitive")
	}
}
