package assembly

import (
	"errors"
	"testing"

	"github.com/pithecene-io/splice/types"
)

func envelope(index, total, length uint32, bd *types.BusinessData) *types.Envelope {
	return &types.Envelope{
		Header: types.Header{AppID: "a1", MsgID: "t1", SessionID: "s1", Version: 1},
		Metadata: types.Metadata{
			Name:         "greeting",
			StreamType:   "text",
			StreamLength: length,
			ChunkTotal:   total,
			ChunkIndex:   index,
		},
		BusinessData: bd,
	}
}

func TestBuffer_AppendInOrder(t *testing.T) {
	b := NewBuffer(0)
	fragments := []string{"He", "ll", "o"}

	for i, f := range fragments {
		if err := b.Append(envelope(uint32(i), 2, 5, nil), []byte(f)); err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
		if i < len(fragments)-1 && b.IsComplete() {
			t.Fatalf("IsComplete() = true after chunk %d, want false", i)
		}
	}

	if !b.IsComplete() {
		t.Fatal("IsComplete() = false after final chunk")
	}
	if err := b.CheckLength(); err != nil {
		t.Errorf("CheckLength failed: %v", err)
	}
	if b.Chunks() != 3 {
		t.Errorf("Chunks() = %d, want 3", b.Chunks())
	}

	stream, err := b.TakeStream()
	if err != nil {
		t.Fatalf("TakeStream failed: %v", err)
	}
	if string(stream) != "Hello" {
		t.Errorf("stream = %q, want %q", stream, "Hello")
	}
}

func TestBuffer_LengthTracksFragments(t *testing.T) {
	b := NewBuffer(0)
	sizes := []int{3, 0, 7, 1}
	total := 0
	for i, n := range sizes {
		if err := b.Append(envelope(uint32(i), 10, 0, nil), make([]byte, n)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		total += n
		if b.Len() != total {
			t.Errorf("Len() after chunk %d = %d, want %d", i, b.Len(), total)
		}
	}
}

func TestBuffer_ArrivalOrderPreserved(t *testing.T) {
	b := NewBuffer(0)
	_ = b.Append(envelope(1, 2, 3, nil), []byte("b"))
	_ = b.Append(envelope(0, 2, 3, nil), []byte("a"))
	_ = b.Append(envelope(2, 2, 3, nil), []byte("c"))

	stream, _ := b.TakeStream()
	if string(stream) != "bac" {
		t.Errorf("stream = %q, want arrival order %q", stream, "bac")
	}
}

func TestBuffer_SingleFrameComplete(t *testing.T) {
	b := NewBuffer(0)
	if b.IsComplete() {
		t.Fatal("empty buffer must not be complete")
	}
	if err := b.Append(envelope(0, 0, 2, nil), []byte("hi")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !b.IsComplete() {
		t.Error("single frame with index == total == 0 should be complete")
	}
}

func TestBuffer_BusinessDataOverwrite(t *testing.T) {
	b := NewBuffer(0)
	first := &types.BusinessData{TaskType: types.TaskTypeFunction, TaskParams: `{"name":"a"}`}
	second := &types.BusinessData{TaskType: types.TaskTypeScript, TaskParams: `{}`}

	_ = b.Append(envelope(0, 3, 0, first), nil)
	if got := b.BusinessData(); got == nil || got.TaskType != types.TaskTypeFunction {
		t.Fatalf("BusinessData() = %+v, want first", got)
	}

	// Continuation frame without business data keeps the retained value.
	_ = b.Append(envelope(1, 3, 0, nil), nil)
	if got := b.BusinessData(); got == nil || got.TaskType != types.TaskTypeFunction {
		t.Fatalf("BusinessData() = %+v, want retained first", got)
	}

	// A later frame carrying business data overwrites.
	_ = b.Append(envelope(2, 3, 0, second), nil)
	if got := b.BusinessData(); got == nil || got.TaskType != types.TaskTypeScript {
		t.Fatalf("BusinessData() = %+v, want second", got)
	}
}

func TestBuffer_BusinessDataIsCopied(t *testing.T) {
	b := NewBuffer(0)
	bd := &types.BusinessData{TaskType: types.TaskTypeFunction, TaskParams: "{}"}
	_ = b.Append(envelope(0, 1, 0, bd), nil)

	bd.TaskType = types.TaskTypeScript
	if got := b.BusinessData(); got.TaskType != types.TaskTypeFunction {
		t.Errorf("caller mutation leaked into buffer: %q", got.TaskType)
	}
}

func TestBuffer_HeaderMetadataFollowLatest(t *testing.T) {
	b := NewBuffer(0)
	first := envelope(0, 1, 4, nil)
	second := envelope(1, 1, 4, nil)
	second.Header.SessionID = "s2"
	second.Metadata.Name = "renamed"

	_ = b.Append(first, []byte("ab"))
	_ = b.Append(second, []byte("cd"))

	if b.Header().SessionID != "s2" {
		t.Errorf("Header().SessionID = %q, want %q", b.Header().SessionID, "s2")
	}
	if b.Metadata().Name != "renamed" {
		t.Errorf("Metadata().Name = %q, want %q", b.Metadata().Name, "renamed")
	}
}

func TestBuffer_CheckLengthMismatch(t *testing.T) {
	b := NewBuffer(0)
	_ = b.Append(envelope(0, 0, 10, nil), []byte("short"))

	err := b.CheckLength()
	var mismatch *LengthMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *LengthMismatchError, got %v", err)
	}
	if mismatch.Declared != 10 || mismatch.Actual != 5 {
		t.Errorf("mismatch = %+v, want declared=10 actual=5", mismatch)
	}
	if mismatch.Key != (types.Key{AppID: "a1", TaskID: "t1"}) {
		t.Errorf("mismatch.Key = %+v", mismatch.Key)
	}
}

func TestBuffer_DrainedRejectsAppend(t *testing.T) {
	b := NewBuffer(0)
	_ = b.Append(envelope(0, 0, 1, nil), []byte("x"))
	if _, err := b.TakeStream(); err != nil {
		t.Fatalf("TakeStream failed: %v", err)
	}
	if !b.Drained() {
		t.Fatal("Drained() = false after TakeStream")
	}

	if err := b.Append(envelope(0, 0, 1, nil), []byte("y")); !errors.Is(err, ErrDrained) {
		t.Errorf("Append after drain: got %v, want ErrDrained", err)
	}
	if _, err := b.TakeStream(); !errors.Is(err, ErrDrained) {
		t.Errorf("second TakeStream: got %v, want ErrDrained", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len() after drain = %d, want 0", b.Len())
	}
}

func TestBuffer_Drain(t *testing.T) {
	b := NewBuffer(0)
	_ = b.Append(envelope(0, 5, 0, nil), []byte("abc"))
	b.Drain()
	if !b.Drained() || b.Len() != 0 {
		t.Errorf("Drain left Drained=%v Len=%d", b.Drained(), b.Len())
	}
}

func TestBuffer_MaxBytes(t *testing.T) {
	b := NewBuffer(4)
	if err := b.Append(envelope(0, 2, 0, nil), []byte("abc")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	err := b.Append(envelope(1, 2, 0, nil), []byte("de"))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
	if b.Len() != 3 {
		t.Errorf("rejected append must not change Len(): got %d", b.Len())
	}
	if b.Chunks() != 1 {
		t.Errorf("rejected append must not count: Chunks() = %d", b.Chunks())
	}
}
