package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/splice/dispatch"
	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
	"github.com/pithecene-io/splice/store"
	"github.com/pithecene-io/splice/types"
	"github.com/pithecene-io/splice/wire"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatch.TaskEvent
	err    error
	closed bool
}

func (d *recordingDispatcher) Publish(_ context.Context, e *dispatch.TaskEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *recordingDispatcher) Events() []*dispatch.TaskEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*dispatch.TaskEvent(nil), d.events...)
}

type recordingArchive struct {
	mu       sync.Mutex
	messages []*reassembly.Message
	metrics  []metrics.Snapshot
	closed   bool
}

func (a *recordingArchive) Write(_ context.Context, msg *reassembly.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, msg)
	return nil
}

func (a *recordingArchive) WriteMetrics(_ context.Context, s metrics.Snapshot, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = append(a.metrics, s)
	return nil
}

func (a *recordingArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

type harness struct {
	srv        *Server
	http       *httptest.Server
	store      *store.Store
	metrics    *metrics.Collector
	dispatcher *recordingDispatcher
	archive    *recordingArchive
}

func newHarness(t *testing.T, cfg Config, opts reassembly.Options) *harness {
	t.Helper()
	st := store.New()
	m := metrics.NewCollector("test", "recording", "recording")
	h := &harness{
		store:      st,
		metrics:    m,
		dispatcher: &recordingDispatcher{},
		archive:    &recordingArchive{},
	}
	h.srv = New(cfg, Deps{
		Coordinator: reassembly.New(st, m, nil, opts),
		Metrics:     m,
		Dispatcher:  h.dispatcher,
		Archive:     h.archive,
	})
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		_ = h.srv.Close()
		h.http.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func frame(t *testing.T, app, task string, index, total uint32, payload string, business *types.BusinessData) []byte {
	t.Helper()
	raw, err := wire.Encode(&types.Envelope{
		Header:       types.Header{AppID: app, MsgID: task, Version: types.ProtocolVersion},
		Metadata:     types.Metadata{Name: "blob", StreamType: "text", StreamLength: 5, ChunkTotal: total, ChunkIndex: index},
		BusinessData: business,
	}, []byte(payload))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return raw
}

func send(t *testing.T, ws *websocket.Conn, raw []byte) {
	t.Helper()
	if err := ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readAck(t *testing.T, ws *websocket.Conn) types.Ack {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack types.Ack
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack failed: %v", err)
	}
	return ack
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})

	resp, err := http.Get(h.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Status != "ok" || body.Version != types.Version {
		t.Errorf("body = %+v", body)
	}
}

func TestWS_AssemblesChunkedMessage(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)

	business := &types.BusinessData{TaskType: types.TaskTypeFunction, TaskParams: `{"name":"echo"}`}
	send(t, ws, frame(t, "app1", "t1", 0, 2, "He", business))
	send(t, ws, frame(t, "app1", "t1", 1, 2, "ll", nil))
	send(t, ws, frame(t, "app1", "t1", 2, 2, "o", nil))

	ack := readAck(t, ws)
	want := types.Ack{
		Type:     types.AckAssembled,
		AppID:    "app1",
		MsgID:    "t1",
		Bytes:    5,
		Chunks:   3,
		TaskType: types.TaskTypeFunction,
	}
	if ack != want {
		t.Errorf("ack = %+v, want %+v", ack, want)
	}

	waitFor(t, "dispatch", func() bool { return len(h.dispatcher.Events()) == 1 })
	event := h.dispatcher.Events()[0]
	if event.AppID != "app1" || event.TaskID != "t1" || event.Bytes != 5 {
		t.Errorf("event = %+v", event)
	}
	if event.Payload != nil {
		t.Errorf("event payload = %q, want omitted", event.Payload)
	}
	waitFor(t, "dispatch counter", func() bool { return h.metrics.Snapshot().DispatchSuccess == 1 })

	if h.store.Len() != 0 {
		t.Errorf("store len = %d, want 0", h.store.Len())
	}
}

func TestWS_IncludePayload(t *testing.T) {
	h := newHarness(t, Config{IncludePayload: true}, reassembly.Options{})
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 0, "Hello", nil))
	readAck(t, ws)

	waitFor(t, "dispatch", func() bool { return len(h.dispatcher.Events()) == 1 })
	if got := string(h.dispatcher.Events()[0].Payload); got != "Hello" {
		t.Errorf("payload = %q, want Hello", got)
	}
}

func TestWS_FrameErrorKeepsConnection(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)

	send(t, ws, []byte("no delimiters here"))
	ack := readAck(t, ws)
	if ack.Type != types.AckError || ack.Kind != "format" || ack.Fatal {
		t.Fatalf("ack = %+v, want non-fatal format error", ack)
	}

	send(t, ws, []byte(`{"header":|`+`|x`))
	ack = readAck(t, ws)
	if ack.Kind != "decode" {
		t.Fatalf("ack kind = %q, want decode", ack.Kind)
	}

	send(t, ws, frame(t, "app1", "t1", 0, 0, "Hello", nil))
	ack = readAck(t, ws)
	if ack.Type != types.AckAssembled {
		t.Fatalf("ack = %+v, want assembled after frame errors", ack)
	}

	s := h.metrics.Snapshot()
	if s.FrameErrors != 2 || s.FrameErrorsBy["format"] != 1 || s.FrameErrorsBy["decode"] != 1 {
		t.Errorf("frame errors = %d %v", s.FrameErrors, s.FrameErrorsBy)
	}
}

func TestWS_MessageErrorNamesKey(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)

	business := &types.BusinessData{TaskType: "Bogus"}
	send(t, ws, frame(t, "app1", "t1", 0, 0, "Hello", business))

	ack := readAck(t, ws)
	if ack.Type != types.AckError || ack.Kind != "message" {
		t.Fatalf("ack = %+v, want message error", ack)
	}
	if ack.AppID != "app1" || ack.MsgID != "t1" {
		t.Errorf("ack key = %s/%s, want app1/t1", ack.AppID, ack.MsgID)
	}
	if len(h.dispatcher.Events()) != 0 {
		t.Error("failed message must not be dispatched")
	}
}

func TestWS_InterleavedConnectionsShareStore(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	a := h.dial(t)
	b := h.dial(t)

	send(t, a, frame(t, "app1", "t1", 0, 1, "Hel", nil))
	waitFor(t, "first chunk", func() bool { return h.store.Len() == 1 })
	send(t, b, frame(t, "app1", "t1", 1, 1, "lo", nil))

	ack := readAck(t, b)
	if ack.Type != types.AckAssembled || ack.Bytes != 5 {
		t.Errorf("ack = %+v, want assembled 5 bytes on second connection", ack)
	}
}

func TestWS_EvictOnDisconnect(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{EvictOnDisconnect: true})
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 2, "He", nil))
	waitFor(t, "entry", func() bool { return h.store.Len() == 1 })

	_ = ws.Close()

	waitFor(t, "eviction", func() bool { return h.store.Len() == 0 })
	waitFor(t, "close counter", func() bool { return h.metrics.Snapshot().ConnectionsClosed == 1 })
	if got := h.metrics.Snapshot().DisconnectEvicted; got != 1 {
		t.Errorf("DisconnectEvicted = %d, want 1", got)
	}
}

func TestWS_DisconnectKeepsEntriesByDefault(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 2, "He", nil))
	waitFor(t, "entry", func() bool { return h.store.Len() == 1 })
	_ = ws.Close()

	waitFor(t, "close counter", func() bool { return h.metrics.Snapshot().ConnectionsClosed == 1 })
	if h.store.Len() != 1 {
		t.Errorf("store len = %d, want 1", h.store.Len())
	}
}

func TestJanitor_EvictsIdleEntries(t *testing.T) {
	h := newHarness(t, Config{IdleTTL: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, reassembly.Options{})
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 2, "He", nil))
	waitFor(t, "entry", func() bool { return h.store.Len() == 1 })

	h.srv.StartJanitor()
	waitFor(t, "idle eviction", func() bool { return h.store.Len() == 0 })
	if got := h.metrics.Snapshot().IdleEvictions; got != 1 {
		t.Errorf("IdleEvictions = %d, want 1", got)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 2, "He", nil))
	waitFor(t, "entry", func() bool { return h.store.Len() == 1 })

	resp, err := http.Get(h.http.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if stats.InFlight != 1 || stats.Apps != 1 || len(stats.Entries) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	entry := stats.Entries[0]
	if entry.Key != (types.Key{AppID: "app1", TaskID: "t1"}) || entry.Bytes != 2 || entry.ChunkTotal != 2 {
		t.Errorf("entry = %+v", entry)
	}
	if stats.Metrics.FramesReceived != 1 || stats.Metrics.Instance != "test" {
		t.Errorf("metrics = %+v", stats.Metrics)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)
	send(t, ws, frame(t, "app1", "t1", 0, 0, "Hello", nil))
	readAck(t, ws)

	resp, err := http.Get(h.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	for _, want := range []string{
		"splice_wire_frames_total",
		"splice_reassembly_messages_completed_total",
		"splice_store_in_flight",
		`instance_id="test"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDispatchFailureCounted(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	h.dispatcher.err = errors.New("downstream unavailable")
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 0, "Hello", nil))
	ack := readAck(t, ws)
	if ack.Type != types.AckAssembled {
		t.Fatalf("ack = %+v, want assembled despite dispatch failure", ack)
	}
	waitFor(t, "dispatch failure", func() bool { return h.metrics.Snapshot().DispatchFailure == 1 })
}

func TestClose_FlushesDownstream(t *testing.T) {
	h := newHarness(t, Config{}, reassembly.Options{})
	ws := h.dial(t)

	send(t, ws, frame(t, "app1", "t1", 0, 0, "Hello", nil))
	readAck(t, ws)

	if err := h.srv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.srv.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	h.archive.mu.Lock()
	defer h.archive.mu.Unlock()
	if len(h.archive.messages) != 1 {
		t.Errorf("archived messages = %d, want 1", len(h.archive.messages))
	}
	if len(h.archive.metrics) != 1 || h.archive.metrics[0].MessagesCompleted != 1 {
		t.Errorf("archived metrics = %+v", h.archive.metrics)
	}
	if !h.archive.closed {
		t.Error("archive not closed")
	}
	if !h.dispatcher.closed {
		t.Error("dispatcher not closed")
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected connection closed after server Close")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no restriction", nil, "http://evil.example", true},
		{"listed", []string{"http://ok.example"}, "http://ok.example", true},
		{"unlisted", []string{"http://ok.example"}, "http://evil.example", false},
		{"wildcard", []string{"*"}, "http://any.example", true},
		{"no origin header", []string{"http://ok.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{cfg: Config{AllowedOrigins: tt.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorAck(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  string
		wantFatal bool
		wantMsgID string
	}{
		{"format", &wire.FrameError{Kind: wire.FrameErrorFormat, Msg: "x"}, "format", false, ""},
		{"too large", &wire.FrameError{Kind: wire.FrameErrorTooLarge, Msg: "x"}, "too_large", true, ""},
		{"message", &reassembly.MessageError{Key: types.Key{AppID: "a", TaskID: "t"}, Err: errors.New("boom")}, "message", false, "t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := errorAck(tt.err)
			if ack.Type != types.AckError || ack.Kind != tt.wantKind || ack.Fatal != tt.wantFatal || ack.MsgID != tt.wantMsgID {
				t.Errorf("ack = %+v", ack)
			}
		})
	}
}

func TestWS_FrameRateThrottlesReads(t *testing.T) {
	h := newHarness(t, Config{FrameRate: 20, FrameBurst: 1}, reassembly.Options{})
	ws := h.dial(t)

	start := time.Now()
	for i := range uint32(5) {
		send(t, ws, frame(t, "app1", "t1", i, 4, "x", nil))
	}
	ack := readAck(t, ws)
	elapsed := time.Since(start)

	if ack.Type != types.AckAssembled || ack.Chunks != 5 {
		t.Fatalf("ack = %+v", ack)
	}
	// One token up front, then one every 50ms.
	if elapsed < 150*time.Millisecond {
		t.Errorf("5 frames at 20/s took %v, want at least 150ms", elapsed)
	}
}

func TestConfig_FrameBurstDefaultsToRate(t *testing.T) {
	tests := []struct {
		rate  float64
		burst int
		want  int
	}{
		{0, 0, 0},
		{0.5, 0, 1},
		{50, 0, 50},
		{50, 5, 5},
	}
	for _, tt := range tests {
		got := Config{FrameRate: tt.rate, FrameBurst: tt.burst}.withDefaults().FrameBurst
		if got != tt.want {
			t.Errorf("rate %v burst %d: FrameBurst = %d, want %d", tt.rate, tt.burst, got, tt.want)
		}
	}
}
