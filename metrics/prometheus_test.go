package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestExporter_Gather(t *testing.T) {
	c := NewCollector("node-1", "nop", "none")
	c.IncFrameReceived()
	c.IncFrameError("format")
	c.IncMessageCompleted("Function", 5)

	reg := NewRegistry(NewExporter(c, func() float64 { return 4 }))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"splice_wire_frames_total",
		"splice_wire_frame_errors_total",
		"splice_reassembly_messages_completed_total",
		"splice_store_in_flight",
		"splice_dispatch_events_total",
		"go_goroutines",
	} {
		if !names[want] {
			t.Errorf("metric family %q not gathered", want)
		}
	}
}

func TestExporter_HTTPExposition(t *testing.T) {
	c := NewCollector("node-1", "nop", "none")
	c.IncFrameReceived()
	c.IncFrameReceived()

	reg := NewRegistry(NewExporter(c, nil))
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	want := `splice_wire_frames_total{archive="none",dispatcher="nop",instance_id="node-1"} 2`
	if !strings.Contains(string(body), want) {
		t.Errorf("exposition missing %q", want)
	}
	if strings.Contains(string(body), "splice_store_in_flight") {
		t.Error("in-flight gauge should be absent without a GaugeFunc")
	}
}
