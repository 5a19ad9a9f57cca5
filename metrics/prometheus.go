package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "splice"

// GaugeFunc reports a live value at scrape time, e.g. the store size.
type GaugeFunc func() float64

// Exporter adapts a Collector to the prometheus.Collector interface.
// Counters are read from a Snapshot on every scrape.
type Exporter struct {
	c        *Collector
	inFlight GaugeFunc

	connections       *prometheus.Desc
	frames            *prometheus.Desc
	frameErrors       *prometheus.Desc
	messagesStarted   *prometheus.Desc
	messagesCompleted *prometheus.Desc
	messagesFailed    *prometheus.Desc
	bytesAssembled    *prometheus.Desc
	lengthMismatches  *prometheus.Desc
	taskDecodeErrors  *prometheus.Desc
	evictions         *prometheus.Desc
	dispatch          *prometheus.Desc
	archiveWrites     *prometheus.Desc
	inFlightDesc      *prometheus.Desc
}

// NewExporter creates an Exporter. inFlight may be nil.
func NewExporter(c *Collector, inFlight GaugeFunc) *Exporter {
	s := c.Snapshot()
	constLabels := prometheus.Labels{
		"instance_id": s.Instance,
		"dispatcher":  s.Dispatcher,
		"archive":     s.Archive,
	}
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			help, labels, constLabels,
		)
	}

	return &Exporter{
		c:        c,
		inFlight: inFlight,

		connections:       desc("ws", "connections_total", "WebSocket connections by state.", "state"),
		frames:            desc("wire", "frames_total", "Frames received."),
		frameErrors:       desc("wire", "frame_errors_total", "Frames rejected by the codec.", "kind"),
		messagesStarted:   desc("reassembly", "messages_started_total", "Messages whose first frame created an accumulator."),
		messagesCompleted: desc("reassembly", "messages_completed_total", "Messages fully reassembled.", "task_type"),
		messagesFailed:    desc("reassembly", "messages_failed_total", "Messages dropped by append failures."),
		bytesAssembled:    desc("reassembly", "bytes_assembled_total", "Payload bytes of completed messages."),
		lengthMismatches:  desc("reassembly", "length_mismatches_total", "Completed messages whose length disagreed with stream_length."),
		taskDecodeErrors:  desc("reassembly", "task_decode_errors_total", "Completed messages with undecodable task payloads."),
		evictions:         desc("store", "evictions_total", "In-flight messages evicted before completion.", "reason"),
		dispatch:          desc("dispatch", "events_total", "Task events by delivery outcome.", "outcome"),
		archiveWrites:     desc("archive", "writes_total", "Archive writes by outcome.", "outcome"),
		inFlightDesc:      desc("store", "in_flight", "Messages currently being reassembled."),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.connections
	ch <- e.frames
	ch <- e.frameErrors
	ch <- e.messagesStarted
	ch <- e.messagesCompleted
	ch <- e.messagesFailed
	ch <- e.bytesAssembled
	ch <- e.lengthMismatches
	ch <- e.taskDecodeErrors
	ch <- e.evictions
	ch <- e.dispatch
	ch <- e.archiveWrites
	ch <- e.inFlightDesc
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(e.connections, s.ConnectionsOpened, "opened")
	counter(e.connections, s.ConnectionsClosed, "closed")
	counter(e.frames, s.FramesReceived)
	for kind, n := range s.FrameErrorsBy {
		counter(e.frameErrors, n, kind)
	}
	counter(e.messagesStarted, s.MessagesStarted)
	for tt, n := range s.CompletedByType {
		counter(e.messagesCompleted, n, tt)
	}
	counter(e.messagesFailed, s.MessagesFailed)
	counter(e.bytesAssembled, s.BytesAssembled)
	counter(e.lengthMismatches, s.LengthMismatches)
	counter(e.taskDecodeErrors, s.TaskDecodeErrors)
	counter(e.evictions, s.IdleEvictions, "idle")
	counter(e.evictions, s.DisconnectEvicted, "disconnect")
	counter(e.dispatch, s.DispatchSuccess, "success")
	counter(e.dispatch, s.DispatchFailure, "failure")
	counter(e.archiveWrites, s.ArchiveWriteSuccess, "success")
	counter(e.archiveWrites, s.ArchiveWriteFailure, "failure")

	if e.inFlight != nil {
		ch <- prometheus.MustNewConstMetric(e.inFlightDesc, prometheus.GaugeValue, e.inFlight())
	}
}

// NewRegistry returns a registry carrying the exporter plus the standard
// Go runtime and process collectors.
func NewRegistry(e *Exporter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		e,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
