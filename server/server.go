// Package server exposes the reassembly coordinator over websocket.
//
// Each connection gets its own reassembly.Session. Completed messages are
// handed to the dispatcher and the archive on background goroutines so a
// slow downstream never stalls a connection's read loop.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pithecene-io/splice/archive"
	"github.com/pithecene-io/splice/dispatch"
	"github.com/pithecene-io/splice/log"
	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/reassembly"
	"github.com/pithecene-io/splice/store"
	"github.com/pithecene-io/splice/types"
	"github.com/pithecene-io/splice/wire"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultIdleTTL         = 5 * time.Minute
	DefaultSweepInterval   = 30 * time.Second
	DefaultWriteWait       = 10 * time.Second
	DefaultPongWait        = 60 * time.Second
	DefaultDispatchTimeout = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Config controls connection handling and housekeeping.
type Config struct {
	// IdleTTL evicts entries untouched this long. Negative disables sweeping.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	WriteWait     time.Duration
	// PongWait is the read deadline; pings go out at 9/10 of it.
	PongWait        time.Duration
	DispatchTimeout time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins restricts the websocket Origin header. Empty allows all.
	AllowedOrigins []string
	// IncludePayload attaches the raw payload to dispatched events.
	IncludePayload bool
	// FrameRate caps frames per second per connection. The read loop waits
	// for a token, so a fast sender is slowed rather than dropped.
	// Zero means unlimited.
	FrameRate  float64
	FrameBurst int
}

func (c Config) withDefaults() Config {
	if c.IdleTTL == 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.FrameRate > 0 && c.FrameBurst <= 0 {
		c.FrameBurst = max(1, int(c.FrameRate))
	}
	return c
}

// Deps are the collaborators of a Server. Only Coordinator is required.
type Deps struct {
	Coordinator *reassembly.Coordinator
	Metrics     *metrics.Collector
	Logger      *log.Logger
	Dispatcher  dispatch.Dispatcher
	Archive     archive.Writer
}

// Server accepts websocket connections and feeds their frames through
// the coordinator.
type Server struct {
	cfg        Config
	coord      *reassembly.Coordinator
	store      *store.Store
	metrics    *metrics.Collector
	logger     *log.Logger
	dispatcher dispatch.Dispatcher
	archive    archive.Writer

	upgrader  websocket.Upgrader
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	connWG     sync.WaitGroup
	deliverWG  sync.WaitGroup
	janitorWG  sync.WaitGroup
	closeOnce  sync.Once
	closeError error
}

// New creates a Server. It does not listen; see ListenAndServe and Handler.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.Nop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		coord:      deps.Coordinator,
		store:      deps.Coordinator.Store(),
		metrics:    deps.Metrics,
		logger:     logger,
		dispatcher: dispatcher,
		archive:    deps.Archive,
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes:
//
//	GET /ws       frame ingestion
//	GET /healthz  liveness
//	GET /stats    metrics snapshot and in-flight entries
//	GET /metrics  Prometheus exposition
func (s *Server) Handler() http.Handler {
	exporter := metrics.NewExporter(s.metrics, func() float64 {
		return float64(s.store.Len())
	})
	registry := metrics.NewRegistry(exporter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// StartJanitor starts the idle sweeper. It stops when the server closes.
func (s *Server) StartJanitor() {
	s.janitorWG.Add(1)
	go func() {
		defer s.janitorWG.Done()
		s.store.Janitor(s.ctx, s.cfg.SweepInterval, s.cfg.IdleTTL, s.onIdleEvict)
	}()
}

func (s *Server) onIdleEvict(evicted []store.EntryInfo) {
	s.metrics.AddIdleEvictions(len(evicted))
	keys := make([]string, 0, len(evicted))
	for _, e := range evicted {
		keys = append(keys, e.Key.String())
	}
	s.logger.Info("evicted idle messages", map[string]any{
		"count": len(evicted),
		"keys":  keys,
	})
}

// ListenAndServe listens on addr and serves until ctx is cancelled, then
// shuts down gracefully and closes the server.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.StartJanitor()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", map[string]any{"addr": ln.Addr().String()})
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", map[string]any{"error": err.Error()})
	}

	closeErr := s.Close()
	if serveErr != nil {
		return serveErr
	}
	return closeErr
}

// Close stops the janitor, closes every websocket connection, waits for
// pending deliveries, writes a final metrics snapshot to the archive and
// closes the dispatcher and archive. Close is idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeConns()
		s.connWG.Wait()
		s.deliverWG.Wait()
		s.janitorWG.Wait()

		var errs []error
		if s.archive != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
			if err := s.archive.WriteMetrics(ctx, s.metrics.Snapshot(), time.Now()); err != nil {
				errs = append(errs, err)
			}
			cancel()
			if err := s.archive.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeError = errors.Join(errs...)
		s.logger.Info("server closed", map[string]any{"in_flight": s.store.Len()})
	})
	return s.closeError
}

func (s *Server) addConn(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) removeConn(c *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.connWG.Done()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.Close()
	}
}

// deliver hands a completed message to the dispatcher and the archive.
func (s *Server) deliver(msg *reassembly.Message) {
	s.deliverWG.Add(1)
	go func() {
		defer s.deliverWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
		defer cancel()

		fields := map[string]any{"key": msg.Key.String(), "conn_id": msg.ConnID}

		event := dispatch.NewTaskEvent(msg, s.cfg.IncludePayload)
		if err := s.dispatcher.Publish(ctx, event); err != nil {
			s.metrics.IncDispatchFailure()
			s.logger.Warn("dispatch failed", withError(fields, err))
		} else {
			s.metrics.IncDispatchSuccess()
		}

		if s.archive != nil {
			if err := s.archive.Write(ctx, msg); err != nil {
				s.logger.Warn("archive write failed", withError(fields, err))
			}
		}
	}()
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}

// assembledAck builds the ack for a completed message.
func assembledAck(msg *reassembly.Message) types.Ack {
	ack := types.Ack{
		Type:           types.AckAssembled,
		AppID:          msg.Key.AppID,
		MsgID:          msg.Key.TaskID,
		Bytes:          len(msg.Payload),
		Chunks:         msg.Chunks,
		LengthMismatch: msg.LengthMismatch != nil,
	}
	if msg.BusinessData != nil {
		ack.TaskType = msg.BusinessData.TaskType
	}
	return ack
}

// errorAck builds the ack for a failed frame.
func errorAck(err error) types.Ack {
	ack := types.Ack{Type: types.AckError, Error: err.Error(), Kind: "message"}
	var frameErr *wire.FrameError
	if errors.As(err, &frameErr) {
		ack.Kind = frameErr.Kind.String()
		ack.Fatal = frameErr.IsFatal()
	}
	var msgErr *reassembly.MessageError
	if errors.As(err, &msgErr) {
		ack.AppID = msgErr.Key.AppID
		ack.MsgID = msgErr.Key.TaskID
	}
	return ack
}
