package reassembly

import (
	"context"
	"sync"

	"github.com/pithecene-io/splice/store"
	"github.com/pithecene-io/splice/types"
)

// Session is one connection's view of the Coordinator. It remembers the
// open messages the connection wrote to so they can be evicted on
// disconnect. A message is evicted only if this connection wrote to it
// last; one continued by another connection is left to that connection.
type Session struct {
	c      *Coordinator
	connID string

	mu     sync.Mutex
	open   map[types.Key]*store.Entry
	closed bool
}

// Session returns a new Session for connID.
func (c *Coordinator) Session(connID string) *Session {
	return &Session{
		c:      c,
		connID: connID,
		open:   make(map[types.Key]*store.Entry),
	}
}

// ConnID returns the connection id.
func (s *Session) ConnID() string {
	return s.connID
}

// HandleFrame is Coordinator.HandleFrame bound to this session.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) (*Message, error) {
	return s.c.handle(ctx, s.connID, raw, s)
}

// Open returns the number of incomplete messages this session has written to.
func (s *Session) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// track is nil-receiver safe like untrack.
func (s *Session) track(key types.Key, e *store.Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.open[key] = e
	}
}

// untrack is nil-receiver safe so the coordinator can call it without a session.
func (s *Session) untrack(key types.Key, e *store.Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[key] == e {
		delete(s.open, key)
	}
}

// Close ends the session and returns the number of messages evicted.
// Without EvictOnDisconnect nothing is evicted. Close is idempotent.
func (s *Session) Close() int {
	s.mu.Lock()
	open := s.open
	s.open = make(map[types.Key]*store.Entry)
	s.closed = true
	s.mu.Unlock()

	if !s.c.opts.EvictOnDisconnect {
		return 0
	}

	evicted := 0
	for key, e := range open {
		if s.c.store.RemoveIfWriter(key, e, s.connID) {
			evicted++
		}
	}
	if evicted > 0 {
		s.c.metrics.AddDisconnectEvictions(evicted)
		s.c.logger.Info("evicted on disconnect", map[string]any{
			"conn_id": s.connID,
			"count":   evicted,
		})
	}
	return evicted
}
