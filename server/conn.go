package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pithecene-io/splice/log"
	"github.com/pithecene-io/splice/reassembly"
	"github.com/pithecene-io/splice/types"
	"github.com/pithecene-io/splice/wire"
)

// sendBuffer is the number of acks queued per connection before the
// read loop blocks.
const sendBuffer = 64

// conn is one websocket connection. The read loop owns the session; the
// write loop owns every write except the shutdown close frame.
type conn struct {
	s      *Server
	ws     *websocket.Conn
	sess   *reassembly.Session
	logger *log.Logger
	send   chan types.Ack
	done   chan struct{}

	// limiter is nil when frames are not rate limited.
	limiter *rate.Limiter
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	if !s.addConn(ws) {
		_ = ws.Close()
		return
	}

	connID := uuid.NewString()
	c := &conn{
		s:      s,
		ws:     ws,
		sess:   s.coord.Session(connID),
		logger: s.logger.With(map[string]any{"conn_id": connID}),
		send:   make(chan types.Ack, sendBuffer),
		done:   make(chan struct{}),
	}
	if s.cfg.FrameRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	}

	s.metrics.IncConnectionOpened()
	c.logger.Debug("connection opened", map[string]any{"remote": r.RemoteAddr})

	go c.writeLoop()
	go c.readLoop()
}

func (c *conn) readLoop() {
	defer c.close()

	c.ws.SetReadLimit(int64(wire.MaxFrameSize))
	_ = c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.s.metrics.IncFrameError(wire.FrameErrorTooLarge.String())
				c.logger.Warn("frame exceeds read limit", map[string]any{"limit": wire.MaxFrameSize})
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", map[string]any{"error": err.Error()})
			}
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(c.s.ctx); err != nil {
				return
			}
		}
		// Any inbound traffic proves the peer is alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.s.cfg.PongWait))

		msg, err := c.sess.HandleFrame(c.s.ctx, raw)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			ack := errorAck(err)
			if !c.enqueue(ack) || ack.Fatal {
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		c.s.deliver(msg)
		if !c.enqueue(assembledAck(msg)) {
			return
		}
	}
}

// enqueue blocks until the write loop accepts ack or the connection ends.
func (c *conn) enqueue(ack types.Ack) bool {
	select {
	case c.send <- ack:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.s.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case ack, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(ack); err != nil {
				c.logger.Debug("write failed", map[string]any{"error": err.Error()})
				close(c.done)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				close(c.done)
				return
			}
		}
	}
}

// close runs once, when the read loop exits.
func (c *conn) close() {
	close(c.send)
	evicted := c.sess.Close()

	c.s.metrics.IncConnectionClosed()
	c.s.removeConn(c.ws)
	c.logger.Debug("connection closed", map[string]any{"evicted": evicted})
}
