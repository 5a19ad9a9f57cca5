// Package client sends logical messages to a splice server as chunked
// websocket frames and reads the server's acks.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pithecene-io/splice/types"
	"github.com/pithecene-io/splice/wire"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 10 * time.Second

// ackBuffer is the number of unread acks held before the reader blocks.
const ackBuffer = 64

// ErrClosed is returned after the connection has ended.
var ErrClosed = errors.New("client: connection closed")

// ErrDataTooLarge is returned for data whose length does not fit the
// 32-bit stream_length field.
var ErrDataTooLarge = errors.New("client: data exceeds 4 GiB stream length limit")

// Config configures a Client.
type Config struct {
	// URL is the server's websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	AppID string
	// SessionID is stamped on every header. Empty generates one.
	SessionID   string
	ChunkSize   int
	DialTimeout time.Duration
	Header      http.Header
}

// Message is one logical message to send.
type Message struct {
	// MsgID is the task id. Empty generates one.
	MsgID      string
	Name       string
	StreamType string
	Business   *types.BusinessData
	Data       []byte
}

// Client is a single websocket connection. Send is safe for concurrent
// use; acks are delivered in arrival order through NextAck.
type Client struct {
	cfg Config
	ws  *websocket.Conn

	writeMu sync.Mutex

	acks      chan types.Ack
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the server.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if cfg.AppID == "" {
		return nil, errors.New("client: app id is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = wire.DefaultChunkSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:    cfg,
		ws:     ws,
		acks:   make(chan types.Ack, ackBuffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// SessionID returns the session id stamped on outgoing headers.
func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// readLoop also services pings; gorilla answers them while reading.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var ack types.Ack
		if err := c.ws.ReadJSON(&ack); err != nil {
			c.err = err
			return
		}
		select {
		case c.acks <- ack:
		case <-c.closed:
			return
		}
	}
}

// Frames encodes m into its wire frames without sending them. Chunk
// indexes run 0..n-1 and every frame declares chunk_total n-1. Business
// data rides on the first frame only. Empty data yields one empty frame.
func (c *Client) Frames(m Message) ([][]byte, error) {
	return BuildFrames(c.cfg.AppID, c.cfg.SessionID, c.cfg.ChunkSize, m)
}

// BuildFrames is Frames without a connection.
func BuildFrames(appID, sessionID string, chunkSize int, m Message) ([][]byte, error) {
	if err := checkStreamLength(uint64(len(m.Data))); err != nil {
		return nil, err
	}
	chunks := wire.Split(m.Data, chunkSize)
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}
	last := uint32(len(chunks) - 1)

	frames := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		env := &types.Envelope{
			Header: types.Header{
				AppID:     appID,
				MsgID:     m.MsgID,
				SessionID: sessionID,
				Version:   types.ProtocolVersion,
			},
			Metadata: types.Metadata{
				Name:         m.Name,
				StreamType:   m.StreamType,
				StreamLength: uint32(len(m.Data)),
				ChunkTotal:   last,
				ChunkIndex:   uint32(i),
			},
		}
		if i == 0 {
			env.BusinessData = m.Business
		}
		raw, err := wire.Encode(env, chunk)
		if err != nil {
			return nil, fmt.Errorf("client: encode chunk %d: %w", i, err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

func checkStreamLength(n uint64) error {
	if n > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrDataTooLarge, n)
	}
	return nil
}

// Send chunks m and writes every frame. It returns the message id used.
func (c *Client) Send(ctx context.Context, m Message) (string, error) {
	if m.MsgID == "" {
		m.MsgID = uuid.NewString()
	}
	frames, err := c.Frames(m)
	if err != nil {
		return "", err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, raw := range frames {
		if err := c.writeLocked(ctx, raw); err != nil {
			return "", err
		}
	}
	return m.MsgID, nil
}

// SendRaw writes one pre-encoded frame.
func (c *Client) SendRaw(ctx context.Context, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, raw)
}

func (c *Client) writeLocked(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	return nil
}

// NextAck returns the next ack from the server.
func (c *Client) NextAck(ctx context.Context) (types.Ack, error) {
	select {
	case ack := <-c.acks:
		return ack, nil
	default:
	}
	select {
	case ack := <-c.acks:
		return ack, nil
	case <-c.done:
		// Drain anything read before the connection ended.
		select {
		case ack := <-c.acks:
			return ack, nil
		default:
		}
		if c.err != nil {
			return types.Ack{}, fmt.Errorf("%w: %v", ErrClosed, c.err)
		}
		return types.Ack{}, ErrClosed
	case <-ctx.Done():
		return types.Ack{}, ctx.Err()
	}
}

// SendAndWait sends m and waits for the ack naming its message id. Acks
// for other messages are discarded. An error ack is returned as *AckError.
func (c *Client) SendAndWait(ctx context.Context, m Message) (types.Ack, error) {
	id, err := c.Send(ctx, m)
	if err != nil {
		return types.Ack{}, err
	}
	for {
		ack, err := c.NextAck(ctx)
		if err != nil {
			return types.Ack{}, err
		}
		// Frame errors carry no message id; the frames just sent are the
		// only candidates.
		if ack.Type == types.AckError && ack.MsgID == "" {
			return ack, &AckError{Ack: ack}
		}
		if ack.MsgID != id || ack.AppID != c.cfg.AppID {
			continue
		}
		if ack.Type == types.AckError {
			return ack, &AckError{Ack: ack}
		}
		return ack, nil
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// AckError is an error ack from the server.
type AckError struct {
	Ack types.Ack
}

func (e *AckError) Error() string {
	return fmt.Sprintf("server rejected %s/%s (%s): %s", e.Ack.AppID, e.Ack.MsgID, e.Ack.Kind, e.Ack.Error)
}
