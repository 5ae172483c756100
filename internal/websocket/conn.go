package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/protocol"
)

const (
	pingPeriod   = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

var _ roomlink.Connection = (*Conn)(nil)

// Conn is one end of a handshaken room connection. The client side gets
// one from Dialer.Dial, the server side from Server.
type Conn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	messages    chan roomlink.Frame
	pumping     bool
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // nil on the client side
	logger      zerolog.Logger
}

func newConn(conn *websocket.Conn, remoteAddr string, limiter *rate.Limiter, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBuffer),
		messages:    make(chan roomlink.Frame, sendBuffer),
		rateLimiter: limiter,
		logger:      logger,
	}

	go c.writePump()

	return c
}

// ID returns the local identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer network address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Messages returns the frames read by the read pump. It is closed when
// the connection ends.
func (c *Conn) Messages() <-chan roomlink.Frame {
	return c.messages
}

// Send encodes and queues a frame.
func (c *Conn) Send(ctx context.Context, command uint32, payload []byte) error {
	data, err := protocol.Encode(command, payload)
	if err != nil {
		return errors.Wrap(err, roomlink.ErrFailedToEncode)
	}
	return c.sendRaw(ctx, data)
}

func (c *Conn) sendRaw(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New(roomlink.ErrConnectionClosed)
	}

	// The read lock is held while queueing so Close cannot close sendCh under us.
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errors.New(roomlink.ErrContextCancelled)
	}
}

// Close closes the connection with a normal closure code.
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	close(c.sendCh)
	if !c.pumping {
		close(c.messages)
	}
	return c.conn.Close()
}

// IsAlive reports whether the connection is still open.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// allow reports whether an incoming frame fits the rate limit.
func (c *Conn) allow() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// startReadPump forwards decoded frames to Messages until the connection ends.
func (c *Conn) startReadPump() {
	c.mu.Lock()
	c.pumping = true
	c.mu.Unlock()

	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		close(c.messages)
		_ = c.Close(context.Background())
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Str("conn_id", c.id).Msg("room connection closed unexpectedly")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("conn_id", c.id).Msg("dropping invalid frame")
			continue
		}

		select {
		case c.messages <- frame:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump pumps frames from the send channel to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
