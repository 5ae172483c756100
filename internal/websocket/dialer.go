package websocket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/protocol"
)

// ConnectError is returned when the transport failed before a websocket
// connection existed (DNS, TCP, TLS, or a refused HTTP upgrade).
type ConnectError struct {
	// StatusCode is the HTTP status of a refused upgrade, 0 otherwise.
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("room connect failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("room connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// HandshakeCloseError is returned when the connection closed before the
// server confirmed the room join.
type HandshakeCloseError struct {
	Code   int
	Reason string
}

func (e *HandshakeCloseError) Error() string {
	return fmt.Sprintf("room connection closed during handshake. Code: %d, Reason: %s", e.Code, e.Reason)
}

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// PusherURL is the base URL of the room front (http, https, ws or wss).
	PusherURL string
	// HandshakeTimeout bounds the HTTP upgrade. Zero keeps the gorilla default.
	HandshakeTimeout time.Duration
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Dialer opens room connections. It implements roomlink.Dialer.
type Dialer struct {
	base   *url.URL
	dialer *websocket.Dialer
	logger zerolog.Logger
}

var _ roomlink.Dialer = (*Dialer)(nil)

// NewDialer validates the config and builds a Dialer.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.PusherURL == "" {
		return nil, errors.New("websocket: PusherURL is required")
	}
	base, err := url.Parse(cfg.PusherURL)
	if err != nil {
		return nil, errors.Wrapf(err, "websocket: invalid PusherURL %q", cfg.PusherURL)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("websocket: unsupported PusherURL scheme %q", base.Scheme)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}

	return &Dialer{
		base:   base,
		dialer: &dialer,
		logger: logger.With().Str("component", "room-dialer").Logger(),
	}, nil
}

// RoomURL builds the URL of one connection attempt.
func (d *Dialer) RoomURL(token string, params roomlink.AttemptParams) string {
	target := *d.base
	target.Path = strings.TrimSuffix(target.Path, "/") + "/room"
	target.RawQuery = JoinQuery(token, params).Encode()
	return target.String()
}

// JoinQuery encodes the attempt parameters the way the room front expects them.
func JoinQuery(token string, params roomlink.AttemptParams) url.Values {
	q := url.Values{}
	q.Set("roomId", params.RoomURL)
	q.Set("token", token)
	q.Set("name", params.Name)
	for _, layer := range params.CharacterLayers {
		q.Add("characterLayers", layer)
	}
	q.Set("x", strconv.Itoa(params.Position.X))
	q.Set("y", strconv.Itoa(params.Position.Y))
	if params.Position.Direction != "" {
		q.Set("direction", params.Position.Direction)
	}
	q.Set("moving", strconv.FormatBool(params.Position.Moving))
	q.Set("top", strconv.Itoa(params.Viewport.Top))
	q.Set("bottom", strconv.Itoa(params.Viewport.Bottom))
	q.Set("left", strconv.Itoa(params.Viewport.Left))
	q.Set("right", strconv.Itoa(params.Viewport.Right))
	if params.Companion != nil {
		q.Set("companion", *params.Companion)
	}
	return q
}

// Dial performs one attempt and waits for the room joined frame.
//
// The returned error is a *ConnectError when the upgrade never happened,
// a *HandshakeCloseError when the connection closed before the join was
// confirmed, or the context error.
func (d *Dialer) Dial(ctx context.Context, token string, params roomlink.AttemptParams) (*roomlink.OnConnect, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.RoomURL(token, params), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &ConnectError{StatusCode: status, Err: err}
	}

	// Unblock the handshake read when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &HandshakeCloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, &HandshakeCloseError{Code: roomlink.CloseAbnormal, Reason: err.Error()}
	}

	frame, err := protocol.Decode(data)
	if err == nil {
		var joined roomlink.RoomJoined
		joined, err = protocol.DecodeRoomJoined(frame)
		if err == nil {
			if !stop() {
				// The deadline was already forced by a cancelled ctx.
				_ = conn.Close()
				return nil, ctx.Err()
			}
			c := newConn(conn, conn.RemoteAddr().String(), nil, d.logger)
			c.startReadPump()
			d.logger.Debug().Str("room", params.RoomURL).Int("user_id", joined.UserID).Msg("room joined")
			return &roomlink.OnConnect{Conn: c, Joined: joined}, nil
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, roomlink.ErrUnexpectedFrame),
		time.Now().Add(time.Second))
	_ = conn.Close()
	return nil, &HandshakeCloseError{Code: websocket.CloseProtocolError, Reason: err.Error()}
}
