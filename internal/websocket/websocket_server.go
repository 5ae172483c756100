package websocket

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/protocol"
)

// CheckOriginFn validates the origin of a websocket upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// AuthenticateFn validates the token of a joining client and returns the
// user id announced in the room joined frame.
type AuthenticateFn = func(token string) (int, error)

// OnJoinFn is called once the room joined frame was queued.
type OnJoinFn = func(conn *Conn, join JoinRequest)

// OnLeaveFn is called when a joined client goes away. voluntary is true
// when the server closed the connection itself.
type OnLeaveFn = func(conn *Conn, voluntary bool)

// HandlerFn processes one frame from a joined client.
type HandlerFn = func(conn *Conn, payload []byte)

// JoinRequest is the server-side view of the attempt parameters.
type JoinRequest struct {
	Token  string
	Params roomlink.AttemptParams
}

// ParseJoinRequest decodes the query built by JoinQuery.
func ParseJoinRequest(r *http.Request) JoinRequest {
	q := r.URL.Query()
	atoi := func(key string) int {
		v, _ := strconv.Atoi(q.Get(key))
		return v
	}

	join := JoinRequest{
		Token: q.Get("token"),
		Params: roomlink.AttemptParams{
			RoomURL:         q.Get("roomId"),
			Name:            q.Get("name"),
			CharacterLayers: q["characterLayers"],
			Position: roomlink.Position{
				X:         atoi("x"),
				Y:         atoi("y"),
				Direction: q.Get("direction"),
				Moving:    q.Get("moving") == "true",
			},
			Viewport: roomlink.Viewport{
				Left:   atoi("left"),
				Top:    atoi("top"),
				Right:  atoi("right"),
				Bottom: atoi("bottom"),
			},
		},
	}
	if q.Has("companion") {
		companion := q.Get("companion")
		join.Params.Companion = &companion
	}
	return join
}

// ServerConfig configures a development room server.
type ServerConfig struct {
	Addr            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	Authenticate    AuthenticateFn
	OnJoin          OnJoinFn
	OnLeave         OnLeaveFn
	Logger          *zerolog.Logger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig allows 100 frames per second with burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// Server is a room server speaking the handshake the Dialer expects. It
// backs the devserver command and the end-to-end tests.
type Server struct {
	addr     string
	server   *http.Server
	clients  sync.Map // map[string]*Conn
	handlers sync.Map // map[uint32]HandlerFn

	rateLimitConfig *RateLimitConfig
	authenticate    AuthenticateFn

	mu       sync.RWMutex
	running  bool
	nextUser int
	upgrader websocket.Upgrader
	onJoin   OnJoinFn
	onLeave  OnLeaveFn
	logger   zerolog.Logger
}

// NewServer creates a room server. A nil RateLimitConfig uses
// DefaultRateLimitConfig; a nil Authenticate accepts every token.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Server{
		addr:            cfg.Addr,
		rateLimitConfig: cfg.RateLimitConfig,
		authenticate:    cfg.Authenticate,
		onJoin:          cfg.OnJoin,
		onLeave:         cfg.OnLeave,
		logger:          logger.With().Str("component", "room-server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Handler returns the HTTP handler serving /room.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/room", s.handleWebSocket)
	return mux
}

// Start starts listening on the configured address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(roomlink.ErrServerAlreadyRunning)
	}
	s.running = true
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Surface immediate bind errors.
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info().Str("addr", s.addr).Msg("room server listening")
		return nil
	}
}

// Stop closes every client connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.clients.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*Conn); ok {
			_ = conn.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RegisterHandler registers the handler run for frames with commandID.
// Handlers run in their own goroutine.
func (s *Server) RegisterHandler(commandID uint32, handler HandlerFn) {
	s.handlers.Store(commandID, handler)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	join := ParseJoinRequest(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	conn := newConn(ws, r.RemoteAddr, s.rateLimitConfig.limiter(), s.logger)

	userID, err := s.authenticateToken(join.Token)
	if err != nil {
		s.logger.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejecting room join")
		_ = conn.CloseWithCode(context.Background(), roomlink.CloseUnauthorized, roomlink.ErrUnauthorized)
		return
	}

	joined, err := protocol.EncodeJSON(roomlink.CmdRoomJoined, roomlink.RoomJoined{UserID: userID})
	if err != nil {
		_ = conn.CloseWithCode(context.Background(), websocket.CloseInternalServerErr, err.Error())
		return
	}
	if err := conn.sendRaw(context.Background(), joined); err != nil {
		_ = conn.CloseWithCode(context.Background(), websocket.CloseInternalServerErr, err.Error())
		return
	}

	s.clients.Store(conn.ID(), conn)
	if s.onJoin != nil {
		s.onJoin(conn, join)
	}

	go s.handleClient(conn)
}

func (s *Server) authenticateToken(token string) (int, error) {
	if s.authenticate != nil {
		return s.authenticate(token)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	return s.nextUser, nil
}

// handleClient reads frames from a joined client until it goes away.
func (s *Server) handleClient(conn *Conn) {
	defer func() {
		voluntary := !conn.IsAlive()
		if s.onLeave != nil {
			s.onLeave(conn, voluntary)
		}
		s.clients.Delete(conn.ID())
		_ = conn.Close(context.Background())
	}()

	_ = conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("unexpected close")
			}
			return
		}
		_ = conn.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if !conn.allow() {
			s.logger.Warn().Str("conn_id", conn.ID()).Str("remote_addr", conn.RemoteAddr()).Msg("rate limit exceeded")
			_ = conn.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, roomlink.ErrRateLimitExceeded)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			_ = conn.CloseWithCode(context.Background(), websocket.CloseProtocolError, roomlink.ErrInvalidFrame)
			return
		}

		if handler, ok := s.handlers.Load(frame.Command); ok {
			if handlerFn, ok := handler.(HandlerFn); ok {
				go handlerFn(conn, frame.Payload)
			}
		}
	}
}

// Count returns the number of joined clients.
func (s *Server) Count() int {
	n := 0
	s.clients.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Broadcast sends a frame to every joined client.
func (s *Server) Broadcast(ctx context.Context, commandID uint32, payload []byte) {
	s.clients.Range(func(_, value interface{}) bool {
		if conn, ok := value.(*Conn); ok {
			if err := conn.Send(ctx, commandID, payload); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("broadcast send failed")
			}
		}
		return true
	})
}
