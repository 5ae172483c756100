// Package ws exposes the development room server, a minimal server that
// speaks the room handshake so clients can be exercised without the
// real room front.
package ws

import (
	"net/http"

	"github.com/luciancaetano/roomlink/internal/websocket"
)

type (
	Server          = websocket.Server
	ServerConfig    = websocket.ServerConfig
	RateLimitConfig = websocket.RateLimitConfig
	CheckOriginFn   = websocket.CheckOriginFn
	AuthenticateFn  = websocket.AuthenticateFn
	OnJoinFn        = websocket.OnJoinFn
	OnLeaveFn       = websocket.OnLeaveFn
	JoinRequest     = websocket.JoinRequest
	Conn            = websocket.Conn
)

// NewRoomServer creates a room server.
//
// Example:
//
//	server := ws.NewRoomServer(ws.ServerConfig{
//	    Addr:        ":8080",
//	    CheckOrigin: ws.AllOrigins(),
//	    OnJoin: func(conn *ws.Conn, join ws.JoinRequest) {
//	        log.Info().Str("name", join.Params.Name).Msg("joined")
//	    },
//	})
//	server.Start(ctx)
func NewRoomServer(cfg ServerConfig) *Server {
	return websocket.NewServer(cfg)
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
