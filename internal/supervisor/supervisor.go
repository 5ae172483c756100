// Package supervisor keeps trying to open the room connection until it
// is live or the process unloads.
package supervisor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/lifecycle"
	"github.com/luciancaetano/roomlink/internal/websocket"
)

// Jitter draws the delay before a retry uniformly from [Min, Min+Spread).
type Jitter struct {
	Min    time.Duration
	Spread time.Duration
	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n time.Duration) time.Duration
}

// DefaultJitter waits between 4 and 6 seconds.
func DefaultJitter() Jitter {
	return Jitter{Min: 4 * time.Second, Spread: 2 * time.Second}
}

// Delay returns the next retry delay.
func (j Jitter) Delay() time.Duration {
	if j.Spread <= 0 {
		return j.Min
	}
	draw := j.Rand
	if draw == nil {
		draw = rand.N[time.Duration]
	}
	return j.Min + draw(j.Spread)
}

// Config wires a Supervisor.
type Config struct {
	Dialer    roomlink.Dialer
	Tokens    roomlink.TokenSource
	Lifecycle *lifecycle.Lifecycle
	// Jitter defaults to DefaultJitter.
	Jitter *Jitter
	Logger *zerolog.Logger
}

// Supervisor opens the persistent room connection.
type Supervisor struct {
	mu        sync.Mutex
	dialer    roomlink.Dialer
	tokens    roomlink.TokenSource
	lifecycle *lifecycle.Lifecycle
	jitter    Jitter
	logger    zerolog.Logger
}

// New validates cfg and returns a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("supervisor: Dialer is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("supervisor: Tokens is required")
	}
	if cfg.Lifecycle == nil {
		return nil, errors.New("supervisor: Lifecycle is required")
	}

	jitter := DefaultJitter()
	if cfg.Jitter != nil {
		jitter = *cfg.Jitter
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Supervisor{
		dialer:    cfg.Dialer,
		tokens:    cfg.Tokens,
		lifecycle: cfg.Lifecycle,
		jitter:    jitter,
		logger:    logger.With().Str("component", "supervisor").Logger(),
	}, nil
}

// Connect blocks until a room connection completed its handshake.
//
// Transport failures and handshake closes are retried after a jittered
// delay, forever. Connect only fails with roomlink.ErrUnloading once the
// lifecycle unloads, or with the context error.
//
// Only one Connect runs at a time; concurrent calls wait their turn.
func (s *Supervisor) Connect(ctx context.Context, params roomlink.AttemptParams) (*roomlink.OnConnect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	params = params.Clone()

	for attempt := 1; ; attempt++ {
		if s.lifecycle.Unloading() {
			return nil, roomlink.ErrUnloading
		}

		onConnect, err := s.attempt(ctx, params)
		if err == nil {
			if s.lifecycle.Unloading() {
				_ = onConnect.Conn.Close(context.Background())
				return nil, roomlink.ErrUnloading
			}
			s.logger.Info().Str("room", params.RoomURL).Int("attempt", attempt).Msg("connected to room")
			return onConnect, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := s.jitter.Delay()
		s.logFailure(err, attempt, delay)

		if err := s.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (s *Supervisor) attempt(ctx context.Context, params roomlink.AttemptParams) (*roomlink.OnConnect, error) {
	token, err := s.tokens.AuthToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read auth token")
	}
	return s.dialer.Dial(ctx, token, params)
}

// wait posts the next attempt to the lifecycle timer and blocks until it fires.
func (s *Supervisor) wait(ctx context.Context, delay time.Duration) error {
	wake := make(chan struct{})
	if err := s.lifecycle.Schedule(delay, func() { close(wake) }); err != nil {
		return err
	}

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		s.lifecycle.Cancel()
		return ctx.Err()
	case <-s.lifecycle.Done():
		return roomlink.ErrUnloading
	}
}

func (s *Supervisor) logFailure(err error, attempt int, delay time.Duration) {
	event := s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay)

	var closeErr *websocket.HandshakeCloseError
	var connectErr *websocket.ConnectError
	switch {
	case errors.As(err, &closeErr):
		event = event.Int("code", closeErr.Code).Str("reason", closeErr.Reason)
	case errors.As(err, &connectErr):
		event = event.Int("status", connectErr.StatusCode)
	}

	event.Msg("an error occurred while connecting to the room server, retrying")
}
