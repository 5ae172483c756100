// Package room resolves room URLs into room descriptors.
package room

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/gateway"
)

// DefaultMaxRedirects bounds how many server-side room moves are followed.
const DefaultMaxRedirects = 5

// ErrTooManyRedirects is returned when a room keeps moving.
var ErrTooManyRedirects = errors.New("room: too many redirects")

// MapSource looks up the map details of a room.
type MapSource interface {
	MapDetails(ctx context.Context, playURI string) (*gateway.MapDetails, error)
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Maps MapSource
	// MaxRedirects defaults to DefaultMaxRedirects.
	MaxRedirects int
	Logger       *zerolog.Logger
}

// Resolver implements roomlink.RoomResolver.
type Resolver struct {
	maps         MapSource
	maxRedirects int
	logger       zerolog.Logger
}

var _ roomlink.RoomResolver = (*Resolver)(nil)

// NewResolver returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Maps == nil {
		return nil, errors.New("room: Maps is required")
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Resolver{
		maps:         cfg.Maps,
		maxRedirects: maxRedirects,
		logger:       logger.With().Str("component", "room").Logger(),
	}, nil
}

// CreateRoom resolves roomURL, following redirects the server reports.
func (r *Resolver) CreateRoom(ctx context.Context, roomURL *url.URL) (*roomlink.Room, error) {
	if roomURL == nil || !roomURL.IsAbs() {
		return nil, errors.Errorf("room: %v is not an absolute URL", roomURL)
	}

	current := roomURL
	for hop := 0; ; hop++ {
		key := roomlink.RoomKey(current)
		details, err := r.maps.MapDetails(ctx, key)
		if err != nil {
			return nil, errors.Wrapf(err, "room: resolve %s", key)
		}

		if details.RedirectURL == "" {
			return &roomlink.Room{
				Key:                  key,
				URL:                  current,
				MapURL:               details.MapURL,
				ExternalAuthEndpoint: details.IframeAuthentication,
				Textures:             details.Textures,
			}, nil
		}

		if hop >= r.maxRedirects {
			return nil, errors.Wrapf(ErrTooManyRedirects, "room: last hop %s", key)
		}

		next, err := current.Parse(details.RedirectURL)
		if err != nil {
			return nil, errors.Wrapf(err, "room: invalid redirect %q", details.RedirectURL)
		}
		r.logger.Debug().Str("from", key).Str("to", next.String()).Msg("room moved")
		current = next
	}
}
