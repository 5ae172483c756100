// Package client wires the session orchestrator and the connection
// supervisor into a single handle.
package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/analytics"
	"github.com/luciancaetano/roomlink/internal/config"
	"github.com/luciancaetano/roomlink/internal/gateway"
	"github.com/luciancaetano/roomlink/internal/lifecycle"
	"github.com/luciancaetano/roomlink/internal/room"
	"github.com/luciancaetano/roomlink/internal/session"
	"github.com/luciancaetano/roomlink/internal/store"
	"github.com/luciancaetano/roomlink/internal/supervisor"
	"github.com/luciancaetano/roomlink/internal/websocket"
)

// NavigatorFunc adapts a function to roomlink.Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

// Config configures a Client.
type Config struct {
	// GatewayURL is the HTTP base of the identity endpoints.
	GatewayURL string
	// PusherURL is the base of the room connection endpoint.
	PusherURL string
	// StartRoomURL is entered when no room was visited yet.
	StartRoomURL string
	// LoginPath defaults to "/login".
	LoginPath string

	// StorePath is a SQLite DSN; empty keeps credentials in memory.
	StorePath string
	// Store overrides StorePath.
	Store roomlink.CredentialStore
	// RedisAddr enables the remote last-room cache.
	RedisAddr string

	// RetryMin and RetrySpread default to 4s and 2s.
	RetryMin    time.Duration
	RetrySpread time.Duration

	// GatewayRequestsPerSecond of 0 leaves identity calls unthrottled.
	GatewayRequestsPerSecond float64
	GatewayBurst             int
	HTTPClient               *http.Client

	HandshakeTimeout time.Duration

	// Publisher receives analytics events; defaults to an in-process gochannel.
	Publisher message.Publisher
	Navigator roomlink.Navigator
	Notifier  roomlink.ConnectedNotifier

	Logger *zerolog.Logger
}

// ConfigFromFile loads a YAML configuration file.
func ConfigFromFile(path string) (Config, error) {
	fc, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return FromFileConfig(fc), nil
}

// FromFileConfig maps the file configuration onto a Config.
func FromFileConfig(fc config.Config) Config {
	return Config{
		GatewayURL:               fc.GatewayURL,
		PusherURL:                fc.PusherURL,
		StartRoomURL:             fc.StartRoomURL,
		LoginPath:                fc.LoginPath,
		StorePath:                fc.StorePath,
		RedisAddr:                fc.RedisAddr,
		RetryMin:                 fc.RetryMin(),
		RetrySpread:              fc.RetrySpread(),
		GatewayRequestsPerSecond: fc.Gateway.RequestsPerSecond,
		GatewayBurst:             fc.Gateway.Burst,
		HandshakeTimeout:         fc.HandshakeTimeout,
	}
}

// Client is one page load's session with the room service.
type Client struct {
	store       roomlink.CredentialStore
	ownsStore   bool
	remoteCache *store.RedisRoomCache
	analytics   *analytics.Publisher
	lifecycle   *lifecycle.Lifecycle
	session     *session.Orchestrator
	supervisor  *supervisor.Supervisor
	navigator   roomlink.Navigator
	logger      zerolog.Logger
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &Client{
		navigator: cfg.Navigator,
		lifecycle: lifecycle.New(),
		logger:    logger.With().Str("component", "client").Logger(),
	}

	if err := c.init(cfg, &logger); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(cfg Config, logger *zerolog.Logger) error {
	c.store = cfg.Store
	if c.store == nil {
		var err error
		if c.store, err = openStore(cfg.StorePath); err != nil {
			return err
		}
		c.ownsStore = true
	}

	var limiter *rate.Limiter
	if cfg.GatewayRequestsPerSecond > 0 {
		burst := cfg.GatewayBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.GatewayRequestsPerSecond), burst)
	}

	gw, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:    cfg.GatewayURL,
		HTTPClient: cfg.HTTPClient,
		Limiter:    limiter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	resolver, err := room.NewResolver(room.ResolverConfig{Maps: gw, Logger: logger})
	if err != nil {
		return err
	}

	var remote roomlink.RoomURLCache
	if cfg.RedisAddr != "" {
		c.remoteCache, err = store.NewRedisRoomCache(store.RedisRoomCacheConfig{
			Addr:  cfg.RedisAddr,
			Users: c.store,
		})
		if err != nil {
			return err
		}
		remote = c.remoteCache
	}

	c.analytics = analytics.New(analytics.Config{Publisher: cfg.Publisher, Logger: logger})

	tokens := store.NewTokenCache(c.store)
	c.session, err = session.New(session.Config{
		Store:        c.store,
		Tokens:       tokens,
		Gateway:      gw,
		Resolver:     resolver,
		RemoteCache:  remote,
		Analytics:    c.analytics,
		Notifier:     cfg.Notifier,
		StartRoomURL: cfg.StartRoomURL,
		LoginPath:    cfg.LoginPath,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	dialer, err := websocket.NewDialer(websocket.DialerConfig{
		PusherURL:        cfg.PusherURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	jitter := supervisor.DefaultJitter()
	if cfg.RetryMin > 0 {
		jitter.Min = cfg.RetryMin
	}
	if cfg.RetrySpread > 0 {
		jitter.Spread = cfg.RetrySpread
	}

	c.supervisor, err = supervisor.New(supervisor.Config{
		Dialer:    dialer,
		Tokens:    tokens,
		Lifecycle: c.lifecycle,
		Jitter:    &jitter,
		Logger:    logger,
	})
	return err
}

func openStore(dsn string) (*store.Store, error) {
	if dsn == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(dsn)
}

// EstablishSession authenticates the page load and resolves its room.
//
// When the flow needs an external page, the Navigator is sent there and
// the returned error matches roomlink.ErrRedirectRequired.
func (c *Client) EstablishSession(ctx context.Context, page *url.URL) (*roomlink.Room, error) {
	r, err := c.session.EstablishSession(ctx, page)
	if err == nil {
		return r, nil
	}

	var redirect *roomlink.RedirectRequiredError
	if errors.As(err, &redirect) {
		c.logger.Info().Str("target", redirect.URL).Msg("redirecting to external login")
		c.navigate(ctx, redirect.URL)
	}
	return nil, err
}

// Connect opens the room connection, retrying until it is live, ctx ends
// or Unload is called. The room is remembered as the last one visited.
func (c *Client) Connect(ctx context.Context, params roomlink.AttemptParams) (*roomlink.OnConnect, error) {
	onConnect, err := c.supervisor.Connect(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := c.store.SetLastRoomURL(ctx, params.RoomURL); err != nil {
		c.logger.Warn().Err(err).Msg("could not record last room")
	}
	if c.remoteCache != nil {
		if err := c.remoteCache.SetLastRoomURL(ctx, params.RoomURL); err != nil {
			c.logger.Warn().Err(err).Msg("could not update remote room cache")
		}
	}
	return onConnect, nil
}

// Logout ends the session and sends the Navigator to the login page.
func (c *Client) Logout(ctx context.Context) error {
	target, err := c.session.Logout(ctx)
	c.navigate(ctx, target)
	return err
}

// Room returns the room of the last successful EstablishSession.
func (c *Client) Room() *roomlink.Room {
	return c.session.CurrentRoom()
}

// Mode returns the connexion mode of the last EstablishSession.
func (c *Client) Mode() roomlink.ConnexionMode {
	return c.session.Mode()
}

// Unload stops any pending reconnection. Connects in progress return
// roomlink.ErrUnloading.
func (c *Client) Unload() {
	c.lifecycle.Unload()
}

// Close unloads the client and releases its resources.
func (c *Client) Close() error {
	c.lifecycle.Unload()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.analytics != nil {
		keep(c.analytics.Close())
	}
	if c.remoteCache != nil {
		keep(c.remoteCache.Close())
	}
	if closer, ok := c.store.(interface{ Close() error }); ok && c.ownsStore {
		keep(closer.Close())
	}
	return first
}

func (c *Client) navigate(ctx context.Context, target string) {
	if c.navigator == nil || target == "" {
		return
	}
	if err := c.navigator.Navigate(ctx, target); err != nil {
		c.logger.Error().Err(err).Str("target", target).Msg("navigation failed")
	}
}
