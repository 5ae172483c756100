// Package session decides how a page load authenticates and which room it
// enters.
package session

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/store"
)

// DefaultLoginPath is where a failed code exchange or a logout sends the user.
const DefaultLoginPath = "/login"

// TokenCache is the cached projection of the stored auth token.
type TokenCache interface {
	roomlink.TokenSource
	SetAuthToken(ctx context.Context, token string) error
}

// Config wires an Orchestrator.
type Config struct {
	Store    roomlink.CredentialStore
	Gateway  roomlink.Gateway
	Resolver roomlink.RoomResolver

	// Tokens defaults to a read-through cache over Store.
	Tokens TokenCache
	// RemoteCache, when set, overrides the last room URL of bare loads.
	RemoteCache roomlink.RoomURLCache
	Analytics   roomlink.Analytics
	Notifier    roomlink.ConnectedNotifier

	// StartRoomURL is entered when no room was visited yet. It may be
	// relative to the page.
	StartRoomURL string
	// LoginPath defaults to DefaultLoginPath.
	LoginPath string

	Logger *zerolog.Logger
}

// Orchestrator establishes the session of one page load at a time.
type Orchestrator struct {
	store       roomlink.CredentialStore
	tokens      TokenCache
	gateway     roomlink.Gateway
	resolver    roomlink.RoomResolver
	remoteCache roomlink.RoomURLCache
	analytics   roomlink.Analytics
	notifier    roomlink.ConnectedNotifier
	startRoom   string
	loginPath   string
	logger      zerolog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	mode roomlink.ConnexionMode
	room *roomlink.Room
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: Store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("session: Gateway is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("session: Resolver is required")
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = store.NewTokenCache(cfg.Store)
	}
	analytics := cfg.Analytics
	if analytics == nil {
		analytics = nopAnalytics{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Orchestrator{
		store:       cfg.Store,
		tokens:      tokens,
		gateway:     cfg.Gateway,
		resolver:    cfg.Resolver,
		remoteCache: cfg.RemoteCache,
		analytics:   analytics,
		notifier:    notifier,
		startRoom:   cfg.StartRoomURL,
		loginPath:   loginPath,
		logger:      logger.With().Str("component", "session").Logger(),
	}, nil
}

// Tokens returns the token cache connection attempts should read.
func (o *Orchestrator) Tokens() TokenCache {
	return o.tokens
}

// Mode returns the mode of the last run.
func (o *Orchestrator) Mode() roomlink.ConnexionMode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// CurrentRoom returns the room of the last successful run, nil otherwise.
func (o *Orchestrator) CurrentRoom() *roomlink.Room {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.room
}

// EstablishSession runs the authentication branch selected by page and
// returns the room to connect to.
//
// It fails with a *roomlink.RedirectRequiredError when the caller must
// navigate away, with roomlink.ErrStateMismatch or roomlink.ErrMissingCode
// when a login round trip is invalid, and with roomlink.ErrInvalidTarget
// when no room can be resolved. Concurrent calls share the running call.
func (o *Orchestrator) EstablishSession(ctx context.Context, page *url.URL) (*roomlink.Room, error) {
	v, err, _ := o.group.Do("establish", func() (any, error) {
		return o.establish(ctx, page)
	})
	if err != nil {
		return nil, err
	}
	return v.(*roomlink.Room), nil
}

func (o *Orchestrator) establish(ctx context.Context, page *url.URL) (*roomlink.Room, error) {
	mode, err := DetectMode(page)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.mode, o.room = mode, nil
	o.mu.Unlock()

	logger := o.logger.With().Str("mode", string(mode)).Logger()
	logger.Debug().Str("page", page.String()).Msg("establishing session")

	var (
		room *roomlink.Room
		user *roomlink.LocalUser
	)
	switch mode {
	case roomlink.ModeLogin:
		room, user, err = o.externalLogin(ctx, page)
	case roomlink.ModeJWT:
		room, user, err = o.codeExchange(ctx, page)
	case roomlink.ModeRegister:
		room, user, err = o.register(ctx, page)
	default:
		room, user, err = o.enter(ctx, page, mode)
	}
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, errors.Wrap(roomlink.ErrInvalidTarget, "no room resolved")
	}

	o.mu.Lock()
	o.room = room
	o.mu.Unlock()

	if user != nil {
		o.analytics.IdentifyUser(ctx, user.UUID)
	}

	logger.Info().Str("room", room.Key).Msg("session established")
	return room, nil
}

func (o *Orchestrator) externalLogin(ctx context.Context, page *url.URL) (*roomlink.Room, *roomlink.LocalUser, error) {
	room, err := o.resolveLastRoom(ctx, page)
	if err != nil {
		return nil, nil, err
	}

	target, err := o.loginRedirect(ctx, room)
	if err != nil {
		return nil, nil, err
	}
	if target != "" {
		return nil, nil, &roomlink.RedirectRequiredError{URL: target}
	}

	user, err := o.store.LocalUser(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load local user")
	}
	return room, user, nil
}

func (o *Orchestrator) codeExchange(ctx context.Context, page *url.URL) (*roomlink.Room, *roomlink.LocalUser, error) {
	query := page.Query()
	code, state := query.Get("code"), query.Get("state")

	if state == "" {
		return nil, nil, roomlink.ErrStateMismatch
	}
	ok, err := o.store.VerifyState(ctx, state)
	if err != nil {
		return nil, nil, errors.Wrap(err, "verify state")
	}
	if !ok {
		return nil, nil, roomlink.ErrStateMismatch
	}
	if code == "" {
		return nil, nil, roomlink.ErrMissingCode
	}

	if err := o.store.SetCode(ctx, code); err != nil {
		return nil, nil, errors.Wrap(err, "store code")
	}

	room, err := o.resolveLastRoom(ctx, page)
	if err != nil {
		return nil, nil, err
	}

	if err := o.loginCallback(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("code exchange failed, restarting login")

		target, redirectErr := o.loginRedirect(ctx, room)
		if redirectErr != nil {
			return nil, nil, redirectErr
		}
		if target == "" {
			target = o.loginPath
		}
		return nil, nil, &roomlink.RedirectRequiredError{URL: target}
	}
	o.analytics.LoggedWithSSO(ctx)

	user, err := o.store.LocalUser(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load local user")
	}
	return room, user, nil
}

func (o *Orchestrator) register(ctx context.Context, page *url.URL) (*roomlink.Room, *roomlink.LocalUser, error) {
	memberToken := OrganizationToken(page)
	if memberToken == "" {
		return nil, nil, errors.Wrap(roomlink.ErrInvalidTarget, "register link without token")
	}

	reg, err := o.gateway.Register(ctx, memberToken)
	if err != nil {
		return nil, nil, errors.Wrapf(roomlink.ErrInvalidTarget, "register: %v", err)
	}

	user := &roomlink.LocalUser{UUID: reg.UserUUID, Textures: reg.Textures}
	if user.Textures == nil {
		user.Textures = []roomlink.CharacterTexture{}
	}
	if err := o.store.SaveUser(ctx, user); err != nil {
		return nil, nil, errors.Wrap(err, "save user")
	}
	if err := o.tokens.SetAuthToken(ctx, reg.AuthToken); err != nil {
		return nil, nil, errors.Wrap(err, "store auth token")
	}
	o.analytics.LoggedWithToken(ctx)

	room, err := o.resolve(ctx, registeredRoomURL(page, reg.RoomURL))
	if err != nil {
		return nil, nil, err
	}
	return room, user, nil
}

// registeredRoomURL puts the room path of a registration on the page origin,
// keeping the page query and fragment.
func registeredRoomURL(page *url.URL, roomPath string) string {
	var b strings.Builder
	b.WriteString(page.Scheme)
	b.WriteString("://")
	b.WriteString(page.Host)
	b.WriteString(roomPath)
	if page.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(page.RawQuery)
	}
	if page.Fragment != "" {
		b.WriteString("#")
		b.WriteString(page.EscapedFragment())
	}
	return b.String()
}

// enter serves organization, anonymous and bare loads.
func (o *Orchestrator) enter(ctx context.Context, page *url.URL, mode roomlink.ConnexionMode) (*roomlink.Room, *roomlink.LocalUser, error) {
	token, err := o.tokens.AuthToken(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read auth token")
	}

	var user *roomlink.LocalUser
	if token == "" {
		if user, err = o.anonymousLogin(ctx); err != nil {
			return nil, nil, err
		}
	} else {
		if err := o.refreshIdentity(ctx); err != nil {
			o.logger.Debug().Err(err).Msg("token not re-validated, continuing with stored identity")
		}
		if user, err = o.store.LocalUser(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "load local user")
		}
		if user == nil {
			if user, err = o.anonymousLogin(ctx); err != nil {
				return nil, nil, err
			}
		}
	}

	roomURL := page.String()
	if mode == roomlink.ModeEmpty {
		if roomURL, err = o.bareRoomURL(ctx, page); err != nil {
			return nil, nil, err
		}
	}

	room, err := o.resolve(ctx, roomURL)
	if err != nil {
		return nil, nil, err
	}

	if len(room.Textures) > 0 {
		user.MergeTextures(room.Textures)
		if err := o.store.SaveUser(ctx, user); err != nil {
			return nil, nil, errors.Wrap(err, "save user")
		}
	}
	return room, user, nil
}

// refreshIdentity re-runs the login-callback exchange for a stored token.
// Callers may ignore its error: a stale token still connects, unconfirmed.
// Once a round trip succeeded its state is gone, so this returns
// ErrStateMismatch without calling the gateway.
func (o *Orchestrator) refreshIdentity(ctx context.Context) error {
	return o.loginCallback(ctx)
}

func (o *Orchestrator) anonymousLogin(ctx context.Context) (*roomlink.LocalUser, error) {
	login, err := o.gateway.AnonymousLogin(ctx)
	if err != nil {
		return nil, errors.Wrapf(roomlink.ErrInvalidTarget, "anonymous login: %v", err)
	}

	user := &roomlink.LocalUser{UUID: login.UserUUID, Textures: []roomlink.CharacterTexture{}}
	if err := o.store.SaveUser(ctx, user); err != nil {
		return nil, errors.Wrap(err, "save user")
	}
	if err := o.tokens.SetAuthToken(ctx, login.AuthToken); err != nil {
		return nil, errors.Wrap(err, "store auth token")
	}
	return user, nil
}

// loginCallback exchanges the stored code for a token.
func (o *Orchestrator) loginCallback(ctx context.Context) error {
	o.notifier.SetConnected(false)

	state, err := o.store.State(ctx)
	if err != nil {
		return errors.Wrap(err, "read state")
	}
	ok, err := o.store.VerifyState(ctx, state)
	if err != nil {
		return errors.Wrap(err, "verify state")
	}
	if !ok {
		return roomlink.ErrStateMismatch
	}

	code, err := o.store.Code(ctx)
	if err != nil {
		return errors.Wrap(err, "read code")
	}
	if code == "" {
		return roomlink.ErrMissingCode
	}

	nonce, err := o.store.Nonce(ctx)
	if err != nil {
		return errors.Wrap(err, "read nonce")
	}
	token, err := o.tokens.AuthToken(ctx)
	if err != nil {
		return errors.Wrap(err, "read auth token")
	}

	authToken, err := o.gateway.LoginCallback(ctx, code, nonce, token)
	if err != nil {
		return errors.Wrap(err, "login callback")
	}
	if err := o.tokens.SetAuthToken(ctx, authToken); err != nil {
		return errors.Wrap(err, "store auth token")
	}
	if err := o.store.ClearRedirectState(ctx); err != nil {
		return errors.Wrap(err, "clear redirect state")
	}

	o.notifier.SetConnected(true)
	return nil
}

// loginRedirect prepares an external login round trip for room: fresh state
// and nonce, no stored token. It returns "" when the room has no external
// authentication endpoint, in which case the load proceeds without credential.
func (o *Orchestrator) loginRedirect(ctx context.Context, room *roomlink.Room) (string, error) {
	state, err := o.store.GenerateState(ctx)
	if err != nil {
		return "", errors.Wrap(err, "generate state")
	}
	nonce, err := o.store.GenerateNonce(ctx)
	if err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	if err := o.tokens.SetAuthToken(ctx, ""); err != nil {
		return "", errors.Wrap(err, "clear auth token")
	}
	if room.ExternalAuthEndpoint == "" {
		return "", nil
	}

	sep := "?"
	if strings.Contains(room.ExternalAuthEndpoint, "?") {
		sep = "&"
	}
	return room.ExternalAuthEndpoint + sep +
		"state=" + url.QueryEscape(state) +
		"&nonce=" + url.QueryEscape(nonce) +
		"&playUri=" + url.QueryEscape(room.Key), nil
}

func (o *Orchestrator) resolveLastRoom(ctx context.Context, page *url.URL) (*roomlink.Room, error) {
	last, err := o.store.LastRoomURL(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read last room")
	}
	if last == "" {
		last = o.startRoom
	}
	return o.resolveOn(ctx, page, last)
}

func (o *Orchestrator) bareRoomURL(ctx context.Context, page *url.URL) (string, error) {
	roomURL, err := o.store.LastRoomURL(ctx)
	if err != nil {
		return "", errors.Wrap(err, "read last room")
	}

	if o.remoteCache != nil {
		cached, found, err := o.remoteCache.LastRoomURL(ctx)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Msg("remote room cache unavailable, using local last room")
		case found:
			roomURL = cached
		}
	}

	if roomURL == "" {
		roomURL = o.startRoom
	}
	if roomURL == "" {
		return "", errors.Wrap(roomlink.ErrInvalidTarget, "no last room and no start room")
	}

	u, err := page.Parse(roomURL)
	if err != nil {
		return "", errors.Wrapf(roomlink.ErrInvalidTarget, "parse room URL %q: %v", roomURL, err)
	}
	return u.String(), nil
}

// resolveOn resolves raw relative to page.
func (o *Orchestrator) resolveOn(ctx context.Context, page *url.URL, raw string) (*roomlink.Room, error) {
	if raw == "" {
		return nil, errors.Wrap(roomlink.ErrInvalidTarget, "no room URL")
	}
	u, err := page.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(roomlink.ErrInvalidTarget, "parse room URL %q: %v", raw, err)
	}
	return o.resolve(ctx, u.String())
}

func (o *Orchestrator) resolve(ctx context.Context, raw string) (*roomlink.Room, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(roomlink.ErrInvalidTarget, "parse room URL %q: %v", raw, err)
	}
	room, err := o.resolver.CreateRoom(ctx, u)
	if err != nil {
		return nil, errors.Wrapf(roomlink.ErrInvalidTarget, "resolve %s: %v", raw, err)
	}
	if room == nil {
		return nil, errors.Wrapf(roomlink.ErrInvalidTarget, "resolve %s: no room", raw)
	}
	return room, nil
}

// Logout invalidates the session remotely, clears the stored token and
// returns the page the caller should navigate to. The token is cleared
// even when the remote call fails.
func (o *Orchestrator) Logout(ctx context.Context) (string, error) {
	o.notifier.SetConnected(false)

	token, err := o.tokens.AuthToken(ctx)
	if err != nil {
		return o.loginPath, errors.Wrap(err, "read auth token")
	}

	_, callErr := o.gateway.LogoutCallback(ctx, token)
	if err := o.tokens.SetAuthToken(ctx, ""); err != nil {
		return o.loginPath, errors.Wrap(err, "clear auth token")
	}
	if callErr != nil {
		return o.loginPath, errors.Wrap(callErr, "logout callback")
	}

	o.logger.Info().Msg("logged out")
	return o.loginPath, nil
}

type nopAnalytics struct{}

func (nopAnalytics) IdentifyUser(context.Context, string) {}
func (nopAnalytics) LoggedWithToken(context.Context)      {}
func (nopAnalytics) LoggedWithSSO(context.Context)        {}

type nopNotifier struct{}

func (nopNotifier) SetConnected(bool) {}
