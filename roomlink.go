package roomlink

import (
	"context"
	"net/url"
)

// ConnexionMode classifies how the current page load arrived.
//
// The mode is computed once per orchestration run from the page URL and
// selects which authentication branch runs.
type ConnexionMode string

const (
	// ModeLogin is the external-login entry point ("/login").
	ModeLogin ConnexionMode = "login"
	// ModeJWT is the return leg of the external redirect ("/jwt?code=..&state=..").
	ModeJWT ConnexionMode = "jwt"
	// ModeRegister exchanges a legacy organization-member token ("/register/<token>").
	ModeRegister ConnexionMode = "register"
	// ModeOrganization is a room link inside an organization ("/@/...").
	ModeOrganization ConnexionMode = "organization"
	// ModeAnonymous is a public room link ("/_/...").
	ModeAnonymous ConnexionMode = "anonymous"
	// ModeEmpty is a bare load of the site root.
	ModeEmpty ConnexionMode = "empty"
)

// CharacterTexture describes one appearance option a user may wear.
type CharacterTexture struct {
	ID     int    `json:"id"`
	Level  int    `json:"level"`
	URL    string `json:"url"`
	Rights string `json:"rights"`
}

// LocalUser is the client's identity plus its chosen appearance.
type LocalUser struct {
	UUID     string             `json:"uuid"`
	Textures []CharacterTexture `json:"textures"`
}

// MergeTextures appends the textures whose ID is not yet known to the user.
//
// Existing textures keep their order; new ones are appended in the order
// they appear in offered. It reports whether the user was modified.
func (u *LocalUser) MergeTextures(offered []CharacterTexture) bool {
	if len(offered) == 0 {
		return false
	}

	seen := make(map[int]struct{}, len(u.Textures)+len(offered))
	for _, t := range u.Textures {
		seen[t.ID] = struct{}{}
	}

	changed := false
	for _, t := range offered {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		u.Textures = append(u.Textures, t)
		changed = true
	}
	return changed
}

// Room is a resolved destination the client will connect into.
type Room struct {
	// Key is the stable identity of the room: its URL without query and fragment.
	Key string
	// URL is the full URL the room was resolved from.
	URL *url.URL
	// MapURL points to the map the room renders.
	MapURL string
	// ExternalAuthEndpoint is the external authentication page, empty when
	// the room does not require one.
	ExternalAuthEndpoint string
	// Textures lists the appearance options the room offers.
	Textures []CharacterTexture
}

// RoomKey returns the identity key of a room URL.
func RoomKey(u *url.URL) string {
	keyed := *u
	keyed.RawQuery = ""
	keyed.ForceQuery = false
	keyed.Fragment = ""
	keyed.RawFragment = ""
	return keyed.String()
}

// Position is the avatar position sent when joining a room.
type Position struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Direction string `json:"direction"`
	Moving    bool   `json:"moving"`
}

// Viewport is the visible area of the client, in room coordinates.
type Viewport struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// AttemptParams is everything a single connection attempt needs besides
// the credential. It is captured once per Connect call and replayed
// unchanged on every retry.
type AttemptParams struct {
	RoomURL         string
	Name            string
	CharacterLayers []string
	Position        Position
	Viewport        Viewport
	// Companion is nil when the user has no companion.
	Companion *string
}

// Clone returns a deep copy so later caller mutations cannot leak into retries.
func (p AttemptParams) Clone() AttemptParams {
	out := p
	if p.CharacterLayers != nil {
		out.CharacterLayers = append([]string(nil), p.CharacterLayers...)
	}
	if p.Companion != nil {
		companion := *p.Companion
		out.Companion = &companion
	}
	return out
}

// RoomJoined is the payload the room server sends once the handshake completes.
type RoomJoined struct {
	UserID int      `json:"userId"`
	Tags   []string `json:"tags,omitempty"`
}

// OnConnect is handed to the caller once a room connection is live.
type OnConnect struct {
	Conn   Connection
	Joined RoomJoined
}

// Connection is a live, handshaken room connection.
//
// Example usage:
//
//	onConnect, err := supervisor.Connect(ctx, params)
//	if err != nil {
//	    return err
//	}
//	defer onConnect.Conn.Close(ctx)
//
//	for frame := range onConnect.Conn.Messages() {
//	    // ...
//	}
type Connection interface {
	// Send encodes and queues a frame for delivery.
	//
	// Returns an error if the connection is closed or the context is cancelled.
	Send(ctx context.Context, command uint32, payload []byte) error

	// Messages returns the frames received after the handshake. The channel
	// is closed when the connection ends.
	Messages() <-chan Frame

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Close closes the connection with a normal closure code.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific close code and reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive reports whether the connection is still open.
	IsAlive() bool
}

// Frame is one decoded message of the room connection.
type Frame struct {
	Command uint32
	Payload []byte
}

// Dialer performs exactly one room connection attempt.
//
// Implementations distinguish three outcomes: a transport error before
// the connection exists, a close received during the handshake, and a
// completed handshake. Only the last one returns a non-nil OnConnect.
type Dialer interface {
	Dial(ctx context.Context, token string, params AttemptParams) (*OnConnect, error)
}

// TokenSource yields the credential presented on each connection attempt.
type TokenSource interface {
	AuthToken(ctx context.Context) (string, error)
}

// CredentialStore persists credentials and one-time redirect values
// across process restarts.
//
// Empty strings mean "absent" for every value.
type CredentialStore interface {
	TokenSource

	// SetAuthToken stores the token; an empty token clears it.
	SetAuthToken(ctx context.Context, token string) error

	// GenerateState creates and stores a fresh state value for an external redirect.
	GenerateState(ctx context.Context) (string, error)
	// GenerateNonce creates and stores a fresh nonce for an external redirect.
	GenerateNonce(ctx context.Context) (string, error)
	// State returns the stored state value.
	State(ctx context.Context) (string, error)
	// VerifyState reports whether value equals the stored state value.
	VerifyState(ctx context.Context, value string) (bool, error)
	// Nonce returns the stored nonce.
	Nonce(ctx context.Context) (string, error)
	// Code returns the stored authorization code.
	Code(ctx context.Context) (string, error)
	// SetCode stores the authorization code.
	SetCode(ctx context.Context, code string) error
	// ClearRedirectState discards the state, nonce and code of a round trip.
	ClearRedirectState(ctx context.Context) error

	// LocalUser returns the stored user, nil when none is stored.
	LocalUser(ctx context.Context) (*LocalUser, error)
	// SaveUser stores the user.
	SaveUser(ctx context.Context, user *LocalUser) error

	// LastRoomURL returns the last room URL the client connected to.
	LastRoomURL(ctx context.Context) (string, error)
	// SetLastRoomURL records the last room URL the client connected to.
	SetLastRoomURL(ctx context.Context, roomURL string) error
}

// RoomURLCache is a remote cache of the last room URL, shared between
// devices of the same user.
type RoomURLCache interface {
	// LastRoomURL returns the cached URL and whether one was found.
	LastRoomURL(ctx context.Context) (string, bool, error)
	SetLastRoomURL(ctx context.Context, roomURL string) error
}

// RoomResolver turns a URL into a Room descriptor.
type RoomResolver interface {
	CreateRoom(ctx context.Context, roomURL *url.URL) (*Room, error)
}

// AnonymousLogin is the response of the anonymous-login call.
type AnonymousLogin struct {
	UserUUID  string `json:"userUuid"`
	AuthToken string `json:"authToken"`
}

// Registration is the response of the legacy register call.
type Registration struct {
	UserUUID  string             `json:"userUuid"`
	AuthToken string             `json:"authToken"`
	Textures  []CharacterTexture `json:"textures"`
	RoomURL   string             `json:"roomUrl"`
}

// Gateway issues the short-lived request/response calls of the remote
// identity service.
type Gateway interface {
	AnonymousLogin(ctx context.Context) (*AnonymousLogin, error)
	Register(ctx context.Context, organizationMemberToken string) (*Registration, error)
	LoginCallback(ctx context.Context, code, nonce, token string) (string, error)
	LogoutCallback(ctx context.Context, token string) (string, error)
}

// Analytics receives identity events.
type Analytics interface {
	IdentifyUser(ctx context.Context, userID string)
	LoggedWithToken(ctx context.Context)
	LoggedWithSSO(ctx context.Context)
}

// ConnectedNotifier receives the connected-state broadcast consumed by UI.
type ConnectedNotifier interface {
	SetConnected(connected bool)
}

// Navigator hands control to another page.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}
