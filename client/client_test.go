package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/store"
	"github.com/luciancaetano/roomlink/ws"
)

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(_ context.Context, target string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
	return nil
}

func (n *recordingNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

// pusher fakes the identity endpoints and the map lookup.
type pusher struct {
	authEndpoint string
	logouts      atomic.Int32
}

func (p *pusher) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/anonymLogin", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(roomlink.AnonymousLogin{UserUUID: "anon-uuid", AuthToken: "anon-token"})
	})
	mux.HandleFunc("/map", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"mapUrl":               "http://maps.test/office.json",
			"iframeAuthentication": p.authEndpoint,
			"textures":             []roomlink.CharacterTexture{{ID: 1, URL: "/1.png"}},
		})
	})
	mux.HandleFunc("/logout-callback", func(w http.ResponseWriter, r *http.Request) {
		p.logouts.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"authToken": ""})
	})
	return mux
}

type fixture struct {
	client    *Client
	store     *store.Store
	navigator *recordingNavigator
	pusher    *pusher
	joins     chan ws.JoinRequest
}

func newFixture(t *testing.T, authenticate ws.AuthenticateFn) *fixture {
	t.Helper()

	f := &fixture{
		store:     store.NewMemoryStore(),
		navigator: &recordingNavigator{},
		pusher:    &pusher{},
		joins:     make(chan ws.JoinRequest, 16),
	}

	gw := httptest.NewServer(f.pusher.handler(t))
	t.Cleanup(gw.Close)

	roomServer := ws.NewRoomServer(ws.ServerConfig{
		CheckOrigin:     ws.AllOrigins(),
		RateLimitConfig: ws.NoRateLimit(),
		Authenticate:    authenticate,
		OnJoin: func(conn *ws.Conn, join ws.JoinRequest) {
			f.joins <- join
		},
	})
	rs := httptest.NewServer(roomServer.Handler())
	t.Cleanup(rs.Close)

	c, err := New(Config{
		GatewayURL:       gw.URL,
		PusherURL:        rs.URL,
		StartRoomURL:     "/_/global/maps.test/office.json",
		Store:            f.store,
		RetryMin:         10 * time.Millisecond,
		RetrySpread:      10 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		Navigator:        f.navigator,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	f.client = c
	return f
}

func acceptToken(want string) ws.AuthenticateFn {
	return func(token string) (int, error) {
		if token != want {
			return 0, errors.New("unknown token")
		}
		return 42, nil
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestEstablishThenConnect(t *testing.T) {
	f := newFixture(t, acceptToken("anon-token"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, err := f.client.EstablishSession(ctx, mustURL(t, "http://play.test/_/global/maps.test/office.json"))
	require.NoError(t, err)
	require.Equal(t, "http://play.test/_/global/maps.test/office.json", room.Key)
	require.Equal(t, roomlink.ModeAnonymous, f.client.Mode())
	require.Same(t, room, f.client.Room())

	user, err := f.store.LocalUser(ctx)
	require.NoError(t, err)
	require.Equal(t, []roomlink.CharacterTexture{{ID: 1, URL: "/1.png"}}, user.Textures)

	onConnect, err := f.client.Connect(ctx, roomlink.AttemptParams{
		RoomURL:         room.Key,
		Name:            "alice",
		CharacterLayers: []string{"male1"},
		Position:        roomlink.Position{X: 1, Y: 2, Direction: "up"},
	})
	require.NoError(t, err)
	defer onConnect.Conn.Close(ctx)
	require.Equal(t, 42, onConnect.Joined.UserID)

	join := <-f.joins
	require.Equal(t, "anon-token", join.Token)
	require.Equal(t, "alice", join.Params.Name)

	last, err := f.store.LastRoomURL(ctx)
	require.NoError(t, err)
	require.Equal(t, room.Key, last)
}

func TestConnectRetriesRejectedHandshake(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(token string) (int, error) {
		if attempts.Add(1) < 3 {
			return 0, errors.New("not yet")
		}
		return 7, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	params := roomlink.AttemptParams{RoomURL: "http://play.test/_/global/maps.test/office.json", Name: "bob"}
	onConnect, err := f.client.Connect(ctx, params)
	require.NoError(t, err)
	defer onConnect.Conn.Close(ctx)

	require.Equal(t, 7, onConnect.Joined.UserID)
	require.Equal(t, int32(3), attempts.Load())

	join := <-f.joins
	require.Equal(t, "bob", join.Params.Name)
}

func TestUnloadStopsRetrying(t *testing.T) {
	var attempts atomic.Int32
	f := newFixture(t, func(string) (int, error) {
		attempts.Add(1)
		return 0, errors.New("never")
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.client.Connect(context.Background(), roomlink.AttemptParams{RoomURL: "http://play.test/_/x"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	f.client.Unload()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, roomlink.ErrUnloading)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Unload")
	}

	settled := attempts.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, attempts.Load())
}

func TestLoginRedirectNavigates(t *testing.T) {
	f := newFixture(t, nil)
	f.pusher.authEndpoint = "http://auth.test/login"

	_, err := f.client.EstablishSession(context.Background(), mustURL(t, "http://play.test/login"))
	require.ErrorIs(t, err, roomlink.ErrRedirectRequired)

	targets := f.navigator.Targets()
	require.Len(t, targets, 1)

	target := mustURL(t, targets[0])
	require.Equal(t, "auth.test", target.Host)
	require.Equal(t, "http://play.test/_/global/maps.test/office.json", target.Query().Get("playUri"))

	state, err := f.store.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, state, target.Query().Get("state"))
}

func TestLogoutNavigatesToLogin(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.SetAuthToken(context.Background(), "live-token"))

	require.NoError(t, f.client.Logout(context.Background()))
	require.Equal(t, []string{"/login"}, f.navigator.Targets())
	require.Equal(t, int32(1), f.pusher.logouts.Load())

	token, err := f.store.AuthToken(context.Background())
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{PusherURL: "ws://x"})
	require.Error(t, err)

	_, err = New(Config{GatewayURL: "http://x", PusherURL: "ftp://x"})
	require.Error(t, err)
}
