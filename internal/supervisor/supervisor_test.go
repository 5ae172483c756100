package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/roomlink"
	"github.com/luciancaetano/roomlink/internal/lifecycle"
	"github.com/luciancaetano/roomlink/internal/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Send(context.Context, uint32, []byte) error { return nil }
func (c *fakeConn) Messages() <-chan roomlink.Frame          { return nil }
func (c *fakeConn) Context() context.Context                 { return context.Background() }
func (c *fakeConn) Close(ctx context.Context) error          { return c.CloseWithCode(ctx, 1000, "") }
func (c *fakeConn) CloseWithCode(context.Context, int, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

type dialCall struct {
	token  string
	params roomlink.AttemptParams
}

// scriptedDialer fails with the scripted errors in order, then succeeds.
type scriptedDialer struct {
	mu       sync.Mutex
	failures []error
	calls    []dialCall
	conn     *fakeConn
	// gate, when set, blocks each Dial until a value is received.
	gate chan struct{}
	// entered receives a value when Dial starts.
	entered chan struct{}
}

func (d *scriptedDialer) Dial(ctx context.Context, token string, params roomlink.AttemptParams) (*roomlink.OnConnect, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		<-d.gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dialCall{token: token, params: params})
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	d.conn = &fakeConn{}
	return &roomlink.OnConnect{Conn: d.conn, Joined: roomlink.RoomJoined{UserID: 3}}, nil
}

func (d *scriptedDialer) Calls() []dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dialCall(nil), d.calls...)
}

type staticTokens struct {
	mu     sync.Mutex
	tokens []string
}

func (s *staticTokens) AuthToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return token, nil
}

type instantTimer struct{}

func (instantTimer) Stop() bool { return true }

// recordingClock fires every timer immediately and records the delays.
type recordingClock struct {
	mu     sync.Mutex
	delays []time.Duration
	hold   bool
	timers []*heldTimer
}

type heldTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (h *heldTimer) Stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return true
}

func (c *recordingClock) afterFunc(d time.Duration, f func()) lifecycle.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	if c.hold {
		t := &heldTimer{}
		c.timers = append(c.timers, t)
		return t
	}
	go f()
	return instantTimer{}
}

func (c *recordingClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func newSupervisor(t *testing.T, dialer roomlink.Dialer, tokens roomlink.TokenSource, clock *recordingClock) (*Supervisor, *lifecycle.Lifecycle) {
	t.Helper()

	lc := lifecycle.NewWithAfterFunc(clock.afterFunc)
	s, err := New(Config{Dialer: dialer, Tokens: tokens, Lifecycle: lc})
	require.NoError(t, err)
	return s, lc
}

func attemptParams() roomlink.AttemptParams {
	return roomlink.AttemptParams{
		RoomURL:         "http://play.test/_/global/maps.test/office.json",
		Name:            "alice",
		CharacterLayers: []string{"male1"},
		Position:        roomlink.Position{X: 100, Y: 200, Direction: "left"},
		Viewport:        roomlink.Viewport{Right: 800, Bottom: 600},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "Dialer is required")

	_, err = New(Config{Dialer: &scriptedDialer{}})
	require.ErrorContains(t, err, "Tokens is required")

	_, err = New(Config{Dialer: &scriptedDialer{}, Tokens: &staticTokens{tokens: []string{""}}})
	require.ErrorContains(t, err, "Lifecycle is required")
}

func TestConnectRetriesAbnormalCloseThenResolvesOnce(t *testing.T) {
	dialer := &scriptedDialer{failures: []error{
		&websocket.HandshakeCloseError{Code: roomlink.CloseAbnormal, Reason: "unexpected EOF"},
	}}
	clock := &recordingClock{}
	s, _ := newSupervisor(t, dialer, &staticTokens{tokens: []string{"tok"}}, clock)

	params := attemptParams()
	onConnect, err := s.Connect(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, onConnect)
	require.Equal(t, 3, onConnect.Joined.UserID)

	calls := dialer.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		require.Equal(t, "tok", call.token)
		require.Equal(t, params, call.params)
	}

	delays := clock.Delays()
	require.Len(t, delays, 1)
	require.GreaterOrEqual(t, delays[0], 4*time.Second)
	require.Less(t, delays[0], 6*time.Second)
}

func TestConnectRetriesManyTransientFailures(t *testing.T) {
	var failures []error
	for i := 0; i < 60; i++ {
		if i%2 == 0 {
			failures = append(failures, &websocket.ConnectError{Err: errors.New("connection refused")})
		} else {
			failures = append(failures, &websocket.HandshakeCloseError{Code: 1011, Reason: "internal"})
		}
	}
	dialer := &scriptedDialer{failures: failures}
	clock := &recordingClock{}
	s, _ := newSupervisor(t, dialer, &staticTokens{tokens: []string{"tok"}}, clock)

	_, err := s.Connect(context.Background(), attemptParams())
	require.NoError(t, err)
	require.Len(t, dialer.Calls(), 61)

	for _, d := range clock.Delays() {
		require.GreaterOrEqual(t, d, 4*time.Second)
		require.Less(t, d, 6*time.Second)
	}
}

func TestConnectReplaysParamsDespiteCallerMutation(t *testing.T) {
	dialer := &scriptedDialer{
		failures: []error{&websocket.ConnectError{Err: errors.New("refused")}},
		gate:     make(chan struct{}),
	}
	clock := &recordingClock{}
	s, _ := newSupervisor(t, dialer, &staticTokens{tokens: []string{""}}, clock)

	params := attemptParams()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), params)
		errCh <- err
	}()

	dialer.gate <- struct{}{}
	params.CharacterLayers[0] = "mutated"
	dialer.gate <- struct{}{}
	require.NoError(t, <-errCh)

	calls := dialer.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"male1"}, calls[0].params.CharacterLayers)
	require.Equal(t, calls[0].params, calls[1].params)
}

func TestConnectReadsTokenOnEveryAttempt(t *testing.T) {
	dialer := &scriptedDialer{failures: []error{&websocket.HandshakeCloseError{Code: roomlink.CloseUnauthorized}}}
	clock := &recordingClock{}
	s, _ := newSupervisor(t, dialer, &staticTokens{tokens: []string{"old", "new"}}, clock)

	_, err := s.Connect(context.Background(), attemptParams())
	require.NoError(t, err)

	calls := dialer.Calls()
	require.Equal(t, "old", calls[0].token)
	require.Equal(t, "new", calls[1].token)
}

func TestConnectDoesNotScheduleAfterUnload(t *testing.T) {
	dialer := &scriptedDialer{
		failures: []error{&websocket.HandshakeCloseError{Code: roomlink.CloseAbnormal}},
		gate:     make(chan struct{}),
		entered:  make(chan struct{}, 1),
	}
	clock := &recordingClock{}
	s, lc := newSupervisor(t, dialer, &staticTokens{tokens: []string{""}}, clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), attemptParams())
		errCh <- err
	}()

	<-dialer.entered
	lc.Unload()
	dialer.gate <- struct{}{}

	require.ErrorIs(t, <-errCh, roomlink.ErrUnloading)
	require.Empty(t, clock.Delays())
	require.Len(t, dialer.Calls(), 1)
}

func TestConnectUnloadCancelsPendingRetry(t *testing.T) {
	dialer := &scriptedDialer{failures: []error{&websocket.ConnectError{Err: errors.New("refused")}}}
	clock := &recordingClock{hold: true}
	s, lc := newSupervisor(t, dialer, &staticTokens{tokens: []string{""}}, clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), attemptParams())
		errCh <- err
	}()

	require.Eventually(t, lc.Pending, 2*time.Second, 5*time.Millisecond)
	lc.Unload()

	require.ErrorIs(t, <-errCh, roomlink.ErrUnloading)
	clock.mu.Lock()
	defer clock.mu.Unlock()
	require.Len(t, clock.timers, 1)
	require.True(t, clock.timers[0].stopped)
}

func TestConnectContextCancelStopsRetry(t *testing.T) {
	dialer := &scriptedDialer{failures: []error{&websocket.ConnectError{Err: errors.New("refused")}}}
	clock := &recordingClock{hold: true}
	s, lc := newSupervisor(t, dialer, &staticTokens{tokens: []string{""}}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(ctx, attemptParams())
		errCh <- err
	}()

	require.Eventually(t, lc.Pending, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.False(t, lc.Pending())
	require.False(t, lc.Unloading())
}

func TestConnectClosesLateSuccessAfterUnload(t *testing.T) {
	dialer := &scriptedDialer{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	clock := &recordingClock{}
	s, lc := newSupervisor(t, dialer, &staticTokens{tokens: []string{""}}, clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), attemptParams())
		errCh <- err
	}()

	<-dialer.entered
	lc.Unload()
	dialer.gate <- struct{}{}

	require.ErrorIs(t, <-errCh, roomlink.ErrUnloading)
	require.False(t, dialer.conn.IsAlive())
}

func TestDefaultJitterStaysInWindow(t *testing.T) {
	j := DefaultJitter()
	for i := 0; i < 10000; i++ {
		d := j.Delay()
		require.GreaterOrEqual(t, d, 4*time.Second)
		require.Less(t, d, 6*time.Second)
	}
}

func TestJitterBounds(t *testing.T) {
	low := Jitter{Min: 4 * time.Second, Spread: 2 * time.Second, Rand: func(time.Duration) time.Duration { return 0 }}
	require.Equal(t, 4*time.Second, low.Delay())

	high := Jitter{Min: 4 * time.Second, Spread: 2 * time.Second, Rand: func(n time.Duration) time.Duration { return n - 1 }}
	require.Equal(t, 6*time.Second-1, high.Delay())

	fixed := Jitter{Min: time.Second}
	require.Equal(t, time.Second, fixed.Delay())
}
