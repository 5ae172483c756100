package analytics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *message.Message) Event {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		require.Equal(t, ev.Name, msg.Metadata.Get("event"))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no analytics event received")
		return Event{}
	}
}

func TestPublisherEmitsEvents(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()

	ch, err := pubsub.Subscribe(context.Background(), Topic)
	require.NoError(t, err)

	p := New(Config{Publisher: pubsub})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	ctx := context.Background()
	p.IdentifyUser(ctx, "u-1")
	p.LoggedWithToken(ctx)
	p.LoggedWithSSO(ctx)

	// gochannel delivers each message from its own goroutine.
	got := map[string]Event{}
	for i := 0; i < 3; i++ {
		ev := receive(t, ch)
		got[ev.Name] = ev
	}

	require.Equal(t, "u-1", got[EventIdentify].UserID)
	require.True(t, fixed.Equal(got[EventIdentify].At))
	require.Contains(t, got, EventLoggedWithToken)
	require.Contains(t, got, EventLoggedWithSSO)
	require.Empty(t, got[EventLoggedWithSSO].UserID)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(string, ...*message.Message) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestPublisherSwallowsFailures(t *testing.T) {
	pub := &failingPublisher{}
	p := New(Config{Publisher: pub, Topic: "custom"})

	require.NotPanics(t, func() { p.LoggedWithSSO(context.Background()) })
	require.Equal(t, 1, pub.calls)
}

func TestNewDefaultsToGoChannel(t *testing.T) {
	p := New(Config{})
	require.Equal(t, Topic, p.topic)
	p.IdentifyUser(context.Background(), "nobody-listens")
	require.NoError(t, p.Close())
}
