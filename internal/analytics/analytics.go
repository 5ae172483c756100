// Package analytics publishes identity events on a watermill publisher.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/roomlink"
)

// Topic carries every event published by a Publisher.
const Topic = "roomlink.analytics"

// Event names.
const (
	EventIdentify        = "identify"
	EventLoggedWithToken = "logged_with_token"
	EventLoggedWithSSO   = "logged_with_sso"
)

// Event is the JSON payload of an analytics message.
type Event struct {
	Name   string    `json:"event"`
	UserID string    `json:"userId,omitempty"`
	At     time.Time `json:"at"`
}

// Config wires a Publisher.
type Config struct {
	// Publisher defaults to an in-process gochannel.
	Publisher message.Publisher
	// Topic defaults to Topic.
	Topic  string
	Logger *zerolog.Logger
}

// Publisher implements roomlink.Analytics. Publish failures are logged and dropped.
type Publisher struct {
	pub    message.Publisher
	topic  string
	now    func() time.Time
	logger zerolog.Logger
}

var _ roomlink.Analytics = (*Publisher)(nil)

// New returns a Publisher.
func New(cfg Config) *Publisher {
	pub := cfg.Publisher
	if pub == nil {
		pub = gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	}
	topic := cfg.Topic
	if topic == "" {
		topic = Topic
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Publisher{
		pub:    pub,
		topic:  topic,
		now:    time.Now,
		logger: logger.With().Str("component", "analytics").Logger(),
	}
}

// IdentifyUser publishes an identify event for userID.
func (p *Publisher) IdentifyUser(ctx context.Context, userID string) {
	p.publish(ctx, Event{Name: EventIdentify, UserID: userID})
}

// LoggedWithToken publishes a logged_with_token event.
func (p *Publisher) LoggedWithToken(ctx context.Context) {
	p.publish(ctx, Event{Name: EventLoggedWithToken})
}

// LoggedWithSSO publishes a logged_with_sso event.
func (p *Publisher) LoggedWithSSO(ctx context.Context) {
	p.publish(ctx, Event{Name: EventLoggedWithSSO})
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error {
	return p.pub.Close()
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	ev.At = p.now().UTC()
	if err := p.send(ctx, ev); err != nil {
		p.logger.Warn().Err(err).Str("event", ev.Name).Msg("dropping analytics event")
	}
}

func (p *Publisher) send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", ev.Name)
	msg.SetContext(ctx)
	return errors.Wrap(p.pub.Publish(p.topic, msg), "publish")
}
