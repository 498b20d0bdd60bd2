package webchat

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/burattino/pkg/events"
	"github.com/go-go-golems/burattino/pkg/redisstream"
)

// StreamBackend wraps transport setup concerns (in-memory or redis) and
// exposes publisher/subscriber construction for conversation streams.
//
// The boolean returned by the Build* methods reports subscriber ownership:
// true means the caller must Close it when done, false means it is the shared
// in-process subscriber.
type StreamBackend interface {
	EventRouter() *events.EventRouter
	Publisher() message.Publisher
	// BuildConvSubscriber returns the long-lived subscriber feeding a
	// conversation's websocket broadcast and projector.
	BuildConvSubscriber(ctx context.Context, convID string) (message.Subscriber, bool, error)
	// BuildRunSubscriber returns a subscriber for one streaming response.
	// On redis each run gets its own consumer group, created at the stream
	// tail, so concurrent responses for one conversation all see every frame.
	BuildRunSubscriber(ctx context.Context, convID, runID string) (message.Subscriber, bool, error)
	// DestroyRunSubscriber tears down what BuildRunSubscriber provisioned
	// beyond the subscriber itself.
	DestroyRunSubscriber(ctx context.Context, convID, runID string) error
	Close() error
}

type eventRouterStreamBackend struct {
	router   *events.EventRouter
	settings redisstream.Settings
}

// NewStreamBackend builds the in-memory backend, or a Redis Streams backend
// when settings enable it.
func NewStreamBackend(settings redisstream.Settings) (StreamBackend, error) {
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "redis settings")
	}
	router, err := redisstream.BuildRouter(settings)
	if err != nil {
		return nil, errors.Wrap(err, "build event router")
	}
	return &eventRouterStreamBackend{
		router:   router,
		settings: settings,
	}, nil
}

func (b *eventRouterStreamBackend) EventRouter() *events.EventRouter {
	if b == nil {
		return nil
	}
	return b.router
}

func (b *eventRouterStreamBackend) Publisher() message.Publisher {
	if b == nil || b.router == nil {
		return nil
	}
	return b.router.Publisher
}

func (b *eventRouterStreamBackend) BuildConvSubscriber(ctx context.Context, convID string) (message.Subscriber, bool, error) {
	if b == nil || b.router == nil {
		return nil, false, errors.New("stream backend is not initialized")
	}
	if convID == "" {
		return nil, false, errors.New("convID is empty")
	}
	if !b.settings.Enabled {
		return b.router.Subscriber, false, nil
	}
	if ctx == nil {
		return nil, false, errors.New("ctx is nil")
	}
	group := b.settings.Group
	_ = redisstream.EnsureGroupAtTail(ctx, b.settings, topicForConv(convID), group)
	sub, err := redisstream.BuildGroupSubscriber(b.settings, group, "ws-forwarder:"+convID)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *eventRouterStreamBackend) BuildRunSubscriber(ctx context.Context, convID, runID string) (message.Subscriber, bool, error) {
	if b == nil || b.router == nil {
		return nil, false, errors.New("stream backend is not initialized")
	}
	if convID == "" {
		return nil, false, errors.New("convID is empty")
	}
	if !b.settings.Enabled {
		return b.router.Subscriber, false, nil
	}
	if ctx == nil {
		return nil, false, errors.New("ctx is nil")
	}
	group := b.settings.Group + "-run-" + runID
	if err := redisstream.EnsureGroupAtTail(ctx, b.settings, topicForConv(convID), group); err != nil {
		return nil, false, errors.Wrap(err, "create run consumer group")
	}
	sub, err := redisstream.BuildGroupSubscriber(b.settings, group, "ndjson:"+runID)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *eventRouterStreamBackend) DestroyRunSubscriber(ctx context.Context, convID, runID string) error {
	if b == nil || !b.settings.Enabled {
		return nil
	}
	group := b.settings.Group + "-run-" + runID
	return redisstream.DestroyGroup(ctx, b.settings, topicForConv(convID), group)
}

func (b *eventRouterStreamBackend) Close() error {
	if b == nil || b.router == nil {
		return nil
	}
	return b.router.Close()
}
