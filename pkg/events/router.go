package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventRouter owns the bus lifecycle: a publisher/subscriber pair and a
// watermill router hosting named handlers. The zero configuration uses an
// in-process gochannel pub/sub that fans out to every subscriber of a topic.
type EventRouter struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	logger     watermill.LoggerAdapter
	router     *message.Router
	ownsPubSub bool
}

type EventRouterOption func(*EventRouter) error

func WithPublisher(pub message.Publisher) EventRouterOption {
	return func(r *EventRouter) error {
		if pub == nil {
			return errors.New("publisher is nil")
		}
		r.Publisher = pub
		r.ownsPubSub = false
		return nil
	}
}

func WithSubscriber(sub message.Subscriber) EventRouterOption {
	return func(r *EventRouter) error {
		if sub == nil {
			return errors.New("subscriber is nil")
		}
		r.Subscriber = sub
		return nil
	}
}

func WithLoggerAdapter(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) error {
		if logger == nil {
			return errors.New("logger adapter is nil")
		}
		r.logger = logger
		return nil
	}
}

func NewEventRouter(opts ...EventRouterOption) (*EventRouter, error) {
	r := &EventRouter{
		logger:     NewWatermillLogger(log.Logger),
		ownsPubSub: true,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.Publisher == nil && r.Subscriber == nil {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1024}, r.logger)
		r.Publisher = ch
		r.Subscriber = ch
		r.ownsPubSub = true
	}

	router, err := message.NewRouter(message.RouterConfig{}, r.logger)
	if err != nil {
		return nil, errors.Wrap(err, "create watermill router")
	}
	r.router = router
	return r, nil
}

// AddHandler registers a consuming handler on a topic. Handlers added before
// Run start with the router; the router must not be running yet.
func (r *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	if r == nil || r.router == nil {
		return
	}
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, message.NoPublishHandlerFunc(f))
}

// Run blocks until ctx is canceled or the router fails.
func (r *EventRouter) Run(ctx context.Context) error {
	if r == nil || r.router == nil {
		return errors.New("event router is not initialized")
	}
	return r.router.Run(ctx)
}

// Running is closed once the router has started all handlers.
func (r *EventRouter) Running() <-chan struct{} {
	if r == nil || r.router == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.router.Running()
}

func (r *EventRouter) Close() error {
	if r == nil || r.router == nil {
		return nil
	}
	if err := r.router.Close(); err != nil {
		return errors.Wrap(err, "close watermill router")
	}
	if r.ownsPubSub {
		if closer, ok := r.Publisher.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				return errors.Wrap(err, "close pub/sub")
			}
		}
	}
	return nil
}
