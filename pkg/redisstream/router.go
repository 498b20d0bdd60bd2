package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
)

// BuildRouter constructs an events.EventRouter backed by Redis Streams when
// enabled. If settings.Enabled is false, it returns a default in-memory router.
func BuildRouter(s Settings) (*events.EventRouter, error) {
	if !s.Enabled {
		return events.NewEventRouter()
	}

	client := s.client()
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := events.NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Group + "-router",
	}, logger)
	if err != nil {
		return nil, err
	}

	return events.NewEventRouter(
		events.WithPublisher(message.Publisher(pub)),
		events.WithSubscriber(message.Subscriber(sub)),
	)
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group/name. Give each reader its own consumer name so deliveries
// are not split between them.
func BuildGroupSubscriber(s Settings, group, consumer string) (message.Subscriber, error) {
	client := s.client()
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := events.NewWatermillLogger(log.Logger)
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail
// ($) if it doesn't exist. This prevents full historical replay on first
// subscribe.
func EnsureGroupAtTail(ctx context.Context, s Settings, stream, group string) error {
	client := s.client()
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// DestroyGroup removes a consumer group. Used for the per-run groups so they
// do not pile up on long-lived conversation streams.
func DestroyGroup(ctx context.Context, s Settings, stream, group string) error {
	client := s.client()
	defer func() { _ = client.Close() }()
	return client.XGroupDestroy(ctx, stream, group).Err()
}
