package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// Sink receives normalized events from a producer. Implementations must be
// safe for use from a single producer goroutine.
type Sink interface {
	PublishEvent(e Event) error
}

// WatermillSink publishes events onto one watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (s *WatermillSink) PublishEvent(e Event) error {
	if s == nil || s.publisher == nil {
		return errors.New("watermill sink is not initialized")
	}
	b, err := MarshalEvent(e)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	md := e.Metadata()
	if md.ConvID != "" {
		msg.Metadata.Set("conv_id", md.ConvID)
	}
	if md.RunID != "" {
		msg.Metadata.Set("run_id", md.RunID)
	}
	return errors.Wrapf(s.publisher.Publish(s.topic, msg), "publish %s to %s", e.Type(), s.topic)
}

// CollectorSink accumulates events in memory. Test and offline helper.
type CollectorSink struct {
	Events []Event
}

func (s *CollectorSink) PublishEvent(e Event) error {
	if s == nil {
		return errors.New("collector sink is nil")
	}
	s.Events = append(s.Events, e)
	return nil
}
