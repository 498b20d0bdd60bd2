package webchat

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
)

// StreamCoordinator owns the subscriber feeding one conversation: it decodes
// bus messages back into normalized events and dispatches them in order, first
// to the event callback (projection), then as frames (websocket broadcast).
type StreamCoordinator struct {
	convID     string
	subscriber message.Subscriber

	onEvent func(events.Event)
	onFrame func(Frame)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewStreamCoordinator(convID string, subscriber message.Subscriber, onEvent func(events.Event), onFrame func(Frame)) *StreamCoordinator {
	return &StreamCoordinator{
		convID:     convID,
		subscriber: subscriber,
		onEvent:    onEvent,
		onFrame:    onFrame,
	}
}

func (sc *StreamCoordinator) Start(ctx context.Context) error {
	if sc == nil || sc.subscriber == nil {
		return nil
	}
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := sc.subscriber.Subscribe(runCtx, topicForConv(sc.convID))
	if err != nil {
		cancel()
		sc.mu.Unlock()
		return err
	}
	sc.cancel = cancel
	sc.running = true
	sc.mu.Unlock()

	go sc.consume(ch)
	return nil
}

func (sc *StreamCoordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.cancel = nil
	sc.running = false
	sc.mu.Unlock()
}

// Close stops consumption and closes the owned subscriber.
func (sc *StreamCoordinator) Close() {
	if sc == nil {
		return
	}
	sc.Stop()
	if sc.subscriber != nil {
		if err := sc.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: subscriber close failed")
		}
	}
}

func (sc *StreamCoordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

func (sc *StreamCoordinator) consume(ch <-chan *message.Message) {
	log.Debug().Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: started")
	for msg := range ch {
		ev, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: failed to decode event")
			msg.Ack()
			continue
		}
		if sc.onEvent != nil {
			sc.onEvent(ev)
		}
		if sc.onFrame != nil {
			if frame, ok := FrameFromEvent(ev); ok {
				sc.onFrame(frame)
			}
		}
		msg.Ack()
	}
	log.Debug().Str("component", "webchat").Str("conv_id", sc.convID).Msg("stream coordinator: stopped")
	sc.mu.Lock()
	sc.running = false
	sc.cancel = nil
	sc.mu.Unlock()
}
