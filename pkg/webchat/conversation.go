package webchat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
)

// topicForConv computes the event topic for a conversation.
func topicForConv(convID string) string { return "chat:" + convID }

// Conversation holds per-conversation state: the run queue, idempotency
// records, the websocket pool, and the bus reader. The agent session id is
// learned from the first sealed run and reused for resumption.
type Conversation struct {
	ID string

	mu           sync.Mutex
	sessionID    string
	activeKey    string
	queue        []queuedRun
	requests     map[string]*runRecord
	lastActivity time.Time

	pool   *ConnectionPool
	stream *StreamCoordinator
	// subOwned marks a dedicated subscriber that must be closed on eviction.
	subOwned bool
}

// SessionID returns the last known agent session for this conversation.
func (c *Conversation) SessionID() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conversation) setSessionID(id string) {
	if c == nil || id == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Conversation) touchLocked(now time.Time) {
	c.lastActivity = now
}

// ConvManagerOptions wires the hooks a manager needs to assemble new
// conversations.
type ConvManagerOptions struct {
	BaseCtx         context.Context
	BuildSubscriber func(ctx context.Context, convID string) (message.Subscriber, bool, error)
	// OnEvent observes every decoded event of every conversation, in
	// per-conversation order. Used for the transcript projection.
	OnEvent func(convID string, e events.Event)
	// QueueDepth caps pending prompts per conversation. Zero uses the default.
	QueueDepth int
}

// ConvManager stores all live conversations.
type ConvManager struct {
	mu    sync.Mutex
	conns map[string]*Conversation

	baseCtx         context.Context
	buildSubscriber func(ctx context.Context, convID string) (message.Subscriber, bool, error)
	onEvent         func(convID string, e events.Event)
	queueDepth      int

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewConvManager(opts ConvManagerOptions) *ConvManager {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &ConvManager{
		conns:           map[string]*Conversation{},
		baseCtx:         opts.BaseCtx,
		buildSubscriber: opts.BuildSubscriber,
		onEvent:         opts.OnEvent,
		queueDepth:      depth,
	}
}

// GetOrCreate returns the conversation, creating it with a running bus reader
// on first use. The reader subscribes before any run can publish, so no frame
// is lost between submit and stream start.
func (cm *ConvManager) GetOrCreate(convID string) (*Conversation, error) {
	if cm == nil {
		return nil, errors.New("conv manager is nil")
	}
	if convID == "" {
		return nil, errors.New("convID is empty")
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c, ok := cm.conns[convID]; ok {
		return c, nil
	}

	conv := &Conversation{
		ID:       convID,
		requests: map[string]*runRecord{},
		pool:     NewConnectionPool(convID),
	}
	conv.touchLocked(time.Now())

	if cm.buildSubscriber != nil {
		sub, owned, err := cm.buildSubscriber(cm.baseCtx, convID)
		if err != nil {
			return nil, errors.Wrapf(err, "build subscriber for %s", convID)
		}
		conv.subOwned = owned
		conv.stream = NewStreamCoordinator(convID, sub,
			func(e events.Event) {
				if cm.onEvent != nil {
					cm.onEvent(convID, e)
				}
				if started, ok := e.(*events.SessionStarted); ok {
					conv.setSessionID(started.SessionID)
				}
			},
			func(frame Frame) {
				if b, err := json.Marshal(frame); err == nil {
					conv.pool.Broadcast(b)
				}
			},
		)
		if err := conv.stream.Start(cm.baseCtx); err != nil {
			if owned {
				conv.stream.Close()
			}
			return nil, errors.Wrapf(err, "start reader for %s", convID)
		}
	}

	cm.conns[convID] = conv
	log.Debug().Str("component", "webchat").Str("conv_id", convID).Msg("conversation created")
	return conv, nil
}

func (cm *ConvManager) GetConversation(convID string) (*Conversation, bool) {
	if cm == nil {
		return nil, false
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.conns[convID]
	return c, ok
}

func (cm *ConvManager) AddConn(conv *Conversation, conn wsConn) {
	if cm == nil || conv == nil {
		return
	}
	conv.pool.Add(conn)
	conv.mu.Lock()
	conv.touchLocked(time.Now())
	conv.mu.Unlock()
}

func (cm *ConvManager) RemoveConn(conv *Conversation, conn wsConn) {
	if cm == nil || conv == nil {
		return
	}
	conv.pool.Remove(conn)
	conv.mu.Lock()
	conv.touchLocked(time.Now())
	conv.mu.Unlock()
}
