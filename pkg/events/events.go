// Package events defines the normalized transcript event vocabulary shared by
// the live assembler, the gateway, the projector, and observer sockets, plus
// the watermill plumbing that moves those events between them. Consumers of
// this package never see raw upstream wire shapes.
package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

type EventType string

const (
	EventTypeSessionStarted EventType = "session-started"
	EventTypeBlockOpened    EventType = "block-opened"
	EventTypeBlockDelta     EventType = "block-delta"
	EventTypeBlockClosed    EventType = "block-closed"
	EventTypeTurnSealed     EventType = "turn-sealed"
)

// EventMetadata identifies which conversation, session and run an event
// belongs to. RunID is the per-submission identifier; consumers use it to
// filter a shared conversation topic down to one in-flight turn.
type EventMetadata struct {
	ConvID    string    `json:"convId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

// SessionStarted is emitted at most once per turn, as soon as the upstream
// session identifier is known.
type SessionStarted struct {
	Meta      EventMetadata `json:"-"`
	SessionID string        `json:"sessionId"`
}

func (e *SessionStarted) Type() EventType         { return EventTypeSessionStarted }
func (e *SessionStarted) Metadata() EventMetadata { return e.Meta }

// BlockOpened announces a new segment on a slot. Tool blocks carry their
// complete payload here; they are atomic and never stream deltas.
type BlockOpened struct {
	Meta      EventMetadata          `json:"-"`
	Index     int                    `json:"index"`
	Kind      transcript.SegmentKind `json:"kind"`
	ToolID    string                 `json:"toolUseId,omitempty"`
	ToolName  string                 `json:"toolName,omitempty"`
	ToolInput json.RawMessage        `json:"toolInput,omitempty"`
}

func (e *BlockOpened) Type() EventType         { return EventTypeBlockOpened }
func (e *BlockOpened) Metadata() EventMetadata { return e.Meta }

// BlockDelta carries one incremental text fragment, never the accumulated
// buffer.
type BlockDelta struct {
	Meta  EventMetadata `json:"-"`
	Index int           `json:"index"`
	Text  string        `json:"text"`
}

func (e *BlockDelta) Type() EventType         { return EventTypeBlockDelta }
func (e *BlockDelta) Metadata() EventMetadata { return e.Meta }

// BlockClosed finalizes a slot and carries the finished segment so consumers
// need no bookkeeping of their own.
type BlockClosed struct {
	Meta    EventMetadata      `json:"-"`
	Index   int                `json:"index"`
	Segment transcript.Segment `json:"segment"`
}

func (e *BlockClosed) Type() EventType         { return EventTypeBlockClosed }
func (e *BlockClosed) Metadata() EventMetadata { return e.Meta }

// TurnSealed is the terminal event for a run. Exactly one is emitted per
// turn, on success, failure, truncation and cancellation alike.
type TurnSealed struct {
	Meta    EventMetadata      `json:"-"`
	Outcome transcript.Outcome `json:"outcome"`
	Usage   transcript.Usage   `json:"usage"`
	Result  string             `json:"result,omitempty"`
}

func (e *TurnSealed) Type() EventType         { return EventTypeTurnSealed }
func (e *TurnSealed) Metadata() EventMetadata { return e.Meta }

type wireEnvelope struct {
	Type    EventType       `json:"type"`
	Meta    EventMetadata   `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalEvent serializes an event into the type-tagged wire envelope.
func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("cannot marshal nil event")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", e.Type())
	}
	return json.Marshal(wireEnvelope{Type: e.Type(), Meta: e.Metadata(), Payload: payload})
}

// NewEventFromJSON decodes a wire envelope back into a concrete event.
// Unknown types are an error, never a silent skip, so producers and
// consumers cannot drift apart unnoticed.
func NewEventFromJSON(b []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}
	var e Event
	switch env.Type {
	case EventTypeSessionStarted:
		e = &SessionStarted{Meta: env.Meta}
	case EventTypeBlockOpened:
		e = &BlockOpened{Meta: env.Meta}
	case EventTypeBlockDelta:
		e = &BlockDelta{Meta: env.Meta}
	case EventTypeBlockClosed:
		e = &BlockClosed{Meta: env.Meta}
	case EventTypeTurnSealed:
		e = &TurnSealed{Meta: env.Meta}
	default:
		return nil, errors.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, e); err != nil {
			return nil, errors.Wrapf(err, "decode %s payload", env.Type)
		}
	}
	return e, nil
}
