// Package claudecode speaks the stream-json wire protocol of the Claude Code
// CLI: spawning the agent as a subprocess, decoding its envelope stream, and
// assembling the envelopes into normalized transcript events.
package claudecode

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrUnknownEnvelope marks envelope or nested stream-event discriminators this
// package does not recognize. Callers log and skip them so newer CLI versions
// keep working.
var ErrUnknownEnvelope = errors.New("unknown envelope type")

// Envelope is one line of the agent's stream-json output.
type Envelope interface {
	envelopeKind() string
}

// SystemEnvelope carries out-of-band lifecycle information; the init subtype
// delivers the session identifier on the first line of a turn.
type SystemEnvelope struct {
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (*SystemEnvelope) envelopeKind() string { return "system" }

// StreamEnvelope wraps one nested content-block event. Event is nil when the
// nested kind is recognized as noise (message lifecycle markers and other
// non-block events).
type StreamEnvelope struct {
	SessionID string
	Event     StreamEvent
}

func (*StreamEnvelope) envelopeKind() string { return "stream_event" }

// ResultEnvelope terminates a turn.
type ResultEnvelope struct {
	Subtype      string   `json:"subtype,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	Result       string   `json:"result,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
}

func (*ResultEnvelope) envelopeKind() string { return "result" }

// StreamEvent is the nested sum inside a stream_event envelope.
type StreamEvent interface {
	streamEventKind() string
}

// ContentBlock is the payload of a content_block_start: prose text or a
// fully-formed tool invocation.
type ContentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

const (
	ContentBlockTypeText    = "text"
	ContentBlockTypeToolUse = "tool_use"
)

type ContentBlockStart struct {
	Index int          `json:"index"`
	Block ContentBlock `json:"content_block"`
}

func (*ContentBlockStart) streamEventKind() string { return "content_block_start" }

// Delta carries an incremental update for an open block. Only text_delta is
// meaningful to the transcript; other delta kinds are skipped upstream of the
// state machine.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const DeltaTypeText = "text_delta"

type ContentBlockDelta struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

func (*ContentBlockDelta) streamEventKind() string { return "content_block_delta" }

type ContentBlockStop struct {
	Index int `json:"index"`
}

func (*ContentBlockStop) streamEventKind() string { return "content_block_stop" }

// ParseEnvelope decodes one stream-json line. Unknown discriminators return
// an error wrapping ErrUnknownEnvelope; malformed JSON returns a plain decode
// error. Both are skippable by the caller.
func ParseEnvelope(line []byte) (Envelope, error) {
	var head struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	switch head.Type {
	case "system":
		var env SystemEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, errors.Wrap(err, "decode system envelope")
		}
		return &env, nil
	case "stream_event":
		ev, err := parseStreamEvent(head.Event)
		if err != nil {
			return nil, err
		}
		return &StreamEnvelope{SessionID: head.SessionID, Event: ev}, nil
	case "result":
		var env ResultEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, errors.Wrap(err, "decode result envelope")
		}
		return &env, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEnvelope, "%q", head.Type)
	}
}

func parseStreamEvent(raw json.RawMessage) (StreamEvent, error) {
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrUnknownEnvelope, "stream_event without nested event")
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(err, "decode stream event")
	}
	switch head.Type {
	case "content_block_start":
		var ev ContentBlockStart
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "decode content_block_start")
		}
		return &ev, nil
	case "content_block_delta":
		var ev ContentBlockDelta
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "decode content_block_delta")
		}
		return &ev, nil
	case "content_block_stop":
		var ev ContentBlockStop
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "decode content_block_stop")
		}
		return &ev, nil
	case "message_start", "message_delta", "message_stop":
		// Message lifecycle markers carry nothing the transcript needs.
		return nil, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEnvelope, "stream event %q", head.Type)
	}
}
