package transcript

import "encoding/json"

// SegmentKind discriminates the two transcript segment shapes.
type SegmentKind string

const (
	SegmentKindText SegmentKind = "text"
	SegmentKindTool SegmentKind = "tool"
)

// Segment is one contiguous unit of turn output: accumulated prose text or a
// single atomic tool invocation. Tool payloads are carried verbatim from the
// upstream wire format.
type Segment struct {
	Index     int             `json:"index" yaml:"index"`
	Kind      SegmentKind     `json:"kind" yaml:"kind"`
	Text      string          `json:"text,omitempty" yaml:"text,omitempty"`
	ToolID    string          `json:"toolUseId,omitempty" yaml:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty" yaml:"toolInput,omitempty"`
}

// OutcomeKind classifies how a turn ended. Cancelled is deliberately not an
// error outcome so clients can render user-initiated stops differently.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// ReasonStreamTruncated marks turns whose upstream stream ended without a
// terminal result envelope.
const ReasonStreamTruncated = "stream_truncated"

type Outcome struct {
	Kind   OutcomeKind `json:"kind" yaml:"kind"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Errors []string    `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (o Outcome) IsError() bool {
	return o.Kind == OutcomeFailed
}

// Usage carries the scalar metadata the upstream attaches to terminal
// results. Never populated mid-stream.
type Usage struct {
	NumTurns     int     `json:"numTurns,omitempty" yaml:"numTurns,omitempty"`
	DurationMS   int64   `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	TotalCostUSD float64 `json:"totalCostUsd,omitempty" yaml:"totalCostUsd,omitempty"`
}

// Turn is one sealed request/response exchange.
type Turn struct {
	SessionID string    `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Segments  []Segment `json:"segments" yaml:"segments"`
	Outcome   Outcome   `json:"outcome" yaml:"outcome"`
	Result    string    `json:"result,omitempty" yaml:"result,omitempty"`
	Usage     Usage     `json:"usage" yaml:"usage"`
}
