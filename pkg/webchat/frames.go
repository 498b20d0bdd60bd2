package webchat

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

// Frame types mirror the normalized transcript events one to one. Tool
// invocations arrive as a single atomic tool_use frame; only the terminal
// result frame carries done:true.
const (
	FrameTypeSessionID      = "session_id"
	FrameTypeTextBlockStart = "text_block_start"
	FrameTypeText           = "text"
	FrameTypeToolUse        = "tool_use"
	FrameTypeTextBlockEnd   = "text_block_end"
	FrameTypeResult         = "result"

	// Websocket control frames, never part of the transcript.
	FrameTypeHello = "ws.hello"
	FrameTypePong  = "ws.pong"
)

// Frame is one push-protocol record. Index is a pointer so slot 0 survives
// serialization.
type Frame struct {
	Type string `json:"type"`
	Done bool   `json:"done"`

	ConvID    string `json:"conv_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Index *int   `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`

	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`

	Outcome *transcript.Outcome `json:"outcome,omitempty"`
	Usage   *transcript.Usage   `json:"usage,omitempty"`
	Result  string              `json:"result,omitempty"`

	ServerTimeMs int64 `json:"server_time_ms,omitempty"`
}

func (f Frame) MarshalJSONLine() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func helloFrame(convID string) Frame {
	return Frame{Type: FrameTypeHello, ConvID: convID, ServerTimeMs: time.Now().UnixMilli()}
}

func pongFrame(convID string) Frame {
	return Frame{Type: FrameTypePong, ConvID: convID, ServerTimeMs: time.Now().UnixMilli()}
}
