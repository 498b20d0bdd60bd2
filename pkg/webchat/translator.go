package webchat

import (
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

// FrameFromEvent converts one normalized event into one push-protocol frame.
// Closing a tool slot produces no frame: the tool_use frame already carried
// the complete invocation, so a close marker would be noise to the client.
func FrameFromEvent(e events.Event) (Frame, bool) {
	if e == nil {
		return Frame{}, false
	}
	md := e.Metadata()
	base := Frame{ConvID: md.ConvID, RunID: md.RunID, SessionID: md.SessionID}

	switch ev := e.(type) {
	case *events.SessionStarted:
		base.Type = FrameTypeSessionID
		base.SessionID = ev.SessionID
		return base, true
	case *events.BlockOpened:
		idx := ev.Index
		base.Index = &idx
		if ev.Kind == transcript.SegmentKindTool {
			base.Type = FrameTypeToolUse
			base.ToolUseID = ev.ToolID
			base.ToolName = ev.ToolName
			base.ToolInput = ev.ToolInput
			return base, true
		}
		base.Type = FrameTypeTextBlockStart
		return base, true
	case *events.BlockDelta:
		idx := ev.Index
		base.Type = FrameTypeText
		base.Index = &idx
		base.Text = ev.Text
		return base, true
	case *events.BlockClosed:
		if ev.Segment.Kind == transcript.SegmentKindTool {
			return Frame{}, false
		}
		idx := ev.Index
		base.Type = FrameTypeTextBlockEnd
		base.Index = &idx
		return base, true
	case *events.TurnSealed:
		outcome := ev.Outcome
		usage := ev.Usage
		base.Type = FrameTypeResult
		base.Done = true
		base.Outcome = &outcome
		base.Usage = &usage
		base.Result = ev.Result
		return base, true
	default:
		log.Debug().Str("component", "webchat").Str("event_type", string(e.Type())).Msg("no frame mapping for event, dropping")
		return Frame{}, false
	}
}
