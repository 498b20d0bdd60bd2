package history

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/burattino/pkg/claudecode"
	"github.com/go-go-golems/burattino/pkg/events"
)

// The live assembler and the log reconstruction must agree byte-for-byte on
// text and field-for-field on tool segments when fed the same turn.
func TestLiveAndHistoricalReconstructionAgree(t *testing.T) {
	sink := &events.CollectorSink{}
	a := claudecode.NewAssembler("conv-1", "run-1", sink)
	for _, line := range []string{
		`{"type":"system","subtype":"init","session_id":"sess-eq"}`,
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check. "}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Running ls."}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
		`{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_7","name":"Bash","input":{"command":"ls","timeout":30}}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`,
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Two files."}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
		`{"type":"result","is_error":false,"result":"ok"}`,
	} {
		env, err := claudecode.ParseEnvelope([]byte(line))
		require.NoError(t, err)
		require.NoError(t, a.HandleEnvelope(env))
	}
	live := a.Turn()

	// The same turn as the agent service persists it: closed text blocks
	// become text entries, tool blocks become tool_use entries.
	path := writeLog(t, t.TempDir(), "sess-eq.jsonl",
		`{"sessionId":"sess-eq","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"what files are here?"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2025-05-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"text","text":"Let me check. Running ls."},{"type":"tool_use","id":"tu_7","name":"Bash","input":{"command":"ls","timeout":30}},{"type":"text","text":"Two files."}]}}`,
	)
	conv, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, conv.Exchanges, 1)
	historical := conv.Exchanges[0].Segments

	require.Len(t, live.Segments, len(historical))
	for i := range historical {
		assert.Equal(t, historical[i].Kind, live.Segments[i].Kind, "segment %d kind", i)
		assert.Equal(t, historical[i].Text, live.Segments[i].Text, "segment %d text", i)
		assert.Equal(t, historical[i].ToolID, live.Segments[i].ToolID, "segment %d tool id", i)
		assert.Equal(t, historical[i].ToolName, live.Segments[i].ToolName, "segment %d tool name", i)
		if historical[i].Kind == "tool" {
			assert.JSONEq(t, string(historical[i].ToolInput), string(live.Segments[i].ToolInput), "segment %d tool input", i)
		}
	}
	assert.Equal(t, "sess-eq", live.SessionID)
	assert.Equal(t, "sess-eq", conv.SessionID)
}
