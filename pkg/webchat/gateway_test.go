package webchat

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/burattino/pkg/events"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

func busMessage(t *testing.T, ev events.Event) *message.Message {
	t.Helper()
	b, err := events.MarshalEvent(ev)
	require.NoError(t, err)
	return message.NewMessage(watermill.NewUUID(), b)
}

func decodeFrames(t *testing.T, body string) []Frame {
	t.Helper()
	var frames []Frame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f Frame
		require.NoError(t, json.Unmarshal([]byte(line), &f), line)
		frames = append(frames, f)
	}
	return frames
}

func TestStreamRunNDJSONDeliversFramesInOrder(t *testing.T) {
	meta := events.EventMetadata{ConvID: "conv-1", RunID: "run-1"}
	msgs := make(chan *message.Message, 8)
	msgs <- busMessage(t, &events.SessionStarted{Meta: meta, SessionID: "sess-1"})
	msgs <- busMessage(t, &events.BlockOpened{Meta: meta, Index: 0, Kind: transcript.SegmentKindText})
	msgs <- busMessage(t, &events.BlockDelta{Meta: meta, Index: 0, Text: "hi"})
	msgs <- busMessage(t, &events.BlockClosed{Meta: meta, Index: 0, Segment: transcript.Segment{Kind: transcript.SegmentKindText, Text: "hi"}})
	msgs <- busMessage(t, &events.TurnSealed{Meta: meta, Outcome: transcript.Outcome{Kind: transcript.OutcomeCompleted}, Result: "hi"})

	rec := httptest.NewRecorder()
	err := StreamRunNDJSON(context.Background(), rec, msgs, "conv-1", "run-1")
	require.NoError(t, err)

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 5)
	assert.Equal(t, FrameTypeSessionID, frames[0].Type)
	assert.Equal(t, FrameTypeTextBlockStart, frames[1].Type)
	assert.Equal(t, FrameTypeText, frames[2].Type)
	assert.Equal(t, FrameTypeTextBlockEnd, frames[3].Type)
	assert.Equal(t, FrameTypeResult, frames[4].Type)

	doneCount := 0
	for i, f := range frames {
		if f.Done {
			doneCount++
			assert.Equal(t, len(frames)-1, i, "done:true is the last frame")
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestStreamRunNDJSONFiltersOtherRuns(t *testing.T) {
	mine := events.EventMetadata{ConvID: "conv-1", RunID: "run-1"}
	other := events.EventMetadata{ConvID: "conv-1", RunID: "run-2"}
	msgs := make(chan *message.Message, 8)
	msgs <- busMessage(t, &events.BlockDelta{Meta: other, Index: 0, Text: "not mine"})
	msgs <- busMessage(t, &events.BlockDelta{Meta: mine, Index: 0, Text: "mine"})
	msgs <- busMessage(t, &events.TurnSealed{Meta: other, Outcome: transcript.Outcome{Kind: transcript.OutcomeCompleted}})
	msgs <- busMessage(t, &events.TurnSealed{Meta: mine, Outcome: transcript.Outcome{Kind: transcript.OutcomeCompleted}})

	rec := httptest.NewRecorder()
	require.NoError(t, StreamRunNDJSON(context.Background(), rec, msgs, "conv-1", "run-1"))

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "mine", frames[0].Text)
	assert.True(t, frames[1].Done)
}

func TestStreamRunNDJSONSkipsUndecodableMessages(t *testing.T) {
	meta := events.EventMetadata{ConvID: "conv-1", RunID: "run-1"}
	msgs := make(chan *message.Message, 4)
	msgs <- message.NewMessage(watermill.NewUUID(), []byte("not json"))
	msgs <- busMessage(t, &events.TurnSealed{Meta: meta, Outcome: transcript.Outcome{Kind: transcript.OutcomeCompleted}})

	rec := httptest.NewRecorder()
	require.NoError(t, StreamRunNDJSON(context.Background(), rec, msgs, "conv-1", "run-1"))
	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Done)
}

func TestStreamRunNDJSONSynthesizesResultOnClosedStream(t *testing.T) {
	meta := events.EventMetadata{ConvID: "conv-1", RunID: "run-1"}
	msgs := make(chan *message.Message, 2)
	msgs <- busMessage(t, &events.BlockDelta{Meta: meta, Index: 0, Text: "partial"})
	close(msgs)

	rec := httptest.NewRecorder()
	err := StreamRunNDJSON(context.Background(), rec, msgs, "conv-1", "run-1")
	require.Error(t, err)

	frames := decodeFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	last := frames[len(frames)-1]
	assert.True(t, last.Done, "the client still gets a terminal frame")
	require.NotNil(t, last.Outcome)
	assert.Equal(t, transcript.OutcomeFailed, last.Outcome.Kind)
}

func TestStreamRunNDJSONStopsWhenClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msgs := make(chan *message.Message)

	rec := httptest.NewRecorder()
	err := StreamRunNDJSON(ctx, rec, msgs, "conv-1", "run-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.Body.String())
}
