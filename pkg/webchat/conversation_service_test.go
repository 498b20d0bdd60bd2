package webchat

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/burattino/pkg/claudecode"
	"github.com/go-go-golems/burattino/pkg/events"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

var happyPathLines = []string{
	`{"type":"system","subtype":"init","session_id":"sess-1"}`,
	`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
	`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
	`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	`{"type":"result","subtype":"success","is_error":false,"num_turns":1,"duration_ms":100,"result":"Hello"}`,
}

// scriptedStreamer replays canned stream-json lines. A non-nil release channel
// gates the replay so tests can hold a run open.
type scriptedStreamer struct {
	lines   []string
	release chan struct{}
}

func (s *scriptedStreamer) Stream(ctx context.Context, _ claudecode.TurnRequest, fn func(claudecode.Envelope) error) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, line := range s.lines {
		env, err := claudecode.ParseEnvelope([]byte(line))
		if err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
	return nil
}

// hangingStreamer never produces output and only returns when cancelled.
type hangingStreamer struct{}

func (h *hangingStreamer) Stream(ctx context.Context, _ claudecode.TurnRequest, _ func(claudecode.Envelope) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func newServiceHarness(t *testing.T, streamers StreamerFactory) (*ConversationService, *gochannel.GoChannel) {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	svc, err := NewConversationService(ConversationServiceConfig{
		BaseCtx:     context.Background(),
		ConvManager: NewConvManager(ConvManagerOptions{BaseCtx: context.Background()}),
		Publisher:   pubsub,
		Streamers:   streamers,
	})
	require.NoError(t, err)
	return svc, pubsub
}

func subscribeConv(t *testing.T, pubsub *gochannel.GoChannel, convID string) <-chan *message.Message {
	t.Helper()
	ch, err := pubsub.Subscribe(context.Background(), topicForConv(convID))
	require.NoError(t, err)
	return ch
}

func collectUntilSealed(t *testing.T, ch <-chan *message.Message) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "subscriber closed before the turn sealed")
			ev, err := events.NewEventFromJSON(msg.Payload)
			msg.Ack()
			require.NoError(t, err)
			out = append(out, ev)
			if _, sealed := ev.(*events.TurnSealed); sealed {
				return out
			}
		case <-timeout:
			t.Fatal("timed out waiting for the sealed turn")
		}
	}
}

func TestSubmitPromptRunsAndPublishes(t *testing.T) {
	svc, pubsub := newServiceHarness(t, StaticStreamer(&scriptedStreamer{lines: happyPathLines}))
	ch := subscribeConv(t, pubsub, "conv-1")

	res, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "hi"})
	require.NoError(t, err)
	require.True(t, res.Started)
	assert.Equal(t, "conv-1", res.ConvID)
	assert.Equal(t, "started", res.Response["status"])

	evs := collectUntilSealed(t, ch)
	types := make([]events.EventType, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type())
		assert.Equal(t, res.RunID, ev.Metadata().RunID)
	}
	assert.Equal(t, []events.EventType{
		events.EventTypeSessionStarted,
		events.EventTypeBlockOpened,
		events.EventTypeBlockDelta,
		events.EventTypeBlockClosed,
		events.EventTypeTurnSealed,
	}, types)

	sealed := evs[len(evs)-1].(*events.TurnSealed)
	assert.Equal(t, transcript.OutcomeCompleted, sealed.Outcome.Kind)

	// The conversation learned the agent session for resumption.
	conv, ok := svc.cm.GetConversation("conv-1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return conv.SessionID() == "sess-1" }, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitPromptRejectsEmptyPrompt(t *testing.T) {
	svc, _ := newServiceHarness(t, StaticStreamer(&scriptedStreamer{lines: happyPathLines}))
	res, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "   "})
	require.NoError(t, err)
	assert.False(t, res.Started)
	assert.Equal(t, 400, res.HTTPStatus)
}

func TestSubmitPromptMintsConversationID(t *testing.T) {
	svc, _ := newServiceHarness(t, StaticStreamer(&scriptedStreamer{lines: happyPathLines}))
	res, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{Prompt: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConvID)
	_, ok := svc.cm.GetConversation(res.ConvID)
	assert.True(t, ok)
}

func TestSubmitPromptReplaysIdempotencyKey(t *testing.T) {
	release := make(chan struct{})
	svc, pubsub := newServiceHarness(t, StaticStreamer(&scriptedStreamer{lines: happyPathLines, release: release}))
	ch := subscribeConv(t, pubsub, "conv-1")

	first, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "hi", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.True(t, first.Started)

	// A duplicate while the run is in flight replays, it never starts twice.
	dup, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "hi", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, dup.Started)
	assert.Equal(t, 202, dup.HTTPStatus)
	assert.Equal(t, first.RunID, dup.RunID)

	close(release)
	collectUntilSealed(t, ch)

	require.Eventually(t, func() bool {
		res, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "hi", IdempotencyKey: "k1"})
		require.NoError(t, err)
		return res.HTTPStatus == 200 && res.Response["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitPromptQueuesAndDrains(t *testing.T) {
	release := make(chan struct{})
	svc, pubsub := newServiceHarness(t, StaticStreamer(&scriptedStreamer{lines: happyPathLines, release: release}))
	ch := subscribeConv(t, pubsub, "conv-1")

	first, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "first", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.True(t, first.Started)

	second, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "second", IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.False(t, second.Started)
	assert.Equal(t, 202, second.HTTPStatus)
	assert.Equal(t, "queued", second.Response["status"])
	assert.Equal(t, 1, second.Response["queue_position"])

	close(release)
	sealedRuns := map[string]bool{}
	for i := 0; i < 2; i++ {
		evs := collectUntilSealed(t, ch)
		sealedRuns[evs[len(evs)-1].Metadata().RunID] = true
	}
	assert.True(t, sealedRuns[first.RunID])
	assert.True(t, sealedRuns[second.RunID], "the queued run drains after the active one seals")
}

func TestAbortRunSealsCancelled(t *testing.T) {
	svc, pubsub := newServiceHarness(t, StaticStreamer(&hangingStreamer{}))
	ch := subscribeConv(t, pubsub, "conv-1")

	res, err := svc.SubmitPrompt(context.Background(), SubmitPromptInput{ConvID: "conv-1", Prompt: "hi"})
	require.NoError(t, err)
	require.True(t, res.Started)

	assert.True(t, svc.AbortRun(res.RunID))

	evs := collectUntilSealed(t, ch)
	sealed := evs[len(evs)-1].(*events.TurnSealed)
	assert.Equal(t, transcript.OutcomeCancelled, sealed.Outcome.Kind)
	assert.False(t, sealed.Outcome.IsError())

	assert.False(t, svc.AbortRun("no-such-run"))
	require.Eventually(t, func() bool { return svc.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
