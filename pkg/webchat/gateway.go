package webchat

import (
	"context"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

// prepareNDJSON sets streaming response headers. Must run before the first
// frame is written.
func prepareNDJSON(w http.ResponseWriter, convID, runID string) {
	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Conv-Id", convID)
	h.Set("X-Run-Id", runID)
}

// StreamRunNDJSON forwards one run's frames to w, one JSON object per line,
// until the terminal frame arrives. The conversation topic may carry other
// runs' events; everything not matching runID is acknowledged and skipped.
//
// The client always gets a closing frame: when the subscription ends before
// the run's own terminal frame, a synthesized failed result is written so
// the client never hangs on an in-progress turn.
func StreamRunNDJSON(ctx context.Context, w http.ResponseWriter, msgs <-chan *message.Message, convID, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}
	gwLog := log.With().
		Str("component", "gateway").
		Str("conv_id", convID).
		Str("run_id", runID).
		Logger()

	writeFrame := func(frame Frame) error {
		b, err := frame.MarshalJSONLine()
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return errors.Wrap(err, "write frame")
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// A gone client stops the stream, never the run itself.
			gwLog.Debug().Msg("client went away mid-stream")
			return ctx.Err()
		case msg, open := <-msgs:
			if !open {
				gwLog.Warn().Msg("event stream closed before terminal frame, synthesizing result")
				frame := Frame{
					Type:   FrameTypeResult,
					Done:   true,
					ConvID: convID,
					RunID:  runID,
					Outcome: &transcript.Outcome{
						Kind:   transcript.OutcomeFailed,
						Reason: "event_stream_closed",
					},
				}
				if err := writeFrame(frame); err != nil {
					return err
				}
				return errors.New("event stream closed before terminal frame")
			}
			ev, err := events.NewEventFromJSON(msg.Payload)
			if err != nil {
				gwLog.Warn().Err(err).Msg("skipping undecodable event")
				msg.Ack()
				continue
			}
			if ev.Metadata().RunID != runID {
				msg.Ack()
				continue
			}
			frame, mapped := FrameFromEvent(ev)
			if !mapped {
				msg.Ack()
				continue
			}
			if err := writeFrame(frame); err != nil {
				msg.Ack()
				return err
			}
			msg.Ack()
			if frame.Done {
				gwLog.Debug().Msg("terminal frame delivered")
				return nil
			}
		}
	}
}
