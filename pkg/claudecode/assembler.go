package claudecode

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

// Assembler folds one Turn's envelope stream into normalized transcript
// events. One instance per run; not safe for concurrent use. Envelopes may
// arrive before the session identifier is known; normalized events are
// buffered until it is and the session-started event always precedes them on
// the sink.
type Assembler struct {
	convID string
	runID  string
	sink   events.Sink

	tracker   *transcript.Tracker
	logger    zerolog.Logger
	now       func() time.Time
	sessionID string
	pending   []events.Event
	sealed    bool

	outcome transcript.Outcome
	result  string
	usage   transcript.Usage
}

func NewAssembler(convID, runID string, sink events.Sink) *Assembler {
	return &Assembler{
		convID:  convID,
		runID:   runID,
		sink:    sink,
		tracker: transcript.NewTracker(),
		logger: log.With().
			Str("component", "assembler").
			Str("conv_id", convID).
			Str("run_id", runID).
			Logger(),
		now: time.Now,
	}
}

func (a *Assembler) meta() events.EventMetadata {
	return events.EventMetadata{
		ConvID:    a.convID,
		SessionID: a.sessionID,
		RunID:     a.runID,
		At:        a.now(),
	}
}

// emit publishes ev, or buffers it while the session is still unknown so
// session-started can be delivered first.
func (a *Assembler) emit(ev events.Event) error {
	if a.sessionID == "" && !a.sealed {
		a.pending = append(a.pending, ev)
		return nil
	}
	return a.sink.PublishEvent(ev)
}

func (a *Assembler) setSession(id string) error {
	if a.sessionID != "" || id == "" {
		return nil
	}
	a.sessionID = id
	var firstErr error
	if err := a.sink.PublishEvent(&events.SessionStarted{Meta: a.meta(), SessionID: id}); err != nil {
		firstErr = err
	}
	for _, ev := range a.pending {
		stampSession(ev, id)
		if err := a.sink.PublishEvent(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.pending = nil
	return firstErr
}

// stampSession patches the session identifier onto an event buffered before
// the session was known.
func stampSession(ev events.Event, id string) {
	switch e := ev.(type) {
	case *events.BlockOpened:
		e.Meta.SessionID = id
	case *events.BlockDelta:
		e.Meta.SessionID = id
	case *events.BlockClosed:
		e.Meta.SessionID = id
	case *events.TurnSealed:
		e.Meta.SessionID = id
	case *events.SessionStarted:
		e.Meta.SessionID = id
	}
}

// HandleEnvelope consumes one upstream envelope. Protocol violations are
// recovered locally and never returned; the only errors are sink failures.
// Envelopes after the terminal one are ignored.
func (a *Assembler) HandleEnvelope(env Envelope) error {
	if a.sealed {
		a.logger.Debug().Msg("envelope after terminal result ignored")
		return nil
	}
	switch e := env.(type) {
	case *SystemEnvelope:
		return a.setSession(e.SessionID)
	case *StreamEnvelope:
		var firstErr error
		if err := a.setSession(e.SessionID); err != nil {
			firstErr = err
		}
		if err := a.handleStreamEvent(e.Event); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	case *ResultEnvelope:
		return a.handleResult(e)
	case nil:
		return nil
	default:
		a.logger.Debug().Str("kind", env.envelopeKind()).Msg("skipping unhandled envelope")
		return nil
	}
}

func (a *Assembler) handleStreamEvent(ev StreamEvent) error {
	switch e := ev.(type) {
	case *ContentBlockStart:
		return a.openBlock(e)
	case *ContentBlockDelta:
		if e.Delta.Type != DeltaTypeText {
			a.logger.Debug().Str("delta_type", e.Delta.Type).Msg("skipping non-text delta")
			return nil
		}
		if e.Delta.Text == "" {
			return nil
		}
		if err := a.tracker.AppendText(e.Index, e.Delta.Text); err != nil {
			a.logger.Warn().Err(err).Int("index", e.Index).Msg("dropping delta, force closing slot after protocol violation")
			return a.forceCloseSlot(e.Index)
		}
		return a.emit(&events.BlockDelta{Meta: a.meta(), Index: e.Index, Text: e.Delta.Text})
	case *ContentBlockStop:
		seg, err := a.tracker.Close(e.Index)
		if err != nil {
			a.logger.Warn().Err(err).Int("index", e.Index).Msg("force closing slot after protocol violation on stop")
			return a.forceCloseSlot(e.Index)
		}
		return a.emit(&events.BlockClosed{Meta: a.meta(), Index: e.Index, Segment: seg})
	case nil:
		return nil
	default:
		a.logger.Debug().Str("kind", ev.streamEventKind()).Msg("skipping unhandled stream event")
		return nil
	}
}

func (a *Assembler) openBlock(e *ContentBlockStart) error {
	var kind transcript.SegmentKind
	var tool *transcript.Segment
	switch e.Block.Type {
	case ContentBlockTypeText:
		kind = transcript.SegmentKindText
	case ContentBlockTypeToolUse:
		kind = transcript.SegmentKindTool
		tool = &transcript.Segment{
			ToolID:    e.Block.ID,
			ToolName:  e.Block.Name,
			ToolInput: e.Block.Input,
		}
	default:
		a.logger.Debug().Str("block_type", e.Block.Type).Int("index", e.Index).Msg("skipping unknown content block type")
		return nil
	}

	err := a.tracker.Open(e.Index, kind, tool)
	if err == nil {
		return a.emitOpened(e.Index, kind, tool)
	}
	if !transcript.IsProtocolViolation(err) {
		return err
	}
	// Upstream reopened a slot it never stopped. Force the stale block
	// closed, surface it, and open the new one in its place.
	a.logger.Warn().Err(err).Int("index", e.Index).Msg("recovering from protocol violation")
	var firstErr error
	if seg, ok := a.tracker.ForceClose(e.Index); ok {
		if err := a.emit(&events.BlockClosed{Meta: a.meta(), Index: e.Index, Segment: seg}); err != nil {
			firstErr = err
		}
	}
	if err := a.tracker.Open(e.Index, kind, tool); err != nil {
		a.logger.Error().Err(err).Int("index", e.Index).Msg("dropping block, reopen failed after recovery")
		return firstErr
	}
	if err := a.emitOpened(e.Index, kind, tool); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// forceCloseSlot converts a protocol violation into a forced close of the
// offending slot so whatever it accumulated survives. Slots with nothing open
// have nothing to preserve and the stream just continues.
func (a *Assembler) forceCloseSlot(index int) error {
	seg, ok := a.tracker.ForceClose(index)
	if !ok {
		return nil
	}
	return a.emit(&events.BlockClosed{Meta: a.meta(), Index: index, Segment: seg})
}

func (a *Assembler) emitOpened(index int, kind transcript.SegmentKind, tool *transcript.Segment) error {
	ev := &events.BlockOpened{Meta: a.meta(), Index: index, Kind: kind}
	if tool != nil {
		ev.ToolID = tool.ToolID
		ev.ToolName = tool.ToolName
		ev.ToolInput = tool.ToolInput
	}
	return a.emit(ev)
}

func (a *Assembler) handleResult(e *ResultEnvelope) error {
	var firstErr error
	if err := a.setSession(e.SessionID); err != nil {
		firstErr = err
	}
	outcome := transcript.Outcome{Kind: transcript.OutcomeCompleted}
	if e.IsError {
		outcome = transcript.Outcome{
			Kind:   transcript.OutcomeFailed,
			Reason: e.Subtype,
			Errors: e.Errors,
		}
	}
	usage := transcript.Usage{
		NumTurns:     e.NumTurns,
		DurationMS:   e.DurationMS,
		TotalCostUSD: e.TotalCostUSD,
	}
	if err := a.seal(outcome, usage, e.Result); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Finish must be called once after the envelope stream ends. When the stream
// terminated without a result envelope it synthesizes the terminal event: a
// cancelled outcome for context cancellation, a truncation failure otherwise.
func (a *Assembler) Finish(runErr error) error {
	if a.sealed {
		return nil
	}
	outcome := transcript.Outcome{
		Kind:   transcript.OutcomeFailed,
		Reason: transcript.ReasonStreamTruncated,
	}
	switch {
	case stderrors.Is(runErr, context.Canceled):
		outcome = transcript.Outcome{Kind: transcript.OutcomeCancelled}
	case runErr != nil && !stderrors.Is(runErr, ErrStreamTruncated):
		outcome.Errors = []string{runErr.Error()}
	}
	a.logger.Info().Err(runErr).Str("outcome", string(outcome.Kind)).Msg("sealing turn without result envelope")
	return a.seal(outcome, transcript.Usage{}, "")
}

func (a *Assembler) seal(outcome transcript.Outcome, usage transcript.Usage, result string) error {
	a.sealed = true
	a.outcome = outcome
	a.usage = usage
	a.result = result

	// The terminal event must reach consumers even when no session_id ever
	// arrived, so the buffer is flushed unstamped first.
	var firstErr error
	for _, ev := range a.pending {
		if err := a.sink.PublishEvent(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.pending = nil

	forced := a.tracker.Seal()
	for _, seg := range forced {
		a.logger.Warn().Int("index", seg.Index).Msg("force closing block left open at seal")
		if err := a.sink.PublishEvent(&events.BlockClosed{Meta: a.meta(), Index: seg.Index, Segment: seg}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sealedEv := &events.TurnSealed{Meta: a.meta(), Outcome: outcome, Usage: usage, Result: result}
	if err := a.sink.PublishEvent(sealedEv); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *Assembler) Sealed() bool { return a.sealed }

// SessionID returns the upstream session identifier, or "" while unknown.
func (a *Assembler) SessionID() string { return a.sessionID }

// Turn returns the assembled transcript. Complete only after sealing.
func (a *Assembler) Turn() transcript.Turn {
	return transcript.Turn{
		SessionID: a.sessionID,
		Segments:  a.tracker.Segments(),
		Outcome:   a.outcome,
		Result:    a.result,
		Usage:     a.usage,
	}
}
