package webchat

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/burattino/pkg/events"
	chatstore "github.com/go-go-golems/burattino/pkg/persistence/chatstore"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

// deltaFlushInterval bounds how often a streaming text segment is rewritten
// in the transcript store. Closes and seals always flush.
const deltaFlushInterval = 250 * time.Millisecond

type segmentProjection struct {
	entityID  string
	seq       int
	kind      transcript.SegmentKind
	text      strings.Builder
	dirty     bool
	lastFlush time.Time
}

type runProjection struct {
	convID    string
	runID     string
	sessionID string
	startedMs int64
	nextSeq   int
	slots     map[int]*segmentProjection
}

// TranscriptProjector folds the normalized event stream into versioned
// entities so reconnecting clients can hydrate mid-turn. Slot indexes may be
// reused within a turn, so entity ids come from an arrival ordinal, never
// from the slot number.
type TranscriptProjector struct {
	store chatstore.TranscriptStore
	ctx   context.Context

	mu          sync.Mutex
	runs        map[string]*runProjection
	lastVersion uint64
}

func NewTranscriptProjector(ctx context.Context, store chatstore.TranscriptStore) *TranscriptProjector {
	return &TranscriptProjector{
		store: store,
		ctx:   ctx,
		runs:  map[string]*runProjection{},
	}
}

// nextVersion returns a strictly increasing version in the millisecond-epoch
// scheme the snapshot endpoint exposes.
func (p *TranscriptProjector) nextVersionLocked() uint64 {
	v := uint64(time.Now().UnixMilli()) * 1_000_000
	if v <= p.lastVersion {
		v = p.lastVersion + 1
	}
	p.lastVersion = v
	return v
}

func (p *TranscriptProjector) upsert(convID string, version uint64, entity chatstore.TranscriptEntity) {
	if p.store == nil {
		return
	}
	if err := p.store.Upsert(p.ctx, convID, version, entity); err != nil {
		log.Warn().Err(err).Str("conv_id", convID).Str("entity_id", entity.ID).Msg("transcript upsert failed")
	}
}

// RecordUserPrompt projects the submitted prompt so snapshots interleave
// user and assistant entries. Called by the service at run start.
func (p *TranscriptProjector) RecordUserPrompt(convID, runID, prompt string) {
	if p == nil || prompt == "" {
		return
	}
	props, err := json.Marshal(map[string]any{
		"role":    "user",
		"runId":   runID,
		"content": prompt,
	})
	if err != nil {
		return
	}
	p.mu.Lock()
	version := p.nextVersionLocked()
	p.mu.Unlock()
	now := time.Now().UnixMilli()
	p.upsert(convID, version, chatstore.TranscriptEntity{
		ID:          runID + ":user",
		Kind:        "message",
		Props:       props,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	})
}

// Apply consumes one event. The conversation reader delivers events in bus
// order, one goroutine per conversation.
func (p *TranscriptProjector) Apply(convID string, e events.Event) {
	if p == nil || e == nil {
		return
	}
	runID := e.Metadata().RunID
	if runID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	run := p.runs[runID]
	if run == nil {
		run = &runProjection{
			convID:    convID,
			runID:     runID,
			startedMs: time.Now().UnixMilli(),
			slots:     map[int]*segmentProjection{},
		}
		p.runs[runID] = run
		p.upsertTurnLocked(run, "running", nil)
	}

	switch ev := e.(type) {
	case *events.SessionStarted:
		run.sessionID = ev.SessionID
		p.upsertTurnLocked(run, "running", nil)
	case *events.BlockOpened:
		p.openSlotLocked(run, ev)
	case *events.BlockDelta:
		p.appendSlotLocked(run, ev)
	case *events.BlockClosed:
		p.closeSlotLocked(run, ev)
	case *events.TurnSealed:
		p.sealRunLocked(run, ev)
		delete(p.runs, runID)
	}
}

func (p *TranscriptProjector) upsertTurnLocked(run *runProjection, status string, sealed *events.TurnSealed) {
	props := map[string]any{
		"runId":       run.runID,
		"status":      status,
		"startedAtMs": run.startedMs,
	}
	if run.sessionID != "" {
		props["sessionId"] = run.sessionID
	}
	if sealed != nil {
		props["outcome"] = sealed.Outcome
		props["usage"] = sealed.Usage
		if sealed.Result != "" {
			props["result"] = sealed.Result
		}
		props["completedAtMs"] = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return
	}
	p.upsert(run.convID, p.nextVersionLocked(), chatstore.TranscriptEntity{
		ID:          run.runID,
		Kind:        "turn",
		Props:       raw,
		CreatedAtMs: run.startedMs,
		UpdatedAtMs: time.Now().UnixMilli(),
	})
}

func (p *TranscriptProjector) openSlotLocked(run *runProjection, ev *events.BlockOpened) {
	seq := run.nextSeq
	run.nextSeq++
	slot := &segmentProjection{
		entityID: run.runID + ":seg:" + strconv.Itoa(seq),
		seq:      seq,
		kind:     ev.Kind,
	}
	run.slots[ev.Index] = slot

	props := map[string]any{
		"runId": run.runID,
		"index": ev.Index,
		"seq":   seq,
		"kind":  string(ev.Kind),
	}
	if ev.Kind == transcript.SegmentKindTool {
		props["toolUseId"] = ev.ToolID
		props["toolName"] = ev.ToolName
		if len(ev.ToolInput) > 0 {
			props["toolInput"] = json.RawMessage(ev.ToolInput)
		}
		props["streaming"] = false
	} else {
		props["text"] = ""
		props["streaming"] = true
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return
	}
	now := time.Now()
	slot.lastFlush = now
	p.upsert(run.convID, p.nextVersionLocked(), chatstore.TranscriptEntity{
		ID:          slot.entityID,
		Kind:        "segment",
		Props:       raw,
		CreatedAtMs: now.UnixMilli(),
		UpdatedAtMs: now.UnixMilli(),
	})
}

func (p *TranscriptProjector) appendSlotLocked(run *runProjection, ev *events.BlockDelta) {
	slot := run.slots[ev.Index]
	if slot == nil || slot.kind != transcript.SegmentKindText {
		return
	}
	slot.text.WriteString(ev.Text)
	slot.dirty = true
	if time.Since(slot.lastFlush) < deltaFlushInterval {
		return
	}
	p.flushTextLocked(run, ev.Index, slot, slot.text.String(), true)
}

func (p *TranscriptProjector) closeSlotLocked(run *runProjection, ev *events.BlockClosed) {
	slot := run.slots[ev.Index]
	if slot == nil {
		return
	}
	delete(run.slots, ev.Index)
	if slot.kind != transcript.SegmentKindText {
		return
	}
	// The closed segment carries the authoritative accumulation.
	p.flushTextLocked(run, ev.Index, slot, ev.Segment.Text, false)
}

func (p *TranscriptProjector) flushTextLocked(run *runProjection, index int, slot *segmentProjection, text string, streaming bool) {
	props := map[string]any{
		"runId":     run.runID,
		"index":     index,
		"seq":       slot.seq,
		"kind":      string(transcript.SegmentKindText),
		"text":      text,
		"streaming": streaming,
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return
	}
	slot.dirty = false
	slot.lastFlush = time.Now()
	p.upsert(run.convID, p.nextVersionLocked(), chatstore.TranscriptEntity{
		ID:          slot.entityID,
		Kind:        "segment",
		Props:       raw,
		UpdatedAtMs: time.Now().UnixMilli(),
	})
}

func (p *TranscriptProjector) sealRunLocked(run *runProjection, ev *events.TurnSealed) {
	// Slots still open here went unclosed upstream; flush what accumulated.
	for index, slot := range run.slots {
		if slot.kind == transcript.SegmentKindText && slot.dirty {
			p.flushTextLocked(run, index, slot, slot.text.String(), false)
		}
	}
	run.slots = map[int]*segmentProjection{}

	status := "completed"
	switch ev.Outcome.Kind {
	case transcript.OutcomeFailed:
		status = "failed"
	case transcript.OutcomeCancelled:
		status = "cancelled"
	}
	p.upsertTurnLocked(run, status, ev)
}
