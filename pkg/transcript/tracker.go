package transcript

import (
	"fmt"
	"strings"

	stderrors "errors"
)

// ProtocolViolationError reports a malformed or out-of-order block operation
// for one slot. Callers recover locally (force-close and continue) rather than
// aborting the turn.
type ProtocolViolationError struct {
	Op    string
	Index int
	Msg   string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s on slot %d: %s", e.Op, e.Index, e.Msg)
}

func violation(op string, index int, format string, args ...any) error {
	return &ProtocolViolationError{Op: op, Index: index, Msg: fmt.Sprintf(format, args...)}
}

// IsProtocolViolation reports whether err is a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolationError
	return stderrors.As(err, &pv)
}

// blockState is the per-slot record. It stays in the arrival sequence after
// close so finalization order is the order of first open, not of close.
type blockState struct {
	index  int
	kind   SegmentKind
	buf    strings.Builder
	tool   Segment
	closed bool
}

func (b *blockState) segment() Segment {
	if b.kind == SegmentKindTool {
		seg := b.tool
		seg.Index = b.index
		seg.Kind = SegmentKindTool
		return seg
	}
	return Segment{Index: b.index, Kind: SegmentKindText, Text: b.buf.String()}
}

// Tracker is the per-turn block state machine: deterministic per-slot
// bookkeeping with no I/O. One turn is driven by one goroutine, so the
// tracker is intentionally not safe for concurrent use.
type Tracker struct {
	open   map[int]*blockState
	seq    []*blockState
	sealed bool
}

func NewTracker() *Tracker {
	return &Tracker{open: make(map[int]*blockState)}
}

// Open starts a segment on a slot. Tool slots carry their complete payload at
// open time and take no appends; the slot is immediately eligible for close.
func (t *Tracker) Open(index int, kind SegmentKind, tool *Segment) error {
	if t == nil {
		return violation("open", index, "nil tracker")
	}
	if t.sealed {
		return violation("open", index, "turn already sealed")
	}
	if index < 0 {
		return violation("open", index, "negative slot index")
	}
	if _, ok := t.open[index]; ok {
		return violation("open", index, "slot already open")
	}
	switch kind {
	case SegmentKindText:
		b := &blockState{index: index, kind: SegmentKindText}
		t.open[index] = b
		t.seq = append(t.seq, b)
	case SegmentKindTool:
		if tool == nil {
			return violation("open", index, "tool open without payload")
		}
		b := &blockState{index: index, kind: SegmentKindTool, tool: *tool}
		t.open[index] = b
		t.seq = append(t.seq, b)
	default:
		return violation("open", index, "unknown segment kind %q", kind)
	}
	return nil
}

// AppendText concatenates a fragment onto an open text slot.
func (t *Tracker) AppendText(index int, fragment string) error {
	if t == nil {
		return violation("append", index, "nil tracker")
	}
	if t.sealed {
		return violation("append", index, "turn already sealed")
	}
	b, ok := t.open[index]
	if !ok {
		return violation("append", index, "slot not open")
	}
	if b.kind != SegmentKindText {
		return violation("append", index, "append to %s slot", b.kind)
	}
	b.buf.WriteString(fragment)
	return nil
}

// Close finalizes an open slot and frees its index for reuse within the turn.
// The finalized segment keeps its arrival position.
func (t *Tracker) Close(index int) (Segment, error) {
	if t == nil {
		return Segment{}, violation("close", index, "nil tracker")
	}
	if t.sealed {
		return Segment{}, violation("close", index, "turn already sealed")
	}
	b, ok := t.open[index]
	if !ok {
		return Segment{}, violation("close", index, "slot not open")
	}
	b.closed = true
	delete(t.open, index)
	return b.segment(), nil
}

// ForceClose closes a slot without protocol checks. Used for violation
// recovery and defensive sealing. Reports false when nothing was open.
func (t *Tracker) ForceClose(index int) (Segment, bool) {
	if t == nil {
		return Segment{}, false
	}
	b, ok := t.open[index]
	if !ok {
		return Segment{}, false
	}
	b.closed = true
	delete(t.open, index)
	return b.segment(), true
}

// Snapshot returns the finalized segments plus any still-open text segment's
// partial buffer, in arrival order, without mutating state.
func (t *Tracker) Snapshot() []Segment {
	if t == nil {
		return nil
	}
	out := make([]Segment, 0, len(t.seq))
	for _, b := range t.seq {
		if b.closed {
			out = append(out, b.segment())
			continue
		}
		if b.kind == SegmentKindText {
			out = append(out, b.segment())
		}
	}
	return out
}

// Segments returns the finalized segments in arrival order.
func (t *Tracker) Segments() []Segment {
	if t == nil {
		return nil
	}
	out := make([]Segment, 0, len(t.seq))
	for _, b := range t.seq {
		if b.closed {
			out = append(out, b.segment())
		}
	}
	return out
}

// OpenCount reports how many slots are currently open.
func (t *Tracker) OpenCount() int {
	if t == nil {
		return 0
	}
	return len(t.open)
}

// Seal force-closes every open slot in arrival order and freezes the tracker.
// It returns the segments it had to close so callers can emit the matching
// closed events before the terminal one. Sealing twice is a no-op.
func (t *Tracker) Seal() []Segment {
	if t == nil || t.sealed {
		return nil
	}
	var forced []Segment
	for _, b := range t.seq {
		if b.closed {
			continue
		}
		if seg, ok := t.ForceClose(b.index); ok {
			forced = append(forced, seg)
		}
	}
	t.sealed = true
	return forced
}

// Sealed reports whether the tracker has been frozen.
func (t *Tracker) Sealed() bool {
	return t != nil && t.sealed
}
