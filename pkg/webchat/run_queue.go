package webchat

import (
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

// defaultQueueDepth caps queued prompts per conversation when the router is
// not configured otherwise.
const defaultQueueDepth = 8

type queuedRun struct {
	IdempotencyKey string
	RunID          string
	Prompt         string
	// SessionID overrides the conversation's learned session for resumption.
	SessionID      string
	PermissionMode string
	WorkingDir     string
	EnqueuedAt     time.Time
}

type runRecord struct {
	IdempotencyKey string
	RunID          string
	Status         string // queued|running|completed|error

	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Outcome transcript.Outcome
	Error   string
}

func (c *Conversation) ensureQueueInitLocked() {
	if c.requests == nil {
		c.requests = map[string]*runRecord{}
	}
}

func (c *Conversation) isBusyLocked() bool {
	if c == nil {
		return false
	}
	return c.activeKey != ""
}

func (c *Conversation) getRecordLocked(idempotencyKey string) (*runRecord, bool) {
	if c == nil || idempotencyKey == "" || c.requests == nil {
		return nil, false
	}
	rec, ok := c.requests[idempotencyKey]
	return rec, ok
}

func (c *Conversation) upsertRecordLocked(rec *runRecord) {
	if c == nil || rec == nil || rec.IdempotencyKey == "" {
		return
	}
	c.ensureQueueInitLocked()
	c.requests[rec.IdempotencyKey] = rec
}

func (c *Conversation) enqueueLocked(q queuedRun) int {
	if c == nil {
		return -1
	}
	c.queue = append(c.queue, q)
	return len(c.queue)
}

func (c *Conversation) dequeueLocked() (queuedRun, bool) {
	if c == nil || len(c.queue) == 0 {
		return queuedRun{}, false
	}
	q := c.queue[0]
	c.queue = c.queue[1:]
	return q, true
}

func (c *Conversation) replayResponseLocked(rec *runRecord) map[string]any {
	resp := map[string]any{
		"status":          rec.Status,
		"conv_id":         c.ID,
		"run_id":          rec.RunID,
		"idempotency_key": rec.IdempotencyKey,
	}
	if rec.Error != "" {
		resp["error"] = rec.Error
	}
	if rec.Outcome.Kind != "" {
		resp["outcome"] = string(rec.Outcome.Kind)
	}
	return resp
}

type runPrep struct {
	Start      bool
	RunID      string
	HTTPStatus int
	Response   map[string]any
}

// PrepareRun decides what happens to an incoming prompt under the
// conversation lock: replay a known idempotency key, queue behind the active
// run, reject when the queue is full, or claim the conversation and start.
func (c *Conversation) PrepareRun(q queuedRun, maxDepth int) (runPrep, error) {
	if c == nil {
		return runPrep{}, errors.New("conversation is nil")
	}
	if q.IdempotencyKey == "" {
		return runPrep{}, errors.New("idempotency key is empty")
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureQueueInitLocked()
	c.touchLocked(now)

	if rec, ok := c.getRecordLocked(q.IdempotencyKey); ok && rec != nil {
		status := http.StatusOK
		if rec.Status == "queued" || rec.Status == "running" {
			status = http.StatusAccepted
		}
		return runPrep{RunID: rec.RunID, HTTPStatus: status, Response: c.replayResponseLocked(rec)}, nil
	}

	if c.isBusyLocked() {
		if maxDepth > 0 && len(c.queue) >= maxDepth {
			return runPrep{
				RunID:      q.RunID,
				HTTPStatus: http.StatusTooManyRequests,
				Response: map[string]any{
					"status":  "rejected",
					"error":   "run queue is full",
					"conv_id": c.ID,
				},
			}, nil
		}
		if q.EnqueuedAt.IsZero() {
			q.EnqueuedAt = now
		}
		pos := c.enqueueLocked(q)
		c.upsertRecordLocked(&runRecord{
			IdempotencyKey: q.IdempotencyKey,
			RunID:          q.RunID,
			Status:         "queued",
			EnqueuedAt:     q.EnqueuedAt,
		})
		return runPrep{
			RunID:      q.RunID,
			HTTPStatus: http.StatusAccepted,
			Response: map[string]any{
				"status":          "queued",
				"queue_position":  pos,
				"conv_id":         c.ID,
				"run_id":          q.RunID,
				"idempotency_key": q.IdempotencyKey,
			},
		}, nil
	}

	c.activeKey = q.IdempotencyKey
	c.upsertRecordLocked(&runRecord{
		IdempotencyKey: q.IdempotencyKey,
		RunID:          q.RunID,
		Status:         "running",
		EnqueuedAt:     now,
		StartedAt:      now,
	})
	return runPrep{Start: true, RunID: q.RunID}, nil
}

// ClaimNextQueued pops the next queued run and marks the conversation busy
// with it. Used by the drain loop after the active run finishes.
func (c *Conversation) ClaimNextQueued() (queuedRun, bool) {
	if c == nil {
		return queuedRun{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.dequeueLocked()
	if !ok {
		return queuedRun{}, false
	}
	c.activeKey = q.IdempotencyKey
	c.ensureQueueInitLocked()
	if rec, found := c.getRecordLocked(q.IdempotencyKey); found && rec != nil {
		rec.Status = "running"
		rec.StartedAt = time.Now()
	} else {
		c.upsertRecordLocked(&runRecord{IdempotencyKey: q.IdempotencyKey, RunID: q.RunID, Status: "running", StartedAt: time.Now()})
	}
	return q, true
}
