package webchat

import (
	"context"
	"sync"
	"time"
)

type activeRun struct {
	ConvID    string
	RunID     string
	StartedAt time.Time
	cancel    context.CancelFunc
}

// RunRegistry indexes in-flight runs by run id so the abort endpoint can
// reach them without going through the owning conversation.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: map[string]*activeRun{}}
}

func (r *RunRegistry) Register(convID, runID string, cancel context.CancelFunc) {
	if r == nil || runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &activeRun{ConvID: convID, RunID: runID, StartedAt: time.Now(), cancel: cancel}
}

// Cancel stops the run's context. Returns false when the run is unknown or
// already finished.
func (r *RunRegistry) Cancel(runID string) bool {
	if r == nil || runID == "" {
		return false
	}
	r.mu.Lock()
	run, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if run.cancel != nil {
		run.cancel()
	}
	return true
}

func (r *RunRegistry) Remove(runID string) {
	if r == nil || runID == "" {
		return
	}
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

func (r *RunRegistry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
