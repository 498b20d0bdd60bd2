package webchat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SetEvictionConfig sets the idle deadline and sweep interval. Both must be
// positive for the loop to do anything.
func (cm *ConvManager) SetEvictionConfig(idle, interval time.Duration) {
	if cm == nil {
		return
	}
	cm.mu.Lock()
	cm.evictIdle = idle
	cm.evictInterval = interval
	cm.mu.Unlock()
}

// StartEvictionLoop sweeps idle conversations until ctx is done. Starting an
// already-running loop is a no-op.
func (cm *ConvManager) StartEvictionLoop(ctx context.Context) {
	if cm == nil || ctx == nil {
		return
	}
	cm.mu.Lock()
	if cm.evictRunning || cm.evictIdle <= 0 || cm.evictInterval <= 0 {
		cm.mu.Unlock()
		return
	}
	interval := cm.evictInterval
	cm.evictRunning = true
	cm.mu.Unlock()

	go cm.runEvictionLoop(ctx, interval)
}

func (cm *ConvManager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cm.mu.Lock()
			cm.evictRunning = false
			cm.mu.Unlock()
			return
		case now := <-ticker.C:
			cm.evictIdleOnce(now)
		}
	}
}

// evictIdleOnce removes every conversation that has been idle past the
// deadline and reports how many were evicted.
func (cm *ConvManager) evictIdleOnce(now time.Time) int {
	if cm == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	cm.mu.Lock()
	idle := cm.evictIdle
	if idle <= 0 {
		cm.mu.Unlock()
		return 0
	}
	convs := make([]*Conversation, 0, len(cm.conns))
	for _, conv := range cm.conns {
		convs = append(convs, conv)
	}
	cm.mu.Unlock()

	evicted := 0
	for _, conv := range convs {
		if conv == nil || !cm.shouldEvictConversation(now, idle, conv) {
			continue
		}
		cm.mu.Lock()
		current, ok := cm.conns[conv.ID]
		if !ok || current != conv {
			cm.mu.Unlock()
			continue
		}
		delete(cm.conns, conv.ID)
		cm.mu.Unlock()

		cm.cleanupConversation(conv)
		log.Debug().Str("component", "webchat").Str("conv_id", conv.ID).Msg("evicted idle conversation")
		evicted++
	}
	return evicted
}

// shouldEvictConversation holds the eviction policy: no observer sockets, no
// active or queued run, and idle past the deadline.
func (cm *ConvManager) shouldEvictConversation(now time.Time, idle time.Duration, conv *Conversation) bool {
	if conv.pool != nil && !conv.pool.IsEmpty() {
		return false
	}
	conv.mu.Lock()
	busy := conv.isBusyLocked()
	queueLen := len(conv.queue)
	last := conv.lastActivity
	conv.mu.Unlock()
	if busy || queueLen > 0 {
		return false
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}

func (cm *ConvManager) cleanupConversation(conv *Conversation) {
	if conv == nil {
		return
	}
	if conv.pool != nil {
		conv.pool.CloseAll()
	}
	if conv.stream != nil {
		if conv.subOwned {
			conv.stream.Close()
		} else {
			conv.stream.Stop()
		}
	}
}
