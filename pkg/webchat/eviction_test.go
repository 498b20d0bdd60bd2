package webchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConvManager(t *testing.T) *ConvManager {
	t.Helper()
	return NewConvManager(ConvManagerOptions{BaseCtx: context.Background()})
}

func TestShouldEvictConversationPolicy(t *testing.T) {
	cm := newTestConvManager(t)
	idle := 10 * time.Minute
	now := time.Now()

	conv, err := cm.GetOrCreate("conv-1")
	require.NoError(t, err)

	// Fresh conversations stay.
	assert.False(t, cm.shouldEvictConversation(now, idle, conv))

	// Past the deadline with nothing attached: evict.
	conv.mu.Lock()
	conv.lastActivity = now.Add(-idle - time.Minute)
	conv.mu.Unlock()
	assert.True(t, cm.shouldEvictConversation(now, idle, conv))

	// An observer socket keeps it alive.
	sock := &stubConn{}
	conv.pool.Add(sock)
	assert.False(t, cm.shouldEvictConversation(now, idle, conv))
	conv.pool.Remove(sock)
	assert.True(t, cm.shouldEvictConversation(now, idle, conv))

	// An active run keeps it alive.
	conv.mu.Lock()
	conv.activeKey = "k1"
	conv.mu.Unlock()
	assert.False(t, cm.shouldEvictConversation(now, idle, conv))
	conv.mu.Lock()
	conv.activeKey = ""
	conv.mu.Unlock()

	// A queued run keeps it alive.
	conv.mu.Lock()
	conv.queue = append(conv.queue, queuedRun{IdempotencyKey: "k2", RunID: "run-2"})
	conv.mu.Unlock()
	assert.False(t, cm.shouldEvictConversation(now, idle, conv))
	conv.mu.Lock()
	conv.queue = nil
	conv.lastActivity = now.Add(-idle - time.Minute)
	conv.mu.Unlock()
	assert.True(t, cm.shouldEvictConversation(now, idle, conv))
}

func TestEvictIdleOnce(t *testing.T) {
	cm := newTestConvManager(t)
	cm.SetEvictionConfig(10*time.Minute, time.Minute)
	now := time.Now()

	stale, err := cm.GetOrCreate("stale")
	require.NoError(t, err)
	fresh, err := cm.GetOrCreate("fresh")
	require.NoError(t, err)

	stale.mu.Lock()
	stale.lastActivity = now.Add(-time.Hour)
	stale.mu.Unlock()
	fresh.mu.Lock()
	fresh.lastActivity = now
	fresh.mu.Unlock()

	assert.Equal(t, 1, cm.evictIdleOnce(now))
	_, ok := cm.GetConversation("stale")
	assert.False(t, ok)
	_, ok = cm.GetConversation("fresh")
	assert.True(t, ok)
}

func TestCleanupConversationClosesSockets(t *testing.T) {
	cm := newTestConvManager(t)
	conv, err := cm.GetOrCreate("conv-1")
	require.NoError(t, err)

	sock := &stubConn{}
	conv.pool.Add(sock)
	cm.cleanupConversation(conv)
	assert.True(t, sock.closed)
	assert.True(t, conv.pool.IsEmpty())
}

func TestEvictIdleOnceDisabledWithoutDeadline(t *testing.T) {
	cm := newTestConvManager(t)
	conv, err := cm.GetOrCreate("conv-1")
	require.NoError(t, err)
	conv.mu.Lock()
	conv.lastActivity = time.Now().Add(-24 * time.Hour)
	conv.mu.Unlock()

	assert.Equal(t, 0, cm.evictIdleOnce(time.Now()))
	_, ok := cm.GetConversation("conv-1")
	assert.True(t, ok)
}

func TestStartEvictionLoopStopsOnContextCancel(t *testing.T) {
	cm := newTestConvManager(t)
	cm.SetEvictionConfig(time.Minute, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cm.StartEvictionLoop(ctx)

	cm.mu.Lock()
	running := cm.evictRunning
	cm.mu.Unlock()
	require.True(t, running)

	cancel()
	require.Eventually(t, func() bool {
		cm.mu.Lock()
		defer cm.mu.Unlock()
		return !cm.evictRunning
	}, 2*time.Second, 10*time.Millisecond)
}
