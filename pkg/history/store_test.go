package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestReadConversationReconstructsSegments(t *testing.T) {
	path := writeLog(t, t.TempDir(), "sess-1.jsonl",
		`{"sessionId":"sess-1","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":[{"type":"text","text":"list the files"}]}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2025-05-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"text","text":"Sure, "}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2025-05-01T10:00:03Z","message":{"role":"assistant","content":[{"type":"text","text":"running it now."},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"assistant","uuid":"a3","timestamp":"2025-05-01T10:00:04Z","message":{"role":"assistant","content":[{"type":"text","text":"Done."}]}}`,
	)

	conv, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", conv.SessionID)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), conv.StartedAt)

	require.Len(t, conv.Exchanges, 1)
	ex := conv.Exchanges[0]
	assert.Equal(t, "list the files", ex.Prompt)

	require.Len(t, ex.Segments, 3)
	assert.Equal(t, transcript.SegmentKindText, ex.Segments[0].Kind)
	assert.Equal(t, "Sure, running it now.", ex.Segments[0].Text)
	assert.Equal(t, transcript.SegmentKindTool, ex.Segments[1].Kind)
	assert.Equal(t, "tu_1", ex.Segments[1].ToolID)
	assert.Equal(t, "Bash", ex.Segments[1].ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(ex.Segments[1].ToolInput))
	assert.Equal(t, "Done.", ex.Segments[2].Text)
	assert.Equal(t, []int{0, 1, 2}, []int{ex.Segments[0].Index, ex.Segments[1].Index, ex.Segments[2].Index})
}

func TestReadConversationMultipleExchanges(t *testing.T) {
	path := writeLog(t, t.TempDir(), "sess-2.jsonl",
		`{"sessionId":"sess-2","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"first question"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2025-05-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"text","text":"first answer"}]}}`,
		`{"type":"user","uuid":"u2","timestamp":"2025-05-01T10:05:00Z","message":{"role":"user","content":"second question"}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2025-05-01T10:05:02Z","message":{"role":"assistant","content":[{"type":"text","text":"second answer"}]}}`,
	)

	conv, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, conv.Exchanges, 2)
	assert.Equal(t, "first question", conv.Exchanges[0].Prompt)
	assert.Equal(t, "first answer", conv.Exchanges[0].Segments[0].Text)
	assert.Equal(t, "second question", conv.Exchanges[1].Prompt)
	assert.Equal(t, "second answer", conv.Exchanges[1].Segments[0].Text)
}

func TestReadConversationSkipsCorruptLines(t *testing.T) {
	path := writeLog(t, t.TempDir(), "sess-3.jsonl",
		`{"sessionId":"sess-3","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","uuid":"a1","mess`,
		`not json at all`,
		`{"type":"assistant","uuid":"a2","timestamp":"2025-05-01T10:00:03Z","message":{"role":"assistant","content":[{"type":"text","text":"still here"}]}}`,
	)

	conv, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, conv.Exchanges, 1)
	require.Len(t, conv.Exchanges[0].Segments, 1)
	assert.Equal(t, "still here", conv.Exchanges[0].Segments[0].Text)
}

func TestReadConversationCorruptHeaderFallsBackToFilename(t *testing.T) {
	path := writeLog(t, t.TempDir(), "abc-123.jsonl",
		`{{{`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"hi"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2025-05-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"text","text":"yo"}]}}`,
	)

	conv, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "abc-123", conv.SessionID)
	require.Len(t, conv.Exchanges, 1)
	assert.False(t, conv.StartedAt.IsZero(), "falls back to file mtime")
}

func TestReadConversationIsIdempotent(t *testing.T) {
	path := writeLog(t, t.TempDir(), "sess-4.jsonl",
		`{"sessionId":"sess-4","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"q"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2025-05-01T10:00:02Z","message":{"role":"assistant","content":[{"type":"text","text":"a"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"x"}}]}}`,
	)

	first, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	second, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestListProjects(t *testing.T) {
	root := t.TempDir()
	writeLog(t, filepath.Join(root, "-home-user-alpha"), "s1.jsonl", `{"sessionId":"s1","timestamp":"2025-05-01T10:00:00Z"}`)
	writeLog(t, filepath.Join(root, "-home-user-alpha"), "s2.jsonl", `{"sessionId":"s2","timestamp":"2025-05-02T10:00:00Z"}`)
	writeLog(t, filepath.Join(root, "-home-user-beta"), "s3.jsonl", `{"sessionId":"s3","timestamp":"2025-05-03T10:00:00Z"}`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	store, err := NewStore(root)
	require.NoError(t, err)
	projects, err := store.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, ProjectSummary{Name: "-home-user-alpha", Conversations: 2}, projects[0])
	assert.Equal(t, ProjectSummary{Name: "-home-user-beta", Conversations: 1}, projects[1])
}

func TestListProjectsMissingRoot(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	projects, err := store.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestListConversationsNewestFirstAndSkipsUnreadable(t *testing.T) {
	root := t.TempDir()
	proj := filepath.Join(root, "proj")
	writeLog(t, proj, "old.jsonl",
		`{"sessionId":"old","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"old prompt"}}`,
	)
	writeLog(t, proj, "new.jsonl",
		`{"sessionId":"new","timestamp":"2025-06-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-06-01T10:00:01Z","message":{"role":"user","content":"new prompt"}}`,
	)
	// A dangling symlink fails to open and must be skipped, not abort the scan.
	require.NoError(t, os.Symlink(filepath.Join(proj, "gone"), filepath.Join(proj, "broken.jsonl")))

	store, err := NewStore(root)
	require.NoError(t, err)
	got, err := store.ListConversations(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].SessionID)
	assert.Equal(t, "old", got[1].SessionID)
	assert.Equal(t, "new prompt", got[0].FirstPrompt)
	assert.Equal(t, 1, got[0].MessageCount)
}

func TestListConversationsUsesCache(t *testing.T) {
	root := t.TempDir()
	proj := filepath.Join(root, "proj")
	writeLog(t, proj, "a.jsonl", `{"sessionId":"a","timestamp":"2025-05-01T10:00:00Z"}`)

	store, err := NewStore(root)
	require.NoError(t, err)
	first, err := store.ListConversations(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, first, 1)

	writeLog(t, proj, "b.jsonl", `{"sessionId":"b","timestamp":"2025-05-02T10:00:00Z"}`)
	cached, err := store.ListConversations(context.Background(), "proj")
	require.NoError(t, err)
	assert.Len(t, cached, 1, "listing served from cache until invalidated")

	store.cache.invalidate("proj")
	fresh, err := store.ListConversations(context.Background(), "proj")
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestWatchInvalidatesCache(t *testing.T) {
	root := t.TempDir()
	proj := filepath.Join(root, "proj")
	writeLog(t, proj, "a.jsonl", `{"sessionId":"a","timestamp":"2025-05-01T10:00:00Z"}`)

	store, err := NewStore(root)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// Give the watcher a moment to register before generating events.
	time.Sleep(100 * time.Millisecond)

	_, err = store.ListConversations(context.Background(), "proj")
	require.NoError(t, err)

	writeLog(t, proj, "b.jsonl", `{"sessionId":"b","timestamp":"2025-05-02T10:00:00Z"}`)
	require.Eventually(t, func() bool {
		got, err := store.ListConversations(context.Background(), "proj")
		return err == nil && len(got) == 2
	}, 3*time.Second, 50*time.Millisecond, "watcher invalidates the stale listing")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestGetConversationTraversalGuard(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.GetConversation(context.Background(), "../escape", "sess")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafePath))

	_, err = store.GetConversation(context.Background(), "proj", "../../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafePath))

	_, err = store.ListConversations(context.Background(), "..")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafePath))
}

func TestGetConversationMissingFile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.GetConversation(context.Background(), "proj", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSummaryPromptPreviewTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	path := writeLog(t, t.TempDir(), "sess-5.jsonl",
		`{"sessionId":"sess-5","timestamp":"2025-05-01T10:00:00Z"}`,
		`{"type":"user","uuid":"u1","timestamp":"2025-05-01T10:00:01Z","message":{"role":"user","content":"`+long+`"}}`,
	)
	conv, err := ReadConversation(path, "proj", zerolog.Nop())
	require.NoError(t, err)
	sum := conv.summary()
	assert.Len(t, sum.FirstPrompt, previewLimit)
	assert.Equal(t, long, conv.Exchanges[0].Prompt, "full prompt retained on the conversation")
}
