package chatstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryTranscriptStore_UpsertAndSnapshot(t *testing.T) {
	s := NewInMemoryTranscriptStore(0)
	ctx := context.Background()
	convID := "c1"

	err := s.Upsert(ctx, convID, 0, TranscriptEntity{ID: "bad", Kind: "message"})
	require.Error(t, err)
	err = s.Upsert(ctx, convID, 1, TranscriptEntity{Kind: "message"})
	require.Error(t, err)

	require.NoError(t, s.Upsert(ctx, convID, 10, TranscriptEntity{
		ID: "m1", Kind: "message", Props: json.RawMessage(`{"text":"hi","streaming":true}`),
	}))
	require.NoError(t, s.Upsert(ctx, convID, 20, TranscriptEntity{
		ID: "m1", Kind: "message", Props: json.RawMessage(`{"text":"hello","streaming":false}`),
	}))
	require.NoError(t, s.Upsert(ctx, convID, 30, TranscriptEntity{
		ID: "m2", Kind: "tool", Props: json.RawMessage(`{"name":"Bash"}`),
	}))

	full, err := s.GetSnapshot(ctx, convID, 0, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(30), full.Version)
	require.Len(t, full.Entities, 2)
	require.Equal(t, "m1", full.Entities[0].ID)
	require.JSONEq(t, `{"text":"hello","streaming":false}`, string(full.Entities[0].Props))
	require.Equal(t, "m2", full.Entities[1].ID)

	incremental, err := s.GetSnapshot(ctx, convID, 20, 100)
	require.NoError(t, err)
	require.Len(t, incremental.Entities, 1)
	require.Equal(t, "m2", incremental.Entities[0].ID)

	empty, err := s.GetSnapshot(ctx, "unknown", 0, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), empty.Version)
	require.Empty(t, empty.Entities)
}

func TestInMemoryTranscriptStore_BudgetEvictsOldestConversation(t *testing.T) {
	s := NewInMemoryTranscriptStore(400)
	ctx := context.Background()
	big := json.RawMessage(`{"text":"` + strings.Repeat("x", 100) + `"}`)

	require.NoError(t, s.Upsert(ctx, "old", 1, TranscriptEntity{ID: "e1", Kind: "message", Props: big}))
	require.NoError(t, s.Upsert(ctx, "mid", 1, TranscriptEntity{ID: "e1", Kind: "message", Props: big}))
	require.NoError(t, s.Upsert(ctx, "new", 1, TranscriptEntity{ID: "e1", Kind: "message", Props: big}))

	// The oldest conversation goes first; the one being written survives.
	oldSnap, err := s.GetSnapshot(ctx, "old", 0, 10)
	require.NoError(t, err)
	require.Empty(t, oldSnap.Entities)

	newSnap, err := s.GetSnapshot(ctx, "new", 0, 10)
	require.NoError(t, err)
	require.Len(t, newSnap.Entities, 1)
}
