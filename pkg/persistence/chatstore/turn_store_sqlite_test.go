package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

func newTestTurnStore(t *testing.T) (*SQLiteTurnStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "turns.db")
	dsn, err := SQLiteTurnDSNForFile(path)
	require.NoError(t, err)
	s, err := NewSQLiteTurnStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sealedTurnPayload(t *testing.T) string {
	t.Helper()
	payload, err := transcript.EncodeTurnYAML(transcript.Turn{
		SessionID: "sess-1",
		Segments: []transcript.Segment{
			{Index: 0, Kind: transcript.SegmentKindText, Text: "hello there"},
			{Index: 1, Kind: transcript.SegmentKindTool, ToolID: "tu_1", ToolName: "Bash", ToolInput: json.RawMessage(`{"command":"ls"}`)},
		},
		Outcome: transcript.Outcome{Kind: transcript.OutcomeCompleted},
		Result:  "done",
		Usage:   transcript.Usage{NumTurns: 2, DurationMS: 900, TotalCostUSD: 0.01},
	})
	require.NoError(t, err)
	return payload
}

func TestSQLiteTurnStore_SaveListAndDecode(t *testing.T) {
	s, _ := newTestTurnStore(t)
	ctx := context.Background()

	require.Error(t, s.Save(ctx, TurnRecord{RunID: "r1"}))
	require.Error(t, s.Save(ctx, TurnRecord{ConvID: "c1"}))

	payload := sealedTurnPayload(t)
	require.NoError(t, s.Save(ctx, TurnRecord{
		ConvID: "c1", SessionID: "sess-1", RunID: "r1",
		Outcome: "completed", CreatedAtMs: 1000, Payload: payload,
	}))
	require.NoError(t, s.Save(ctx, TurnRecord{
		ConvID: "c1", SessionID: "sess-1", RunID: "r2",
		Outcome: "failed", CreatedAtMs: 2000, Payload: payload,
	}))

	rows, err := s.List(ctx, TurnQuery{ConvID: "c1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "r2", rows[0].RunID, "newest first")
	require.Equal(t, "r1", rows[1].RunID)

	failed, err := s.List(ctx, TurnQuery{ConvID: "c1", Outcome: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "r2", failed[0].RunID)

	turn, err := transcript.DecodeTurnYAML(rows[1].Payload)
	require.NoError(t, err)
	require.Equal(t, "sess-1", turn.SessionID)
	require.Len(t, turn.Segments, 2)
	require.Equal(t, "hello there", turn.Segments[0].Text)
	require.Equal(t, transcript.SegmentKindTool, turn.Segments[1].Kind)
	require.JSONEq(t, `{"command":"ls"}`, string(turn.Segments[1].ToolInput))
}

func TestSQLiteTurnStore_SaveIsIdempotentPerRun(t *testing.T) {
	s, _ := newTestTurnStore(t)
	ctx := context.Background()
	payload := sealedTurnPayload(t)

	require.NoError(t, s.Save(ctx, TurnRecord{ConvID: "c1", RunID: "r1", Outcome: "completed", CreatedAtMs: 1000, Payload: payload}))
	require.NoError(t, s.Save(ctx, TurnRecord{ConvID: "c1", RunID: "r1", Outcome: "completed", CreatedAtMs: 1500, Payload: payload}))

	rows, err := s.List(ctx, TurnQuery{ConvID: "c1"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "replays overwrite instead of duplicating")
	require.Equal(t, int64(1500), rows[0].CreatedAtMs)
}

func TestSQLiteTurnStore_MigrateBackfillsColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	dsn, err := SQLiteTurnDSNForFile(path)
	require.NoError(t, err)

	// A pre-upgrade archive without outcome and session_id columns.
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE sealed_turns (
		conv_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		payload_yaml TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conv_id, run_id)
	);`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sealed_turns(conv_id, run_id, created_at_ms, payload_yaml) VALUES('c1','r1',500,'')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteTurnStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rows, err := s.List(context.Background(), TurnQuery{ConvID: "c1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "r1", rows[0].RunID)
	require.Empty(t, rows[0].Outcome, "backfilled column defaults to empty")
}
