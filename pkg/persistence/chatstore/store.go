// Package chatstore persists the two durable projections of live chat:
// versioned transcript entities for mid-turn snapshot hydration, and sealed
// turns for archival inspection.
package chatstore

import (
	"context"
	"encoding/json"
)

// TranscriptEntity is one versioned projection row. Props is an opaque JSON
// document owned by the projector; the store never interprets it.
type TranscriptEntity struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Props       json.RawMessage `json:"props"`
	CreatedAtMs int64           `json:"createdAtMs,omitempty"`
	UpdatedAtMs int64           `json:"updatedAtMs,omitempty"`
}

// TranscriptSnapshot is the hydration payload served to reconnecting clients:
// all entities at or below Version, in projection order.
type TranscriptSnapshot struct {
	ConvID       string             `json:"convId"`
	Version      uint64             `json:"version"`
	ServerTimeMs int64              `json:"serverTimeMs"`
	Entities     []TranscriptEntity `json:"entities"`
}

// TranscriptStore keeps the canonical entity set per conversation, addressed
// by a per-conversation monotonic version.
type TranscriptStore interface {
	Upsert(ctx context.Context, convID string, version uint64, entity TranscriptEntity) error
	GetSnapshot(ctx context.Context, convID string, sinceVersion uint64, limit int) (*TranscriptSnapshot, error)
	Close() error
}

// TurnRecord is one archived sealed turn.
type TurnRecord struct {
	ConvID      string `json:"convId"`
	SessionID   string `json:"sessionId"`
	RunID       string `json:"runId"`
	Outcome     string `json:"outcome"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Payload     string `json:"payload"`
}

// TurnQuery filters archived turns.
type TurnQuery struct {
	ConvID    string
	SessionID string
	Outcome   string
	SinceMs   int64
	Limit     int
}

// TurnStore is the append-only archive of sealed turns.
type TurnStore interface {
	Save(ctx context.Context, rec TurnRecord) error
	List(ctx context.Context, q TurnQuery) ([]TurnRecord, error)
	Close() error
}
