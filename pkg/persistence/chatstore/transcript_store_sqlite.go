package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteTranscriptStore persists transcript entities across restarts so
// reconnecting clients can hydrate even after a server bounce.
type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_versions (
		  conv_id TEXT PRIMARY KEY,
		  version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_entities (
		  conv_id TEXT NOT NULL,
		  entity_id TEXT NOT NULL,
		  kind TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  version INTEGER NOT NULL,
		  entity_json TEXT NOT NULL,
		  PRIMARY KEY (conv_id, entity_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_entities_by_version
		  ON transcript_entities(conv_id, version);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) Upsert(ctx context.Context, convID string, version uint64, entity TranscriptEntity) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if convID == "" {
		return errors.New("sqlite transcript store: convID is empty")
	}
	if version == 0 {
		return errors.New("sqlite transcript store: version is 0")
	}
	if entity.ID == "" {
		return errors.New("sqlite transcript store: entity.id is empty")
	}
	if entity.Kind == "" {
		return errors.New("sqlite transcript store: entity.kind is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UnixMilli()
	versionI64, err := uint64ToInt64(version)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	_ = tx.QueryRowContext(ctx, `SELECT version FROM transcript_versions WHERE conv_id = ?`, convID).Scan(&current)
	newVersion := current
	if versionI64 > current {
		newVersion = versionI64
	}

	var existingCreated int64
	err = tx.QueryRowContext(ctx, `SELECT created_at_ms FROM transcript_entities WHERE conv_id = ? AND entity_id = ?`, convID, entity.ID).
		Scan(&existingCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	createdAt := existingCreated
	if createdAt == 0 {
		if entity.CreatedAtMs > 0 {
			createdAt = entity.CreatedAtMs
		} else {
			createdAt = now
		}
	}
	entity.CreatedAtMs = createdAt
	entity.UpdatedAtMs = now

	entityJSON, err := json.Marshal(entity)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: marshal entity")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_entities(conv_id, entity_id, kind, created_at_ms, updated_at_ms, version, entity_json)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, entity_id) DO UPDATE SET
		  kind = excluded.kind,
		  updated_at_ms = excluded.updated_at_ms,
		  version = excluded.version,
		  entity_json = excluded.entity_json
	`, convID, entity.ID, entity.Kind, createdAt, now, versionI64, string(entityJSON)); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert entity")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_versions(conv_id, version)
		VALUES(?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET version = excluded.version
	`, convID, newVersion); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert version")
	}

	return tx.Commit()
}

func (s *SQLiteTranscriptStore) GetSnapshot(ctx context.Context, convID string, sinceVersion uint64, limit int) (*TranscriptSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if convID == "" {
		return nil, errors.New("sqlite transcript store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}

	var current int64
	_ = s.db.QueryRowContext(ctx, `SELECT version FROM transcript_versions WHERE conv_id = ?`, convID).Scan(&current)

	query := `
		SELECT entity_json
		FROM transcript_entities
		WHERE conv_id = ? AND version > ?
		ORDER BY version ASC, entity_id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, convID, sinceVersion, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query snapshot")
	}
	defer func() { _ = rows.Close() }()

	entities := make([]TranscriptEntity, 0, 128)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e TranscriptEntity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: unmarshal entity")
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	versionU64, err := int64ToUint64(current)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: invalid snapshot version")
	}
	return &TranscriptSnapshot{
		ConvID:       convID,
		Version:      versionU64,
		ServerTimeMs: time.Now().UnixMilli(),
		Entities:     entities,
	}, nil
}

// SQLiteTranscriptDSNForFile builds the store DSN for a database file.
// WAL for concurrent readers + writer; busy_timeout avoids transient
// SQLITE_BUSY under snapshot load.
func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
