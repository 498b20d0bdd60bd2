package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteTurnStore archives sealed turns. One row per run; replays of the
// same run overwrite rather than duplicate.
type SQLiteTurnStore struct {
	db *sql.DB
}

var _ TurnStore = &SQLiteTurnStore{}

var sqliteIntrospectionTables = map[string]struct{}{
	"sealed_turns": {},
}

func NewSQLiteTurnStore(dsn string) (*SQLiteTurnStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite turn store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTurnStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTurnStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTurnStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn store: db is nil")
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sealed_turns (
		conv_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		payload_yaml TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conv_id, run_id)
	);`); err != nil {
		return errors.Wrap(err, "sqlite turn store: migrate")
	}
	if err := s.ensureColumns(); err != nil {
		return errors.Wrap(err, "sqlite turn store: ensure columns")
	}
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS sealed_turns_by_conv ON sealed_turns(conv_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sealed_turns_by_session ON sealed_turns(session_id, created_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite turn store: migrate indexes")
		}
	}
	return nil
}

// ensureColumns backfills columns added after the first release so existing
// archive files keep working after an upgrade.
func (s *SQLiteTurnStore) ensureColumns() error {
	cols, err := s.tableColumns("sealed_turns")
	if err != nil {
		return err
	}
	if !cols["outcome"] {
		if _, err := s.db.Exec(`ALTER TABLE sealed_turns ADD COLUMN outcome TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	if !cols["session_id"] {
		if _, err := s.db.Exec(`ALTER TABLE sealed_turns ADD COLUMN session_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteTurnStore) tableColumns(table string) (map[string]bool, error) {
	table = strings.ToLower(strings.TrimSpace(table))
	if _, ok := sqliteIntrospectionTables[table]; !ok {
		return nil, errors.Errorf("sqlite turn store: unsupported table for schema introspection: %q", table)
	}
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteTurnStore) Save(ctx context.Context, rec TurnRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite turn store: db is nil")
	}
	if strings.TrimSpace(rec.ConvID) == "" {
		return errors.New("sqlite turn store: convID is empty")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return errors.New("sqlite turn store: runID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if rec.CreatedAtMs <= 0 {
		rec.CreatedAtMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sealed_turns(conv_id, session_id, run_id, outcome, created_at_ms, payload_yaml)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, run_id) DO UPDATE SET
		  session_id = excluded.session_id,
		  outcome = excluded.outcome,
		  created_at_ms = excluded.created_at_ms,
		  payload_yaml = excluded.payload_yaml
	`, rec.ConvID, rec.SessionID, rec.RunID, rec.Outcome, rec.CreatedAtMs, rec.Payload)
	return errors.Wrap(err, "sqlite turn store: save turn")
}

func (s *SQLiteTurnStore) List(ctx context.Context, q TurnQuery) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite turn store: db is nil")
	}
	if strings.TrimSpace(q.ConvID) == "" && strings.TrimSpace(q.SessionID) == "" {
		return nil, errors.New("sqlite turn store: convID or sessionID required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.ConvID); v != "" {
		clauses = append(clauses, "conv_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.SessionID); v != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.Outcome); v != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, v)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "created_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT conv_id, session_id, run_id, outcome, created_at_ms, payload_yaml
		FROM sealed_turns
		WHERE %s
		ORDER BY created_at_ms DESC, run_id ASC
		LIMIT ?
	`, strings.Join(clauses, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite turn store: list turns")
	}
	defer func() { _ = rows.Close() }()

	records := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.ConvID, &rec.SessionID, &rec.RunID, &rec.Outcome, &rec.CreatedAtMs, &rec.Payload); err != nil {
			return nil, errors.Wrap(err, "sqlite turn store: scan turn")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite turn store: iterate turns")
	}
	return records, nil
}

// SQLiteTurnDSNForFile builds the archive DSN for a database file.
func SQLiteTurnDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite turn store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
