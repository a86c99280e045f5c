package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

// SQLiteStore persists call metrics in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			call_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			summary_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS call_interactions (
			call_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			interaction_id TEXT NOT NULL,
			speech_start_time REAL NOT NULL,
			speech_end_time REAL NOT NULL,
			response_start_time REAL NOT NULL,
			agent_response_end_time REAL NOT NULL,
			user_speaking_time REAL NOT NULL,
			agent_reply_time REAL NOT NULL,
			user_response_waiting_time REAL NOT NULL,
			agent_idle_time_per_question REAL NOT NULL,
			PRIMARY KEY (call_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_session_id ON call_sessions (session_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, record SessionRecord) error {
	summary, err := encodeSummary(record.Summary)
	if err != nil {
		return err
	}
	var ended *string
	if !record.EndedAt.IsZero() {
		v := formatTime(record.EndedAt)
		ended = &v
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (session_id, call_id, room_name, phone_number, end_reason, started_at, ended_at, summary_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET
			session_id = excluded.session_id,
			room_name = excluded.room_name,
			phone_number = excluded.phone_number,
			end_reason = excluded.end_reason,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			summary_json = excluded.summary_json`,
		record.SessionID,
		record.CallID,
		record.RoomName,
		record.PhoneNumber,
		record.EndReason,
		formatTime(record.StartedAt),
		ended,
		summary,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, callID string) (SessionRecord, error) {
	var (
		r              SessionRecord
		started        string
		ended, summary sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, call_id, room_name, phone_number, end_reason, started_at, ended_at, summary_json
		 FROM call_sessions WHERE call_id = ?`,
		callID,
	).Scan(&r.SessionID, &r.CallID, &r.RoomName, &r.PhoneNumber, &r.EndReason, &started, &ended, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return SessionRecord{}, err
	}
	if ended.Valid {
		if r.EndedAt, err = parseTime(ended.String); err != nil {
			return SessionRecord{}, err
		}
	}
	if summary.Valid {
		if r.Summary, err = decodeSummary(&summary.String); err != nil {
			return SessionRecord{}, err
		}
	}
	return r, nil
}

func (s *SQLiteStore) SaveInteractions(ctx context.Context, callID string, interactions []callmetrics.Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM call_interactions WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("clear interactions: %w", err)
	}
	for i, in := range interactions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO call_interactions (`+interactionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			interactionArgs(callID, i, in)...,
		)
		if err != nil {
			return fmt.Errorf("save interaction %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit interactions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInteractions(ctx context.Context, callID string) ([]callmetrics.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM call_interactions WHERE call_id = ? ORDER BY seq`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var items []callmetrics.Interaction
	for rows.Next() {
		var (
			in    callmetrics.Interaction
			owner string
			seq   int
		)
		if err := rows.Scan(interactionDest(&in, &owner, &seq)...); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}
		items = append(items, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interaction rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}
