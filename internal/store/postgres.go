package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

// PostgresStore persists call metrics in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			call_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			summary_json TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS call_interactions (
			call_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			interaction_id TEXT NOT NULL,
			speech_start_time DOUBLE PRECISION NOT NULL,
			speech_end_time DOUBLE PRECISION NOT NULL,
			response_start_time DOUBLE PRECISION NOT NULL,
			agent_response_end_time DOUBLE PRECISION NOT NULL,
			user_speaking_time DOUBLE PRECISION NOT NULL,
			agent_reply_time DOUBLE PRECISION NOT NULL,
			user_response_waiting_time DOUBLE PRECISION NOT NULL,
			agent_idle_time_per_question DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (call_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_sessions_session_id ON call_sessions (session_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record SessionRecord) error {
	summary, err := encodeSummary(record.Summary)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_sessions (session_id, call_id, room_name, phone_number, end_reason, started_at, ended_at, summary_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (call_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			room_name = EXCLUDED.room_name,
			phone_number = EXCLUDED.phone_number,
			end_reason = EXCLUDED.end_reason,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			summary_json = EXCLUDED.summary_json`,
		record.SessionID,
		record.CallID,
		record.RoomName,
		record.PhoneNumber,
		record.EndReason,
		record.StartedAt,
		nullTime(record.EndedAt),
		summary,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, callID string) (SessionRecord, error) {
	var (
		r       SessionRecord
		ended   *time.Time
		summary *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, call_id, room_name, phone_number, end_reason, started_at, ended_at, summary_json
		 FROM call_sessions WHERE call_id=$1`,
		callID,
	).Scan(&r.SessionID, &r.CallID, &r.RoomName, &r.PhoneNumber, &r.EndReason, &r.StartedAt, &ended, &summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	if ended != nil {
		r.EndedAt = ended.UTC()
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.Summary, err = decodeSummary(summary); err != nil {
		return SessionRecord{}, err
	}
	return r, nil
}

func (s *PostgresStore) SaveInteractions(ctx context.Context, callID string, interactions []callmetrics.Interaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM call_interactions WHERE call_id=$1`, callID); err != nil {
		return fmt.Errorf("clear interactions: %w", err)
	}
	for i, in := range interactions {
		_, err := tx.Exec(ctx,
			`INSERT INTO call_interactions (`+interactionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			interactionArgs(callID, i, in)...,
		)
		if err != nil {
			return fmt.Errorf("save interaction %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit interactions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInteractions(ctx context.Context, callID string) ([]callmetrics.Interaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interactionColumns+` FROM call_interactions WHERE call_id=$1 ORDER BY seq`,
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
