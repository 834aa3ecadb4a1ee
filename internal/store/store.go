package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/bodytrack/internal/presence"
)

var ErrSessionNotFound = errors.New("session not found")

type Store struct {
	conn *pgx.Conn
}

func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS tracking_sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			frames INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS presence_events (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES tracking_sessions(id) ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK (kind IN ('entered', 'exited')),
			body_id BIGINT NOT NULL,
			distance_m DOUBLE PRECISION,
			device_ts_us BIGINT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS presence_events_session_id_idx ON presence_events (session_id);
		CREATE INDEX IF NOT EXISTS presence_events_body_id_idx ON presence_events (body_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Session is one run of the tracker over a source.
type Session struct {
	ID          uuid.UUID
	Source      string
	Fingerprint string
	StartedAt   time.Time
	EndedAt     *time.Time
	Frames      int
	Events      int
}

// EventRecord is a persisted presence event.
type EventRecord struct {
	presence.Event
	SessionID  uuid.UUID
	RecordedAt time.Time
}

// StartSession registers a new tracking run and returns it.
func (s *Store) StartSession(ctx context.Context, source, fingerprint string) (Session, error) {
	sess := Session{ID: uuid.New(), Source: source, Fingerprint: fingerprint}
	err := s.conn.QueryRow(ctx, `
		INSERT INTO tracking_sessions (id, source, fingerprint)
		VALUES ($1, $2, $3)
		RETURNING started_at
	`, sess.ID, source, fingerprint).Scan(&sess.StartedAt)
	return sess, err
}

// FinishSession stamps the end time and the number of frames processed.
func (s *Store) FinishSession(ctx context.Context, id uuid.UUID, frames int) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE tracking_sessions SET ended_at = NOW(), frames = $2 WHERE id = $1
	`, id, frames)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// RecordEvents saves one frame's presence events in a single round trip.
func (s *Store) RecordEvents(ctx context.Context, sessionID uuid.UUID, events []presence.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO presence_events (session_id, kind, body_id, distance_m, device_ts_us)
			VALUES ($1, $2, $3, $4, $5)
		`, sessionID, string(ev.Kind), int64(ev.BodyID), ev.Distance, ev.DeviceTimestamp.Microseconds())
	}
	return s.conn.SendBatch(ctx, batch).Close()
}

// ListSessions returns the most recent sessions first, with their event counts.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source, s.fingerprint, s.started_at, s.ended_at, s.frames, COUNT(e.id)
		FROM tracking_sessions s
		LEFT JOIN presence_events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Fingerprint, &sess.StartedAt, &sess.EndedAt, &sess.Frames, &sess.Events); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	SessionID *uuid.UUID
	BodyID    *uint32
	Kind      presence.Kind
	Limit     int
}

func (f EventFilter) query() (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SessionID != nil {
		add("session_id = $%d", *f.SessionID)
	}
	if f.BodyID != nil {
		add("body_id = $%d", int64(*f.BodyID))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}

	var b strings.Builder
	b.WriteString("SELECT session_id, kind, body_id, distance_m, device_ts_us, recorded_at FROM presence_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

// ListEvents returns events in the order they were recorded.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	query, args := filter.query()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec    EventRecord
			kind   string
			bodyID int64
			us     int64
		)
		if err := rows.Scan(&rec.SessionID, &kind, &bodyID, &rec.Distance, &us, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Kind = presence.Kind(kind)
		rec.BodyID = uint32(bodyID)
		rec.DeviceTimestamp = time.Duration(us) * time.Microsecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS presence_events CASCADE;
		DROP TABLE IF EXISTS tracking_sessions CASCADE;
	`)
	return err
}
