package sessionlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/drivevoice/drivevoice/pkg/client/api"
)

// ErrNotFound is returned when the fast store has no row for a session.
var ErrNotFound = errors.New("session not found")

const fastSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	context          TEXT NOT NULL,
	room_name        TEXT NOT NULL,
	model            TEXT NOT NULL,
	voice            TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	ended_at         TEXT,
	duration_minutes INTEGER,
	logging_enabled  INTEGER NOT NULL,
	summary_status   TEXT NOT NULL DEFAULT 'pending',
	title            TEXT NOT NULL DEFAULT '',
	summary          TEXT NOT NULL DEFAULT ''
);`

// SQLite is the local-first fast store. It holds a lossy mirror of the
// gateway's session list for instant rendering; the gateway stays the source
// of truth.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fast store: %w", err)
	}
	if _, err := db.Exec(fastSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init fast store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) UpsertSession(ctx context.Context, sess api.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, context, room_name, model, voice,
			started_at, ended_at, duration_minutes, logging_enabled,
			summary_status, title, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at         = excluded.ended_at,
			duration_minutes = excluded.duration_minutes,
			summary_status   = excluded.summary_status,
			title            = excluded.title,
			summary          = excluded.summary`,
		sess.SessionID, sess.Context, sess.RoomName, sess.Model, sess.Voice,
		sess.StartedAt, sess.EndedAt, sess.DurationMinutes, sess.LoggingEnabled,
		sess.SummaryStatus, sess.Title, sess.Summary)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLite) MarkEnded(ctx context.Context, id, endedAt string, durationMinutes int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, duration_minutes = ? WHERE session_id = ?`,
		endedAt, durationMinutes, id)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionCols = `session_id, context, room_name, model, voice, started_at,
	ended_at, duration_minutes, logging_enabled, summary_status, title, summary`

func scanRow(row interface{ Scan(...any) error }) (api.Session, error) {
	var sess api.Session
	err := row.Scan(
		&sess.SessionID, &sess.Context, &sess.RoomName, &sess.Model, &sess.Voice,
		&sess.StartedAt, &sess.EndedAt, &sess.DurationMinutes, &sess.LoggingEnabled,
		&sess.SummaryStatus, &sess.Title, &sess.Summary)
	return sess, err
}

func (s *SQLite) List(ctx context.Context) ([]api.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []api.Session
	for rows.Next() {
		sess, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*api.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ReplaceAll swaps the mirror's contents for an authoritative snapshot.
func (s *SQLite) ReplaceAll(ctx context.Context, sessions []api.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	for _, sess := range sessions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, context, room_name, model, voice,
				started_at, ended_at, duration_minutes, logging_enabled,
				summary_status, title, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, sess.Context, sess.RoomName, sess.Model, sess.Voice,
			sess.StartedAt, sess.EndedAt, sess.DurationMinutes, sess.LoggingEnabled,
			sess.SummaryStatus, sess.Title, sess.Summary)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}
	return tx.Commit()
}
