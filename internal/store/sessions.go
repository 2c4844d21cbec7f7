package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Turn is one message of a recorded conversation.
type Turn struct {
	Seq        int
	ExternalID string
	Role       string
	Content    string
	ToolName   string
	Timestamp  time.Time
}

// Session is a recorded assistant conversation within a project.
type Session struct {
	ID             string
	ProjectID      int64
	ProjectPath    string
	TranscriptPath string
	StartedAt      time.Time
	EndedAt        time.Time
	LearnedAt      time.Time
	TurnCount      int
	Turns          []Turn
}

// UpsertProject returns the id of the project at path, creating it if needed.
func (s *Store) UpsertProject(ctx context.Context, path string) (int64, error) {
	path = filepath.Clean(path)
	var id int64
	err := s.withWriteTx(ctx, "upsert project", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (path, name, created_at) VALUES (?, ?, ?) ON CONFLICT(path) DO NOTHING`,
			path, filepath.Base(path), s.nowNanos()); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return tx.QueryRowContext(ctx, "SELECT id FROM projects WHERE path = ?", path).Scan(&id)
	})
	return id, err
}

// UpsertSession records a session, keeping the earliest start time and any
// project or transcript already known.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	started := sess.StartedAt.UTC().UnixNano()
	if sess.StartedAt.IsZero() {
		started = s.nowNanos()
	}
	return s.withWriteTx(ctx, "upsert session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, project_id, transcript_path, started_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				project_id = COALESCE(excluded.project_id, sessions.project_id),
				transcript_path = CASE WHEN excluded.transcript_path != '' THEN excluded.transcript_path ELSE sessions.transcript_path END,
				started_at = MIN(sessions.started_at, excluded.started_at)`,
			sess.ID, nullInt(sess.ProjectID), sess.TranscriptPath, started)
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", sess.ID, err)
		}
		return nil
	})
}

// AppendTurns adds turns to a session and returns how many were new. Turns
// with an ExternalID already recorded are ignored, so re-reading the same
// transcript is harmless.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns []Turn) (int, error) {
	var added int
	err := s.withWriteTx(ctx, "append turns", func(tx *sql.Tx) error {
		added = 0
		var seq int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) FROM session_turns WHERE session_id = ?", sessionID).Scan(&seq); err != nil {
			return err
		}
		for _, t := range turns {
			ts := t.Timestamp.UTC().UnixNano()
			if t.Timestamp.IsZero() {
				ts = s.nowNanos()
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO session_turns
				(session_id, seq, external_id, role, content, tool_name, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				sessionID, seq+1, t.ExternalID, t.Role, t.Content, t.ToolName, ts)
			if err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				seq++
				added++
			}
		}
		return nil
	})
	return added, err
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	return s.stampSession(ctx, "ended_at", id, at)
}

// MarkLearned stamps the time learning last completed for the session.
func (s *Store) MarkLearned(ctx context.Context, id string, at time.Time) error {
	return s.stampSession(ctx, "learned_at", id, at)
}

func (s *Store) stampSession(ctx context.Context, column, id string, at time.Time) error {
	ts := at.UTC().UnixNano()
	if at.IsZero() {
		ts = s.nowNanos()
	}
	return s.withWriteTx(ctx, "stamp session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE sessions SET "+column+" = ? WHERE id = ?", ts, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{Entity: "session", ID: id}
		}
		return nil
	})
}

const sessionColumns = `s.id, s.project_id, COALESCE(p.path, ''), s.transcript_path, s.started_at,
	s.ended_at, s.learned_at, (SELECT COUNT(*) FROM session_turns t WHERE t.session_id = s.id)`

func scanSession(sc rowScanner) (Session, error) {
	var (
		sess           Session
		project        sql.NullInt64
		started        int64
		ended, learned sql.NullInt64
	)
	if err := sc.Scan(&sess.ID, &project, &sess.ProjectPath, &sess.TranscriptPath, &started,
		&ended, &learned, &sess.TurnCount); err != nil {
		return Session{}, err
	}
	sess.ProjectID = project.Int64
	sess.StartedAt = fromNanos(started)
	sess.EndedAt = fromNanos(ended.Int64)
	sess.LearnedAt = fromNanos(learned.Int64)
	return sess, nil
}

// GetSession returns a session and, when withTurns is set, its turns in order.
func (s *Store) GetSession(ctx context.Context, id string, withTurns bool) (Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+`
		FROM sessions s LEFT JOIN projects p ON p.id = s.project_id WHERE s.id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, &NotFoundError{Entity: "session", ID: id}
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if !withTurns {
		return sess, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, external_id, role, content, tool_name, timestamp
		FROM session_turns WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return Session{}, fmt.Errorf("session turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t  Turn
			ts int64
		)
		if err := rows.Scan(&t.Seq, &t.ExternalID, &t.Role, &t.Content, &t.ToolName, &ts); err != nil {
			return Session{}, err
		}
		t.Timestamp = fromNanos(ts)
		sess.Turns = append(sess.Turns, t)
	}
	return sess, rows.Err()
}

// ListSessions returns sessions, most recently started first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	q := "SELECT " + sessionColumns + `
		FROM sessions s LEFT JOIN projects p ON p.id = s.project_id
		ORDER BY s.started_at DESC, s.id ASC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
