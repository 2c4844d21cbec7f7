package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"causeway/internal/rules"
)

// Well-known setting keys.
const (
	SettingEvaluatorPrompt = "evaluator_prompt"
	SettingLearningPrompt  = "learning_prompt"
)

// GetSetting returns the value stored under key and whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores value under key. An empty value removes the key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.withWriteTx(ctx, "set setting", func(tx *sql.Tx) error {
		if value == "" {
			_, err := tx.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.nowNanos())
		return err
	})
}

// ListSettings returns every stored setting.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Stats summarizes the store's contents.
type Stats struct {
	Rules          int
	ActiveRules    int
	RegexRules     int
	SemanticRules  int
	Embedded       int
	ActiveByAction map[rules.Action]int
	Traces         int
	ByDecision     map[Decision]int
	Sessions       int
	LearnedRules   int
}

// Stats counts rules, traces and sessions.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ActiveByAction: map[rules.Action]int{}, ByDecision: map[Decision]int{}}

	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(active), 0),
			COALESCE(SUM(kind = 'regex'), 0),
			COALESCE(SUM(kind = 'semantic'), 0),
			COALESCE(SUM(source_session IS NOT NULL), 0),
			(SELECT COUNT(*) FROM rule_embeddings),
			(SELECT COUNT(*) FROM traces),
			(SELECT COUNT(*) FROM sessions)
		FROM rules`).Scan(&st.Rules, &st.ActiveRules, &st.RegexRules, &st.SemanticRules,
		&st.LearnedRules, &st.Embedded, &st.Traces, &st.Sessions)
	if err != nil {
		return Stats{}, fmt.Errorf("rule stats: %w", err)
	}

	if err := s.countInto(ctx, "SELECT action, COUNT(*) FROM rules WHERE active = 1 GROUP BY action", func(k string, n int) {
		st.ActiveByAction[rules.Action(k)] = n
	}); err != nil {
		return Stats{}, err
	}
	if err := s.countInto(ctx, "SELECT decision, COUNT(*) FROM traces GROUP BY decision", func(k string, n int) {
		st.ByDecision[Decision(k)] = n
	}); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Store) countInto(ctx context.Context, q string, put func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		put(k, n)
	}
	return rows.Err()
}
