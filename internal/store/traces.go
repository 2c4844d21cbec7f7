package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TraceKind distinguishes enforcement records from learning records.
type TraceKind string

const (
	TraceEnforce TraceKind = "enforce"
	TraceLearn   TraceKind = "learn"
)

// Decision is the outcome recorded on a trace.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionWarn    Decision = "warn"
	DecisionLearned Decision = "learned"
	DecisionFailed  Decision = "failed"
)

// Trace is one append-only audit record. RuleDescription is captured at
// write time so the trace stays readable after its rule is deleted.
type Trace struct {
	ID              int64
	Kind            TraceKind
	RuleID          int64
	RuleDescription string
	// RuleDeleted is set by QueryTraces when RuleID no longer exists.
	RuleDeleted    bool
	SessionID      string
	Tool           string
	Input          string
	Decision       Decision
	Reason         string
	RulesChecked   int
	MatchedRuleIDs []int64
	Notes          []string
	Prompt         string
	Response       string
	BatchID        string
	Latency        time.Duration
	Timestamp      time.Time
}

// AppendTrace writes t and returns its id. A zero Timestamp is set to now.
func (s *Store) AppendTrace(ctx context.Context, t Trace) (int64, error) {
	if t.Kind == "" {
		t.Kind = TraceEnforce
	}
	ts := t.Timestamp.UTC().UnixNano()
	if t.Timestamp.IsZero() {
		ts = s.nowNanos()
	}
	matched, err := json.Marshal(nonNil(t.MatchedRuleIDs))
	if err != nil {
		return 0, err
	}
	notes, err := json.Marshal(nonNil(t.Notes))
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.withWriteTx(ctx, "append trace", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO traces
			(kind, rule_id, rule_description, session_id, tool, input, decision, reason, rules_checked,
			 matched_rule_ids, notes, prompt, response, batch_id, latency_ms, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(t.Kind), nullInt(t.RuleID), t.RuleDescription, nullString(t.SessionID), t.Tool, t.Input,
			string(t.Decision), t.Reason, t.RulesChecked, string(matched), string(notes),
			nullString(t.Prompt), nullString(t.Response), nullString(t.BatchID),
			t.Latency.Milliseconds(), ts)
		if err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// TraceFilter narrows QueryTraces. Zero fields do not filter.
type TraceFilter struct {
	Kind      TraceKind
	SessionID string
	RuleID    int64
	Decision  Decision
	Since     time.Time
	Limit     int
}

// QueryTraces returns traces newest first, ties broken by descending id.
func (s *Store) QueryTraces(ctx context.Context, f TraceFilter) ([]Trace, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "t.kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SessionID != "" {
		where = append(where, "t.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.RuleID != 0 {
		where = append(where, "t.rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Decision != "" {
		where = append(where, "t.decision = ?")
		args = append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		where = append(where, "t.timestamp >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}

	q := `SELECT t.id, t.kind, t.rule_id, t.rule_description, r.id IS NULL, t.session_id, t.tool, t.input,
		t.decision, t.reason, t.rules_checked, t.matched_rule_ids, t.notes, t.prompt, t.response,
		t.batch_id, t.latency_ms, t.timestamp
		FROM traces t LEFT JOIN rules r ON r.id = t.rule_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY t.timestamp DESC, t.id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		var (
			t                                  Trace
			kind, decision, matched, notes     string
			ruleID                             sql.NullInt64
			missing                            bool
			session, prompt, response, batchID sql.NullString
			latency, ts                        int64
		)
		if err := rows.Scan(&t.ID, &kind, &ruleID, &t.RuleDescription, &missing, &session, &t.Tool, &t.Input,
			&decision, &t.Reason, &t.RulesChecked, &matched, &notes, &prompt, &response,
			&batchID, &latency, &ts); err != nil {
			return nil, err
		}
		t.Kind = TraceKind(kind)
		t.Decision = Decision(decision)
		t.RuleID = ruleID.Int64
		t.RuleDeleted = ruleID.Valid && missing
		t.SessionID = session.String
		t.Prompt = prompt.String
		t.Response = response.String
		t.BatchID = batchID.String
		t.Latency = time.Duration(latency) * time.Millisecond
		t.Timestamp = fromNanos(ts)
		if err := json.Unmarshal([]byte(matched), &t.MatchedRuleIDs); err != nil {
			return nil, fmt.Errorf("trace #%d matched_rule_ids: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(notes), &t.Notes); err != nil {
			return nil, fmt.Errorf("trace #%d notes: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
