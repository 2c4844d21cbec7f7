package server

import (
	"time"

	"causeway/internal/rules"
	"causeway/internal/store"
)

type ruleView struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	Action        string    `json:"action"`
	Active        bool      `json:"active"`
	Tool          string    `json:"tool,omitempty"`
	Pattern       string    `json:"pattern,omitempty"`
	Description   string    `json:"description,omitempty"`
	Problem       string    `json:"problem,omitempty"`
	Solution      string    `json:"solution,omitempty"`
	SourceSession string    `json:"source_session,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func viewRule(r rules.Rule) ruleView {
	v := ruleView{
		ID:            r.ID,
		Kind:          string(r.Kind()),
		Action:        string(r.Action),
		Active:        r.Active,
		Tool:          r.Tool,
		Description:   r.Description,
		SourceSession: r.SourceSession,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if rx := r.Regex(); rx != nil {
		v.Pattern = rx.Pattern
	}
	if sem := r.Semantic(); sem != nil {
		v.Problem, v.Solution = sem.Problem, sem.Solution
	}
	return v
}

type matchView struct {
	Rule       ruleView `json:"rule"`
	Distance   float64  `json:"distance"`
	Similarity float64  `json:"similarity"`
}

type traceView struct {
	ID              int64     `json:"id"`
	Kind            string    `json:"kind"`
	Timestamp       time.Time `json:"timestamp"`
	SessionID       string    `json:"session_id,omitempty"`
	Tool            string    `json:"tool,omitempty"`
	Input           string    `json:"input,omitempty"`
	Decision        string    `json:"decision"`
	Reason          string    `json:"reason,omitempty"`
	RuleID          int64     `json:"rule_id,omitempty"`
	RuleDescription string    `json:"rule_description,omitempty"`
	RuleDeleted     bool      `json:"rule_deleted,omitempty"`
	RulesChecked    int       `json:"rules_checked"`
	MatchedRuleIDs  []int64   `json:"matched_rule_ids"`
	Notes           []string  `json:"notes,omitempty"`
	BatchID         string    `json:"batch_id,omitempty"`
	LatencyMS       float64   `json:"latency_ms"`
}

func viewTrace(t store.Trace) traceView {
	return traceView{
		ID:              t.ID,
		Kind:            string(t.Kind),
		Timestamp:       t.Timestamp,
		SessionID:       t.SessionID,
		Tool:            t.Tool,
		Input:           t.Input,
		Decision:        string(t.Decision),
		Reason:          t.Reason,
		RuleID:          t.RuleID,
		RuleDescription: t.RuleDescription,
		RuleDeleted:     t.RuleDeleted,
		RulesChecked:    t.RulesChecked,
		MatchedRuleIDs:  t.MatchedRuleIDs,
		Notes:           t.Notes,
		BatchID:         t.BatchID,
		LatencyMS:       float64(t.Latency) / float64(time.Millisecond),
	}
}

type statsView struct {
	Rules          int            `json:"rules"`
	ActiveRules    int            `json:"active_rules"`
	RegexRules     int            `json:"regex_rules"`
	SemanticRules  int            `json:"semantic_rules"`
	Embedded       int            `json:"embedded"`
	LearnedRules   int            `json:"learned_rules"`
	ActiveByAction map[string]int `json:"active_by_action"`
	Traces         int            `json:"traces"`
	ByDecision     map[string]int `json:"by_decision"`
	Sessions       int            `json:"sessions"`
}

func viewStats(st store.Stats) statsView {
	v := statsView{
		Rules:          st.Rules,
		ActiveRules:    st.ActiveRules,
		RegexRules:     st.RegexRules,
		SemanticRules:  st.SemanticRules,
		Embedded:       st.Embedded,
		LearnedRules:   st.LearnedRules,
		ActiveByAction: make(map[string]int, len(st.ActiveByAction)),
		Traces:         st.Traces,
		ByDecision:     make(map[string]int, len(st.ByDecision)),
		Sessions:       st.Sessions,
	}
	for k, n := range st.ActiveByAction {
		v.ActiveByAction[string(k)] = n
	}
	for k, n := range st.ByDecision {
		v.ByDecision[string(k)] = n
	}
	return v
}
