package manage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"causeway/internal/rules"
	"causeway/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

// RuleLine renders a rule on one line.
func RuleLine(r rules.Rule) string {
	state := "active"
	if !r.Active {
		state = "inactive"
	}
	tool := r.Tool
	if tool == "" {
		tool = "*"
	}
	var body string
	switch b := r.Body.(type) {
	case *rules.Regex:
		body = fmt.Sprintf("/%s/", b.Pattern)
		if r.Description != "" {
			body += " " + r.Description
		}
	default:
		body = r.Description
	}
	return fmt.Sprintf("#%d [%s|%s|%s] tool=%s %s", r.ID, r.Kind(), r.Action, state, tool, body)
}

// FormatRule renders every field of a rule.
func FormatRule(r rules.Rule) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rule #%d (%s)\n", r.ID, r.Kind())
	fmt.Fprintf(&sb, "  Action:      %s\n", r.Action)
	fmt.Fprintf(&sb, "  Active:      %v\n", r.Active)
	if r.Tool != "" {
		fmt.Fprintf(&sb, "  Tool:        %s\n", r.Tool)
	}
	if r.Description != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", r.Description)
	}
	switch b := r.Body.(type) {
	case *rules.Regex:
		fmt.Fprintf(&sb, "  Pattern:     %s\n", b.Pattern)
	case *rules.Semantic:
		if b.Problem != "" {
			fmt.Fprintf(&sb, "  Problem:     %s\n", b.Problem)
		}
		if b.Solution != "" {
			fmt.Fprintf(&sb, "  Solution:    %s\n", b.Solution)
		}
	}
	if r.SourceSession != "" {
		fmt.Fprintf(&sb, "  Learned in:  %s\n", r.SourceSession)
	}
	fmt.Fprintf(&sb, "  Version:     %d\n", r.Version)
	if !r.UpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "  Updated:     %s\n", r.UpdatedAt.Local().Format(timeLayout))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatRules renders a rule listing.
func FormatRules(rs []rules.Rule) string {
	if len(rs) == 0 {
		return "No rules."
	}
	lines := make([]string, 0, len(rs)+1)
	lines = append(lines, fmt.Sprintf("%d rules:", len(rs)))
	for _, r := range rs {
		lines = append(lines, "  "+RuleLine(r))
	}
	return strings.Join(lines, "\n")
}

// FormatMatches renders search results with their similarity.
func FormatMatches(ms []rules.Match) string {
	if len(ms) == 0 {
		return "No matching rules."
	}
	lines := make([]string, 0, len(ms))
	for _, m := range ms {
		lines = append(lines, fmt.Sprintf("%.2f  %s", m.Similarity(), RuleLine(m.Rule)))
	}
	return strings.Join(lines, "\n")
}

// TraceLine renders a trace on one line.
func TraceLine(t store.Trace) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s #%d %-7s %-5s", t.Timestamp.Local().Format(timeLayout), t.ID, t.Decision, t.Kind)
	if t.Tool != "" {
		fmt.Fprintf(&sb, " %s", t.Tool)
	}
	if t.RuleID != 0 {
		fmt.Fprintf(&sb, " rule #%d", t.RuleID)
		if t.RuleDeleted {
			sb.WriteString(" (deleted)")
		}
		if t.RuleDescription != "" {
			fmt.Fprintf(&sb, " %q", t.RuleDescription)
		}
	}
	if t.Reason != "" && t.Kind == store.TraceLearn {
		fmt.Fprintf(&sb, ": %s", t.Reason)
	}
	fmt.Fprintf(&sb, " (%s)", t.Latency.Round(time.Millisecond))
	return sb.String()
}

// FormatTraces renders traces newest first.
func FormatTraces(ts []store.Trace) string {
	if len(ts) == 0 {
		return "No traces."
	}
	lines := make([]string, len(ts))
	for i, t := range ts {
		lines[i] = TraceLine(t)
	}
	return strings.Join(lines, "\n")
}

// FormatHistory renders a rule's provenance and recent traces.
func FormatHistory(h History) string {
	var sb strings.Builder
	if h.Rule != nil {
		sb.WriteString(FormatRule(*h.Rule))
	} else {
		fmt.Fprintf(&sb, "Rule #%d (deleted)", h.RuleID)
	}
	sb.WriteString("\n\n")

	if h.Session != nil {
		fmt.Fprintf(&sb, "Learned from session %s", h.Session.ID)
		if h.Session.ProjectPath != "" {
			fmt.Fprintf(&sb, " in %s", h.Session.ProjectPath)
		}
		fmt.Fprintf(&sb, " (%s)\n", h.Session.StartedAt.Local().Format(timeLayout))
		for _, t := range h.Session.Turns {
			fmt.Fprintf(&sb, "  %s: %s\n", strings.ToUpper(t.Role), clip(t.Content, 120))
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Recent traces (%d):\n", len(h.Traces))
	if len(h.Traces) == 0 {
		sb.WriteString("  none")
	}
	for _, t := range h.Traces {
		sb.WriteString("  " + TraceLine(t) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatStats renders store statistics.
func FormatStats(st store.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rules:    %d total, %d active (%d regex, %d semantic, %d learned, %d embedded)\n",
		st.Rules, st.ActiveRules, st.RegexRules, st.SemanticRules, st.LearnedRules, st.Embedded)
	fmt.Fprintf(&sb, "Active:   %s\n", counts(st.ActiveByAction))
	fmt.Fprintf(&sb, "Traces:   %d (%s)\n", st.Traces, counts(st.ByDecision))
	fmt.Fprintf(&sb, "Sessions: %d", st.Sessions)
	return sb.String()
}

func counts[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return strings.Join(parts, " ")
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
