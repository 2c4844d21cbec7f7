// Package rules defines the rule model shared by the store, the enforcer and
// the learning agent.
//
// A Rule is a common header (id, action, active flag, tool filter, provenance)
// plus exactly one body: a Regex body or a Semantic body. Bodies are only built
// through NewRegex and NewSemantic, which validate their fields.
package rules

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the rule body.
type Kind string

const (
	KindRegex    Kind = "regex"
	KindSemantic Kind = "semantic"
)

// ParseKind validates a kind string. The empty string is rejected.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindRegex:
		return KindRegex, nil
	case KindSemantic:
		return KindSemantic, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
}

// Action is what the enforcer does when a rule matches.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionLog   Action = "log"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBlock:
		return ActionBlock, nil
	case ActionWarn:
		return ActionWarn, nil
	case ActionLog:
		return ActionLog, nil
	}
	return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
}

// Body is implemented by *Regex and *Semantic only.
type Body interface {
	Kind() Kind
	clone() Body
}

// Regex is a pattern tested against the serialized tool input.
type Regex struct {
	Pattern string
}

func (*Regex) Kind() Kind { return KindRegex }

func (r *Regex) clone() Body { c := *r; return &c }

// Semantic is a meaning-based rule judged by the evaluator.
type Semantic struct {
	Problem  string
	Solution string
}

func (*Semantic) Kind() Kind { return KindSemantic }

func (s *Semantic) clone() Body { c := *s; return &c }

// Rule is a stored condition plus an action.
type Rule struct {
	ID            int64
	Action        Action
	Active        bool
	Tool          string // empty matches every tool
	Description   string
	SourceSession string // empty when not learned
	Body          Body

	// Embedding is the index vector for the rule text. For semantic rules it
	// is always present once the rule is stored.
	Embedding []float32

	// Version increments on every stored change.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Kind returns the body's kind.
func (r Rule) Kind() Kind {
	if r.Body == nil {
		return ""
	}
	return r.Body.Kind()
}

// Regex returns the regex body, or nil for semantic rules.
func (r Rule) Regex() *Regex {
	b, _ := r.Body.(*Regex)
	return b
}

// Semantic returns the semantic body, or nil for regex rules.
func (r Rule) Semantic() *Semantic {
	b, _ := r.Body.(*Semantic)
	return b
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	if r.Body != nil {
		r.Body = r.Body.clone()
	}
	if r.Embedding != nil {
		r.Embedding = append([]float32(nil), r.Embedding...)
	}
	return r
}

// Label is the text shown to the user for this rule: the description, or the
// pattern for an undocumented regex rule.
func (r Rule) Label() string {
	if r.Description != "" {
		return r.Description
	}
	if rx := r.Regex(); rx != nil {
		return "pattern " + rx.Pattern
	}
	return fmt.Sprintf("rule #%d", r.ID)
}

// Solution returns the suggested fix, if any.
func (r Rule) Solution() string {
	if s := r.Semantic(); s != nil {
		return s.Solution
	}
	return ""
}

// Options are the header fields shared by both constructors.
type Options struct {
	Action        Action
	Tool          string
	Description   string
	SourceSession string
	Inactive      bool
}

// NewRegex builds a validated regex rule. The pattern must compile.
func NewRegex(pattern string, opts Options) (Rule, error) {
	if strings.TrimSpace(pattern) == "" {
		return Rule{}, &ValidationError{Field: "pattern", Reason: "required for regex rules"}
	}
	if _, err := Compile(pattern); err != nil {
		return Rule{}, err
	}
	r, err := newRule(opts)
	if err != nil {
		return Rule{}, err
	}
	r.Body = &Regex{Pattern: pattern}
	return r, nil
}

// NewSemantic builds a validated semantic rule. Description is required.
func NewSemantic(description, problem, solution string, opts Options) (Rule, error) {
	opts.Description = description
	if strings.TrimSpace(description) == "" {
		return Rule{}, &ValidationError{Field: "description", Reason: "required for semantic rules"}
	}
	r, err := newRule(opts)
	if err != nil {
		return Rule{}, err
	}
	r.Body = &Semantic{Problem: problem, Solution: solution}
	return r, nil
}

func newRule(opts Options) (Rule, error) {
	action := opts.Action
	if action == "" {
		action = ActionBlock
	}
	if _, err := ParseAction(string(action)); err != nil {
		return Rule{}, err
	}
	if err := ValidateTool(opts.Tool); err != nil {
		return Rule{}, err
	}
	return Rule{
		Action:        action,
		Active:        !opts.Inactive,
		Tool:          strings.TrimSpace(opts.Tool),
		Description:   strings.TrimSpace(opts.Description),
		SourceSession: opts.SourceSession,
	}, nil
}

// Validate re-checks a rule assembled outside the constructors (for example
// one loaded from storage or patched in place).
func (r Rule) Validate() error {
	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}
	if err := ValidateTool(r.Tool); err != nil {
		return err
	}
	switch b := r.Body.(type) {
	case *Regex:
		if strings.TrimSpace(b.Pattern) == "" {
			return &ValidationError{Field: "pattern", Reason: "required for regex rules"}
		}
		if _, err := Compile(b.Pattern); err != nil {
			return err
		}
	case *Semantic:
		if strings.TrimSpace(r.Description) == "" {
			return &ValidationError{Field: "description", Reason: "required for semantic rules"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "rule has no body"}
	}
	return nil
}

// EmbeddingText is the canonical text embedded for a rule.
func (r Rule) EmbeddingText() string {
	switch b := r.Body.(type) {
	case *Semantic:
		return SemanticText(r.Description, b.Problem, b.Solution)
	case *Regex:
		if r.Description != "" {
			return r.Description + " Pattern: " + b.Pattern
		}
		return "Pattern: " + b.Pattern
	}
	return r.Description
}

// SemanticText joins the semantic fields the same way for rules and for
// learning proposals so their vectors are comparable.
func SemanticText(description, problem, solution string) string {
	var sb strings.Builder
	sb.WriteString(description)
	if problem != "" {
		sb.WriteString(" Problem: ")
		sb.WriteString(problem)
	}
	if solution != "" {
		sb.WriteString(" Solution: ")
		sb.WriteString(solution)
	}
	return sb.String()
}

// Match pairs a rule with its cosine distance from a query vector.
type Match struct {
	Rule     Rule
	Distance float64
}

// Similarity is 1 - Distance.
func (m Match) Similarity() float64 { return 1 - m.Distance }
