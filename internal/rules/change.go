package rules

import (
	"fmt"
	"strings"
)

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Pattern     *string
	Tool        *string
	Description *string
	Problem     *string
	Solution    *string
	Action      *Action
	Active      *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Pattern == nil && p.Tool == nil && p.Description == nil &&
		p.Problem == nil && p.Solution == nil && p.Action == nil && p.Active == nil
}

// Apply returns a validated copy of r with the patch applied. Fields that do
// not exist on the rule's kind are rejected.
func (p Patch) Apply(r Rule) (Rule, error) {
	out := r.Clone()

	if p.Pattern != nil {
		rx := out.Regex()
		if rx == nil {
			return Rule{}, &ValidationError{Field: "pattern", Reason: "semantic rules have no pattern"}
		}
		rx.Pattern = *p.Pattern
	}
	if p.Problem != nil || p.Solution != nil {
		sem := out.Semantic()
		if sem == nil {
			return Rule{}, &ValidationError{Field: "problem/solution", Reason: "regex rules have no problem or solution"}
		}
		if p.Problem != nil {
			sem.Problem = *p.Problem
		}
		if p.Solution != nil {
			sem.Solution = *p.Solution
		}
	}
	if p.Description != nil {
		out.Description = strings.TrimSpace(*p.Description)
	}
	if p.Tool != nil {
		out.Tool = strings.TrimSpace(*p.Tool)
	}
	if p.Action != nil {
		out.Action = *p.Action
	}
	if p.Active != nil {
		out.Active = *p.Active
	}

	if err := out.Validate(); err != nil {
		return Rule{}, err
	}
	return out, nil
}

// Op is a rule mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpToggle Op = "toggle"
	OpDelete Op = "delete"
)

// ParseOp validates an op string.
func ParseOp(s string) (Op, error) {
	switch Op(strings.ToLower(strings.TrimSpace(s))) {
	case OpCreate:
		return OpCreate, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpToggle:
		return OpToggle, nil
	case OpDelete:
		return OpDelete, nil
	}
	return "", &ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", s)}
}

// Change is one mutation inside a batch. Every change carries a
// justification in Reason.
type Change struct {
	Op     Op
	RuleID int64 // update, toggle, delete
	Rule   Rule  // create
	Patch  Patch // update
	Active bool  // toggle
	Reason string
}

func (c Change) String() string {
	switch c.Op {
	case OpCreate:
		return fmt.Sprintf("create %s rule %q", c.Rule.Kind(), c.Rule.Label())
	case OpToggle:
		return fmt.Sprintf("toggle #%d active=%v", c.RuleID, c.Active)
	default:
		return fmt.Sprintf("%s #%d", c.Op, c.RuleID)
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }
