package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"causeway/internal/llm"
	"causeway/internal/rules"
)

// proposal is one change as the model writes it.
type proposal struct {
	Op          string `json:"op"`
	RuleID      int64  `json:"rule_id"`
	Kind        string `json:"kind"`
	Type        string `json:"type"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Problem     string `json:"problem"`
	Solution    string `json:"solution"`
	Tool        string `json:"tool"`
	Action      string `json:"action"`
	Active      *bool  `json:"active"`
	Reason      string `json:"reason"`
}

type mined struct {
	Changes []proposal `json:"changes"`
	Summary string     `json:"summary"`
}

// ErrUnparsable reports model output that holds no usable change list.
var ErrUnparsable = errors.New("unparsable learning response")

func parseMined(resp string) (mined, error) {
	raw, err := llm.ExtractJSON(resp)
	if err != nil {
		return mined{}, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	var m mined
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return mined{}, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	return m, nil
}

// toChange validates a proposal into a rules.Change. defaultAction applies
// to created rules that name no action.
func (p proposal) toChange(defaultAction rules.Action) (rules.Change, error) {
	op, err := rules.ParseOp(p.Op)
	if err != nil {
		return rules.Change{}, err
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return rules.Change{}, &rules.ValidationError{Field: "reason", Reason: "every change needs a justification"}
	}
	c := rules.Change{Op: op, RuleID: p.RuleID, Reason: reason}

	if op != rules.OpCreate && p.RuleID <= 0 {
		return rules.Change{}, &rules.ValidationError{Field: "rule_id", Reason: fmt.Sprintf("required for %s", op)}
	}

	switch op {
	case rules.OpCreate:
		r, err := p.rule(defaultAction)
		if err != nil {
			return rules.Change{}, err
		}
		c.Rule = r
	case rules.OpUpdate:
		patch, err := p.patch()
		if err != nil {
			return rules.Change{}, err
		}
		c.Patch = patch
	case rules.OpToggle:
		if p.Active == nil {
			return rules.Change{}, &rules.ValidationError{Field: "active", Reason: "required for toggle"}
		}
		c.Active = *p.Active
	}
	return c, nil
}

func (p proposal) kind() string {
	if p.Kind != "" {
		return p.Kind
	}
	return p.Type
}

func (p proposal) rule(defaultAction rules.Action) (rules.Rule, error) {
	kind, err := rules.ParseKind(p.kind())
	if err != nil {
		return rules.Rule{}, err
	}
	action := defaultAction
	if strings.TrimSpace(p.Action) != "" {
		if action, err = rules.ParseAction(p.Action); err != nil {
			return rules.Rule{}, err
		}
	}
	opts := rules.Options{Action: action, Tool: p.Tool, Description: p.Description}
	if kind == rules.KindRegex {
		return rules.NewRegex(p.Pattern, opts)
	}
	return rules.NewSemantic(p.Description, p.Problem, p.Solution, opts)
}

func (p proposal) patch() (rules.Patch, error) {
	var patch rules.Patch
	set := func(dst **string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = rules.Ptr(v)
		}
	}
	set(&patch.Pattern, p.Pattern)
	set(&patch.Description, p.Description)
	set(&patch.Problem, p.Problem)
	set(&patch.Solution, p.Solution)
	set(&patch.Tool, p.Tool)
	if strings.TrimSpace(p.Action) != "" {
		a, err := rules.ParseAction(p.Action)
		if err != nil {
			return rules.Patch{}, err
		}
		patch.Action = &a
	}
	patch.Active = p.Active
	if patch.IsEmpty() {
		return rules.Patch{}, &rules.ValidationError{Field: "update", Reason: "no fields to change"}
	}
	return patch, nil
}
