package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"causeway/internal/manage"
	"causeway/internal/rules"
)

type tool struct {
	schema ToolSchema
	run    func(ctx context.Context, svc *manage.Service, args json.RawMessage) (string, error)
}

func decode[T any](args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, &rules.ValidationError{Field: "arguments", Reason: "malformed", Err: err}
	}
	return v, nil
}

type ruleArgs struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	Kind        string  `json:"kind"`
	Pattern     *string `json:"pattern"`
	Description *string `json:"description"`
	Problem     *string `json:"problem"`
	Solution    *string `json:"solution"`
	Tool        *string `json:"tool"`
	Action      *string `json:"action"`
	Active      *bool   `json:"active"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (a ruleArgs) kind() string {
	if a.Kind != "" {
		return a.Kind
	}
	return a.Type
}

func (a ruleArgs) patch() (rules.Patch, error) {
	p := rules.Patch{
		Pattern:     a.Pattern,
		Description: a.Description,
		Problem:     a.Problem,
		Solution:    a.Solution,
		Tool:        a.Tool,
		Active:      a.Active,
	}
	if a.Action != nil {
		act, err := rules.ParseAction(*a.Action)
		if err != nil {
			return rules.Patch{}, err
		}
		p.Action = &act
	}
	return p, nil
}

const ruleFields = `
	"type": {"type": "string", "description": "'regex' or 'semantic' (default: regex when a pattern is given, else semantic)"},
	"pattern": {"type": "string", "description": "Regex tested against the tool input (for Bash, the command)"},
	"description": {"type": "string", "description": "Short summary of the rule"},
	"problem": {"type": "string", "description": "What went wrong / what to avoid"},
	"solution": {"type": "string", "description": "What to do instead"},
	"tool": {"type": "string", "description": "Tool name or glob (Bash, Edit, mcp__*); omit for all tools"},
	"action": {"type": "string", "enum": ["block", "warn", "log"], "description": "block (default), warn, or log"}`

func toolset() []tool {
	return []tool{
		{
			schema: ToolSchema{
				Name:        "add_rule",
				Description: "Create a rule. Regex rules block or flag matching tool inputs; semantic rules are judged by a model.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {` + ruleFields + `}}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[ruleArgs](raw)
				if err != nil {
					return "", err
				}
				r, err := svc.Add(ctx, manage.AddRequest{
					Kind:        a.kind(),
					Pattern:     deref(a.Pattern),
					Description: deref(a.Description),
					Problem:     deref(a.Problem),
					Solution:    deref(a.Solution),
					Tool:        deref(a.Tool),
					Action:      deref(a.Action),
					Inactive:    a.Active != nil && !*a.Active,
				})
				if err != nil {
					return "", err
				}
				return "Created " + manage.RuleLine(r), nil
			},
		},
		{
			schema: ToolSchema{
				Name:        "update_rule",
				Description: "Change fields of an existing rule. Omitted fields are kept.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {
					"id": {"type": "integer", "description": "Rule ID"},` + ruleFields + `,
					"active": {"type": "boolean"}}, "required": ["id"]}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[ruleArgs](raw)
				if err != nil {
					return "", err
				}
				p, err := a.patch()
				if err != nil {
					return "", err
				}
				r, err := svc.Update(ctx, a.ID, p)
				if err != nil {
					return "", err
				}
				return "Updated " + manage.RuleLine(r), nil
			},
		},
		{
			schema: ToolSchema{
				Name:        "delete_rule",
				Description: "Delete a rule. Its past traces are kept.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {"id": {"type": "integer"}}, "required": ["id"]}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[ruleArgs](raw)
				if err != nil {
					return "", err
				}
				if err := svc.Delete(ctx, a.ID); err != nil {
					return "", err
				}
				return fmt.Sprintf("Deleted rule #%d", a.ID), nil
			},
		},
		{
			schema: ToolSchema{
				Name:        "toggle_rule",
				Description: "Enable or disable a rule.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {"id": {"type": "integer"}, "active": {"type": "boolean"}}, "required": ["id", "active"]}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[ruleArgs](raw)
				if err != nil {
					return "", err
				}
				if a.Active == nil {
					return "", &rules.ValidationError{Field: "active", Reason: "required"}
				}
				r, err := svc.Toggle(ctx, a.ID, *a.Active)
				if err != nil {
					return "", err
				}
				return "Toggled " + manage.RuleLine(r), nil
			},
		},
		{
			schema: ToolSchema{
				Name:        "list_rules",
				Description: "List rules in id order.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {
					"active_only": {"type": "boolean", "description": "Only active rules (default true)"},
					"type": {"type": "string", "description": "'regex' or 'semantic'"}}}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[struct {
					ActiveOnly *bool  `json:"active_only"`
					Type       string `json:"type"`
					Kind       string `json:"kind"`
				}](raw)
				if err != nil {
					return "", err
				}
				opts := manage.ListOptions{ActiveOnly: a.ActiveOnly == nil || *a.ActiveOnly, Kind: a.Kind}
				if opts.Kind == "" {
					opts.Kind = a.Type
				}
				rs, err := svc.List(ctx, opts)
				if err != nil {
					return "", err
				}
				return manage.FormatRules(rs), nil
			},
		},
		{
			schema: ToolSchema{
				Name:        "search_rules",
				Description: "Find the rules closest in meaning to a free-text query.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {
					"query": {"type": "string"},
					"limit": {"type": "integer", "description": "Max results (default 5)"}}, "required": ["query"]}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[struct {
					Query string `json:"query"`
					Limit int    `json:"limit"`
					K     int    `json:"k"`
				}](raw)
				if err != nil {
					return "", err
				}
				k := a.Limit
				if k == 0 {
					k = a.K
				}
				ms, err := svc.Search(ctx, a.Query, k)
				if err != nil {
					return "", err
				}
				return manage.FormatMatches(ms), nil
			},
		},
		{
			schema: ToolSchema{
				Name:        "rule_history",
				Description: "Show where a rule came from and its recent decisions.",
				InputSchema: json.RawMessage(`{"type": "object", "properties": {"id": {"type": "integer"}}, "required": ["id"]}`),
			},
			run: func(ctx context.Context, svc *manage.Service, raw json.RawMessage) (string, error) {
				a, err := decode[ruleArgs](raw)
				if err != nil {
					return "", err
				}
				h, err := svc.History(ctx, a.ID)
				if err != nil {
					return "", err
				}
				return manage.FormatHistory(h), nil
			},
		},
	}
}
