// Package manage is the rule management interface: the operations a user or
// an external tool-calling client runs against the rule store, plus text
// rendering of their results.
package manage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"causeway/internal/embedding"
	"causeway/internal/logging"
	"causeway/internal/rules"
	"causeway/internal/store"
)

// Store is the slice of the rule store management needs.
type Store interface {
	Create(ctx context.Context, r rules.Rule) (int64, error)
	Get(ctx context.Context, id int64) (rules.Rule, error)
	Update(ctx context.Context, id int64, p rules.Patch) (rules.Rule, error)
	Toggle(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f store.Filter) ([]rules.Rule, error)
	QueryTraces(ctx context.Context, f store.TraceFilter) ([]store.Trace, error)
	GetSession(ctx context.Context, id string, withTurns bool) (store.Session, error)
	Stats(ctx context.Context) (store.Stats, error)
	Reindex(ctx context.Context) (int, error)
}

// Service runs management operations.
type Service struct {
	store Store
	index *embedding.Index
}

// New creates a service. index may be nil, which disables Search.
func New(st Store, index *embedding.Index) *Service {
	return &Service{store: st, index: index}
}

// AddRequest describes a new rule. Kind defaults to regex when a pattern is
// given and to semantic otherwise.
type AddRequest struct {
	Kind        string
	Pattern     string
	Description string
	Problem     string
	Solution    string
	Tool        string
	Action      string
	Inactive    bool
}

func (r AddRequest) rule() (rules.Rule, error) {
	kindStr := r.Kind
	if kindStr == "" {
		kindStr = string(rules.KindSemantic)
		if r.Pattern != "" {
			kindStr = string(rules.KindRegex)
		}
	}
	kind, err := rules.ParseKind(kindStr)
	if err != nil {
		return rules.Rule{}, err
	}
	opts := rules.Options{Tool: r.Tool, Description: r.Description, Inactive: r.Inactive}
	if r.Action != "" {
		if opts.Action, err = rules.ParseAction(r.Action); err != nil {
			return rules.Rule{}, err
		}
	}
	if kind == rules.KindRegex {
		return rules.NewRegex(r.Pattern, opts)
	}
	return rules.NewSemantic(r.Description, r.Problem, r.Solution, opts)
}

// Add validates and stores a rule.
func (s *Service) Add(ctx context.Context, req AddRequest) (rules.Rule, error) {
	r, err := req.rule()
	if err != nil {
		return rules.Rule{}, err
	}
	id, err := s.store.Create(ctx, r)
	if err != nil {
		return rules.Rule{}, err
	}
	logging.API("rule #%d added (%s, %s)", id, r.Kind(), r.Action)
	return s.store.Get(ctx, id)
}

// Update patches a rule and returns it.
func (s *Service) Update(ctx context.Context, id int64, p rules.Patch) (rules.Rule, error) {
	if p.IsEmpty() {
		return rules.Rule{}, &rules.ValidationError{Field: "update", Reason: "no fields to change"}
	}
	return s.store.Update(ctx, id, p)
}

// Toggle sets a rule's active flag and returns the rule.
func (s *Service) Toggle(ctx context.Context, id int64, active bool) (rules.Rule, error) {
	if err := s.store.Toggle(ctx, id, active); err != nil {
		return rules.Rule{}, err
	}
	return s.store.Get(ctx, id)
}

// Delete removes a rule. Traces that reference it are kept.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.Delete(ctx, id)
}

// Get returns one rule.
func (s *Service) Get(ctx context.Context, id int64) (rules.Rule, error) {
	return s.store.Get(ctx, id)
}

// ListOptions narrow List.
type ListOptions struct {
	ActiveOnly bool
	Kind       string
	Tool       string
}

// List returns rules in ascending id order.
func (s *Service) List(ctx context.Context, o ListOptions) ([]rules.Rule, error) {
	f := store.Filter{ActiveOnly: o.ActiveOnly, Tool: strings.TrimSpace(o.Tool)}
	if o.Kind != "" {
		k, err := rules.ParseKind(o.Kind)
		if err != nil {
			return nil, err
		}
		f.Kind = k
	}
	return s.store.List(ctx, f)
}

// ErrSearchUnavailable is returned by Search without an embedding index.
var ErrSearchUnavailable = errors.New("search needs an embedding engine")

// DefaultSearchK is used when Search is given k <= 0.
const DefaultSearchK = 5

// Search returns the k rules, active or not, closest in meaning to query.
func (s *Service) Search(ctx context.Context, query string, k int) ([]rules.Match, error) {
	if s.index == nil {
		return nil, ErrSearchUnavailable
	}
	if strings.TrimSpace(query) == "" {
		return nil, &rules.ValidationError{Field: "query", Reason: "required"}
	}
	if k <= 0 {
		k = DefaultSearchK
	}
	// Cosine distance never exceeds 2, so this ranks every embedded rule.
	return s.index.Search(ctx, query, k, 2, "")
}

// History is a rule's provenance and recent decisions.
type History struct {
	RuleID int64
	// Rule is nil when the rule has been deleted.
	Rule    *rules.Rule
	Session *store.Session
	Traces  []store.Trace
}

const (
	historyTraces = 20
	historyTurns  = 3
)

// History returns where a rule came from and the last traces that reference
// it. A deleted rule still has history.
func (s *Service) History(ctx context.Context, id int64) (History, error) {
	h := History{RuleID: id}
	r, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		h.Rule = &r
	case !errors.Is(err, store.ErrNotFound):
		return History{}, err
	}

	if h.Rule != nil && h.Rule.SourceSession != "" {
		sess, err := s.store.GetSession(ctx, h.Rule.SourceSession, true)
		switch {
		case err == nil:
			if len(sess.Turns) > historyTurns {
				sess.Turns = sess.Turns[:historyTurns]
			}
			h.Session = &sess
		case !errors.Is(err, store.ErrNotFound):
			return History{}, err
		}
	}

	h.Traces, err = s.store.QueryTraces(ctx, store.TraceFilter{RuleID: id, Limit: historyTraces})
	if err != nil {
		return History{}, err
	}
	if h.Rule == nil && len(h.Traces) == 0 {
		return History{}, &store.NotFoundError{Entity: "rule", ID: fmt.Sprintf("#%d", id)}
	}
	return h, nil
}

// Stats summarizes the store.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.store.Stats(ctx)
}

// Reindex re-embeds rules whose vector is missing or stale.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	return s.store.Reindex(ctx)
}
