// Package enforcer produces the allow/warn/block verdict for one tool call.
//
// Regex rules are checked first in ascending id order without any network
// call. When none blocks, the call is embedded and the nearest semantic rules
// are judged by the evaluator. Semantic failures never block: they are
// skipped and noted on the call's trace. Every call writes exactly one trace.
package enforcer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"causeway/internal/embedding"
	"causeway/internal/evaluator"
	"causeway/internal/logging"
	"causeway/internal/metrics"
	"causeway/internal/rules"
	"causeway/internal/store"
)

// RuleSource provides the consistent rule view for one call.
type RuleSource interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
}

// TraceSink records the call's trace.
type TraceSink interface {
	AppendTrace(ctx context.Context, t store.Trace) (int64, error)
}

// Call is one tool invocation as reported by the host.
type Call struct {
	ToolName  string
	Input     json.RawMessage
	SessionID string
}

// Verdict is the enforcer's decision. Rule is set for warn and block.
type Verdict struct {
	Decision       store.Decision
	Rule           *rules.Rule
	Rationale      string
	Notes          []string
	MatchedRuleIDs []int64
	RulesChecked   int
	TraceID        int64
	Latency        time.Duration
}

// RuleID returns the winning rule's id, or 0.
func (v Verdict) RuleID() int64 {
	if v.Rule == nil {
		return 0
	}
	return v.Rule.ID
}

// Blocked reports a block decision.
func (v Verdict) Blocked() bool { return v.Decision == store.DecisionBlock }

// Options tune the semantic pass.
type Options struct {
	SemanticEnabled bool
	TopK            int
	MaxDistance     float64
	// SemanticBudget bounds embedding plus every evaluation for one call.
	SemanticBudget time.Duration
	Metrics        *metrics.Metrics
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{
		SemanticEnabled: true,
		TopK:            5,
		MaxDistance:     0.8,
		SemanticBudget:  8 * time.Second,
	}
}

// Enforcer evaluates tool calls against the rule set.
type Enforcer struct {
	rules     RuleSource
	traces    TraceSink
	engine    embedding.Engine
	evaluator evaluator.Evaluator
	opts      Options
	now       func() time.Time
}

// New creates an Enforcer. engine and eval may be nil, which disables the
// semantic pass.
func New(rs RuleSource, ts TraceSink, engine embedding.Engine, eval evaluator.Evaluator, opts Options) *Enforcer {
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultOptions().MaxDistance
	}
	if opts.SemanticBudget <= 0 {
		opts.SemanticBudget = DefaultOptions().SemanticBudget
	}
	return &Enforcer{rules: rs, traces: ts, engine: engine, evaluator: eval, opts: opts, now: time.Now}
}

// pass accumulates the state of one evaluation.
type pass struct {
	toolName string
	input    string

	block, warn *rules.Rule
	rationale   string
	prompt      string
	response    string
	matched     []int64
	notes       []string
	checked     int
	semantic    bool
}

func (p *pass) note(format string, args ...any) {
	p.notes = append(p.notes, fmt.Sprintf(format, args...))
}

// hit applies a matched rule's action. It reports whether evaluation stops.
func (p *pass) hit(r rules.Rule, rationale string) bool {
	p.matched = append(p.matched, r.ID)
	switch r.Action {
	case rules.ActionBlock:
		rr := r
		p.block = &rr
		p.rationale = rationale
		return true
	case rules.ActionWarn:
		if p.warn == nil {
			rr := r
			p.warn = &rr
			if p.block == nil {
				p.rationale = rationale
			}
		}
	case rules.ActionLog:
		p.note("log: rule #%d matched (%s)", r.ID, r.Label())
	}
	return false
}

// Enforce decides one call and records its trace. The returned error is
// non-nil only when the rule store itself is unavailable; the verdict is
// then Allow and the caller chooses whether to fail open.
func (e *Enforcer) Enforce(ctx context.Context, call Call) (Verdict, error) {
	start := e.now()
	p := &pass{toolName: call.ToolName, input: SerializeInput(call.ToolName, call.Input)}

	snap, err := e.rules.Snapshot(ctx)
	if err != nil {
		p.note("rule snapshot failed: %v", err)
		v := e.finish(ctx, call, p, start)
		return v, fmt.Errorf("snapshot rules: %w", err)
	}

	e.regexPass(snap, p)
	if p.block == nil {
		e.semanticPass(ctx, snap, p)
	}
	return e.finish(ctx, call, p, start), nil
}

func (e *Enforcer) regexPass(snap *store.Snapshot, p *pass) {
	for _, r := range snap.OfKind(rules.KindRegex) {
		if !r.AppliesTo(p.toolName) {
			continue
		}
		p.checked++
		if !r.MatchInput(p.input) {
			continue
		}
		logging.EnforceDebug("regex rule #%d matched %s (%s)", r.ID, p.toolName, r.Action)
		if p.hit(r, "") {
			return
		}
	}
}

func (e *Enforcer) semanticPass(ctx context.Context, snap *store.Snapshot, p *pass) {
	if !e.opts.SemanticEnabled || e.engine == nil || e.evaluator == nil {
		return
	}
	applicable := 0
	for _, r := range snap.OfKind(rules.KindSemantic) {
		if r.AppliesTo(p.toolName) {
			applicable++
		}
	}
	if applicable == 0 {
		return
	}
	p.semantic = true

	ctx, cancel := context.WithTimeout(ctx, e.opts.SemanticBudget)
	defer cancel()

	vec, err := e.engine.Embed(ctx, QueryText(p.toolName, p.input))
	if err != nil {
		p.note("semantic rules skipped: %v", &embedding.Error{Engine: e.engine.Name(), Err: err})
		e.opts.Metrics.SemanticSkip("embed")
		logging.EnforceWarn("semantic pass skipped for %s: embedding failed: %v", p.toolName, err)
		return
	}

	var candidates []rules.Match
	for _, m := range snap.Nearest(vec, math.MaxInt32, e.opts.MaxDistance, rules.KindSemantic) {
		if !m.Rule.AppliesTo(p.toolName) {
			continue
		}
		candidates = append(candidates, m)
		if len(candidates) == e.opts.TopK {
			break
		}
	}

	for i, m := range candidates {
		if ctx.Err() != nil {
			p.note("semantic budget exhausted: %d candidate rules not evaluated", len(candidates)-i)
			e.opts.Metrics.SemanticSkip("budget")
			return
		}
		p.checked++
		v, err := e.evaluator.Evaluate(ctx, m.Rule, p.toolName, p.input)
		if v.Prompt != "" {
			p.prompt, p.response = v.Prompt, v.Response
		}
		if err != nil {
			p.note("semantic rule #%d skipped: %v", m.Rule.ID, err)
			e.opts.Metrics.SemanticSkip(evalStage(err))
			continue
		}
		if !v.Matches {
			continue
		}
		logging.EnforceDebug("semantic rule #%d matched %s at distance %.3f", m.Rule.ID, p.toolName, m.Distance)
		if p.hit(m.Rule, v.Rationale) {
			return
		}
	}
}

func evalStage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "evaluate"
}

func (e *Enforcer) finish(ctx context.Context, call Call, p *pass, start time.Time) Verdict {
	v := Verdict{
		Decision:       store.DecisionAllow,
		Rationale:      p.rationale,
		Notes:          p.notes,
		MatchedRuleIDs: p.matched,
		RulesChecked:   p.checked,
	}
	switch {
	case p.block != nil:
		v.Decision, v.Rule = store.DecisionBlock, p.block
	case p.warn != nil:
		v.Decision, v.Rule = store.DecisionWarn, p.warn
	default:
		v.Rationale = ""
	}
	v.Latency = e.now().Sub(start)

	t := store.Trace{
		Kind:           store.TraceEnforce,
		SessionID:      call.SessionID,
		Tool:           call.ToolName,
		Input:          p.input,
		Decision:       v.Decision,
		Reason:         v.Rationale,
		RulesChecked:   v.RulesChecked,
		MatchedRuleIDs: v.MatchedRuleIDs,
		Notes:          v.Notes,
		Latency:        v.Latency,
		Prompt:         p.prompt,
		Response:       p.response,
	}
	if v.Rule != nil {
		t.RuleID = v.Rule.ID
		t.RuleDescription = v.Rule.Label()
	}

	// The trace must be written even when the caller's context is already
	// cancelled by the host.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	id, err := e.traces.AppendTrace(tctx, t)
	if err != nil {
		logging.EnforceError("failed to record trace for %s: %v", call.ToolName, err)
	}
	v.TraceID = id

	path := "regex"
	if p.semantic {
		path = "semantic"
	}
	e.opts.Metrics.ObserveVerdict(string(v.Decision), path, v.RulesChecked, v.Latency)
	logging.Enforce("%s %s rule=#%d checked=%d in %v", v.Decision, call.ToolName, v.RuleID(), v.RulesChecked, v.Latency)
	return v
}
