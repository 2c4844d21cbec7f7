package learning

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"causeway/internal/embedding"
	"causeway/internal/logging"
	"causeway/internal/rules"
)

// lookup is what the guard found for one proposed create.
type lookup struct {
	existing *rules.Match
	vec      []float32
	err      error
}

// guard turns creates that duplicate an existing rule into updates of that
// rule, and drops creates that duplicate an earlier create in the same batch.
// It is what makes re-learning a session safe.
func (a *Agent) guard(ctx context.Context, changes []rules.Change) ([]rules.Change, []string) {
	found := make([]lookup, len(changes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, c := range changes {
		if c.Op != rules.OpCreate {
			continue
		}
		i, r := i, c.Rule
		g.Go(func() error {
			found[i] = a.findExisting(gctx, r)
			return nil
		})
	}
	_ = g.Wait()

	var (
		out     []rules.Change
		notes   []string
		updated = map[int64]bool{}
		kept    []lookup
		keptRs  []rules.Rule
	)
	for _, c := range changes {
		if c.Op == rules.OpUpdate {
			updated[c.RuleID] = true
		}
	}
	for i, c := range changes {
		if c.Op != rules.OpCreate {
			out = append(out, c)
			continue
		}
		f := found[i]
		if f.err != nil {
			notes = append(notes, fmt.Sprintf("dedup lookup failed for %q: %v", c.Rule.Label(), f.err))
		}
		if f.existing != nil {
			ex := f.existing.Rule
			patch := diffPatch(ex, c.Rule)
			switch {
			case patch.IsEmpty():
				notes = append(notes, fmt.Sprintf("%q already covered by rule #%d", c.Rule.Label(), ex.ID))
			case updated[ex.ID]:
				notes = append(notes, fmt.Sprintf("%q duplicates rule #%d, already updated in this batch", c.Rule.Label(), ex.ID))
			default:
				updated[ex.ID] = true
				out = append(out, rules.Change{Op: rules.OpUpdate, RuleID: ex.ID, Patch: patch, Reason: c.Reason})
				logging.LearningDebug("create %q folded into update of #%d (distance %.3f)", c.Rule.Label(), ex.ID, f.existing.Distance)
			}
			continue
		}
		if j := a.batchDuplicate(c.Rule, f.vec, keptRs, kept); j >= 0 {
			notes = append(notes, fmt.Sprintf("%q duplicates %q in the same batch", c.Rule.Label(), keptRs[j].Label()))
			continue
		}
		kept = append(kept, f)
		keptRs = append(keptRs, c.Rule)
		out = append(out, c)
	}
	return out, notes
}

// findExisting returns the closest stored rule of the same kind, active or
// not, so a rule the user disabled is not re-created. Regex rules are first
// matched exactly on pattern and tool.
func (a *Agent) findExisting(ctx context.Context, r rules.Rule) lookup {
	if rx := r.Regex(); rx != nil {
		ex, ok, err := a.store.FindRegex(ctx, rx.Pattern, r.Tool)
		if err != nil {
			return lookup{err: err}
		}
		if ok {
			return lookup{existing: &rules.Match{Rule: ex}}
		}
	}
	if a.index == nil {
		return lookup{}
	}
	vec, err := a.index.Embed(ctx, r.EmbeddingText())
	if err != nil {
		return lookup{err: err}
	}
	ms, err := a.index.Nearest(ctx, vec, 1, a.opts.DedupDistance, r.Kind())
	if err != nil {
		return lookup{vec: vec, err: err}
	}
	if len(ms) == 0 {
		return lookup{vec: vec}
	}
	return lookup{existing: &ms[0], vec: vec}
}

func (a *Agent) batchDuplicate(r rules.Rule, vec []float32, keptRs []rules.Rule, kept []lookup) int {
	for j, k := range keptRs {
		if k.Kind() != r.Kind() {
			continue
		}
		if rx := r.Regex(); rx != nil && k.Regex().Pattern == rx.Pattern && k.Tool == r.Tool {
			return j
		}
		if vec == nil || kept[j].vec == nil {
			continue
		}
		if d, err := embedding.CosineDistance(vec, kept[j].vec); err == nil && d <= a.opts.DedupDistance {
			return j
		}
	}
	return -1
}

// diffPatch carries the proposal's text onto an existing rule. Action and
// the active flag stay as the user left them.
func diffPatch(existing, proposed rules.Rule) rules.Patch {
	var p rules.Patch
	differs := func(dst **string, cur, next string) {
		if next != "" && next != cur {
			*dst = rules.Ptr(next)
		}
	}
	differs(&p.Description, existing.Description, proposed.Description)
	differs(&p.Tool, existing.Tool, proposed.Tool)
	if ex, pr := existing.Regex(), proposed.Regex(); ex != nil && pr != nil {
		differs(&p.Pattern, ex.Pattern, pr.Pattern)
	}
	if ex, pr := existing.Semantic(), proposed.Semantic(); ex != nil && pr != nil {
		differs(&p.Problem, ex.Problem, pr.Problem)
		differs(&p.Solution, ex.Solution, pr.Solution)
	}
	return p
}
