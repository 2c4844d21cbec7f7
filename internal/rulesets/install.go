package rulesets

import (
	"context"
	"fmt"

	"causeway/internal/logging"
	"causeway/internal/rules"
	"causeway/internal/store"
)

// Store is what Install writes through.
type Store interface {
	FindRegex(ctx context.Context, pattern, tool string) (rules.Rule, bool, error)
	List(ctx context.Context, f store.Filter) ([]rules.Rule, error)
	ApplyBatch(ctx context.Context, changes []rules.Change, sessionID string) (store.BatchResult, error)
}

// InstallResult reports what Install did.
type InstallResult struct {
	Ruleset string
	Created []int64
	// Existing counts rules already present, which are left untouched.
	Existing int
	Skipped  []store.SkippedChange
}

// Install creates the bundle's rules in one batch. Rules already present,
// regex by (pattern, tool) and semantic by (description, tool), are skipped,
// so installing twice adds nothing.
func Install(ctx context.Context, st Store, rs Ruleset) (InstallResult, error) {
	res := InstallResult{Ruleset: rs.Name}

	semantic, err := st.List(ctx, store.Filter{Kind: rules.KindSemantic})
	if err != nil {
		return res, err
	}
	haveSemantic := make(map[[2]string]bool, len(semantic))
	for _, r := range semantic {
		haveSemantic[[2]string{r.Description, r.Tool}] = true
	}

	var changes []rules.Change
	for _, r := range rs.Rules {
		exists := false
		if rx := r.Regex(); rx != nil {
			_, found, err := st.FindRegex(ctx, rx.Pattern, r.Tool)
			if err != nil {
				return res, err
			}
			exists = found
		} else {
			exists = haveSemantic[[2]string{r.Description, r.Tool}]
		}
		if exists {
			res.Existing++
			continue
		}
		changes = append(changes, rules.Change{
			Op:     rules.OpCreate,
			Rule:   r,
			Reason: fmt.Sprintf("ruleset %s", rs.Name),
		})
	}
	if len(changes) == 0 {
		return res, nil
	}

	batch, err := st.ApplyBatch(ctx, changes, "")
	if err != nil {
		return res, fmt.Errorf("install ruleset %s: %w", rs.Name, err)
	}
	res.Created = batch.Created
	res.Skipped = batch.Skipped
	logging.Store("Ruleset %s installed: %d created, %d already present", rs.Name, len(res.Created), res.Existing)
	return res, nil
}
