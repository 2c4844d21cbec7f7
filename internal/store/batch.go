package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"causeway/internal/logging"
	"causeway/internal/rules"
)

// SkippedChange is a batch entry that was not applied, with the reason.
type SkippedChange struct {
	Change rules.Change
	Reason string
}

// BatchResult lists the rule ids touched by ApplyBatch, by operation.
type BatchResult struct {
	Created []int64
	Updated []int64
	Toggled []int64
	Deleted []int64
	Skipped []SkippedChange
}

// RuleIDs returns every id the batch touched, in operation order.
func (b BatchResult) RuleIDs() []int64 {
	out := make([]int64, 0, len(b.Created)+len(b.Updated)+len(b.Toggled)+len(b.Deleted))
	out = append(out, b.Created...)
	out = append(out, b.Updated...)
	out = append(out, b.Toggled...)
	out = append(out, b.Deleted...)
	return out
}

// Applied is the number of changes that were written.
func (b BatchResult) Applied() int {
	return len(b.Created) + len(b.Updated) + len(b.Toggled) + len(b.Deleted)
}

type pendingChange struct {
	change rules.Change
	create rules.Rule
	update preparedUpdate
}

// ApplyBatch writes changes in order inside one transaction: either every
// applicable change commits or none does. Changes that target a missing rule,
// fail validation, or cannot be embedded are skipped and reported rather than
// failing the batch. Created and updated rules record sessionID as their
// source session.
func (s *Store) ApplyBatch(ctx context.Context, changes []rules.Change, sessionID string) (BatchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyBatch")
	defer timer.Stop()

	var result BatchResult
	err := s.retryStale(ctx, "apply batch", func() error {
		pending, skipped := s.prepareBatch(ctx, changes, sessionID)
		return s.withWriteTx(ctx, "apply batch", func(tx *sql.Tx) error {
			res := BatchResult{Skipped: append([]SkippedChange(nil), skipped...)}
			for _, p := range pending {
				if err := s.applyPending(ctx, tx, p, &res); err != nil {
					return err
				}
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return BatchResult{}, err
	}
	logging.Store("Batch applied: created=%d updated=%d toggled=%d deleted=%d skipped=%d",
		len(result.Created), len(result.Updated), len(result.Toggled), len(result.Deleted), len(result.Skipped))
	return result, nil
}

// prepareBatch does the reads and embedding calls outside the write lock.
// Rules touched earlier in the batch are tracked so a later change to the
// same rule is prepared against the state the batch itself will have written,
// version included.
func (s *Store) prepareBatch(ctx context.Context, changes []rules.Change, sessionID string) ([]pendingChange, []SkippedChange) {
	var (
		pending []pendingChange
		skipped []SkippedChange
		touched = make(map[int64]rules.Rule)
		deleted = make(map[int64]bool)
	)
	skip := func(c rules.Change, err error) {
		logging.StoreWarn("batch: skipping %s: %v", c, err)
		skipped = append(skipped, SkippedChange{Change: c, Reason: err.Error()})
	}
	current := func(id int64) (rules.Rule, error) {
		if deleted[id] {
			return rules.Rule{}, ruleNotFound(id)
		}
		if r, ok := touched[id]; ok {
			return r, nil
		}
		return s.Get(ctx, id)
	}

	for _, c := range changes {
		switch c.Op {
		case rules.OpCreate:
			r := c.Rule.Clone()
			r.ID = 0
			if sessionID != "" {
				r.SourceSession = sessionID
			}
			if err := r.Validate(); err != nil {
				skip(c, err)
				continue
			}
			if err := s.prepareEmbedding(ctx, &r); err != nil {
				skip(c, err)
				continue
			}
			pending = append(pending, pendingChange{change: c, create: r})
		case rules.OpUpdate:
			cur, err := current(c.RuleID)
			if err != nil {
				skip(c, err)
				continue
			}
			pu, err := s.prepareUpdateFrom(ctx, cur, c.Patch, sessionID)
			if err != nil {
				skip(c, err)
				continue
			}
			next := pu.next
			next.Version = pu.expect + 1
			touched[c.RuleID] = next
			pending = append(pending, pendingChange{change: c, update: pu})
		case rules.OpToggle:
			if cur, err := current(c.RuleID); err == nil {
				cur.Active = c.Active
				cur.Version++
				touched[c.RuleID] = cur
			}
			pending = append(pending, pendingChange{change: c})
		case rules.OpDelete:
			delete(touched, c.RuleID)
			deleted[c.RuleID] = true
			pending = append(pending, pendingChange{change: c})
		default:
			skip(c, fmt.Errorf("unknown operation %q", c.Op))
		}
	}
	return pending, skipped
}

func (s *Store) applyPending(ctx context.Context, tx *sql.Tx, p pendingChange, res *BatchResult) error {
	var err error
	switch p.change.Op {
	case rules.OpCreate:
		var id int64
		if id, err = s.insertRule(ctx, tx, p.create); err == nil {
			res.Created = append(res.Created, id)
		}
	case rules.OpUpdate:
		if err = s.applyUpdate(ctx, tx, p.update); err == nil {
			res.Updated = append(res.Updated, p.change.RuleID)
		}
	case rules.OpToggle:
		if err = s.toggle(ctx, tx, p.change.RuleID, p.change.Active); err == nil {
			res.Toggled = append(res.Toggled, p.change.RuleID)
		}
	case rules.OpDelete:
		if err = s.delete(ctx, tx, p.change.RuleID); err == nil {
			res.Deleted = append(res.Deleted, p.change.RuleID)
		}
	}
	if errors.Is(err, ErrNotFound) {
		res.Skipped = append(res.Skipped, SkippedChange{Change: p.change, Reason: err.Error()})
		return nil
	}
	return err
}
