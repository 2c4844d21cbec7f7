// Package learning mines finished sessions for corrections and explicit
// preferences and turns them into rule changes applied as one batch.
package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"causeway/internal/embedding"
	"causeway/internal/llm"
	"causeway/internal/logging"
	"causeway/internal/metrics"
	"causeway/internal/rules"
	"causeway/internal/session"
	"causeway/internal/store"
)

// PromptSettingKey is the settings key consulted for a system prompt override.
const PromptSettingKey = "learning_prompt"

// Store is the slice of the rule store the agent reads and writes.
type Store interface {
	List(ctx context.Context, f store.Filter) ([]rules.Rule, error)
	FindRegex(ctx context.Context, pattern, tool string) (rules.Rule, bool, error)
	ApplyBatch(ctx context.Context, changes []rules.Change, sessionID string) (store.BatchResult, error)
	AppendTrace(ctx context.Context, t store.Trace) (int64, error)
	GetSession(ctx context.Context, id string, withTurns bool) (store.Session, error)
	MarkLearned(ctx context.Context, id string, at time.Time) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Options tune the agent.
type Options struct {
	Window        session.Window
	DedupDistance float64
	Timeout       time.Duration
	DefaultAction rules.Action
	Concurrency   int
	Metrics       *metrics.Metrics
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Window:        session.DefaultWindow(),
		DedupDistance: 0.15,
		Timeout:       90 * time.Second,
		DefaultAction: rules.ActionWarn,
		Concurrency:   4,
	}
}

// Result describes one learning pass.
type Result struct {
	SessionID string
	BatchID   string
	Summary   string
	// Proposed counts the changes the model returned before validation and
	// deduplication.
	Proposed int
	Changes  []rules.Change
	Batch    store.BatchResult
	Notes    []string
	Prompt   string
	Response string
	TraceID  int64
	Latency  time.Duration
}

// Agent runs learning passes.
type Agent struct {
	store  Store
	index  *embedding.Index
	client llm.Client
	opts   Options
}

// New creates an agent. index may be nil, in which case only exact regex
// duplicates are caught.
func New(st Store, index *embedding.Index, client llm.Client, opts Options) *Agent {
	def := DefaultOptions()
	if opts.DedupDistance <= 0 {
		opts.DedupDistance = def.DedupDistance
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.DefaultAction == "" {
		opts.DefaultAction = def.DefaultAction
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &Agent{store: st, index: index, client: client, opts: opts}
}

// Learn runs a pass over a recorded session. Turns come from the store, or
// from the session's transcript file when none were recorded.
func (a *Agent) Learn(ctx context.Context, sessionID string) (Result, error) {
	sess, err := a.store.GetSession(ctx, sessionID, true)
	if err != nil {
		res := Result{SessionID: sessionID, BatchID: uuid.NewString()}
		a.finish(ctx, &res, err)
		return res, err
	}
	turns := sess.Turns
	if len(turns) == 0 && sess.TranscriptPath != "" {
		if tr, err := session.LoadTranscript(sess.TranscriptPath); err == nil {
			turns = tr.Turns
		} else {
			logging.LearningWarn("session %s: %v", sessionID, err)
		}
	}
	return a.LearnTurns(ctx, sessionID, turns)
}

// LearnTurns runs a pass over turns. Any failure leaves the rule set
// untouched, is recorded in a learn trace, and leaves the session eligible
// for a later pass. Exactly one trace is written per call.
func (a *Agent) LearnTurns(ctx context.Context, sessionID string, turns []store.Turn) (Result, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "LearnTurns")
	defer timer.Stop()

	start := time.Now()
	res := Result{SessionID: sessionID, BatchID: uuid.NewString()}

	runCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	err := a.run(runCtx, &res, turns)
	cancel()

	res.Latency = time.Since(start)
	a.finish(ctx, &res, err)
	return res, err
}

func (a *Agent) run(ctx context.Context, res *Result, turns []store.Turn) error {
	window, err := a.opts.Window.Format(turns)
	if err != nil {
		return err
	}
	existing, err := a.store.List(ctx, store.Filter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	res.Prompt = BuildPrompt(existing, window)
	if a.client == nil {
		return llm.ErrNotConfigured
	}
	resp, err := a.client.CompleteWithSystem(ctx, a.systemPrompt(ctx), res.Prompt)
	res.Response = resp
	if err != nil {
		return fmt.Errorf("mining call: %w", err)
	}
	m, err := parseMined(resp)
	if err != nil {
		return err
	}
	res.Summary = strings.TrimSpace(m.Summary)
	res.Proposed = len(m.Changes)

	var changes []rules.Change
	for i, p := range m.Changes {
		c, err := p.toChange(a.opts.DefaultAction)
		if err != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("proposal %d rejected: %v", i+1, err))
			continue
		}
		changes = append(changes, c)
	}

	changes, notes := a.guard(ctx, changes)
	res.Notes = append(res.Notes, notes...)
	res.Changes = changes
	if len(changes) == 0 {
		return nil
	}

	batch, err := a.store.ApplyBatch(ctx, changes, res.SessionID)
	if err != nil {
		res.Changes = nil
		return fmt.Errorf("apply batch: %w", err)
	}
	res.Batch = batch
	for _, s := range batch.Skipped {
		res.Notes = append(res.Notes, fmt.Sprintf("skipped %s: %s", s.Change, s.Reason))
	}
	return nil
}

func (a *Agent) systemPrompt(ctx context.Context) string {
	if v, ok, err := a.store.GetSetting(ctx, PromptSettingKey); err == nil && ok && strings.TrimSpace(v) != "" {
		return v
	}
	return DefaultSystemPrompt
}

// finish writes the batch trace, stamps the session and records metrics.
func (a *Agent) finish(ctx context.Context, res *Result, runErr error) {
	decision := store.DecisionLearned
	reason := res.Summary
	if runErr != nil {
		decision = store.DecisionFailed
		reason = runErr.Error()
		logging.LearningWarn("learning pass for %s failed: %v", res.SessionID, runErr)
	}
	if reason == "" {
		reason = fmt.Sprintf("%d changes applied", res.Batch.Applied())
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	id, err := a.store.AppendTrace(wctx, store.Trace{
		Kind:           store.TraceLearn,
		SessionID:      res.SessionID,
		Decision:       decision,
		Reason:         reason,
		RulesChecked:   res.Proposed,
		MatchedRuleIDs: res.Batch.RuleIDs(),
		Notes:          res.Notes,
		Prompt:         res.Prompt,
		Response:       res.Response,
		BatchID:        res.BatchID,
		Latency:        res.Latency,
	})
	if err != nil {
		logging.LearningError("learn trace for %s: %v", res.SessionID, err)
	}
	res.TraceID = id

	outcome := "learned"
	switch {
	case runErr != nil:
		outcome = "failed"
	case res.Batch.Applied() == 0:
		outcome = "empty"
	}
	a.opts.Metrics.ObserveLearning(outcome, map[string]int{
		string(rules.OpCreate): len(res.Batch.Created),
		string(rules.OpUpdate): len(res.Batch.Updated),
		string(rules.OpToggle): len(res.Batch.Toggled),
		string(rules.OpDelete): len(res.Batch.Deleted),
	}, res.Latency)

	if runErr != nil {
		return
	}
	if err := a.store.MarkLearned(wctx, res.SessionID, time.Time{}); err != nil && !errors.Is(err, store.ErrNotFound) {
		logging.LearningWarn("mark %s learned: %v", res.SessionID, err)
	}
	logging.Learning("Session %s learned: %d proposed, created=%d updated=%d toggled=%d deleted=%d",
		res.SessionID, res.Proposed, len(res.Batch.Created), len(res.Batch.Updated),
		len(res.Batch.Toggled), len(res.Batch.Deleted))
}
