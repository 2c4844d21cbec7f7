package learning

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"causeway/internal/embedding"
	"causeway/internal/llm"
	"causeway/internal/rules"
	"causeway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tabsResponse = `Looking at the conversation:
{"changes":[{"op":"create","kind":"semantic","description":"Indent with spaces, never tabs","problem":"assistant indented the file with tabs","solution":"user said: don't use tabs, use spaces","tool":"Edit","reason":"user corrected indentation explicitly"}],"summary":"one indentation preference"}`

type fixture struct {
	ctx   context.Context
	store *store.Store
	index *embedding.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	engine := embedding.NewHashEngine(512)
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "brain.db"), store.Options{Engine: engine})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertSession(ctx, store.Session{ID: "sess-1"}))
	_, err = st.AppendTurns(ctx, "sess-1", []store.Turn{
		{ExternalID: "u1", Role: "user", Content: "reformat main.py"},
		{ExternalID: "a1", Role: "assistant", Content: "Done. [Tool: Edit]"},
		{ExternalID: "u2", Role: "user", Content: "don't use tabs, use spaces"},
	})
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: st, index: embedding.NewIndex(engine, st)}
}

func (f *fixture) agent(client llm.Client) *Agent {
	opts := DefaultOptions()
	opts.DedupDistance = 0.3
	return New(f.store, f.index, client, opts)
}

func reply(resp string) llm.Client {
	return llm.Func(func(context.Context, string, string) (string, error) { return resp, nil })
}

func (f *fixture) learnTraces(t *testing.T) []store.Trace {
	t.Helper()
	ts, err := f.store.QueryTraces(f.ctx, store.TraceFilter{Kind: store.TraceLearn})
	require.NoError(t, err)
	return ts
}

func TestLearnCreatesRule(t *testing.T) {
	f := newFixture(t)
	res, err := f.agent(reply(tabsResponse)).Learn(f.ctx, "sess-1")
	require.NoError(t, err)

	require.Len(t, res.Batch.Created, 1)
	r, err := f.store.Get(f.ctx, res.Batch.Created[0])
	require.NoError(t, err)
	assert.Equal(t, rules.KindSemantic, r.Kind())
	assert.Equal(t, "sess-1", r.SourceSession)
	assert.Equal(t, rules.ActionWarn, r.Action, "learned rules default to warn")
	assert.Equal(t, "Edit", r.Tool)

	traces := f.learnTraces(t)
	require.Len(t, traces, 1)
	assert.Equal(t, store.DecisionLearned, traces[0].Decision)
	assert.Equal(t, res.BatchID, traces[0].BatchID)
	assert.Equal(t, []int64{r.ID}, traces[0].MatchedRuleIDs)
	assert.Contains(t, traces[0].Prompt, "USER: don't use tabs, use spaces")
	assert.Equal(t, "one indentation preference", traces[0].Reason)

	sess, err := f.store.GetSession(f.ctx, "sess-1", false)
	require.NoError(t, err)
	assert.False(t, sess.LearnedAt.IsZero())
}

func TestLearnTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.agent(reply(tabsResponse))

	_, err := a.Learn(f.ctx, "sess-1")
	require.NoError(t, err)
	res, err := a.Learn(f.ctx, "sess-1")
	require.NoError(t, err)

	assert.Empty(t, res.Batch.Created)
	assert.LessOrEqual(t, len(res.Batch.Updated), 1)
	all, err := f.store.List(f.ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.learnTraces(t), 2, "every pass is traced, even with zero changes")
}

func TestLearnFoldsNearDuplicateIntoUpdate(t *testing.T) {
	f := newFixture(t)
	existing, err := rules.NewSemantic("Indent with spaces, never tabs",
		"assistant indented the file with tabs", "user said: don't use tabs, use spaces",
		rules.Options{Action: rules.ActionBlock, Tool: "Edit", Inactive: true})
	require.NoError(t, err)
	id, err := f.store.Create(f.ctx, existing)
	require.NoError(t, err)

	resp := strings.Replace(tabsResponse, "use spaces\"", "use four spaces\"", 1)
	res, err := f.agent(reply(resp)).Learn(f.ctx, "sess-1")
	require.NoError(t, err)

	assert.Empty(t, res.Batch.Created)
	assert.Equal(t, []int64{id}, res.Batch.Updated)
	got, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user said: don't use tabs, use four spaces", got.Solution())
	assert.Equal(t, rules.ActionBlock, got.Action, "action is left as the user set it")
	assert.False(t, got.Active, "a disabled rule stays disabled")
	assert.Equal(t, "sess-1", got.SourceSession)
}

func TestLearnRegexExactDuplicate(t *testing.T) {
	f := newFixture(t)
	r, err := rules.NewRegex(`\bpip install\b`, rules.Options{Tool: "Bash", Description: "use uv"})
	require.NoError(t, err)
	id, err := f.store.Create(f.ctx, r)
	require.NoError(t, err)

	resp := `{"changes":[
		{"op":"create","kind":"regex","pattern":"\\bpip install\\b","tool":"Bash","description":"use uv","reason":"user said always uv"},
		{"op":"create","type":"regex","pattern":"\\bpoetry add\\b","tool":"Bash","description":"use uv add instead of poetry","reason":"user said always uv"},
		{"op":"create","kind":"regex","pattern":"\\bpoetry add\\b","tool":"Bash","description":"no poetry","reason":"repeat"}
	]}`
	res, err := f.agent(reply(resp)).Learn(f.ctx, "sess-1")
	require.NoError(t, err)

	require.Len(t, res.Batch.Created, 1)
	assert.NotEqual(t, id, res.Batch.Created[0])
	assert.Empty(t, res.Batch.Updated)
	assert.Len(t, res.Notes, 2)
}

func TestLearnAppliesToggleAndDelete(t *testing.T) {
	f := newFixture(t)
	mk := func(p string) int64 {
		r, err := rules.NewRegex(p, rules.Options{})
		require.NoError(t, err)
		id, err := f.store.Create(f.ctx, r)
		require.NoError(t, err)
		return id
	}
	a, b := mk("^foo"), mk("^bar")

	resp := `{"changes":[
		{"op":"toggle","rule_id":` + itoa(a) + `,"active":false,"reason":"user asked to pause it"},
		{"op":"delete","rule_id":` + itoa(b) + `,"reason":"user asked to remove it"},
		{"op":"delete","rule_id":999,"reason":"stale"},
		{"op":"delete","rule_id":` + itoa(a) + `}
	]}`
	res, err := f.agent(reply(resp)).Learn(f.ctx, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, []int64{a}, res.Batch.Toggled)
	assert.Equal(t, []int64{b}, res.Batch.Deleted)
	require.Len(t, res.Batch.Skipped, 1, "unknown ids are skipped, not fatal")
	assert.Equal(t, 4, res.Proposed)
	assert.Contains(t, strings.Join(res.Notes, "\n"), "proposal 4 rejected", "a change without a reason is rejected")

	ra, err := f.store.Get(f.ctx, a)
	require.NoError(t, err)
	assert.False(t, ra.Active)
}

func TestLearnSeveralChangesToOneRule(t *testing.T) {
	cases := []struct {
		name        string
		changes     string
		wantToggled int
		wantUpdated int
		wantActive  bool
		wantDesc    string
	}{
		{
			name: "toggle then update",
			changes: `{"op":"toggle","rule_id":%d,"active":false,"reason":"user paused it"},
				{"op":"update","rule_id":%d,"description":"no tabs please","reason":"user reworded it"}`,
			wantToggled: 1,
			wantUpdated: 1,
			wantActive:  false,
			wantDesc:    "no tabs please",
		},
		{
			name: "two updates",
			changes: `{"op":"update","rule_id":%d,"description":"no tabs","reason":"first wording"},
				{"op":"update","rule_id":%d,"description":"never indent with tabs","reason":"user refined it"}`,
			wantUpdated: 2,
			wantActive:  true,
			wantDesc:    "never indent with tabs",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r, err := rules.NewRegex(`\t`, rules.Options{Description: "tabs"})
			require.NoError(t, err)
			id, err := f.store.Create(f.ctx, r)
			require.NoError(t, err)

			resp := `{"changes":[` + strings.ReplaceAll(tc.changes, "%d", itoa(id)) + `]}`
			res, err := f.agent(reply(resp)).Learn(f.ctx, "sess-1")
			require.NoError(t, err)
			assert.Len(t, res.Batch.Toggled, tc.wantToggled)
			assert.Len(t, res.Batch.Updated, tc.wantUpdated)
			assert.Empty(t, res.Batch.Skipped)

			got, err := f.store.Get(f.ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tc.wantActive, got.Active)
			assert.Equal(t, tc.wantDesc, got.Description)
			assert.Equal(t, "sess-1", got.SourceSession)
		})
	}
}

func TestLearnFoldedCreateAfterToggleOfSameRule(t *testing.T) {
	f := newFixture(t)
	existing, err := rules.NewSemantic("Indent with spaces, never tabs",
		"assistant indented the file with tabs", "user said: don't use tabs, use spaces",
		rules.Options{Tool: "Edit"})
	require.NoError(t, err)
	id, err := f.store.Create(f.ctx, existing)
	require.NoError(t, err)

	resp := `{"changes":[
		{"op":"toggle","rule_id":` + itoa(id) + `,"active":false,"reason":"user paused the old rule"},
		{"op":"create","kind":"semantic","description":"Indent with spaces, never tabs","problem":"assistant indented the file with tabs","solution":"user said: don't use tabs, use four spaces","tool":"Edit","reason":"user corrected indentation explicitly"}
	]}`

	res, err := f.agent(reply(resp)).Learn(f.ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, res.Batch.Created)
	assert.Equal(t, []int64{id}, res.Batch.Toggled)
	assert.Equal(t, []int64{id}, res.Batch.Updated)

	got, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Active, "the folded update keeps the toggle from the same batch")
	assert.Equal(t, "user said: don't use tabs, use four spaces", got.Solution())
}

func TestLearnFailuresProduceNoChanges(t *testing.T) {
	cases := map[string]llm.Client{
		"provider error": llm.Func(func(context.Context, string, string) (string, error) {
			return "", errors.New("rate limited")
		}),
		"unparsable": reply("I could not find anything."),
		"no client":  nil,
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.agent(client).Learn(f.ctx, "sess-1")
			require.Error(t, err)
			assert.Zero(t, res.Batch.Applied())

			traces := f.learnTraces(t)
			require.Len(t, traces, 1)
			assert.Equal(t, store.DecisionFailed, traces[0].Decision)

			sess, err := f.store.GetSession(f.ctx, "sess-1", false)
			require.NoError(t, err)
			assert.True(t, sess.LearnedAt.IsZero(), "a failed session stays eligible")
		})
	}
}

func TestLearnEmptyTranscript(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertSession(f.ctx, store.Session{ID: "empty"}))
	_, err := f.agent(reply(tabsResponse)).Learn(f.ctx, "empty")
	assert.ErrorContains(t, err, "no conversation turns")
	all, err := f.store.List(f.ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestLearnPromptOverride(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetSetting(f.ctx, PromptSettingKey, "custom miner"))
	var system string
	client := llm.Func(func(_ context.Context, sys, _ string) (string, error) {
		system = sys
		return `{"changes":[]}`, nil
	})
	_, err := f.agent(client).Learn(f.ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "custom miner", system)
}

func TestBuildPromptBoundsExistingRules(t *testing.T) {
	var rs []rules.Rule
	for i := 0; i < 200; i++ {
		r, err := rules.NewSemantic(strings.Repeat("long description ", 3), "", "", rules.Options{})
		require.NoError(t, err)
		r.ID = int64(i + 1)
		rs = append(rs, r)
	}
	p := BuildPrompt(rs, "USER: hi")
	listing := p[:strings.Index(p, "CONVERSATION:")]
	assert.LessOrEqual(t, len(listing), maxExistingChars+100)
	assert.Contains(t, listing, "more not shown")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(p), "Propose rule changes as JSON."))
}

type blockingLearner struct {
	started chan struct{}
	calls   atomic.Int32
}

func (b *blockingLearner) Learn(ctx context.Context, id string) (Result, error) {
	b.calls.Add(1)
	close(b.started)
	<-ctx.Done()
	return Result{SessionID: id}, ctx.Err()
}

func TestRunnerCompletes(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(f.agent(reply(tabsResponse)))
	defer r.Close()

	task, err := r.Submit("sess-1")
	require.NoError(t, err)
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("learning task did not finish")
	}
	res, err := task.Result()
	require.NoError(t, err)
	assert.Len(t, res.Batch.Created, 1)
}

func TestRunnerDedupsAndCancels(t *testing.T) {
	l := &blockingLearner{started: make(chan struct{})}
	r := NewRunner(l)

	t1, err := r.Submit("s")
	require.NoError(t, err)
	t2, err := r.Submit("s")
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	<-l.started

	r.Close()
	_, err = t1.Result()
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, l.calls.Load())

	_, err = r.Submit("s")
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

type panickyLearner struct{}

func (panickyLearner) Learn(context.Context, string) (Result, error) { panic("boom") }

func TestRunnerRecoversPanic(t *testing.T) {
	r := NewRunner(panickyLearner{})
	defer r.Close()
	task, err := r.Submit("s")
	require.NoError(t, err)
	_, err = task.Wait(context.Background())
	assert.ErrorContains(t, err, "boom")
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
