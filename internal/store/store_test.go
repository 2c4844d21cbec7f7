package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"causeway/internal/embedding"
	"causeway/internal/rules"
)

// failingEngine always errors, standing in for an unreachable provider.
type failingEngine struct{}

func (failingEngine) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEngine) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEngine) Dimensions() int { return 64 }
func (failingEngine) Name() string    { return "failing" }

func openTestStore(t *testing.T, engine embedding.Engine) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "brain.db"), Options{Engine: engine})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = openTestStore(s.T(), embedding.NewHashEngine(64))
}

func (s *StoreSuite) mustRegex(pattern string, opts rules.Options) int64 {
	r, err := rules.NewRegex(pattern, opts)
	s.Require().NoError(err)
	id, err := s.store.Create(s.ctx, r)
	s.Require().NoError(err)
	return id
}

func (s *StoreSuite) mustSemantic(desc, problem, solution string, opts rules.Options) int64 {
	r, err := rules.NewSemantic(desc, problem, solution, opts)
	s.Require().NoError(err)
	id, err := s.store.Create(s.ctx, r)
	s.Require().NoError(err)
	return id
}

func (s *StoreSuite) TestCreateAndGet() {
	id := s.mustRegex(`rm\s+-rf`, rules.Options{Description: "no recursive deletes", Tool: "Bash"})

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(rules.KindRegex, got.Kind())
	s.Equal(`rm\s+-rf`, got.Regex().Pattern)
	s.Equal("Bash", got.Tool)
	s.Equal(rules.ActionBlock, got.Action)
	s.True(got.Active)
	s.EqualValues(1, got.Version)
	s.Len(got.Embedding, 64)
	s.False(got.CreatedAt.IsZero())
}

func (s *StoreSuite) TestCreateRejectsInvalid() {
	_, err := s.store.Create(s.ctx, rules.Rule{Action: rules.ActionBlock, Active: true, Body: &rules.Regex{Pattern: "("}})
	s.Require().Error(err)
	s.True(errors.Is(err, rules.ErrValidation))

	all, err := s.store.List(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *StoreSuite) TestIDsNeverReused() {
	a := s.mustRegex("a", rules.Options{})
	b := s.mustRegex("b", rules.Options{})
	s.Require().NoError(s.store.Delete(s.ctx, b))
	c := s.mustRegex("c", rules.Options{})
	s.Less(a, b)
	s.Greater(c, b)
}

func (s *StoreSuite) TestUpdateBumpsVersionAndReembeds() {
	id := s.mustSemantic("Prefer uv", "Using pip install", "Use uv add", rules.Options{})
	before, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)

	after, err := s.store.Update(s.ctx, id, rules.Patch{Solution: rules.Ptr("Run uv pip install")})
	s.Require().NoError(err)
	s.EqualValues(2, after.Version)
	s.Equal("Run uv pip install", after.Semantic().Solution)
	s.NotEqual(before.Embedding, after.Embedding)
	s.Equal(before.CreatedAt, after.CreatedAt)

	after, err = s.store.Update(s.ctx, id, rules.Patch{Action: rules.Ptr(rules.ActionWarn)})
	s.Require().NoError(err)
	s.EqualValues(3, after.Version)
	s.Equal(rules.ActionWarn, after.Action)
}

func (s *StoreSuite) TestUpdateWrongKindField() {
	id := s.mustRegex("x", rules.Options{})
	_, err := s.store.Update(s.ctx, id, rules.Patch{Problem: rules.Ptr("p")})
	s.True(errors.Is(err, rules.ErrValidation))
}

func (s *StoreSuite) TestNotFound() {
	_, err := s.store.Get(s.ctx, 999)
	s.True(errors.Is(err, ErrNotFound))
	s.True(errors.Is(s.store.Delete(s.ctx, 999), ErrNotFound))
	s.True(errors.Is(s.store.Toggle(s.ctx, 999, false), ErrNotFound))
	_, err = s.store.Update(s.ctx, 999, rules.Patch{Tool: rules.Ptr("Bash")})
	s.True(errors.Is(err, ErrNotFound))
}

func (s *StoreSuite) TestToggleAndListFilters() {
	a := s.mustRegex("a", rules.Options{Tool: "Bash"})
	b := s.mustSemantic("desc", "prob", "sol", rules.Options{Tool: "mcp__*"})
	c := s.mustRegex("c", rules.Options{})
	s.Require().NoError(s.store.Toggle(s.ctx, c, false))

	active, err := s.store.List(s.ctx, Filter{ActiveOnly: true})
	s.Require().NoError(err)
	s.Equal([]int64{a, b}, ids(active))

	regex, err := s.store.List(s.ctx, Filter{Kind: rules.KindRegex})
	s.Require().NoError(err)
	s.Equal([]int64{a, c}, ids(regex))

	mcp, err := s.store.List(s.ctx, Filter{Tool: "mcp__github__push"})
	s.Require().NoError(err)
	s.Equal([]int64{b, c}, ids(mcp))

	got, err := s.store.Get(s.ctx, c)
	s.Require().NoError(err)
	s.False(got.Active)
	s.Equal(c, got.ID)
}

func (s *StoreSuite) TestNearestOrdersByDistanceThenID() {
	first := s.mustSemantic("never force push", "git push --force to main", "open a pull request", rules.Options{})
	dup := s.mustSemantic("never force push", "git push --force to main", "open a pull request", rules.Options{})
	other := s.mustSemantic("use uv", "pip install requests", "uv add requests", rules.Options{})
	s.mustRegex("force", rules.Options{Description: "force"})

	q, err := s.store.Engine().Embed(s.ctx, "never force push Problem: git push --force to main Solution: open a pull request")
	s.Require().NoError(err)

	matches, err := s.store.Nearest(s.ctx, q, 5, 2, rules.KindSemantic)
	s.Require().NoError(err)
	s.Require().Len(matches, 3)
	s.Equal(first, matches[0].Rule.ID)
	s.Equal(dup, matches[1].Rule.ID)
	s.Equal(other, matches[2].Rule.ID)
	s.InDelta(0, matches[0].Distance, 1e-4)

	near, err := s.store.Nearest(s.ctx, q, 5, 0.01, rules.KindSemantic)
	s.Require().NoError(err)
	s.Len(near, 2)

	// The in-memory snapshot ranks the same way.
	snap, err := s.store.Snapshot(s.ctx)
	s.Require().NoError(err)
	memory := snap.Nearest(q, 5, 2, rules.KindSemantic)
	s.Require().Len(memory, 3)
	for i := range memory {
		s.Equal(matches[i].Rule.ID, memory[i].Rule.ID)
		s.InDelta(matches[i].Distance, memory[i].Distance, 1e-4)
	}
}

func (s *StoreSuite) TestSnapshotIsolation() {
	s.mustRegex("a", rules.Options{})
	snap, err := s.store.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.mustRegex("b", rules.Options{})
	s.Len(snap.Rules, 1)
	s.Len(snap.OfKind(rules.KindRegex), 1)
	s.Empty(snap.OfKind(rules.KindSemantic))
}

func (s *StoreSuite) TestApplyBatch() {
	keep := s.mustRegex("keep", rules.Options{})
	drop := s.mustRegex("drop", rules.Options{})
	off := s.mustRegex("off", rules.Options{})

	created, err := rules.NewSemantic("Prefer uv", "pip install", "uv add", rules.Options{Action: rules.ActionWarn})
	s.Require().NoError(err)

	res, err := s.store.ApplyBatch(s.ctx, []rules.Change{
		{Op: rules.OpCreate, Rule: created, Reason: "user corrected pip usage"},
		{Op: rules.OpUpdate, RuleID: keep, Patch: rules.Patch{Description: rules.Ptr("kept")}, Reason: "clarify"},
		{Op: rules.OpToggle, RuleID: off, Active: false, Reason: "too noisy"},
		{Op: rules.OpDelete, RuleID: drop, Reason: "obsolete"},
		{Op: rules.OpDelete, RuleID: 4242, Reason: "missing"},
	}, "sess-1")
	s.Require().NoError(err)
	s.Len(res.Created, 1)
	s.Equal([]int64{keep}, res.Updated)
	s.Equal([]int64{off}, res.Toggled)
	s.Equal([]int64{drop}, res.Deleted)
	s.Require().Len(res.Skipped, 1)
	s.EqualValues(4242, res.Skipped[0].Change.RuleID)
	s.Equal(4, res.Applied())

	got, err := s.store.Get(s.ctx, res.Created[0])
	s.Require().NoError(err)
	s.Equal("sess-1", got.SourceSession)
	s.Equal(rules.ActionWarn, got.Action)

	kept, err := s.store.Get(s.ctx, keep)
	s.Require().NoError(err)
	s.Equal("sess-1", kept.SourceSession)
	s.Equal("kept", kept.Description)
}

func (s *StoreSuite) TestApplyBatchSkipsInvalid() {
	id := s.mustRegex("a", rules.Options{})
	// An invalid change is reported without discarding the valid ones.
	bad := rules.Rule{Action: "explode", Active: true, Body: &rules.Regex{Pattern: "x"}}
	res, err := s.store.ApplyBatch(s.ctx, []rules.Change{
		{Op: rules.OpDelete, RuleID: id},
		{Op: rules.OpCreate, Rule: bad},
	}, "")
	s.Require().NoError(err)
	s.Equal([]int64{id}, res.Deleted)
	s.Len(res.Skipped, 1)
}

func (s *StoreSuite) TestApplyBatchToggleThenUpdateSameRule() {
	id := s.mustRegex("\t", rules.Options{Description: "tabs"})

	res, err := s.store.ApplyBatch(s.ctx, []rules.Change{
		{Op: rules.OpToggle, RuleID: id, Active: false},
		{Op: rules.OpUpdate, RuleID: id, Patch: rules.Patch{Description: rules.Ptr("no tabs please")}},
	}, "sess-1")
	s.Require().NoError(err)
	s.Equal([]int64{id}, res.Toggled)
	s.Equal([]int64{id}, res.Updated)
	s.Empty(res.Skipped)

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.False(got.Active, "the later update must not undo the toggle")
	s.Equal("no tabs please", got.Description)
	s.EqualValues(3, got.Version)
}

func (s *StoreSuite) TestApplyBatchTwoUpdatesSameRule() {
	id := s.mustSemantic("Prefer uv", "pip install", "uv add", rules.Options{})

	res, err := s.store.ApplyBatch(s.ctx, []rules.Change{
		{Op: rules.OpUpdate, RuleID: id, Patch: rules.Patch{Description: rules.Ptr("Prefer uv over pip")}},
		{Op: rules.OpUpdate, RuleID: id, Patch: rules.Patch{Solution: rules.Ptr("uv add <pkg>")}},
		{Op: rules.OpToggle, RuleID: id, Active: false},
		{Op: rules.OpUpdate, RuleID: id, Patch: rules.Patch{Problem: rules.Ptr("pip install in a uv project")}},
	}, "sess-2")
	s.Require().NoError(err)
	s.Equal([]int64{id, id, id}, res.Updated)
	s.Equal([]int64{id}, res.Toggled)

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("Prefer uv over pip", got.Description)
	s.Equal("uv add <pkg>", got.Solution())
	s.Equal("pip install in a uv project", got.Semantic().Problem)
	s.False(got.Active)
	s.Equal("sess-2", got.SourceSession)

	want, err := s.store.Engine().Embed(s.ctx, got.EmbeddingText())
	s.Require().NoError(err)
	s.Equal(want, got.Embedding, "the stored embedding follows the final text")
}

func (s *StoreSuite) TestApplyBatchUpdateAfterDeleteIsSkipped() {
	id := s.mustRegex("x", rules.Options{})

	res, err := s.store.ApplyBatch(s.ctx, []rules.Change{
		{Op: rules.OpDelete, RuleID: id},
		{Op: rules.OpUpdate, RuleID: id, Patch: rules.Patch{Description: rules.Ptr("gone")}},
		{Op: rules.OpToggle, RuleID: id, Active: true},
	}, "")
	s.Require().NoError(err)
	s.Equal([]int64{id}, res.Deleted)
	s.Empty(res.Updated)
	s.Empty(res.Toggled)
	s.Len(res.Skipped, 2)
}

func (s *StoreSuite) TestFindRegex() {
	id := s.mustRegex(`git\s+push`, rules.Options{Tool: "Bash"})
	got, ok, err := s.store.FindRegex(s.ctx, `git\s+push`, "Bash")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(id, got.ID)

	_, ok, err = s.store.FindRegex(s.ctx, `git\s+push`, "")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestTraces() {
	id := s.mustRegex("x", rules.Options{Description: "no x"})
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.store.AppendTrace(s.ctx, Trace{RuleID: id, RuleDescription: "no x", Tool: "Bash", Input: "x",
		Decision: DecisionBlock, MatchedRuleIDs: []int64{id}, Timestamp: base})
	s.Require().NoError(err)
	_, err = s.store.AppendTrace(s.ctx, Trace{Tool: "Read", Decision: DecisionAllow, RulesChecked: 1, Timestamp: base})
	s.Require().NoError(err)
	_, err = s.store.AppendTrace(s.ctx, Trace{Kind: TraceLearn, SessionID: "s1", Decision: DecisionLearned,
		BatchID: "b1", Notes: []string{"nothing to learn"}, Timestamp: base.Add(time.Second)})
	s.Require().NoError(err)

	all, err := s.store.QueryTraces(s.ctx, TraceFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal(TraceLearn, all[0].Kind)
	s.Equal("Read", all[1].Tool, "equal timestamps order by id desc")
	s.Equal([]string{"nothing to learn"}, all[0].Notes)
	s.Empty(all[1].MatchedRuleIDs)

	s.Require().NoError(s.store.Delete(s.ctx, id))
	blocked, err := s.store.QueryTraces(s.ctx, TraceFilter{Decision: DecisionBlock})
	s.Require().NoError(err)
	s.Require().Len(blocked, 1)
	s.True(blocked[0].RuleDeleted)
	s.Equal("no x", blocked[0].RuleDescription)

	limited, err := s.store.QueryTraces(s.ctx, TraceFilter{Limit: 1, Kind: TraceEnforce})
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *StoreSuite) TestTracesAreAppendOnly() {
	_, err := s.store.AppendTrace(s.ctx, Trace{Decision: DecisionAllow})
	s.Require().NoError(err)
	_, err = s.store.db.ExecContext(s.ctx, "DELETE FROM traces")
	s.Error(err)
	_, err = s.store.db.ExecContext(s.ctx, "UPDATE traces SET decision = 'block'")
	s.Error(err)
}

func (s *StoreSuite) TestSessions() {
	pid, err := s.store.UpsertProject(s.ctx, "/work/app")
	s.Require().NoError(err)
	again, err := s.store.UpsertProject(s.ctx, "/work/app/")
	s.Require().NoError(err)
	s.Equal(pid, again)

	s.Require().NoError(s.store.UpsertSession(s.ctx, Session{ID: "s1", ProjectID: pid, TranscriptPath: "/tmp/s1.jsonl"}))
	turns := []Turn{
		{ExternalID: "u1", Role: "user", Content: "hi"},
		{ExternalID: "a1", Role: "assistant", Content: "hello"},
	}
	n, err := s.store.AppendTurns(s.ctx, "s1", turns)
	s.Require().NoError(err)
	s.Equal(2, n)
	n, err = s.store.AppendTurns(s.ctx, "s1", append(turns, Turn{ExternalID: "u2", Role: "user", Content: "bye"}))
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Require().NoError(s.store.MarkLearned(s.ctx, "s1", time.Time{}))
	sess, err := s.store.GetSession(s.ctx, "s1", true)
	s.Require().NoError(err)
	s.Equal("/work/app", sess.ProjectPath)
	s.Equal(3, sess.TurnCount)
	s.Require().Len(sess.Turns, 3)
	s.Equal("bye", sess.Turns[2].Content)
	s.Equal(3, sess.Turns[2].Seq)
	s.False(sess.LearnedAt.IsZero())

	list, err := s.store.ListSessions(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(list, 1)

	_, err = s.store.GetSession(s.ctx, "nope", false)
	s.True(errors.Is(err, ErrNotFound))
}

func (s *StoreSuite) TestSettingsAndStats() {
	s.Require().NoError(s.store.SetSetting(s.ctx, SettingEvaluatorPrompt, "custom"))
	v, ok, err := s.store.GetSetting(s.ctx, SettingEvaluatorPrompt)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("custom", v)
	s.Require().NoError(s.store.SetSetting(s.ctx, SettingEvaluatorPrompt, ""))
	_, ok, err = s.store.GetSetting(s.ctx, SettingEvaluatorPrompt)
	s.Require().NoError(err)
	s.False(ok)

	s.mustRegex("a", rules.Options{Action: rules.ActionWarn})
	s.mustSemantic("d", "p", "s", rules.Options{})
	st, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, st.Rules)
	s.Equal(1, st.RegexRules)
	s.Equal(1, st.SemanticRules)
	s.Equal(2, st.Embedded)
	s.Equal(1, st.ActiveByAction[rules.ActionWarn])
}

func ids(rs []rules.Rule) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestSemanticCreateRequiresEmbedding(t *testing.T) {
	s := openTestStore(t, failingEngine{})
	ctx := context.Background()

	sem, err := rules.NewSemantic("d", "p", "s", rules.Options{})
	require.NoError(t, err)
	_, err = s.Create(ctx, sem)
	require.Error(t, err)
	assert.True(t, errors.Is(err, embedding.ErrEmbedding))

	rx, err := rules.NewRegex("x", rules.Options{})
	require.NoError(t, err)
	id, err := s.Create(ctx, rx)
	require.NoError(t, err, "regex rules are stored without a vector")
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "brain.db")

	s, err := Open(ctx, path, Options{Engine: failingEngine{}})
	require.NoError(t, err)
	rx, _ := rules.NewRegex("x", rules.Options{Description: "x"})
	_, err = s.Create(ctx, rx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, Options{Engine: embedding.NewHashEngine(32)})
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "brain.db")

	// Two handles simulate two processes sharing the database file.
	a, err := Open(ctx, path, Options{Engine: embedding.NewHashEngine(16)})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, path, Options{Engine: embedding.NewHashEngine(16)})
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := a
			if i%2 == 1 {
				st = b
			}
			_, err := st.AppendTrace(ctx, Trace{Decision: DecisionAllow, Tool: "Bash"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	traces, err := a.QueryTraces(ctx, TraceFilter{})
	require.NoError(t, err)
	assert.Len(t, traces, 10)
}
