package manage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"causeway/internal/embedding"
	"causeway/internal/rules"
	"causeway/internal/store"
)

type ManageSuite struct {
	suite.Suite
	ctx   context.Context
	store *store.Store
	svc   *Service
}

func TestManageSuite(t *testing.T) {
	suite.Run(t, new(ManageSuite))
}

func (s *ManageSuite) SetupTest() {
	s.ctx = context.Background()
	engine := embedding.NewHashEngine(256)
	st, err := store.Open(s.ctx, filepath.Join(s.T().TempDir(), "brain.db"), store.Options{Engine: engine})
	s.Require().NoError(err)
	s.T().Cleanup(func() { st.Close() })
	s.store = st
	s.svc = New(st, embedding.NewIndex(engine, st))
}

func (s *ManageSuite) TestAddInfersKind() {
	r, err := s.svc.Add(s.ctx, AddRequest{Pattern: `^rm -rf /`, Tool: "Bash"})
	s.Require().NoError(err)
	s.Equal(rules.KindRegex, r.Kind())
	s.Equal(rules.ActionBlock, r.Action)
	s.NotZero(r.ID)

	r, err = s.svc.Add(s.ctx, AddRequest{Description: "avoid global mutable state", Action: "warn"})
	s.Require().NoError(err)
	s.Equal(rules.KindSemantic, r.Kind())
	s.Equal(rules.ActionWarn, r.Action)
	s.Len(r.Embedding, 256)
}

func (s *ManageSuite) TestAddRejectsInvalid() {
	cases := []AddRequest{
		{Kind: "regex", Pattern: "("},
		{Kind: "semantic"},
		{Kind: "fuzzy", Description: "x"},
		{Pattern: "ok", Action: "explode"},
	}
	for _, c := range cases {
		_, err := s.svc.Add(s.ctx, c)
		s.ErrorIs(err, rules.ErrValidation, "%+v", c)
	}
	all, err := s.svc.List(s.ctx, ListOptions{})
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *ManageSuite) TestUpdateToggleDelete() {
	r, err := s.svc.Add(s.ctx, AddRequest{Pattern: "^git push --force"})
	s.Require().NoError(err)

	_, err = s.svc.Update(s.ctx, r.ID, rules.Patch{})
	s.ErrorIs(err, rules.ErrValidation)

	up, err := s.svc.Update(s.ctx, r.ID, rules.Patch{Action: rules.Ptr(rules.ActionWarn)})
	s.Require().NoError(err)
	s.Equal(rules.ActionWarn, up.Action)

	off, err := s.svc.Toggle(s.ctx, r.ID, false)
	s.Require().NoError(err)
	s.False(off.Active)

	active, err := s.svc.List(s.ctx, ListOptions{ActiveOnly: true})
	s.Require().NoError(err)
	s.Empty(active)

	s.Require().NoError(s.svc.Delete(s.ctx, r.ID))
	s.ErrorIs(s.svc.Delete(s.ctx, r.ID), store.ErrNotFound)
	_, err = s.svc.Toggle(s.ctx, r.ID, true)
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *ManageSuite) TestListFilters() {
	_, err := s.svc.Add(s.ctx, AddRequest{Pattern: "^npm", Tool: "Bash"})
	s.Require().NoError(err)
	_, err = s.svc.Add(s.ctx, AddRequest{Description: "prefer small functions", Tool: "Edit"})
	s.Require().NoError(err)

	rs, err := s.svc.List(s.ctx, ListOptions{Kind: "semantic"})
	s.Require().NoError(err)
	s.Require().Len(rs, 1)
	s.Equal("prefer small functions", rs[0].Description)

	rs, err = s.svc.List(s.ctx, ListOptions{Tool: "Bash"})
	s.Require().NoError(err)
	s.Require().Len(rs, 1)
	s.Equal(rules.KindRegex, rs[0].Kind())

	_, err = s.svc.List(s.ctx, ListOptions{Kind: "other"})
	s.ErrorIs(err, rules.ErrValidation)
}

func (s *ManageSuite) TestSearchRanksByMeaning() {
	_, err := s.svc.Add(s.ctx, AddRequest{Description: "use uv instead of pip for python packages"})
	s.Require().NoError(err)
	_, err = s.svc.Add(s.ctx, AddRequest{Description: "never commit directly to main branch"})
	s.Require().NoError(err)
	disabled, err := s.svc.Add(s.ctx, AddRequest{Description: "poetry manages the python packages of legacy projects only", Inactive: true})
	s.Require().NoError(err)

	ms, err := s.svc.Search(s.ctx, "install python packages with pip", 3)
	s.Require().NoError(err)
	s.Require().NotEmpty(ms)
	s.Equal("use uv instead of pip for python packages", ms[0].Rule.Description)

	var ids []int64
	for _, m := range ms {
		ids = append(ids, m.Rule.ID)
	}
	s.Contains(ids, disabled.ID, "search covers inactive rules")

	_, err = s.svc.Search(s.ctx, "  ", 3)
	s.ErrorIs(err, rules.ErrValidation)
}

func (s *ManageSuite) TestHistory() {
	s.Require().NoError(s.store.UpsertSession(s.ctx, store.Session{ID: "sess-9"}))
	_, err := s.store.AppendTurns(s.ctx, "sess-9", []store.Turn{{Role: "user", Content: "never force push"}})
	s.Require().NoError(err)

	r, err := rules.NewRegex("--force", rules.Options{SourceSession: "sess-9", Description: "no force push"})
	s.Require().NoError(err)
	id, err := s.store.Create(s.ctx, r)
	s.Require().NoError(err)
	_, err = s.store.AppendTrace(s.ctx, store.Trace{RuleID: id, RuleDescription: "no force push", Tool: "Bash", Decision: store.DecisionBlock})
	s.Require().NoError(err)

	h, err := s.svc.History(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(h.Rule)
	s.Require().NotNil(h.Session)
	s.Equal("sess-9", h.Session.ID)
	s.Len(h.Session.Turns, 1)
	s.Len(h.Traces, 1)
	out := FormatHistory(h)
	s.Contains(out, "Learned from session sess-9")
	s.Contains(out, "USER: never force push")

	s.Require().NoError(s.svc.Delete(s.ctx, id))
	h, err = s.svc.History(s.ctx, id)
	s.Require().NoError(err, "traces outlive their rule")
	s.Nil(h.Rule)
	s.True(h.Traces[0].RuleDeleted)
	s.Contains(FormatHistory(h), "(deleted)")

	_, err = s.svc.History(s.ctx, 4242)
	s.ErrorIs(err, store.ErrNotFound)
}

func TestRuleLine(t *testing.T) {
	r, err := rules.NewRegex(`^rm -rf /`, rules.Options{Tool: "Bash", Description: "no root wipes"})
	require.NoError(t, err)
	r.ID = 7
	assert.Equal(t, "#7 [regex|block|active] tool=Bash /^rm -rf // no root wipes", RuleLine(r))

	sem, err := rules.NewSemantic("avoid globals", "", "", rules.Options{Action: rules.ActionWarn, Inactive: true})
	require.NoError(t, err)
	sem.ID = 8
	assert.Equal(t, "#8 [semantic|warn|inactive] tool=* avoid globals", RuleLine(sem))
}

func TestFormatStats(t *testing.T) {
	out := FormatStats(store.Stats{
		Rules: 3, ActiveRules: 2, RegexRules: 2, SemanticRules: 1,
		ActiveByAction: map[rules.Action]int{rules.ActionWarn: 1, rules.ActionBlock: 1},
		Traces:         4,
		ByDecision:     map[store.Decision]int{store.DecisionAllow: 3, store.DecisionBlock: 1},
	})
	assert.Contains(t, out, "3 total, 2 active")
	assert.Contains(t, out, "block=1 warn=1")
	assert.Contains(t, out, "allow=3 block=1")
}

func TestFormatEmpty(t *testing.T) {
	assert.Equal(t, "No rules.", FormatRules(nil))
	assert.Equal(t, "No matching rules.", FormatMatches(nil))
	assert.Equal(t, "No traces.", FormatTraces(nil))
}
