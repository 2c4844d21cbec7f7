package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causeway/internal/embedding"
	"causeway/internal/enforcer"
	"causeway/internal/rules"
	"causeway/internal/store"
)

type stubEnforcer struct {
	verdict enforcer.Verdict
	err     error
	got     enforcer.Call
}

func (s *stubEnforcer) Enforce(_ context.Context, c enforcer.Call) (enforcer.Verdict, error) {
	s.got = c
	return s.verdict, s.err
}

const prePayload = `{"session_id":"s1","transcript_path":"/tmp/t.jsonl","cwd":"/w","hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`

func blockRule() *rules.Rule {
	r, _ := rules.NewRegex(`^rm -rf /`, rules.Options{Tool: "Bash", Description: "no root wipes"})
	r.ID = 12
	return &r
}

func TestDecodePreToolUse(t *testing.T) {
	p, err := DecodePreToolUse(strings.NewReader(prePayload))
	require.NoError(t, err)
	assert.Equal(t, "Bash", p.ToolName)
	assert.Equal(t, "s1", p.Call().SessionID)
	assert.JSONEq(t, `{"command":"rm -rf /"}`, string(p.Call().Input))

	_, err = DecodePreToolUse(strings.NewReader(`{"session_id":"s1"}`))
	assert.ErrorIs(t, err, ErrPayload)
	_, err = DecodePreToolUse(strings.NewReader(`not json`))
	assert.ErrorIs(t, err, ErrPayload)
}

func TestBlockResponse(t *testing.T) {
	enf := &stubEnforcer{verdict: enforcer.Verdict{Decision: store.DecisionBlock, Rule: blockRule()}}
	var out, errOut bytes.Buffer
	code := HandlePreToolUse(context.Background(), enf, strings.NewReader(prePayload), &out, &errOut, false)

	assert.Equal(t, ExitOK, code)
	assert.Empty(t, errOut.String())
	var resp Output
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "PreToolUse", resp.HookSpecificOutput.HookEventName)
	assert.Equal(t, "deny", resp.HookSpecificOutput.PermissionDecision)
	reason := resp.HookSpecificOutput.PermissionDecisionReason
	assert.Contains(t, reason, "CAUSEWAY BLOCKED TOOL USE - RULE #12")
	assert.Contains(t, reason, "Description: no root wipes")
	assert.NotContains(t, reason, "\x1b[", "no terminal escapes")
}

func TestWarnResponse(t *testing.T) {
	sem, err := rules.NewSemantic("avoid global mutable state", "module-level vars", "pass state explicitly", rules.Options{Action: rules.ActionWarn})
	require.NoError(t, err)
	sem.ID = 3
	out := Response(enforcer.Verdict{Decision: store.DecisionWarn, Rule: &sem, Rationale: "adds a package-level map"})
	require.NotNil(t, out)
	assert.Equal(t, "ask", out.HookSpecificOutput.PermissionDecision)
	reason := out.HookSpecificOutput.PermissionDecisionReason
	assert.Contains(t, reason, "CAUSEWAY FLAGGED TOOL USE - RULE #3")
	assert.Contains(t, reason, "Suggested solution: pass state explicitly")
	assert.Contains(t, reason, "Reason: adds a package-level map")
}

func TestAllowWritesNothing(t *testing.T) {
	enf := &stubEnforcer{verdict: enforcer.Verdict{Decision: store.DecisionAllow}}
	var out, errOut bytes.Buffer
	code := HandlePreToolUse(context.Background(), enf, strings.NewReader(prePayload), &out, &errOut, false)
	assert.Equal(t, ExitOK, code)
	assert.Empty(t, out.String())
}

func TestFailurePolicy(t *testing.T) {
	enf := &stubEnforcer{err: errors.New("database is locked")}

	var out, errOut bytes.Buffer
	code := HandlePreToolUse(context.Background(), enf, strings.NewReader(prePayload), &out, &errOut, false)
	assert.Equal(t, ExitOK, code, "fails open by default")
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "database is locked")

	errOut.Reset()
	code = HandlePreToolUse(context.Background(), enf, strings.NewReader(prePayload), &out, &errOut, true)
	assert.Equal(t, ExitBlocking, code)

	code = HandlePreToolUse(context.Background(), enf, strings.NewReader("{"), &out, &errOut, true)
	assert.Equal(t, ExitBlocking, code)
}

func TestBoxWraps(t *testing.T) {
	r := blockRule()
	r.Description = strings.Repeat("very long description ", 20)
	box := Box(enforcer.Verdict{Decision: store.DecisionBlock, Rule: r})
	for _, line := range strings.Split(box, "\n") {
		assert.LessOrEqual(t, len([]rune(line)), boxWidth+2)
	}
}

func TestHandleStopRecordsSession(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(dir, "brain.db"), store.Options{Engine: embedding.NewHashEngine(32)})
	require.NoError(t, err)
	defer st.Close()

	transcript := filepath.Join(dir, "t.jsonl")
	require.NoError(t, os.WriteFile(transcript, []byte(
		`{"type":"user","uuid":"u1","sessionId":"s1","message":{"role":"user","content":"use spaces"}}`+"\n"), 0644))

	p, err := DecodeStop(strings.NewReader(`{"session_id":"s1","transcript_path":"` + transcript + `","cwd":"/w"}`))
	require.NoError(t, err)
	id, err := HandleStop(ctx, st, p)
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	sess, err := st.GetSession(ctx, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
	assert.Equal(t, "/w", sess.ProjectPath)

	id, err = HandleStop(ctx, st, Stop{SessionID: "s2", TranscriptPath: filepath.Join(dir, "missing.jsonl")})
	require.NoError(t, err, "a missing transcript still records the session")
	assert.Equal(t, "s2", id)
}
