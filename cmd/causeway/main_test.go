package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate clears provider credentials so no test reaches the network.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY",
		"CAUSEWAY_LLM_PROVIDER", "CAUSEWAY_LLM_MODEL", "CAUSEWAY_EMBEDDING_PROVIDER", "CAUSEWAY_DB",
	} {
		t.Setenv(k, "")
	}
	return t.TempDir()
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

type result struct {
	stdout, stderr string
	err            error
}

func execute(t *testing.T, ws, stdin string, args ...string) result {
	t.Helper()
	resetFlags(rootCmd)
	var out, errb bytes.Buffer
	rootCmd.SetArgs(append([]string{"--workspace", ws}, args...))
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errb)
	err := rootCmd.Execute()
	return result{stdout: out.String(), stderr: errb.String(), err: err}
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	ws := isolate(t)
	r := execute(t, ws, "", "init", "--embedding", "hash")
	require.NoError(t, r.err, r.stderr)
	return ws
}

func TestInitCmd(t *testing.T) {
	ws := isolate(t)

	r := execute(t, ws, "", "init", "--embedding", "hash", "--rulesets", "safety", "--install-hooks")
	require.NoError(t, r.err, r.stderr)
	assert.FileExists(t, filepath.Join(ws, ".causeway", "config.yaml"))
	assert.FileExists(t, filepath.Join(ws, ".causeway", "brain.db"))
	assert.FileExists(t, filepath.Join(ws, ".causeway", ".gitignore"))
	assert.Contains(t, r.stdout, "Registered hooks")
	assert.Regexp(t, `Ruleset safety: [1-9]\d* created, 0 already present`, r.stdout)

	settings, err := os.ReadFile(filepath.Join(ws, ".claude", "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(settings), preHookCommand)
	assert.Contains(t, string(settings), stopHookCommand)

	// Running it again changes nothing.
	r = execute(t, ws, "", "init", "--rulesets", "safety", "--install-hooks")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "Keeping existing")
	assert.Contains(t, r.stdout, "Hooks already registered")
	assert.Regexp(t, `Ruleset safety: 0 created, [1-9]\d* already present`, r.stdout)
}

func TestRulesCommands(t *testing.T) {
	ws := initWorkspace(t)

	r := execute(t, ws, "", "rules", "add", "--pattern", "^pip install", "--tool", "Bash",
		"--description", "use uv instead of pip", "--solution", "uv add <pkg>")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "Created #1 [regex|block|active]")

	r = execute(t, ws, "", "rules", "update", "1", "--action", "warn")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "[regex|warn|active]")
	assert.Contains(t, r.stdout, "use uv instead of pip", "fields not given are kept")

	r = execute(t, ws, "", "rules", "update", "1")
	assert.Error(t, r.err, "an update with no fields is rejected")

	r = execute(t, ws, "", "rules", "toggle", "#1", "off")
	require.NoError(t, r.err, r.stderr)

	r = execute(t, ws, "", "rules", "list")
	require.NoError(t, r.err)
	assert.Equal(t, "No rules.\n", r.stdout)

	r = execute(t, ws, "", "rules", "list", "--all")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "use uv instead of pip")

	r = execute(t, ws, "", "rules", "search", "pip", "install")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "#1")

	r = execute(t, ws, "", "rules", "delete", "1")
	require.NoError(t, r.err)
	assert.Equal(t, "Deleted rule #1\n", r.stdout)

	r = execute(t, ws, "", "rules", "show", "1")
	assert.Error(t, r.err)

	r = execute(t, ws, "", "rules", "toggle", "abc", "on")
	assert.ErrorContains(t, r.err, "invalid rule id")
}

func captureExit(t *testing.T) *int {
	t.Helper()
	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = os.Exit })
	return &code
}

func TestHookPre(t *testing.T) {
	ws := initWorkspace(t)
	r := execute(t, ws, "", "rules", "add", "--pattern", "^rm -rf /", "--tool", "Bash", "--description", "never wipe root")
	require.NoError(t, r.err, r.stderr)

	code := captureExit(t)
	r = execute(t, ws, `{"session_id":"s1","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`, "hook", "pre")
	require.NoError(t, r.err)
	assert.Equal(t, -1, *code, "a block is reported in JSON, not by exit code")
	assert.Contains(t, r.stdout, `"permissionDecision":"deny"`)
	assert.Contains(t, r.stdout, "never wipe root")

	r = execute(t, ws, `{"session_id":"s1","tool_name":"Bash","tool_input":{"command":"ls"}}`, "hook", "pre")
	require.NoError(t, r.err)
	assert.Empty(t, r.stdout)

	r = execute(t, ws, "", "traces", "--session", "s1")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "block")
	assert.Contains(t, r.stdout, "allow")
}

func TestHookPreFailurePolicy(t *testing.T) {
	ws := initWorkspace(t)
	code := captureExit(t)

	r := execute(t, ws, `not json`, "hook", "pre")
	require.NoError(t, r.err)
	assert.Equal(t, -1, *code, "fails open by default")
	assert.Empty(t, r.stdout)
	assert.Contains(t, r.stderr, "causeway:")

	r = execute(t, ws, `not json`, "hook", "pre", "--fail-closed")
	require.NoError(t, r.err)
	assert.Equal(t, 2, *code)
}

func TestHookStopRecordsSession(t *testing.T) {
	ws := initWorkspace(t)
	transcript := filepath.Join(ws, "t.jsonl")
	require.NoError(t, os.WriteFile(transcript, []byte(
		`{"type":"user","uuid":"u1","sessionId":"s7","message":{"role":"user","content":"always use uv"}}`+"\n"), 0644))

	// Without an LLM the learning pass fails, but the hook still succeeds.
	r := execute(t, ws, `{"session_id":"s7","transcript_path":"`+transcript+`","cwd":"`+ws+`"}`, "hook", "stop", "--sync")
	require.NoError(t, r.err)
	assert.Empty(t, r.stdout)

	r = execute(t, ws, "", "sessions")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "s7")

	r = execute(t, ws, "", "traces", "--kind", "learn")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "failed")
}

func TestSettingsCommands(t *testing.T) {
	ws := initWorkspace(t)

	r := execute(t, ws, "", "settings", "get", "evaluator_prompt")
	assert.ErrorContains(t, r.err, "not set")

	r = execute(t, ws, "Judge strictly.\nSecond line.", "settings", "set", "evaluator_prompt", "--file", "-")
	require.NoError(t, r.err, r.stderr)

	r = execute(t, ws, "", "settings", "get", "evaluator_prompt")
	require.NoError(t, r.err)
	assert.Equal(t, "Judge strictly.\nSecond line.\n", r.stdout)

	r = execute(t, ws, "", "settings", "list")
	require.NoError(t, r.err)
	assert.Equal(t, "evaluator_prompt = Judge strictly. ...\n", r.stdout)
}

func TestRulesetsCommands(t *testing.T) {
	ws := initWorkspace(t)

	r := execute(t, ws, "", "rulesets", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "safety")

	file := filepath.Join(ws, "team.jsonc")
	require.NoError(t, os.WriteFile(file, []byte(`{
		// team conventions
		"description": "team rules",
		"rules": [
			{"pattern": "^npm install", "tool": "Bash", "action": "warn", "description": "use pnpm",},
		],
	}`), 0644))
	r = execute(t, ws, "", "rulesets", "add", "--file", file)
	require.NoError(t, r.err, r.stderr)
	assert.Equal(t, "team: 1 created, 0 already present\n", r.stdout)

	r = execute(t, ws, "", "rulesets", "add", "nope")
	assert.Error(t, r.err)

	r = execute(t, ws, "", "stats")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "1 total")
}

func TestInstallHooksKeepsOtherSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// user settings
		"model": "opus",
		"hooks": {"Stop": [{"hooks": [{"type": "command", "command": "notify-send done"}]}]},
	}`), 0644))

	added, err := installHooks(path)
	require.NoError(t, err)
	assert.True(t, added)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"model": "opus"`)
	assert.Contains(t, s, "notify-send done")
	assert.Contains(t, s, stopHookCommand)
	assert.Contains(t, s, preHookCommand)

	added, err = installHooks(path)
	require.NoError(t, err)
	assert.False(t, added)
}
