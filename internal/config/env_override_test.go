package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearLLMEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY",
		"CAUSEWAY_LLM_PROVIDER", "CAUSEWAY_LLM_MODEL", "CAUSEWAY_EMBEDDING_PROVIDER",
		"CAUSEWAY_DB", "OLLAMA_HOST",
	} {
		t.Setenv(k, "")
	}
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("key for configured provider wins", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")
		t.Setenv("OPENAI_API_KEY", "oa-key")

		cfg := &Config{LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa-key", cfg.LLM.APIKey)
		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	})

	t.Run("first present key selects provider", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")
		t.Setenv("OPENAI_API_KEY", "oa-key")

		cfg := &Config{LLM: LLMConfig{Provider: "anthropic", Model: "claude-haiku-4-5"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa-key", cfg.LLM.APIKey)
		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Empty(t, cfg.LLM.Model, "model is reset when the provider is inferred")
	})

	t.Run("explicit key in file is kept", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "env-key")

		cfg := &Config{LLM: LLMConfig{Provider: "anthropic", APIKey: "file-key"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "file-key", cfg.LLM.APIKey)
	})
}

func TestEnvOverrides_DatabaseAndEmbedding(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("CAUSEWAY_DB", "/tmp/custom.db")
	t.Setenv("CAUSEWAY_EMBEDDING_PROVIDER", "ollama")
	t.Setenv("OLLAMA_HOST", "http://gpu:11434")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/tmp/custom.db", cfg.Database.Path)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, "http://gpu:11434", cfg.Embedding.Endpoint)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearLLMEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Enforcer.TopK)
	assert.InDelta(t, 0.8, cfg.Enforcer.MaxDistance, 1e-9)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, "warn", cfg.Learning.DefaultAction)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLAndDurations(t *testing.T) {
	clearLLMEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
enforcer:
  top_k: 3
  semantic_budget: 2s
evaluator:
  timeout: bogus
learning:
  default_action: block
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Enforcer.TopK)
	assert.Equal(t, "2s", cfg.Enforcer.SemanticBudget)
	assert.Equal(t, "5s", DefaultConfig().Evaluator.Timeout)
	assert.Equal(t, DefaultConfig().GetEvaluatorTimeout(), cfg.GetEvaluatorTimeout(), "unparseable durations fall back")
	assert.Equal(t, "block", cfg.Learning.DefaultAction)
}

func TestValidate_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.Provider = "word2vec"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Learning.DefaultAction = "explode"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Enforcer.MaxDistance = 0
	assert.Error(t, cfg.Validate())
}

func TestFindDatabase_WalksUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, DirName), 0755))
	dbPath := filepath.Join(root, DirName, DBFileName)
	require.NoError(t, os.WriteFile(dbPath, nil, 0644))

	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	assert.Equal(t, dbPath, FindDatabase(nested))

	other := t.TempDir()
	assert.Equal(t, filepath.Join(other, DirName, DBFileName), FindDatabase(other))
}

func TestSaveRoundTrip(t *testing.T) {
	clearLLMEnv(t)
	path := filepath.Join(t.TempDir(), DirName, FileName)
	cfg := DefaultConfig()
	cfg.Enforcer.TopK = 9
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.Enforcer.TopK)
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env"), []byte("CAUSEWAY_TEST_A=fromfile\nCAUSEWAY_TEST_B=fromfile\n"), 0644))
	t.Setenv("CAUSEWAY_TEST_A", "fromenv")
	t.Cleanup(func() { os.Unsetenv("CAUSEWAY_TEST_B") })

	LoadDotEnv(ws)

	assert.Equal(t, "fromenv", os.Getenv("CAUSEWAY_TEST_A"))
	assert.Equal(t, "fromfile", os.Getenv("CAUSEWAY_TEST_B"))
}
