package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DirName is the per-workspace state directory.
	DirName = ".causeway"
	// DBFileName is the rule database inside DirName.
	DBFileName = "brain.db"
	// FileName is the YAML config inside DirName.
	FileName = "config.yaml"
)

// Config holds all Causeway configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Enforcer  EnforcerConfig  `yaml:"enforcer"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Learning  LearningConfig  `yaml:"learning"`
	Hook      HookConfig      `yaml:"hook"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig locates the rule database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig tunes the SQLite writer.
type StoreConfig struct {
	MaxWriteRetries int `yaml:"max_write_retries"`
	BusyTimeoutMS   int `yaml:"busy_timeout_ms"`
}

// EmbeddingConfig selects the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai, ollama, genai, hash
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Timeout    string `yaml:"timeout"`
}

// LLMConfig configures the model used by the evaluator and the learning agent.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EnforcerConfig tunes the pre-tool verdict path.
type EnforcerConfig struct {
	SemanticEnabled bool    `yaml:"semantic_enabled"`
	TopK            int     `yaml:"top_k"`
	MaxDistance     float64 `yaml:"max_distance"`
	SemanticBudget  string  `yaml:"semantic_budget"`
}

// EvaluatorConfig tunes semantic evaluation.
type EvaluatorConfig struct {
	Timeout    string `yaml:"timeout"`
	CacheTTL   string `yaml:"cache_ttl"`
	CacheSize  int    `yaml:"cache_size"`
	InputLimit int    `yaml:"input_limit"`
}

// LearningConfig tunes the post-session learning pass.
type LearningConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxTurns      int     `yaml:"max_turns"`
	MaxChars      int     `yaml:"max_chars"`
	MessageLimit  int     `yaml:"message_limit"`
	DedupDistance float64 `yaml:"dedup_distance"`
	Timeout       string  `yaml:"timeout"`
	DefaultAction string  `yaml:"default_action"`
	Concurrency   int     `yaml:"concurrency"`
}

// HookConfig controls the host boundary.
type HookConfig struct {
	FailClosed bool `yaml:"fail_closed"`
}

// ServerConfig configures `causeway serve`.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	MaxConns int    `yaml:"max_conns"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			MaxWriteRetries: 5,
			BusyTimeoutMS:   5000,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 384,
			Endpoint:   "http://localhost:11434",
			Timeout:    "10s",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-haiku-4-5",
			Timeout:  "60s",
		},
		Enforcer: EnforcerConfig{
			SemanticEnabled: true,
			TopK:            5,
			MaxDistance:     0.8,
			SemanticBudget:  "8s",
		},
		Evaluator: EvaluatorConfig{
			Timeout:    "5s",
			CacheTTL:   "60s",
			CacheSize:  1024,
			InputLimit: 800,
		},
		Learning: LearningConfig{
			Enabled:       true,
			MaxTurns:      30,
			MaxChars:      8000,
			MessageLimit:  500,
			DedupDistance: 0.15,
			Timeout:       "90s",
			DefaultAction: "warn",
			Concurrency:   4,
		},
		Server: ServerConfig{
			Addr:     "127.0.0.1:7878",
			MaxConns: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadDotEnv loads .env files from the workspace and its state directory.
// Variables already present in the environment are not overwritten.
func LoadDotEnv(workspace string) {
	for _, p := range []string{
		filepath.Join(workspace, DirName, ".env"),
		filepath.Join(workspace, ".env"),
	} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadWorkspace loads .env files and <workspace>/.causeway/config.yaml, then
// resolves the database path.
func LoadWorkspace(workspace string) (*Config, error) {
	LoadDotEnv(workspace)
	cfg, err := Load(filepath.Join(workspace, DirName, FileName))
	if err != nil {
		return nil, err
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = FindDatabase(workspace)
	}
	return cfg, cfg.Validate()
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var llmKeyEnv = []struct {
	env      string
	provider string
}{
	{"ANTHROPIC_API_KEY", "anthropic"},
	{"OPENAI_API_KEY", "openai"},
	{"GEMINI_API_KEY", "gemini"},
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("CAUSEWAY_LLM_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}
	if m := os.Getenv("CAUSEWAY_LLM_MODEL"); m != "" {
		c.LLM.Model = m
	}

	// A key for the configured provider wins; otherwise the first key present
	// selects the provider.
	if c.LLM.APIKey == "" {
		for _, k := range llmKeyEnv {
			if k.provider == c.LLM.Provider {
				c.LLM.APIKey = os.Getenv(k.env)
			}
		}
	}
	if c.LLM.APIKey == "" {
		for _, k := range llmKeyEnv {
			if key := os.Getenv(k.env); key != "" {
				c.LLM.APIKey = key
				c.LLM.Provider = k.provider
				c.LLM.Model = ""
				break
			}
		}
	}

	if p := os.Getenv("CAUSEWAY_EMBEDDING_PROVIDER"); p != "" {
		c.Embedding.Provider = p
	}
	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "genai":
			c.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Embedding.Endpoint = host
	}

	if path := os.Getenv("CAUSEWAY_DB"); path != "" {
		c.Database.Path = path
	}
}

// FindDatabase walks upward from dir looking for .causeway/brain.db and
// falls back to <dir>/.causeway/brain.db.
func FindDatabase(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	for cur := abs; ; {
		candidate := filepath.Join(cur, DirName, DBFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return filepath.Join(abs, DirName, DBFileName)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// GetEmbeddingTimeout returns the per-request embedding timeout.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 10*time.Second)
}

// GetSemanticBudget bounds the whole semantic path of one enforcement call.
func (c *Config) GetSemanticBudget() time.Duration {
	return parseDuration(c.Enforcer.SemanticBudget, 8*time.Second)
}

// GetEvaluatorTimeout is the hard timeout for one semantic evaluation.
func (c *Config) GetEvaluatorTimeout() time.Duration {
	return parseDuration(c.Evaluator.Timeout, 5*time.Second)
}

// GetCacheTTL returns how long an evaluator verdict stays cached.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Evaluator.CacheTTL, 60*time.Second)
}

// GetLearningTimeout bounds one learning pass.
func (c *Config) GetLearningTimeout() time.Duration {
	return parseDuration(c.Learning.Timeout, 90*time.Second)
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "openai", "gemini"}

// ValidEmbeddingProviders lists all supported embedding engines.
var ValidEmbeddingProviders = []string{"openai", "ollama", "genai", "hash"}

// Validate validates the configuration. Missing API keys are not an error:
// regex enforcement works without any provider.
func (c *Config) Validate() error {
	if !contains(ValidProviders, c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if !contains(ValidEmbeddingProviders, c.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidEmbeddingProviders)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Enforcer.TopK <= 0 {
		return fmt.Errorf("enforcer.top_k must be positive, got %d", c.Enforcer.TopK)
	}
	if c.Enforcer.MaxDistance <= 0 || c.Enforcer.MaxDistance > 2 {
		return fmt.Errorf("enforcer.max_distance must be in (0, 2], got %v", c.Enforcer.MaxDistance)
	}
	switch c.Learning.DefaultAction {
	case "block", "warn", "log":
	default:
		return fmt.Errorf("learning.default_action must be block, warn or log, got %q", c.Learning.DefaultAction)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
