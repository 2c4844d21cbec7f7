package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"causeway/internal/config"
	"causeway/internal/embedding"
	"causeway/internal/enforcer"
	"causeway/internal/evaluator"
	"causeway/internal/learning"
	"causeway/internal/llm"
	"causeway/internal/logging"
	"causeway/internal/manage"
	"causeway/internal/metrics"
	"causeway/internal/rules"
	"causeway/internal/session"
	"causeway/internal/store"
)

// app holds the components one command invocation needs. Everything is
// built lazily from the workspace config.
type app struct {
	ws       string
	cfg      *config.Config
	store    *store.Store
	engine   embedding.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	client    llm.Client
	clientErr error
	eval      *evaluator.LLMEvaluator
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// openApp loads config, starts file logging and opens the store.
func openApp(ctx context.Context) (*app, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadWorkspace(ws)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if err := logging.Initialize(ws, cfg.Logging.Settings()); err != nil {
		logger.Warn("file logging disabled", zap.Error(err))
	}

	a := &app{ws: ws, cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Endpoint:   cfg.Embedding.Endpoint,
		APIKey:     cfg.Embedding.APIKey,
		Timeout:    cfg.GetEmbeddingTimeout(),
	})
	if err != nil {
		// Regex rules still work; semantic rules are skipped.
		logger.Warn("embedding engine unavailable", zap.String("provider", cfg.Embedding.Provider), zap.Error(err))
	} else {
		a.engine = engine
	}

	st, err := store.Open(ctx, cfg.Database.Path, store.Options{
		Engine:          a.engine,
		MaxWriteRetries: cfg.Store.MaxWriteRetries,
		BusyTimeout:     msDuration(cfg.Store.BusyTimeoutMS),
	})
	if err != nil {
		return nil, err
	}
	a.store = st
	logger.Debug("store opened", zap.String("path", st.Path()))
	return a, nil
}

func (a *app) Close() {
	if a.eval != nil {
		a.eval.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// index returns the embedding index, or nil without an engine.
func (a *app) index() *embedding.Index {
	if a.engine == nil {
		return nil
	}
	return embedding.NewIndex(a.engine, a.store)
}

// llmClient returns the configured client, or nil when no provider has
// credentials.
func (a *app) llmClient() llm.Client {
	if a.client == nil && a.clientErr == nil {
		a.client, a.clientErr = llm.NewClient(llm.Config{
			Provider: a.cfg.LLM.Provider,
			Model:    a.cfg.LLM.Model,
			APIKey:   a.cfg.LLM.APIKey,
			BaseURL:  a.cfg.LLM.BaseURL,
			Timeout:  a.cfg.GetLLMTimeout(),
		})
		if a.clientErr != nil {
			level := zap.WarnLevel
			if errors.Is(a.clientErr, llm.ErrNotConfigured) {
				level = zap.DebugLevel
			}
			logger.Log(level, "llm unavailable", zap.Error(a.clientErr))
		}
	}
	return a.client
}

func (a *app) manager() *manage.Service {
	return manage.New(a.store, a.index())
}

func (a *app) enforcer() *enforcer.Enforcer {
	opts := enforcer.Options{
		SemanticEnabled: a.cfg.Enforcer.SemanticEnabled,
		TopK:            a.cfg.Enforcer.TopK,
		MaxDistance:     a.cfg.Enforcer.MaxDistance,
		SemanticBudget:  a.cfg.GetSemanticBudget(),
		Metrics:         a.metrics,
	}
	var eval evaluator.Evaluator
	if opts.SemanticEnabled {
		if client := a.llmClient(); client != nil {
			e, err := evaluator.New(client, evaluator.Options{
				Timeout:    a.cfg.GetEvaluatorTimeout(),
				CacheTTL:   a.cfg.GetCacheTTL(),
				CacheSize:  a.cfg.Evaluator.CacheSize,
				InputLimit: a.cfg.Evaluator.InputLimit,
				Prompts:    a.store,
				Metrics:    a.metrics,
			})
			if err != nil {
				logger.Warn("semantic evaluator disabled", zap.Error(err))
			} else {
				a.eval, eval = e, e
			}
		}
	}
	// A nil interface, not a typed nil, disables the semantic pass.
	if eval == nil || a.engine == nil {
		return enforcer.New(a.store, a.store, nil, nil, opts)
	}
	return enforcer.New(a.store, a.store, a.engine, eval, opts)
}

func (a *app) learner() *learning.Agent {
	lc := a.cfg.Learning
	action, err := rules.ParseAction(lc.DefaultAction)
	if err != nil {
		action = rules.ActionWarn
	}
	return learning.New(a.store, a.index(), a.llmClient(), learning.Options{
		Window: session.Window{
			MaxTurns:     lc.MaxTurns,
			MaxChars:     lc.MaxChars,
			MessageLimit: lc.MessageLimit,
		},
		DedupDistance: lc.DedupDistance,
		Timeout:       a.cfg.GetLearningTimeout(),
		DefaultAction: action,
		Concurrency:   lc.Concurrency,
		Metrics:       a.metrics,
	})
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// commandContext bounds a command by the --timeout flag.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// withApp opens the workspace for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
