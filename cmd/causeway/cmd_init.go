package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"causeway/internal/config"
	"causeway/internal/rulesets"
	"causeway/internal/store"
)

var (
	initRulesets     []string
	initEmbedding    string
	initInstallHooks bool
	initForce        bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up Causeway in the workspace",
	Long: `Creates .causeway/ with a default config.yaml and an empty rule database,
optionally installs built-in rulesets, and with --install-hooks registers the
PreToolUse and Stop hooks in .claude/settings.json.

Running init again keeps the existing config unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringSliceVar(&initRulesets, "rulesets", nil, "Built-in rulesets to install (e.g. safety,git)")
	initCmd.Flags().StringVar(&initEmbedding, "embedding", "", "Embedding provider: openai, ollama, genai or hash")
	initCmd.Flags().BoolVar(&initInstallHooks, "install-hooks", false, "Register the hooks in .claude/settings.json")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	dir := filepath.Join(ws, config.DirName)
	cfgPath := filepath.Join(dir, config.FileName)

	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		fmt.Fprintf(out, "Keeping existing %s\n", cfgPath)
	} else {
		cfg := config.DefaultConfig()
		if initEmbedding != "" {
			cfg.Embedding.Provider = initEmbedding
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", cfgPath)
	}
	if err := ensureGitignore(dir); err != nil {
		return err
	}

	err = withApp(cmd, func(ctx context.Context, a *app) error {
		fmt.Fprintf(out, "Rule database: %s\n", a.store.Path())
		return installRulesets(ctx, out, a.store, initRulesets)
	})
	if err != nil {
		return err
	}

	if initInstallHooks {
		path := filepath.Join(ws, ".claude", "settings.json")
		added, err := installHooks(path)
		if err != nil {
			return err
		}
		if added {
			fmt.Fprintf(out, "Registered hooks in %s\n", path)
		} else {
			fmt.Fprintf(out, "Hooks already registered in %s\n", path)
		}
	}
	return nil
}

func installRulesets(ctx context.Context, out io.Writer, st *store.Store, names []string) error {
	for _, name := range names {
		rs, err := rulesets.Lookup(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		res, err := rulesets.Install(ctx, st, rs)
		if err != nil {
			return fmt.Errorf("install %s: %w", rs.Name, err)
		}
		fmt.Fprintf(out, "Ruleset %s: %d created, %d already present\n", rs.Name, len(res.Created), res.Existing)
	}
	return nil
}

// ensureGitignore keeps the database, logs and secrets out of version control.
func ensureGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("brain.db*\nlogs/\n.env\n"), 0644)
}

const (
	preHookCommand  = "causeway hook pre"
	stopHookCommand = "causeway hook stop"
)

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// installHooks adds the Causeway hooks to a host settings file, keeping
// every other setting. The file may contain comments. It reports whether
// anything was added.
func installHooks(path string) (bool, error) {
	settings := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
			return false, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return false, err
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	added := false
	for event, m := range map[string]hookMatcher{
		"PreToolUse": {Matcher: "*", Hooks: []hookEntry{{Type: "command", Command: preHookCommand}}},
		"Stop":       {Hooks: []hookEntry{{Type: "command", Command: stopHookCommand}}},
	} {
		existing, _ := hooks[event].([]any)
		if hasCommand(existing, m.Hooks[0].Command) {
			continue
		}
		hooks[event] = append(existing, m)
		added = true
	}
	if !added {
		return false, nil
	}
	settings["hooks"] = hooks

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, append(out, '\n'), 0644)
}

func hasCommand(matchers []any, command string) bool {
	for _, m := range matchers {
		mm, _ := m.(map[string]any)
		entries, _ := mm["hooks"].([]any)
		for _, e := range entries {
			ee, _ := e.(map[string]any)
			if c, _ := ee["command"].(string); c == command {
				return true
			}
		}
	}
	return false
}
