package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"causeway/internal/manage"
	"causeway/internal/rules"
)

var ruleFlags struct {
	kind        string
	pattern     string
	description string
	problem     string
	solution    string
	tool        string
	action      string
	inactive    bool
}

var (
	listAll  bool
	listKind string
	listTool string
	searchK  int
)

var rulesCmd = &cobra.Command{
	Use:     "rules",
	Aliases: []string{"rule"},
	Short:   "Manage rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a rule",
	Long: `Creates a regex rule when --pattern is given, otherwise a semantic rule.

Examples:
  causeway rules add --pattern '^pip install' --tool Bash --action block \
      --description "Use uv instead of pip" --solution "uv add <pkg>"
  causeway rules add --description "Do not disable failing tests" \
      --problem "Tests were skipped to make CI pass" --solution "Fix the test"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			r, err := svc.Add(ctx, manage.AddRequest{
				Kind:        ruleFlags.kind,
				Pattern:     ruleFlags.pattern,
				Description: ruleFlags.description,
				Problem:     ruleFlags.problem,
				Solution:    ruleFlags.solution,
				Tool:        ruleFlags.tool,
				Action:      ruleFlags.action,
				Inactive:    ruleFlags.inactive,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Created", manage.RuleLine(r))
			return nil
		})
	},
}

var rulesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a rule; only the given flags are changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		p, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			r, err := svc.Update(ctx, id, p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Updated", manage.RuleLine(r))
			return nil
		})
	},
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle <id> <on|off>",
	Short: "Enable or disable a rule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		var active bool
		switch strings.ToLower(args[1]) {
		case "on", "enable", "true":
			active = true
		case "off", "disable", "false":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			r, err := svc.Toggle(ctx, id, active)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Toggled", manage.RuleLine(r))
			return nil
		})
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a rule (its traces are kept)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			if err := svc.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule #%d\n", id)
			return nil
		})
	},
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List rules in id order",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			rs, err := svc.List(ctx, manage.ListOptions{ActiveOnly: !listAll, Kind: listKind, Tool: listTool})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manage.FormatRules(rs))
			return nil
		})
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one rule in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			r, err := svc.Get(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manage.FormatRule(r))
			return nil
		})
	},
}

var rulesSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find rules closest in meaning to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			ms, err := svc.Search(ctx, strings.Join(args, " "), searchK)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manage.FormatMatches(ms))
			return nil
		})
	},
}

var rulesHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show where a rule came from and its recent decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			h, err := svc.History(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manage.FormatHistory(h))
			return nil
		})
	},
}

var rulesReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute every rule embedding with the configured engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			n, err := svc.Reindex(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d rules\n", n)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{rulesAddCmd, rulesUpdateCmd} {
		f := c.Flags()
		f.StringVar(&ruleFlags.pattern, "pattern", "", "Regex tested against the tool input")
		f.StringVar(&ruleFlags.description, "description", "", "Short summary shown when the rule fires")
		f.StringVar(&ruleFlags.problem, "problem", "", "What went wrong")
		f.StringVar(&ruleFlags.solution, "solution", "", "What to do instead")
		f.StringVar(&ruleFlags.tool, "tool", "", "Tool name or glob the rule applies to (default: all)")
		f.StringVar(&ruleFlags.action, "action", "", "block, warn or log")
	}
	rulesAddCmd.Flags().StringVar(&ruleFlags.kind, "kind", "", "regex or semantic (default: regex when --pattern is given)")
	rulesAddCmd.Flags().BoolVar(&ruleFlags.inactive, "inactive", false, "Create the rule disabled")

	rulesListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include inactive rules")
	rulesListCmd.Flags().StringVar(&listKind, "kind", "", "Only regex or semantic rules")
	rulesListCmd.Flags().StringVar(&listTool, "tool", "", "Only rules that apply to this tool")
	rulesSearchCmd.Flags().IntVarP(&searchK, "k", "k", manage.DefaultSearchK, "Number of results")

	rulesCmd.AddCommand(rulesAddCmd, rulesUpdateCmd, rulesToggleCmd, rulesDeleteCmd,
		rulesListCmd, rulesShowCmd, rulesSearchCmd, rulesHistoryCmd, rulesReindexCmd)
}

// withManager runs fn with a management service for the workspace.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, svc *manage.Service) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return fn(ctx, a.manager())
	})
}

func parseRuleID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id %q", s)
	}
	return id, nil
}

// patchFromFlags builds a patch from the flags the user actually set.
func patchFromFlags(cmd *cobra.Command) (rules.Patch, error) {
	var p rules.Patch
	f := cmd.Flags()
	set := func(name string, dst **string, v string) {
		if f.Changed(name) {
			*dst = rules.Ptr(v)
		}
	}
	set("pattern", &p.Pattern, ruleFlags.pattern)
	set("description", &p.Description, ruleFlags.description)
	set("problem", &p.Problem, ruleFlags.problem)
	set("solution", &p.Solution, ruleFlags.solution)
	set("tool", &p.Tool, ruleFlags.tool)
	if f.Changed("action") {
		act, err := rules.ParseAction(ruleFlags.action)
		if err != nil {
			return rules.Patch{}, err
		}
		p.Action = &act
	}
	return p, nil
}
