package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"causeway/internal/rulesets"
)

var rulesetFiles []string

var rulesetsCmd = &cobra.Command{
	Use:   "rulesets",
	Short: "Install bundles of ready-made rules",
}

var rulesetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in rulesets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := rulesets.Builtin()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, rs := range all {
			fmt.Fprintf(tw, "%s\t%d rules\t%s\n", rs.Name, len(rs.Rules), rs.Description)
		}
		return tw.Flush()
	},
}

var rulesetsAddCmd = &cobra.Command{
	Use:   "add [name...]",
	Short: "Install built-in rulesets by name, or JSONC files with --file",
	Long: `Installs rulesets into the rule store. Rules already present are left as
they are, so installing the same ruleset twice adds nothing.

Examples:
  causeway rulesets add safety git
  causeway rulesets add --file team-rules.jsonc`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(rulesetFiles) == 0 {
			return fmt.Errorf("name a ruleset or pass --file")
		}
		var sets []rulesets.Ruleset
		for _, name := range args {
			rs, err := rulesets.Lookup(name)
			if err != nil {
				return err
			}
			sets = append(sets, rs)
		}
		for _, path := range rulesetFiles {
			rs, err := rulesets.ReadFile(path)
			if err != nil {
				return err
			}
			sets = append(sets, rs)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			out := cmd.OutOrStdout()
			for _, rs := range sets {
				res, err := rulesets.Install(ctx, a.store, rs)
				if err != nil {
					return fmt.Errorf("install %s: %w", rs.Name, err)
				}
				fmt.Fprintf(out, "%s: %d created, %d already present", res.Ruleset, len(res.Created), res.Existing)
				if len(res.Skipped) > 0 {
					fmt.Fprintf(out, ", %d skipped", len(res.Skipped))
				}
				fmt.Fprintln(out)
				for _, s := range res.Skipped {
					fmt.Fprintf(out, "  skipped: %s\n", s.Reason)
				}
			}
			return nil
		})
	},
}

func init() {
	rulesetsAddCmd.Flags().StringArrayVarP(&rulesetFiles, "file", "f", nil, "Ruleset file (JSONC); repeatable")
	rulesetsCmd.AddCommand(rulesetsListCmd, rulesetsAddCmd)
}
