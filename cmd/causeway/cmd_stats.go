package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"causeway/internal/evaluator"
	"causeway/internal/learning"
	"causeway/internal/manage"
)

var settingFile string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize rules, decisions and sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, svc *manage.Service) error {
			st, err := svc.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), manage.FormatStats(st))
			return nil
		})
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write runtime settings stored with the rules",
	Long: `Settings live in the rule database and take effect on the next call.

Known keys:
  ` + evaluator.PromptSettingKey + `   system prompt for semantic evaluation
  ` + learning.PromptSettingKey + `    system prompt for learning passes`,
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			all, err := a.store.ListSettings(ctx)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No settings.")
			}
			for _, k := range keys {
				fmt.Fprintf(out, "%s = %s\n", k, firstLine(all[k]))
			}
			return nil
		})
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			v, ok, err := a.store.GetSetting(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("setting %q is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Set a setting from an argument, --file, or stdin with --file -",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := settingValue(cmd, args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.store.SetSetting(ctx, args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s (%d bytes)\n", args[0], len(value))
			return nil
		})
	},
}

func init() {
	settingsSetCmd.Flags().StringVarP(&settingFile, "file", "f", "", "Read the value from a file (- for stdin)")
	settingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSetCmd)
}

func settingValue(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case len(args) == 2 && settingFile != "":
		return "", fmt.Errorf("give a value or --file, not both")
	case len(args) == 2:
		return args[1], nil
	case settingFile == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	case settingFile != "":
		data, err := os.ReadFile(settingFile)
		return string(data), err
	default:
		return "", fmt.Errorf("missing value")
	}
}

func firstLine(s string) string {
	line, _, more := strings.Cut(strings.TrimSpace(s), "\n")
	if more {
		return line + " ..."
	}
	return line
}
