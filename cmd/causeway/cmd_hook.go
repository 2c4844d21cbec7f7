package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"causeway/internal/hook"
)

var (
	hookFailClosed bool
	hookSyncLearn  bool

	// exit is replaced in tests.
	exit = os.Exit
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Entry points for the assistant's hooks (JSON on stdin)",
}

var hookPreCmd = &cobra.Command{
	Use:   "pre",
	Short: "PreToolUse: decide whether a tool call may run",
	Long: `Reads the PreToolUse payload on stdin and prints the permission decision.

Allowed calls print nothing. Blocked calls are denied and flagged calls ask
the user, both with the violated rule as the reason. Internal failures allow
the call unless hook.fail_closed is set (or --fail-closed is given), in which
case the hook exits 2 so the host blocks it.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if code := runHookPre(cmd); code != hook.ExitOK {
			exit(code)
		}
	},
}

var hookStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop: record the session and start learning from it",
	Long: `Reads the Stop payload on stdin, records the session transcript and starts
a learning pass in a detached process so the assistant is not kept waiting.
Use --sync to learn in the foreground instead. Always exits 0.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runHookStop(cmd)
	},
}

func init() {
	hookPreCmd.Flags().BoolVar(&hookFailClosed, "fail-closed", false, "Block the call when Causeway itself fails")
	hookStopCmd.Flags().BoolVar(&hookSyncLearn, "sync", false, "Learn in this process instead of a detached one")
	hookCmd.AddCommand(hookPreCmd)
	hookCmd.AddCommand(hookStopCmd)
}

func runHookPre(cmd *cobra.Command) int {
	stderr := cmd.ErrOrStderr()
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return hook.Fail(stderr, err, hookFailClosed)
	}
	defer a.Close()

	failClosed := hookFailClosed || a.cfg.Hook.FailClosed
	return hook.HandlePreToolUse(ctx, a.enforcer(), cmd.InOrStdin(), cmd.OutOrStdout(), stderr, failClosed)
}

func runHookStop(cmd *cobra.Command) {
	stderr := cmd.ErrOrStderr()
	p, err := hook.DecodeStop(cmd.InOrStdin())
	if err != nil {
		fmt.Fprintf(stderr, "causeway: %v\n", err)
		return
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "causeway: %v\n", err)
		return
	}
	defer a.Close()

	id, err := hook.HandleStop(ctx, a.store, p)
	if err != nil {
		fmt.Fprintf(stderr, "causeway: %v\n", err)
		return
	}
	logger.Debug("session recorded", zap.String("session", id))

	if !a.cfg.Learning.Enabled {
		return
	}
	if hookSyncLearn {
		if _, err := a.learner().Learn(ctx, id); err != nil {
			fmt.Fprintf(stderr, "causeway: learning: %v\n", err)
		}
		return
	}
	if err := spawnLearner(a, id); err != nil {
		fmt.Fprintf(stderr, "causeway: start learning: %v\n", err)
	}
}

// spawnLearner runs `causeway learn --session id` detached from the hook.
func spawnLearner(a *app, sessionID string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.CommandContext(context.Background(), self,
		"learn", "--session", sessionID, "--workspace", a.ws, "--db", a.cfg.Database.Path)
	child.Dir = a.ws
	detach(child)
	if err := child.Start(); err != nil {
		return err
	}
	logger.Debug("learner started", zap.String("session", sessionID), zap.Int("pid", child.Process.Pid))
	return child.Process.Release()
}
