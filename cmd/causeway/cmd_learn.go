package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"causeway/internal/learning"
	"causeway/internal/session"
)

var (
	learnSession    string
	learnTranscript string
	learnShowPrompt bool
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Mine a finished session for new rules",
	Long: `Runs one learning pass: the recent conversation and the current rules are
sent to the LLM, and the proposed creates, updates, toggles and deletes are
applied as one batch. Near-duplicates of existing rules become updates.

With --transcript the file is recorded first, so a session the hook never
saw can still be learned from.`,
	Args: cobra.NoArgs,
	RunE: runLearn,
}

func init() {
	learnCmd.Flags().StringVar(&learnSession, "session", "", "Session id")
	learnCmd.Flags().StringVar(&learnTranscript, "transcript", "", "Transcript file (JSONL) to record and learn from")
	learnCmd.Flags().BoolVar(&learnShowPrompt, "show-prompt", false, "Print the prompt and raw response")
}

func runLearn(cmd *cobra.Command, args []string) error {
	if learnSession == "" && learnTranscript == "" {
		return errors.New("--session or --transcript is required")
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := learnSession
	if learnTranscript != "" {
		tr, err := session.LoadTranscript(learnTranscript)
		if err != nil {
			return err
		}
		if id, err = session.Record(ctx, a.store, tr, learnSession, "", learnTranscript); err != nil {
			return err
		}
	}

	res, err := a.learner().Learn(ctx, id)
	printLearnResult(cmd.OutOrStdout(), res)
	return err
}

func printLearnResult(w io.Writer, res learning.Result) {
	if learnShowPrompt && res.Prompt != "" {
		fmt.Fprintf(w, "--- prompt ---\n%s\n--- response ---\n%s\n---\n", res.Prompt, res.Response)
	}
	fmt.Fprintf(w, "Session %s: %d proposed, %d applied in %v\n",
		res.SessionID, res.Proposed, res.Batch.Applied(), res.Latency.Round(time.Millisecond))
	for _, line := range []struct {
		label string
		ids   []int64
	}{
		{"created", res.Batch.Created},
		{"updated", res.Batch.Updated},
		{"toggled", res.Batch.Toggled},
		{"deleted", res.Batch.Deleted},
	} {
		if len(line.ids) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", line.label, idList(line.ids))
		}
	}
	for _, n := range res.Notes {
		fmt.Fprintf(w, "  note: %s\n", n)
	}
	for _, s := range res.Batch.Skipped {
		fmt.Fprintf(w, "  skipped: %s\n", s.Reason)
	}
	if res.Summary != "" {
		fmt.Fprintf(w, "Summary: %s\n", res.Summary)
	}
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(parts, ", ")
}
