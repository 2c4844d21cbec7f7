package evaluator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"causeway/internal/rules"
)

// DefaultSystemPrompt frames the model as a strict violation checker.
const DefaultSystemPrompt = `You check a single tool call made by an AI coding assistant against a single project rule.

Report a violation only when the call actually does what the rule's problem describes.
A call that already follows the rule's solution, or that is unrelated to the rule, is not a violation.
Do not suggest improvements or judge style beyond what the rule states.

Answer with one JSON object and nothing else:
{"violates": true or false, "rationale": "one short sentence"}`

// BuildPrompt renders the user prompt for rule and the candidate call. The
// input is cut to inputLimit characters.
func BuildPrompt(rule rules.Rule, toolName, input string, inputLimit int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rule #%d: %s\n", rule.ID, rule.Description)
	if sem := rule.Semantic(); sem != nil {
		if sem.Problem != "" {
			fmt.Fprintf(&sb, "Problem: %s\n", sem.Problem)
		}
		if sem.Solution != "" {
			fmt.Fprintf(&sb, "Solution: %s\n", sem.Solution)
		}
	}
	sb.WriteString("\nTool call\n")
	fmt.Fprintf(&sb, "Tool: %s\n", toolName)
	sb.WriteString("Input:\n")
	sb.WriteString(Truncate(input, inputLimit))
	sb.WriteString("\n\nDoes this tool call violate the rule?")
	return sb.String()
}

// Truncate cuts s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "...[truncated]"
}
