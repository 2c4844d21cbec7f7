package learning

import (
	"fmt"
	"strings"

	"causeway/internal/rules"
)

// DefaultSystemPrompt is used unless the learning_prompt setting overrides it.
const DefaultSystemPrompt = `You are a learning agent. Extract rules ONLY from concrete evidence in a coding-assistant conversation.

Do NOT invent rules. Only propose a change when you see:
1. An actual mistake that was corrected (quote the problem and the fix), or
2. The user explicitly asking for a rule ("always use X", "never do Y").
If neither is present, return an empty list.

Rule kinds:
- regex: fast pattern match on the tool input (for Bash, the raw command). Use for dangerous or forbidden commands.
- semantic: judged by a model. Use for preferences and conventions. Requires problem and solution quoted from the conversation.

Operations:
- create: new rule, with concrete evidence
- update: refine an existing rule (use its id) based on new evidence
- toggle: enable or disable an existing rule the user asked about
- delete: only when the user explicitly asks to remove a rule

Every change needs a reason citing the evidence.

Respond with a single JSON object and nothing else:
{"changes":[{"op":"create|update|toggle|delete","rule_id":0,"kind":"regex|semantic","pattern":"","description":"","problem":"","solution":"","tool":"","action":"block|warn|log","active":true,"reason":""}],"summary":""}`

// maxExistingChars bounds the existing-rules listing in the prompt.
const maxExistingChars = 3000

// BuildPrompt renders the user prompt: the compact listing of existing rules
// followed by the transcript window.
func BuildPrompt(existing []rules.Rule, transcript string) string {
	var sb strings.Builder
	sb.WriteString("EXISTING RULES:\n")
	sb.WriteString(listRules(existing, maxExistingChars))
	sb.WriteString("\n\nCONVERSATION:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\nPropose rule changes as JSON.")
	return sb.String()
}

func listRules(rs []rules.Rule, limit int) string {
	if len(rs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, r := range rs {
		line := ruleLine(r)
		if sb.Len()+len(line)+1 > limit {
			fmt.Fprintf(&sb, "... %d more not shown\n", len(rs)-i)
			break
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func ruleLine(r rules.Rule) string {
	tool := r.Tool
	if tool == "" {
		tool = "*"
	}
	switch b := r.Body.(type) {
	case *rules.Regex:
		return fmt.Sprintf("#%d regex %s tool=%s pattern=%q %s", r.ID, r.Action, tool, b.Pattern, r.Description)
	case *rules.Semantic:
		return fmt.Sprintf("#%d semantic %s tool=%s %s", r.ID, r.Action, tool, r.Description)
	}
	return fmt.Sprintf("#%d %s", r.ID, r.Description)
}
