package enforcer

import (
	"bytes"
	"encoding/json"

	"causeway/internal/evaluator"
)

// maxQueryRunes bounds the text embedded for semantic retrieval.
const maxQueryRunes = 4000

// SerializeInput renders a tool input the way patterns are written against
// it: a Bash call is its raw command, anything else is the host's JSON
// re-indented with 2 spaces. Key order and number literals are kept as sent.
func SerializeInput(toolName string, raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(raw)
	}
	if toolName == "Bash" {
		if m, ok := v.(map[string]any); ok {
			if cmd, ok := m["command"].(string); ok {
				return cmd
			}
		}
	}
	if s, ok := v.(string); ok {
		return s
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// QueryText is the canonical text embedded to find semantic rules for a call.
func QueryText(toolName, input string) string {
	return toolName + ": " + evaluator.Truncate(input, maxQueryRunes)
}
