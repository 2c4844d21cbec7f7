package session

import (
	"errors"
	"strings"
	"unicode/utf8"

	"causeway/internal/store"
)

// Window bounds the transcript text sent to the learning model.
type Window struct {
	MaxTurns     int
	MaxChars     int
	MessageLimit int
}

// DefaultWindow matches the configuration defaults.
func DefaultWindow() Window {
	return Window{MaxTurns: 30, MaxChars: 8000, MessageLimit: 500}
}

// Format renders the most recent turns as "ROLE: text" paragraphs. Oldest
// turns are dropped first until the text fits; the final turn is always
// kept, cut to MaxChars if it alone is too long.
func (w Window) Format(turns []store.Turn) (string, error) {
	def := DefaultWindow()
	if w.MaxTurns <= 0 {
		w.MaxTurns = def.MaxTurns
	}
	if w.MaxChars <= 0 {
		w.MaxChars = def.MaxChars
	}
	if w.MessageLimit <= 0 {
		w.MessageLimit = def.MessageLimit
	}
	if len(turns) == 0 {
		return "", &TranscriptError{Err: errors.New("no conversation turns")}
	}
	if len(turns) > w.MaxTurns {
		turns = turns[len(turns)-w.MaxTurns:]
	}

	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = strings.ToUpper(t.Role) + ": " + cut(t.Content, w.MessageLimit)
	}

	const sep = "\n\n"
	total := 0
	for _, l := range lines {
		total += utf8.RuneCountInString(l)
	}
	total += len(sep) * (len(lines) - 1)

	start := 0
	for total > w.MaxChars && start < len(lines)-1 {
		total -= utf8.RuneCountInString(lines[start]) + len(sep)
		start++
	}
	lines = lines[start:]
	if len(lines) == 1 {
		lines[0] = cut(lines[0], w.MaxChars)
	}
	return strings.Join(lines, sep), nil
}

func cut(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
