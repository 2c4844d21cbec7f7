package llm

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSON returns the first balanced JSON object in a model response,
// tolerating code fences and surrounding prose. Braces inside strings are
// ignored.
func ExtractJSON(s string) (string, error) {
	s = stripFence(s)
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", ErrNoJSON
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "```")
	if open == -1 {
		return s
	}
	body := s[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
