package rules

import (
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

const compiledCacheSize = 512

var (
	patternCache, _ = lru.New[string, *regexp.Regexp](compiledCacheSize)
	toolCache, _    = lru.New[string, glob.Glob](compiledCacheSize)
)

// Compile returns the compiled form of pattern, reusing earlier compilations.
// Patterns are unanchored searches; authors anchor with ^ and $ explicitly.
func Compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &ValidationError{Field: "pattern", Reason: "does not compile", Err: err}
	}
	patternCache.Add(pattern, re)
	return re, nil
}

// MatchInput reports whether a regex rule's pattern matches the serialized
// tool input. Semantic rules never match here.
func (r Rule) MatchInput(input string) bool {
	rx := r.Regex()
	if rx == nil {
		return false
	}
	re, err := Compile(rx.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(input)
}

// ValidateTool checks that a tool filter compiles as a glob.
func ValidateTool(tool string) error {
	tool = strings.TrimSpace(tool)
	if tool == "" || !hasGlobMeta(tool) {
		return nil
	}
	if _, err := compileTool(tool); err != nil {
		return &ValidationError{Field: "tool", Reason: "invalid tool filter", Err: err}
	}
	return nil
}

// AppliesTo reports whether the rule's tool filter accepts toolName. An empty
// filter accepts every tool. Filters are exact names or globs such as
// "mcp__*" and "{Edit,Write}".
func (r Rule) AppliesTo(toolName string) bool {
	if r.Tool == "" {
		return true
	}
	if !hasGlobMeta(r.Tool) {
		return r.Tool == toolName
	}
	g, err := compileTool(r.Tool)
	if err != nil {
		return false
	}
	return g.Match(toolName)
}

func compileTool(filter string) (glob.Glob, error) {
	if g, ok := toolCache.Get(filter); ok {
		return g, nil
	}
	g, err := glob.Compile(filter)
	if err != nil {
		return nil, err
	}
	toolCache.Add(filter, g)
	return g, nil
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
