// Package rulesets provides named bundles of rules installable as one batch.
// Bundles are JSONC files: JSON with comments and trailing commas. The
// built-in bundles are embedded; users can install their own from disk.
package rulesets

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"causeway/internal/rules"
)

//go:embed builtin/*.jsonc
var builtinFiles embed.FS

// Ruleset is a named bundle of rules.
type Ruleset struct {
	Name        string
	Description string
	Rules       []rules.Rule
}

// ruleSpec is one rule as written in a bundle file.
type ruleSpec struct {
	Kind        string `json:"kind"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Problem     string `json:"problem"`
	Solution    string `json:"solution"`
	Tool        string `json:"tool"`
	Action      string `json:"action"`
}

type fileSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Rules       []ruleSpec `json:"rules"`
}

// Parse reads a JSONC bundle. name is used when the file does not set one.
// Every rule is validated; the first invalid rule fails the whole bundle.
func Parse(name string, data []byte) (Ruleset, error) {
	var spec fileSpec
	if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
		return Ruleset{}, fmt.Errorf("parsing ruleset: %w", err)
	}
	if spec.Name != "" {
		name = spec.Name
	}
	if name == "" {
		return Ruleset{}, &rules.ValidationError{Field: "name", Reason: "ruleset needs a name"}
	}
	if len(spec.Rules) == 0 {
		return Ruleset{}, &rules.ValidationError{Field: "rules", Reason: fmt.Sprintf("ruleset %q has no rules", name)}
	}

	rs := Ruleset{Name: name, Description: spec.Description}
	for i, s := range spec.Rules {
		r, err := s.rule()
		if err != nil {
			return Ruleset{}, fmt.Errorf("ruleset %q rule %d: %w", name, i+1, err)
		}
		rs.Rules = append(rs.Rules, r)
	}
	return rs, nil
}

func (s ruleSpec) rule() (rules.Rule, error) {
	kind := rules.KindRegex
	if s.Kind != "" {
		k, err := rules.ParseKind(s.Kind)
		if err != nil {
			return rules.Rule{}, err
		}
		kind = k
	}
	opts := rules.Options{Tool: s.Tool, Description: s.Description}
	if s.Action != "" {
		a, err := rules.ParseAction(s.Action)
		if err != nil {
			return rules.Rule{}, err
		}
		opts.Action = a
	}
	if kind == rules.KindSemantic {
		return rules.NewSemantic(s.Description, s.Problem, s.Solution, opts)
	}
	return rules.NewRegex(s.Pattern, opts)
}

// ReadFile loads a bundle from disk, named after the file when it does not
// name itself.
func ReadFile(path string) (Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, fmt.Errorf("reading %s: %w", path, err)
	}
	rs, err := Parse(NameFromPath(path), data)
	if err != nil {
		return Ruleset{}, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// NameFromPath strips the directory and extension from path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Builtin returns every embedded bundle sorted by name. An error here means
// an embedded file is broken.
func Builtin() ([]Ruleset, error) {
	entries, err := builtinFiles.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("reading embedded rulesets: %w", err)
	}
	var out []Ruleset
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonc" {
			continue
		}
		data, err := builtinFiles.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, err
		}
		rs, err := Parse(NameFromPath(e.Name()), data)
		if err != nil {
			return nil, fmt.Errorf("embedded %s: %w", e.Name(), err)
		}
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup returns the built-in bundle called name.
func Lookup(name string) (Ruleset, error) {
	all, err := Builtin()
	if err != nil {
		return Ruleset{}, err
	}
	names := make([]string, 0, len(all))
	for _, rs := range all {
		if rs.Name == name {
			return rs, nil
		}
		names = append(names, rs.Name)
	}
	return Ruleset{}, fmt.Errorf("unknown ruleset %q (available: %s)", name, strings.Join(names, ", "))
}
