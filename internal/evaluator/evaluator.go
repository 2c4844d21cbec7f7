// Package evaluator decides with an LLM whether one tool call violates one
// semantic rule.
package evaluator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"causeway/internal/llm"
	"causeway/internal/logging"
	"causeway/internal/metrics"
	"causeway/internal/rules"
)

// Verdict is the evaluator's answer for one (rule, call) pair.
type Verdict struct {
	Matches   bool
	Rationale string
	// Prompt and Response are the raw LLM exchange, kept for the trace.
	Prompt   string
	Response string
	Cached   bool
}

// Evaluator is the narrow interface the enforcer depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, rule rules.Rule, toolName, input string) (Verdict, error)
}

// ErrEvaluator matches any *Error via errors.Is.
var ErrEvaluator = errors.New("semantic evaluation failed")

// Error reports an evaluation that could not produce a verdict. The
// accompanying Verdict always has Matches=false.
type Error struct {
	RuleID int64
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("evaluate rule #%d: %v", e.RuleID, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrEvaluator }

// PromptSource supplies a runtime override of the system prompt. The store
// satisfies it through its settings table.
type PromptSource interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// PromptSettingKey is the settings key consulted for a system prompt override.
const PromptSettingKey = "evaluator_prompt"

// Options tune an LLMEvaluator.
type Options struct {
	Timeout    time.Duration
	CacheTTL   time.Duration
	CacheSize  int
	InputLimit int
	Prompts    PromptSource
	Metrics    *metrics.Metrics
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:    5 * time.Second,
		CacheTTL:   60 * time.Second,
		CacheSize:  1024,
		InputLimit: 800,
	}
}

// LLMEvaluator implements Evaluator with an llm.Client, a bounded TTL cache
// and in-flight deduplication of identical requests.
type LLMEvaluator struct {
	client llm.Client
	opts   Options
	cache  *ristretto.Cache
	group  singleflight.Group
}

// New creates an evaluator. A CacheTTL or CacheSize of zero disables caching.
func New(client llm.Client, opts Options) (*LLMEvaluator, error) {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.InputLimit <= 0 {
		opts.InputLimit = def.InputLimit
	}
	e := &LLMEvaluator{client: client, opts: opts}
	if opts.CacheTTL > 0 && opts.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(opts.CacheSize) * 10,
			MaxCost:     int64(opts.CacheSize),
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluator cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Close releases the cache.
func (e *LLMEvaluator) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

type cachedVerdict struct {
	matches   bool
	rationale string
}

// Evaluate asks the model whether the call violates rule. It never returns
// Matches=true alongside an error: timeouts, provider failures and malformed
// output all yield Matches=false and an *Error.
func (e *LLMEvaluator) Evaluate(ctx context.Context, rule rules.Rule, toolName, input string) (Verdict, error) {
	if rule.Kind() != rules.KindSemantic {
		return Verdict{}, &Error{RuleID: rule.ID, Err: errors.New("not a semantic rule")}
	}
	key := cacheKey(rule, toolName, input)
	if v, ok := e.lookup(key); ok {
		logging.EvaluatorDebug("cache hit for rule #%d", rule.ID)
		return v, nil
	}

	// The shared call runs under the evaluator's timeout, not the first
	// caller's deadline. Each caller stops waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key, func() (any, error) {
		v, err := e.evaluate(shared, rule, toolName, input)
		if err == nil {
			e.store(key, v)
		}
		return v, err
	})
	select {
	case res := <-ch:
		v, _ := res.Val.(Verdict)
		return v, res.Err
	case <-ctx.Done():
		return Verdict{Prompt: BuildPrompt(rule, toolName, input, e.opts.InputLimit)}, &Error{RuleID: rule.ID, Err: ctx.Err()}
	}
}

func (e *LLMEvaluator) evaluate(ctx context.Context, rule rules.Rule, toolName, input string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	system := e.systemPrompt(ctx)
	prompt := BuildPrompt(rule, toolName, input, e.opts.InputLimit)
	v := Verdict{Prompt: prompt}

	start := time.Now()
	resp, err := e.client.CompleteWithSystem(ctx, system, prompt)
	elapsed := time.Since(start)
	if err != nil {
		e.opts.Metrics.ObserveEvaluation("error", elapsed)
		logging.EvaluatorWarn("rule #%d: llm call failed after %v: %v", rule.ID, elapsed, err)
		return v, &Error{RuleID: rule.ID, Err: err}
	}
	v.Response = resp

	matches, rationale, err := ParseVerdict(resp)
	if err != nil {
		e.opts.Metrics.ObserveEvaluation("error", elapsed)
		logging.EvaluatorWarn("rule #%d: unparsable verdict: %v", rule.ID, err)
		return v, &Error{RuleID: rule.ID, Err: err}
	}
	v.Matches, v.Rationale = matches, rationale

	result := "no_match"
	if matches {
		result = "match"
	}
	e.opts.Metrics.ObserveEvaluation(result, elapsed)
	logging.Evaluator("rule #%d on %s: matches=%v in %v", rule.ID, toolName, matches, elapsed)
	return v, nil
}

func (e *LLMEvaluator) systemPrompt(ctx context.Context) string {
	if e.opts.Prompts == nil {
		return DefaultSystemPrompt
	}
	if p, ok, err := e.opts.Prompts.GetSetting(ctx, PromptSettingKey); err == nil && ok && strings.TrimSpace(p) != "" {
		return p
	}
	return DefaultSystemPrompt
}

func (e *LLMEvaluator) lookup(key string) (Verdict, bool) {
	if e.cache == nil {
		return Verdict{}, false
	}
	raw, ok := e.cache.Get(key)
	e.opts.Metrics.CacheLookup(ok)
	if !ok {
		return Verdict{}, false
	}
	c, ok := raw.(cachedVerdict)
	if !ok {
		return Verdict{}, false
	}
	return Verdict{Matches: c.matches, Rationale: c.rationale, Cached: true}, true
}

func (e *LLMEvaluator) store(key string, v Verdict) {
	if e.cache == nil {
		return
	}
	e.cache.SetWithTTL(key, cachedVerdict{matches: v.Matches, rationale: v.Rationale}, 1, e.opts.CacheTTL)
	e.cache.Wait()
}

// cacheKey covers the rule version so an edited rule is never answered from
// a verdict about its old text.
func cacheKey(rule rules.Rule, toolName, input string) string {
	key := strconv.FormatInt(rule.ID, 10) + "|" + strconv.FormatInt(rule.Version, 10) + "|" + toolName + "|" + input
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type verdictJSON struct {
	Violates  *bool  `json:"violates"`
	Matches   *bool  `json:"matches"`
	Rationale string `json:"rationale"`
	Reason    string `json:"reason"`
}

// ParseVerdict extracts {"violates": bool, "rationale": string} from a model
// response. "matches" and "reason" are accepted as synonyms.
func ParseVerdict(resp string) (bool, string, error) {
	raw, err := llm.ExtractJSON(resp)
	if err != nil {
		return false, "", err
	}
	var v verdictJSON
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, "", fmt.Errorf("decode verdict: %w", err)
	}
	var matches *bool
	switch {
	case v.Violates != nil:
		matches = v.Violates
	case v.Matches != nil:
		matches = v.Matches
	default:
		return false, "", errors.New(`verdict has no "violates" field`)
	}
	rationale := v.Rationale
	if rationale == "" {
		rationale = v.Reason
	}
	return *matches, strings.TrimSpace(rationale), nil
}
