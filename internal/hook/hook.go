// Package hook is the boundary with the host assistant: it decodes hook
// payloads from stdin and encodes decisions in the host's output format.
// Nothing but the protocol is ever written to stdout.
package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"causeway/internal/enforcer"
	"causeway/internal/logging"
	"causeway/internal/session"
	"causeway/internal/store"
)

// Exit codes understood by the host.
const (
	ExitOK       = 0
	ExitBlocking = 2
)

// PreToolUse is the payload sent before each tool call.
type PreToolUse struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path"`
	Cwd            string          `json:"cwd"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
}

// Call converts the payload for the enforcer.
func (p PreToolUse) Call() enforcer.Call {
	return enforcer.Call{ToolName: p.ToolName, Input: p.ToolInput, SessionID: p.SessionID}
}

// Stop is the payload sent when a session ends.
type Stop struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`
}

// ErrPayload reports an unusable hook payload.
var ErrPayload = errors.New("invalid hook payload")

// DecodePreToolUse reads a PreToolUse payload.
func DecodePreToolUse(r io.Reader) (PreToolUse, error) {
	var p PreToolUse
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return PreToolUse{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if p.ToolName == "" {
		return PreToolUse{}, fmt.Errorf("%w: missing tool_name", ErrPayload)
	}
	return p, nil
}

// DecodeStop reads a Stop payload.
func DecodeStop(r io.Reader) (Stop, error) {
	var p Stop
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return Stop{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if p.SessionID == "" && p.TranscriptPath == "" {
		return Stop{}, fmt.Errorf("%w: missing session_id and transcript_path", ErrPayload)
	}
	return p, nil
}

// Output is the host's structured hook response.
type Output struct {
	HookSpecificOutput SpecificOutput `json:"hookSpecificOutput"`
}

// SpecificOutput carries the permission decision.
type SpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

// Response maps a verdict to host output. Allow produces nil: the hook then
// writes nothing.
func Response(v enforcer.Verdict) *Output {
	var decision string
	switch v.Decision {
	case store.DecisionBlock:
		decision = "deny"
	case store.DecisionWarn:
		decision = "ask"
	default:
		return nil
	}
	return &Output{HookSpecificOutput: SpecificOutput{
		HookEventName:            "PreToolUse",
		PermissionDecision:       decision,
		PermissionDecisionReason: Box(v),
	}}
}

// WriteResponse encodes the verdict's response to w, writing nothing on allow.
func WriteResponse(w io.Writer, v enforcer.Verdict) error {
	out := Response(v)
	if out == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(out)
}

// Enforcer decides one call.
type Enforcer interface {
	Enforce(ctx context.Context, call enforcer.Call) (enforcer.Verdict, error)
}

// HandlePreToolUse runs the pre-tool-use hook end to end and returns the
// process exit code. Internal failures allow the call unless failClosed is
// set, in which case the host is told to block.
func HandlePreToolUse(ctx context.Context, enf Enforcer, in io.Reader, stdout, stderr io.Writer, failClosed bool) int {
	p, err := DecodePreToolUse(in)
	if err != nil {
		return Fail(stderr, err, failClosed)
	}
	v, err := enf.Enforce(ctx, p.Call())
	if err != nil {
		return Fail(stderr, err, failClosed)
	}
	logging.Hook("%s %s -> %s (rule #%d, %s)", p.SessionID, p.ToolName, v.Decision, v.RuleID(), v.Latency)
	if err := WriteResponse(stdout, v); err != nil {
		return Fail(stderr, err, failClosed)
	}
	return ExitOK
}

// Fail reports an internal error on stderr and returns the exit code the
// configured policy calls for.
func Fail(stderr io.Writer, err error, failClosed bool) int {
	logging.HookError("hook failed: %v", err)
	fmt.Fprintf(stderr, "causeway: %v\n", err)
	if failClosed {
		return ExitBlocking
	}
	return ExitOK
}

// HandleStop records the finished session from its transcript and returns
// the session id to learn from. An unreadable transcript still records the
// session so a later pass can retry from the file.
func HandleStop(ctx context.Context, st session.Store, p Stop) (string, error) {
	tr := &session.Transcript{}
	if p.TranscriptPath != "" {
		loaded, err := session.LoadTranscript(p.TranscriptPath)
		if err != nil {
			logging.HookError("stop: %v", err)
		} else {
			tr = loaded
		}
	}
	return session.Record(ctx, st, tr, p.SessionID, p.Cwd, p.TranscriptPath)
}
