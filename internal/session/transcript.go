// Package session reads the host's JSONL conversation transcripts, records
// them as sessions, and renders the bounded window the learning pass reads.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"causeway/internal/logging"
	"causeway/internal/store"
)

// ErrTranscript matches any *TranscriptError via errors.Is.
var ErrTranscript = errors.New("transcript unusable")

// TranscriptError reports a transcript that cannot be read or holds nothing
// to learn from. Learning produces no changes and may be retried later.
type TranscriptError struct {
	Path string
	Err  error
}

func (e *TranscriptError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transcript: %v", e.Err)
	}
	return fmt.Sprintf("transcript %s: %v", e.Path, e.Err)
}

func (e *TranscriptError) Unwrap() error { return e.Err }

func (e *TranscriptError) Is(target error) bool { return target == ErrTranscript }

// maxLineBytes bounds one JSONL entry; tool outputs can be large.
const maxLineBytes = 16 << 20

// Transcript is a parsed conversation.
type Transcript struct {
	SessionID string
	Cwd       string
	StartedAt time.Time
	Turns     []store.Turn
	// Skipped counts lines that were not valid JSON entries.
	Skipped int
}

type entry struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// LoadTranscript parses the JSONL transcript at path.
func LoadTranscript(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &TranscriptError{Path: path, Err: err}
	}
	defer f.Close()
	tr, err := ParseTranscript(f)
	if err != nil {
		var te *TranscriptError
		if errors.As(err, &te) {
			te.Path = path
		}
		return nil, err
	}
	return tr, nil
}

// ParseTranscript reads user and assistant entries in order. Malformed lines
// are skipped; a stream with no usable entry is a TranscriptError.
func ParseTranscript(r io.Reader) (*Transcript, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	tr := &Transcript{}
	lines := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines++
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			tr.Skipped++
			continue
		}
		if tr.SessionID == "" && e.SessionID != "" {
			tr.SessionID = e.SessionID
		}
		if tr.Cwd == "" && e.Cwd != "" {
			tr.Cwd = e.Cwd
		}
		if e.Type != "user" && e.Type != "assistant" {
			continue
		}
		turn, ok := parseTurn(e)
		if !ok {
			continue
		}
		if tr.StartedAt.IsZero() {
			tr.StartedAt = turn.Timestamp
		}
		tr.Turns = append(tr.Turns, turn)
	}
	if err := sc.Err(); err != nil {
		return nil, &TranscriptError{Err: err}
	}
	if lines > 0 && tr.Skipped == lines {
		return nil, &TranscriptError{Err: fmt.Errorf("no parsable entries in %d lines", lines)}
	}
	if tr.Skipped > 0 {
		logging.SessionWarn("transcript: skipped %d malformed lines", tr.Skipped)
	}
	return tr, nil
}

func parseTurn(e entry) (store.Turn, bool) {
	var m message
	if len(e.Message) > 0 {
		if err := json.Unmarshal(e.Message, &m); err != nil {
			return store.Turn{}, false
		}
	}
	role := m.Role
	if role == "" {
		role = e.Type
	}
	text, tool := renderContent(m.Content)
	if strings.TrimSpace(text) == "" {
		return store.Turn{}, false
	}
	ts, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
	return store.Turn{
		ExternalID: e.UUID,
		Role:       role,
		Content:    text,
		ToolName:   tool,
		Timestamp:  ts,
	}, true
}

// renderContent flattens message content: text blocks are kept, tool calls
// become "[Tool: name]" and tool results are dropped.
func renderContent(raw json.RawMessage) (text, firstTool string) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			if firstTool == "" {
				firstTool = b.Name
			}
			parts = append(parts, "[Tool: "+b.Name+"]")
		}
	}
	return strings.Join(parts, " "), firstTool
}

var errNoSessionID = errors.New("no session id")
