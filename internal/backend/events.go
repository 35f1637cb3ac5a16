package backend

import (
	"encoding/json"
	"strings"
)

// Event is one raw progress event emitted by a backend process.
// The set of implementations is closed: ClaudeMessage, CodexEvent and Malformed.
type Event interface {
	// Source reports the family that produced the event.
	Source() Family
	// Outcome returns the work report carried by a terminal event.
	Outcome() (WorkReport, bool)

	sealed()
}

// ClaudeMessage is one line of `claude --output-format stream-json` output.
type ClaudeMessage struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Message    *ClaudeContent `json:"message,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	NumTurns   int            `json:"num_turns,omitempty"`
}

// ClaudeContent is the message body of assistant and user lines.
type ClaudeContent struct {
	Role    string        `json:"role"`
	Content []ClaudeBlock `json:"content"`
}

// ClaudeBlock is a single content block (text, tool_use or tool_result).
type ClaudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload, which is either a string
// or a list of text blocks.
func (b ClaudeBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &parts); err != nil {
		return string(b.Content)
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (m ClaudeMessage) Source() Family { return FamilyClaude }

func (m ClaudeMessage) Outcome() (WorkReport, bool) {
	if m.Type != "result" {
		return WorkReport{}, false
	}
	if m.IsError || (m.Subtype != "" && m.Subtype != "success") {
		msg := m.Result
		if msg == "" {
			msg = "claude finished with " + m.Subtype
		}
		kind := m.Subtype
		if kind == "" || kind == "success" {
			kind = "error"
		}
		return WorkReport{
			Status: ReportFailed,
			Error:  &ReportError{Message: msg, Kind: kind},
		}, true
	}
	return WorkReport{Status: ReportDone, Summary: m.Result}, true
}

func (ClaudeMessage) sealed() {}

// CodexEvent is one line of `codex exec --json` output.
type CodexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Item     *CodexItem  `json:"item,omitempty"`
	Usage    *CodexUsage `json:"usage,omitempty"`
	Error    *CodexError `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`

	// Summary is the last agent message of the turn, filled in by the adapter
	// on turn.completed.
	Summary string `json:"-"`
}

// CodexItem is a thread item (agent message, reasoning, command, file change, tool call).
type CodexItem struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Text             string        `json:"text,omitempty"`
	Command          string        `json:"command,omitempty"`
	AggregatedOutput string        `json:"aggregated_output,omitempty"`
	ExitCode         *int          `json:"exit_code,omitempty"`
	Status           string        `json:"status,omitempty"`
	Changes          []CodexChange `json:"changes,omitempty"`
	Server           string        `json:"server,omitempty"`
	Tool             string        `json:"tool,omitempty"`
}

// CodexChange is one file touched by a file_change item.
type CodexChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// CodexUsage is the token accounting attached to turn.completed.
type CodexUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CodexError is the error payload of turn.failed.
type CodexError struct {
	Message string `json:"message"`
}

func (e CodexEvent) Source() Family { return FamilyCodex }

func (e CodexEvent) Outcome() (WorkReport, bool) {
	switch e.Type {
	case "turn.completed":
		return WorkReport{Status: ReportDone, Summary: e.Summary}, true
	case "turn.failed":
		msg := "codex turn failed"
		if e.Error != nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return WorkReport{
			Status: ReportFailed,
			Error:  &ReportError{Message: msg, Kind: "turn_failed"},
		}, true
	}
	return WorkReport{}, false
}

func (CodexEvent) sealed() {}

// Malformed wraps an output line that could not be decoded.
type Malformed struct {
	Family Family
	Line   string
	Err    error
}

func (m Malformed) Source() Family { return m.Family }

func (Malformed) Outcome() (WorkReport, bool) { return WorkReport{}, false }

func (Malformed) sealed() {}
