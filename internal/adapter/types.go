package adapter

import (
	"encoding/json"
	"strings"
)

// HiddenSessionMarker tags worker session names so UIs can hide them.
const HiddenSessionMarker = "__orch_"

// Session is a host session as reported by getAllSessions.
type Session struct {
	SessionID      string `json:"sessionId"`
	Title          string `json:"title"`
	Cwd            string `json:"cwd"`
	LastActivityAt string `json:"lastActivityAt"`
	MessageCount   int    `json:"messageCount"`
	Model          string `json:"model"`
	IsRunning      bool   `json:"isRunning"`
	IsGenerating   bool   `json:"isGenerating"`
	IsStreaming    bool   `json:"isStreaming"`
	IsBusy         bool   `json:"isBusy"`
}

// Busy reports whether the session is actively producing output. The host
// has used several field names for this across versions.
func (s Session) Busy() bool {
	return s.IsGenerating || s.IsStreaming || s.IsBusy
}

// Hidden reports whether the session carries the orchestration marker.
func (s Session) Hidden() bool {
	return strings.Contains(s.SessionID, HiddenSessionMarker) ||
		strings.Contains(s.Title, HiddenSessionMarker)
}

// TranscriptEntry is one message in a session transcript. Content is either
// a plain string or a list of structured blocks; it is kept raw and decoded
// on demand.
type TranscriptEntry struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	UUID      string          `json:"uuid,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   *EntryMessage   `json:"message,omitempty"`
}

// EntryMessage carries per-message metadata such as token usage.
type EntryMessage struct {
	Usage map[string]any `json:"usage,omitempty"`
}

// ContentBlock is one element of a structured-content transcript entry.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Text returns the textual content of the entry. For structured content the
// text blocks are concatenated in order.
func (e TranscriptEntry) Text() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	var sb strings.Builder
	for _, b := range e.Blocks() {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Blocks decodes structured content blocks. Returns nil for plain-string
// content.
func (e TranscriptEntry) Blocks() []ContentBlock {
	if len(e.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(e.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ToolUses returns the names of tool_use blocks in the entry, in order.
func (e TranscriptEntry) ToolUses() []string {
	var names []string
	for _, b := range e.Blocks() {
		if b.Type == "tool_use" {
			names = append(names, b.Name)
		}
	}
	return names
}

// PermissionRequest is a pending tool-permission prompt in the host.
type PermissionRequest struct {
	RequestID string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// Question is a pending interactive question in the host.
type Question struct {
	QuestionID string         `json:"questionId"`
	SessionID  string         `json:"sessionId"`
	Questions  []QuestionItem `json:"questions"`
}

// QuestionItem is a single question with its selectable options.
type QuestionItem struct {
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Attachment is an optional file attachment on an outbound message.
type Attachment struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}
