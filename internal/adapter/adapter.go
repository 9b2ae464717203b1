// Package adapter exposes the host application's remote JavaScript runtime
// as an RPC-like capability. Every higher-level operation becomes an
// expression evaluated against the host's debugging endpoint over CDP.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates an evaluate call exceeded its deadline.
	ErrTimeout = errors.New("adapter: evaluate timed out")
	// ErrClosed indicates the connection dropped with the request in flight.
	ErrClosed = errors.New("adapter: connection closed")
	// ErrNotAvailable indicates no debuggable host target could be found,
	// typically because the host app is not running in debug mode.
	ErrNotAvailable = errors.New("adapter: host debug endpoint not available")
)

// ExecutionFault is returned when the remote runtime throws while
// evaluating an expression.
type ExecutionFault struct {
	Description string
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("adapter: runtime exception: %s", e.Description)
}

// PermissionDecision is a reply to a pending tool-permission request.
type PermissionDecision string

const (
	DecisionOnce   PermissionDecision = "once"
	DecisionAlways PermissionDecision = "always"
	DecisionDeny   PermissionDecision = "deny"
)

// Runtime is the capability surface the engine depends on. The production
// implementation is Client; tests substitute fakes.
type Runtime interface {
	// Evaluate runs a JavaScript expression in the host runtime and returns
	// the JSON-encoded result value.
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)

	ListSessions(ctx context.Context, opts ListOptions) ([]Session, error)
	GetTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)
	SendMessage(ctx context.Context, sessionID, text string, attachments []Attachment) error
	StartSessionWithMessage(ctx context.Context, cwd, text string, opts StartOptions) (string, error)

	ArchiveSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	SwitchSession(ctx context.Context, sessionID string) error
	GetCurrentSessionID(ctx context.Context) (string, error)

	GetPendingPermissions(ctx context.Context) ([]PermissionRequest, error)
	RespondToPermission(ctx context.Context, requestID string, decision PermissionDecision, updatedInput map[string]any) error
	GetPendingQuestions(ctx context.Context) ([]Question, error)
	RespondToQuestion(ctx context.Context, questionID string, answers []string) error

	Close() error
}

// ListOptions controls session listing behavior.
type ListOptions struct {
	// ForceRefresh bypasses the short TTL cache.
	ForceRefresh bool
	// IncludeHidden includes worker sessions carrying the orchestration
	// marker in their id or title.
	IncludeHidden bool
}

// StartOptions controls session creation.
type StartOptions struct {
	// Name becomes the session title. Worker sessions encode the
	// orchestration marker here so the UI can filter them out.
	Name string
}
