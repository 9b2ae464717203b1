package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/maestro/internal/cachemanager"
	"github.com/zjrosen/maestro/internal/log"
)

const (
	// DefaultEndpoint is the host's remote-debugging address.
	DefaultEndpoint = "localhost:9222"
	// DefaultTargetFilter selects the debug target belonging to the
	// assistant app among all listed targets.
	DefaultTargetFilter = "claude"
	// DefaultCapabilityPath is the host's session capability namespace.
	DefaultCapabilityPath = "window.appBridge.sessions"

	sessionCacheTTL = 2 * time.Second
	sessionCacheKey = "sessions"
)

// Config configures the CDP client.
type Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	TargetFilter   string `mapstructure:"target_filter"`
	CapabilityPath string `mapstructure:"capability_path"`
}

// DefaultClientConfig returns the standard local setup.
func DefaultClientConfig() Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		TargetFilter:   DefaultTargetFilter,
		CapabilityPath: DefaultCapabilityPath,
	}
}

// Client drives the host app over its remote-debugging endpoint. Safe for
// concurrent callers; requests are serialized onto a single socket with
// per-request reply correlation.
//
// Reconnection is caller-driven: when the socket drops, in-flight calls fail
// with ErrClosed and the next call re-establishes the connection.
type Client struct {
	cfg Config

	mu   sync.Mutex // guards conn establishment
	conn *conn

	sessions *cachemanager.InMemoryCacheManager[[]Session]
	tracer   trace.Tracer
}

var _ Runtime = (*Client)(nil)

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.TargetFilter == "" {
		cfg.TargetFilter = DefaultTargetFilter
	}
	if cfg.CapabilityPath == "" {
		cfg.CapabilityPath = DefaultCapabilityPath
	}
	return &Client{
		cfg:      cfg,
		sessions: cachemanager.NewInMemoryCacheManager[[]Session]("adapter-sessions", sessionCacheTTL, cachemanager.DefaultCleanupInterval),
		tracer:   otel.Tracer("maestro/adapter"),
	}
}

// ensureConnected reuses the live socket or establishes a new one.
func (c *Client) ensureConnected(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.alive() {
		return c.conn, nil
	}

	wsURL, err := discoverTarget(ctx, c.cfg.Endpoint, c.cfg.TargetFilter)
	if err != nil {
		return nil, err
	}

	cn, err := dial(ctx, wsURL, c.handleEvent)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatAdapter, "connected to host runtime", "endpoint", c.cfg.Endpoint)
	c.conn = cn
	return cn, nil
}

func (c *Client) handleEvent(method string, params json.RawMessage) {
	// Context teardown in the host invalidates anything we cached.
	if method == "Runtime.executionContextsCleared" {
		c.sessions.Flush(context.Background())
	}
}

// evaluateReply is the Runtime.evaluate result shape.
type evaluateReply struct {
	Result struct {
		Type        string          `json:"type"`
		Subtype     string          `json:"subtype,omitempty"`
		Value       json.RawMessage `json:"value,omitempty"`
		Description string          `json:"description,omitempty"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description,omitempty"`
		} `json:"exception,omitempty"`
	} `json:"exceptionDetails,omitempty"`
}

// Evaluate runs an expression in the host runtime. Promises are awaited and
// the result is returned by value. Fails with ErrTimeout after 30s,
// ErrClosed if the socket drops mid-call, and *ExecutionFault when the
// runtime throws.
func (c *Client) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "adapter.evaluate",
		trace.WithAttributes(attribute.Int("expression.len", len(expression))))
	defer span.End()

	cn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()

	raw, err := cn.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"awaitPromise":  true,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}

	var reply evaluateReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode evaluate reply: %w", err)
	}
	if reply.ExceptionDetails != nil {
		desc := reply.ExceptionDetails.Text
		if reply.ExceptionDetails.Exception != nil && reply.ExceptionDetails.Exception.Description != "" {
			desc = reply.ExceptionDetails.Exception.Description
		}
		return nil, &ExecutionFault{Description: desc}
	}
	return reply.Result.Value, nil
}

// callCapability evaluates <capabilityPath>.<method>(args...) and decodes the
// result into out (skipped when out is nil).
func (c *Client) callCapability(ctx context.Context, out any, method string, args ...any) error {
	encoded := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode argument for %s: %w", method, err)
		}
		encoded = append(encoded, string(b))
	}

	expr := fmt.Sprintf("%s.%s(%s)", c.cfg.CapabilityPath, method, strings.Join(encoded, ", "))
	value, err := c.Evaluate(ctx, expr)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil || len(value) == 0 {
		return nil
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// ListSessions returns the host's sessions. Results are cached for 2s;
// ForceRefresh bypasses the cache. Unless IncludeHidden is set, worker
// sessions carrying the orchestration marker are filtered out.
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]Session, error) {
	var all []Session
	if !opts.ForceRefresh {
		if cached, ok := c.sessions.Get(ctx, sessionCacheKey); ok {
			all = cached
		}
	}
	if all == nil {
		if err := c.callCapability(ctx, &all, "getAllSessions"); err != nil {
			return nil, err
		}
		c.sessions.Set(ctx, sessionCacheKey, all, sessionCacheTTL)
	}

	if opts.IncludeHidden {
		return all, nil
	}
	visible := make([]Session, 0, len(all))
	for _, s := range all {
		if !s.Hidden() {
			visible = append(visible, s)
		}
	}
	return visible, nil
}

// GetTranscript returns the full chronological transcript of a session.
func (c *Client) GetTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	var entries []TranscriptEntry
	if err := c.callCapability(ctx, &entries, "getTranscript", sessionID); err != nil {
		return nil, err
	}
	return entries, nil
}

// SendMessage submits a user message into a session.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string, attachments []Attachment) error {
	defer c.sessions.Flush(ctx)
	if attachments == nil {
		attachments = []Attachment{}
	}
	return c.callCapability(ctx, nil, "sendMessage", sessionID, text, attachments)
}

// StartSessionWithMessage creates a session rooted at cwd and injects text
// as the first user message. Returns the new session id.
func (c *Client) StartSessionWithMessage(ctx context.Context, cwd, text string, opts StartOptions) (string, error) {
	defer c.sessions.Flush(ctx)

	var created struct {
		SessionID string `json:"sessionId"`
	}
	startArg := map[string]any{"cwd": cwd}
	if opts.Name != "" {
		startArg["title"] = opts.Name
	}
	if err := c.callCapability(ctx, &created, "start", startArg); err != nil {
		return "", err
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("adapter: start returned no session id")
	}
	if err := c.callCapability(ctx, nil, "sendMessage", created.SessionID, text, []Attachment{}); err != nil {
		return created.SessionID, fmt.Errorf("send initial message: %w", err)
	}
	log.Info(log.CatAdapter, "session started", "sessionId", created.SessionID, "cwd", cwd, "name", opts.Name)
	return created.SessionID, nil
}

// ArchiveSession archives a session in the host.
func (c *Client) ArchiveSession(ctx context.Context, sessionID string) error {
	defer c.sessions.Flush(ctx)
	return c.callCapability(ctx, nil, "archiveSession", sessionID)
}

// DeleteSession deletes a session in the host.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	defer c.sessions.Flush(ctx)
	return c.callCapability(ctx, nil, "deleteSession", sessionID)
}

// SwitchSession focuses a session in the host UI.
func (c *Client) SwitchSession(ctx context.Context, sessionID string) error {
	return c.callCapability(ctx, nil, "switchSession", sessionID)
}

// GetCurrentSessionID returns the host's currently focused session.
func (c *Client) GetCurrentSessionID(ctx context.Context) (string, error) {
	var id string
	if err := c.callCapability(ctx, &id, "getCurrentSessionId"); err != nil {
		return "", err
	}
	return id, nil
}

// GetPendingPermissions lists unanswered tool-permission prompts.
func (c *Client) GetPendingPermissions(ctx context.Context) ([]PermissionRequest, error) {
	var reqs []PermissionRequest
	if err := c.callCapability(ctx, &reqs, "getPendingPermissions"); err != nil {
		return nil, err
	}
	return reqs, nil
}

// RespondToPermission answers a pending permission request.
func (c *Client) RespondToPermission(ctx context.Context, requestID string, decision PermissionDecision, updatedInput map[string]any) error {
	switch decision {
	case DecisionOnce, DecisionAlways, DecisionDeny:
	default:
		return fmt.Errorf("adapter: invalid permission decision %q", decision)
	}
	if updatedInput != nil {
		return c.callCapability(ctx, nil, "respondToPermission", requestID, string(decision), updatedInput)
	}
	return c.callCapability(ctx, nil, "respondToPermission", requestID, string(decision))
}

// GetPendingQuestions lists unanswered interactive questions.
func (c *Client) GetPendingQuestions(ctx context.Context) ([]Question, error) {
	var qs []Question
	if err := c.callCapability(ctx, &qs, "getPendingQuestions"); err != nil {
		return nil, err
	}
	return qs, nil
}

// RespondToQuestion answers a pending question.
func (c *Client) RespondToQuestion(ctx context.Context, questionID string, answers []string) error {
	return c.callCapability(ctx, nil, "respondToQuestion", questionID, answers)
}

// Close tears down the connection. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
	return nil
}
