// Package subsession tracks parent/child session relations created when an
// assistant delegates work to agent sessions mid-conversation. It surfaces
// child status and forces results back to the parent when a child finishes.
package subsession

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/zjrosen/maestro/internal/adapter"
	"github.com/zjrosen/maestro/internal/dispatcher"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/response"
)

// Status is a child session's derived state.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusOrphaned Status = "orphaned"
	StatusReturned Status = "returned"
)

// Config tunes the tracker.
type Config struct {
	// IdleThreshold marks a child idle after this much transcript silence.
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	// OrphanThreshold orphans children whose parent has been unreachable
	// this long.
	OrphanThreshold time.Duration `mapstructure:"orphan_threshold"`
	// AttributionWindow is how long after an agent-spawn tool use a new
	// session is attributed to the parent.
	AttributionWindow time.Duration `mapstructure:"attribution_window"`
	// PollInterval is the monitor cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ForwardResults injects a synthetic user message into the parent when
	// a child returns a completion payload. nil means enabled.
	ForwardResults *bool `mapstructure:"forward_results"`
	// SpawnToolPattern matches tool names that create child sessions.
	SpawnToolPattern string `mapstructure:"spawn_tool_pattern"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:     15 * time.Second,
		OrphanThreshold:   60 * time.Second,
		AttributionWindow: 10 * time.Second,
		PollInterval:      2 * time.Second,
		SpawnToolPattern:  `(?i)task|agent|spawn`,
	}
}

// ForwardEnabled reports whether results are forwarded (defaults to true).
func (c Config) ForwardEnabled() bool {
	return c.ForwardResults == nil || *c.ForwardResults
}

// Relation is one parent/child link. A child has at most one parent.
type Relation struct {
	ChildSessionID  string     `json:"childSessionId"`
	ParentSessionID string     `json:"parentSessionId"`
	Status          Status     `json:"status"`
	MessageCount    int        `json:"messageCount"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	ReturnedResult  string     `json:"returnedResult,omitempty"`
}

// childState pairs the relation with polling bookkeeping.
type childState struct {
	rel    Relation
	cursor int
}

// parentState tracks one watched parent session.
type parentState struct {
	sessionID        string
	cursor           int
	windowUntil      time.Time
	knownSessions    map[string]bool
	unreachableSince *time.Time
}

// Tracker watches parent sessions and maintains child relations.
type Tracker struct {
	runtime adapter.Runtime
	disp    *dispatcher.Dispatcher
	cfg     Config
	spawnRe *regexp.Regexp

	mu       sync.Mutex
	parents  map[string]*parentState
	children map[string]*childState // by child session id
}

// New creates a tracker.
func New(runtime adapter.Runtime, disp *dispatcher.Dispatcher, cfg Config) (*Tracker, error) {
	if cfg.SpawnToolPattern == "" {
		cfg.SpawnToolPattern = DefaultConfig().SpawnToolPattern
	}
	re, err := regexp.Compile(cfg.SpawnToolPattern)
	if err != nil {
		return nil, fmt.Errorf("subsession: compile spawn pattern: %w", err)
	}
	return &Tracker{
		runtime:  runtime,
		disp:     disp,
		cfg:      cfg,
		spawnRe:  re,
		parents:  make(map[string]*parentState),
		children: make(map[string]*childState),
	}, nil
}

// Watch registers a parent session for agent-spawn detection.
func (t *Tracker) Watch(parentSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.parents[parentSessionID]; ok {
		return
	}
	t.parents[parentSessionID] = &parentState{
		sessionID:     parentSessionID,
		knownSessions: make(map[string]bool),
	}
	log.Debug(log.CatSubsess, "watching parent", "sessionId", parentSessionID)
}

// Unwatch stops tracking a parent. Existing relations are kept.
func (t *Tracker) Unwatch(parentSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parents, parentSessionID)
}

// Relations returns snapshots of every relation.
func (t *Tracker) Relations() []Relation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Relation, 0, len(t.children))
	for _, cs := range t.children {
		out = append(out, cs.rel)
	}
	return out
}

// ChildrenOf returns the relations attributed to one parent.
func (t *Tracker) ChildrenOf(parentSessionID string) []Relation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Relation
	for _, cs := range t.children {
		if cs.rel.ParentSessionID == parentSessionID {
			out = append(out, cs.rel)
		}
	}
	return out
}

// Run polls until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep performs one monitoring pass over parents and children.
func (t *Tracker) sweep(ctx context.Context) {
	sessions, err := t.runtime.ListSessions(ctx, adapter.ListOptions{IncludeHidden: true, ForceRefresh: true})
	if err != nil {
		log.Warn(log.CatSubsess, "session listing failed", "error", err)
		return
	}
	present := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		present[s.SessionID] = true
	}

	t.mu.Lock()
	parents := make([]*parentState, 0, len(t.parents))
	for _, ps := range t.parents {
		parents = append(parents, ps)
	}
	t.mu.Unlock()

	for _, ps := range parents {
		t.sweepParent(ctx, ps, present)
	}

	t.mu.Lock()
	children := make([]*childState, 0, len(t.children))
	for _, cs := range t.children {
		children = append(children, cs)
	}
	t.mu.Unlock()

	for _, cs := range children {
		t.sweepChild(ctx, cs, present)
	}
}

// sweepParent checks reachability, scans for agent-spawn tool uses, and
// attributes new sessions inside an open window.
func (t *Tracker) sweepParent(ctx context.Context, ps *parentState, present map[string]bool) {
	now := time.Now()

	if !present[ps.sessionID] {
		if ps.unreachableSince == nil {
			ps.unreachableSince = &now
			return
		}
		if now.Sub(*ps.unreachableSince) > t.cfg.OrphanThreshold {
			t.orphanChildren(ps.sessionID)
		}
		return
	}
	ps.unreachableSince = nil

	transcript, err := t.runtime.GetTranscript(ctx, ps.sessionID)
	if err != nil {
		log.Warn(log.CatSubsess, "parent poll failed", "sessionId", ps.sessionID, "error", err)
		return
	}
	if len(transcript) > ps.cursor {
		for _, entry := range transcript[ps.cursor:] {
			if entry.Type != "assistant" {
				continue
			}
			for _, tool := range entry.ToolUses() {
				if t.spawnRe.MatchString(tool) {
					ps.windowUntil = now.Add(t.cfg.AttributionWindow)
					ps.knownSessions = make(map[string]bool, len(present))
					for id := range present {
						ps.knownSessions[id] = true
					}
					log.Debug(log.CatSubsess, "attribution window opened",
						"parent", ps.sessionID, "tool", tool)
				}
			}
		}
		ps.cursor = len(transcript)
	}

	if now.Before(ps.windowUntil) {
		t.attributeNew(ps, present, now)
	}
}

// attributeNew links sessions that appeared since the window opened.
func (t *Tracker) attributeNew(ps *parentState, present map[string]bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range present {
		if id == ps.sessionID || ps.knownSessions[id] {
			continue
		}
		if _, tracked := t.children[id]; tracked {
			continue // a child has at most one parent
		}
		ps.knownSessions[id] = true
		t.children[id] = &childState{rel: Relation{
			ChildSessionID:  id,
			ParentSessionID: ps.sessionID,
			Status:          StatusActive,
			LastActivityAt:  now,
			CreatedAt:       now,
		}}
		log.Info(log.CatSubsess, "subsession registered", "child", id, "parent", ps.sessionID)
		t.disp.Emit(dispatcher.Event{
			Name:      dispatcher.SubsessionRegistered,
			SessionID: id,
			Payload:   t.children[id].rel,
		})
	}
}

// sweepChild derives the child's status from transcript growth and looks
// for a completion payload to return to the parent.
func (t *Tracker) sweepChild(ctx context.Context, cs *childState, present map[string]bool) {
	t.mu.Lock()
	rel := cs.rel
	cursor := cs.cursor
	t.mu.Unlock()

	if rel.Status == StatusOrphaned || rel.Status == StatusReturned {
		return
	}

	transcript, err := t.runtime.GetTranscript(ctx, rel.ChildSessionID)
	if err != nil {
		log.Warn(log.CatSubsess, "child poll failed", "child", rel.ChildSessionID, "error", err)
		return
	}

	now := time.Now()
	grew := len(transcript) > cursor

	var returned *response.Completion
	if grew {
		for _, entry := range transcript[cursor:] {
			if entry.Type != "assistant" {
				continue
			}
			for _, result := range response.ParseMultiple(entry.Text()) {
				if completion, ok := result.Payload.(response.Completion); ok && result.Err == nil {
					returned = &completion
				}
			}
		}
	}

	t.mu.Lock()
	cs.cursor = len(transcript)
	cs.rel.MessageCount = len(transcript)
	prev := cs.rel.Status

	switch {
	case returned != nil:
		cs.rel.Status = StatusReturned
		cs.rel.ReturnedResult = completionText(*returned)
		cs.rel.LastActivityAt = now
	case grew:
		cs.rel.Status = StatusActive
		cs.rel.LastActivityAt = now
	case present[cs.rel.ParentSessionID] && now.Sub(cs.rel.LastActivityAt) > t.cfg.IdleThreshold:
		cs.rel.Status = StatusIdle
	}
	rel = cs.rel
	t.mu.Unlock()

	if rel.Status != prev {
		t.disp.Emit(dispatcher.Event{
			Name:      dispatcher.SubsessionStatusChanged,
			SessionID: rel.ChildSessionID,
			Payload:   rel,
		})
	}

	if returned != nil {
		t.returnResult(ctx, rel, *returned)
	}
}

// returnResult surfaces the child's completion to the parent.
func (t *Tracker) returnResult(ctx context.Context, rel Relation, completion response.Completion) {
	t.disp.Emit(dispatcher.Event{
		Name:      dispatcher.SubsessionResultReturned,
		SessionID: rel.ChildSessionID,
		Payload:   completion,
	})
	if !t.cfg.ForwardEnabled() {
		return
	}

	msg := fmt.Sprintf("[Subsession %s returned]\n%s", rel.ChildSessionID, rel.ReturnedResult)
	if err := t.runtime.SendMessage(ctx, rel.ParentSessionID, msg, nil); err != nil {
		log.Warn(log.CatSubsess, "result forward failed",
			"parent", rel.ParentSessionID, "child", rel.ChildSessionID, "error", err)
	}
}

// orphanChildren marks every non-terminal child of a vanished parent.
func (t *Tracker) orphanChildren(parentSessionID string) {
	t.mu.Lock()
	var orphaned []Relation
	for _, cs := range t.children {
		if cs.rel.ParentSessionID != parentSessionID {
			continue
		}
		if cs.rel.Status == StatusOrphaned || cs.rel.Status == StatusReturned {
			continue
		}
		cs.rel.Status = StatusOrphaned
		orphaned = append(orphaned, cs.rel)
	}
	t.mu.Unlock()

	for _, rel := range orphaned {
		log.Warn(log.CatSubsess, "subsession orphaned", "child", rel.ChildSessionID, "parent", parentSessionID)
		t.disp.Emit(dispatcher.Event{
			Name:      dispatcher.SubsessionOrphaned,
			SessionID: rel.ChildSessionID,
			Payload:   rel,
		})
		t.disp.Emit(dispatcher.Event{
			Name:      dispatcher.SubsessionStatusChanged,
			SessionID: rel.ChildSessionID,
			Payload:   rel,
		})
	}
}

func completionText(c response.Completion) string {
	if c.Summary != "" {
		return c.Summary
	}
	if len(c.Output) > 0 {
		return string(c.Output)
	}
	return string(c.Status)
}
