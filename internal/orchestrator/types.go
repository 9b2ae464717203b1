// Package orchestrator owns the lifecycle of orchestration runs: phase
// progression on the main session, task bookkeeping, aggregation, and
// persistence.
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/pool"
	"github.com/zjrosen/maestro/internal/response"
	"github.com/zjrosen/maestro/internal/template"
)

var (
	// ErrNotFound indicates an unknown orchestrator id.
	ErrNotFound = errors.New("orchestrator: not found")
	// ErrInvalidTransition indicates a status or phase move the state
	// machine forbids.
	ErrInvalidTransition = errors.New("orchestrator: invalid transition")
	// ErrTerminal indicates an operation against a finished orchestrator.
	ErrTerminal = errors.New("orchestrator: already terminal")
)

// Status is the orchestrator's coarse lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// validStatusTransitions defines the allowed status moves.
var validStatusTransitions = map[Status][]Status{
	StatusCreated:   {StatusRunning, StatusCancelled, StatusError},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusCancelled, StatusError},
	StatusPaused:    {StatusRunning, StatusCancelled, StatusError},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusError:     {},
}

// CanTransitionStatus reports whether from may move to to.
func CanTransitionStatus(from, to Status) bool {
	for _, allowed := range validStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Phase is the orchestrator's position in the run.
type Phase string

const (
	PhaseAnalysis             Phase = "analysis"
	PhaseTaskPlanning         Phase = "taskPlanning"
	PhaseAwaitingConfirmation Phase = "awaitingConfirmation"
	PhaseWorkerExecution      Phase = "workerExecution"
	PhaseAggregation          Phase = "aggregation"
	PhaseDone                 Phase = "done"
)

// phaseOrder fixes the forward-only ordering of phases.
var phaseOrder = map[Phase]int{
	PhaseAnalysis:             0,
	PhaseTaskPlanning:         1,
	PhaseAwaitingConfirmation: 2,
	PhaseWorkerExecution:      3,
	PhaseAggregation:          4,
	PhaseDone:                 5,
}

// validPhaseTransitions defines the single allowed successor per phase.
var validPhaseTransitions = map[Phase][]Phase{
	PhaseAnalysis:             {PhaseTaskPlanning},
	PhaseTaskPlanning:         {PhaseAwaitingConfirmation},
	PhaseAwaitingConfirmation: {PhaseWorkerExecution},
	PhaseWorkerExecution:      {PhaseAggregation},
	PhaseAggregation:          {PhaseDone},
	PhaseDone:                 {},
}

// CanTransitionPhase reports whether from may advance to to. Phases only
// move forward.
func CanTransitionPhase(from, to Phase) bool {
	for _, allowed := range validPhaseTransitions[from] {
		if allowed == to {
			return phaseOrder[to] > phaseOrder[from]
		}
	}
	return false
}

// Task is one confirmed sub-task of an orchestration run. Immutable once
// worker execution begins.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Scope           string   `json:"scope,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	EstimatedTokens int      `json:"estimatedTokens,omitempty"`
}

func taskFromSpec(spec response.TaskSpec) Task {
	return Task{
		ID:              spec.ID,
		Title:           spec.Title,
		Description:     spec.Description,
		Scope:           spec.Scope,
		Priority:        spec.Priority,
		Dependencies:    append([]string(nil), spec.Dependencies...),
		EstimatedTokens: spec.EstimatedTokens,
	}
}

func (t Task) toSpec() response.TaskSpec {
	return response.TaskSpec{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Scope:           t.Scope,
		Priority:        t.Priority,
		Dependencies:    append([]string(nil), t.Dependencies...),
		EstimatedTokens: t.EstimatedTokens,
	}
}

// Stats aggregates tool counters across an orchestrator's workers.
type Stats struct {
	TotalToolUses int64            `json:"totalToolUses"`
	ToolUses      map[string]int64 `json:"toolUses,omitempty"`
}

// Orchestrator is the persisted record of one run. Mutations go through the
// Manager, which holds a per-orchestrator lock.
type Orchestrator struct {
	ID               string             `json:"id"`
	TemplateID       string             `json:"templateId"`
	ResolvedTemplate *template.Template `json:"resolvedTemplate"`
	Cwd              string             `json:"cwd"`
	Message          string             `json:"message"`

	MainSessionID string `json:"mainSessionId,omitempty"`
	Status        Status `json:"status"`
	CurrentPhase  Phase  `json:"currentPhase"`

	Variables       map[string]any        `json:"variables,omitempty"`
	Analysis        *response.Analysis    `json:"analysis,omitempty"`
	Tasks           []Task                `json:"tasks,omitempty"`
	WorkersByTaskID map[string]string     `json:"workersByTaskId,omitempty"`
	Workers         []pool.Worker         `json:"workers,omitempty"`
	Aggregation     *response.Aggregation `json:"aggregation,omitempty"`

	Stats       Stats  `json:"stats"`
	ErrorReason string `json:"errorReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// LastProcessedTranscriptOffset is the monotonic cursor into the main
	// session's transcript.
	LastProcessedTranscriptOffset int `json:"lastProcessedTranscriptOffset"`

	// LastProgressAt tracks the last observed transcript growth, feeding
	// the stall watchdog.
	LastProgressAt *time.Time `json:"lastProgressAt,omitempty"`
}

// snapshot deep-copies the record for external readers.
func (o *Orchestrator) snapshot() *Orchestrator {
	out := *o
	if o.Variables != nil {
		out.Variables = make(map[string]any, len(o.Variables))
		for k, v := range o.Variables {
			out.Variables[k] = v
		}
	}
	if o.Analysis != nil {
		a := *o.Analysis
		out.Analysis = &a
	}
	if o.Aggregation != nil {
		a := *o.Aggregation
		out.Aggregation = &a
	}
	out.Tasks = append([]Task(nil), o.Tasks...)
	out.Workers = append([]pool.Worker(nil), o.Workers...)
	if o.WorkersByTaskID != nil {
		out.WorkersByTaskID = make(map[string]string, len(o.WorkersByTaskID))
		for k, v := range o.WorkersByTaskID {
			out.WorkersByTaskID[k] = v
		}
	}
	if o.Stats.ToolUses != nil {
		out.Stats.ToolUses = make(map[string]int64, len(o.Stats.ToolUses))
		for k, v := range o.Stats.ToolUses {
			out.Stats.ToolUses[k] = v
		}
	}
	return &out
}

// validateInvariants sanity-checks a record, used on load.
func (o *Orchestrator) validateInvariants() error {
	if o.ID == "" {
		return fmt.Errorf("orchestrator record missing id")
	}
	if o.Status != StatusCreated && o.MainSessionID == "" {
		return fmt.Errorf("orchestrator %s: status %s without main session", o.ID, o.Status)
	}
	if o.Status.Terminal() != (o.CompletedAt != nil) {
		return fmt.Errorf("orchestrator %s: completedAt inconsistent with status %s", o.ID, o.Status)
	}
	return nil
}
