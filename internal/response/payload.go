// Package response extracts and validates structured blocks that assistants
// embed in free-form text. Payloads are wrapped by sentinel lines and carry
// a phase tag plus a JSON data object.
package response

import (
	"encoding/json"
	"fmt"
)

// Phase tags a payload with the orchestration stage it belongs to.
type Phase string

const (
	PhaseAnalysis    Phase = "analysis"
	PhaseTaskList    Phase = "task_list"
	PhaseProgress    Phase = "progress"
	PhaseCompletion  Phase = "completion"
	PhaseAggregation Phase = "aggregation"
)

// Payload is the tagged union of per-phase data shapes.
type Payload interface {
	PayloadPhase() Phase
	Validate() error
}

// Analysis is the main session's codebase analysis result.
type Analysis struct {
	Summary             string   `json:"summary"`
	RecommendedSplits   int      `json:"recommended_splits"`
	KeyFiles            []string `json:"key_files,omitempty"`
	EstimatedComplexity string   `json:"estimated_complexity,omitempty"`
	Components          []string `json:"components,omitempty"`
	Notes               string   `json:"notes,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
}

func (Analysis) PayloadPhase() Phase { return PhaseAnalysis }

func (a Analysis) Validate() error {
	if a.Summary == "" {
		return &FieldError{Phase: PhaseAnalysis, Field: "summary", Reason: "required"}
	}
	if a.RecommendedSplits < 1 {
		return &FieldError{Phase: PhaseAnalysis, Field: "recommended_splits", Reason: "must be a positive integer"}
	}
	return nil
}

// TaskSpec is one planned sub-task.
type TaskSpec struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Scope           string   `json:"scope,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`
}

// TaskList is the planning phase output.
type TaskList struct {
	Tasks                []TaskSpec `json:"tasks"`
	TotalTasks           int        `json:"total_tasks,omitempty"`
	ParallelizableGroups [][]string `json:"parallelizable_groups,omitempty"`
	ExecutionOrder       []string   `json:"execution_order,omitempty"`
}

func (TaskList) PayloadPhase() Phase { return PhaseTaskList }

func (t TaskList) Validate() error {
	if len(t.Tasks) == 0 {
		return &FieldError{Phase: PhaseTaskList, Field: "tasks", Reason: "required and non-empty"}
	}
	for i, task := range t.Tasks {
		if task.ID == "" {
			return &FieldError{Phase: PhaseTaskList, Field: fmt.Sprintf("tasks[%d].id", i), Reason: "required"}
		}
		if task.Title == "" {
			return &FieldError{Phase: PhaseTaskList, Field: fmt.Sprintf("tasks[%d].title", i), Reason: "required"}
		}
		if task.Description == "" {
			return &FieldError{Phase: PhaseTaskList, Field: fmt.Sprintf("tasks[%d].description", i), Reason: "required"}
		}
	}
	return nil
}

// Progress is a worker's incremental status report.
type Progress struct {
	TaskID          string   `json:"task_id"`
	Status          string   `json:"status"`
	ProgressPercent *float64 `json:"progress_percent,omitempty"`
	CurrentAction   string   `json:"current_action,omitempty"`
	FilesProcessed  int      `json:"files_processed,omitempty"`
	FilesTotal      int      `json:"files_total,omitempty"`
	OutputPreview   string   `json:"output_preview,omitempty"`
}

func (Progress) PayloadPhase() Phase { return PhaseProgress }

func (p Progress) Validate() error {
	if p.TaskID == "" {
		return &FieldError{Phase: PhaseProgress, Field: "task_id", Reason: "required"}
	}
	if p.Status == "" {
		return &FieldError{Phase: PhaseProgress, Field: "status", Reason: "required"}
	}
	if p.ProgressPercent != nil && (*p.ProgressPercent < 0 || *p.ProgressPercent > 100) {
		return &FieldError{Phase: PhaseProgress, Field: "progress_percent", Reason: "must be within [0,100]"}
	}
	return nil
}

// CompletionStatus is the terminal outcome a worker reports.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionPartial CompletionStatus = "partial"
	CompletionFailed  CompletionStatus = "failed"
	CompletionTimeout CompletionStatus = "timeout"
)

// Completion is a worker's final result.
type Completion struct {
	TaskID      string           `json:"task_id"`
	Status      CompletionStatus `json:"status"`
	Summary     string           `json:"summary,omitempty"`
	OutputFiles []string         `json:"output_files,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Metrics     map[string]any   `json:"metrics,omitempty"`
}

func (Completion) PayloadPhase() Phase { return PhaseCompletion }

func (c Completion) Validate() error {
	if c.TaskID == "" {
		return &FieldError{Phase: PhaseCompletion, Field: "task_id", Reason: "required"}
	}
	switch c.Status {
	case CompletionSuccess, CompletionPartial, CompletionFailed, CompletionTimeout:
		return nil
	case "":
		return &FieldError{Phase: PhaseCompletion, Field: "status", Reason: "required"}
	default:
		return &FieldError{Phase: PhaseCompletion, Field: "status", Reason: fmt.Sprintf("unknown value %q", c.Status)}
	}
}

// Aggregation is the main session's final merge of worker results.
type Aggregation struct {
	Status       string   `json:"status"`
	Summary      string   `json:"summary,omitempty"`
	Conflicts    []string `json:"conflicts,omitempty"`
	MergedOutput string   `json:"merged_output,omitempty"`
	OutputFiles  []string `json:"output_files,omitempty"`
}

func (Aggregation) PayloadPhase() Phase { return PhaseAggregation }

func (a Aggregation) Validate() error {
	if a.Status == "" {
		return &FieldError{Phase: PhaseAggregation, Field: "status", Reason: "required"}
	}
	return nil
}

// decodePayload instantiates the typed payload for a phase and validates it.
func decodePayload(phase Phase, data json.RawMessage) (Payload, error) {
	var payload Payload
	switch phase {
	case PhaseAnalysis:
		payload = &Analysis{}
	case PhaseTaskList:
		payload = &TaskList{}
	case PhaseProgress:
		payload = &Progress{}
	case PhaseCompletion:
		payload = &Completion{}
	case PhaseAggregation:
		payload = &Aggregation{}
	default:
		return nil, &UnknownPhaseError{Phase: string(phase)}
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, &ParseError{Stage: "payload", Cause: err}
	}
	// Deref so callers get value types back from the pointer we decoded into.
	var out Payload
	switch p := payload.(type) {
	case *Analysis:
		out = *p
	case *TaskList:
		out = *p
	case *Progress:
		out = *p
	case *Completion:
		out = *p
	case *Aggregation:
		out = *p
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
