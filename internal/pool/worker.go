package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/maestro/internal/response"
)

// WorkerStatus is a worker's lifecycle state.
type WorkerStatus string

const (
	StatusQueued    WorkerStatus = "queued"
	StatusSpawning  WorkerStatus = "spawning"
	StatusRunning   WorkerStatus = "running"
	StatusPaused    WorkerStatus = "paused"
	StatusCompleted WorkerStatus = "completed"
	StatusFailed    WorkerStatus = "failed"
	StatusTimeout   WorkerStatus = "timeout"
	StatusCancelled WorkerStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the worker occupies a concurrency slot.
func (s WorkerStatus) Active() bool {
	switch s {
	case StatusSpawning, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// validWorkerTransitions defines the allowed status moves. A worker never
// regresses; paused is re-enterable from running and back.
var validWorkerTransitions = map[WorkerStatus][]WorkerStatus{
	StatusQueued:    {StatusSpawning, StatusCancelled, StatusFailed},
	StatusSpawning:  {StatusRunning, StatusFailed, StatusTimeout, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled, StatusFailed, StatusTimeout},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusTimeout:   {},
	StatusCancelled: {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to WorkerStatus) bool {
	for _, allowed := range validWorkerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Worker is the per-task record maintained by the pool. It is the persisted
// shape: snapshots of it are embedded into the orchestrator state file.
type Worker struct {
	WorkerID       string `json:"workerId"`
	OrchestratorID string `json:"orchestratorId"`
	TaskID         string `json:"taskId"`
	SessionID      string `json:"sessionId,omitempty"`

	Status        WorkerStatus `json:"status"`
	ProgressPct   *float64     `json:"progressPct,omitempty"`
	CurrentAction string       `json:"currentAction,omitempty"`

	Output      string         `json:"output,omitempty"`
	OutputFiles []string       `json:"outputFiles,omitempty"`
	ToolStats   map[string]int `json:"toolStats,omitempty"`

	RetryCount    int    `json:"retryCount"`
	FailureReason string `json:"failureReason,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`

	// TranscriptCursor is the number of transcript entries already
	// consumed. Monotonic; re-applying the same transcript is a no-op.
	TranscriptCursor int `json:"transcriptCursor"`
}

// SessionName returns the host session title encoding the hidden-session
// marker for a worker.
func SessionName(orchestratorID, taskID string) string {
	return fmt.Sprintf("__orch_%s_worker_%s", orchestratorID, taskID)
}

// pendingTask is a queued spawn request.
type pendingTask struct {
	spec  response.TaskSpec
	retry int
}

// workerState pairs the record with runtime-only bookkeeping. Mutations are
// serialized per worker via mu.
type workerState struct {
	mu           sync.Mutex
	w            Worker
	task         response.TaskSpec
	pollFailures int
}

// snapshot returns a copy safe to hand to external readers.
func (ws *workerState) snapshot() Worker {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return copyWorker(ws.w)
}

func copyWorker(w Worker) Worker {
	out := w
	if w.ProgressPct != nil {
		pct := *w.ProgressPct
		out.ProgressPct = &pct
	}
	out.OutputFiles = append([]string(nil), w.OutputFiles...)
	if w.ToolStats != nil {
		out.ToolStats = make(map[string]int, len(w.ToolStats))
		for k, v := range w.ToolStats {
			out.ToolStats[k] = v
		}
	}
	return out
}
