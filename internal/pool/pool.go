package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/maestro/internal/adapter"
	"github.com/zjrosen/maestro/internal/dispatcher"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/response"
	"github.com/zjrosen/maestro/internal/template"
	"github.com/zjrosen/maestro/internal/tracing"
)

// InterruptMessage is written into a worker session on best-effort cancel.
const InterruptMessage = "[Request interrupted by user]"

// maxConsecutivePollFailures terminates a worker as failed once reached.
const maxConsecutivePollFailures = 5

// tickInterval is the scheduler resolution; actual poll cadence per
// orchestrator comes from its template.
const tickInterval = 100 * time.Millisecond

var (
	// ErrWorkerNotFound indicates an unknown orchestrator/worker pair.
	ErrWorkerNotFound = errors.New("pool: worker not found")
	// ErrInvalidTransition indicates a control operation illegal for the
	// worker's current status.
	ErrInvalidTransition = errors.New("pool: invalid worker transition")
	// ErrRetryExhausted indicates retryCount has reached the template cap.
	ErrRetryExhausted = errors.New("pool: retry budget exhausted")
)

// CleanupMode selects what happens to worker sessions on cleanup.
type CleanupMode string

const (
	CleanupArchive CleanupMode = "archive"
	CleanupDelete  CleanupMode = "delete"
)

// BatchRequest describes one orchestrator's worker batch.
type BatchRequest struct {
	OrchestratorID string
	Cwd            string
	Template       *template.Template
	Variables      map[string]any
	Tasks          []response.TaskSpec
}

// orchWorkers is the per-orchestrator slice of pool state.
type orchWorkers struct {
	id   string
	cwd  string
	tpl  *template.Template
	vars map[string]any

	mu      sync.Mutex
	workers map[string]*workerState
	order   []string // insertion order, for deterministic sweeps
	queue   *taskQueue
	paused  bool
	done    bool // all-terminal callback already fired

	lastSweep time.Time
	sweeping  atomic.Bool
}

// Pool spawns and monitors worker sessions across orchestrators. One
// process-wide poller sweeps every orchestrator at its own cadence.
type Pool struct {
	runtime adapter.Runtime
	disp    *dispatcher.Dispatcher
	tracer  trace.Tracer

	mu    sync.RWMutex
	orchs map[string]*orchWorkers

	onAllTerminal func(orchestratorID string)
	onToolUse     func(orchestratorID, tool string, count int)

	totalToolUses atomic.Int64
}

// New creates a pool. Start must be called for polling to begin.
func New(runtime adapter.Runtime, disp *dispatcher.Dispatcher) *Pool {
	return &Pool{
		runtime: runtime,
		disp:    disp,
		tracer:  otel.Tracer("maestro/pool"),
		orchs:   make(map[string]*orchWorkers),
	}
}

// SetOnAllTerminal registers the callback fired once per orchestrator when
// its queue is drained and every worker is terminal.
func (p *Pool) SetOnAllTerminal(fn func(orchestratorID string)) {
	p.onAllTerminal = fn
}

// SetOnToolUse registers the callback fired for tool invocations observed
// in worker transcripts.
func (p *Pool) SetOnToolUse(fn func(orchestratorID, tool string, count int)) {
	p.onToolUse = fn
}

// TotalToolUses returns the process-wide tool invocation count.
func (p *Pool) TotalToolUses() int64 {
	return p.totalToolUses.Load()
}

// Start runs the poller until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepDue(ctx)
		}
	}
}

// sweepDue launches a sweep for every orchestrator whose interval elapsed.
// An orchestrator still mid-sweep skips the iteration instead of piling up.
func (p *Pool) sweepDue(ctx context.Context) {
	p.mu.RLock()
	due := make([]*orchWorkers, 0, len(p.orchs))
	for _, ow := range p.orchs {
		ow.mu.Lock()
		ready := !ow.paused && time.Since(ow.lastSweep) >= ow.tpl.Config.PollInterval()
		ow.mu.Unlock()
		if ready {
			due = append(due, ow)
		}
	}
	p.mu.RUnlock()

	for _, ow := range due {
		if !ow.sweeping.CompareAndSwap(false, true) {
			continue // previous sweep overran; late-skip
		}
		go func(ow *orchWorkers) {
			defer ow.sweeping.Store(false)
			p.sweepOrchestrator(ctx, ow)
			ow.mu.Lock()
			ow.lastSweep = time.Now()
			ow.mu.Unlock()
		}(ow)
	}
}

// SpawnBatch queues one worker per task and spawns up to maxWorkers of
// them immediately.
func (p *Pool) SpawnBatch(ctx context.Context, req BatchRequest) error {
	if req.Template == nil {
		return fmt.Errorf("pool: batch for %s has no template", req.OrchestratorID)
	}

	p.mu.Lock()
	ow, ok := p.orchs[req.OrchestratorID]
	if !ok {
		ow = &orchWorkers{
			id:      req.OrchestratorID,
			cwd:     req.Cwd,
			tpl:     req.Template,
			vars:    req.Variables,
			workers: make(map[string]*workerState),
			queue:   newTaskQueue(),
		}
		p.orchs[req.OrchestratorID] = ow
	}
	p.mu.Unlock()

	ow.mu.Lock()
	for _, task := range req.Tasks {
		if _, exists := ow.workers[task.ID]; exists {
			continue
		}
		ws := &workerState{
			task: task,
			w: Worker{
				WorkerID:       task.ID,
				OrchestratorID: req.OrchestratorID,
				TaskID:         task.ID,
				Status:         StatusQueued,
			},
		}
		ow.workers[task.ID] = ws
		ow.order = append(ow.order, task.ID)
		ow.queue.Enqueue(pendingTask{spec: task})
	}
	ow.mu.Unlock()

	log.Info(log.CatPool, "batch queued", "orchestratorId", req.OrchestratorID, "tasks", len(req.Tasks))
	p.fillCapacity(ctx, ow)
	return nil
}

// Adopt rehydrates worker records for an orchestrator loaded from disk.
// Nothing is spawned and polling stays disarmed until the pool sweeps the
// entry, which happens as soon as it exists.
func (p *Pool) Adopt(req BatchRequest, workers []Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ow := &orchWorkers{
		id:      req.OrchestratorID,
		cwd:     req.Cwd,
		tpl:     req.Template,
		vars:    req.Variables,
		workers: make(map[string]*workerState),
		queue:   newTaskQueue(),
	}
	tasksByID := make(map[string]response.TaskSpec, len(req.Tasks))
	for _, t := range req.Tasks {
		tasksByID[t.ID] = t
	}
	for _, w := range workers {
		ws := &workerState{w: copyWorker(w), task: tasksByID[w.TaskID]}
		ow.workers[w.WorkerID] = ws
		ow.order = append(ow.order, w.WorkerID)
		if w.Status == StatusQueued {
			ow.queue.Enqueue(pendingTask{spec: tasksByID[w.TaskID], retry: w.RetryCount})
		}
	}
	p.orchs[req.OrchestratorID] = ow
}

// fillCapacity dequeues and spawns tasks until the active-worker bound is
// reached or the queue drains.
func (p *Pool) fillCapacity(ctx context.Context, ow *orchWorkers) {
	for {
		ws, item, ok := p.reserveSlot(ow)
		if !ok {
			return
		}
		p.spawnWorker(ctx, ow, ws, item)
	}
}

// reserveSlot claims one active-worker slot for the next queued task. The
// capacity check, the dequeue, and the queued->spawning flip all happen
// under ow.mu, so concurrent fills cannot oversubscribe the bound: a
// reserved worker counts as active for every later check.
func (p *Pool) reserveSlot(ow *orchWorkers) (*workerState, pendingTask, bool) {
	ow.mu.Lock()
	defer ow.mu.Unlock()

	for {
		if ow.paused || p.activeCountLocked(ow) >= ow.tpl.Config.MaxWorkers {
			return nil, pendingTask{}, false
		}
		item, ok := ow.queue.Dequeue()
		if !ok {
			return nil, pendingTask{}, false
		}
		ws, ok := ow.workers[item.spec.ID]
		if !ok {
			ws = &workerState{
				task: item.spec,
				w: Worker{
					WorkerID:       item.spec.ID,
					OrchestratorID: ow.id,
					TaskID:         item.spec.ID,
					Status:         StatusQueued,
				},
			}
			ow.workers[item.spec.ID] = ws
			ow.order = append(ow.order, item.spec.ID)
		}
		ws.mu.Lock()
		if ws.w.Status != StatusQueued {
			ws.mu.Unlock()
			continue // stale queue entry; the record moved on already
		}
		ws.w.Status = StatusSpawning
		ws.w.RetryCount = item.retry
		ws.mu.Unlock()
		return ws, item, true
	}
}

func (p *Pool) activeCountLocked(ow *orchWorkers) int {
	n := 0
	for _, ws := range ow.workers {
		ws.mu.Lock()
		if ws.w.Status.Active() {
			n++
		}
		ws.mu.Unlock()
	}
	return n
}

// spawnWorker starts one host session for a task whose slot was already
// reserved by reserveSlot.
func (p *Pool) spawnWorker(ctx context.Context, ow *orchWorkers, ws *workerState, item pendingTask) {
	ctx, span := p.tracer.Start(ctx, tracing.SpanPrefixPool+"spawn",
		trace.WithAttributes(
			attribute.String(tracing.AttrOrchestratorID, ow.id),
			attribute.String(tracing.AttrTaskID, item.spec.ID),
		))
	defer span.End()

	prompt := template.Substitute(ow.tpl.Prompts.Worker, mergeVars(ow.vars, taskBindings(item.spec)))
	name := SessionName(ow.id, item.spec.ID)

	sessionID, err := p.runtime.StartSessionWithMessage(ctx, ow.cwd, prompt, adapter.StartOptions{Name: name})
	if err != nil {
		log.ErrorErr(log.CatPool, "worker spawn failed", err,
			"orchestratorId", ow.id, "taskId", item.spec.ID, "retry", item.retry)
		p.failSpawn(ow, ws, item, err)
		return
	}

	now := time.Now()
	ws.mu.Lock()
	ws.w.SessionID = sessionID
	ws.w.Status = StatusRunning
	ws.w.StartedAt = &now
	snap := copyWorker(ws.w)
	ws.mu.Unlock()

	log.Info(log.CatPool, "worker spawned",
		"orchestratorId", ow.id, "workerId", snap.WorkerID, "sessionId", sessionID)
	p.disp.Emit(dispatcher.Event{
		Name:           dispatcher.WorkerSpawned,
		OrchestratorID: ow.id,
		WorkerID:       snap.WorkerID,
		SessionID:      sessionID,
		Payload:        snap,
	})
}

// failSpawn marks the worker failed and requeues the task at the tail when
// retry budget remains. The failed record is preserved under a retry
// suffix so the history stays visible.
func (p *Pool) failSpawn(ow *orchWorkers, ws *workerState, item pendingTask, cause error) {
	now := time.Now()
	ws.mu.Lock()
	ws.w.Status = StatusFailed
	ws.w.FailureReason = fmt.Sprintf("spawn: %v", cause)
	ws.w.CompletedAt = &now
	snap := copyWorker(ws.w)
	ws.mu.Unlock()

	p.disp.Emit(dispatcher.Event{
		Name:           dispatcher.WorkerFailed,
		OrchestratorID: ow.id,
		WorkerID:       snap.WorkerID,
		Payload:        snap,
	})

	if item.retry < ow.tpl.Config.RetryMax {
		p.archiveRetryRecord(ow, ws, item.spec, item.retry+1)
		ow.queue.Enqueue(pendingTask{spec: item.spec, retry: item.retry + 1})
	}
}

// archiveRetryRecord moves the current record aside under a ".retry<n>"
// suffix and installs a fresh queued record for the same task.
func (p *Pool) archiveRetryRecord(ow *orchWorkers, ws *workerState, task response.TaskSpec, nextRetry int) {
	ow.mu.Lock()
	defer ow.mu.Unlock()

	ws.mu.Lock()
	oldID := ws.w.WorkerID
	archivedID := fmt.Sprintf("%s.retry%d", task.ID, ws.w.RetryCount)
	ws.w.WorkerID = archivedID
	ws.mu.Unlock()

	delete(ow.workers, oldID)
	ow.workers[archivedID] = ws
	for i, id := range ow.order {
		if id == oldID {
			ow.order[i] = archivedID
		}
	}

	fresh := &workerState{
		task: task,
		w: Worker{
			WorkerID:       task.ID,
			OrchestratorID: ow.id,
			TaskID:         task.ID,
			Status:         StatusQueued,
			RetryCount:     nextRetry,
		},
	}
	ow.workers[task.ID] = fresh
	ow.order = append(ow.order, task.ID)
}

// sweepOrchestrator polls every non-terminal worker once, refills capacity,
// and fires the all-terminal callback when the run has drained.
func (p *Pool) sweepOrchestrator(ctx context.Context, ow *orchWorkers) {
	ow.mu.Lock()
	ids := append([]string(nil), ow.order...)
	ow.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ow.mu.Lock()
		ws, ok := ow.workers[id]
		ow.mu.Unlock()
		if !ok {
			continue
		}
		p.pollWorker(ctx, ow, ws)
	}

	p.fillCapacity(ctx, ow)
	p.checkAllTerminal(ow)
}

// pollWorker fetches the worker transcript and applies entries past the
// cursor. Applying the same transcript twice is a no-op.
func (p *Pool) pollWorker(ctx context.Context, ow *orchWorkers, ws *workerState) {
	ws.mu.Lock()
	status := ws.w.Status
	sessionID := ws.w.SessionID
	startedAt := ws.w.StartedAt
	workerID := ws.w.WorkerID
	ws.mu.Unlock()

	if status.Terminal() || status == StatusPaused || status == StatusQueued || sessionID == "" {
		return
	}

	// Timeout precedes the poll so a stuck host call cannot mask it.
	if startedAt != nil && time.Since(*startedAt) > ow.tpl.Config.WorkerTimeout() {
		p.timeoutWorker(ctx, ow, ws)
		return
	}

	entries, err := p.runtime.GetTranscript(ctx, sessionID)
	now := time.Now()
	if err != nil {
		ws.mu.Lock()
		ws.pollFailures++
		failures := ws.pollFailures
		ws.mu.Unlock()
		log.Warn(log.CatPool, "worker poll failed",
			"workerId", workerID, "failures", failures, "error", err)
		if failures >= maxConsecutivePollFailures {
			p.terminate(ow, ws, StatusFailed, fmt.Sprintf("%d consecutive poll failures: %v", failures, err))
		}
		return
	}

	ws.mu.Lock()
	ws.pollFailures = 0
	ws.w.LastPolledAt = &now
	cursor := ws.w.TranscriptCursor
	ws.mu.Unlock()

	if len(entries) <= cursor {
		return
	}
	fresh := entries[cursor:]

	ws.mu.Lock()
	ws.w.TranscriptCursor = len(entries)
	ws.mu.Unlock()

	p.applyEntries(ow, ws, fresh)
}

// applyEntries processes new transcript entries: tool-use counting plus
// structured progress/completion blocks.
func (p *Pool) applyEntries(ow *orchWorkers, ws *workerState, entries []adapter.TranscriptEntry) {
	for _, entry := range entries {
		if entry.Type != "assistant" {
			continue
		}

		if tools := entry.ToolUses(); len(tools) > 0 {
			p.recordToolUses(ow, ws, tools)
		}

		results := response.ParseMultiple(entry.Text())
		if len(results) == 0 {
			// No structured block; a keyword hit still tells us what the
			// worker is probably doing.
			if fb := response.DetectFallback(entry.Text()); fb.Detected && fb.Confidence >= 0.5 {
				log.Debug(log.CatPool, "unstructured worker output",
					"workerId", ws.w.WorkerID, "probablePhase", fb.ProbablePhase, "confidence", fb.Confidence)
			}
			continue
		}
		for _, result := range results {
			if result.Err != nil {
				// A malformed block is logged and skipped; the worker
				// keeps running.
				log.Warn(log.CatPool, "worker emitted malformed block",
					"workerId", ws.w.WorkerID, "error", result.Err)
				continue
			}
			switch payload := result.Payload.(type) {
			case response.Progress:
				p.applyProgress(ow, ws, payload)
			case response.Completion:
				p.applyCompletion(ow, ws, payload)
			}
		}
	}
}

func (p *Pool) recordToolUses(ow *orchWorkers, ws *workerState, tools []string) {
	ws.mu.Lock()
	if ws.w.ToolStats == nil {
		ws.w.ToolStats = make(map[string]int)
	}
	for _, tool := range tools {
		ws.w.ToolStats[tool]++
	}
	ws.mu.Unlock()

	p.totalToolUses.Add(int64(len(tools)))
	if p.onToolUse != nil {
		counts := map[string]int{}
		for _, tool := range tools {
			counts[tool]++
		}
		for tool, n := range counts {
			p.onToolUse(ow.id, tool, n)
		}
	}
}

func (p *Pool) applyProgress(ow *orchWorkers, ws *workerState, progress response.Progress) {
	ws.mu.Lock()
	if ws.w.Status.Terminal() {
		ws.mu.Unlock()
		return
	}
	if progress.ProgressPercent != nil {
		pct := *progress.ProgressPercent
		ws.w.ProgressPct = &pct
	}
	if progress.CurrentAction != "" {
		ws.w.CurrentAction = progress.CurrentAction
	}
	snap := copyWorker(ws.w)
	ws.mu.Unlock()

	p.disp.Emit(dispatcher.Event{
		Name:           dispatcher.WorkerProgress,
		OrchestratorID: ow.id,
		WorkerID:       snap.WorkerID,
		SessionID:      snap.SessionID,
		Payload:        progress,
	})
}

func (p *Pool) applyCompletion(ow *orchWorkers, ws *workerState, completion response.Completion) {
	target := StatusCompleted
	eventName := dispatcher.WorkerCompleted
	switch completion.Status {
	case response.CompletionFailed:
		target = StatusFailed
		eventName = dispatcher.WorkerFailed
	case response.CompletionTimeout:
		target = StatusTimeout
		eventName = dispatcher.WorkerTimeout
	}

	now := time.Now()
	ws.mu.Lock()
	if !CanTransition(ws.w.Status, target) {
		ws.mu.Unlock()
		return
	}
	ws.w.Status = target
	ws.w.CompletedAt = &now
	if completion.Summary != "" {
		ws.w.Output = completion.Summary
	} else if len(completion.Output) > 0 {
		ws.w.Output = string(completion.Output)
	}
	ws.w.OutputFiles = append(ws.w.OutputFiles, completion.OutputFiles...)
	if completion.Error != "" {
		ws.w.FailureReason = completion.Error
	}
	full := float64(100)
	if target == StatusCompleted && completion.Status == response.CompletionSuccess {
		ws.w.ProgressPct = &full
	}
	snap := copyWorker(ws.w)
	ws.mu.Unlock()

	log.Info(log.CatPool, "worker finished",
		"workerId", snap.WorkerID, "status", snap.Status, "taskId", snap.TaskID)
	p.disp.Emit(dispatcher.Event{
		Name:           eventName,
		OrchestratorID: ow.id,
		WorkerID:       snap.WorkerID,
		SessionID:      snap.SessionID,
		Payload:        completion,
	})
}

// timeoutWorker moves an overrunning worker to timeout with best-effort
// session interruption.
func (p *Pool) timeoutWorker(ctx context.Context, ow *orchWorkers, ws *workerState) {
	ws.mu.Lock()
	if !CanTransition(ws.w.Status, StatusTimeout) {
		ws.mu.Unlock()
		return
	}
	now := time.Now()
	ws.w.Status = StatusTimeout
	ws.w.CompletedAt = &now
	ws.w.FailureReason = "worker timeout"
	snap := copyWorker(ws.w)
	ws.mu.Unlock()

	if snap.SessionID != "" {
		if err := p.runtime.SendMessage(ctx, snap.SessionID, InterruptMessage, nil); err != nil {
			log.Warn(log.CatPool, "timeout interrupt failed", "workerId", snap.WorkerID, "error", err)
		}
	}
	log.Warn(log.CatPool, "worker timed out", "workerId", snap.WorkerID, "orchestratorId", ow.id)
	p.disp.Emit(dispatcher.Event{
		Name:           dispatcher.WorkerTimeout,
		OrchestratorID: ow.id,
		WorkerID:       snap.WorkerID,
		SessionID:      snap.SessionID,
		Payload:        snap,
	})
}

// terminate force-moves a worker to a terminal state outside the normal
// completion path.
func (p *Pool) terminate(ow *orchWorkers, ws *workerState, target WorkerStatus, reason string) {
	now := time.Now()
	ws.mu.Lock()
	if ws.w.Status.Terminal() {
		ws.mu.Unlock()
		return
	}
	ws.w.Status = target
	ws.w.FailureReason = reason
	ws.w.CompletedAt = &now
	snap := copyWorker(ws.w)
	ws.mu.Unlock()

	name := dispatcher.WorkerFailed
	if target == StatusCancelled {
		name = dispatcher.WorkerCancelled
	} else if target == StatusTimeout {
		name = dispatcher.WorkerTimeout
	}
	p.disp.Emit(dispatcher.Event{
		Name:           name,
		OrchestratorID: ow.id,
		WorkerID:       snap.WorkerID,
		SessionID:      snap.SessionID,
		Payload:        snap,
	})
}

// checkAllTerminal fires the all-terminal callback once per orchestrator.
func (p *Pool) checkAllTerminal(ow *orchWorkers) {
	ow.mu.Lock()
	if ow.done || len(ow.workers) == 0 || ow.queue.Len() > 0 {
		ow.mu.Unlock()
		return
	}
	for _, ws := range ow.workers {
		ws.mu.Lock()
		terminal := ws.w.Status.Terminal()
		ws.mu.Unlock()
		if !terminal {
			ow.mu.Unlock()
			return
		}
	}
	ow.done = true
	ow.mu.Unlock()

	log.Info(log.CatPool, "all workers terminal", "orchestratorId", ow.id)
	if p.onAllTerminal != nil {
		p.onAllTerminal(ow.id)
	}
}

// Workers returns snapshots of every worker record for an orchestrator, in
// insertion order.
func (p *Pool) Workers(orchestratorID string) []Worker {
	p.mu.RLock()
	ow, ok := p.orchs[orchestratorID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	ow.mu.Lock()
	ids := append([]string(nil), ow.order...)
	ow.mu.Unlock()

	out := make([]Worker, 0, len(ids))
	for _, id := range ids {
		ow.mu.Lock()
		ws, ok := ow.workers[id]
		ow.mu.Unlock()
		if ok {
			out = append(out, ws.snapshot())
		}
	}
	return out
}

func (p *Pool) workerState(orchestratorID, workerID string) (*orchWorkers, *workerState, error) {
	p.mu.RLock()
	ow, ok := p.orchs[orchestratorID]
	p.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: orchestrator %s", ErrWorkerNotFound, orchestratorID)
	}
	ow.mu.Lock()
	ws, ok := ow.workers[workerID]
	ow.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrWorkerNotFound, orchestratorID, workerID)
	}
	return ow, ws, nil
}

// PauseWorker flips a running worker to paused; the poller skips it.
func (p *Pool) PauseWorker(orchestratorID, workerID string) error {
	_, ws, err := p.workerState(orchestratorID, workerID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !CanTransition(ws.w.Status, StatusPaused) {
		return fmt.Errorf("%w: %s -> paused", ErrInvalidTransition, ws.w.Status)
	}
	ws.w.Status = StatusPaused
	return nil
}

// ResumeWorker returns a paused worker to running.
func (p *Pool) ResumeWorker(orchestratorID, workerID string) error {
	_, ws, err := p.workerState(orchestratorID, workerID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.w.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, ws.w.Status)
	}
	ws.w.Status = StatusRunning
	return nil
}

// CancelWorker best-effort interrupts the session and marks the worker
// cancelled.
func (p *Pool) CancelWorker(ctx context.Context, orchestratorID, workerID string) error {
	ow, ws, err := p.workerState(orchestratorID, workerID)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	if ws.w.Status.Terminal() {
		ws.mu.Unlock()
		return fmt.Errorf("%w: worker already terminal", ErrInvalidTransition)
	}
	sessionID := ws.w.SessionID
	ws.mu.Unlock()

	if sessionID != "" {
		if err := p.runtime.SendMessage(ctx, sessionID, InterruptMessage, nil); err != nil {
			log.Warn(log.CatPool, "cancel interrupt failed", "workerId", workerID, "error", err)
		}
	}
	p.terminate(ow, ws, StatusCancelled, "cancelled by user")
	return nil
}

// RetryWorker re-runs a failed or timed-out task. The exhausted record is
// preserved under a retry suffix; a fresh worker joins the queue.
func (p *Pool) RetryWorker(ctx context.Context, orchestratorID, workerID string) error {
	ow, ws, err := p.workerState(orchestratorID, workerID)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	status := ws.w.Status
	retryCount := ws.w.RetryCount
	task := ws.task
	ws.mu.Unlock()

	if status != StatusFailed && status != StatusTimeout {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, status)
	}
	if retryCount >= ow.tpl.Config.RetryMax {
		return fmt.Errorf("%w: %d/%d", ErrRetryExhausted, retryCount, ow.tpl.Config.RetryMax)
	}

	p.archiveRetryRecord(ow, ws, task, retryCount+1)
	ow.mu.Lock()
	ow.done = false
	ow.mu.Unlock()
	ow.queue.Enqueue(pendingTask{spec: task, retry: retryCount + 1})

	log.Info(log.CatPool, "worker retry queued",
		"orchestratorId", orchestratorID, "taskId", task.ID, "retry", retryCount+1)
	p.fillCapacity(ctx, ow)
	return nil
}

// PauseOrchestrator stops the poller and spawner for the run. In-flight
// adapter calls are not interrupted.
func (p *Pool) PauseOrchestrator(orchestratorID string) {
	p.mu.RLock()
	ow, ok := p.orchs[orchestratorID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	ow.mu.Lock()
	ow.paused = true
	ow.mu.Unlock()
}

// ResumeOrchestrator re-enables polling and spawning.
func (p *Pool) ResumeOrchestrator(ctx context.Context, orchestratorID string) {
	p.mu.RLock()
	ow, ok := p.orchs[orchestratorID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	ow.mu.Lock()
	ow.paused = false
	ow.mu.Unlock()
	p.fillCapacity(ctx, ow)
}

// CancelOrchestrator cancels every non-terminal worker concurrently and
// drops the pending queue. Each cancelled session receives one interrupt
// message, best-effort.
func (p *Pool) CancelOrchestrator(ctx context.Context, orchestratorID string) {
	p.mu.RLock()
	ow, ok := p.orchs[orchestratorID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	dropped := ow.queue.Clear()
	if dropped > 0 {
		log.Info(log.CatPool, "pending tasks dropped", "orchestratorId", orchestratorID, "count", dropped)
	}

	ow.mu.Lock()
	states := make([]*workerState, 0, len(ow.workers))
	for _, ws := range ow.workers {
		states = append(states, ws)
	}
	ow.done = true // suppress the all-terminal callback for cancelled runs
	ow.mu.Unlock()

	var wg sync.WaitGroup
	for _, ws := range states {
		ws.mu.Lock()
		terminal := ws.w.Status.Terminal()
		sessionID := ws.w.SessionID
		ws.mu.Unlock()
		if terminal {
			continue
		}

		wg.Add(1)
		go func(ws *workerState, sessionID string) {
			defer wg.Done()
			if sessionID != "" {
				if err := p.runtime.SendMessage(ctx, sessionID, InterruptMessage, nil); err != nil {
					log.Warn(log.CatPool, "cancel interrupt failed", "sessionId", sessionID, "error", err)
				}
			}
			p.terminate(ow, ws, StatusCancelled, "orchestrator cancelled")
		}(ws, sessionID)
	}
	wg.Wait()
}

// Cleanup archives or deletes every worker session for the orchestrator and
// removes its pool state.
func (p *Pool) Cleanup(ctx context.Context, orchestratorID string, mode CleanupMode) error {
	p.mu.Lock()
	ow, ok := p.orchs[orchestratorID]
	if ok {
		delete(p.orchs, orchestratorID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	for _, id := range ow.order {
		ws := ow.workers[id]
		if ws == nil {
			continue
		}
		ws.mu.Lock()
		sessionID := ws.w.SessionID
		ws.mu.Unlock()
		if sessionID == "" {
			continue
		}

		var err error
		switch mode {
		case CleanupDelete:
			err = p.runtime.DeleteSession(ctx, sessionID)
		default:
			err = p.runtime.ArchiveSession(ctx, sessionID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sessionID, err))
		}
	}

	log.Info(log.CatPool, "cleanup finished",
		"orchestratorId", orchestratorID, "mode", mode, "errors", len(errs))
	return errors.Join(errs...)
}

// mergeVars overlays b onto a without mutating either.
func mergeVars(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func taskBindings(task response.TaskSpec) map[string]any {
	return map[string]any{
		"TASK_ID":          task.ID,
		"TASK_TITLE":       task.Title,
		"TASK_DESCRIPTION": task.Description,
		"TASK_SCOPE":       task.Scope,
	}
}
