package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/maestro/internal/adapter"
	"github.com/zjrosen/maestro/internal/dispatcher"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/pool"
	"github.com/zjrosen/maestro/internal/response"
	"github.com/zjrosen/maestro/internal/template"
	"github.com/zjrosen/maestro/internal/tracing"
)

// summaryLimit caps each worker summary included in the aggregation prompt.
const summaryLimit = 2000

// CreateRequest describes a new orchestration run.
type CreateRequest struct {
	TemplateID string
	Cwd        string
	Message    string
	Variables  map[string]any
}

// TaskModifications carries user edits applied before spawning workers.
type TaskModifications struct {
	Remove []string
	Edit   []Task
}

// entry pairs a record with its lock and monitor handle. All mutations of
// the record happen under mu, so phase handlers are serialized per
// orchestrator.
type entry struct {
	mu            sync.Mutex
	o             *Orchestrator
	cancelMonitor context.CancelFunc
}

// Manager owns every orchestrator in the process.
type Manager struct {
	runtime   adapter.Runtime
	templates *template.Store
	store     *Store
	disp      *dispatcher.Dispatcher
	pool      *pool.Pool
	tracer    trace.Tracer

	cleanupMode pool.CleanupMode

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager wires the manager and registers pool callbacks.
func NewManager(runtime adapter.Runtime, templates *template.Store, store *Store, disp *dispatcher.Dispatcher, pl *pool.Pool, cleanupMode pool.CleanupMode) *Manager {
	m := &Manager{
		runtime:     runtime,
		templates:   templates,
		store:       store,
		disp:        disp,
		pool:        pl,
		tracer:      otel.Tracer("maestro/orchestrator"),
		cleanupMode: cleanupMode,
		entries:     make(map[string]*entry),
	}
	pl.SetOnAllTerminal(m.onWorkersDone)
	pl.SetOnToolUse(m.onToolUse)
	return m
}

// Create resolves the template and records a new orchestrator in created
// status. Nothing is sent to the host yet.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Orchestrator, error) {
	tpl, err := m.templates.Get(req.TemplateID)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(tpl.Variables)+len(req.Variables)+1)
	for k, v := range tpl.Variables {
		vars[k] = v
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	vars["USER_REQUEST"] = req.Message

	o := &Orchestrator{
		ID:               "orch-" + uuid.NewString()[:8],
		TemplateID:       req.TemplateID,
		ResolvedTemplate: tpl,
		Cwd:              req.Cwd,
		Message:          req.Message,
		Status:           StatusCreated,
		CurrentPhase:     PhaseAnalysis,
		Variables:        vars,
		WorkersByTaskID:  make(map[string]string),
		CreatedAt:        time.Now(),
	}

	m.mu.Lock()
	m.entries[o.ID] = &entry{o: o}
	m.mu.Unlock()

	log.Info(log.CatOrch, "orchestrator created",
		"id", o.ID, "templateId", req.TemplateID, "cwd", req.Cwd)
	m.persist()
	m.disp.Emit(dispatcher.Event{
		Name:           dispatcher.OrchestratorCreated,
		OrchestratorID: o.ID,
		Payload:        o.snapshot(),
	})
	return o.snapshot(), nil
}

// Start opens the main session with the analysis prompt and arms the
// transcript monitor.
func (m *Manager) Start(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, tracing.SpanPrefixOrchestrator+"start",
		trace.WithAttributes(attribute.String(tracing.AttrOrchestratorID, id)))
	defer span.End()

	ent, err := m.entry(id)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	if ent.o.Status != StatusCreated {
		ent.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, ent.o.Status)
	}

	prompt := template.Substitute(ent.o.ResolvedTemplate.Prompts.Analysis, ent.o.Variables)
	sessionID, err := m.runtime.StartSessionWithMessage(ctx, ent.o.Cwd, prompt, adapter.StartOptions{
		Name: "maestro " + ent.o.ID,
	})
	if err != nil {
		ent.mu.Unlock()
		return fmt.Errorf("start main session: %w", err)
	}

	now := time.Now()
	ent.o.MainSessionID = sessionID
	ent.o.Status = StatusRunning
	ent.o.StartedAt = &now
	ent.o.LastProgressAt = &now

	m.armMonitorLocked(ctx, ent)
	ent.mu.Unlock()
	m.persist()

	log.Info(log.CatOrch, "orchestrator started", "id", id, "mainSessionId", sessionID)
	m.disp.Emit(dispatcher.Event{
		Name:           dispatcher.OrchestratorStarted,
		OrchestratorID: id,
		SessionID:      sessionID,
	})
	return nil
}

// armMonitorLocked launches the main-session poller for an entry.
func (m *Manager) armMonitorLocked(ctx context.Context, ent *entry) {
	if ent.cancelMonitor != nil {
		return
	}
	monCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ent.cancelMonitor = cancel
	id := ent.o.ID
	log.SafeGo("orchestrator-monitor-"+id, func() {
		m.runMonitor(monCtx, id)
	})
}

// runMonitor polls the main session at the template cadence, applying new
// transcript content and watching for stalls.
func (m *Manager) runMonitor(ctx context.Context, id string) {
	ent, err := m.entry(id)
	if err != nil {
		return
	}

	ent.mu.Lock()
	interval := ent.o.ResolvedTemplate.Config.PollInterval()
	stallAfter := 2 * ent.o.ResolvedTemplate.Config.WorkerTimeout()
	ent.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastActivity := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ent.mu.Lock()
		status := ent.o.Status
		phase := ent.o.CurrentPhase
		sessionID := ent.o.MainSessionID
		workers := m.pool.Workers(id)
		ent.o.Workers = workers

		// Worker transcript growth counts as progress; so does waiting on
		// the user, whose deliberation must never trip the stall check.
		if activity := workerActivity(workers); activity > lastActivity || phase == PhaseAwaitingConfirmation {
			lastActivity = activity
			now := time.Now()
			ent.o.LastProgressAt = &now
		}
		lastProgress := ent.o.LastProgressAt
		ent.mu.Unlock()

		if status.Terminal() {
			return
		}
		if status == StatusPaused {
			continue
		}

		if lastProgress != nil && time.Since(*lastProgress) > stallAfter {
			m.setError(id, "no progress")
			return
		}

		// The main channel only matters while the orchestrator is waiting
		// on its supervising session.
		if phase == PhaseAnalysis || phase == PhaseTaskPlanning || phase == PhaseAggregation {
			transcript, err := m.runtime.GetTranscript(ctx, sessionID)
			if err != nil {
				log.Warn(log.CatOrch, "main session poll failed", "id", id, "error", err)
				continue
			}
			if err := m.ProcessPhase(ctx, id, transcript); err != nil {
				log.ErrorErr(log.CatOrch, "phase processing failed", err, "id", id)
				m.setError(id, err.Error())
				return
			}
		}

		m.persist()
	}
}

// workerActivity folds worker snapshots into a monotonic counter: spawns,
// transcript growth, and terminal transitions all move it.
func workerActivity(workers []pool.Worker) int {
	n := len(workers)
	for _, w := range workers {
		n += w.TranscriptCursor
		if w.Status.Terminal() {
			n++
		}
	}
	return n
}

// ProcessPhase applies main-session transcript content past the processed
// offset. Protocol errors are reported but never kill the orchestrator.
func (m *Manager) ProcessPhase(ctx context.Context, id string, transcript []adapter.TranscriptEntry) error {
	ent, err := m.entry(id)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	if ent.o.Status.Terminal() || len(transcript) <= ent.o.LastProcessedTranscriptOffset {
		ent.mu.Unlock()
		return nil
	}
	fresh := transcript[ent.o.LastProcessedTranscriptOffset:]
	ent.o.LastProcessedTranscriptOffset = len(transcript)
	now := time.Now()
	ent.o.LastProgressAt = &now

	autoSpawn := false
	var procErr error
loop:
	for _, entryItem := range fresh {
		if entryItem.Type != "assistant" {
			continue
		}
		for _, result := range response.ParseMultiple(entryItem.Text()) {
			if result.Err != nil {
				m.emitProtocolErrorLocked(ent.o, result.Err)
				continue
			}
			spawn, err := m.applyPayloadLocked(ctx, ent.o, result.Payload)
			if err != nil {
				procErr = err
				break loop
			}
			autoSpawn = autoSpawn || spawn
		}
	}
	ent.mu.Unlock()
	m.persist()

	if procErr != nil {
		return procErr
	}
	if autoSpawn {
		return m.ConfirmTasksAndSpawn(ctx, id, nil)
	}
	return nil
}

// applyPayloadLocked dispatches one parsed payload against the current
// phase. Returns whether auto-spawn should fire.
func (m *Manager) applyPayloadLocked(ctx context.Context, o *Orchestrator, payload response.Payload) (bool, error) {
	switch p := payload.(type) {
	case response.Analysis:
		if o.CurrentPhase != PhaseAnalysis {
			return false, nil
		}
		o.Analysis = &p
		if err := m.advancePhaseLocked(o, PhaseTaskPlanning); err != nil {
			return false, err
		}
		m.disp.Emit(dispatcher.Event{
			Name:           dispatcher.OrchestratorAnalysisComplete,
			OrchestratorID: o.ID,
			Payload:        p,
		})

		vars := mergeVariables(o.Variables, map[string]any{"ANALYSIS_SUMMARY": p.Summary})
		prompt := template.Substitute(o.ResolvedTemplate.Prompts.TaskPlanning, vars)
		if err := m.runtime.SendMessage(ctx, o.MainSessionID, prompt, nil); err != nil {
			return false, fmt.Errorf("inject task-planning prompt: %w", err)
		}
		return false, nil

	case response.TaskList:
		if o.CurrentPhase != PhaseTaskPlanning {
			return false, nil
		}
		tasks := make([]Task, 0, len(p.Tasks))
		for _, spec := range p.Tasks {
			tasks = append(tasks, taskFromSpec(spec))
		}
		o.Tasks = tasks
		if err := m.advancePhaseLocked(o, PhaseAwaitingConfirmation); err != nil {
			return false, err
		}
		m.disp.Emit(dispatcher.Event{
			Name:           dispatcher.OrchestratorTasksReady,
			OrchestratorID: o.ID,
			Payload:        tasks,
		})
		return o.ResolvedTemplate.Config.AutoSpawnWorkers, nil

	case response.Progress:
		// Progress on the main channel is rare; only the counters move.
		m.disp.Emit(dispatcher.Event{
			Name:           dispatcher.OrchestratorProgress,
			OrchestratorID: o.ID,
			Payload:        p,
		})
		return false, nil

	case response.Completion:
		return false, nil

	case response.Aggregation:
		if o.CurrentPhase != PhaseAggregation {
			return false, nil
		}
		o.Aggregation = &p
		if err := m.advancePhaseLocked(o, PhaseDone); err != nil {
			return false, err
		}
		now := time.Now()
		o.Status = StatusCompleted
		o.CompletedAt = &now
		log.Info(log.CatOrch, "orchestrator completed", "id", o.ID)
		m.disp.Emit(dispatcher.Event{
			Name:           dispatcher.OrchestratorCompleted,
			OrchestratorID: o.ID,
			Payload:        p,
		})
		return false, nil
	}
	return false, nil
}

// advancePhaseLocked moves the phase forward, rejecting out-of-order moves.
func (m *Manager) advancePhaseLocked(o *Orchestrator, to Phase) error {
	if !CanTransitionPhase(o.CurrentPhase, to) {
		return fmt.Errorf("%w: phase %s -> %s", ErrInvalidTransition, o.CurrentPhase, to)
	}
	from := o.CurrentPhase
	o.CurrentPhase = to
	log.Info(log.CatOrch, "phase advanced", "id", o.ID, "from", from, "to", to)
	m.disp.Emit(dispatcher.Event{
		Name:           dispatcher.OrchestratorPhaseChanged,
		OrchestratorID: o.ID,
		Payload:        map[string]any{"from": from, "to": to},
	})
	return nil
}

// ConfirmTasksAndSpawn applies optional task edits and hands the batch to
// the pool. Task records become immutable past this point.
func (m *Manager) ConfirmTasksAndSpawn(ctx context.Context, id string, mods *TaskModifications) error {
	ent, err := m.entry(id)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	if ent.o.Status != StatusRunning {
		ent.mu.Unlock()
		return fmt.Errorf("%w: confirm while %s", ErrInvalidTransition, ent.o.Status)
	}
	if ent.o.CurrentPhase != PhaseAwaitingConfirmation {
		ent.mu.Unlock()
		return fmt.Errorf("%w: confirm in phase %s", ErrInvalidTransition, ent.o.CurrentPhase)
	}

	tasks := applyModifications(ent.o.Tasks, mods)
	if len(tasks) == 0 {
		ent.mu.Unlock()
		return fmt.Errorf("orchestrator %s: no tasks to spawn", id)
	}
	ent.o.Tasks = tasks
	if err := m.advancePhaseLocked(ent.o, PhaseWorkerExecution); err != nil {
		ent.mu.Unlock()
		return err
	}
	now := time.Now()
	ent.o.LastProgressAt = &now

	specs := make([]response.TaskSpec, 0, len(tasks))
	for _, t := range tasks {
		specs = append(specs, t.toSpec())
		ent.o.WorkersByTaskID[t.ID] = t.ID
	}
	req := pool.BatchRequest{
		OrchestratorID: id,
		Cwd:            ent.o.Cwd,
		Template:       ent.o.ResolvedTemplate,
		Variables:      ent.o.Variables,
		Tasks:          specs,
	}
	ent.mu.Unlock()

	if err := m.pool.SpawnBatch(ctx, req); err != nil {
		return err
	}
	m.persist()
	return nil
}

func applyModifications(tasks []Task, mods *TaskModifications) []Task {
	if mods == nil {
		return tasks
	}
	removed := make(map[string]bool, len(mods.Remove))
	for _, id := range mods.Remove {
		removed[id] = true
	}
	edits := make(map[string]Task, len(mods.Edit))
	for _, t := range mods.Edit {
		edits[t.ID] = t
	}

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if removed[t.ID] {
			continue
		}
		if edit, ok := edits[t.ID]; ok {
			out = append(out, edit)
			continue
		}
		out = append(out, t)
	}
	return out
}

// onWorkersDone fires when the pool reports every worker terminal. It
// injects the aggregation prompt with per-worker summaries.
func (m *Manager) onWorkersDone(id string) {
	ent, err := m.entry(id)
	if err != nil {
		return
	}

	ent.mu.Lock()
	if ent.o.Status != StatusRunning || ent.o.CurrentPhase != PhaseWorkerExecution {
		ent.mu.Unlock()
		return
	}

	workers := m.pool.Workers(id)
	ent.o.Workers = workers
	now := time.Now()
	ent.o.LastProgressAt = &now

	vars := mergeVariables(ent.o.Variables, map[string]any{
		"WORKER_RESULTS": renderWorkerResults(workers),
	})
	prompt := template.Substitute(ent.o.ResolvedTemplate.Prompts.Aggregation, vars)

	if err := m.runtime.SendMessage(context.Background(), ent.o.MainSessionID, prompt, nil); err != nil {
		log.ErrorErr(log.CatOrch, "aggregation prompt failed", err, "id", id)
		m.setErrorLocked(ent.o, fmt.Sprintf("aggregation prompt: %v", err))
		ent.mu.Unlock()
		m.persist()
		return
	}
	if err := m.advancePhaseLocked(ent.o, PhaseAggregation); err != nil {
		log.ErrorErr(log.CatOrch, "aggregation transition failed", err, "id", id)
		ent.mu.Unlock()
		return
	}
	ent.mu.Unlock()
	m.persist()
}

// renderWorkerResults summarizes every worker for the aggregation prompt.
func renderWorkerResults(workers []pool.Worker) string {
	var sb strings.Builder
	for _, w := range workers {
		fmt.Fprintf(&sb, "Task %s [%s]", w.TaskID, w.Status)
		if w.FailureReason != "" {
			fmt.Fprintf(&sb, " (%s)", w.FailureReason)
		}
		sb.WriteString(":\n")
		if w.Output != "" {
			sb.WriteString(truncateRunes(w.Output, summaryLimit))
			sb.WriteString("\n")
		}
		if len(w.OutputFiles) > 0 {
			fmt.Fprintf(&sb, "Files: %s\n", strings.Join(w.OutputFiles, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// onToolUse folds worker tool invocations into orchestrator stats.
func (m *Manager) onToolUse(id, tool string, count int) {
	ent, err := m.entry(id)
	if err != nil {
		return
	}
	ent.mu.Lock()
	if ent.o.Stats.ToolUses == nil {
		ent.o.Stats.ToolUses = make(map[string]int64)
	}
	ent.o.Stats.ToolUses[tool] += int64(count)
	ent.o.Stats.TotalToolUses += int64(count)
	now := time.Now()
	ent.o.LastProgressAt = &now
	ent.mu.Unlock()
	m.persist()
}

// Pause stops phase progression and worker polling without interrupting
// in-flight sends.
func (m *Manager) Pause(ctx context.Context, id string) error {
	ent, err := m.entry(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	if !CanTransitionStatus(ent.o.Status, StatusPaused) {
		ent.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, ent.o.Status)
	}
	ent.o.Status = StatusPaused
	ent.mu.Unlock()

	m.pool.PauseOrchestrator(id)
	m.persist()
	m.disp.Emit(dispatcher.Event{Name: dispatcher.OrchestratorPaused, OrchestratorID: id})
	return nil
}

// Resume reverses Pause.
func (m *Manager) Resume(ctx context.Context, id string) error {
	ent, err := m.entry(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	if ent.o.Status != StatusPaused {
		ent.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, ent.o.Status)
	}
	ent.o.Status = StatusRunning
	ent.mu.Unlock()

	m.pool.ResumeOrchestrator(ctx, id)
	m.persist()
	m.disp.Emit(dispatcher.Event{Name: dispatcher.OrchestratorResumed, OrchestratorID: id})
	return nil
}

// Cancel terminates the run: workers are interrupted concurrently, sessions
// cleaned up per the configured mode, and the record finalized.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	ent, err := m.entry(id)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	if !CanTransitionStatus(ent.o.Status, StatusCancelled) {
		ent.mu.Unlock()
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, ent.o.Status)
	}
	if ent.cancelMonitor != nil {
		ent.cancelMonitor()
		ent.cancelMonitor = nil
	}
	ent.mu.Unlock()

	m.pool.CancelOrchestrator(ctx, id)
	workers := m.pool.Workers(id)
	if err := m.pool.Cleanup(ctx, id, m.cleanupMode); err != nil {
		log.Warn(log.CatOrch, "cleanup incomplete", "id", id, "error", err)
	}

	now := time.Now()
	ent.mu.Lock()
	ent.o.Status = StatusCancelled
	ent.o.CompletedAt = &now
	ent.o.Workers = workers
	ent.mu.Unlock()

	m.persist()
	log.Info(log.CatOrch, "orchestrator cancelled", "id", id)
	m.disp.Emit(dispatcher.Event{Name: dispatcher.OrchestratorCancelled, OrchestratorID: id})
	return nil
}

// setError finalizes the orchestrator with a failure reason.
func (m *Manager) setError(id, reason string) {
	ent, err := m.entry(id)
	if err != nil {
		return
	}
	ent.mu.Lock()
	m.setErrorLocked(ent.o, reason)
	if ent.cancelMonitor != nil {
		ent.cancelMonitor()
		ent.cancelMonitor = nil
	}
	ent.mu.Unlock()
	m.persist()
}

func (m *Manager) setErrorLocked(o *Orchestrator, reason string) {
	if o.Status.Terminal() {
		return
	}
	now := time.Now()
	o.Status = StatusError
	o.ErrorReason = reason
	o.CompletedAt = &now
	log.Error(log.CatOrch, "orchestrator failed", "id", o.ID, "reason", reason)
	m.disp.Emit(dispatcher.Event{
		Name:           dispatcher.OrchestratorError,
		OrchestratorID: o.ID,
		Payload:        map[string]any{"reason": reason, "fatal": true},
	})
}

// emitProtocolErrorLocked reports a malformed block without terminating.
func (m *Manager) emitProtocolErrorLocked(o *Orchestrator, cause error) {
	log.Warn(log.CatOrch, "protocol error on main channel", "id", o.ID, "error", cause)
	m.disp.Emit(dispatcher.Event{
		Name:           dispatcher.OrchestratorError,
		OrchestratorID: o.ID,
		Payload:        map[string]any{"reason": cause.Error(), "fatal": false},
	})
}

// Get returns a snapshot of one orchestrator.
func (m *Manager) Get(id string) (*Orchestrator, error) {
	ent, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.o.snapshot(), nil
}

// List returns snapshots of every orchestrator.
func (m *Manager) List() []*Orchestrator {
	m.mu.RLock()
	ents := make([]*entry, 0, len(m.entries))
	for _, ent := range m.entries {
		ents = append(ents, ent)
	}
	m.mu.RUnlock()

	out := make([]*Orchestrator, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		out = append(out, ent.o.snapshot())
		ent.mu.Unlock()
	}
	return out
}

// LoadAll rehydrates persisted orchestrators. Monitoring is NOT re-armed;
// call Rearm per orchestrator to resume.
func (m *Manager) LoadAll() error {
	records, err := m.store.LoadAll()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if _, exists := m.entries[rec.ID]; exists {
			continue
		}
		m.entries[rec.ID] = &entry{o: rec}
	}
	return nil
}

// Rearm resumes monitoring for a rehydrated orchestrator: worker records
// re-enter the pool with their cursors intact and the main-session poller
// restarts.
func (m *Manager) Rearm(ctx context.Context, id string) error {
	ent, err := m.entry(id)
	if err != nil {
		return err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.o.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, ent.o.Status)
	}
	if ent.o.MainSessionID == "" {
		return fmt.Errorf("%w: rearm before start", ErrInvalidTransition)
	}

	if len(ent.o.Workers) > 0 {
		specs := make([]response.TaskSpec, 0, len(ent.o.Tasks))
		for _, t := range ent.o.Tasks {
			specs = append(specs, t.toSpec())
		}
		m.pool.Adopt(pool.BatchRequest{
			OrchestratorID: id,
			Cwd:            ent.o.Cwd,
			Template:       ent.o.ResolvedTemplate,
			Variables:      ent.o.Variables,
			Tasks:          specs,
		}, ent.o.Workers)
	}

	now := time.Now()
	ent.o.LastProgressAt = &now
	m.armMonitorLocked(ctx, ent)
	log.Info(log.CatOrch, "orchestrator re-armed", "id", id)
	return nil
}

// Shutdown stops monitors and flushes the store.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	for _, ent := range m.entries {
		ent.mu.Lock()
		if ent.cancelMonitor != nil {
			ent.cancelMonitor()
			ent.cancelMonitor = nil
		}
		ent.mu.Unlock()
	}
	m.mu.RUnlock()

	m.persist()
	return m.store.Flush()
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	ent, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ent, nil
}

// persist schedules a debounced write of the whole table. Live worker
// snapshots are folded in so restarts see the latest cursors.
func (m *Manager) persist() {
	m.mu.RLock()
	ents := make([]*entry, 0, len(m.entries))
	for _, ent := range m.entries {
		ents = append(ents, ent)
	}
	m.mu.RUnlock()

	records := make([]*Orchestrator, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		if workers := m.pool.Workers(ent.o.ID); workers != nil {
			ent.o.Workers = workers
		}
		records = append(records, ent.o.snapshot())
		ent.mu.Unlock()
	}
	m.store.Schedule(records)
}

func mergeVariables(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
