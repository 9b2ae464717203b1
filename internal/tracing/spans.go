package tracing

// Span attribute keys used across the engine.
const (
	AttrOrchestratorID    = "orchestrator.id"
	AttrOrchestratorPhase = "orchestrator.phase"
	AttrTemplateID        = "template.id"

	AttrWorkerID     = "worker.id"
	AttrWorkerStatus = "worker.status"
	AttrTaskID       = "task.id"

	AttrSessionID = "session.id"

	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixAdapter      = "adapter."
	SpanPrefixOrchestrator = "orchestrator."
	SpanPrefixWorker       = "worker."
	SpanPrefixPool         = "pool."
)

// Span event names.
const (
	EventPhaseAdvanced   = "phase.advanced"
	EventBlockParsed     = "block.parsed"
	EventWorkerSpawned   = "worker.spawned"
	EventWorkerTerminal  = "worker.terminal"
	EventMessageInjected = "message.injected"
)
