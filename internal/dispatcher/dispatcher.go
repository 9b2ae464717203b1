// Package dispatcher fans engine events out to subscribers. Delivery is
// best-effort and FIFO per subscriber; there is no retention.
package dispatcher

import (
	"context"
	"time"

	"github.com/zjrosen/maestro/internal/pubsub"
)

// EventName identifies an engine event.
type EventName string

const (
	OrchestratorCreated          EventName = "orchestrator:created"
	OrchestratorStarted          EventName = "orchestrator:started"
	OrchestratorPhaseChanged     EventName = "orchestrator:phaseChanged"
	OrchestratorAnalysisComplete EventName = "orchestrator:analysisComplete"
	OrchestratorTasksReady       EventName = "orchestrator:tasksReady"
	OrchestratorProgress         EventName = "orchestrator:progress"
	OrchestratorCompleted        EventName = "orchestrator:completed"
	OrchestratorCancelled        EventName = "orchestrator:cancelled"
	OrchestratorPaused           EventName = "orchestrator:paused"
	OrchestratorResumed          EventName = "orchestrator:resumed"
	OrchestratorError            EventName = "orchestrator:error"

	WorkerSpawned   EventName = "worker:spawned"
	WorkerProgress  EventName = "worker:progress"
	WorkerCompleted EventName = "worker:completed"
	WorkerFailed    EventName = "worker:failed"
	WorkerTimeout   EventName = "worker:timeout"
	WorkerCancelled EventName = "worker:cancelled"

	SubsessionRegistered     EventName = "subsession:registered"
	SubsessionStatusChanged  EventName = "subsession:statusChanged"
	SubsessionResultReturned EventName = "subsession:resultReturned"
	SubsessionOrphaned       EventName = "subsession:orphaned"
)

// Event is one engine event. Identifier fields are set when applicable;
// Payload carries event-specific detail.
type Event struct {
	Name           EventName
	OrchestratorID string
	WorkerID       string
	SessionID      string
	Payload        any
	Time           time.Time
}

// Dispatcher is the process-wide event bus.
type Dispatcher struct {
	broker *pubsub.Broker[Event]
}

// New creates a dispatcher.
func New() *Dispatcher {
	return &Dispatcher{broker: pubsub.NewBroker[Event]()}
}

// Emit publishes an event. Never blocks; slow subscribers drop events.
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	d.broker.Publish(e)
}

// Subscribe returns a channel of events, closed when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return d.broker.Subscribe(ctx)
}

// Close shuts the bus down; subscriber channels are closed.
func (d *Dispatcher) Close() {
	d.broker.Close()
}
