// Package events defines the control plane's status event bus.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies an event and doubles as its subject suffix
type Type string

const (
	AgentRegistered    Type = "agent.registered"
	AgentUnregistered  Type = "agent.unregistered"
	AgentStatusChanged Type = "agent.status"
	AgentOffline       Type = "agent.offline"

	TaskSubmitted Type = "task.submitted"
	TaskAssigned  Type = "task.assigned"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskRetried   Type = "task.retry"
	TaskCancelled Type = "task.cancelled"

	WorkflowStarted       Type = "workflow.started"
	WorkflowStepCompleted Type = "workflow.step_completed"
	WorkflowCompleted     Type = "workflow.completed"
	WorkflowFailed        Type = "workflow.failed"
	WorkflowPaused        Type = "workflow.paused"
	WorkflowCancelled     Type = "workflow.cancelled"

	FleetMetrics Type = "metrics.fleet"
	Notification Type = "notification.sent"
)

// AlertType returns the event type used for alerts of the given kind
func AlertType(kind string) Type {
	return Type("alert." + kind)
}

// Event is a status change broadcast by a control plane component
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh id and the current time
func New(t Type, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Publisher sends events to the bus
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(ctx context.Context, event *Event) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher
func (r *Recorder) Publish(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

// OfType returns the recorded events of the given type
func (r *Recorder) OfType(t Type) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Emitter publishes events on behalf of a component. Publish failures are
// logged and never surface to the caller.
type Emitter struct {
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
}

// NewEmitter wraps publisher. A nil publisher drops events.
func NewEmitter(publisher Publisher, logger *zap.Logger) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// Emit publishes an event of type t with data
func (e *Emitter) Emit(t Type, data map[string]interface{}) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, New(t, data)); err != nil {
		e.logger.Warn("Failed to publish event",
			zap.String("type", string(t)),
			zap.Error(err))
	}
}
