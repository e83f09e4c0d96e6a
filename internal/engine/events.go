package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Workflow event types appended to the instance event log and dispatched to
// subscribers.
const (
	EventInstanceCreated       = "instance_created"
	EventInstanceCompleted     = "instance_completed"
	EventInstanceCanceled      = "instance_canceled"
	EventStageActivated        = "stage_activated"
	EventStageCompleted        = "stage_completed"
	EventStageCanceled         = "stage_canceled"
	EventStageSkipped          = "stage_skipped"
	EventTaskAssigned          = "task_assigned"
	EventTaskApproved          = "task_approved"
	EventTaskRejected          = "task_rejected"
	EventTaskDelegated         = "task_delegated"
	EventTaskReassigned        = "task_reassigned"
	EventTaskReleased          = "task_released"
	EventTaskBypassed          = "task_bypassed"
	EventEscalated             = "escalated"
	EventChangesRequested      = "changes_requested"
	EventInstanceHeld          = "instance_held"
	EventInstanceResumed       = "instance_resumed"
	EventCommentAdded          = "comment_added"
	EventLifecycleResumeFailed = "lifecycle_resume_failed"
)

// Event is the in-process form of a workflow event.
type Event struct {
	Type       string
	TenantID   string
	InstanceID string
	TaskID     *string
	Actor      string
	Payload    map[string]any
	OccurredAt time.Time
}

// EventHandler receives workflow events. Handlers run synchronously on the
// emitting goroutine; panics and long blocking are the handler's problem to
// avoid, but panics are recovered and logged so they never fail the action.
type EventHandler func(Event)

// emitter fans events out to the durable log, the notifier and in-process
// subscribers. Every sink is best-effort.
type emitter struct {
	events   EventLog
	notifier Notifier
	log      *logger.Logger

	mu       sync.RWMutex
	handlers []EventHandler
}

func (e *emitter) subscribe(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *emitter) emit(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	var actor *string
	if ev.Actor != "" {
		actor = &ev.Actor
	}
	record := &repository.ApprovalEvent{
		InstanceID: ev.InstanceID,
		TenantID:   ev.TenantID,
		TaskID:     ev.TaskID,
		EventType:  ev.Type,
		Actor:      actor,
		Payload:    ev.Payload,
	}
	if err := e.events.Append(ctx, record); err != nil {
		e.log.Warn().Err(err).
			Str("instance_id", ev.InstanceID).
			Str("event_type", ev.Type).
			Msg("Failed to append approval event")
	}

	if e.notifier != nil {
		e.notifier.PublishApprovalEvent(ctx, ev.Type, ev.TenantID, ev.InstanceID, ev.Actor, ev.Payload)
	}

	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		e.dispatch(h, ev)
	}
}

func (e *emitter) dispatch(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("event_type", ev.Type).
				Str("instance_id", ev.InstanceID).
				Msg("Workflow event handler panicked")
		}
	}()
	h(ev)
}
