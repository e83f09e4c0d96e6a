// Package sla schedules reminder and escalation timers for approval tasks.
//
// Timers are delayed jobs with deterministic IDs (taskID:kind), so scheduling
// is idempotent: rehydration after a restart re-enqueues the same IDs and the
// queue's dedupe drops the duplicates. Cancellation only records intent; a
// fired timer whose task is no longer pending is a no-op, which is the actual
// correctness mechanism.
package sla

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/queue"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Job types on the shared queue.
const (
	JobReminder   = "approval.reminder"
	JobEscalation = "approval.escalation"
)

// Timer event types, appended to the instance event log when a timer fires.
const (
	EventReminderSent = "reminder_sent"
	EventSLAEscalated = "sla_escalated"
)

const (
	defaultReminderFrac = 0.75
	deliveryAttempts    = 3
	deliveryBackoff     = 30 * time.Second
)

// TaskSource is what the timer handlers need from task storage.
type TaskSource interface {
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalTask, error)
	ListPendingWithFutureDue(ctx context.Context, tenantID string) ([]*repository.ApprovalTask, error)
}

// EventSink records timer outcomes on the instance trail.
type EventSink interface {
	Append(ctx context.Context, event *repository.ApprovalEvent) error
	AppendEscalation(ctx context.Context, esc *repository.ApprovalEscalation) error
}

// Notifier pushes timer events to the notification platform.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, tenantID, instanceID, actorID string, payload map[string]any)
}

// Service schedules and handles SLA timers. Implements engine.Timers.
type Service struct {
	queue        queue.Queue
	tasks        TaskSource
	events       EventSink
	notifier     Notifier
	log          *logger.Logger
	reminderFrac float64
	now          func() time.Time
}

// Config wires a Service.
type Config struct {
	Queue        queue.Queue
	Tasks        TaskSource
	Events       EventSink
	Notifier     Notifier
	Logger       *logger.Logger
	ReminderFrac float64 // fraction of the SLA window before the reminder, (0,1)
}

// New creates the timer service and registers its queue handlers.
func New(cfg Config) *Service {
	frac := cfg.ReminderFrac
	if frac <= 0 || frac >= 1 {
		frac = defaultReminderFrac
	}
	s := &Service{
		queue:        cfg.Queue,
		tasks:        cfg.Tasks,
		events:       cfg.Events,
		notifier:     cfg.Notifier,
		log:          cfg.Logger,
		reminderFrac: frac,
		now:          time.Now,
	}
	s.queue.Process(JobReminder, 4, s.handleReminder)
	s.queue.Process(JobEscalation, 4, s.handleEscalation)
	return s
}

type timerPayload struct {
	TenantID   string `json:"tenant_id"`
	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
}

// ScheduleForTask enqueues the reminder and escalation timers for a task
// with a due time. Best-effort: failures are logged, the task stands either
// way and rehydration will retry the scheduling.
func (s *Service) ScheduleForTask(ctx context.Context, task *repository.ApprovalTask) {
	if task.DueAt == nil {
		return
	}
	now := s.now()
	if !task.DueAt.After(now) {
		return
	}

	remaining := task.DueAt.Sub(now)
	s.enqueue(ctx, task, JobReminder, time.Duration(float64(remaining)*s.reminderFrac))
	s.enqueue(ctx, task, JobEscalation, remaining)
}

// CancelForTask records cancellation intent. Queued jobs are not revoked;
// the pending-status guard in the handlers makes the eventual fire harmless.
func (s *Service) CancelForTask(ctx context.Context, task *repository.ApprovalTask) {
	s.log.Debug().
		Str("task_id", task.ID).
		Msg("Task timers canceled, queued jobs will no-op on fire")
}

// Rehydrate re-enqueues timers for every pending task with a future due
// time. Run at startup; deterministic job IDs make it idempotent against
// jobs that survived in the queue.
func (s *Service) Rehydrate(ctx context.Context, tenantID string) (int, error) {
	tasks, err := s.tasks.ListPendingWithFutureDue(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		s.ScheduleForTask(ctx, task)
	}
	s.log.Info().
		Str("tenant_id", tenantID).
		Int("task_count", len(tasks)).
		Msg("Rehydrated SLA timers")
	return len(tasks), nil
}

func (s *Service) enqueue(ctx context.Context, task *repository.ApprovalTask, jobType string, delay time.Duration) {
	kind := "reminder"
	if jobType == JobEscalation {
		kind = "escalation"
	}
	payload, err := json.Marshal(timerPayload{
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		InstanceID: task.InstanceID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to marshal timer payload")
		return
	}

	err = s.queue.Enqueue(ctx, queue.Job{
		ID:      task.ID + ":" + kind,
		Type:    jobType,
		Payload: payload,
	}, queue.Options{
		Delay:    delay,
		Attempts: deliveryAttempts,
		Backoff:  deliveryBackoff,
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("task_id", task.ID).
			Str("job_type", jobType).
			Msg("Failed to schedule SLA timer")
	}
}

// handleReminder fires the approaching-deadline nudge. Pending-status guard:
// a task decided, canceled or reassigned-and-decided since scheduling is
// silently skipped.
func (s *Service) handleReminder(ctx context.Context, job queue.Job) error {
	task, p, ok := s.loadPending(ctx, job)
	if !ok {
		return nil
	}

	event := &repository.ApprovalEvent{
		InstanceID: task.InstanceID,
		TenantID:   task.TenantID,
		TaskID:     &task.ID,
		EventType:  EventReminderSent,
		Payload: map[string]any{
			"approver_id": task.ApproverID,
			"due_at":      task.DueAt,
		},
	}
	if err := s.events.Append(ctx, event); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.PublishApprovalEvent(ctx, EventReminderSent, p.TenantID, p.InstanceID, "system", event.Payload)
	}

	s.log.Info().
		Str("task_id", task.ID).
		Str("approver_id", task.ApproverID).
		Msg("Sent approval reminder")
	return nil
}

// handleEscalation fires at the deadline: escalation row, event,
// notification. The task stays assigned; routing the escalation to a manager
// is the notification consumer's concern.
func (s *Service) handleEscalation(ctx context.Context, job queue.Job) error {
	task, p, ok := s.loadPending(ctx, job)
	if !ok {
		return nil
	}

	esc := &repository.ApprovalEscalation{
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		Reason:     "sla_breach",
		Payload: map[string]any{
			"approver_id": task.ApproverID,
			"due_at":      task.DueAt,
		},
	}
	if err := s.events.AppendEscalation(ctx, esc); err != nil {
		return err
	}

	event := &repository.ApprovalEvent{
		InstanceID: task.InstanceID,
		TenantID:   task.TenantID,
		TaskID:     &task.ID,
		EventType:  EventSLAEscalated,
		Payload:    esc.Payload,
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to append escalation event")
	}
	if s.notifier != nil {
		s.notifier.PublishApprovalEvent(ctx, EventSLAEscalated, p.TenantID, p.InstanceID, "system", esc.Payload)
	}

	s.log.Warn().
		Str("task_id", task.ID).
		Str("approver_id", task.ApproverID).
		Msg("Approval task breached its SLA")
	return nil
}

// loadPending decodes the payload and loads the task, returning ok=false
// when the timer should silently no-op (task gone or no longer pending).
func (s *Service) loadPending(ctx context.Context, job queue.Job) (*repository.ApprovalTask, timerPayload, bool) {
	var p timerPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Malformed timer payload, dropping")
		return nil, p, false
	}

	task, err := s.tasks.GetByID(ctx, p.TenantID, p.TaskID)
	if err != nil {
		s.log.Debug().Err(err).Str("task_id", p.TaskID).Msg("Timer fired for missing task")
		return nil, p, false
	}
	if task.Status != repository.TaskPending {
		s.log.Debug().
			Str("task_id", task.ID).
			Str("status", task.Status).
			Msg("Timer fired for settled task, ignoring")
		return nil, p, false
	}
	return task, p, true
}
