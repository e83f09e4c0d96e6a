package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// EventRepository appends and reads the immutable per-instance event log and
// the escalation records. Append is the only mutation exposed; the tables
// carry delete-prevention triggers.
type EventRepository struct {
	db *database.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *database.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts one event log entry.
func (r *EventRepository) Append(ctx context.Context, event *ApprovalEvent) error {
	var payloadJSON []byte
	if event.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(event.Payload)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal event payload")
		}
	}

	return r.db.QueryRow(ctx, `
		INSERT INTO approval_events
		    (instance_id, tenant_id, task_id, event_type, actor, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, occurred_at
	`, event.InstanceID, event.TenantID, event.TaskID, event.EventType, event.Actor, payloadJSON,
	).Scan(&event.ID, &event.OccurredAt)
}

// ListByInstance returns the full event trail for an instance, oldest first.
func (r *EventRepository) ListByInstance(ctx context.Context, tenantID, instanceID string) ([]*ApprovalEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, instance_id, tenant_id, task_id, event_type, actor, payload, occurred_at
		FROM approval_events
		WHERE tenant_id = $1 AND instance_id = $2
		ORDER BY occurred_at ASC, id ASC
	`, tenantID, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load event log")
	}
	defer rows.Close()

	var events []*ApprovalEvent
	for rows.Next() {
		ev := &ApprovalEvent{}
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.TenantID, &ev.TaskID, &ev.EventType, &ev.Actor, &payloadJSON, &ev.OccurredAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan event")
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal event payload")
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// AppendEscalation inserts one escalation record.
func (r *EventRepository) AppendEscalation(ctx context.Context, esc *ApprovalEscalation) error {
	var payloadJSON []byte
	if esc.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(esc.Payload)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal escalation payload")
		}
	}

	return r.db.QueryRow(ctx, `
		INSERT INTO approval_escalations
		    (instance_id, task_id, tenant_id, escalated_to, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, esc.InstanceID, esc.TaskID, esc.TenantID, esc.EscalatedTo, esc.Reason, payloadJSON,
	).Scan(&esc.ID, &esc.CreatedAt)
}

// ListEscalationsByInstance returns escalations for an instance, oldest first.
func (r *EventRepository) ListEscalationsByInstance(ctx context.Context, tenantID, instanceID string) ([]*ApprovalEscalation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, instance_id, task_id, tenant_id, escalated_to, reason, payload, created_at
		FROM approval_escalations
		WHERE tenant_id = $1 AND instance_id = $2
		ORDER BY created_at ASC
	`, tenantID, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load escalations")
	}
	defer rows.Close()

	var escalations []*ApprovalEscalation
	for rows.Next() {
		esc := &ApprovalEscalation{}
		var payloadJSON []byte
		if err := rows.Scan(&esc.ID, &esc.InstanceID, &esc.TaskID, &esc.TenantID, &esc.EscalatedTo, &esc.Reason, &payloadJSON, &esc.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan escalation")
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &esc.Payload); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal escalation payload")
			}
		}
		escalations = append(escalations, esc)
	}
	return escalations, nil
}
