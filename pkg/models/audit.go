package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an audit event.
type EventType string

const (
	EventApprovalRequested EventType = "secret-approval-request"
	EventApprovalReviewed  EventType = "secret-approval-reviewed"
	EventApprovalClosed    EventType = "secret-approval-closed"
	EventApprovalReopened  EventType = "secret-approval-reopened"
	EventApprovalMerged    EventType = "secret-approval-merged"
	EventPolicyCreated     EventType = "secret-approval-policy-created"
	EventPolicyUpdated     EventType = "secret-approval-policy-updated"
	EventPolicyDeleted     EventType = "secret-approval-policy-deleted"
)

// AuditEvent records one governance action.
type AuditEvent struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	ProjectID uuid.UUID      `json:"projectId"`
	ActorType ActorType      `json:"actorType"`
	ActorID   uuid.UUID      `json:"actorId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
