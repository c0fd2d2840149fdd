package domain

import (
	"errors"
	"time"
)

const (
	EventProjectCreated             = "project.created"
	EventMemberAdded                = "project.member_added"
	EventMemberRoleChanged          = "project.member_role_changed"
	EventInspectionCreated          = "inspection.created"
	EventInspectionStatusChanged    = "inspection.status_changed"
	EventInspectionResponsesUpdated = "inspection.responses_updated"
	EventInspectionRejected         = "inspection.rejected"
	EventInspectionApproved         = "inspection.approved"
	EventInspectionRejectionsReset  = "inspection.rejections_reset"
	EventEscalationCreated          = "escalation.created"
	EventEscalationNotified         = "escalation.notified"
	EventEscalationExpired          = "escalation.expired"
	EventEscalationResolved         = "escalation.resolved"
	EventConflictDetected           = "conflict.detected"
	EventConflictResolved           = "conflict.resolved"
	EventEvidenceSubmitted          = "evidence.submitted"
)

// Event is a fact produced by the engine for the outbox and notifiers.
type Event struct {
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	At         time.Time      `json:"at" format:"date-time"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// StoredEvent is an Event as read back from the outbox.
type StoredEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

type AuditEvent struct {
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Outcome    string         `json:"outcome"`
	At         time.Time      `json:"at" format:"date-time"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

var (
	ErrNotFound                  = errors.New("not found")
	ErrDuplicateActiveEscalation = errors.New("duplicate active escalation")
	ErrAlreadyExists             = errors.New("already exists")
	// ErrStale is returned when a compare-and-set update lost to a concurrent writer.
	ErrStale = errors.New("stale write")
)
