package server

import (
	"time"

	"fieldaudit/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	OwnerRole string `json:"owner_role,omitempty" enum:"INSPECTOR,PROJECT_MANAGER,EXECUTIVE"`
}

type AddMemberRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"INSPECTOR,PROJECT_MANAGER,EXECUTIVE"`
}

type SetMemberRoleRequest struct {
	Role string `json:"role" enum:"INSPECTOR,PROJECT_MANAGER,EXECUTIVE"`
}

type CreateInspectionRequest struct {
	ID          string                     `json:"id,omitempty"`
	InspectorID string                     `json:"inspector_id"`
	Title       string                     `json:"title"`
	Priority    string                     `json:"priority,omitempty" enum:"LOW,MEDIUM,HIGH"`
	DueDate     *time.Time                 `json:"due_date,omitempty" format:"date-time"`
	Checklist   []domain.ChecklistQuestion `json:"checklist,omitempty"`
}

type UpdateResponsesRequest struct {
	Responses map[string]domain.Response `json:"responses"`
}

type TransitionRequest struct {
	To               string `json:"to" enum:"PENDING,IN_REVIEW,APPROVED,REJECTED"`
	Notes            string `json:"notes,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type SubmitEvidenceRequest struct {
	ID         string     `json:"id,omitempty"`
	QuestionID string     `json:"question_id,omitempty"`
	FileType   string     `json:"file_type"`
	URI        string     `json:"uri,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty" format:"date-time"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
}

type ResolveConflictRequest struct {
	Decision        string   `json:"decision"`
	Notes           string   `json:"notes,omitempty"`
	KeptEvidenceIDs []string `json:"kept_evidence_ids,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type ProjectResponse struct {
	Project domain.Project     `json:"project"`
	Owner   *domain.Membership `json:"owner,omitempty"`
}

type TransitionResponse struct {
	Inspection domain.Inspection       `json:"inspection"`
	Approval   *domain.Approval        `json:"approval,omitempty"`
	Escalation *domain.EscalationEntry `json:"escalation,omitempty"`
}

// WarningBody reports a condition that did not fail the request.
type WarningBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type EvidenceResponse struct {
	Evidence domain.Evidence            `json:"evidence"`
	Conflict *domain.ConflictResolution `json:"conflict,omitempty"`
	Warning  *WarningBody               `json:"warning,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID     string              `json:"actor_id"`
	Source      string              `json:"source"`
	Memberships []domain.Membership `json:"memberships"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
