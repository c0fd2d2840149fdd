package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusPending  Status = "PENDING"
	StatusInReview Status = "IN_REVIEW"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Valid reports whether s is one of the five lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusInReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Role string

const (
	RoleInspector      Role = "INSPECTOR"
	RoleProjectManager Role = "PROJECT_MANAGER"
	RoleExecutive      Role = "EXECUTIVE"
)

func (r Role) Valid() bool {
	switch r {
	case RoleInspector, RoleProjectManager, RoleExecutive:
		return true
	}
	return false
}

// ParseRole accepts the canonical names case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Actor is an already-authenticated caller together with its role in the
// project being acted on.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Membership struct {
	ProjectID string    `json:"project_id"`
	ActorID   string    `json:"actor_id"`
	Role      Role      `json:"role" enum:"INSPECTOR,PROJECT_MANAGER,EXECUTIVE"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type ChecklistQuestion struct {
	ID               string `json:"id"`
	Text             string `json:"text,omitempty"`
	Required         bool   `json:"required,omitempty"`
	EvidenceRequired bool   `json:"evidence_required,omitempty"`
}

// Response is an inspector's answer to one checklist question. Value is
// opaque to the engine beyond the emptiness check.
type Response struct {
	Value       any      `json:"value,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Answered reports whether the response carries a non-empty value.
func (r Response) Answered() bool {
	switch v := r.Value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return true
}

type Inspection struct {
	ID             string              `json:"id"`
	ProjectID      string              `json:"project_id"`
	InspectorID    string              `json:"inspector_id"`
	Title          string              `json:"title"`
	Status         Status              `json:"status" enum:"DRAFT,PENDING,IN_REVIEW,APPROVED,REJECTED"`
	Priority       Priority            `json:"priority" enum:"LOW,MEDIUM,HIGH"`
	RejectionCount int                 `json:"rejection_count"`
	DueDate        *time.Time          `json:"due_date,omitempty" format:"date-time"`
	SubmittedAt    *time.Time          `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty" format:"date-time"`
	Checklist      []ChecklistQuestion `json:"checklist"`
	Responses      map[string]Response `json:"responses"`
	CreatedAt      time.Time           `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time           `json:"updated_at" format:"date-time"`
	// Version increases by one on every stored change.
	Version int64 `json:"version"`
}

type Approval struct {
	ID               string    `json:"id"`
	InspectionID     string    `json:"inspection_id"`
	ReviewerID       string    `json:"reviewer_id"`
	Decision         Status    `json:"decision" enum:"APPROVED,REJECTED"`
	Notes            string    `json:"notes"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	IsEscalated      bool      `json:"is_escalated"`
	CreatedAt        time.Time `json:"created_at" format:"date-time"`
}

type EscalationStatus string

const (
	EscalationQueued   EscalationStatus = "QUEUED"
	EscalationNotified EscalationStatus = "NOTIFIED"
	EscalationResolved EscalationStatus = "RESOLVED"
	EscalationExpired  EscalationStatus = "EXPIRED"
)

// Active reports whether the entry still blocks a new escalation.
func (s EscalationStatus) Active() bool {
	return s == EscalationQueued || s == EscalationNotified
}

type EscalationEntry struct {
	ID                string           `json:"id"`
	InspectionID      string           `json:"inspection_id"`
	ProjectID         string           `json:"project_id"`
	OriginalManagerID string           `json:"original_manager_id"`
	Reason            string           `json:"reason"`
	Status            EscalationStatus `json:"status" enum:"QUEUED,NOTIFIED,RESOLVED,EXPIRED"`
	Priority          Priority         `json:"priority" enum:"LOW,MEDIUM,HIGH"`
	NotificationCount int              `json:"notification_count"`
	CreatedAt         time.Time        `json:"created_at" format:"date-time"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty" format:"date-time"`
	LastNotifiedAt    *time.Time       `json:"last_notified_at,omitempty" format:"date-time"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy        string           `json:"resolved_by,omitempty"`
}

type ConflictType string

const (
	ConflictEvidenceDispute  ConflictType = "EVIDENCE_DISPUTE"
	ConflictStatusConflict   ConflictType = "STATUS_CONFLICT"
	ConflictLocationMismatch ConflictType = "LOCATION_MISMATCH"
)

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "PENDING"
	ConflictResolved ConflictStatus = "RESOLVED"
)

type ConflictResolution struct {
	ID                string         `json:"id"`
	InspectionID      string         `json:"inspection_id"`
	ProjectID         string         `json:"project_id"`
	EvidenceIDs       []string       `json:"evidence_ids"`
	Type              ConflictType   `json:"type" enum:"EVIDENCE_DISPUTE,STATUS_CONFLICT,LOCATION_MISMATCH"`
	Description       string         `json:"description"`
	Status            ConflictStatus `json:"status" enum:"PENDING,RESOLVED"`
	AssignedManagerID string         `json:"assigned_manager_id"`
	Decision          string         `json:"decision,omitempty"`
	ResolutionNotes   string         `json:"resolution_notes,omitempty"`
	KeptEvidenceIDs   []string       `json:"kept_evidence_ids,omitempty"`
	CreatedAt         time.Time      `json:"created_at" format:"date-time"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
}

// Evidence is the metadata of one submitted capture. Binaries live in an
// external blob store referenced by URI.
type Evidence struct {
	ID           string    `json:"id"`
	InspectionID string    `json:"inspection_id"`
	QuestionID   string    `json:"question_id,omitempty"`
	SubmittedBy  string    `json:"submitted_by"`
	FileType     string    `json:"file_type"`
	URI          string    `json:"uri,omitempty"`
	CapturedAt   time.Time `json:"captured_at" format:"date-time"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

// HasLocation reports whether both coordinates are present.
func (e Evidence) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
