// Package auth is the permission gate: pure role predicates with no I/O.
package auth

import (
	"fmt"

	"fieldaudit/internal/domain"
)

type Action string

const (
	ActionCreate          Action = "inspection.create"
	ActionRead            Action = "inspection.read"
	ActionEditOwnDraft    Action = "inspection.edit_own_draft"
	ActionSubmit          Action = "inspection.submit"
	ActionStartReview     Action = "inspection.start_review"
	ActionApprove         Action = "inspection.approve"
	ActionReject          Action = "inspection.reject"
	ActionEscalate        Action = "escalation.create"
	ActionResolve         Action = "escalation.resolve"
	ActionTick            Action = "escalation.tick"
	ActionResolveConflict Action = "conflict.resolve"
	ActionOverride        Action = "inspection.override"
	ActionSubmitEvidence  Action = "evidence.submit"
	ActionAccess          Action = "project.access"
	ActionManageMembers   Action = "project.manage_members"
)

// ForbiddenError indicates the actor's role or ownership does not allow the action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not permitted for role %s: %s", e.Action, e.Role, e.Reason)
	}
	return fmt.Sprintf("%s not permitted for role %s", e.Action, e.Role)
}

// dominates is the role hierarchy. EXECUTIVE does not dominate INSPECTOR:
// executives observe, managers act.
var dominates = map[domain.Role][]domain.Role{
	domain.RoleInspector:      {domain.RoleInspector},
	domain.RoleProjectManager: {domain.RoleProjectManager, domain.RoleInspector},
	domain.RoleExecutive:      {domain.RoleExecutive},
}

// HasAccess reports whether role equals required or dominates it.
func HasAccess(role, required domain.Role) bool {
	for _, r := range dominates[role] {
		if r == required {
			return true
		}
	}
	return false
}

// IsManagerOrAbove covers PROJECT_MANAGER and the executive override tier.
func IsManagerOrAbove(role domain.Role) bool {
	return HasAccess(role, domain.RoleProjectManager) || HasAccess(role, domain.RoleExecutive)
}

// CanRead is blanket read policy, outside the hierarchy.
func CanRead(actor domain.Actor, insp domain.Inspection) bool {
	switch actor.Role {
	case domain.RoleExecutive, domain.RoleProjectManager:
		return true
	case domain.RoleInspector:
		return insp.InspectorID == actor.ID
	}
	return false
}

func CanCreate(role domain.Role) bool   { return IsManagerOrAbove(role) }
func CanApprove(role domain.Role) bool  { return IsManagerOrAbove(role) }
func CanReject(role domain.Role) bool   { return IsManagerOrAbove(role) }
func CanEscalate(role domain.Role) bool { return IsManagerOrAbove(role) }

// CanOverride gates administrative corrections such as resetting the
// rejection count.
func CanOverride(role domain.Role) bool { return role == domain.RoleExecutive }

// CanSubmitEvidence allows the assigned inspector and managers while the
// inspection is still open.
func CanSubmitEvidence(actor domain.Actor, insp domain.Inspection) bool {
	if insp.Status == domain.StatusApproved {
		return false
	}
	if IsManagerOrAbove(actor.Role) {
		return true
	}
	return HasAccess(actor.Role, domain.RoleInspector) && actor.ID == insp.InspectorID
}

// CanGrant reports whether granter may add a member with role. Managers
// grant roles they dominate; executives grant any role.
func CanGrant(granter, role domain.Role) bool {
	if !role.Valid() {
		return false
	}
	if CanOverride(granter) {
		return true
	}
	return HasAccess(granter, domain.RoleProjectManager) && HasAccess(granter, role)
}

// CanEditOwnDraft requires the assigned inspector and an editable status.
func CanEditOwnDraft(actor domain.Actor, insp domain.Inspection) bool {
	if !HasAccess(actor.Role, domain.RoleInspector) || actor.ID != insp.InspectorID {
		return false
	}
	switch insp.Status {
	case domain.StatusDraft, domain.StatusPending, domain.StatusRejected:
		return true
	}
	return false
}

// ActionFor names the gate action for a request to move into to.
func ActionFor(to domain.Status) Action {
	switch to {
	case domain.StatusPending:
		return ActionSubmit
	case domain.StatusInReview:
		return ActionStartReview
	case domain.StatusApproved:
		return ActionApprove
	case domain.StatusRejected:
		return ActionReject
	}
	return Action("inspection.transition")
}

// CanRequestTransition applies the per-edge role rule.
// Inspectors move DRAFT/PENDING/REJECTED to PENDING, managers and
// executives move PENDING to IN_REVIEW and PENDING/IN_REVIEW to a decision.
func CanRequestTransition(role domain.Role, from, to domain.Status) bool {
	switch to {
	case domain.StatusPending:
		if !HasAccess(role, domain.RoleInspector) {
			return false
		}
		return from == domain.StatusDraft || from == domain.StatusPending || from == domain.StatusRejected
	case domain.StatusInReview:
		return IsManagerOrAbove(role) && from == domain.StatusPending
	case domain.StatusApproved:
		return CanApprove(role) && (from == domain.StatusPending || from == domain.StatusInReview)
	case domain.StatusRejected:
		return CanReject(role) && (from == domain.StatusPending || from == domain.StatusInReview)
	}
	return false
}

// canTarget reports whether role may ask for target at all, independent of
// the current status.
func canTarget(role domain.Role, to domain.Status) bool {
	switch to {
	case domain.StatusPending:
		return HasAccess(role, domain.RoleInspector)
	case domain.StatusInReview:
		return IsManagerOrAbove(role)
	case domain.StatusApproved:
		return CanApprove(role)
	case domain.StatusRejected:
		return CanReject(role)
	}
	return false
}

// CheckTransition is the gate run before the state machine: role capability
// for the target and, for submissions, ownership of the inspection.
func CheckTransition(actor domain.Actor, insp domain.Inspection, to domain.Status) error {
	action := ActionFor(to)
	if !actor.Role.Valid() {
		return ForbiddenError{Action: action, Role: actor.Role, Reason: "unknown role"}
	}
	if !canTarget(actor.Role, to) {
		return ForbiddenError{Action: action, Role: actor.Role}
	}
	if to == domain.StatusPending && actor.ID != insp.InspectorID {
		return ForbiddenError{Action: action, Role: actor.Role, Reason: "not the assigned inspector"}
	}
	return nil
}
