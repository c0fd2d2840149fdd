package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/engine/lifecycle"
	"fieldaudit/internal/ids"
	"fieldaudit/internal/obs"
)

type CreateInspectionInput struct {
	ID          string
	ProjectID   string
	InspectorID string
	Title       string
	Priority    domain.Priority
	DueDate     *time.Time
	Checklist   []domain.ChecklistQuestion
	ActorID     string
}

type InspectionResult struct {
	Inspection domain.Inspection
	Events     []domain.Event
}

// CreateInspection registers a DRAFT inspection assigned to an inspector of
// the project.
func (e Engine) CreateInspection(ctx context.Context, in CreateInspectionInput) (res InspectionResult, err error) {
	defer func() {
		id := res.Inspection.ID
		if id == "" {
			id = in.ID
		}
		e.record(ctx, in.ActorID, auth.ActionCreate, "inspection", id, err, map[string]any{"project_id": in.ProjectID})
	}()
	actor, err := e.Actor(ctx, in.ProjectID, in.ActorID)
	if err != nil {
		return res, err
	}
	if !auth.CanCreate(actor.Role) {
		return res, auth.ForbiddenError{Action: auth.ActionCreate, Role: actor.Role}
	}
	if strings.TrimSpace(in.Title) == "" {
		return res, ValidationError{Field: "title", Message: "is required"}
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return res, ValidationError{Field: "priority", Message: "must be LOW, MEDIUM or HIGH"}
	}
	if err := validateChecklist(in.Checklist); err != nil {
		return res, err
	}
	inspector, err := e.Store.GetMembership(ctx, in.ProjectID, in.InspectorID)
	if errors.Is(err, domain.ErrNotFound) {
		return res, ValidationError{Field: "inspector_id", Message: in.InspectorID + " is not a member of " + in.ProjectID}
	}
	if err != nil {
		return res, fmt.Errorf("load inspector membership: %w", err)
	}
	if !auth.HasAccess(inspector.Role, domain.RoleInspector) {
		return res, ValidationError{Field: "inspector_id", Message: in.InspectorID + " cannot perform inspections"}
	}

	now := e.now()
	id := in.ID
	if id == "" {
		id = ids.At(now)
	}
	insp := domain.Inspection{
		ID:          id,
		ProjectID:   in.ProjectID,
		InspectorID: in.InspectorID,
		Title:       strings.TrimSpace(in.Title),
		Status:      domain.StatusDraft,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		Checklist:   in.Checklist,
		Responses:   map[string]domain.Response{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := e.Store.InsertInspection(ctx, insp); err != nil {
		return res, err
	}
	res.Inspection = insp
	res.Events = []domain.Event{event(domain.EventInspectionCreated, insp.ProjectID, "inspection", insp.ID, actor.ID, now, map[string]any{
		"title":        insp.Title,
		"status":       insp.Status,
		"priority":     insp.Priority,
		"inspector_id": insp.InspectorID,
	})}
	e.publish(ctx, res.Events)
	return res, nil
}

func validateChecklist(checklist []domain.ChecklistQuestion) error {
	seen := make(map[string]bool, len(checklist))
	for i, q := range checklist {
		if strings.TrimSpace(q.ID) == "" {
			return ValidationError{Field: fmt.Sprintf("checklist[%d].id", i), Message: "is required"}
		}
		if seen[q.ID] {
			return ValidationError{Field: fmt.Sprintf("checklist[%d].id", i), Message: "duplicate question " + q.ID}
		}
		seen[q.ID] = true
	}
	return nil
}

// GetInspection applies the read policy.
func (e Engine) GetInspection(ctx context.Context, id, actorID string) (domain.Inspection, error) {
	insp, actor, err := e.inspectionActor(ctx, id, actorID)
	if err != nil {
		return domain.Inspection{}, err
	}
	if !auth.CanRead(actor, insp) {
		return domain.Inspection{}, auth.ForbiddenError{Action: auth.ActionRead, Role: actor.Role}
	}
	return insp, nil
}

// UpdateResponses merges responses into the inspection. Only the assigned
// inspector may edit, and only while the inspection is DRAFT, PENDING or
// REJECTED.
func (e Engine) UpdateResponses(ctx context.Context, inspectionID, actorID string, responses map[string]domain.Response) (res InspectionResult, err error) {
	defer func() {
		e.record(ctx, actorID, auth.ActionEditOwnDraft, "inspection", inspectionID, err, map[string]any{"questions": len(responses)})
	}()
	err = e.withLock(inspectionID, func() error {
		insp, actor, err := e.inspectionActor(ctx, inspectionID, actorID)
		if err != nil {
			return err
		}
		if !auth.CanEditOwnDraft(actor, insp) {
			return auth.ForbiddenError{Action: auth.ActionEditOwnDraft, Role: actor.Role, Reason: "requires the assigned inspector on an editable inspection"}
		}
		questions := make(map[string]bool, len(insp.Checklist))
		for _, q := range insp.Checklist {
			questions[q.ID] = true
		}
		next := insp
		next.Responses = make(map[string]domain.Response, len(insp.Responses)+len(responses))
		for k, v := range insp.Responses {
			next.Responses[k] = v
		}
		changed := make([]string, 0, len(responses))
		for qid, resp := range responses {
			if !questions[qid] {
				return ValidationError{Field: "responses." + qid, Message: "unknown question"}
			}
			for _, evID := range resp.EvidenceIDs {
				ev, err := e.Store.GetEvidence(ctx, evID)
				if errors.Is(err, domain.ErrNotFound) || (err == nil && ev.InspectionID != insp.ID) {
					return ValidationError{Field: "responses." + qid, Message: "evidence " + evID + " does not belong to this inspection"}
				}
				if err != nil {
					return fmt.Errorf("load evidence: %w", err)
				}
			}
			next.Responses[qid] = resp
			changed = append(changed, qid)
		}
		sort.Strings(changed)
		now := e.now()
		next.UpdatedAt = now
		next.Version = insp.Version + 1
		evts := []domain.Event{event(domain.EventInspectionResponsesUpdated, insp.ProjectID, "inspection", insp.ID, actor.ID, now, map[string]any{
			"question_ids": changed,
		})}
		ok, err := e.Store.SaveInspection(ctx, next, insp, nil, evts)
		if err != nil {
			return err
		}
		if !ok {
			return staleErr("inspection", insp.ID)
		}
		res.Inspection = next
		res.Events = evts
		return nil
	})
	if err != nil {
		return InspectionResult{}, err
	}
	return res, nil
}

type TransitionInput struct {
	InspectionID string
	To           domain.Status
	ActorID      string
	// Notes are required for APPROVED and REJECTED.
	Notes            string
	EscalationReason string
}

type TransitionResult struct {
	Inspection domain.Inspection
	Approval   *domain.Approval
	// Escalation is set when this rejection queued a new escalation.
	Escalation *domain.EscalationEntry
	Events     []domain.Event
}

// Transition moves an inspection to in.To. A rejection that reaches the
// escalation threshold queues an escalation after the rejection commits.
func (e Engine) Transition(ctx context.Context, in TransitionInput) (res TransitionResult, err error) {
	defer func() {
		result := domain.OutcomeSuccess
		var fe auth.ForbiddenError
		switch {
		case errors.As(err, &fe):
			result = domain.OutcomeDenied
		case err != nil:
			result = domain.OutcomeFailed
		}
		obs.ObserveTransition(string(in.To), result)
		e.record(ctx, in.ActorID, auth.ActionFor(in.To), "inspection", in.InspectionID, err, map[string]any{"to": in.To})
	}()
	var actor domain.Actor
	var outcome lifecycle.Outcome
	err = e.withLock(in.InspectionID, func() error {
		var insp domain.Inspection
		var err error
		insp, actor, err = e.inspectionActor(ctx, in.InspectionID, in.ActorID)
		if err != nil {
			return err
		}
		if err := auth.CheckTransition(actor, insp, in.To); err != nil {
			return err
		}
		outcome, err = lifecycle.ValidateTransition(insp, in.To, actor)
		if err != nil {
			return err
		}
		now := e.now()
		var approval *domain.Approval
		if in.To == domain.StatusApproved || in.To == domain.StatusRejected {
			if strings.TrimSpace(in.Notes) == "" {
				return ValidationError{Field: "notes", Message: "are required for a review decision"}
			}
			approval = &domain.Approval{
				ID:               ids.At(now),
				InspectionID:     insp.ID,
				ReviewerID:       actor.ID,
				Decision:         in.To,
				Notes:            strings.TrimSpace(in.Notes),
				EscalationReason: in.EscalationReason,
				IsEscalated:      in.EscalationReason != "",
				CreatedAt:        now,
			}
		}
		next := outcome.Apply(insp, now)
		next.Version = insp.Version + 1
		res.Events = append(res.Events, event(domain.EventInspectionStatusChanged, next.ProjectID, "inspection", next.ID, actor.ID, now, map[string]any{
			"from":            outcome.From,
			"to":              outcome.To,
			"rejection_count": next.RejectionCount,
		}))
		switch in.To {
		case domain.StatusRejected:
			res.Events = append(res.Events, event(domain.EventInspectionRejected, next.ProjectID, "inspection", next.ID, actor.ID, now, map[string]any{
				"approval_id":     approval.ID,
				"notes":           approval.Notes,
				"rejection_count": next.RejectionCount,
			}))
		case domain.StatusApproved:
			res.Events = append(res.Events, event(domain.EventInspectionApproved, next.ProjectID, "inspection", next.ID, actor.ID, now, map[string]any{
				"approval_id":  approval.ID,
				"completed_at": next.CompletedAt,
			}))
		}
		ok, err := e.Store.SaveInspection(ctx, next, insp, approval, res.Events)
		if err != nil {
			return err
		}
		if !ok {
			return staleErr("inspection", insp.ID)
		}
		res.Inspection = next
		res.Approval = approval
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if outcome.Escalate {
		entry, escErr := e.Escalations.OnRejection(ctx, res.Inspection, actor.ID, e.now())
		switch {
		case escErr != nil:
			// The rejection stands; a manager can still escalate by hand.
			e.logger().ErrorContext(ctx, "queue escalation after rejection", "inspection_id", res.Inspection.ID, "error", escErr)
		case entry != nil:
			res.Escalation = entry
			obs.ObserveEscalation(string(entry.Status))
			evt, err := e.escalationCreatedEvent(ctx, *entry, actor.ID, res.Inspection.RejectionCount)
			if err != nil {
				e.logger().WarnContext(ctx, "list peer managers", "project_id", entry.ProjectID, "error", err)
			}
			res.Events = append(res.Events, evt)
			e.publish(ctx, []domain.Event{evt})
		}
	}
	return res, nil
}

// ResetRejections is the executive override that zeroes the rejection count.
// Any active escalation is left alone.
func (e Engine) ResetRejections(ctx context.Context, inspectionID, actorID, reason string) (res InspectionResult, err error) {
	defer func() {
		e.record(ctx, actorID, auth.ActionOverride, "inspection", inspectionID, err, map[string]any{"reason": reason})
	}()
	if strings.TrimSpace(reason) == "" {
		return res, ValidationError{Field: "reason", Message: "is required"}
	}
	err = e.withLock(inspectionID, func() error {
		insp, actor, err := e.inspectionActor(ctx, inspectionID, actorID)
		if err != nil {
			return err
		}
		if !auth.CanOverride(actor.Role) {
			return auth.ForbiddenError{Action: auth.ActionOverride, Role: actor.Role}
		}
		now := e.now()
		next := insp
		next.RejectionCount = 0
		next.UpdatedAt = now
		next.Version = insp.Version + 1
		evts := []domain.Event{event(domain.EventInspectionRejectionsReset, insp.ProjectID, "inspection", insp.ID, actor.ID, now, map[string]any{
			"previous": insp.RejectionCount,
			"reason":   reason,
		})}
		ok, err := e.Store.SaveInspection(ctx, next, insp, nil, evts)
		if err != nil {
			return err
		}
		if !ok {
			return staleErr("inspection", insp.ID)
		}
		res.Inspection = next
		res.Events = evts
		return nil
	})
	if err != nil {
		return InspectionResult{}, err
	}
	return res, nil
}
