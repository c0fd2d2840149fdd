package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/engine/conflict"
	"fieldaudit/internal/ids"
	"fieldaudit/internal/obs"
)

type SubmitEvidenceInput struct {
	Evidence domain.Evidence
	ActorID  string
}

type EvidenceResult struct {
	Evidence domain.Evidence
	// Conflict is set when the submission disputed earlier evidence.
	Conflict *domain.ConflictResolution
	Events   []domain.Event
}

// SubmitEvidence stores the evidence metadata and runs conflict detection
// against the inspection's recent submissions. Submissions to one inspection
// are serialized, so two disputing uploads yield a single conflict.
//
// When a conflict is detected but the project has no manager, the evidence
// is kept and the result is returned together with a
// conflict.NoManagerAssignedError. Any other detection failure stores
// nothing.
func (e Engine) SubmitEvidence(ctx context.Context, in SubmitEvidenceInput) (res EvidenceResult, err error) {
	ev := in.Evidence
	defer func() {
		e.record(ctx, in.ActorID, auth.ActionSubmitEvidence, "evidence", ev.ID, err, map[string]any{"inspection_id": ev.InspectionID})
	}()
	if err := validateEvidence(ev); err != nil {
		return res, err
	}
	var missing *conflict.NoManagerAssignedError
	err = e.withLock(ev.InspectionID, func() error {
		insp, actor, err := e.inspectionActor(ctx, ev.InspectionID, in.ActorID)
		if err != nil {
			return err
		}
		if !auth.CanSubmitEvidence(actor, insp) {
			return auth.ForbiddenError{Action: auth.ActionSubmitEvidence, Role: actor.Role, Reason: "requires the assigned inspector or a manager on an open inspection"}
		}
		if ev.QuestionID != "" && !hasQuestion(insp, ev.QuestionID) {
			return ValidationError{Field: "question_id", Message: "unknown question " + ev.QuestionID}
		}
		now := e.now()
		if ev.ID == "" {
			ev.ID = ids.At(now)
		}
		if ev.CapturedAt.IsZero() {
			ev.CapturedAt = now
		}
		ev.CapturedAt = ev.CapturedAt.UTC().Truncate(timePrecision)
		ev.SubmittedBy = actor.ID
		ev.CreatedAt = now

		// Nothing is stored unless detection completed.
		f, found, err := e.Conflicts.DetectConflict(ctx, insp.ID, ev)
		if err != nil {
			return fmt.Errorf("detect conflict: %w", err)
		}
		var c *domain.ConflictResolution
		if found {
			prepared, err := e.Conflicts.PrepareConflictResolution(ctx, insp.ID, f, now)
			var nm conflict.NoManagerAssignedError
			switch {
			case errors.As(err, &nm):
				missing = &nm
			case err != nil:
				return err
			default:
				c = &prepared
			}
		}

		evts := []domain.Event{event(domain.EventEvidenceSubmitted, insp.ProjectID, "evidence", ev.ID, actor.ID, now, map[string]any{
			"inspection_id": insp.ID,
			"question_id":   ev.QuestionID,
			"file_type":     ev.FileType,
		})}
		if c != nil {
			evts = append(evts, event(domain.EventConflictDetected, c.ProjectID, "conflict", c.ID, actor.ID, now, map[string]any{
				"inspection_id":       c.InspectionID,
				"type":                c.Type,
				"evidence_ids":        c.EvidenceIDs,
				"assigned_manager_id": c.AssignedManagerID,
				"description":         c.Description,
			}))
		}
		if err := e.Store.InsertEvidence(ctx, ev, c, evts); err != nil {
			return err
		}
		if c != nil {
			obs.ObserveConflict(string(c.Type), string(c.Status))
		}
		res.Evidence = ev
		res.Conflict = c
		res.Events = evts
		return nil
	})
	if err != nil {
		return EvidenceResult{}, err
	}
	if missing != nil {
		e.logger().WarnContext(ctx, "conflict needs manual triage", "inspection_id", missing.InspectionID, "type", missing.Type, "evidence_ids", missing.EvidenceIDs)
		return res, *missing
	}
	return res, nil
}

func validateEvidence(ev domain.Evidence) error {
	if strings.TrimSpace(ev.InspectionID) == "" {
		return ValidationError{Field: "inspection_id", Message: "is required"}
	}
	if strings.TrimSpace(ev.FileType) == "" {
		return ValidationError{Field: "file_type", Message: "is required"}
	}
	if (ev.Latitude == nil) != (ev.Longitude == nil) {
		return ValidationError{Field: "latitude", Message: "latitude and longitude must be given together"}
	}
	if ev.Latitude != nil && (*ev.Latitude < -90 || *ev.Latitude > 90) {
		return ValidationError{Field: "latitude", Message: "must be within [-90, 90]"}
	}
	if ev.Longitude != nil && (*ev.Longitude < -180 || *ev.Longitude > 180) {
		return ValidationError{Field: "longitude", Message: "must be within [-180, 180]"}
	}
	if ev.Accuracy != nil && *ev.Accuracy < 0 {
		return ValidationError{Field: "accuracy", Message: "must not be negative"}
	}
	return nil
}

func hasQuestion(insp domain.Inspection, id string) bool {
	for _, q := range insp.Checklist {
		if q.ID == id {
			return true
		}
	}
	return false
}

type ResolveConflictInput struct {
	ConflictID      string
	ActorID         string
	Decision        string
	Notes           string
	KeptEvidenceIDs []string
}

type ConflictResult struct {
	Conflict domain.ConflictResolution
	Events   []domain.Event
}

// ResolveConflict records the assigned manager's decision on a pending
// conflict.
func (e Engine) ResolveConflict(ctx context.Context, in ResolveConflictInput) (res ConflictResult, err error) {
	defer func() {
		e.record(ctx, in.ActorID, auth.ActionResolveConflict, "conflict", in.ConflictID, err, map[string]any{"decision": in.Decision})
	}()
	existing, err := e.Store.GetConflict(ctx, in.ConflictID)
	if err != nil {
		return res, err
	}
	actor, err := e.Actor(ctx, existing.ProjectID, in.ActorID)
	if err != nil {
		return res, err
	}
	now := e.now()
	c, err := e.Conflicts.ResolveConflict(ctx, conflict.ResolveRequest{
		ConflictID:      in.ConflictID,
		Manager:         actor,
		Decision:        in.Decision,
		Notes:           in.Notes,
		KeptEvidenceIDs: in.KeptEvidenceIDs,
	}, now)
	if err != nil {
		return res, err
	}
	obs.ObserveConflict(string(c.Type), string(c.Status))
	res.Conflict = c
	res.Events = []domain.Event{event(domain.EventConflictResolved, c.ProjectID, "conflict", c.ID, actor.ID, now, map[string]any{
		"inspection_id":     c.InspectionID,
		"decision":          c.Decision,
		"kept_evidence_ids": c.KeptEvidenceIDs,
	})}
	e.publish(ctx, res.Events)
	return res, nil
}
