package engine

import (
	"context"
	"fmt"
	"strings"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/obs"
)

type EscalationResult struct {
	Escalation domain.EscalationEntry
	Events     []domain.Event
}

// Escalate queues an escalation by hand. It fails with an
// escalation.DuplicateError while another entry is active.
func (e Engine) Escalate(ctx context.Context, inspectionID, actorID, reason string) (res EscalationResult, err error) {
	defer func() {
		e.record(ctx, actorID, auth.ActionEscalate, "inspection", inspectionID, err, map[string]any{"reason": reason})
	}()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return res, ValidationError{Field: "reason", Message: "is required"}
	}
	insp, actor, err := e.inspectionActor(ctx, inspectionID, actorID)
	if err != nil {
		return res, err
	}
	if !auth.CanEscalate(actor.Role) {
		return res, auth.ForbiddenError{Action: auth.ActionEscalate, Role: actor.Role}
	}
	if insp.Status == domain.StatusApproved {
		return res, ValidationError{Field: "inspection_id", Message: "inspection " + insp.ID + " is already approved"}
	}
	now := e.now()
	entry, err := e.Escalations.Create(ctx, insp, actor.ID, reason, now)
	if err != nil {
		return res, err
	}
	obs.ObserveEscalation(string(entry.Status))
	evt, perr := e.escalationCreatedEvent(ctx, entry, actor.ID, insp.RejectionCount)
	if perr != nil {
		e.logger().WarnContext(ctx, "list peer managers", "project_id", entry.ProjectID, "error", perr)
	}
	res.Escalation = entry
	res.Events = []domain.Event{evt}
	e.publish(ctx, res.Events)
	return res, nil
}

// escalationCreatedEvent addresses the entry to the project's other
// managers. The event is usable even when the lookup fails.
func (e Engine) escalationCreatedEvent(ctx context.Context, entry domain.EscalationEntry, actorID string, rejections int) (domain.Event, error) {
	payload := map[string]any{
		"inspection_id":       entry.InspectionID,
		"original_manager_id": entry.OriginalManagerID,
		"reason":              entry.Reason,
		"priority":            entry.Priority,
		"rejection_count":     rejections,
		"expires_at":          entry.ExpiresAt,
	}
	peers, err := e.peerManagers(ctx, entry)
	payload["notify"] = peers
	return event(domain.EventEscalationCreated, entry.ProjectID, "escalation", entry.ID, actorID, entry.CreatedAt, payload), err
}

func (e Engine) peerManagers(ctx context.Context, entry domain.EscalationEntry) ([]string, error) {
	managers, err := e.Store.ProjectManagers(ctx, entry.ProjectID)
	if err != nil {
		return []string{}, fmt.Errorf("load project managers: %w", err)
	}
	peers := make([]string, 0, len(managers))
	for _, m := range managers {
		if m.ActorID != entry.OriginalManagerID {
			peers = append(peers, m.ActorID)
		}
	}
	return peers, nil
}

// ResolveEscalation closes an active entry on behalf of a project manager.
func (e Engine) ResolveEscalation(ctx context.Context, id, actorID string) (res EscalationResult, err error) {
	defer func() {
		e.record(ctx, actorID, auth.ActionResolve, "escalation", id, err, nil)
	}()
	existing, err := e.Store.GetEscalation(ctx, id)
	if err != nil {
		return res, err
	}
	actor, err := e.Actor(ctx, existing.ProjectID, actorID)
	if err != nil {
		return res, err
	}
	now := e.now()
	entry, err := e.Escalations.Resolve(ctx, id, actor, now)
	if err != nil {
		return res, err
	}
	obs.ObserveEscalation(string(entry.Status))
	res.Escalation = entry
	res.Events = []domain.Event{event(domain.EventEscalationResolved, entry.ProjectID, "escalation", entry.ID, actor.ID, now, map[string]any{
		"inspection_id": entry.InspectionID,
	})}
	e.publish(ctx, res.Events)
	return res, nil
}

type TickResult struct {
	Notified []domain.EscalationEntry
	Expired  []domain.EscalationEntry
	Events   []domain.Event
}

// Tick runs one scheduler pass over the active escalations and records one
// audit event for the pass. Entries that could not be processed are reported
// in the joined error while the rest of the pass still applies.
func (e Engine) Tick(ctx context.Context) (TickResult, error) {
	now := e.now()
	report, tickErr := e.Escalations.Tick(ctx, now)
	res := TickResult{Notified: report.Notified, Expired: report.Expired}
	for _, entry := range report.Notified {
		obs.ObserveEscalation(string(entry.Status))
		peers, err := e.peerManagers(ctx, entry)
		if err != nil {
			e.logger().WarnContext(ctx, "list peer managers", "project_id", entry.ProjectID, "error", err)
		}
		res.Events = append(res.Events, event(domain.EventEscalationNotified, entry.ProjectID, "escalation", entry.ID, SystemActor, now, map[string]any{
			"inspection_id":      entry.InspectionID,
			"notification_count": entry.NotificationCount,
			"priority":           entry.Priority,
			"notify":             peers,
		}))
	}
	for _, entry := range report.Expired {
		obs.ObserveEscalation(string(entry.Status))
		res.Events = append(res.Events, event(domain.EventEscalationExpired, entry.ProjectID, "escalation", entry.ID, SystemActor, now, map[string]any{
			"inspection_id": entry.InspectionID,
			"expires_at":    entry.ExpiresAt,
		}))
	}
	if len(res.Notified) > 0 || len(res.Expired) > 0 {
		e.logger().InfoContext(ctx, "escalation tick", "notified", len(res.Notified), "expired", len(res.Expired))
	}
	e.publish(ctx, res.Events)
	e.record(ctx, SystemActor, auth.ActionTick, "escalation", "", tickErr, map[string]any{
		"notified": entryIDs(res.Notified),
		"expired":  entryIDs(res.Expired),
	})
	return res, tickErr
}

func entryIDs(entries []domain.EscalationEntry) []string {
	res := make([]string, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.ID)
	}
	return res
}
