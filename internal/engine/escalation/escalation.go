// Package escalation queues repeatedly rejected inspections for manual
// reassignment and drives their reminder and expiry timers.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldaudit/internal/config"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/ids"
	"fieldaudit/internal/lock"
)

// Store is the persistence the coordinator needs.
type Store interface {
	// ActiveEscalation returns the QUEUED or NOTIFIED entry for an
	// inspection, or domain.ErrNotFound.
	ActiveEscalation(ctx context.Context, inspectionID string) (domain.EscalationEntry, error)
	// InsertEscalation fails with domain.ErrDuplicateActiveEscalation when an
	// active entry already exists for the inspection.
	InsertEscalation(ctx context.Context, entry domain.EscalationEntry) error
	GetEscalation(ctx context.Context, id string) (domain.EscalationEntry, error)
	ListActiveEscalations(ctx context.Context) ([]domain.EscalationEntry, error)
	// MarkEscalationNotified bumps the notification count only if the entry
	// is active and was last notified (or created) at or before cutoff.
	MarkEscalationNotified(ctx context.Context, id string, cutoff, now time.Time) (bool, error)
	ExpireEscalation(ctx context.Context, id string, now time.Time) (bool, error)
	ResolveEscalation(ctx context.Context, id, managerID string, now time.Time) (bool, error)
	ProjectManagers(ctx context.Context, projectID string) ([]domain.Membership, error)
}

type Policy struct {
	Threshold        int
	Expiry           time.Duration
	ReminderInterval time.Duration
}

func PolicyFromConfig(cfg config.EscalationConfig) Policy {
	return Policy{
		Threshold:        cfg.RejectionThreshold,
		Expiry:           cfg.Expiry(),
		ReminderInterval: cfg.ReminderInterval,
	}
}

// DuplicateError is returned when an inspection already has an active entry.
type DuplicateError struct {
	InspectionID string
	ActiveID     string
}

func (e DuplicateError) Error() string {
	if e.ActiveID == "" {
		return fmt.Sprintf("inspection %s already has an active escalation", e.InspectionID)
	}
	return fmt.Sprintf("inspection %s already has an active escalation %s", e.InspectionID, e.ActiveID)
}

func (e DuplicateError) Unwrap() error { return domain.ErrDuplicateActiveEscalation }

// StateError reports an operation on an entry that is no longer active.
type StateError struct {
	ID     string
	Status domain.EscalationStatus
}

func (e StateError) Error() string {
	return fmt.Sprintf("escalation %s is already %s", e.ID, e.Status)
}

type Coordinator struct {
	Store  Store
	Policy Policy
	Locks  *lock.MutexMap
	Logger *slog.Logger
}

func New(store Store, policy Policy, logger *slog.Logger) Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return Coordinator{Store: store, Policy: policy, Locks: lock.NewMutexMap(), Logger: logger}
}

func (c Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Coordinator) withLock(key string, fn func() error) error {
	if c.Locks == nil {
		return fn()
	}
	return c.Locks.With(key, fn)
}

// OnRejection is called after the inspection's incremented rejection count
// has been committed. At or past the threshold it queues an escalation
// unless one is already active, in which case it returns nil.
func (c Coordinator) OnRejection(ctx context.Context, insp domain.Inspection, managerID string, now time.Time) (*domain.EscalationEntry, error) {
	if insp.RejectionCount < c.Policy.Threshold {
		return nil, nil
	}
	reason := fmt.Sprintf("rejected %d times", insp.RejectionCount)
	entry, err := c.Create(ctx, insp, managerID, reason, now)
	if errors.Is(err, domain.ErrDuplicateActiveEscalation) {
		c.logger().Info("escalation already active", "inspection_id", insp.ID, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Create queues a new entry for insp. It is serialized per inspection and
// backed by the store's uniqueness guarantee, so a concurrent caller gets a
// DuplicateError instead of a second entry.
func (c Coordinator) Create(ctx context.Context, insp domain.Inspection, managerID, reason string, now time.Time) (domain.EscalationEntry, error) {
	var entry domain.EscalationEntry
	err := c.withLock(insp.ID, func() error {
		active, err := c.Store.ActiveEscalation(ctx, insp.ID)
		switch {
		case err == nil:
			return DuplicateError{InspectionID: insp.ID, ActiveID: active.ID}
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("load active escalation: %w", err)
		}
		entry = domain.EscalationEntry{
			ID:                ids.At(now),
			InspectionID:      insp.ID,
			ProjectID:         insp.ProjectID,
			OriginalManagerID: managerID,
			Reason:            reason,
			Status:            domain.EscalationQueued,
			Priority:          insp.Priority,
			CreatedAt:         now,
		}
		if c.Policy.Expiry > 0 {
			exp := now.Add(c.Policy.Expiry)
			entry.ExpiresAt = &exp
		}
		if err := c.Store.InsertEscalation(ctx, entry); err != nil {
			if errors.Is(err, domain.ErrDuplicateActiveEscalation) {
				return DuplicateError{InspectionID: insp.ID}
			}
			return fmt.Errorf("insert escalation: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.EscalationEntry{}, err
	}
	return entry, nil
}

// TickReport lists the entries a Tick changed.
type TickReport struct {
	Notified []domain.EscalationEntry
	Expired  []domain.EscalationEntry
}

// Tick sends reminders for entries idle longer than the reminder interval
// and expires entries past their deadline. Calling it again with the same
// now changes nothing.
func (c Coordinator) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var report TickReport
	entries, err := c.Store.ListActiveEscalations(ctx)
	if err != nil {
		return report, fmt.Errorf("list active escalations: %w", err)
	}
	var errs []error
	for _, e := range entries {
		e := e
		err := c.withLock(e.InspectionID, func() error {
			if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
				ok, err := c.Store.ExpireEscalation(ctx, e.ID, now)
				if err != nil || !ok {
					return err
				}
				e.Status = domain.EscalationExpired
				report.Expired = append(report.Expired, e)
				return nil
			}
			if !c.reminderDue(e, now) {
				return nil
			}
			ok, err := c.Store.MarkEscalationNotified(ctx, e.ID, now.Add(-c.Policy.ReminderInterval), now)
			if err != nil || !ok {
				return err
			}
			t := now
			e.Status = domain.EscalationNotified
			e.NotificationCount++
			e.LastNotifiedAt = &t
			report.Notified = append(report.Notified, e)
			return nil
		})
		if err != nil {
			c.logger().Error("escalation tick failed", "escalation_id", e.ID, "error", err)
			errs = append(errs, fmt.Errorf("escalation %s: %w", e.ID, err))
		}
	}
	return report, errors.Join(errs...)
}

func (c Coordinator) reminderDue(e domain.EscalationEntry, now time.Time) bool {
	if c.Policy.ReminderInterval <= 0 {
		return false
	}
	last := e.CreatedAt
	if e.LastNotifiedAt != nil {
		last = *e.LastNotifiedAt
	}
	return !now.Before(last.Add(c.Policy.ReminderInterval))
}

// Resolve closes an active entry. Only a manager of the entry's project may
// do so; the inspection itself is left untouched.
func (c Coordinator) Resolve(ctx context.Context, id string, manager domain.Actor, now time.Time) (domain.EscalationEntry, error) {
	entry, err := c.Store.GetEscalation(ctx, id)
	if err != nil {
		return domain.EscalationEntry{}, err
	}
	if !auth.HasAccess(manager.Role, domain.RoleProjectManager) {
		return domain.EscalationEntry{}, auth.ForbiddenError{Action: auth.ActionResolve, Role: manager.Role}
	}
	managers, err := c.Store.ProjectManagers(ctx, entry.ProjectID)
	if err != nil {
		return domain.EscalationEntry{}, fmt.Errorf("load project managers: %w", err)
	}
	if !containsActor(managers, manager.ID) {
		return domain.EscalationEntry{}, auth.ForbiddenError{Action: auth.ActionResolve, Role: manager.Role, Reason: "not a manager of project " + entry.ProjectID}
	}
	err = c.withLock(entry.InspectionID, func() error {
		entry, err = c.Store.GetEscalation(ctx, id)
		if err != nil {
			return err
		}
		if !entry.Status.Active() {
			return StateError{ID: entry.ID, Status: entry.Status}
		}
		ok, err := c.Store.ResolveEscalation(ctx, entry.ID, manager.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("resolve escalation %s: %w", entry.ID, domain.ErrStale)
		}
		return nil
	})
	if err != nil {
		return domain.EscalationEntry{}, err
	}
	t := now
	entry.Status = domain.EscalationResolved
	entry.ResolvedAt = &t
	entry.ResolvedBy = manager.ID
	return entry, nil
}

func containsActor(members []domain.Membership, actorID string) bool {
	for _, m := range members {
		if m.ActorID == actorID {
			return true
		}
	}
	return false
}
