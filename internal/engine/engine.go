// Package engine is the workflow orchestrator. It sequences the permission
// gate, the state machine, the escalation coordinator and the conflict
// detector, persists through Store and reports the domain events of every
// operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldaudit/internal/audit"
	"fieldaudit/internal/config"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/engine/conflict"
	"fieldaudit/internal/engine/escalation"
	"fieldaudit/internal/lock"
	"fieldaudit/internal/obs"
)

// SystemActor is recorded on events produced by the scheduler.
const SystemActor = "system"

// timePrecision is the precision timestamps are stored at.
const timePrecision = time.Second

// Store is everything the engine persists. repo.Repo implements it.
type Store interface {
	escalation.Store
	conflict.Store

	CreateProject(ctx context.Context, p domain.Project, owner *domain.Membership) (*domain.Membership, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)
	AddMember(ctx context.Context, m domain.Membership) (domain.Membership, error)
	GetMembership(ctx context.Context, projectID, actorID string) (domain.Membership, error)
	UpdateMemberRole(ctx context.Context, projectID, actorID string, role domain.Role) error

	InsertInspection(ctx context.Context, insp domain.Inspection) error
	// SaveInspection is a compare-and-set on prev's version; false means a
	// concurrent writer got there first. The approval and evts commit with
	// the inspection or not at all.
	SaveInspection(ctx context.Context, insp domain.Inspection, prev domain.Inspection, approval *domain.Approval, evts []domain.Event) (bool, error)

	// InsertEvidence stores the evidence, the conflict it raised and evts
	// atomically.
	InsertEvidence(ctx context.Context, ev domain.Evidence, c *domain.ConflictResolution, evts []domain.Event) error
	GetEvidence(ctx context.Context, id string) (domain.Evidence, error)
}

// Publisher appends events to the outbox.
type Publisher interface {
	Append(ctx context.Context, evts ...domain.Event) error
}

type Engine struct {
	Store       Store
	Events      Publisher
	Audit       audit.Sink
	Escalations escalation.Coordinator
	Conflicts   conflict.Service
	Locks       *lock.MutexMap
	Config      *config.Config
	Logger      *slog.Logger
	Now         func() time.Time
}

func New(store Store, events Publisher, sink audit.Sink, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	locks := lock.NewMutexMap()
	esc := escalation.New(store, escalation.PolicyFromConfig(cfg.Escalation), logger.With("component", "escalation"))
	esc.Locks = locks
	con := conflict.New(store, conflict.PolicyFromConfig(cfg.Conflict), logger.With("component", "conflict"))
	con.Locks = locks
	return Engine{
		Store:       store,
		Events:      events,
		Audit:       sink,
		Escalations: esc,
		Conflicts:   con,
		Locks:       locks,
		Config:      cfg,
		Logger:      logger,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(timePrecision)
	}
	return time.Now().UTC().Truncate(timePrecision)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// withLock serializes work on one inspection. Callers must not nest it with
// the coordinator's or the detector's own locking on the same key.
func (e Engine) withLock(key string, fn func() error) error {
	if e.Locks == nil {
		return fn()
	}
	return e.Locks.With(key, fn)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func staleErr(kind, id string) error {
	return fmt.Errorf("%s %s changed concurrently: %w", kind, id, domain.ErrStale)
}

// publish appends evts to the outbox for writes that commit outside an
// inspection or evidence transaction. The state change they describe is
// already committed, so a failure is logged and the events are still
// returned to the caller.
func (e Engine) publish(ctx context.Context, evts []domain.Event) {
	if e.Events == nil || len(evts) == 0 {
		return
	}
	if err := e.Events.Append(ctx, evts...); err != nil {
		e.logger().ErrorContext(ctx, "append events to outbox", "count", len(evts), "first_type", evts[0].Type, "error", err)
	}
}

// record emits the audit event of one operation. Audit is best effort.
func (e Engine) record(ctx context.Context, actorID string, action auth.Action, entityType, entityID string, opErr error, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	outcome := domain.OutcomeSuccess
	var fe auth.ForbiddenError
	switch {
	case errors.As(opErr, &fe):
		outcome = domain.OutcomeDenied
		meta["reason"] = fe.Error()
	case opErr != nil:
		outcome = domain.OutcomeFailed
		meta["error"] = opErr.Error()
	}
	if e.Audit == nil {
		return
	}
	evt := domain.AuditEvent{
		ActorID:    actorID,
		Action:     string(action),
		EntityType: entityType,
		EntityID:   entityID,
		Outcome:    outcome,
		At:         e.now(),
		Metadata:   meta,
	}
	if err := e.Audit.Record(ctx, evt); err != nil {
		obs.AuditDropped()
		e.logger().WarnContext(ctx, "audit event dropped", "action", action, "entity_id", entityID, "error", err)
	}
}

func event(typ, projectID, kind, entityID, actorID string, at time.Time, payload map[string]any) domain.Event {
	return domain.Event{
		Type:       typ,
		ProjectID:  projectID,
		EntityKind: kind,
		EntityID:   entityID,
		ActorID:    actorID,
		At:         at,
		Payload:    payload,
	}
}

// Actor resolves actorID's role in projectID from membership. A non-member
// is forbidden.
func (e Engine) Actor(ctx context.Context, projectID, actorID string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, auth.ForbiddenError{Action: auth.ActionAccess, Reason: "anonymous caller"}
	}
	m, err := e.Store.GetMembership(ctx, projectID, actorID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Actor{ID: actorID}, auth.ForbiddenError{Action: auth.ActionAccess, Reason: actorID + " is not a member of " + projectID}
	}
	if err != nil {
		return domain.Actor{}, fmt.Errorf("load membership: %w", err)
	}
	return domain.Actor{ID: actorID, Role: m.Role}, nil
}

// loadInspection maps a missing inspection to conflict.InspectionNotFoundError
// so every operation reports it the same way.
func (e Engine) loadInspection(ctx context.Context, id string) (domain.Inspection, error) {
	insp, err := e.Store.GetInspection(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Inspection{}, conflict.InspectionNotFoundError{ID: id}
	}
	if err != nil {
		return domain.Inspection{}, fmt.Errorf("load inspection: %w", err)
	}
	return insp, nil
}

// inspectionActor loads the inspection and the caller's role in its project.
func (e Engine) inspectionActor(ctx context.Context, inspectionID, actorID string) (domain.Inspection, domain.Actor, error) {
	insp, err := e.loadInspection(ctx, inspectionID)
	if err != nil {
		return domain.Inspection{}, domain.Actor{}, err
	}
	actor, err := e.Actor(ctx, insp.ProjectID, actorID)
	if err != nil {
		return insp, actor, err
	}
	return insp, actor, nil
}
