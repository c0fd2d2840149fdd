package engine

import (
	"context"
	"strings"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
)

type CreateProjectInput struct {
	ID   string
	Name string
	// OwnerID becomes the first member with OwnerRole, EXECUTIVE by default.
	OwnerID   string
	OwnerRole domain.Role
}

type ProjectResult struct {
	Project domain.Project
	Owner   *domain.Membership
	Events  []domain.Event
}

func (e Engine) CreateProject(ctx context.Context, in CreateProjectInput) (res ProjectResult, err error) {
	defer func() {
		e.record(ctx, in.OwnerID, "project.create", "project", in.ID, err, nil)
	}()
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return res, ValidationError{Field: "id", Message: "is required"}
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = in.ID
	}
	now := e.now()
	p := domain.Project{ID: in.ID, Name: in.Name, CreatedAt: now}
	var owner *domain.Membership
	if in.OwnerID != "" {
		role := in.OwnerRole
		if role == "" {
			role = domain.RoleExecutive
		}
		if !role.Valid() {
			return res, ValidationError{Field: "owner_role", Message: "unknown role " + string(role)}
		}
		owner = &domain.Membership{ProjectID: p.ID, ActorID: in.OwnerID, Role: role, CreatedAt: now}
	}
	owner, err = e.Store.CreateProject(ctx, p, owner)
	if err != nil {
		return res, err
	}
	res = ProjectResult{Project: p, Owner: owner}
	res.Events = append(res.Events, event(domain.EventProjectCreated, p.ID, "project", p.ID, in.OwnerID, now, map[string]any{"name": p.Name}))
	if owner != nil {
		res.Events = append(res.Events, event(domain.EventMemberAdded, p.ID, "membership", owner.ActorID, in.OwnerID, now, map[string]any{"role": owner.Role}))
	}
	e.publish(ctx, res.Events)
	return res, nil
}

type MemberResult struct {
	Membership domain.Membership
	Events     []domain.Event
}

// AddMember grants role in projectID to actorID on behalf of byActorID.
func (e Engine) AddMember(ctx context.Context, projectID, actorID string, role domain.Role, byActorID string) (res MemberResult, err error) {
	defer func() {
		e.record(ctx, byActorID, auth.ActionManageMembers, "project", projectID, err, map[string]any{"member": actorID, "role": role})
	}()
	if strings.TrimSpace(actorID) == "" {
		return res, ValidationError{Field: "actor_id", Message: "is required"}
	}
	if !role.Valid() {
		return res, ValidationError{Field: "role", Message: "unknown role " + string(role)}
	}
	if _, err := e.Store.GetProject(ctx, projectID); err != nil {
		return res, err
	}
	by, err := e.Actor(ctx, projectID, byActorID)
	if err != nil {
		return res, err
	}
	if !auth.CanGrant(by.Role, role) {
		return res, auth.ForbiddenError{Action: auth.ActionManageMembers, Role: by.Role, Reason: "cannot grant " + string(role)}
	}
	now := e.now()
	m, err := e.Store.AddMember(ctx, domain.Membership{ProjectID: projectID, ActorID: actorID, Role: role, CreatedAt: now})
	if err != nil {
		return res, err
	}
	res.Membership = m
	res.Events = []domain.Event{event(domain.EventMemberAdded, projectID, "membership", actorID, byActorID, now, map[string]any{"role": role})}
	e.publish(ctx, res.Events)
	return res, nil
}

// SetMemberRole changes an existing member's role. The member keeps its join
// order, so conflict assignment is unaffected by promotions.
func (e Engine) SetMemberRole(ctx context.Context, projectID, actorID string, role domain.Role, byActorID string) (res MemberResult, err error) {
	defer func() {
		e.record(ctx, byActorID, auth.ActionManageMembers, "project", projectID, err, map[string]any{"member": actorID, "role": role})
	}()
	if !role.Valid() {
		return res, ValidationError{Field: "role", Message: "unknown role " + string(role)}
	}
	by, err := e.Actor(ctx, projectID, byActorID)
	if err != nil {
		return res, err
	}
	current, err := e.Store.GetMembership(ctx, projectID, actorID)
	if err != nil {
		return res, err
	}
	if !auth.CanGrant(by.Role, role) || !auth.CanGrant(by.Role, current.Role) {
		return res, auth.ForbiddenError{Action: auth.ActionManageMembers, Role: by.Role, Reason: "cannot change " + string(current.Role) + " to " + string(role)}
	}
	if err := e.Store.UpdateMemberRole(ctx, projectID, actorID, role); err != nil {
		return res, err
	}
	now := e.now()
	current.Role = role
	res.Membership = current
	res.Events = []domain.Event{event(domain.EventMemberRoleChanged, projectID, "membership", actorID, by.ID, now, map[string]any{"role": role})}
	e.publish(ctx, res.Events)
	return res, nil
}
