package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerProjects(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Description:   "The caller becomes the first member, EXECUTIVE unless owner_role says otherwise.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.CreateProject(ctx, engine.CreateProjectInput{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			OwnerID:   actorID,
			OwnerRole: domain.Role(input.Body.OwnerRole),
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: res.Project, Owner: res.Owner}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List the caller's projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ms, err := s.repo.ActorProjects(ctx, actorID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		items := make([]domain.Project, 0, len(ms))
		for _, m := range ms {
			p, err := s.repo.GetProject(ctx, m.ProjectID)
			if err != nil {
				return nil, s.fail(ctx, err)
			}
			items = append(items, p)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, err := s.member(ctx, input.ProjectID); err != nil {
			return nil, s.fail(ctx, err)
		}
		p, err := s.repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List members in join order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Membership `json:"body"`
	}, error) {
		if _, err := s.member(ctx, input.ProjectID); err != nil {
			return nil, s.fail(ctx, err)
		}
		items, err := s.repo.ListMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body []domain.Membership `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Add member",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, _ := domain.ParseRole(input.Body.Role)
		res, err := s.engine.AddMember(ctx, input.ProjectID, input.Body.ActorID, role, actorID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: res.Membership}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-member-role",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/members/{actor_id}",
		Summary:     "Change a member's role",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ActorID   string               `path:"actor_id"`
		Body      SetMemberRoleRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, _ := domain.ParseRole(input.Body.Role)
		res, err := s.engine.SetMemberRole(ctx, input.ProjectID, input.ActorID, role, actorID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: res.Membership}, nil
	})
}
