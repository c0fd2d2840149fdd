package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/repo"
)

type escalationOutput struct {
	Body domain.EscalationEntry `json:"body"`
}

func registerEscalations(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "escalate-inspection",
		Method:        http.MethodPost,
		Path:          "/inspections/{id}/escalations",
		Summary:       "Escalate an inspection to the other project managers",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*escalationOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Escalate(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &escalationOutput{Body: res.Escalation}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/escalations",
		Summary:     "List escalations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		Status       string `query:"status" enum:"QUEUED,NOTIFIED,RESOLVED,EXPIRED"`
		InspectionID string `query:"inspection_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.EscalationEntry `json:"body"`
	}, error) {
		if _, err := s.manager(ctx, input.ProjectID, auth.ActionResolve); err != nil {
			return nil, s.fail(ctx, err)
		}
		items, err := s.repo.ListEscalations(ctx, repo.EscalationFilters{
			ProjectID:    input.ProjectID,
			InspectionID: input.InspectionID,
			Status:       domain.EscalationStatus(input.Status),
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body []domain.EscalationEntry `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/resolve",
		Summary:     "Resolve an active escalation",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*escalationOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.ResolveEscalation(ctx, input.ID, actorID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &escalationOutput{Body: res.Escalation}, nil
	})
}
