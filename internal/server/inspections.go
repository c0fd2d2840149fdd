package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine"
	"fieldaudit/internal/repo"
)

type inspectionOutput struct {
	Body domain.Inspection `json:"body"`
}

func registerInspections(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-inspection",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/inspections",
		Summary:       "Create a DRAFT inspection",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateInspectionRequest `json:"body"`
	}) (*inspectionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.CreateInspection(ctx, engine.CreateInspectionInput{
			ID:          input.Body.ID,
			ProjectID:   input.ProjectID,
			InspectorID: input.Body.InspectorID,
			Title:       input.Body.Title,
			Priority:    domain.Priority(input.Body.Priority),
			DueDate:     input.Body.DueDate,
			Checklist:   input.Body.Checklist,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &inspectionOutput{Body: res.Inspection}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inspections",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/inspections",
		Summary:     "List inspections",
		Description: "Inspectors only see inspections assigned to them.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Status      string `query:"status" enum:"DRAFT,PENDING,IN_REVIEW,APPROVED,REJECTED"`
		InspectorID string `query:"inspector_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Inspection `json:"body"`
	}, error) {
		actor, err := s.member(ctx, input.ProjectID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		f := repo.InspectionFilters{
			ProjectID:   input.ProjectID,
			Status:      domain.Status(input.Status),
			InspectorID: input.InspectorID,
			Limit:       normalizeLimit(input.Limit),
		}
		if actor.Role == domain.RoleInspector {
			if f.InspectorID != "" && f.InspectorID != actor.ID {
				return &struct {
					Body []domain.Inspection `json:"body"`
				}{Body: []domain.Inspection{}}, nil
			}
			f.InspectorID = actor.ID
		}
		items, err := s.repo.ListInspections(ctx, f)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body []domain.Inspection `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inspection",
		Method:      http.MethodGet,
		Path:        "/inspections/{id}",
		Summary:     "Get inspection",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*inspectionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		insp, err := s.engine.GetInspection(ctx, input.ID, actorID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &inspectionOutput{Body: insp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-responses",
		Method:      http.MethodPatch,
		Path:        "/inspections/{id}/responses",
		Summary:     "Merge checklist responses into a draft",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateResponsesRequest `json:"body"`
	}) (*inspectionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.UpdateResponses(ctx, input.ID, actorID, input.Body.Responses)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &inspectionOutput{Body: res.Inspection}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-inspection",
		Method:      http.MethodPost,
		Path:        "/inspections/{id}/transitions",
		Summary:     "Move an inspection to a new status",
		Errors:      append(writeErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.Transition(ctx, engine.TransitionInput{
			InspectionID:     input.ID,
			To:               domain.Status(input.Body.To),
			ActorID:          actorID,
			Notes:            input.Body.Notes,
			EscalationReason: input.Body.EscalationReason,
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{Inspection: res.Inspection, Approval: res.Approval, Escalation: res.Escalation}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-rejections",
		Method:      http.MethodPost,
		Path:        "/inspections/{id}/reset-rejections",
		Summary:     "Executive override: reset the rejection count",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*inspectionOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.ResetRejections(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &inspectionOutput{Body: res.Inspection}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/inspections/{id}/approvals",
		Summary:     "Review history of an inspection",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.GetInspection(ctx, input.ID, actorID); err != nil {
			return nil, s.fail(ctx, err)
		}
		items, err := s.repo.ListApprovals(ctx, input.ID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}
