package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/engine/conflict"
	"fieldaudit/internal/repo"
)

func registerEvidence(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-evidence",
		Method:        http.MethodPost,
		Path:          "/inspections/{id}/evidence",
		Summary:       "Submit evidence metadata",
		Description:   "Runs conflict detection against recent evidence. When a dispute is found but the project has no manager the evidence is still stored and the response carries a no_manager_assigned warning. Any other failure stores nothing.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitEvidenceRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev := domain.Evidence{
			ID:           input.Body.ID,
			InspectionID: input.ID,
			QuestionID:   input.Body.QuestionID,
			FileType:     input.Body.FileType,
			URI:          input.Body.URI,
			Latitude:     input.Body.Latitude,
			Longitude:    input.Body.Longitude,
			Accuracy:     input.Body.Accuracy,
		}
		if input.Body.CapturedAt != nil {
			ev.CapturedAt = *input.Body.CapturedAt
		}
		res, err := s.engine.SubmitEvidence(ctx, engine.SubmitEvidenceInput{Evidence: ev, ActorID: actorID})
		out := EvidenceResponse{Evidence: res.Evidence, Conflict: res.Conflict}
		var nme conflict.NoManagerAssignedError
		switch {
		case err == nil:
		case errors.As(err, &nme) && res.Evidence.ID != "":
			out.Warning = &WarningBody{
				Code:    "no_manager_assigned",
				Message: err.Error(),
				Details: map[string]any{"type": nme.Type, "evidence_ids": nme.EvidenceIDs},
			}
		default:
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/inspections/{id}/evidence",
		Summary:     "List evidence of an inspection",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Evidence `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.GetInspection(ctx, input.ID, actorID); err != nil {
			return nil, s.fail(ctx, err)
		}
		items, err := s.repo.ListEvidence(ctx, input.ID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body []domain.Evidence `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerConflicts(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/conflicts",
		Summary:     "List evidence conflicts",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID         string `path:"project_id"`
		Status            string `query:"status" enum:"PENDING,RESOLVED"`
		InspectionID      string `query:"inspection_id"`
		AssignedManagerID string `query:"assigned_manager_id"`
		Limit             int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ConflictResolution `json:"body"`
	}, error) {
		if _, err := s.manager(ctx, input.ProjectID, auth.ActionResolveConflict); err != nil {
			return nil, s.fail(ctx, err)
		}
		items, err := s.repo.ListConflicts(ctx, repo.ConflictFilters{
			ProjectID:         input.ProjectID,
			InspectionID:      input.InspectionID,
			AssignedManagerID: input.AssignedManagerID,
			Status:            domain.ConflictStatus(input.Status),
			Limit:             normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body []domain.ConflictResolution `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{id}/resolve",
		Summary:     "Record the assigned manager's decision",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ResolveConflictRequest `json:"body"`
	}) (*struct {
		Body domain.ConflictResolution `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.engine.ResolveConflict(ctx, engine.ResolveConflictInput{
			ConflictID:      input.ID,
			ActorID:         actorID,
			Decision:        input.Body.Decision,
			Notes:           input.Body.Notes,
			KeptEvidenceIDs: input.Body.KeptEvidenceIDs,
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return &struct {
			Body domain.ConflictResolution `json:"body"`
		}{Body: res.Conflict}, nil
	})
}
