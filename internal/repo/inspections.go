package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/events"
)

const inspectionColumns = `id,project_id,inspector_id,title,status,priority,rejection_count,due_date,submitted_at,completed_at,checklist_json,responses_json,created_at,updated_at,version`

func scanInspection(row interface{ Scan(...any) error }) (domain.Inspection, error) {
	var insp domain.Inspection
	var status, priority, checklistJSON, responsesJSON, createdAt, updatedAt string
	var dueDate, submittedAt, completedAt sql.NullString
	err := row.Scan(&insp.ID, &insp.ProjectID, &insp.InspectorID, &insp.Title, &status, &priority, &insp.RejectionCount,
		&dueDate, &submittedAt, &completedAt, &checklistJSON, &responsesJSON, &createdAt, &updatedAt, &insp.Version)
	if err == sql.ErrNoRows {
		return insp, ErrNotFound
	}
	if err != nil {
		return insp, err
	}
	insp.Status = domain.Status(status)
	insp.Priority = domain.Priority(priority)
	if insp.DueDate, err = parseNullTime(dueDate); err != nil {
		return insp, err
	}
	if insp.SubmittedAt, err = parseNullTime(submittedAt); err != nil {
		return insp, err
	}
	if insp.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return insp, err
	}
	if err := json.Unmarshal([]byte(checklistJSON), &insp.Checklist); err != nil {
		return insp, fmt.Errorf("decode checklist of %s: %w", insp.ID, err)
	}
	if err := json.Unmarshal([]byte(responsesJSON), &insp.Responses); err != nil {
		return insp, fmt.Errorf("decode responses of %s: %w", insp.ID, err)
	}
	if insp.Responses == nil {
		insp.Responses = map[string]domain.Response{}
	}
	if insp.CreatedAt, err = parseTime(createdAt); err != nil {
		return insp, err
	}
	insp.UpdatedAt, err = parseTime(updatedAt)
	return insp, err
}

func encodeInspection(insp domain.Inspection) (checklist, responses string, err error) {
	if insp.Checklist == nil {
		insp.Checklist = []domain.ChecklistQuestion{}
	}
	if insp.Responses == nil {
		insp.Responses = map[string]domain.Response{}
	}
	if checklist, err = marshalJSON(insp.Checklist); err != nil {
		return "", "", fmt.Errorf("encode checklist: %w", err)
	}
	if responses, err = marshalJSON(insp.Responses); err != nil {
		return "", "", fmt.Errorf("encode responses: %w", err)
	}
	return checklist, responses, nil
}

func (r Repo) InsertInspection(ctx context.Context, insp domain.Inspection) error {
	checklist, responses, err := encodeInspection(insp)
	if err != nil {
		return err
	}
	version := insp.Version
	if version < 1 {
		version = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO inspections(`+inspectionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		insp.ID, insp.ProjectID, insp.InspectorID, insp.Title, string(insp.Status), string(insp.Priority), insp.RejectionCount,
		nullableTime(insp.DueDate), nullableTime(insp.SubmittedAt), nullableTime(insp.CompletedAt),
		checklist, responses, formatTime(insp.CreatedAt), formatTime(insp.UpdatedAt), version)
	if isUniqueViolation(err) {
		return fmt.Errorf("inspection %s: %w", insp.ID, domain.ErrAlreadyExists)
	}
	return err
}

func (r Repo) GetInspection(ctx context.Context, id string) (domain.Inspection, error) {
	return scanInspection(r.DB.QueryRowContext(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE id=?`, id))
}

// SaveInspection writes every mutable column of insp in one transaction,
// together with the approval when one is given and evts in order. The
// update only applies while the stored version still equals prev's; it
// then stores prev.Version+1. Otherwise it reports false and nothing is
// written.
func (r Repo) SaveInspection(ctx context.Context, insp domain.Inspection, prev domain.Inspection, approval *domain.Approval, evts []domain.Event) (bool, error) {
	checklist, responses, err := encodeInspection(insp)
	if err != nil {
		return false, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE inspections SET title=?, status=?, priority=?, rejection_count=?, due_date=?, submitted_at=?, completed_at=?, checklist_json=?, responses_json=?, updated_at=?, version=?
WHERE id=? AND version=?`,
		insp.Title, string(insp.Status), string(insp.Priority), insp.RejectionCount,
		nullableTime(insp.DueDate), nullableTime(insp.SubmittedAt), nullableTime(insp.CompletedAt),
		checklist, responses, formatTime(insp.UpdatedAt), prev.Version+1,
		insp.ID, prev.Version)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if approval != nil {
		if err := insertApproval(ctx, tx, *approval); err != nil {
			return false, fmt.Errorf("insert approval: %w", err)
		}
	}
	if err := appendEvents(ctx, tx, evts); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func appendEvents(ctx context.Context, tx *sql.Tx, evts []domain.Event) error {
	var w events.Writer
	for _, evt := range evts {
		if err := w.AppendTx(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

type InspectionFilters struct {
	ProjectID   string
	Status      domain.Status
	InspectorID string
	Limit       int
}

func (r Repo) ListInspections(ctx context.Context, f InspectionFilters) ([]domain.Inspection, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.InspectorID != "" {
		clauses = append(clauses, "inspector_id=?")
		args = append(args, f.InspectorID)
	}
	query := `SELECT ` + inspectionColumns + ` FROM inspections`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Inspection
	for rows.Next() {
		insp, err := scanInspection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, insp)
	}
	return res, rows.Err()
}

func insertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	escalated := 0
	if a.IsEscalated {
		escalated = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,inspection_id,reviewer_id,decision,notes,escalation_reason,is_escalated,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.InspectionID, a.ReviewerID, string(a.Decision), a.Notes, nullable(a.EscalationReason), escalated, formatTime(a.CreatedAt))
	return err
}

// ListApprovals returns the review history of an inspection, oldest first.
func (r Repo) ListApprovals(ctx context.Context, inspectionID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,inspection_id,reviewer_id,decision,notes,COALESCE(escalation_reason,''),is_escalated,created_at FROM approvals WHERE inspection_id=? ORDER BY created_at, id`, inspectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decision, createdAt string
		var escalated int
		if err := rows.Scan(&a.ID, &a.InspectionID, &a.ReviewerID, &decision, &a.Notes, &a.EscalationReason, &escalated, &createdAt); err != nil {
			return nil, err
		}
		a.Decision = domain.Status(decision)
		a.IsEscalated = escalated != 0
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
