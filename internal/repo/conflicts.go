package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fieldaudit/internal/domain"
)

const conflictColumns = `id,inspection_id,project_id,evidence_ids_json,type,description,status,assigned_manager_id,decision,resolution_notes,kept_evidence_ids_json,created_at,resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (domain.ConflictResolution, error) {
	var c domain.ConflictResolution
	var evidenceJSON, typ, status, createdAt string
	var decision, notes, keptJSON, resolvedAt sql.NullString
	err := row.Scan(&c.ID, &c.InspectionID, &c.ProjectID, &evidenceJSON, &typ, &c.Description, &status,
		&c.AssignedManagerID, &decision, &notes, &keptJSON, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Type = domain.ConflictType(typ)
	c.Status = domain.ConflictStatus(status)
	c.Decision = decision.String
	c.ResolutionNotes = notes.String
	if c.EvidenceIDs, err = unmarshalStrings(sql.NullString{String: evidenceJSON, Valid: true}); err != nil {
		return c, err
	}
	if c.KeptEvidenceIDs, err = unmarshalStrings(keptJSON); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	c.ResolvedAt, err = parseNullTime(resolvedAt)
	return c, err
}

func (r Repo) InsertConflict(ctx context.Context, c domain.ConflictResolution) error {
	return insertConflict(ctx, r.DB, c)
}

func insertConflict(ctx context.Context, ex execer, c domain.ConflictResolution) error {
	if len(c.EvidenceIDs) < 2 {
		return fmt.Errorf("conflict %s needs at least two evidence ids", c.ID)
	}
	evidenceJSON, err := marshalStrings(c.EvidenceIDs)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO conflicts(`+conflictColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.InspectionID, c.ProjectID, evidenceJSON, string(c.Type), c.Description, string(c.Status),
		c.AssignedManagerID, nullable(c.Decision), nullable(c.ResolutionNotes), nil, formatTime(c.CreatedAt), nullableTime(c.ResolvedAt))
	return err
}

func (r Repo) GetConflict(ctx context.Context, id string) (domain.ConflictResolution, error) {
	return scanConflict(r.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=?`, id))
}

// ResolveConflict applies the resolution fields of c while the row is still
// PENDING. Triggering evidence ids are never rewritten.
func (r Repo) ResolveConflict(ctx context.Context, c domain.ConflictResolution) (bool, error) {
	kept, err := marshalStrings(c.KeptEvidenceIDs)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE conflicts SET status=?, decision=?, resolution_notes=?, kept_evidence_ids_json=?, resolved_at=? WHERE id=? AND status='PENDING'`,
		string(c.Status), nullable(c.Decision), nullable(c.ResolutionNotes), kept, nullableTime(c.ResolvedAt), c.ID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

type ConflictFilters struct {
	ProjectID         string
	InspectionID      string
	AssignedManagerID string
	Status            domain.ConflictStatus
	Limit             int
}

func (r Repo) ListConflicts(ctx context.Context, f ConflictFilters) ([]domain.ConflictResolution, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.InspectionID != "" {
		clauses = append(clauses, "inspection_id=?")
		args = append(args, f.InspectionID)
	}
	if f.AssignedManagerID != "" {
		clauses = append(clauses, "assigned_manager_id=?")
		args = append(args, f.AssignedManagerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
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
	var res []domain.ConflictResolution
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
