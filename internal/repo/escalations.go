package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"fieldaudit/internal/domain"
)

const escalationColumns = `id,inspection_id,project_id,original_manager_id,reason,status,priority,notification_count,created_at,expires_at,last_notified_at,resolved_at,resolved_by`

const activeEscalation = `status IN ('QUEUED','NOTIFIED')`

func scanEscalation(row interface{ Scan(...any) error }) (domain.EscalationEntry, error) {
	var e domain.EscalationEntry
	var status, priority, createdAt string
	var expiresAt, lastNotifiedAt, resolvedAt, resolvedBy sql.NullString
	err := row.Scan(&e.ID, &e.InspectionID, &e.ProjectID, &e.OriginalManagerID, &e.Reason, &status, &priority,
		&e.NotificationCount, &createdAt, &expiresAt, &lastNotifiedAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Status = domain.EscalationStatus(status)
	e.Priority = domain.Priority(priority)
	e.ResolvedBy = resolvedBy.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return e, err
	}
	if e.LastNotifiedAt, err = parseNullTime(lastNotifiedAt); err != nil {
		return e, err
	}
	e.ResolvedAt, err = parseNullTime(resolvedAt)
	return e, err
}

// InsertEscalation relies on idx_escalations_one_active; a second active
// entry for the same inspection fails with domain.ErrDuplicateActiveEscalation.
func (r Repo) InsertEscalation(ctx context.Context, e domain.EscalationEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO escalations(`+escalationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.InspectionID, e.ProjectID, e.OriginalManagerID, e.Reason, string(e.Status), string(e.Priority),
		e.NotificationCount, formatTime(e.CreatedAt), nullableTime(e.ExpiresAt), nullableTime(e.LastNotifiedAt),
		nullableTime(e.ResolvedAt), nullable(e.ResolvedBy))
	if isUniqueViolation(err) {
		return domain.ErrDuplicateActiveEscalation
	}
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.EscalationEntry, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id=?`, id))
}

func (r Repo) ActiveEscalation(ctx context.Context, inspectionID string) (domain.EscalationEntry, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE inspection_id=? AND `+activeEscalation, inspectionID))
}

func (r Repo) ListActiveEscalations(ctx context.Context) ([]domain.EscalationEntry, error) {
	return r.listEscalations(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE `+activeEscalation+` ORDER BY created_at, id`)
}

type EscalationFilters struct {
	ProjectID    string
	InspectionID string
	Status       domain.EscalationStatus
	Limit        int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.EscalationEntry, error) {
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
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.listEscalations(ctx, query, args...)
}

// MarkEscalationNotified records a reminder. It only applies to an active
// entry created at or before cutoff whose previous reminder, if any, is at or
// before cutoff and strictly before now, so last_notified_at only moves
// forward and a repeated tick is a no-op.
func (r Repo) MarkEscalationNotified(ctx context.Context, id string, cutoff, now time.Time) (bool, error) {
	c := formatTime(cutoff)
	n := formatTime(now)
	res, err := r.DB.ExecContext(ctx, `UPDATE escalations
SET status='NOTIFIED', notification_count=notification_count+1, last_notified_at=?
WHERE id=? AND `+activeEscalation+` AND created_at<=?
AND (last_notified_at IS NULL OR (last_notified_at<=? AND last_notified_at<?))`,
		n, id, c, c, n)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) ExpireEscalation(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE escalations SET status='EXPIRED' WHERE id=? AND `+activeEscalation+` AND expires_at IS NOT NULL AND expires_at<?`,
		id, formatTime(now))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) ResolveEscalation(ctx context.Context, id, managerID string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE escalations SET status='RESOLVED', resolved_at=?, resolved_by=? WHERE id=? AND `+activeEscalation,
		formatTime(now), managerID, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) listEscalations(ctx context.Context, query string, args ...any) ([]domain.EscalationEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationEntry
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
