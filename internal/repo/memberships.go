package repo

import (
	"context"
	"database/sql"
	"fmt"

	"fieldaudit/internal/domain"
)

const membershipColumns = `seq,project_id,actor_id,role,created_at`

func scanMembership(row interface{ Scan(...any) error }) (domain.Membership, error) {
	var m domain.Membership
	var role, createdAt string
	err := row.Scan(&m.Seq, &m.ProjectID, &m.ActorID, &role, &createdAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Role = domain.Role(role)
	m.CreatedAt, err = parseTime(createdAt)
	return m, err
}

// AddMember inserts a membership and returns it with its insertion sequence.
// Re-adding an existing member fails; roles are changed explicitly.
func (r Repo) AddMember(ctx context.Context, m domain.Membership) (domain.Membership, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	m, err = insertMember(ctx, tx, m)
	if err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func insertMember(ctx context.Context, tx *sql.Tx, m domain.Membership) (domain.Membership, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO memberships(project_id,actor_id,role,created_at) VALUES (?,?,?,?)`,
		m.ProjectID, m.ActorID, string(m.Role), formatTime(m.CreatedAt))
	if isUniqueViolation(err) {
		return m, fmt.Errorf("%s is already a member of %s: %w", m.ActorID, m.ProjectID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return m, err
	}
	m.Seq, err = res.LastInsertId()
	return m, err
}

// UpdateMemberRole keeps the member's original sequence.
func (r Repo) UpdateMemberRole(ctx context.Context, projectID, actorID string, role domain.Role) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE memberships SET role=? WHERE project_id=? AND actor_id=?`, string(role), projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMembership(ctx context.Context, projectID, actorID string) (domain.Membership, error) {
	return scanMembership(r.DB.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE project_id=? AND actor_id=?`, projectID, actorID))
}

func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Membership, error) {
	return r.listMembers(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE project_id=? ORDER BY seq`, projectID)
}

// ProjectManagers returns the PROJECT_MANAGER members in insertion order.
func (r Repo) ProjectManagers(ctx context.Context, projectID string) ([]domain.Membership, error) {
	return r.listMembers(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE project_id=? AND role=? ORDER BY seq`,
		projectID, string(domain.RoleProjectManager))
}

// ActorProjects lists every membership held by an actor.
func (r Repo) ActorProjects(ctx context.Context, actorID string) ([]domain.Membership, error) {
	return r.listMembers(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE actor_id=? ORDER BY seq`, actorID)
}

func (r Repo) listMembers(ctx context.Context, query string, args ...any) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
