package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fieldaudit/internal/domain"
)

const evidenceColumns = `id,inspection_id,question_id,submitted_by,file_type,uri,captured_at,latitude,longitude,accuracy,created_at`

func scanEvidence(row interface{ Scan(...any) error }) (domain.Evidence, error) {
	var ev domain.Evidence
	var questionID, uri sql.NullString
	var lat, lon, acc sql.NullFloat64
	var capturedAt, createdAt string
	err := row.Scan(&ev.ID, &ev.InspectionID, &questionID, &ev.SubmittedBy, &ev.FileType, &uri, &capturedAt, &lat, &lon, &acc, &createdAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.QuestionID = questionID.String
	ev.URI = uri.String
	if lat.Valid {
		ev.Latitude = &lat.Float64
	}
	if lon.Valid {
		ev.Longitude = &lon.Float64
	}
	if acc.Valid {
		ev.Accuracy = &acc.Float64
	}
	if ev.CapturedAt, err = parseTime(capturedAt); err != nil {
		return ev, err
	}
	ev.CreatedAt, err = parseTime(createdAt)
	return ev, err
}

// InsertEvidence stores ev, the conflict it raised when c is set, and evts
// in one transaction.
func (r Repo) InsertEvidence(ctx context.Context, ev domain.Evidence, c *domain.ConflictResolution, evts []domain.Event) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO evidence(`+evidenceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.InspectionID, nullable(ev.QuestionID), ev.SubmittedBy, ev.FileType, nullable(ev.URI),
		formatTime(ev.CapturedAt), nullableFloat(ev.Latitude), nullableFloat(ev.Longitude), nullableFloat(ev.Accuracy),
		formatTime(ev.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("evidence %s: %w", ev.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	if c != nil {
		if err := insertConflict(ctx, tx, *c); err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
	}
	if err := appendEvents(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetEvidence(ctx context.Context, id string) (domain.Evidence, error) {
	return scanEvidence(r.DB.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id=?`, id))
}

func (r Repo) ListEvidence(ctx context.Context, inspectionID string) ([]domain.Evidence, error) {
	return r.listEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE inspection_id=? ORDER BY captured_at, id`, inspectionID)
}

// RecentEvidence returns evidence of an inspection captured within
// [from, to], excluding excludeID. The range is served by idx_evidence_window.
func (r Repo) RecentEvidence(ctx context.Context, inspectionID, excludeID string, from, to time.Time) ([]domain.Evidence, error) {
	return r.listEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence
WHERE inspection_id=? AND id<>? AND captured_at>=? AND captured_at<=?
ORDER BY captured_at, id`, inspectionID, excludeID, formatTime(from), formatTime(to))
}

func (r Repo) listEvidence(ctx context.Context, query string, args ...any) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
