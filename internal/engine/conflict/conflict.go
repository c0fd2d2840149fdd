// Package conflict detects disputes between evidence captured for the same
// inspection within a short window, and records managers' resolutions.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"fieldaudit/internal/config"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
	"fieldaudit/internal/geo"
	"fieldaudit/internal/ids"
	"fieldaudit/internal/lock"
)

type Store interface {
	GetInspection(ctx context.Context, id string) (domain.Inspection, error)
	// RecentEvidence returns evidence for the inspection captured within
	// [from, to], excluding excludeID, ordered by capture time.
	RecentEvidence(ctx context.Context, inspectionID, excludeID string, from, to time.Time) ([]domain.Evidence, error)
	// ProjectManagers returns managers in membership order.
	ProjectManagers(ctx context.Context, projectID string) ([]domain.Membership, error)
	InsertConflict(ctx context.Context, c domain.ConflictResolution) error
	GetConflict(ctx context.Context, id string) (domain.ConflictResolution, error)
	// ResolveConflict stores the resolution fields only while the row is PENDING.
	ResolveConflict(ctx context.Context, c domain.ConflictResolution) (bool, error)
}

type Policy struct {
	Window         time.Duration
	DistanceMeters float64
	// FlagUnclassified reports any in-window overlap as EVIDENCE_DISPUTE.
	FlagUnclassified bool
}

func DefaultPolicy() Policy {
	return Policy{Window: 5 * time.Minute, DistanceMeters: 100, FlagUnclassified: true}
}

func PolicyFromConfig(cfg config.ConflictConfig) Policy {
	return Policy{
		Window:           cfg.Window,
		DistanceMeters:   cfg.DistanceMeters,
		FlagUnclassified: cfg.FlagsUnclassified(),
	}
}

type InspectionNotFoundError struct {
	ID string
}

func (e InspectionNotFoundError) Error() string {
	return fmt.Sprintf("inspection %s not found", e.ID)
}

func (e InspectionNotFoundError) Unwrap() error { return domain.ErrNotFound }

// NoManagerAssignedError carries the detected dispute so an operator can
// triage it by hand.
type NoManagerAssignedError struct {
	InspectionID string
	ProjectID    string
	Type         domain.ConflictType
	EvidenceIDs  []string
}

func (e NoManagerAssignedError) Error() string {
	return fmt.Sprintf("no project manager for project %s; %s on inspection %s (evidence %s) needs manual triage",
		e.ProjectID, e.Type, e.InspectionID, strings.Join(e.EvidenceIDs, ", "))
}

type StateError struct {
	ID     string
	Status domain.ConflictStatus
}

func (e StateError) Error() string {
	return fmt.Sprintf("conflict %s is already %s", e.ID, e.Status)
}

type InvalidResolutionError struct {
	Reason string
}

func (e InvalidResolutionError) Error() string {
	return "invalid conflict resolution: " + e.Reason
}

// Finding is a positive detection.
type Finding struct {
	Type        domain.ConflictType
	EvidenceIDs []string
	Description string
}

// Detect classifies newEv against the other evidence of the same
// inspection. Items outside the window are ignored, so callers may pass a
// wider set. A differing file type wins over a location mismatch.
func Detect(newEv domain.Evidence, recent []domain.Evidence, p Policy) (Finding, bool) {
	var window []domain.Evidence
	for _, ev := range recent {
		if ev.ID == newEv.ID || ev.InspectionID != newEv.InspectionID {
			continue
		}
		if absDuration(ev.CapturedAt.Sub(newEv.CapturedAt)) > p.Window {
			continue
		}
		window = append(window, ev)
	}
	if len(window) == 0 {
		return Finding{}, false
	}

	var typeDiff []domain.Evidence
	for _, ev := range window {
		if !strings.EqualFold(strings.TrimSpace(ev.FileType), strings.TrimSpace(newEv.FileType)) {
			typeDiff = append(typeDiff, ev)
		}
	}
	if len(typeDiff) > 0 {
		return Finding{
			Type:        domain.ConflictEvidenceDispute,
			EvidenceIDs: evidenceIDs(newEv, typeDiff),
			Description: fmt.Sprintf("%s captured as %s while %d other submission(s) within %s used a different type",
				newEv.ID, newEv.FileType, len(typeDiff), p.Window),
		}, true
	}

	if newEv.HasLocation() {
		var far []domain.Evidence
		maxDist := 0.0
		origin := geo.Point{Lat: *newEv.Latitude, Lon: *newEv.Longitude}
		for _, ev := range window {
			if !ev.HasLocation() {
				continue
			}
			d := geo.Distance(origin, geo.Point{Lat: *ev.Latitude, Lon: *ev.Longitude})
			if d > p.DistanceMeters {
				far = append(far, ev)
				if d > maxDist {
					maxDist = d
				}
			}
		}
		if len(far) > 0 {
			return Finding{
				Type:        domain.ConflictLocationMismatch,
				EvidenceIDs: evidenceIDs(newEv, far),
				Description: fmt.Sprintf("%s captured up to %.0f m from %d other submission(s) within %s (limit %.0f m)",
					newEv.ID, maxDist, len(far), p.Window, p.DistanceMeters),
			}, true
		}
	}

	if !p.FlagUnclassified {
		return Finding{}, false
	}
	return Finding{
		Type:        domain.ConflictEvidenceDispute,
		EvidenceIDs: evidenceIDs(newEv, window),
		Description: fmt.Sprintf("%s overlaps %d other submission(s) within %s", newEv.ID, len(window), p.Window),
	}, true
}

func evidenceIDs(newEv domain.Evidence, others []domain.Evidence) []string {
	res := make([]string, 0, len(others)+1)
	res = append(res, newEv.ID)
	for _, ev := range others {
		res = append(res, ev.ID)
	}
	return res
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type Service struct {
	Store  Store
	Policy Policy
	Locks  *lock.MutexMap
	Logger *slog.Logger
}

func New(store Store, policy Policy, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{Store: store, Policy: policy, Locks: lock.NewMutexMap(), Logger: logger}
}

func (s Service) withLock(key string, fn func() error) error {
	if s.Locks == nil {
		return fn()
	}
	return s.Locks.With(key, fn)
}

// DetectConflict loads the window around newEv from the store and classifies it.
func (s Service) DetectConflict(ctx context.Context, inspectionID string, newEv domain.Evidence) (Finding, bool, error) {
	if _, err := s.inspection(ctx, inspectionID); err != nil {
		return Finding{}, false, err
	}
	newEv.InspectionID = inspectionID
	from := newEv.CapturedAt.Add(-s.Policy.Window)
	to := newEv.CapturedAt.Add(s.Policy.Window)
	recent, err := s.Store.RecentEvidence(ctx, inspectionID, newEv.ID, from, to)
	if err != nil {
		return Finding{}, false, fmt.Errorf("load recent evidence: %w", err)
	}
	f, ok := Detect(newEv, recent, s.Policy)
	return f, ok, nil
}

func (s Service) inspection(ctx context.Context, id string) (domain.Inspection, error) {
	insp, err := s.Store.GetInspection(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Inspection{}, InspectionNotFoundError{ID: id}
	}
	return insp, err
}

// CreateConflictResolution persists a PENDING record for f and assigns the
// first project manager in membership order.
func (s Service) CreateConflictResolution(ctx context.Context, inspectionID string, f Finding, now time.Time) (domain.ConflictResolution, error) {
	c, err := s.PrepareConflictResolution(ctx, inspectionID, f, now)
	if err != nil {
		return domain.ConflictResolution{}, err
	}
	if err := s.Store.InsertConflict(ctx, c); err != nil {
		return domain.ConflictResolution{}, fmt.Errorf("insert conflict: %w", err)
	}
	return c, nil
}

// PrepareConflictResolution builds the PENDING record for f with its
// assigned manager without storing it.
func (s Service) PrepareConflictResolution(ctx context.Context, inspectionID string, f Finding, now time.Time) (domain.ConflictResolution, error) {
	insp, err := s.inspection(ctx, inspectionID)
	if err != nil {
		return domain.ConflictResolution{}, err
	}
	if len(f.EvidenceIDs) < 2 {
		return domain.ConflictResolution{}, fmt.Errorf("conflict needs at least two evidence ids, got %d", len(f.EvidenceIDs))
	}
	managers, err := s.Store.ProjectManagers(ctx, insp.ProjectID)
	if err != nil {
		return domain.ConflictResolution{}, fmt.Errorf("load project managers: %w", err)
	}
	if len(managers) == 0 {
		return domain.ConflictResolution{}, NoManagerAssignedError{
			InspectionID: insp.ID,
			ProjectID:    insp.ProjectID,
			Type:         f.Type,
			EvidenceIDs:  append([]string(nil), f.EvidenceIDs...),
		}
	}
	sort.SliceStable(managers, func(i, j int) bool { return managers[i].Seq < managers[j].Seq })
	c := domain.ConflictResolution{
		ID:                ids.At(now),
		InspectionID:      insp.ID,
		ProjectID:         insp.ProjectID,
		EvidenceIDs:       append([]string(nil), f.EvidenceIDs...),
		Type:              f.Type,
		Description:       f.Description,
		Status:            domain.ConflictPending,
		AssignedManagerID: managers[0].ActorID,
		CreatedAt:         now,
	}
	return c, nil
}

type ResolveRequest struct {
	ConflictID      string
	Manager         domain.Actor
	Decision        string
	Notes           string
	KeptEvidenceIDs []string
}

// ResolveConflict records the assigned manager's decision. Kept evidence ids
// are recorded only; nothing is deleted.
func (s Service) ResolveConflict(ctx context.Context, req ResolveRequest, now time.Time) (domain.ConflictResolution, error) {
	c, err := s.Store.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return domain.ConflictResolution{}, err
	}
	if req.Manager.ID == "" || req.Manager.ID != c.AssignedManagerID {
		return domain.ConflictResolution{}, auth.ForbiddenError{
			Action: auth.ActionResolveConflict,
			Role:   req.Manager.Role,
			Reason: "only the assigned manager may resolve",
		}
	}
	if strings.TrimSpace(req.Decision) == "" {
		return domain.ConflictResolution{}, InvalidResolutionError{Reason: "decision is required"}
	}
	allowed := make(map[string]bool, len(c.EvidenceIDs))
	for _, id := range c.EvidenceIDs {
		allowed[id] = true
	}
	for _, id := range req.KeptEvidenceIDs {
		if !allowed[id] {
			return domain.ConflictResolution{}, InvalidResolutionError{Reason: fmt.Sprintf("evidence %s is not part of conflict %s", id, c.ID)}
		}
	}
	err = s.withLock(c.InspectionID, func() error {
		if c.Status != domain.ConflictPending {
			return StateError{ID: c.ID, Status: c.Status}
		}
		t := now
		c.Status = domain.ConflictResolved
		c.Decision = strings.TrimSpace(req.Decision)
		c.ResolutionNotes = req.Notes
		c.KeptEvidenceIDs = append([]string(nil), req.KeptEvidenceIDs...)
		c.ResolvedAt = &t
		ok, err := s.Store.ResolveConflict(ctx, c)
		if err != nil {
			return err
		}
		if !ok {
			return StateError{ID: c.ID, Status: domain.ConflictResolved}
		}
		return nil
	})
	if err != nil {
		return domain.ConflictResolution{}, err
	}
	return c, nil
}
