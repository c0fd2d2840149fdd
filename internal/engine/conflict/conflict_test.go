package conflict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func evidence(id, fileType string, at time.Time, lat, lon float64) domain.Evidence {
	return domain.Evidence{
		ID:           id,
		InspectionID: "i-1",
		FileType:     fileType,
		CapturedAt:   at,
		Latitude:     ptr(lat),
		Longitude:    ptr(lon),
	}
}

func TestDetectLocationMismatch(t *testing.T) {
	prev := evidence("ev-1", "image/jpeg", t0, 34.0, -118.0)
	next := evidence("ev-2", "image/jpeg", t0.Add(3*time.Minute), 34.002, -118.0)

	f, ok := Detect(next, []domain.Evidence{prev}, DefaultPolicy())
	require.True(t, ok)
	assert.Equal(t, domain.ConflictLocationMismatch, f.Type)
	assert.Equal(t, []string{"ev-2", "ev-1"}, f.EvidenceIDs)
	assert.Contains(t, f.Description, "222 m")
}

func TestDetectOutsideWindow(t *testing.T) {
	prev := evidence("ev-1", "image/jpeg", t0, 34.0, -118.0)
	next := evidence("ev-2", "video/mp4", t0.Add(10*time.Minute), 34.002, -118.0)

	_, ok := Detect(next, []domain.Evidence{prev}, DefaultPolicy())
	assert.False(t, ok)
}

func TestDetectTypeDisputeWinsOverLocation(t *testing.T) {
	prev := evidence("ev-1", "image/jpeg", t0, 34.0, -118.0)
	next := evidence("ev-2", "video/mp4", t0.Add(-2*time.Minute), 34.002, -118.0)

	f, ok := Detect(next, []domain.Evidence{prev}, DefaultPolicy())
	require.True(t, ok)
	assert.Equal(t, domain.ConflictEvidenceDispute, f.Type)
}

func TestDetectUnclassifiedOverlap(t *testing.T) {
	prev := evidence("ev-1", "image/jpeg", t0, 34.0, -118.0)
	next := evidence("ev-2", "IMAGE/JPEG", t0.Add(time.Minute), 34.0001, -118.0)
	noLoc := domain.Evidence{ID: "ev-3", InspectionID: "i-1", FileType: "image/jpeg", CapturedAt: t0}

	f, ok := Detect(next, []domain.Evidence{prev, noLoc}, DefaultPolicy())
	require.True(t, ok)
	assert.Equal(t, domain.ConflictEvidenceDispute, f.Type)
	assert.ElementsMatch(t, []string{"ev-1", "ev-2", "ev-3"}, f.EvidenceIDs)

	p := DefaultPolicy()
	p.FlagUnclassified = false
	_, ok = Detect(next, []domain.Evidence{prev, noLoc}, p)
	assert.False(t, ok)
}

func TestDetectIgnoresOtherInspectionsAndItself(t *testing.T) {
	next := evidence("ev-2", "image/jpeg", t0, 34.0, -118.0)
	other := evidence("ev-9", "video/mp4", t0, 40.0, -70.0)
	other.InspectionID = "i-2"

	_, ok := Detect(next, []domain.Evidence{next, other}, DefaultPolicy())
	assert.False(t, ok)
	_, ok = Detect(next, nil, DefaultPolicy())
	assert.False(t, ok)
}

type memStore struct {
	mu          sync.Mutex
	inspections map[string]domain.Inspection
	evidence    []domain.Evidence
	managers    map[string][]domain.Membership
	conflicts   map[string]domain.ConflictResolution
}

func newMemStore() *memStore {
	return &memStore{
		inspections: map[string]domain.Inspection{
			"i-1": {ID: "i-1", ProjectID: "p-1", Status: domain.StatusPending},
			"i-2": {ID: "i-2", ProjectID: "p-empty", Status: domain.StatusPending},
		},
		managers: map[string][]domain.Membership{
			"p-1": {
				{ProjectID: "p-1", ActorID: "pm-late", Role: domain.RoleProjectManager, Seq: 7},
				{ProjectID: "p-1", ActorID: "pm-first", Role: domain.RoleProjectManager, Seq: 3},
			},
		},
		conflicts: map[string]domain.ConflictResolution{},
	}
}

func (s *memStore) GetInspection(_ context.Context, id string) (domain.Inspection, error) {
	insp, ok := s.inspections[id]
	if !ok {
		return domain.Inspection{}, domain.ErrNotFound
	}
	return insp, nil
}

func (s *memStore) RecentEvidence(_ context.Context, inspectionID, excludeID string, from, to time.Time) ([]domain.Evidence, error) {
	var res []domain.Evidence
	for _, ev := range s.evidence {
		if ev.InspectionID != inspectionID || ev.ID == excludeID {
			continue
		}
		if ev.CapturedAt.Before(from) || ev.CapturedAt.After(to) {
			continue
		}
		res = append(res, ev)
	}
	return res, nil
}

func (s *memStore) ProjectManagers(_ context.Context, projectID string) ([]domain.Membership, error) {
	return append([]domain.Membership(nil), s.managers[projectID]...), nil
}

func (s *memStore) InsertConflict(_ context.Context, c domain.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = c
	return nil
}

func (s *memStore) GetConflict(_ context.Context, id string) (domain.ConflictResolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return domain.ConflictResolution{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ResolveConflict(_ context.Context, c domain.ConflictResolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conflicts[c.ID]
	if !ok || cur.Status != domain.ConflictPending {
		return false, nil
	}
	cur.Status = c.Status
	cur.Decision = c.Decision
	cur.ResolutionNotes = c.ResolutionNotes
	cur.KeptEvidenceIDs = c.KeptEvidenceIDs
	cur.ResolvedAt = c.ResolvedAt
	s.conflicts[c.ID] = cur
	return true, nil
}

func TestServiceDetectAndAssign(t *testing.T) {
	store := newMemStore()
	store.evidence = []domain.Evidence{
		evidence("ev-1", "image/jpeg", t0, 34.0, -118.0),
		evidence("ev-old", "video/mp4", t0.Add(-time.Hour), 34.0, -118.0),
	}
	svc := New(store, DefaultPolicy(), nil)
	ctx := context.Background()

	next := evidence("ev-2", "image/jpeg", t0.Add(3*time.Minute), 34.002, -118.0)
	f, ok, err := svc.DetectConflict(ctx, "i-1", next)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ConflictLocationMismatch, f.Type)

	c, err := svc.CreateConflictResolution(ctx, "i-1", f, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictPending, c.Status)
	assert.Equal(t, "pm-first", c.AssignedManagerID)
	assert.Equal(t, "p-1", c.ProjectID)
}

func TestServiceMissingInspection(t *testing.T) {
	svc := New(newMemStore(), DefaultPolicy(), nil)
	_, _, err := svc.DetectConflict(context.Background(), "nope", evidence("ev-1", "image/jpeg", t0, 0, 0))
	var nf InspectionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServiceNoManager(t *testing.T) {
	svc := New(newMemStore(), DefaultPolicy(), nil)
	f := Finding{Type: domain.ConflictEvidenceDispute, EvidenceIDs: []string{"ev-1", "ev-2"}}
	_, err := svc.CreateConflictResolution(context.Background(), "i-2", f, t0)
	var nm NoManagerAssignedError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, []string{"ev-1", "ev-2"}, nm.EvidenceIDs)
	assert.Equal(t, "p-empty", nm.ProjectID)
}

func TestResolveConflict(t *testing.T) {
	store := newMemStore()
	svc := New(store, DefaultPolicy(), nil)
	ctx := context.Background()
	f := Finding{Type: domain.ConflictLocationMismatch, EvidenceIDs: []string{"ev-2", "ev-1"}}
	c, err := svc.CreateConflictResolution(ctx, "i-1", f, t0)
	require.NoError(t, err)

	_, err = svc.ResolveConflict(ctx, ResolveRequest{
		ConflictID: c.ID,
		Manager:    domain.Actor{ID: "pm-late", Role: domain.RoleProjectManager},
		Decision:   "keep first",
	}, t0)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	got, _ := store.GetConflict(ctx, c.ID)
	assert.Equal(t, domain.ConflictPending, got.Status, "a rejected attempt leaves the record untouched")

	manager := domain.Actor{ID: "pm-first", Role: domain.RoleProjectManager}
	_, err = svc.ResolveConflict(ctx, ResolveRequest{ConflictID: c.ID, Manager: manager, Decision: "keep", KeptEvidenceIDs: []string{"ev-7"}}, t0)
	var ie InvalidResolutionError
	require.ErrorAs(t, err, &ie)

	resolved, err := svc.ResolveConflict(ctx, ResolveRequest{
		ConflictID:      c.ID,
		Manager:         manager,
		Decision:        "keep first",
		Notes:           "second photo taken from the road",
		KeptEvidenceIDs: []string{"ev-1"},
	}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictResolved, resolved.Status)
	assert.Equal(t, []string{"ev-1"}, resolved.KeptEvidenceIDs)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = svc.ResolveConflict(ctx, ResolveRequest{ConflictID: c.ID, Manager: manager, Decision: "again"}, t0.Add(2*time.Hour))
	var se StateError
	require.ErrorAs(t, err, &se)

	_, err = svc.ResolveConflict(ctx, ResolveRequest{ConflictID: "missing", Manager: manager, Decision: "x"}, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
