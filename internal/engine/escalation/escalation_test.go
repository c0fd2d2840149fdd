package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
)

// memStore mirrors the SQL store's guards, including the one-active-entry
// unique index.
type memStore struct {
	mu       sync.Mutex
	entries  map[string]domain.EscalationEntry
	managers map[string][]domain.Membership
	inserts  int
}

func newMemStore() *memStore {
	return &memStore{
		entries: map[string]domain.EscalationEntry{},
		managers: map[string][]domain.Membership{
			"p-1": {
				{ProjectID: "p-1", ActorID: "pm-1", Role: domain.RoleProjectManager, Seq: 1},
				{ProjectID: "p-1", ActorID: "pm-2", Role: domain.RoleProjectManager, Seq: 2},
			},
		},
	}
}

func (s *memStore) ActiveEscalation(_ context.Context, inspectionID string) (domain.EscalationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.InspectionID == inspectionID && e.Status.Active() {
			return e, nil
		}
	}
	return domain.EscalationEntry{}, domain.ErrNotFound
}

func (s *memStore) InsertEscalation(_ context.Context, entry domain.EscalationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.InspectionID == entry.InspectionID && e.Status.Active() {
			return domain.ErrDuplicateActiveEscalation
		}
	}
	s.entries[entry.ID] = entry
	s.inserts++
	return nil
}

func (s *memStore) GetEscalation(_ context.Context, id string) (domain.EscalationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return domain.EscalationEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *memStore) ListActiveEscalations(_ context.Context) ([]domain.EscalationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.EscalationEntry
	for _, e := range s.entries {
		if e.Status.Active() {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *memStore) MarkEscalationNotified(_ context.Context, id string, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.Status.Active() || e.CreatedAt.After(cutoff) {
		return false, nil
	}
	if e.LastNotifiedAt != nil && (e.LastNotifiedAt.After(cutoff) || !e.LastNotifiedAt.Before(now)) {
		return false, nil
	}
	t := now
	e.Status = domain.EscalationNotified
	e.NotificationCount++
	e.LastNotifiedAt = &t
	s.entries[id] = e
	return true, nil
}

func (s *memStore) ExpireEscalation(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.Status.Active() {
		return false, nil
	}
	e.Status = domain.EscalationExpired
	s.entries[id] = e
	return true, nil
}

func (s *memStore) ResolveEscalation(_ context.Context, id, managerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.Status.Active() {
		return false, nil
	}
	t := now
	e.Status = domain.EscalationResolved
	e.ResolvedAt = &t
	e.ResolvedBy = managerID
	s.entries[id] = e
	return true, nil
}

func (s *memStore) ProjectManagers(_ context.Context, projectID string) ([]domain.Membership, error) {
	return s.managers[projectID], nil
}

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newCoordinator(s *memStore) Coordinator {
	return New(s, Policy{Threshold: 2, Expiry: 72 * time.Hour, ReminderInterval: 4 * time.Hour}, nil)
}

func rejected(count int) domain.Inspection {
	return domain.Inspection{
		ID:             "i-1",
		ProjectID:      "p-1",
		Status:         domain.StatusRejected,
		Priority:       domain.PriorityHigh,
		RejectionCount: count,
	}
}

func TestOnRejectionThreshold(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(store)
	ctx := context.Background()

	entry, err := c.OnRejection(ctx, rejected(1), "pm-1", t0)
	require.NoError(t, err)
	assert.Nil(t, entry, "first rejection must not escalate")

	entry, err = c.OnRejection(ctx, rejected(2), "pm-1", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.EscalationQueued, entry.Status)
	assert.Equal(t, domain.PriorityHigh, entry.Priority)
	assert.Equal(t, "pm-1", entry.OriginalManagerID)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, t0.Add(time.Hour+72*time.Hour), *entry.ExpiresAt)

	entry, err = c.OnRejection(ctx, rejected(3), "pm-1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, entry, "third rejection with an active entry must not create another")
	assert.Equal(t, 1, store.inserts)
}

func TestCreateReportsDuplicate(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(store)
	ctx := context.Background()
	first, err := c.Create(ctx, rejected(0), "pm-1", "manual", t0)
	require.NoError(t, err)

	_, err = c.Create(ctx, rejected(0), "pm-1", "manual", t0)
	var dup DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ActiveID)
	assert.True(t, errors.Is(err, domain.ErrDuplicateActiveEscalation))
}

func TestConcurrentRejectionsCreateOneEntry(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(store)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.OnRejection(ctx, rejected(2), "pm-1", t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.inserts)
}

func TestCoordinatorsSharingOnlyTheStore(t *testing.T) {
	// two processes share the database but not the mutex map
	store := newMemStore()
	a := newCoordinator(store)
	b := newCoordinator(store)
	ctx := context.Background()
	_, err := a.Create(ctx, rejected(2), "pm-1", "r", t0)
	require.NoError(t, err)
	entry, err := b.OnRejection(ctx, rejected(2), "pm-2", t0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTickNotifiesOnceAndExpires(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(store)
	ctx := context.Background()
	entry, err := c.Create(ctx, rejected(2), "pm-1", "r", t0)
	require.NoError(t, err)

	report, err := c.Tick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, report.Notified, "too young for a reminder")

	at := t0.Add(5 * time.Hour)
	report, err = c.Tick(ctx, at)
	require.NoError(t, err)
	require.Len(t, report.Notified, 1)
	assert.Equal(t, domain.EscalationNotified, report.Notified[0].Status)

	report, err = c.Tick(ctx, at)
	require.NoError(t, err)
	assert.Empty(t, report.Notified, "same tick window must not double count")
	report, err = c.Tick(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, report.Notified)

	got, _ := store.GetEscalation(ctx, entry.ID)
	assert.Equal(t, 1, got.NotificationCount)

	report, err = c.Tick(ctx, at.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Notified, 1, "reminder repeats after another interval")
	got, _ = store.GetEscalation(ctx, entry.ID)
	assert.Equal(t, 2, got.NotificationCount)

	report, err = c.Tick(ctx, t0.Add(73*time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Expired, 1)
	got, _ = store.GetEscalation(ctx, entry.ID)
	assert.Equal(t, domain.EscalationExpired, got.Status)

	// expired frees the slot for a fresh escalation
	_, err = c.Create(ctx, rejected(4), "pm-1", "r", t0.Add(74*time.Hour))
	require.NoError(t, err)
}

func TestResolve(t *testing.T) {
	store := newMemStore()
	c := newCoordinator(store)
	ctx := context.Background()
	entry, err := c.Create(ctx, rejected(2), "pm-1", "r", t0)
	require.NoError(t, err)

	var fe auth.ForbiddenError
	_, err = c.Resolve(ctx, entry.ID, domain.Actor{ID: "insp-1", Role: domain.RoleInspector}, t0)
	require.ErrorAs(t, err, &fe)
	_, err = c.Resolve(ctx, entry.ID, domain.Actor{ID: "exec-1", Role: domain.RoleExecutive}, t0)
	require.ErrorAs(t, err, &fe)
	_, err = c.Resolve(ctx, entry.ID, domain.Actor{ID: "pm-other", Role: domain.RoleProjectManager}, t0)
	require.ErrorAs(t, err, &fe, "manager of another project")

	resolved, err := c.Resolve(ctx, entry.ID, domain.Actor{ID: "pm-2", Role: domain.RoleProjectManager}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, resolved.Status)
	assert.Equal(t, "pm-2", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = c.Resolve(ctx, entry.ID, domain.Actor{ID: "pm-2", Role: domain.RoleProjectManager}, t0.Add(time.Hour))
	var se StateError
	require.ErrorAs(t, err, &se)

	_, err = c.Resolve(ctx, "missing", domain.Actor{ID: "pm-2", Role: domain.RoleProjectManager}, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
