package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"fieldaudit/internal/db"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/migrate"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestRepo returns a migrated repo holding project p1 and DRAFT
// inspection i1.
func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := Repo{DB: conn}
	owner := &domain.Membership{ProjectID: "p1", ActorID: "pm-1", Role: domain.RoleProjectManager, CreatedAt: t0}
	if _, err := r.CreateProject(ctx, domain.Project{ID: "p1", Name: "Depot", CreatedAt: t0}, owner); err != nil {
		t.Fatalf("create project: %v", err)
	}
	insp := domain.Inspection{
		ID: "i1", ProjectID: "p1", InspectorID: "insp-1", Title: "Fire doors",
		Status: domain.StatusDraft, Priority: domain.PriorityMedium,
		Checklist: []domain.ChecklistQuestion{{ID: "q1", Required: true}},
		CreatedAt: t0, UpdatedAt: t0,
	}
	if err := r.InsertInspection(ctx, insp); err != nil {
		t.Fatalf("insert inspection: %v", err)
	}
	return r, ctx
}

func queued(id string, at time.Time) domain.EscalationEntry {
	exp := at.Add(72 * time.Hour)
	return domain.EscalationEntry{
		ID: id, InspectionID: "i1", ProjectID: "p1", OriginalManagerID: "pm-1", Reason: "rejected 2 times",
		Status: domain.EscalationQueued, Priority: domain.PriorityMedium, CreatedAt: at, ExpiresAt: &exp,
	}
}

func TestOneActiveEscalationPerInspection(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.InsertEscalation(ctx, queued("e1", t0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertEscalation(ctx, queued("e2", t0)); !errors.Is(err, domain.ErrDuplicateActiveEscalation) {
		t.Fatalf("expected duplicate active escalation, got %v", err)
	}
	ok, err := r.ResolveEscalation(ctx, "e1", "pm-1", t0.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("resolve: %v %v", ok, err)
	}
	if err := r.InsertEscalation(ctx, queued("e2", t0.Add(2*time.Hour))); err != nil {
		t.Fatalf("insert after resolve: %v", err)
	}
	active, err := r.ActiveEscalation(ctx, "i1")
	if err != nil || active.ID != "e2" {
		t.Fatalf("expected e2 active, got %v %v", active.ID, err)
	}
}

func TestMarkEscalationNotifiedGuard(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.InsertEscalation(ctx, queued("e1", t0)); err != nil {
		t.Fatal(err)
	}
	interval := 4 * time.Hour

	now := t0.Add(time.Hour)
	if ok, _ := r.MarkEscalationNotified(ctx, "e1", now.Add(-interval), now); ok {
		t.Fatal("reminder sent before the interval elapsed")
	}
	now = t0.Add(interval)
	if ok, err := r.MarkEscalationNotified(ctx, "e1", now.Add(-interval), now); err != nil || !ok {
		t.Fatalf("expected reminder: %v %v", ok, err)
	}
	if ok, _ := r.MarkEscalationNotified(ctx, "e1", now.Add(-interval), now); ok {
		t.Fatal("repeated reminder at the same instant")
	}
	e, err := r.GetEscalation(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != domain.EscalationNotified || e.NotificationCount != 1 || e.LastNotifiedAt == nil || !e.LastNotifiedAt.Equal(now) {
		t.Fatalf("unexpected entry %+v", e)
	}

	if ok, _ := r.ExpireEscalation(ctx, "e1", t0.Add(72*time.Hour)); ok {
		t.Fatal("expired exactly at the deadline")
	}
	if ok, err := r.ExpireEscalation(ctx, "e1", t0.Add(73*time.Hour)); err != nil || !ok {
		t.Fatalf("expire: %v %v", ok, err)
	}
	if ok, _ := r.ResolveEscalation(ctx, "e1", "pm-1", t0.Add(74*time.Hour)); ok {
		t.Fatal("resolved an expired entry")
	}
}

func TestSaveInspectionCompareAndSet(t *testing.T) {
	r, ctx := newTestRepo(t)
	prev, err := r.GetInspection(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if prev.Version != 1 {
		t.Fatalf("version = %d", prev.Version)
	}
	next := prev
	next.Status = domain.StatusPending
	next.Responses = map[string]domain.Response{"q1": {Value: "ok"}}
	submitted := t0.Add(time.Minute)
	next.SubmittedAt = &submitted
	next.UpdatedAt = submitted
	next.Version = prev.Version + 1
	if ok, err := r.SaveInspection(ctx, next, prev, nil, nil); err != nil || !ok {
		t.Fatalf("save: %v %v", ok, err)
	}

	// prev is now stale
	rejected := next
	rejected.Status = domain.StatusRejected
	rejected.RejectionCount = 1
	approval := &domain.Approval{ID: "a1", InspectionID: "i1", ReviewerID: "pm-1", Decision: domain.StatusRejected, Notes: "no", CreatedAt: submitted}
	staleEvt := domain.Event{Type: "inspection.rejected", ProjectID: "p1", EntityKind: "inspection", EntityID: "i1", ActorID: "pm-1", At: submitted}
	if ok, err := r.SaveInspection(ctx, rejected, prev, approval, []domain.Event{staleEvt}); err != nil || ok {
		t.Fatalf("stale save applied: %v %v", ok, err)
	}
	approvals, err := r.ListApprovals(ctx, "i1")
	if err != nil || len(approvals) != 0 {
		t.Fatalf("approval written by a stale save: %v %v", approvals, err)
	}
	if evts, _ := r.LatestEvents(ctx, EventFilters{Type: "inspection.rejected"}); len(evts) != 0 {
		t.Fatalf("event written by a stale save: %+v", evts)
	}

	if ok, err := r.SaveInspection(ctx, rejected, next, approval, []domain.Event{staleEvt}); err != nil || !ok {
		t.Fatalf("save rejection: %v %v", ok, err)
	}
	got, err := r.GetInspection(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected || got.RejectionCount != 1 || got.Responses["q1"].Value != "ok" || got.Version != 3 {
		t.Fatalf("unexpected inspection %+v", got)
	}
	approvals, _ = r.ListApprovals(ctx, "i1")
	if len(approvals) != 1 || approvals[0].Notes != "no" {
		t.Fatalf("unexpected approvals %+v", approvals)
	}
	if evts, _ := r.LatestEvents(ctx, EventFilters{Type: "inspection.rejected", EntityID: "i1"}); len(evts) != 1 {
		t.Fatalf("rejection event not committed with the save: %+v", evts)
	}
}

func TestSaveInspectionRejectsSameStatusStaleSnapshot(t *testing.T) {
	r, ctx := newTestRepo(t)
	snapshot, err := r.GetInspection(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}

	// a responses edit in the same second keeps status and updated_at
	edited := snapshot
	edited.Responses = map[string]domain.Response{"q1": {Value: "cracked"}}
	edited.Version = snapshot.Version + 1
	if ok, err := r.SaveInspection(ctx, edited, snapshot, nil, nil); err != nil || !ok {
		t.Fatalf("edit: %v %v", ok, err)
	}

	submit := snapshot
	submit.Status = domain.StatusPending
	submit.Responses = map[string]domain.Response{"q1": {Value: "fine"}}
	submit.Version = snapshot.Version + 1
	if ok, err := r.SaveInspection(ctx, submit, snapshot, nil, nil); err != nil || ok {
		t.Fatalf("save from old snapshot applied: %v %v", ok, err)
	}
	got, err := r.GetInspection(ctx, "i1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDraft || got.Responses["q1"].Value != "cracked" || got.Version != 2 {
		t.Fatalf("edit lost: %+v", got)
	}
}

func TestRecentEvidenceWindow(t *testing.T) {
	r, ctx := newTestRepo(t)
	lat, lon := 51.5, -0.12
	for i, offset := range []time.Duration{-10 * time.Minute, -4 * time.Minute, 0, 5 * time.Minute, 6 * time.Minute} {
		ev := domain.Evidence{
			ID: string(rune('a' + i)), InspectionID: "i1", SubmittedBy: "insp-1", FileType: "image/jpeg",
			CapturedAt: t0.Add(offset), Latitude: &lat, Longitude: &lon, CreatedAt: t0,
		}
		if err := r.InsertEvidence(ctx, ev, nil, nil); err != nil {
			t.Fatalf("insert evidence: %v", err)
		}
	}
	got, err := r.RecentEvidence(ctx, "i1", "c", t0.Add(-5*time.Minute), t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "d" {
		t.Fatalf("unexpected window %+v", got)
	}
	if !got[0].HasLocation() || *got[0].Latitude != lat {
		t.Fatalf("location not round-tripped: %+v", got[0])
	}
}

func TestInsertEvidenceWithConflictIsAtomic(t *testing.T) {
	r, ctx := newTestRepo(t)
	first := domain.Evidence{ID: "e1", InspectionID: "i1", SubmittedBy: "insp-1", FileType: "image/jpeg", CapturedAt: t0, CreatedAt: t0}
	if err := r.InsertEvidence(ctx, first, nil, nil); err != nil {
		t.Fatal(err)
	}
	second := first
	second.ID = "e2"
	evt := domain.Event{Type: "evidence.submitted", ProjectID: "p1", EntityKind: "evidence", EntityID: "e2", ActorID: "insp-1", At: t0}

	// a conflict naming one evidence id fails and takes e2 with it
	bad := &domain.ConflictResolution{
		ID: "c1", InspectionID: "i1", ProjectID: "p1", EvidenceIDs: []string{"e2"},
		Type: domain.ConflictEvidenceDispute, Status: domain.ConflictPending, AssignedManagerID: "pm-1", CreatedAt: t0,
	}
	if err := r.InsertEvidence(ctx, second, bad, []domain.Event{evt}); err == nil {
		t.Fatal("expected conflict insert to fail")
	}
	if _, err := r.GetEvidence(ctx, "e2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("evidence kept after failed conflict insert: %v", err)
	}
	if evts, _ := r.LatestEvents(ctx, EventFilters{Type: "evidence.submitted"}); len(evts) != 0 {
		t.Fatalf("event kept after failed conflict insert: %+v", evts)
	}

	good := *bad
	good.EvidenceIDs = []string{"e1", "e2"}
	if err := r.InsertEvidence(ctx, second, &good, []domain.Event{evt}); err != nil {
		t.Fatal(err)
	}
	c, err := r.GetConflict(ctx, "c1")
	if err != nil || len(c.EvidenceIDs) != 2 {
		t.Fatalf("conflict not stored with evidence: %+v %v", c, err)
	}
	if evts, _ := r.LatestEvents(ctx, EventFilters{Type: "evidence.submitted", EntityID: "e2"}); len(evts) != 1 {
		t.Fatalf("event not committed with evidence: %+v", evts)
	}
}

func TestProjectManagersInJoinOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, m := range []domain.Membership{
		{ProjectID: "p1", ActorID: "insp-1", Role: domain.RoleInspector, CreatedAt: t0},
		{ProjectID: "p1", ActorID: "pm-2", Role: domain.RoleProjectManager, CreatedAt: t0},
	} {
		if _, err := r.AddMember(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.AddMember(ctx, domain.Membership{ProjectID: "p1", ActorID: "pm-2", Role: domain.RoleInspector, CreatedAt: t0}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected duplicate member, got %v", err)
	}
	managers, err := r.ProjectManagers(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(managers) != 2 || managers[0].ActorID != "pm-1" || managers[1].ActorID != "pm-2" || managers[0].Seq >= managers[1].Seq {
		t.Fatalf("unexpected managers %+v", managers)
	}
}

func TestInsertEscalationMapsDriverMessage(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer conn.Close()
	mock.ExpectExec("INSERT INTO escalations").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: escalations.inspection_id (2067)"))

	err = Repo{DB: conn}.InsertEscalation(context.Background(), queued("e1", t0))
	if !errors.Is(err, domain.ErrDuplicateActiveEscalation) {
		t.Fatalf("expected duplicate active escalation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetConflictNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer conn.Close()
	mock.ExpectQuery("SELECT .* FROM conflicts WHERE id=").
		WithArgs("c-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = Repo{DB: conn}.GetConflict(context.Background(), "c-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
