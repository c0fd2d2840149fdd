package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldaudit/internal/audit"
	"fieldaudit/internal/config"
	"fieldaudit/internal/db"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine"
	"fieldaudit/internal/events"
	"fieldaudit/internal/migrate"
	"fieldaudit/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Repo repo.Repo
	t    *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := repo.Repo{DB: conn}
	e := engine.New(r, events.Writer{DB: conn}, audit.StoreSink{Store: r}, config.Default(), logger)
	handler, err := New(Config{
		Engine:   e,
		Repo:     r,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Repo: r, t: t}
}

func token(t *testing.T, actorID string) string {
	t.Helper()
	tok, err := SignToken(testSecret, actorID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// as issues a request authenticated as actorID and fails unless the status
// matches want. The decoded body is stored in out when non-nil.
func (s *testServer) as(actorID, method, route string, body any, want int, out any) []byte {
	s.t.Helper()
	res, data := doJSON(s.t, method, s.URL+route, body, map[string]string{"Authorization": "Bearer " + token(s.t, actorID)})
	if res.StatusCode != want {
		s.t.Fatalf("%s %s as %s: expected %d, got %d: %s", method, route, actorID, want, res.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			s.t.Fatalf("decode %s %s: %v", method, route, err)
		}
	}
	return data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

// seedProject creates proj-1 owned by exec-1 with the given members in order.
func (s *testServer) seedProject(members map[string]string, order ...string) {
	s.t.Helper()
	s.as("exec-1", http.MethodPost, "/v1/projects", map[string]any{"id": "proj-1", "name": "Bridge retrofit"}, http.StatusCreated, nil)
	for _, id := range order {
		s.as("exec-1", http.MethodPost, "/v1/projects/proj-1/members", map[string]any{"actor_id": id, "role": members[id]}, http.StatusCreated, nil)
	}
}

func (s *testServer) createInspection(by string) domain.Inspection {
	s.t.Helper()
	var insp domain.Inspection
	s.as(by, http.MethodPost, "/v1/projects/proj-1/inspections", map[string]any{
		"inspector_id": "insp-1",
		"title":        "Pier 4 bearings",
		"checklist":    []map[string]any{{"id": "q1", "text": "Bearing condition", "required": true}},
	}, http.StatusCreated, &insp)
	return insp
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	if res.StatusCode != http.StatusUnauthorized || env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	_ = json.Unmarshal(body, &env)
	if res.StatusCode != http.StatusUnauthorized || env.Error.Code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Actor-Id": "pm-1"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header must be ignored unless enabled, got %d %s", res.StatusCode, string(body))
	}

	if err := srv.Repo.InsertAPIKey(context.Background(), domain.APIKey{ID: "k1", ActorID: "pm-1", KeyHash: repo.HashAPIKey("fa_secret")}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "fa_secret"})
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "pm-1" || me.Source != "api_key" {
		t.Fatalf("api key login: %d %s", res.StatusCode, string(body))
	}

	var login DevLoginResponse
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "insp-1"}, nil)
	_ = json.Unmarshal(body, &login)
	if res.StatusCode != http.StatusOK || login.Token == "" {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	_ = json.Unmarshal(body, &me)
	if res.StatusCode != http.StatusOK || me.ActorID != "insp-1" || me.Source != "jwt" {
		t.Fatalf("dev token: %d %s", res.StatusCode, string(body))
	}
}

func TestInspectionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.seedProject(map[string]string{"pm-1": "PROJECT_MANAGER", "pm-2": "PROJECT_MANAGER", "insp-1": "INSPECTOR"}, "pm-1", "pm-2", "insp-1")
	insp := srv.createInspection("pm-1")
	if insp.Status != domain.StatusDraft {
		t.Fatalf("expected DRAFT, got %s", insp.Status)
	}
	base := "/v1/inspections/" + insp.ID

	body := srv.as("insp-1", http.MethodPost, base+"/transitions", map[string]any{"to": "PENDING"}, http.StatusUnprocessableEntity, nil)
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	if env.Error.Code != "incomplete_responses" || !strings.Contains(string(body), `"q1"`) {
		t.Fatalf("unexpected error %s", string(body))
	}

	srv.as("insp-1", http.MethodPatch, base+"/responses", map[string]any{"responses": map[string]any{"q1": map[string]any{"value": "good"}}}, http.StatusOK, nil)
	srv.as("pm-1", http.MethodPost, base+"/transitions", map[string]any{"to": "APPROVED", "notes": "ok"}, http.StatusConflict, nil)

	var tr TransitionResponse
	srv.as("insp-1", http.MethodPost, base+"/transitions", map[string]any{"to": "PENDING"}, http.StatusOK, &tr)
	if tr.Inspection.Status != domain.StatusPending || tr.Inspection.SubmittedAt == nil {
		t.Fatalf("unexpected inspection after submit %+v", tr.Inspection)
	}

	body = srv.as("pm-1", http.MethodPost, base+"/transitions", map[string]any{"to": "REJECTED"}, http.StatusBadRequest, nil)
	_ = json.Unmarshal(body, &env)
	if env.Error.Details["field"] != "notes" {
		t.Fatalf("expected notes validation, got %s", string(body))
	}
	srv.as("insp-1", http.MethodPost, base+"/transitions", map[string]any{"to": "REJECTED", "notes": "self"}, http.StatusForbidden, nil)

	srv.as("pm-1", http.MethodPost, base+"/transitions", map[string]any{"to": "REJECTED", "notes": "photo blurred"}, http.StatusOK, &tr)
	if tr.Escalation != nil || tr.Approval == nil {
		t.Fatalf("first rejection: %+v", tr)
	}
	srv.as("insp-1", http.MethodPost, base+"/transitions", map[string]any{"to": "PENDING"}, http.StatusOK, nil)
	tr = TransitionResponse{}
	srv.as("pm-1", http.MethodPost, base+"/transitions", map[string]any{"to": "REJECTED", "notes": "still blurred"}, http.StatusOK, &tr)
	if tr.Inspection.RejectionCount != 2 || tr.Escalation == nil {
		t.Fatalf("second rejection should escalate: %+v", tr)
	}

	srv.as("pm-1", http.MethodPost, base+"/escalations", map[string]any{"reason": "again"}, http.StatusConflict, nil)

	var queued []domain.EscalationEntry
	srv.as("pm-2", http.MethodGet, "/v1/projects/proj-1/escalations?status=QUEUED", nil, http.StatusOK, &queued)
	if len(queued) != 1 || queued[0].ID != tr.Escalation.ID {
		t.Fatalf("expected one queued escalation, got %+v", queued)
	}
	srv.as("insp-1", http.MethodGet, "/v1/projects/proj-1/escalations", nil, http.StatusForbidden, nil)

	var resolved domain.EscalationEntry
	srv.as("pm-2", http.MethodPost, "/v1/escalations/"+tr.Escalation.ID+"/resolve", nil, http.StatusOK, &resolved)
	if resolved.Status != domain.EscalationResolved || resolved.ResolvedBy != "pm-2" {
		t.Fatalf("unexpected resolved escalation %+v", resolved)
	}
	srv.as("pm-2", http.MethodPost, "/v1/escalations/"+tr.Escalation.ID+"/resolve", nil, http.StatusConflict, nil)

	var approvals []domain.Approval
	srv.as("insp-1", http.MethodGet, base+"/approvals", nil, http.StatusOK, &approvals)
	if len(approvals) != 2 {
		t.Fatalf("expected 2 review records, got %d", len(approvals))
	}
}

func TestInspectorListsOnlyOwnInspections(t *testing.T) {
	srv := newTestServer(t)
	srv.seedProject(map[string]string{"pm-1": "PROJECT_MANAGER", "insp-1": "INSPECTOR", "insp-2": "INSPECTOR"}, "pm-1", "insp-1", "insp-2")
	own := srv.createInspection("pm-1")
	var other domain.Inspection
	srv.as("pm-1", http.MethodPost, "/v1/projects/proj-1/inspections", map[string]any{
		"inspector_id": "insp-2",
		"title":        "Abutment joints",
	}, http.StatusCreated, &other)

	var items []domain.Inspection
	srv.as("insp-1", http.MethodGet, "/v1/projects/proj-1/inspections", nil, http.StatusOK, &items)
	if len(items) != 1 || items[0].ID != own.ID {
		t.Fatalf("inspector saw %+v", items)
	}
	srv.as("insp-1", http.MethodGet, "/v1/inspections/"+other.ID, nil, http.StatusForbidden, nil)
	srv.as("pm-1", http.MethodGet, "/v1/projects/proj-1/inspections", nil, http.StatusOK, &items)
	if len(items) != 2 {
		t.Fatalf("manager saw %d inspections", len(items))
	}
	srv.as("outsider", http.MethodGet, "/v1/projects/proj-1/inspections", nil, http.StatusForbidden, nil)
}

func TestEvidenceWithoutManagerIsStoredWithWarning(t *testing.T) {
	srv := newTestServer(t)
	srv.seedProject(map[string]string{"insp-1": "INSPECTOR"}, "insp-1")
	insp := srv.createInspection("exec-1")
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	var first EvidenceResponse
	srv.as("insp-1", http.MethodPost, "/v1/inspections/"+insp.ID+"/evidence", map[string]any{
		"file_type": "image/jpeg", "captured_at": at, "latitude": 34.0, "longitude": -118.0,
	}, http.StatusCreated, &first)
	if first.Warning != nil || first.Conflict != nil {
		t.Fatalf("first evidence: %+v", first)
	}

	var second EvidenceResponse
	srv.as("insp-1", http.MethodPost, "/v1/inspections/"+insp.ID+"/evidence", map[string]any{
		"file_type": "image/jpeg", "captured_at": at.Add(time.Minute), "latitude": 34.01, "longitude": -118.0,
	}, http.StatusCreated, &second)
	if second.Warning == nil || second.Warning.Code != "no_manager_assigned" || second.Conflict != nil {
		t.Fatalf("expected no_manager_assigned warning, got %+v", second)
	}

	var stored []domain.Evidence
	srv.as("insp-1", http.MethodGet, "/v1/inspections/"+insp.ID+"/evidence", nil, http.StatusOK, &stored)
	if len(stored) != 2 {
		t.Fatalf("expected both submissions stored, got %d", len(stored))
	}

	srv.as("insp-1", http.MethodPost, "/v1/inspections/"+insp.ID+"/evidence", map[string]any{
		"file_type": "image/jpeg", "latitude": 34.0,
	}, http.StatusBadRequest, nil)
}

func TestConflictResolutionOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.seedProject(map[string]string{"pm-1": "PROJECT_MANAGER", "pm-2": "PROJECT_MANAGER", "insp-1": "INSPECTOR"}, "pm-1", "pm-2", "insp-1")
	insp := srv.createInspection("pm-2")
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	srv.as("insp-1", http.MethodPost, "/v1/inspections/"+insp.ID+"/evidence", map[string]any{
		"file_type": "image/jpeg", "captured_at": at,
	}, http.StatusCreated, nil)
	var res EvidenceResponse
	srv.as("insp-1", http.MethodPost, "/v1/inspections/"+insp.ID+"/evidence", map[string]any{
		"file_type": "video/mp4", "captured_at": at.Add(2 * time.Minute),
	}, http.StatusCreated, &res)
	if res.Conflict == nil || res.Conflict.Type != domain.ConflictEvidenceDispute || res.Conflict.AssignedManagerID != "pm-1" {
		t.Fatalf("expected evidence dispute for pm-1, got %+v", res.Conflict)
	}

	var pending []domain.ConflictResolution
	srv.as("pm-1", http.MethodGet, "/v1/projects/proj-1/conflicts?status=PENDING", nil, http.StatusOK, &pending)
	if len(pending) != 1 {
		t.Fatalf("expected one pending conflict, got %d", len(pending))
	}
	route := "/v1/conflicts/" + res.Conflict.ID + "/resolve"
	srv.as("pm-2", http.MethodPost, route, map[string]any{"decision": "keep_both"}, http.StatusForbidden, nil)
	var resolved domain.ConflictResolution
	srv.as("pm-1", http.MethodPost, route, map[string]any{"decision": "keep_both", "notes": "both valid"}, http.StatusOK, &resolved)
	if resolved.Status != domain.ConflictResolved {
		t.Fatalf("unexpected conflict %+v", resolved)
	}
	srv.as("pm-1", http.MethodPost, route, map[string]any{"decision": "keep_both"}, http.StatusConflict, nil)
}

func TestEventsPaginateNewestFirst(t *testing.T) {
	srv := newTestServer(t)
	srv.seedProject(map[string]string{"pm-1": "PROJECT_MANAGER", "insp-1": "INSPECTOR"}, "pm-1", "insp-1")
	srv.createInspection("pm-1")

	var page paginatedEvents
	srv.as("insp-1", http.MethodGet, "/v1/projects/proj-1/events?limit=2", nil, http.StatusOK, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}
	if page.Items[0].Type != domain.EventInspectionCreated || page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("expected newest first, got %+v", page.Items)
	}
	var next paginatedEvents
	srv.as("insp-1", http.MethodGet, "/v1/projects/proj-1/events?limit=2&cursor="+page.NextCursor, nil, http.StatusOK, &next)
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("second page overlaps: %+v", next.Items)
	}
	srv.as("insp-1", http.MethodGet, "/v1/projects/proj-1/events?cursor=abc", nil, http.StatusBadRequest, nil)
}

func TestMetricsAndOpenAPIArePublic(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "fieldaudit_http_requests_total") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "bearerAuth") {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(body))
	}
}
