package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
)

var (
	inspector = domain.Actor{ID: "insp-ana", Role: domain.RoleInspector}
	manager   = domain.Actor{ID: "pm-bo", Role: domain.RoleProjectManager}
	executive = domain.Actor{ID: "exec-cy", Role: domain.RoleExecutive}
)

func checklist() []domain.ChecklistQuestion {
	return []domain.ChecklistQuestion{
		{ID: "q-panels", Required: true},
		{ID: "q-inverter", Required: true, EvidenceRequired: true},
		{ID: "q-notes"},
		{ID: "q-photo", EvidenceRequired: true},
	}
}

func completeResponses() map[string]domain.Response {
	return map[string]domain.Response{
		"q-panels":   {Value: "ok"},
		"q-inverter": {Value: "serial 42", EvidenceIDs: []string{"ev-1"}},
		"q-photo":    {EvidenceIDs: []string{"ev-2"}},
	}
}

func draft() domain.Inspection {
	return domain.Inspection{
		ID:          "i-1",
		ProjectID:   "p-1",
		InspectorID: inspector.ID,
		Status:      domain.StatusDraft,
		Priority:    domain.PriorityHigh,
		Checklist:   checklist(),
		Responses:   completeResponses(),
	}
}

func TestValidateTransitionEdges(t *testing.T) {
	tests := []struct {
		from  domain.Status
		to    domain.Status
		actor domain.Actor
		ok    bool
	}{
		{domain.StatusDraft, domain.StatusPending, inspector, true},
		{domain.StatusRejected, domain.StatusPending, inspector, true},
		{domain.StatusPending, domain.StatusInReview, manager, true},
		{domain.StatusPending, domain.StatusApproved, manager, true},
		{domain.StatusInReview, domain.StatusApproved, manager, true},
		{domain.StatusInReview, domain.StatusRejected, manager, true},
		{domain.StatusInReview, domain.StatusApproved, executive, true},
		{domain.StatusDraft, domain.StatusApproved, manager, false},
		{domain.StatusDraft, domain.StatusInReview, manager, false},
		{domain.StatusRejected, domain.StatusApproved, manager, false},
		{domain.StatusPending, domain.StatusPending, inspector, false},
		{domain.StatusApproved, domain.StatusPending, inspector, false},
		{domain.StatusApproved, domain.StatusRejected, manager, false},
		{domain.StatusInReview, domain.StatusDraft, manager, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			insp := draft()
			insp.Status = tt.from
			_, err := ValidateTransition(insp, tt.to, tt.actor)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ite InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, tt.from, ite.From)
		})
	}
}

func TestValidateTransitionRoleRules(t *testing.T) {
	tests := []struct {
		name  string
		from  domain.Status
		to    domain.Status
		actor domain.Actor
	}{
		{"inspector cannot approve", domain.StatusInReview, domain.StatusApproved, inspector},
		{"inspector cannot reject", domain.StatusPending, domain.StatusRejected, inspector},
		{"inspector cannot start review", domain.StatusPending, domain.StatusInReview, inspector},
		{"executive cannot submit", domain.StatusDraft, domain.StatusPending, executive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insp := draft()
			insp.Status = tt.from
			_, err := ValidateTransition(insp, tt.to, tt.actor)
			var fe auth.ForbiddenError
			require.ErrorAs(t, err, &fe)
		})
	}
}

func TestSubmitStampsSubmittedAtOnce(t *testing.T) {
	insp := draft()
	out, err := ValidateTransition(insp, domain.StatusPending, inspector)
	require.NoError(t, err)
	assert.True(t, out.StampSubmittedAt)
	assert.False(t, out.StampCompletedAt)
	assert.False(t, out.IncrementRejections)

	first := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	insp = out.Apply(insp, first)
	require.NotNil(t, insp.SubmittedAt)

	insp.Status = domain.StatusRejected
	out, err = ValidateTransition(insp, domain.StatusPending, inspector)
	require.NoError(t, err)
	assert.False(t, out.StampSubmittedAt, "resubmission must keep the original submitted_at")
	insp = out.Apply(insp, first.Add(48*time.Hour))
	assert.Equal(t, first, *insp.SubmittedAt)
}

func TestSingleMissingRequiredQuestion(t *testing.T) {
	insp := draft()
	delete(insp.Responses, "q-panels")
	insp.Responses["q-notes"] = domain.Response{Value: "extra answer"}

	_, err := ValidateTransition(insp, domain.StatusPending, inspector)
	var ire IncompleteResponsesError
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, []string{"q-panels"}, ire.QuestionIDs)
}

func TestMissingResponsesOrderAndKinds(t *testing.T) {
	responses := map[string]domain.Response{
		"q-panels":   {Value: "   "},
		"q-inverter": {Value: "ok", EvidenceIDs: []string{""}},
	}
	got := MissingResponses(checklist(), responses)
	assert.Equal(t, []string{"q-panels", "q-inverter", "q-photo"}, got)
	assert.Empty(t, MissingResponses(checklist(), completeResponses()))
}

func TestRejectInstructsIncrementAndEscalation(t *testing.T) {
	insp := draft()
	insp.Status = domain.StatusInReview
	insp.RejectionCount = 1
	out, err := ValidateTransition(insp, domain.StatusRejected, manager)
	require.NoError(t, err)
	assert.True(t, out.IncrementRejections)
	assert.True(t, out.Escalate)
	after := out.Apply(insp, time.Now())
	assert.Equal(t, 2, after.RejectionCount)
	assert.Equal(t, domain.StatusRejected, after.Status)
}

func TestApproveStampsCompletedAtAndIsTerminal(t *testing.T) {
	insp := draft()
	insp.Status = domain.StatusInReview
	out, err := ValidateTransition(insp, domain.StatusApproved, manager)
	require.NoError(t, err)
	assert.True(t, out.StampCompletedAt)
	assert.True(t, IsTerminal(domain.StatusApproved))
	for _, to := range []domain.Status{domain.StatusDraft, domain.StatusPending, domain.StatusInReview, domain.StatusRejected, domain.StatusApproved} {
		assert.False(t, CanTransition(domain.StatusApproved, to))
	}
}

func TestRandomWalkKeepsInvariants(t *testing.T) {
	actors := []domain.Actor{inspector, manager, executive}
	targets := []domain.Status{domain.StatusDraft, domain.StatusPending, domain.StatusInReview, domain.StatusApproved, domain.StatusRejected, domain.Status("ARCHIVED")}
	insp := draft()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := uint32(7)
	next := func(n int) int {
		seed = seed*1664525 + 1013904223
		return int(seed>>16) % n
	}
	approvedSeen := false
	for i := 0; i < 500; i++ {
		before := insp
		out, err := ValidateTransition(insp, targets[next(len(targets))], actors[next(len(actors))])
		if err != nil {
			var ite InvalidTransitionError
			var fe auth.ForbiddenError
			if !errors.As(err, &ite) && !errors.As(err, &fe) {
				t.Fatalf("unexpected error: %v", err)
			}
			continue
		}
		require.False(t, approvedSeen, "APPROVED must be terminal")
		insp = out.Apply(insp, now.Add(time.Duration(i)*time.Minute))
		assert.True(t, insp.Status.Valid())
		assert.GreaterOrEqual(t, insp.RejectionCount, before.RejectionCount)
		if insp.Status == domain.StatusApproved {
			approvedSeen = true
		}
	}
}
