// Package lifecycle validates inspection status transitions. It computes
// what should change and never touches storage.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"fieldaudit/internal/domain"
	"fieldaudit/internal/engine/auth"
)

var validTransitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusDraft: {
		domain.StatusPending: true,
	},
	domain.StatusPending: {
		domain.StatusInReview: true,
		domain.StatusApproved: true,
		domain.StatusRejected: true,
	},
	domain.StatusInReview: {
		domain.StatusApproved: true,
		domain.StatusRejected: true,
	},
	domain.StatusRejected: {
		domain.StatusPending: true,
	},
	domain.StatusApproved: {},
}

// InvalidTransitionError reports an edge missing from the transition table.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid inspection status transition %s -> %s", e.From, e.To)
}

// IncompleteResponsesError lists the checklist questions blocking submission,
// in checklist order.
type IncompleteResponsesError struct {
	QuestionIDs []string
}

func (e IncompleteResponsesError) Error() string {
	return fmt.Sprintf("incomplete responses: %s", strings.Join(e.QuestionIDs, ", "))
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s domain.Status) bool {
	return len(validTransitions[s]) == 0
}

// CanTransition reports whether from -> to is in the edge table.
func CanTransition(from, to domain.Status) bool {
	return validTransitions[from][to]
}

// Outcome is what the caller must apply, atomically, when a transition
// validates.
type Outcome struct {
	From domain.Status
	To   domain.Status
	// StampSubmittedAt is set only on the first entry into PENDING.
	StampSubmittedAt bool
	StampCompletedAt bool
	// IncrementRejections and Escalate are set together on REJECTED.
	IncrementRejections bool
	Escalate            bool
}

// Apply returns insp with the outcome applied at now.
func (o Outcome) Apply(insp domain.Inspection, now time.Time) domain.Inspection {
	insp.Status = o.To
	if o.StampSubmittedAt {
		t := now
		insp.SubmittedAt = &t
	}
	if o.StampCompletedAt {
		t := now
		insp.CompletedAt = &t
	}
	if o.IncrementRejections {
		insp.RejectionCount++
	}
	insp.UpdatedAt = now
	return insp
}

// ValidateTransition checks the edge, the per-edge role rule and, when
// entering PENDING, checklist completeness.
func ValidateTransition(insp domain.Inspection, to domain.Status, actor domain.Actor) (Outcome, error) {
	if !to.Valid() || !CanTransition(insp.Status, to) {
		return Outcome{}, InvalidTransitionError{From: insp.Status, To: to}
	}
	if !auth.CanRequestTransition(actor.Role, insp.Status, to) {
		return Outcome{}, auth.ForbiddenError{Action: auth.ActionFor(to), Role: actor.Role}
	}
	out := Outcome{From: insp.Status, To: to}
	switch to {
	case domain.StatusPending:
		if missing := MissingResponses(insp.Checklist, insp.Responses); len(missing) > 0 {
			return Outcome{}, IncompleteResponsesError{QuestionIDs: missing}
		}
		out.StampSubmittedAt = insp.SubmittedAt == nil
	case domain.StatusApproved:
		out.StampCompletedAt = true
	case domain.StatusRejected:
		out.IncrementRejections = true
		out.Escalate = true
	}
	return out, nil
}

// MissingResponses returns the ids of required questions without a value and
// of evidence-required questions without a linked evidence id.
func MissingResponses(checklist []domain.ChecklistQuestion, responses map[string]domain.Response) []string {
	var missing []string
	for _, q := range checklist {
		resp, ok := responses[q.ID]
		switch {
		case q.Required && (!ok || !resp.Answered()):
			missing = append(missing, q.ID)
		case q.EvidenceRequired && !hasEvidence(resp):
			missing = append(missing, q.ID)
		}
	}
	return missing
}

func hasEvidence(r domain.Response) bool {
	for _, id := range r.EvidenceIDs {
		if strings.TrimSpace(id) != "" {
			return true
		}
	}
	return false
}
