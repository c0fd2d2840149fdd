package fieldauditsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Fieldaudit HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type ChecklistQuestion struct {
	ID               string `json:"id"`
	Text             string `json:"text,omitempty"`
	Required         bool   `json:"required,omitempty"`
	EvidenceRequired bool   `json:"evidence_required,omitempty"`
}

type Response struct {
	Value       any      `json:"value,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Inspection represents the API inspection model (partial).
type Inspection struct {
	ID             string              `json:"id"`
	ProjectID      string              `json:"project_id"`
	InspectorID    string              `json:"inspector_id"`
	Title          string              `json:"title"`
	Status         string              `json:"status"`
	Priority       string              `json:"priority"`
	RejectionCount int                 `json:"rejection_count"`
	Checklist      []ChecklistQuestion `json:"checklist"`
	Responses      map[string]Response `json:"responses"`
}

type Approval struct {
	ID           string `json:"id"`
	InspectionID string `json:"inspection_id"`
	ReviewerID   string `json:"reviewer_id"`
	Decision     string `json:"decision"`
	Notes        string `json:"notes"`
	IsEscalated  bool   `json:"is_escalated"`
}

type Escalation struct {
	ID                string `json:"id"`
	InspectionID      string `json:"inspection_id"`
	OriginalManagerID string `json:"original_manager_id"`
	Reason            string `json:"reason"`
	Status            string `json:"status"`
	NotificationCount int    `json:"notification_count"`
}

type Conflict struct {
	ID                string   `json:"id"`
	InspectionID      string   `json:"inspection_id"`
	EvidenceIDs       []string `json:"evidence_ids"`
	Type              string   `json:"type"`
	Status            string   `json:"status"`
	AssignedManagerID string   `json:"assigned_manager_id"`
	Decision          string   `json:"decision,omitempty"`
}

type Evidence struct {
	ID           string     `json:"id,omitempty"`
	InspectionID string     `json:"inspection_id,omitempty"`
	QuestionID   string     `json:"question_id,omitempty"`
	FileType     string     `json:"file_type"`
	URI          string     `json:"uri,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Accuracy     *float64   `json:"accuracy,omitempty"`
}

// Warning is attached to responses that succeeded with a caveat.
type Warning struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type EvidenceResult struct {
	Evidence Evidence  `json:"evidence"`
	Conflict *Conflict `json:"conflict,omitempty"`
	Warning  *Warning  `json:"warning,omitempty"`
}

type TransitionResult struct {
	Inspection Inspection  `json:"inspection"`
	Approval   *Approval   `json:"approval,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateInspection creates a DRAFT inspection in the client's project.
func (c *Client) CreateInspection(ctx context.Context, inspectorID, title string, checklist []ChecklistQuestion) (Inspection, error) {
	body := map[string]any{
		"inspector_id": inspectorID,
		"title":        title,
		"checklist":    checklist,
	}
	var resp Inspection
	err := c.do(ctx, http.MethodPost, c.projectPath("inspections"), body, &resp)
	return resp, err
}

// GetInspection fetches an inspection by id.
func (c *Client) GetInspection(ctx context.Context, id string) (Inspection, error) {
	var resp Inspection
	err := c.do(ctx, http.MethodGet, "inspections/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateResponses merges checklist answers into a draft.
func (c *Client) UpdateResponses(ctx context.Context, id string, responses map[string]Response) (Inspection, error) {
	var resp Inspection
	endpoint := fmt.Sprintf("inspections/%s/responses", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"responses": responses}, &resp)
	return resp, err
}

// Transition moves an inspection to a new status.
func (c *Client) Transition(ctx context.Context, id, to, notes string) (TransitionResult, error) {
	body := map[string]any{"to": to}
	if notes != "" {
		body["notes"] = notes
	}
	var resp TransitionResult
	endpoint := fmt.Sprintf("inspections/%s/transitions", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitEvidence submits evidence metadata for an inspection. A stored
// submission may still carry a Warning.
func (c *Client) SubmitEvidence(ctx context.Context, inspectionID string, ev Evidence) (EvidenceResult, error) {
	var resp EvidenceResult
	endpoint := fmt.Sprintf("inspections/%s/evidence", url.PathEscape(inspectionID))
	err := c.do(ctx, http.MethodPost, endpoint, ev, &resp)
	return resp, err
}

// Escalate escalates an inspection by hand.
func (c *Client) Escalate(ctx context.Context, inspectionID, reason string) (Escalation, error) {
	var resp Escalation
	endpoint := fmt.Sprintf("inspections/%s/escalations", url.PathEscape(inspectionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResolveEscalation resolves an active escalation.
func (c *Client) ResolveEscalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	endpoint := fmt.Sprintf("escalations/%s/resolve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Conflicts lists conflicts in the client's project, optionally by status.
func (c *Client) Conflicts(ctx context.Context, status string) ([]Conflict, error) {
	endpoint := c.projectPath("conflicts")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Conflict
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveConflict records a decision on a pending conflict.
func (c *Client) ResolveConflict(ctx context.Context, id, decision, notes string, keep []string) (Conflict, error) {
	body := map[string]any{
		"decision":          decision,
		"notes":             notes,
		"kept_evidence_ids": keep,
	}
	var resp Conflict
	endpoint := fmt.Sprintf("conflicts/%s/resolve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
