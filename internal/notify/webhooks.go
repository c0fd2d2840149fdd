// Package notify delivers outbox events to the configured webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fieldaudit/internal/config"
	"fieldaudit/internal/domain"
	"fieldaudit/internal/obs"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Source is the outbox plus per-hook cursor storage. repo.Repo implements it.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.StoredEvent, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
	// WebhookCursor returns domain.ErrNotFound for a hook never seen before.
	WebhookCursor(ctx context.Context, url string) (int64, error)
	SetWebhookCursor(ctx context.Context, url string, eventID int64, now time.Time) error
}

type hook struct {
	cfg     config.WebhookConfig
	filter  eventFilter
	limiter *rate.Limiter
	client  *http.Client
}

// Dispatcher polls the outbox and posts new events to each hook in order.
// A hook that fails keeps its cursor and is retried on the next pass, so
// delivery is at least once.
type Dispatcher struct {
	Source   Source
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	hooks []hook
}

func NewDispatcher(src Source, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{Source: src, Interval: defaultInterval, Logger: logger, Now: time.Now}
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		timeout := defaultTimeout
		if h.TimeoutSeconds > 0 {
			timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		limit := rate.Inf
		if h.RatePerSecond > 0 {
			limit = rate.Limit(h.RatePerSecond)
		}
		d.hooks = append(d.hooks, hook{
			cfg:     h,
			filter:  newEventFilter(h.Events),
			limiter: rate.NewLimiter(limit, 1),
			client:  &http.Client{Timeout: timeout},
		})
	}
	return d
}

// Enabled reports whether any hook is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.hooks) > 0
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.Enabled() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.Logger.Info("webhook dispatcher started", "hooks", len(d.hooks), "interval", interval)
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce makes one pass over every hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, h := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		if err := d.dispatch(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			d.Logger.Warn("webhook delivery stopped", "url", h.cfg.URL, "error", err)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, h hook) error {
	cursor, err := d.cursor(ctx, h.cfg.URL)
	if err != nil {
		return err
	}
	evts, err := d.Source.EventsAfter(ctx, defaultBatch, cursor, "")
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range evts {
		if h.filter.match(evt.Type) {
			if err := h.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := d.post(ctx, h, evt); err != nil {
				obs.ObserveWebhookDelivery("error")
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
			obs.ObserveWebhookDelivery("ok")
		} else {
			obs.ObserveWebhookDelivery("skipped")
		}
		if err := d.Source.SetWebhookCursor(ctx, h.cfg.URL, evt.ID, d.now()); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}
	return nil
}

// cursor starts a new hook at the current end of the outbox.
func (d *Dispatcher) cursor(ctx context.Context, url string) (int64, error) {
	cur, err := d.Source.WebhookCursor(ctx, url)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	cur, err = d.Source.LatestEventID(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	if err := d.Source.SetWebhookCursor(ctx, url, cur, d.now()); err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	return cur, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, h hook, evt domain.StoredEvent) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldaudit-Event", evt.Type)
	req.Header.Set("X-Fieldaudit-Event-Id", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Fieldaudit-Delivery", uuid.NewString())
	if evt.ProjectID != "" {
		req.Header.Set("X-Fieldaudit-Project", evt.ProjectID)
	}
	if strings.TrimSpace(h.cfg.Secret) != "" {
		req.Header.Set("X-Fieldaudit-Secret", h.cfg.Secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
