// Package events writes domain events to the outbox table that the webhook
// dispatcher and `fa log tail` read from.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fieldaudit/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append stores evts in order inside one transaction.
func (w Writer) Append(ctx context.Context, evts ...domain.Event) error {
	if len(evts) == 0 {
		return nil
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, evt := range evts {
		if err := w.AppendTx(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendTx stores one event inside the caller's transaction.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, evt domain.Event) error {
	at := evt.At
	if at.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		at = w.Now()
	}
	payload := EventPayload(evt.Payload)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		at.UTC().Format(time.RFC3339), evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
