// Package audit records who attempted what against which entity.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"fieldaudit/internal/domain"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Store persists audit records; repo.Repo satisfies it.
type Store interface {
	InsertAuditEvent(ctx context.Context, evt domain.AuditEvent) error
}

// Sink receives one event per engine operation.
type Sink interface {
	Record(ctx context.Context, evt domain.AuditEvent) error
}

// LogSink echoes audit events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, evt domain.AuditEvent) error {
	if strings.TrimSpace(evt.Action) == "" {
		return errors.New("audit action is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"actor_id", evt.ActorID,
		"action", evt.Action,
		"entity_type", evt.EntityType,
		"entity_id", evt.EntityID,
		"outcome", evt.Outcome,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, "request_id", rid)
	}
	if len(evt.Metadata) > 0 {
		attrs = append(attrs, "metadata", evt.Metadata)
	}
	logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// StoreSink writes audit events to the audit_events table. The request id is
// folded into the metadata.
type StoreSink struct {
	Store Store
}

func (s StoreSink) Record(ctx context.Context, evt domain.AuditEvent) error {
	if rid := requestIDFromContext(ctx); rid != "" {
		meta := make(map[string]any, len(evt.Metadata)+1)
		for k, v := range evt.Metadata {
			meta[k] = v
		}
		meta["request_id"] = rid
		evt.Metadata = meta
	}
	return s.Store.InsertAuditEvent(ctx, evt)
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, evt domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
