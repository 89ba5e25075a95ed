// ABOUTME: Audit hooks: tool:after and tool:error emit audit:tool_executed events,
// ABOUTME: and the audit.sink hook persists those events to the audit store.

package builtins

import (
	"context"
	"log/slog"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/store"
)

// KindAuditToolExecuted is the custom event published once per tool execution.
var KindAuditToolExecuted = events.Custom("audit:tool_executed")

// AuditHooks returns the hooks that publish audit:tool_executed on pub after
// every successful or failed call.
func AuditHooks(pub catalog.Publisher) []*events.Hook {
	emit := func(outcome string) events.Native {
		return func(ctx context.Context, ev *events.Event) (*events.Event, error) {
			payload := map[string]any{
				"tool":    ev.Identifier,
				"outcome": outcome,
			}
			if src, ok := ev.Payload[events.PayloadSource].(string); ok {
				payload["source"] = src
			}
			if msg, ok := ev.Payload[events.PayloadError].(string); ok {
				payload["error"] = msg
			}
			if ev.Call != nil {
				payload["duration_ms"] = ev.Call.Elapsed().Milliseconds()
				payload["request_id"] = ev.Call.GetString(ScratchRequestID)
				if hit, _ := ev.Call.Get(ScratchCacheHit); hit == true {
					payload["cached"] = true
				}
			}
			pub.Publish(ctx, events.New(KindAuditToolExecuted, ev.Identifier, payload))
			return nil, nil
		}
	}

	return []*events.Hook{
		{
			ID:                AuditHookID,
			EventPattern:      string(events.KindToolAfter),
			IdentifierPattern: events.Wildcard,
			Priority:          1000,
			Enabled:           true,
			Body:              emit(store.OutcomeOK),
		},
		{
			ID:                AuditErrorHookID,
			EventPattern:      string(events.KindToolError),
			IdentifierPattern: events.Wildcard,
			Priority:          1000,
			Enabled:           true,
			Body:              emit(store.OutcomeError),
		},
	}
}

// AuditSinkHook persists audit:* events.
func AuditSinkHook(s store.AuditStore, logger *slog.Logger) *events.Hook {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	return &events.Hook{
		ID:                AuditSinkHookID,
		EventPattern:      "audit:*",
		IdentifierPattern: events.Wildcard,
		Priority:          0,
		Enabled:           true,
		Body: events.Native(func(ctx context.Context, ev *events.Event) (*events.Event, error) {
			entry := &store.AuditEntry{
				Tool:      ev.Identifier,
				Timestamp: ev.OccurredAt,
			}
			entry.Source, _ = ev.Payload["source"].(string)
			entry.Outcome, _ = ev.Payload["outcome"].(string)
			entry.Error, _ = ev.Payload["error"].(string)
			entry.RequestID, _ = ev.Payload["request_id"].(string)
			switch d := ev.Payload["duration_ms"].(type) {
			case int64:
				entry.DurationMS = d
			case float64:
				entry.DurationMS = int64(d)
			}
			if cached, _ := ev.Payload["cached"].(bool); cached {
				entry.Detail = map[string]any{"cached": true}
			}

			// Persist even when the call's context is already done.
			if err := s.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
				logger.Warn("audit write failed", "tool_name", ev.Identifier, "error", err)
				return nil, err
			}
			return nil, nil
		}),
	}
}
