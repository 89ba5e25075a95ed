// ABOUTME: Built-in native hooks: request ids, result cache, redaction, token budget and audit.
// ABOUTME: Each constructor returns a hook with its default id, event, priority and enable flag.

package builtins

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/toolgate/internal/dedupe"
	"github.com/2389/toolgate/internal/events"
)

// Built-in hook ids.
const (
	RequestIDHookID   = "request_id"
	CacheLookupHookID = "cache.lookup"
	CacheStoreHookID  = "cache.store"
	RedactHookID      = "redact"
	TokenBudgetHookID = "token_budget"
	AuditHookID       = "audit"
	AuditErrorHookID  = "audit.error"
	AuditSinkHookID   = "audit.sink"
)

// Scratch keys written by built-in hooks.
const (
	ScratchRequestID = "request_id"
	ScratchCacheHit  = "cache_hit"
)

// RedactedValue replaces every redacted JSON value.
const RedactedValue = "[REDACTED]"

// RequestIDHook tags each call with a fresh request id in scratch, unless an
// earlier hook already set one.
func RequestIDHook() *events.Hook {
	return &events.Hook{
		ID:                RequestIDHookID,
		EventPattern:      string(events.KindToolBefore),
		IdentifierPattern: events.Wildcard,
		Priority:          -1000,
		Enabled:           true,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			if ev.Call == nil || ev.Call.GetString(ScratchRequestID) != "" {
				return nil, nil
			}
			return nil, ev.Call.Set(ScratchRequestID, uuid.NewString())
		}),
	}
}

// CacheHooks returns the lookup and store hooks over cache. Both are disabled
// until configuration enables the "cache" group.
func CacheHooks(cache *dedupe.Cache, logger *slog.Logger) (lookup, store *events.Hook) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	lookup = &events.Hook{
		ID:                CacheLookupHookID,
		EventPattern:      string(events.KindToolBefore),
		IdentifierPattern: events.Wildcard,
		Priority:          -500,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			args, _ := ev.Payload[events.PayloadArguments].(map[string]any)
			cached, ok := cache.Get(dedupe.Key(ev.Identifier, args))
			if !ok {
				return nil, nil
			}
			logger.Debug("cache hit", "tool_name", ev.Identifier)
			if ev.Call != nil {
				if err := ev.Call.Set(ScratchCacheHit, true); err != nil {
					return nil, err
				}
			}
			ev.ShortCircuit(events.CloneValue(cached))
			return ev, nil
		}),
	}

	store = &events.Hook{
		ID:                CacheStoreHookID,
		EventPattern:      string(events.KindToolAfter),
		IdentifierPattern: events.Wildcard,
		Priority:          500,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			if ev.Call != nil {
				if hit, _ := ev.Call.Get(ScratchCacheHit); hit == true {
					return nil, nil
				}
			}
			args, _ := ev.Payload[events.PayloadArguments].(map[string]any)
			cache.Put(dedupe.Key(ev.Identifier, args), events.CloneValue(ev.Payload[events.PayloadResult]))
			return nil, nil
		}),
	}
	return lookup, store
}

// RedactHook replaces the values at paths (gjson syntax) in tool results.
// String results holding a JSON document are redacted in place.
func RedactHook(paths []string) *events.Hook {
	return &events.Hook{
		ID:                RedactHookID,
		EventPattern:      string(events.KindToolAfter),
		IdentifierPattern: events.Wildcard,
		Priority:          800,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			if len(paths) == 0 {
				return nil, nil
			}
			redacted, changed, err := Redact(ev.Payload[events.PayloadResult], paths)
			if err != nil || !changed {
				return nil, err
			}
			ev.Payload[events.PayloadResult] = redacted
			return ev, nil
		}),
	}
}

// Redact returns v with every existing path replaced by RedactedValue.
func Redact(v any, paths []string) (any, bool, error) {
	var raw []byte
	asString := false
	switch t := v.(type) {
	case nil:
		return v, false, nil
	case string:
		if !gjson.Valid(t) {
			return v, false, nil
		}
		raw, asString = []byte(t), true
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return v, false, err
		}
	}

	changed := false
	for _, p := range paths {
		if !gjson.GetBytes(raw, p).Exists() {
			continue
		}
		next, err := sjson.SetBytes(raw, p, RedactedValue)
		if err != nil {
			return v, false, err
		}
		raw = next
		changed = true
	}
	if !changed {
		return v, false, nil
	}
	if asString {
		return string(raw), true, nil
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v, false, err
	}
	return out, true, nil
}
