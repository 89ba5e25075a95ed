// ABOUTME: Token budget hook that truncates oversized text results.
// ABOUTME: Counts tokens with tiktoken when the encoding loads, otherwise estimates four characters per token.

package builtins

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/2389/toolgate/internal/events"
)

// Tokenizer counts and cuts text in tokens.
type Tokenizer interface {
	Count(s string) int
	Truncate(s string, max int) string
}

// approxTokenizer assumes four characters per token.
type approxTokenizer struct{}

func (approxTokenizer) Count(s string) int {
	r := []rune(s)
	return (len(r) + 3) / 4
}

func (approxTokenizer) Truncate(s string, max int) string {
	r := []rune(s)
	if n := max * 4; n < len(r) {
		return string(r[:n])
	}
	return s
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Count(s string) int {
	return len(t.enc.Encode(s, nil, nil))
}

func (t tiktokenTokenizer) Truncate(s string, max int) string {
	tokens := t.enc.Encode(s, nil, nil)
	if len(tokens) <= max {
		return s
	}
	return t.enc.Decode(tokens[:max])
}

// TokenBudget truncates string results longer than MaxTokens.
type TokenBudget struct {
	maxTokens int
	logger    *slog.Logger

	mu        sync.RWMutex
	tokenizer Tokenizer
}

// NewTokenBudget creates a budget of maxTokens. The named tiktoken encoding
// loads in the background; until it does, or if it cannot, counts are estimated.
func NewTokenBudget(maxTokens int, encoding string, logger *slog.Logger) *TokenBudget {
	tb := newTokenBudget(maxTokens, approxTokenizer{}, logger)
	if encoding != "" {
		go tb.load(encoding)
	}
	return tb
}

func newTokenBudget(maxTokens int, tok Tokenizer, logger *slog.Logger) *TokenBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenBudget{
		maxTokens: maxTokens,
		tokenizer: tok,
		logger:    logger.With("component", "token_budget"),
	}
}

func (tb *TokenBudget) load(encoding string) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		tb.logger.Warn("tiktoken encoding unavailable, estimating tokens", "encoding", encoding, "error", err)
		return
	}
	tb.mu.Lock()
	tb.tokenizer = tiktokenTokenizer{enc: enc}
	tb.mu.Unlock()
	tb.logger.Debug("tiktoken encoding loaded", "encoding", encoding)
}

func (tb *TokenBudget) current() Tokenizer {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.tokenizer
}

// Apply truncates s to the budget. It reports whether s was cut.
func (tb *TokenBudget) Apply(s string) (string, bool) {
	tok := tb.current()
	n := tok.Count(s)
	if tb.maxTokens <= 0 || n <= tb.maxTokens {
		return s, false
	}
	cut := tok.Truncate(s, tb.maxTokens)
	return cut + fmt.Sprintf("\n[truncated: %d of %d tokens shown]", tb.maxTokens, n), true
}

// Hook returns the token_budget hook. It is disabled until configuration enables it.
func (tb *TokenBudget) Hook() *events.Hook {
	return &events.Hook{
		ID:                TokenBudgetHookID,
		EventPattern:      string(events.KindToolAfter),
		IdentifierPattern: events.Wildcard,
		Priority:          900,
		Body: events.Native(func(_ context.Context, ev *events.Event) (*events.Event, error) {
			s, ok := ev.Payload[events.PayloadResult].(string)
			if !ok {
				return nil, nil
			}
			cut, truncated := tb.Apply(s)
			if !truncated {
				return nil, nil
			}
			tb.logger.Debug("result truncated", "tool_name", ev.Identifier, "max_tokens", tb.maxTokens)
			ev.Payload[events.PayloadResult] = cut
			ev.Payload["truncated"] = true
			return ev, nil
		}),
	}
}
