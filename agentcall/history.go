package agentcall

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ikurchat/jobs/core"
)

// Message is one recorded conversation entry. Role is "user" or
// "assistant"; tool rounds are flattened into text so the history stays
// provider-agnostic.
type Message struct {
	Role string
	Text string
}

// HistoryOptions holds configuration overrides passed to NewHistory.
type HistoryOptions struct {
	// MaxEntries caps the number of live resumption tokens.
	MaxEntries int
	// TTL is the idle expiry for a token's history.
	TTL time.Duration
	// MaxMessages bounds the message count kept per token; older messages
	// are trimmed from the front.
	MaxMessages int
}

// History maps resumption tokens to conversation transcripts. Tokens are
// immutable: extending a conversation mints a new token instead of
// mutating the old entry, so a stale token held by a durable task still
// resolves to a consistent (if shorter) transcript.
type History struct {
	mu          sync.Mutex
	cache       *expirable.LRU[string, []Message]
	maxMessages int
}

// NewHistory constructs a token-keyed transcript store.
func NewHistory(optFns ...func(o *HistoryOptions)) *History {
	opts := HistoryOptions{
		MaxEntries:  2048,
		TTL:         24 * time.Hour,
		MaxMessages: 60,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &History{
		cache:       expirable.NewLRU[string, []Message](opts.MaxEntries, nil, opts.TTL),
		maxMessages: opts.MaxMessages,
	}
}

// Resolve returns the transcript behind the token. Unknown or expired
// tokens yield an empty transcript, which costs a cold start, nothing more.
func (h *History) Resolve(token string) []Message {
	if token == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs, ok := h.cache.Get(token)
	if !ok {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Extend appends the turn's messages to the transcript behind prior and
// returns the fresh token for the grown transcript.
func (h *History) Extend(prior string, turn ...Message) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var base []Message
	if prior != "" {
		if msgs, ok := h.cache.Get(prior); ok {
			base = msgs
		}
	}

	grown := make([]Message, 0, len(base)+len(turn))
	grown = append(grown, base...)
	grown = append(grown, turn...)
	if len(grown) > h.maxMessages {
		grown = grown[len(grown)-h.maxMessages:]
	}

	token := core.NewID()
	h.cache.Add(token, grown)
	return token
}

// Len returns the number of live tokens.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Len()
}
