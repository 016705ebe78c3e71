package agentcall

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikurchat/jobs/core"
)

func TestHistory_ExtendAndResolve(t *testing.T) {
	h := NewHistory()

	tok1 := h.Extend("",
		Message{Role: "user", Text: "hello"},
		Message{Role: "assistant", Text: "hi there"},
	)
	require.NotEmpty(t, tok1)

	got := h.Resolve(tok1)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)

	tok2 := h.Extend(tok1,
		Message{Role: "user", Text: "and again"},
		Message{Role: "assistant", Text: "still here"},
	)
	require.NotEqual(t, tok1, tok2)
	assert.Len(t, h.Resolve(tok2), 4)

	// The old token still resolves to its shorter transcript.
	assert.Len(t, h.Resolve(tok1), 2)
}

func TestHistory_UnknownTokenIsColdStart(t *testing.T) {
	h := NewHistory()
	assert.Empty(t, h.Resolve(""))
	assert.Empty(t, h.Resolve("never-issued"))
}

func TestHistory_TrimsToMaxMessages(t *testing.T) {
	h := NewHistory(func(o *HistoryOptions) {
		o.MaxMessages = 4
	})

	token := ""
	for i := 0; i < 5; i++ {
		token = h.Extend(token,
			Message{Role: "user", Text: "q"},
			Message{Role: "assistant", Text: "a"},
		)
	}

	got := h.Resolve(token)
	assert.Len(t, got, 4)
}

func TestToolbox_AllowedAndFind(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (string, error) { return "", nil }
	tb := Toolbox{
		{Name: "send_message", Run: noop},
		{Name: "run_shell", Run: noop},
	}

	caps := core.NewCapabilitySet("send_message")
	allowed := tb.Allowed(caps)
	require.Len(t, allowed, 1)
	assert.Equal(t, "send_message", allowed[0].Name)

	_, ok := allowed.Find("run_shell")
	assert.False(t, ok)
	_, ok = allowed.Find("send_message")
	assert.True(t, ok)
}
