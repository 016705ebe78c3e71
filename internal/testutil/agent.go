// Package testutil provides scripted fakes for the agent and transport
// boundaries used across package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/ikurchat/jobs/core"
)

// Turn scripts one agent invocation of a ScriptedAgent.
type Turn struct {
	// Chunks are streamed before the final chunk. ToolName-only chunks
	// exercise the capability check.
	Chunks []core.AgentChunk
	// Reply is the text of the final chunk.
	Reply string
	// Token is the resumption token of the final chunk.
	Token string
	// Err, when set, replaces the final chunk with a terminal error.
	Err error
}

// ScriptedAgent is an AgentCaller that plays back a fixed sequence of
// turns. Calls beyond the script replay the last turn, so steady-state
// tests don't need to count invocations. Safe for concurrent use.
type ScriptedAgent struct {
	mu    sync.Mutex
	turns []Turn
	calls []core.AgentInput
}

// NewScriptedAgent constructs an agent that plays the given turns in order.
func NewScriptedAgent(turns ...Turn) *ScriptedAgent {
	return &ScriptedAgent{turns: turns}
}

// Invoke implements core.AgentCaller.
func (a *ScriptedAgent) Invoke(ctx context.Context, _ core.CapabilitySet, input core.AgentInput) (<-chan core.AgentChunk, <-chan error) {
	a.mu.Lock()
	a.calls = append(a.calls, input)
	idx := len(a.calls) - 1
	if idx >= len(a.turns) {
		idx = len(a.turns) - 1
	}
	var turn Turn
	if idx >= 0 {
		turn = a.turns[idx]
	}
	a.mu.Unlock()

	chunks := make(chan core.AgentChunk, len(turn.Chunks)+1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range turn.Chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if turn.Err != nil {
			errs <- turn.Err
			return
		}
		select {
		case chunks <- core.AgentChunk{Text: turn.Reply, Final: true, ResumptionToken: turn.Token}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return chunks, errs
}

// Calls returns a copy of the inputs received so far.
func (a *ScriptedAgent) Calls() []core.AgentInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.AgentInput, len(a.calls))
	copy(out, a.calls)
	return out
}

// CaptureOutbound records every message handed to the transport boundary.
type CaptureOutbound struct {
	mu   sync.Mutex
	sent []core.OutboundMessage
}

// Send implements core.Outbound.
func (o *CaptureOutbound) Send(_ context.Context, msg core.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

// Sent returns a copy of the messages recorded so far.
func (o *CaptureOutbound) Sent() []core.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.OutboundMessage, len(o.sent))
	copy(out, o.sent)
	return out
}

// SentTo returns the texts of messages addressed to key.
func (o *CaptureOutbound) SentTo(key string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, m := range o.sent {
		if m.TargetKey == key {
			out = append(out, m.Text)
		}
	}
	return out
}
