package core

import "context"

// InboundEvent is the normalized envelope the transport layer hands to the
// host for every incoming message. RawPrincipal is whatever stable key the
// transport knows the sender by; the identity resolver classifies it.
type InboundEvent struct {
	RawPrincipal   string   `json:"raw_principal"`
	DisplayName    string   `json:"display_name,omitempty"`
	Payload        string   `json:"payload"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

// OutboundMessage is the normalized reply envelope handed back to the
// transport layer. Splitting oversized payloads into ordered parts is the
// transport adapter's job, not the core's.
type OutboundMessage struct {
	TargetKey string `json:"target_key"`
	Text      string `json:"text"`
}

// Outbound delivers messages to the transport layer.
type Outbound interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// AgentChunk is one element of the streamed reasoning-engine response:
// a partial text fragment, a tool invocation notice, or the final chunk.
type AgentChunk struct {
	// Text is the partial output fragment, possibly empty on tool chunks.
	Text string
	// ToolName is set when the engine requests execution of a named
	// operation. The host checks it against the session capability set
	// before the adapter executes anything.
	ToolName string
	// Final marks the terminal chunk. Text on a final chunk is the full
	// assembled reply; ResumptionToken is the handle for continuing the
	// conversation.
	Final bool
	// ResumptionToken is populated only on the final chunk.
	ResumptionToken string
}

// AgentInput is the normalized input of one agent call.
type AgentInput struct {
	// Prompt is the user or trigger payload for this turn.
	Prompt string
	// Instructions is the role-specific system text chosen by the host.
	Instructions string
	// ResumptionToken, when non-empty, resumes prior conversation state
	// instead of starting cold.
	ResumptionToken string
}

// AgentCaller is the opaque boundary to the external reasoning engine. The
// host observes only tool invocation names (for authorization) and the
// final chunk (for persistence); everything else is passed through.
//
// Contract:
//   - Chunks arrive in emission order; the channel is closed after the
//     final chunk or an error.
//   - The error channel carries at most one terminal error then closes.
//   - Context cancellation stops the call; the caller still receives
//     channel closure.
//   - An invocation naming an operation outside caps must be rejected
//     before execution with ErrCapabilityDenied.
type AgentCaller interface {
	Invoke(ctx context.Context, caps CapabilitySet, input AgentInput) (<-chan AgentChunk, <-chan error)
}

// SearchResult is a ranked snippet returned by the memory index.
type SearchResult struct {
	ID      string
	Content string
	Score   float64
}

// MemorySearcher is the hybrid lexical/semantic memory boundary. It is
// consumed by agent-call adapters, never by the orchestration core.
type MemorySearcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}
