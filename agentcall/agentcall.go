// Package agentcall adapts external reasoning-engine SDKs to the host's
// agent boundary. It defines the provider-agnostic pieces (tool
// definitions, the resumption history) while the provider subpackages wire
// concrete SDK clients behind core.AgentCaller.
//
// Capability enforcement happens here, not downstream: a caller receives
// the session's capability set per invocation, exposes only the allowed
// tools to the model, and refuses to execute anything outside the set even
// if the model asks anyway.
package agentcall

import (
	"context"
	"encoding/json"

	"github.com/ikurchat/jobs/core"
)

// Tool is one host-side operation exposed to the reasoning engine. Name is
// the capability name checked against the session's set; Parameters is a
// JSON Schema object describing the arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	// Run executes the operation with the model-supplied arguments and
	// returns the result text fed back to the model.
	Run func(ctx context.Context, args json.RawMessage) (string, error)
}

// Toolbox is the full set of tools a caller can offer. Per invocation it is
// narrowed to the session's capability set.
type Toolbox []Tool

// Allowed returns the subset of tools the capability set permits.
func (tb Toolbox) Allowed(caps core.CapabilitySet) Toolbox {
	var out Toolbox
	for _, t := range tb {
		if caps.Allows(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Find returns the tool by name.
func (tb Toolbox) Find(name string) (Tool, bool) {
	for _, t := range tb {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
