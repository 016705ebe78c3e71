// Package anthropic implements core.AgentCaller on the Anthropic Messages
// API, including the tool-use round trip.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/ikurchat/jobs/agentcall"
	"github.com/ikurchat/jobs/core"
)

// Options configures the Anthropic caller (model id, temperature, token
// budget, tool round limit, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string

	// MaxToolRounds bounds how many model/tool round trips one invocation
	// may take before it is cut off.
	MaxToolRounds int
}

// Caller wraps the Anthropic Messages API behind core.AgentCaller.
type Caller struct {
	client  *anthropic.Client
	history *agentcall.History
	tools   agentcall.Toolbox
	opts    Options
}

var _ core.AgentCaller = (*Caller)(nil)

// NewCaller creates a caller using the official client.
func NewCaller(history *agentcall.History, tools agentcall.Toolbox, optFns ...func(o *Options)) *Caller {
	opts := applyOptions(optFns)

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Caller{client: &client, history: history, tools: tools, opts: opts}
}

// NewCallerFromClient creates a caller from an existing client.
func NewCallerFromClient(client *anthropic.Client, history *agentcall.History, tools agentcall.Toolbox, optFns ...func(o *Options)) *Caller {
	return &Caller{client: client, history: history, tools: tools, opts: applyOptions(optFns)}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:         anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxToolRounds: 8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Invoke implements core.AgentCaller. Tool invocations outside caps fail
// the call before anything executes; tools inside caps run through the
// toolbox with their results fed back to the model until it produces a
// plain reply or the round budget runs out.
func (c *Caller) Invoke(ctx context.Context, caps core.CapabilitySet, input core.AgentInput) (<-chan core.AgentChunk, <-chan error) {
	chunks := make(chan core.AgentChunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		if err := c.run(ctx, caps, input, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (c *Caller) run(ctx context.Context, caps core.CapabilitySet, input core.AgentInput, chunks chan<- core.AgentChunk) error {
	allowed := c.tools.Allowed(caps)

	messages := buildMessages(c.history.Resolve(input.ResumptionToken), input.Prompt)
	params := anthropic.MessageNewParams{
		Model:       c.opts.Model,
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(c.opts.Temperature),
	}
	if input.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: input.Instructions}}
	}
	if len(allowed) > 0 {
		params.Tools = buildTools(allowed)
	}

	var transcript []agentcall.Message
	transcript = append(transcript, agentcall.Message{Role: "user", Text: input.Prompt})

	for round := 0; round <= c.opts.MaxToolRounds; round++ {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return fmt.Errorf("anthropic api error: %w", err)
		}

		var text strings.Builder
		var toolUses []anthropic.ToolUseBlock
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.AsText().Text)
			case "tool_use":
				toolUses = append(toolUses, block.AsToolUse())
			}
		}

		if len(toolUses) == 0 {
			reply := text.String()
			transcript = append(transcript, agentcall.Message{Role: "assistant", Text: reply})
			token := c.history.Extend(input.ResumptionToken, transcript...)
			emit(ctx, chunks, core.AgentChunk{Text: reply, Final: true, ResumptionToken: token})
			return nil
		}

		var results []anthropic.ContentBlockParamUnion
		for _, use := range toolUses {
			if !caps.Allows(use.Name) {
				return fmt.Errorf("%w: operation %q", core.ErrCapabilityDenied, use.Name)
			}
			tool, ok := allowed.Find(use.Name)
			if !ok {
				return fmt.Errorf("%w: operation %q", core.ErrCapabilityDenied, use.Name)
			}

			emit(ctx, chunks, core.AgentChunk{ToolName: use.Name})
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var args json.RawMessage
			if use.Input != nil {
				if data, err := json.Marshal(use.Input); err == nil {
					args = data
				}
			}

			result, runErr := tool.Run(ctx, args)
			isError := false
			if runErr != nil {
				result = runErr.Error()
				isError = true
			}
			results = append(results, anthropic.NewToolResultBlock(use.ID, result, isError))
			transcript = append(transcript,
				agentcall.Message{Role: "assistant", Text: fmt.Sprintf("[used %s]", use.Name)},
				agentcall.Message{Role: "user", Text: fmt.Sprintf("[%s result] %s", use.Name, result)},
			)
		}

		params.Messages = append(params.Messages, resp.ToParam(), anthropic.NewUserMessage(results...))
	}

	return fmt.Errorf("anthropic: tool round limit %d exceeded", c.opts.MaxToolRounds)
}

// buildMessages replays the recorded transcript and appends this turn's
// prompt.
func buildMessages(prior []agentcall.Message, prompt string) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(prior)+1)
	for _, msg := range prior {
		switch msg.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		}
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
}

func buildTools(tools agentcall.Toolbox) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if tool.Parameters != nil {
			if properties, ok := tool.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			if required, ok := tool.Parameters["required"].([]string); ok {
				schema.Required = required
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
	}
	return out
}

func emit(ctx context.Context, chunks chan<- core.AgentChunk, chunk core.AgentChunk) {
	select {
	case chunks <- chunk:
	case <-ctx.Done():
	}
}
