// Package openai implements core.AgentCaller on the OpenAI Chat
// Completions API, including the function-calling round trip.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ikurchat/jobs/agentcall"
	"github.com/ikurchat/jobs/core"
)

// Options configures the OpenAI caller. Fields mirror a minimal subset of
// Chat Completion parameters; extend via functional options.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string

	// MaxToolRounds bounds how many model/tool round trips one invocation
	// may take before it is cut off.
	MaxToolRounds int
}

// Caller wraps the OpenAI Chat Completions API behind core.AgentCaller.
type Caller struct {
	client  *openai.Client
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
	client := openai.NewClient(clientOpts...)

	return &Caller{client: &client, history: history, tools: tools, opts: opts}
}

// NewCallerFromClient creates a caller from an existing client.
func NewCallerFromClient(client *openai.Client, history *agentcall.History, tools agentcall.Toolbox, optFns ...func(o *Options)) *Caller {
	return &Caller{client: client, history: history, tools: tools, opts: applyOptions(optFns)}
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		MaxToolRounds:       8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Invoke implements core.AgentCaller.
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

	params := openai.ChatCompletionNewParams{
		Model:               c.opts.Model,
		Messages:            buildMessages(c.history.Resolve(input.ResumptionToken), input),
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
	}
	if len(allowed) > 0 {
		params.Tools = buildTools(allowed)
	}

	var transcript []agentcall.Message
	transcript = append(transcript, agentcall.Message{Role: "user", Text: input.Prompt})

	for round := 0; round <= c.opts.MaxToolRounds; round++ {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return fmt.Errorf("openai api error: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("openai: no choices returned")
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			reply := msg.Content
			transcript = append(transcript, agentcall.Message{Role: "assistant", Text: reply})
			token := c.history.Extend(input.ResumptionToken, transcript...)
			emit(ctx, chunks, core.AgentChunk{Text: reply, Final: true, ResumptionToken: token})
			return nil
		}

		params.Messages = append(params.Messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			if !caps.Allows(name) {
				return fmt.Errorf("%w: operation %q", core.ErrCapabilityDenied, name)
			}
			tool, ok := allowed.Find(name)
			if !ok {
				return fmt.Errorf("%w: operation %q", core.ErrCapabilityDenied, name)
			}

			emit(ctx, chunks, core.AgentChunk{ToolName: name})
			if ctx.Err() != nil {
				return ctx.Err()
			}

			result, runErr := tool.Run(ctx, json.RawMessage(call.Function.Arguments))
			if runErr != nil {
				result = runErr.Error()
			}
			params.Messages = append(params.Messages, openai.ToolMessage(result, call.ID))
			transcript = append(transcript,
				agentcall.Message{Role: "assistant", Text: fmt.Sprintf("[used %s]", name)},
				agentcall.Message{Role: "user", Text: fmt.Sprintf("[%s result] %s", name, result)},
			)
		}
	}

	return fmt.Errorf("openai: tool round limit %d exceeded", c.opts.MaxToolRounds)
}

// buildMessages replays the recorded transcript and appends this turn's
// instructions and prompt.
func buildMessages(prior []agentcall.Message, input core.AgentInput) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prior)+2)
	if input.Instructions != "" {
		messages = append(messages, openai.SystemMessage(input.Instructions))
	}
	for _, msg := range prior {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Text))
		default:
			messages = append(messages, openai.UserMessage(msg.Text))
		}
	}
	return append(messages, openai.UserMessage(input.Prompt))
}

func buildTools(tools agentcall.Toolbox) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  tool.Parameters,
			},
		}
	}
	return out
}

func emit(ctx context.Context, chunks chan<- core.AgentChunk, chunk core.AgentChunk) {
	select {
	case chunks <- chunk:
	case <-ctx.Done():
	}
}
