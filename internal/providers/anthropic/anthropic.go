// Package anthropic implements providers.Adapter over Anthropic's Claude
// API using the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

// Config configures an Adapter.
type Config struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
	Policy    providers.RetryPolicy
}

// Adapter implements providers.Adapter over Claude models.
type Adapter struct {
	client    anthropic.Client
	maxTokens int
	policy    providers.RetryPolicy
}

// New builds an Adapter, or returns a Configuration error if cfg.APIKey is
// empty.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, conderr.New(conderr.Configuration, "anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = providers.DefaultRetryPolicy()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Adapter{client: anthropic.NewClient(opts...), maxTokens: maxTokens, policy: policy}, nil
}

// FactoryFunc adapts New to providers.Factory so it can be registered on a
// providers.Registry under the "anthropic" catalog provider id.
func FactoryFunc(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(Config{
		APIKey:    cfg.Credential.APIKey,
		BaseURL:   cfg.Instance.Endpoint,
		Timeout:   cfg.Instance.Timeout,
		MaxTokens: cfg.MaxTokens,
	})
}

// ProviderName implements providers.Adapter.
func (a *Adapter) ProviderName() string { return "anthropic" }

// ContextWindow implements providers.Adapter. All current Claude models
// expose a 200k token window; a model-specific table would live here once
// a model drops below that.
func (a *Adapter) ContextWindow(model string) int { return 200000 }

// MaxCompletionTokens implements providers.Adapter.
func (a *Adapter) MaxCompletionTokens(model string) int { return a.maxTokens }

func (a *Adapter) maxTokensFor(req providers.CompletionRequest) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return int64(a.maxTokens)
}

func (a *Adapter) buildParams(req providers.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: a.maxTokensFor(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// CreateResponse implements providers.Adapter. The full request/response
// round trip is retried wholesale: nothing has been observed by the caller
// until this returns.
func (a *Adapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	return providers.RetryNonStreaming(ctx, a.policy, cancel, func(n int) (*providers.ProviderResponse, error) {
		params, err := a.buildParams(req)
		if err != nil {
			return nil, conderr.Wrap(conderr.Protocol, err, "anthropic: build request")
		}
		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return nil, wrapError(err)
		}
		return toResponse(msg), nil
	})
}

// CreateStreamingResponse implements providers.Adapter. Connection
// establishment is retried; once the first content delta has been
// observed, failures are terminal (providers.StreamGuard).
func (a *Adapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, conderr.Wrap(conderr.Protocol, err, "anthropic: build request")
	}

	stream, err := providers.RetryStreamConnect(ctx, a.policy, cancel, func(n int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := a.client.Messages.NewStreaming(ctx, params)
		return s, nil
	})
	if err != nil {
		return nil, wrapError(err)
	}

	out := make(chan providers.StreamEvent)
	go a.pump(stream, out)
	return out, nil
}

func (a *Adapter) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- providers.StreamEvent) {
	defer close(out)

	var guard providers.StreamGuard
	var content strings.Builder
	var toolCalls []providers.ToolCall
	var currentTool *providers.ToolCall
	var currentInput strings.Builder
	var usage providers.Usage
	stopReason := providers.StopReasonStop

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.PromptTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentTool = &providers.ToolCall{ID: tu.ID, Name: tu.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					guard.MarkFirstByte()
					content.WriteString(delta.Text)
					out <- providers.StreamEvent{Kind: providers.StreamToken, Token: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				var input map[string]any
				json.Unmarshal([]byte(currentInput.String()), &input)
				currentTool.Input = input
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
				stopReason = providers.StopReasonToolUse
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(md.Usage.OutputTokens)
			}
			if sr := string(md.Delta.StopReason); sr != "" {
				stopReason = normalizeStopReason(sr)
			}

		case "error":
			out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.New(conderr.Protocol, "anthropic stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- providers.StreamEvent{Kind: providers.StreamError, Err: wrapError(err)}
		return
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	resp := &providers.ProviderResponse{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage:      usage,
	}
	out <- providers.StreamEvent{Kind: providers.StreamTokenUsageUpdate, Usage: usage}
	out <- providers.StreamEvent{Kind: providers.StreamComplete, Response: resp, Usage: usage}
}

func normalizeStopReason(s string) providers.StopReason {
	switch s {
	case "end_turn", "stop_sequence":
		return providers.StopReasonStop
	case "max_tokens":
		return providers.StopReasonMaxTokens
	case "tool_use":
		return providers.StopReasonToolUse
	default:
		return providers.StopReasonStop
	}
}

func toResponse(msg *anthropic.Message) *providers.ProviderResponse {
	var content strings.Builder
	var toolCalls []providers.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			var input map[string]any
			if b, err := json.Marshal(tu.Input); err == nil {
				json.Unmarshal(b, &input)
			}
			toolCalls = append(toolCalls, providers.ToolCall{ID: tu.ID, Name: tu.Name, Input: input})
		}
	}
	return &providers.ProviderResponse{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: normalizeStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func convertMessages(messages []providers.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == providers.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []providers.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

// httpStatusError matches anthropic.Error's StatusCode() int method without
// importing its concrete type, so classification keeps working even if the
// SDK renames the exported error type across versions.
type httpStatusError interface {
	StatusCode() int
}

func wrapError(err error) error {
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return conderr.Wrap(providers.ClassifyHTTPStatus(statusErr.StatusCode()), err, "anthropic request failed")
	}
	return conderr.Wrap(conderr.Transient, err, "anthropic request failed")
}
