// Package openai implements providers.Adapter over OpenAI's chat
// completions API (and any OpenAI-wire-compatible endpoint, via
// Config.BaseURL) using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

// Config configures an Adapter.
type Config struct {
	APIKey    string
	BaseURL   string
	MaxTokens int
	Policy    providers.RetryPolicy
}

// Adapter implements providers.Adapter over OpenAI chat completions.
type Adapter struct {
	name      string
	client    *openai.Client
	maxTokens int
	policy    providers.RetryPolicy
}

// New builds an Adapter, or returns a Configuration error if cfg.APIKey is
// empty.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, conderr.New(conderr.Configuration, "openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = providers.DefaultRetryPolicy()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Adapter{
		name:      "openai",
		client:    openai.NewClientWithConfig(clientCfg),
		maxTokens: maxTokens,
		policy:    policy,
	}, nil
}

// FactoryFunc adapts New to providers.Factory for the "openai" catalog
// provider id.
func FactoryFunc(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(Config{APIKey: cfg.Credential.APIKey, BaseURL: cfg.Instance.Endpoint, MaxTokens: cfg.MaxTokens})
}

// CompatFactoryFunc adapts New for a generic OpenAI-wire-compatible
// endpoint (spec §4.4a's "openaicompat" family): same wire format, an
// operator-supplied base URL, and a distinct provider name so diagnostics
// don't confuse it with hosted OpenAI.
func CompatFactoryFunc(cfg providers.AdapterConfig) (providers.Adapter, error) {
	a, err := New(Config{APIKey: cfg.Credential.APIKey, BaseURL: cfg.Instance.Endpoint, MaxTokens: cfg.MaxTokens})
	if a != nil {
		a.name = "openai-compatible"
	}
	return a, err
}

// ProviderName implements providers.Adapter.
func (a *Adapter) ProviderName() string { return a.name }

// ContextWindow implements providers.Adapter with a conservative default;
// model-specific windows are served by the catalog, not the adapter.
func (a *Adapter) ContextWindow(model string) int { return 128000 }

// MaxCompletionTokens implements providers.Adapter.
func (a *Adapter) MaxCompletionTokens(model string) int { return a.maxTokens }

func (a *Adapter) buildRequest(req providers.CompletionRequest, stream bool) (openai.ChatCompletionRequest, error) {
	messages := convertMessages(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	chatReq.MaxTokens = maxTokens
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq, nil
}

// CreateResponse implements providers.Adapter.
func (a *Adapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	return providers.RetryNonStreaming(ctx, a.policy, cancel, func(n int) (*providers.ProviderResponse, error) {
		chatReq, _ := a.buildRequest(req, false)
		resp, err := a.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, wrapError(err)
		}
		return toResponse(resp), nil
	})
}

// CreateStreamingResponse implements providers.Adapter.
func (a *Adapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	chatReq, _ := a.buildRequest(req, true)

	stream, err := providers.RetryStreamConnect(ctx, a.policy, cancel, func(n int) (*openai.ChatCompletionStream, error) {
		return a.client.CreateChatCompletionStream(ctx, chatReq)
	})
	if err != nil {
		return nil, wrapError(err)
	}

	out := make(chan providers.StreamEvent)
	go pump(stream, out)
	return out, nil
}

type pendingToolCall struct {
	id, name string
	args     strings.Builder
}

func pump(stream *openai.ChatCompletionStream, out chan<- providers.StreamEvent) {
	defer close(out)
	defer stream.Close()

	var guard providers.StreamGuard
	var content strings.Builder
	toolCalls := make(map[int]*pendingToolCall)
	var orderedIdx []int
	stopReason := providers.StopReasonStop
	var usage providers.Usage

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			out <- providers.StreamEvent{Kind: providers.StreamError, Err: wrapError(err)}
			return
		}

		if resp.Usage != nil {
			usage.PromptTokens = resp.Usage.PromptTokens
			usage.CompletionTokens = resp.Usage.CompletionTokens
			usage.TotalTokens = resp.Usage.TotalTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			guard.MarkFirstByte()
			content.WriteString(delta.Content)
			out <- providers.StreamEvent{Kind: providers.StreamToken, Token: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pending, ok := toolCalls[idx]
			if !ok {
				pending = &pendingToolCall{}
				toolCalls[idx] = pending
				orderedIdx = append(orderedIdx, idx)
			}
			if tc.ID != "" {
				pending.id = tc.ID
			}
			if tc.Function.Name != "" {
				pending.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending.args.WriteString(tc.Function.Arguments)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = providers.StopReasonToolUse
		case openai.FinishReasonLength:
			stopReason = providers.StopReasonMaxTokens
		case openai.FinishReasonContentFilter:
			stopReason = providers.StopReasonFiltered
		case openai.FinishReasonStop:
			stopReason = providers.StopReasonStop
		}
	}

	var calls []providers.ToolCall
	for _, idx := range orderedIdx {
		tc := toolCalls[idx]
		var input map[string]any
		json.Unmarshal([]byte(tc.args.String()), &input)
		calls = append(calls, providers.ToolCall{ID: tc.id, Name: tc.name, Input: input})
	}
	if len(calls) > 0 && stopReason == providers.StopReasonStop {
		stopReason = providers.StopReasonToolUse
	}

	resp := &providers.ProviderResponse{
		Content:    content.String(),
		ToolCalls:  calls,
		StopReason: stopReason,
		Usage:      usage,
	}
	out <- providers.StreamEvent{Kind: providers.StreamTokenUsageUpdate, Usage: usage}
	out <- providers.StreamEvent{Kind: providers.StreamComplete, Response: resp, Usage: usage}
}

func toResponse(resp openai.ChatCompletionResponse) *providers.ProviderResponse {
	if len(resp.Choices) == 0 {
		return &providers.ProviderResponse{StopReason: providers.StopReasonStop}
	}
	choice := resp.Choices[0]
	var calls []providers.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		json.Unmarshal([]byte(tc.Function.Arguments), &input)
		calls = append(calls, providers.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	stopReason := providers.StopReasonStop
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		stopReason = providers.StopReasonToolUse
	case openai.FinishReasonLength:
		stopReason = providers.StopReasonMaxTokens
	case openai.FinishReasonContentFilter:
		stopReason = providers.StopReasonFiltered
	}
	return &providers.ProviderResponse{
		Content:    choice.Message.Content,
		ToolCalls:  calls,
		StopReason: stopReason,
		Usage: providers.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func convertMessages(messages []providers.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case providers.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case providers.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Input)
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result
}

func convertTools(tools []providers.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return conderr.Wrap(providers.ClassifyHTTPStatus(apiErr.HTTPStatusCode), err, "openai request failed")
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return conderr.Wrap(conderr.Transient, err, "openai request failed")
	}
	return conderr.Wrap(conderr.Transient, err, "openai request failed")
}
