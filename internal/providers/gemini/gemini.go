// Package gemini implements providers.Adapter over Google's Gemini API
// using google.golang.org/genai, the official Go Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

// Config configures an Adapter.
type Config struct {
	APIKey    string
	MaxTokens int
	Policy    providers.RetryPolicy
}

// Adapter implements providers.Adapter over Gemini models.
type Adapter struct {
	client    *genai.Client
	maxTokens int
	policy    providers.RetryPolicy
}

// New builds an Adapter, or returns a Configuration error if cfg.APIKey is
// empty.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, conderr.New(conderr.Configuration, "gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, conderr.Wrap(conderr.Configuration, err, "gemini: create client")
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = providers.DefaultRetryPolicy()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Adapter{client: client, maxTokens: maxTokens, policy: policy}, nil
}

// FactoryFunc adapts New to providers.Factory for the "gemini" catalog
// provider id.
func FactoryFunc(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(context.Background(), Config{APIKey: cfg.Credential.APIKey, MaxTokens: cfg.MaxTokens})
}

// ProviderName implements providers.Adapter.
func (a *Adapter) ProviderName() string { return "gemini" }

// ContextWindow implements providers.Adapter with a conservative default;
// the catalog carries model-specific windows (up to 2M for 1.5 Pro).
func (a *Adapter) ContextWindow(model string) int { return 1048576 }

// MaxCompletionTokens implements providers.Adapter.
func (a *Adapter) MaxCompletionTokens(model string) int { return a.maxTokens }

func (a *Adapter) buildConfig(req providers.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	cfg.MaxOutputTokens = int32(maxTokens)
	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}
	return cfg
}

// CreateResponse implements providers.Adapter.
func (a *Adapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	return providers.RetryNonStreaming(ctx, a.policy, cancel, func(n int) (*providers.ProviderResponse, error) {
		contents := convertMessages(req.Messages)
		resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, a.buildConfig(req))
		if err != nil {
			return nil, wrapError(err)
		}
		return toResponse(resp), nil
	})
}

// CreateStreamingResponse implements providers.Adapter. Unlike the other
// backends, genai's GenerateContentStream fuses connection-establishment
// and content-consumption into a single iter.Seq2: the request isn't
// actually issued until the iterator is first ranged over, so there is no
// separate "connect" call to hand to RetryStreamConnect. The retry loop
// is therefore hand-rolled here rather than reusing that helper, but it
// preserves the identical invariant: a failure is only retried (by
// re-ranging a fresh call to GenerateContentStream) while guard.CanRetry
// still holds; once a text chunk has been observed, any later error is
// surfaced as a terminal StreamError instead.
func (a *Adapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	contents := convertMessages(req.Messages)
	cfg := a.buildConfig(req)

	out := make(chan providers.StreamEvent)
	go func() {
		defer close(out)

		var guard providers.StreamGuard
		var content strings.Builder
		var toolCalls []providers.ToolCall
		stopReason := providers.StopReasonStop

		var lastErr error
		attempts := a.policy.Attempts()
		for n := 1; n <= attempts; n++ {
			select {
			case <-cancel:
				out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.ErrCancelled}
				return
			case <-ctx.Done():
				out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.Wrap(conderr.Cancelled, ctx.Err(), "context done")}
				return
			default:
			}

			var iterErr error
			for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
				if err != nil {
					iterErr = err
					break
				}
				if resp == nil {
					continue
				}
				for _, candidate := range resp.Candidates {
					if candidate == nil || candidate.Content == nil {
						continue
					}
					for _, part := range candidate.Content.Parts {
						if part == nil {
							continue
						}
						if part.Text != "" {
							guard.MarkFirstByte()
							content.WriteString(part.Text)
							out <- providers.StreamEvent{Kind: providers.StreamToken, Token: part.Text}
						}
						if part.FunctionCall != nil {
							toolCalls = append(toolCalls, providers.ToolCall{
								ID:    fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls)),
								Name:  part.FunctionCall.Name,
								Input: part.FunctionCall.Args,
							})
							stopReason = providers.StopReasonToolUse
						}
					}
				}
			}

			if iterErr == nil {
				resp := &providers.ProviderResponse{Content: content.String(), ToolCalls: toolCalls, StopReason: stopReason}
				out <- providers.StreamEvent{Kind: providers.StreamComplete, Response: resp}
				return
			}

			lastErr = iterErr
			if !guard.CanRetry() || !providers.IsRetryable(wrapError(iterErr)) || n == attempts {
				out <- providers.StreamEvent{Kind: providers.StreamError, Err: wrapError(lastErr)}
				return
			}

			select {
			case <-time.After(a.policy.Delay(n)):
			case <-cancel:
				out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.ErrCancelled}
				return
			case <-ctx.Done():
				out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.Wrap(conderr.Cancelled, ctx.Err(), "context done")}
				return
			}
		}

		out <- providers.StreamEvent{Kind: providers.StreamError, Err: wrapError(lastErr)}
	}()
	return out, nil
}

func toResponse(resp *genai.GenerateContentResponse) *providers.ProviderResponse {
	var content strings.Builder
	var toolCalls []providers.ToolCall
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				content.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, providers.ToolCall{
					ID:    fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls)),
					Name:  part.FunctionCall.Name,
					Input: part.FunctionCall.Args,
				})
			}
		}
	}
	stopReason := providers.StopReasonStop
	if len(toolCalls) > 0 {
		stopReason = providers.StopReasonToolUse
	}
	var usage providers.Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &providers.ProviderResponse{Content: content.String(), ToolCalls: toolCalls, StopReason: stopReason, Usage: usage}
}

// convertMessages translates backend-agnostic messages into genai.Content.
// Gemini's FunctionResponse part identifies itself by tool name, not by
// the call ID the model produced it with, so this first walks every
// message to build an ID-to-name index (tool calls and their results
// travel on separate messages — an assistant turn and a following tool
// turn) before building the Gemini-shaped conversation.
func convertMessages(messages []providers.Message) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{}
		switch msg.Role {
		case providers.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Input}})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: names[tr.ToolCallID], Response: response}})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func convertTools(tools []providers.Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(tool.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON Schema document (as decoded into
// map[string]any) into Gemini's own Schema type, which the SDK requires
// in place of raw JSON Schema for function parameters.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "401"):
		return conderr.Wrap(conderr.Authentication, err, "gemini request failed")
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "403"):
		return conderr.Wrap(conderr.Authentication, err, "gemini request failed")
	case strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		return conderr.Wrap(conderr.Transient, err, "gemini request failed")
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "500") || strings.Contains(msg, "503"):
		return conderr.Wrap(conderr.Transient, err, "gemini request failed")
	default:
		return conderr.Wrap(conderr.Protocol, err, "gemini request failed")
	}
}
