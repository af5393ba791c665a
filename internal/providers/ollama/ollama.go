// Package ollama implements providers.Adapter over a local or remote
// Ollama server's /api/chat endpoint. Ollama has no official Go SDK, so
// this is a small hand-rolled net/http client speaking its newline-
// delimited JSON streaming protocol, reusing go-openai's Tool type for
// the wire-compatible tool-schema shape Ollama itself models on OpenAI's.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

// Config configures an Adapter.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxTokens    int
	Policy       providers.RetryPolicy
}

// Adapter implements providers.Adapter over an Ollama server.
type Adapter struct {
	client       *http.Client
	baseURL      string
	defaultModel string
	maxTokens    int
	policy       providers.RetryPolicy
}

// New builds an Adapter.
func New(cfg Config) *Adapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
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
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		maxTokens:    maxTokens,
		policy:       policy,
	}
}

// FactoryFunc adapts New to providers.Factory for the "ollama" catalog
// provider id; cfg.Instance.Endpoint carries the server's base URL.
func FactoryFunc(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(Config{BaseURL: cfg.Instance.Endpoint, MaxTokens: cfg.MaxTokens}), nil
}

// ProviderName implements providers.Adapter.
func (a *Adapter) ProviderName() string { return "ollama" }

// ContextWindow implements providers.Adapter with a conservative default;
// local model context windows vary widely and are carried by the catalog.
func (a *Adapter) ContextWindow(model string) int { return 32768 }

// MaxCompletionTokens implements providers.Adapter.
func (a *Adapter) MaxCompletionTokens(model string) int { return a.maxTokens }

func (a *Adapter) modelFor(req providers.CompletionRequest) (string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return "", conderr.New(conderr.Configuration, "ollama: model is required")
	}
	return model, nil
}

func (a *Adapter) buildPayload(req providers.CompletionRequest, model string, stream bool) chatRequest {
	payload := chatRequest{
		Model:    model,
		Stream:   stream,
		Messages: buildMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertTools(req.Tools)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	payload.Options = map[string]any{"num_predict": maxTokens}
	return payload
}

func (a *Adapter) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conderr.Wrap(conderr.Protocol, err, "ollama: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, conderr.Wrap(conderr.Configuration, err, "ollama: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, conderr.Wrap(conderr.Transient, err, "ollama request failed")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, conderr.Wrap(providers.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))), "ollama request failed")
	}
	return resp, nil
}

// CreateResponse implements providers.Adapter.
func (a *Adapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	model, err := a.modelFor(req)
	if err != nil {
		return nil, err
	}
	return providers.RetryNonStreaming(ctx, a.policy, cancel, func(n int) (*providers.ProviderResponse, error) {
		resp, err := a.post(ctx, a.buildPayload(req, model, false))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var chatResp chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, conderr.Wrap(conderr.Protocol, err, "ollama: decode response")
		}
		if chatResp.Error != "" {
			return nil, conderr.New(conderr.Protocol, "ollama: "+chatResp.Error)
		}
		return toResponse(chatResp), nil
	})
}

// CreateStreamingResponse implements providers.Adapter.
func (a *Adapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	model, err := a.modelFor(req)
	if err != nil {
		return nil, err
	}

	body, err := providers.RetryStreamConnect(ctx, a.policy, cancel, func(n int) (io.ReadCloser, error) {
		resp, err := a.post(ctx, a.buildPayload(req, model, true))
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamEvent)
	go pump(body, out)
	return out, nil
}

func pump(body io.ReadCloser, out chan<- providers.StreamEvent) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64<<10)
	scanner.Buffer(buf, 1<<20)

	var guard providers.StreamGuard
	var content strings.Builder
	var toolCalls []providers.ToolCall
	stopReason := providers.StopReasonStop
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp chatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.Wrap(conderr.Protocol, err, "ollama: decode response")}
			return
		}
		if resp.Error != "" {
			out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.New(conderr.Protocol, "ollama: "+resp.Error)}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				guard.MarkFirstByte()
				content.WriteString(resp.Message.Content)
				out <- providers.StreamEvent{Kind: providers.StreamToken, Token: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				var input map[string]any
				if len(tc.Function.Arguments) > 0 {
					json.Unmarshal(tc.Function.Arguments, &input)
				}
				toolCalls = append(toolCalls, providers.ToolCall{ID: callID, Name: strings.TrimSpace(tc.Function.Name), Input: input})
				stopReason = providers.StopReasonToolUse
			}
		}
		if resp.Done {
			usage := providers.Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount, TotalTokens: resp.PromptEvalCount + resp.EvalCount}
			result := &providers.ProviderResponse{Content: content.String(), ToolCalls: toolCalls, StopReason: stopReason, Usage: usage}
			out <- providers.StreamEvent{Kind: providers.StreamComplete, Response: result}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.Wrap(conderr.Transient, err, "ollama: stream read failed")}
		return
	}
	out <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.New(conderr.Protocol, "ollama: stream closed without a done message")}
}

func toResponse(resp chatResponse) *providers.ProviderResponse {
	var content string
	var toolCalls []providers.ToolCall
	stopReason := providers.StopReasonStop
	if resp.Message != nil {
		content = resp.Message.Content
		for _, tc := range resp.Message.ToolCalls {
			var input map[string]any
			if len(tc.Function.Arguments) > 0 {
				json.Unmarshal(tc.Function.Arguments, &input)
			}
			callID := strings.TrimSpace(tc.ID)
			if callID == "" {
				callID = uuid.NewString()
			}
			toolCalls = append(toolCalls, providers.ToolCall{ID: callID, Name: strings.TrimSpace(tc.Function.Name), Input: input})
		}
		if len(toolCalls) > 0 {
			stopReason = providers.StopReasonToolUse
		}
	}
	return &providers.ProviderResponse{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage: providers.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []openai.Tool  `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type chatResponse struct {
	Message         *chatMessage `json:"message"`
	Done            bool         `json:"done"`
	Error           string       `json:"error"`
	EvalCount       int          `json:"eval_count"`
	PromptEvalCount int          `json:"prompt_eval_count"`
}

type toolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func toolCallKey(tc toolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}

func buildMessages(req providers.CompletionRequest) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleAssistant:
			m := chatMessage{Role: "assistant", Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]toolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args, err := json.Marshal(tc.Input)
					if err != nil || len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					m.ToolCalls[i] = toolCall{ID: tc.ID, Type: "function", Function: toolFunction{Name: tc.Name, Arguments: args}}
				}
			}
			messages = append(messages, m)
		case providers.RoleTool:
			if len(msg.ToolResults) > 0 {
				for _, tr := range msg.ToolResults {
					messages = append(messages, chatMessage{Role: "tool", Content: tr.Content, ToolName: toolNames[tr.ToolCallID]})
				}
			} else {
				messages = append(messages, chatMessage{Role: "tool", Content: msg.Content})
			}
		default:
			messages = append(messages, chatMessage{Role: "user", Content: msg.Content})
		}
	}
	return messages
}

func convertTools(tools []providers.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}
