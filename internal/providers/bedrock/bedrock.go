// Package bedrock implements providers.Adapter over AWS Bedrock's Converse
// API using aws-sdk-go-v2, giving access to any foundation model an AWS
// account has Bedrock access to (Anthropic, Titan, Llama, Mistral, Cohere).
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

// Config configures an Adapter. Credential.APIKey is unused; Bedrock
// authenticates via AWS credentials instead, passed here as an access-key
// pair or left empty to use the default provider chain (IAM role, env,
// shared config file).
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxTokens       int
	Policy          providers.RetryPolicy
}

// Adapter implements providers.Adapter over the Bedrock Converse API.
type Adapter struct {
	client    *bedrockruntime.Client
	region    string
	maxTokens int
	policy    providers.RetryPolicy
}

// New builds an Adapter, loading AWS credentials per cfg.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, conderr.Wrap(conderr.Configuration, err, "bedrock: load AWS config")
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
		client:    bedrockruntime.NewFromConfig(awsCfg),
		region:    region,
		maxTokens: maxTokens,
		policy:    policy,
	}, nil
}

// Probe implements providers.Prober (spec §4.3's diagnostic operation) by
// listing the foundation models this AWS account actually has Bedrock
// access to in the adapter's region, so a missing-model error can suggest
// a real alternative instead of a bare catalog mismatch.
func (a *Adapter) Probe(ctx context.Context) (providers.Diagnostic, error) {
	models, err := DiscoverModels(ctx, &DiscoveryConfig{
		Region:          a.region,
		AccessKeyID:     "",
		SecretAccessKey: "",
	})
	if err != nil {
		return providers.Diagnostic{Reachable: false, Message: err.Error()}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return providers.Diagnostic{Reachable: true, RemoteModels: ids}, nil
}

// FactoryFunc adapts New to providers.Factory for the "bedrock" catalog
// provider id. The instance's Endpoint field, if set, is interpreted as
// the AWS region (Bedrock has no meaningful notion of a custom endpoint
// at this layer).
func FactoryFunc(cfg providers.AdapterConfig) (providers.Adapter, error) {
	return New(context.Background(), Config{Region: cfg.Instance.Endpoint, MaxTokens: cfg.MaxTokens})
}

// ProviderName implements providers.Adapter.
func (a *Adapter) ProviderName() string { return "bedrock" }

// ContextWindow implements providers.Adapter with a conservative default;
// the catalog carries model-specific windows.
func (a *Adapter) ContextWindow(model string) int { return 200000 }

// MaxCompletionTokens implements providers.Adapter.
func (a *Adapter) MaxCompletionTokens(model string) int { return a.maxTokens }

func (a *Adapter) maxTokensFor(req providers.CompletionRequest) int32 {
	mt := req.MaxTokens
	if mt <= 0 {
		mt = a.maxTokens
	}
	if mt > 1<<30 {
		mt = 1 << 30
	}
	return int32(mt)
}

func (a *Adapter) buildInput(req providers.CompletionRequest) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: convertMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(a.maxTokensFor(req)),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertTools(req.Tools)
	}
	return input
}

// CreateResponse implements providers.Adapter by draining a Converse
// stream to completion; Bedrock has no dedicated non-streaming Converse
// call for every model family, so the non-streaming path is built on top
// of the streaming one.
func (a *Adapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	events, err := a.CreateStreamingResponse(ctx, req, cancel)
	if err != nil {
		return nil, err
	}
	var last *providers.ProviderResponse
	for ev := range events {
		switch ev.Kind {
		case providers.StreamComplete:
			last = ev.Response
		case providers.StreamError:
			return nil, ev.Err
		}
	}
	if last == nil {
		return nil, conderr.New(conderr.Protocol, "bedrock: stream closed without a completion event")
	}
	return last, nil
}

// CreateStreamingResponse implements providers.Adapter.
func (a *Adapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	input := a.buildInput(req)

	stream, err := providers.RetryStreamConnect(ctx, a.policy, cancel, func(n int) (*bedrockruntime.ConverseStreamOutput, error) {
		return a.client.ConverseStream(ctx, input)
	})
	if err != nil {
		return nil, wrapError(err)
	}

	out := make(chan providers.StreamEvent)
	go pump(stream, out)
	return out, nil
}

func pump(stream *bedrockruntime.ConverseStreamOutput, out chan<- providers.StreamEvent) {
	defer close(out)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var guard providers.StreamGuard
	var content strings.Builder
	var toolCalls []providers.ToolCall
	var currentTool *providers.ToolCall
	var currentInput strings.Builder
	stopReason := providers.StopReasonStop

	for event := range eventStream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentTool = &providers.ToolCall{ID: aws.ToString(toolUse.Value.ToolUseId), Name: aws.ToString(toolUse.Value.Name)}
				currentInput.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					guard.MarkFirstByte()
					content.WriteString(delta.Value)
					out <- providers.StreamEvent{Kind: providers.StreamToken, Token: delta.Value}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					currentInput.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentTool != nil {
				var input map[string]any
				json.Unmarshal([]byte(currentInput.String()), &input)
				currentTool.Input = input
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
				stopReason = providers.StopReasonToolUse
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			switch ev.Value.StopReason {
			case types.StopReasonMaxTokens:
				stopReason = providers.StopReasonMaxTokens
			case types.StopReasonToolUse:
				stopReason = providers.StopReasonToolUse
			case types.StopReasonContentFiltered:
				stopReason = providers.StopReasonFiltered
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				usage := providers.Usage{
					PromptTokens:     int(aws.ToInt32(ev.Value.Usage.InputTokens)),
					CompletionTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
					TotalTokens:      int(aws.ToInt32(ev.Value.Usage.TotalTokens)),
				}
				out <- providers.StreamEvent{Kind: providers.StreamTokenUsageUpdate, Usage: usage}
			}
		}
	}

	if err := eventStream.Err(); err != nil {
		out <- providers.StreamEvent{Kind: providers.StreamError, Err: wrapError(err)}
		return
	}

	resp := &providers.ProviderResponse{Content: content.String(), ToolCalls: toolCalls, StopReason: stopReason}
	out <- providers.StreamEvent{Kind: providers.StreamComplete, Response: resp}
}

func convertMessages(messages []providers.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tr := range msg.ToolResults {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(tc.Input),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == providers.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertTools(tools []providers.Tool) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(tool.InputSchema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelTimeoutException":
			return conderr.Wrap(conderr.Transient, err, "bedrock request failed")
		case "AccessDeniedException", "UnrecognizedClientException":
			return conderr.Wrap(conderr.Authentication, err, "bedrock request failed")
		case "ValidationException":
			return conderr.Wrap(conderr.Protocol, err, "bedrock request failed")
		}
	}
	return conderr.Wrap(conderr.Transient, err, "bedrock request failed")
}
