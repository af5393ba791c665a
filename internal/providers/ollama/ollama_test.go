package ollama

import (
	"testing"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

func TestModelForFallsBackToDefault(t *testing.T) {
	a := New(Config{DefaultModel: "llama3.1"})
	model, err := a.modelFor(providers.CompletionRequest{})
	if err != nil {
		t.Fatalf("modelFor: %v", err)
	}
	if model != "llama3.1" {
		t.Fatalf("got model %q, want llama3.1", model)
	}
}

func TestModelForRequiresAModel(t *testing.T) {
	a := New(Config{})
	_, err := a.modelFor(providers.CompletionRequest{})
	if kind, ok := conderr.KindOf(err); !ok || kind != conderr.Configuration {
		t.Fatalf("got %v, want Configuration error", err)
	}
}

func TestBuildMessagesRoutesToolResultsByName(t *testing.T) {
	req := providers.CompletionRequest{
		System: "be terse",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "hi"},
			{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "echo", Input: map[string]any{"x": 1}}}},
			{Role: providers.RoleTool, ToolResults: []providers.ToolCallResult{{ToolCallID: "tc1", Content: "ok"}}},
		},
	}
	msgs := buildMessages(req)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages (system+3), want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Fatalf("expected leading system message, got %#v", msgs[0])
	}
	if msgs[2].ToolCalls[0].Function.Name != "echo" {
		t.Fatalf("tool call not carried through: %#v", msgs[2])
	}
	if msgs[3].ToolName != "echo" {
		t.Fatalf("got tool name %q, want echo resolved from the preceding assistant turn", msgs[3].ToolName)
	}
}

func TestConvertToolsDefaultsEmptySchema(t *testing.T) {
	tools := convertTools([]providers.Tool{{Name: "noop", Description: "does nothing"}})
	if tools[0].Function.Parameters == nil {
		t.Fatalf("expected a default schema for a nil InputSchema")
	}
}

func TestToolCallKeyFallsBackToNameAndArgs(t *testing.T) {
	key := toolCallKey(toolCall{Function: toolFunction{Name: "echo", Arguments: []byte(`{"x":1}`)}})
	if key != `echo:{"x":1}` {
		t.Fatalf("got %q, want a name:args fallback key", key)
	}
}
