package openai

import (
	"testing"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	if kind, ok := conderr.KindOf(err); !ok || kind != conderr.Configuration {
		t.Fatalf("got %v, want Configuration error", err)
	}
}

func TestCompatFactoryUsesDistinctProviderName(t *testing.T) {
	adapter, err := CompatFactoryFunc(providers.AdapterConfig{
		Credential: providers.Credential{APIKey: "test-key"},
		Instance:   providers.Instance{Endpoint: "http://localhost:8081/v1"},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if adapter.ProviderName() != "openai-compatible" {
		t.Fatalf("got provider name %q, want openai-compatible", adapter.ProviderName())
	}
}

func TestConvertMessagesRoutesToolResultsAndToolCalls(t *testing.T) {
	msgs := convertMessages([]providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
		{Role: providers.RoleAssistant, Content: "", ToolCalls: []providers.ToolCall{{ID: "tc1", Name: "echo", Input: map[string]any{"x": 1}}}},
		{Role: providers.RoleTool, ToolResults: []providers.ToolCallResult{{ToolCallID: "tc1", Content: "ok"}}},
	}, "be terse")

	if len(msgs) != 4 {
		t.Fatalf("got %d messages (system+3), want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Fatalf("expected leading system message, got %#v", msgs[0])
	}
	if msgs[2].ToolCalls[0].Function.Name != "echo" {
		t.Fatalf("tool call not carried through: %#v", msgs[2])
	}
	if msgs[3].ToolCallID != "tc1" {
		t.Fatalf("tool result not carried through: %#v", msgs[3])
	}
}

func TestConvertToolsDefaultsEmptySchema(t *testing.T) {
	tools := convertTools([]providers.Tool{{Name: "noop", Description: "does nothing"}})
	if tools[0].Function.Parameters == nil {
		t.Fatalf("expected a default schema for a nil InputSchema")
	}
}
