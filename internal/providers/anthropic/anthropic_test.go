package anthropic

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

func TestNewAppliesDefaults(t *testing.T) {
	a, err := New(Config{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.maxTokens != 8192 {
		t.Fatalf("got default max tokens %d, want 8192", a.maxTokens)
	}
	if a.ProviderName() != "anthropic" {
		t.Fatalf("got provider name %q", a.ProviderName())
	}
}

func TestConvertMessagesSkipsEmptyTurns(t *testing.T) {
	msgs, err := convertMessages([]providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
		{Role: providers.RoleAssistant, Content: ""},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (empty-content turn dropped)", len(msgs))
	}
}

func TestConvertToolsCarriesDescription(t *testing.T) {
	tools, err := convertTools([]providers.Tool{
		{Name: "echo", Description: "echoes input", InputSchema: map[string]any{"type": "object"}},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("got %#v", tools)
	}
	if tools[0].OfTool.Description.Value != "echoes input" {
		t.Fatalf("got description %q", tools[0].OfTool.Description.Value)
	}
}

func TestNormalizeStopReason(t *testing.T) {
	cases := map[string]providers.StopReason{
		"end_turn":      providers.StopReasonStop,
		"stop_sequence": providers.StopReasonStop,
		"max_tokens":    providers.StopReasonMaxTokens,
		"tool_use":      providers.StopReasonToolUse,
		"unknown":       providers.StopReasonStop,
	}
	for in, want := range cases {
		if got := normalizeStopReason(in); got != want {
			t.Errorf("normalizeStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
