package bedrock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conductor-run/conductor/internal/providers"
)

func TestConvertMessagesDropsEmptyTurns(t *testing.T) {
	msgs := convertMessages([]providers.Message{
		{Role: providers.RoleUser, Content: "hello"},
		{Role: providers.RoleAssistant, Content: ""},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Role != types.ConversationRoleUser {
		t.Fatalf("got role %v, want user", msgs[0].Role)
	}
}

func TestConvertMessagesMapsAssistantRole(t *testing.T) {
	msgs := convertMessages([]providers.Message{{Role: providers.RoleAssistant, Content: "hi"}})
	if msgs[0].Role != types.ConversationRoleAssistant {
		t.Fatalf("got role %v, want assistant", msgs[0].Role)
	}
}

func TestConvertToolsBuildsToolSpecs(t *testing.T) {
	cfg := convertTools([]providers.Tool{{Name: "echo", Description: "echoes", InputSchema: map[string]any{"type": "object"}}})
	if len(cfg.Tools) != 1 {
		t.Fatalf("got %d tool specs, want 1", len(cfg.Tools))
	}
}

func TestMaxTokensForClampsToRequestedValue(t *testing.T) {
	a := &Adapter{maxTokens: 4096}
	got := a.maxTokensFor(providers.CompletionRequest{MaxTokens: 1024})
	if got != 1024 {
		t.Fatalf("got %d, want 1024", got)
	}
	got = a.maxTokensFor(providers.CompletionRequest{})
	if got != 4096 {
		t.Fatalf("got %d, want adapter default 4096", got)
	}
}
