package turn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/contextpack"
	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/providers"
	"github.com/conductor-run/conductor/internal/threads"
	"github.com/conductor-run/conductor/internal/toolexec"
	"github.com/conductor-run/conductor/internal/usage"
)

// scriptedAdapter replays a fixed sequence of ProviderResponses, one per
// call to CreateStreamingResponse, simulating spec §8's literal scenarios
// without depending on any real backend SDK.
type scriptedAdapter struct {
	responses []*providers.ProviderResponse
	call      int
	// blockUntilCancel, when set, makes the next streaming call wait for
	// the cancel channel before emitting anything (spec §8 scenario 4).
	blockUntilCancel bool
}

func (a *scriptedAdapter) ProviderName() string { return "scripted" }

func (a *scriptedAdapter) ContextWindow(string) int { return 100000 }

func (a *scriptedAdapter) MaxCompletionTokens(string) int { return 4096 }

func (a *scriptedAdapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	return a.next(), nil
}

func (a *scriptedAdapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	ch := make(chan providers.StreamEvent, 2)
	if a.blockUntilCancel {
		go func() {
			defer close(ch)
			<-cancel
			ch <- providers.StreamEvent{Kind: providers.StreamError, Err: conderr.ErrCancelled}
		}()
		return ch, nil
	}
	resp := a.next()
	go func() {
		defer close(ch)
		ch <- providers.StreamEvent{Kind: providers.StreamComplete, Response: resp}
	}()
	return ch, nil
}

func (a *scriptedAdapter) next() *providers.ProviderResponse {
	r := a.responses[a.call]
	a.call++
	return r
}

func newHarness(t *testing.T, adapter *scriptedAdapter) (*Agent, events.Store, events.ThreadID) {
	t.Helper()
	store := events.NewMemoryStore()
	tm := threads.New(store)
	threadID := events.ThreadID("t1")
	ctx := context.Background()
	if err := store.CreateThread(ctx, events.Thread{ThreadID: threadID, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	registry := toolexec.NewRegistry()
	if err := registry.Register(toolexec.EchoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	agent := New(threadID, store, tm, adapter, registry, Config{Model: "test-model", PackOptions: contextpack.DefaultPackOptions()})
	return agent, store, threadID
}

// TestSimpleChat is spec §8 scenario 1.
func TestSimpleChat(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*providers.ProviderResponse{
		{Content: "Hi!", StopReason: providers.StopReasonStop},
	}}
	agent, store, threadID := newHarness(t, adapter)

	if _, err := agent.SendMessage(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	got, err := store.ListByThread(context.Background(), threadID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Type != events.UserMessage || got[1].Type != events.AgentMessage {
		t.Fatalf("unexpected event types: %v, %v", got[0].Type, got[1].Type)
	}
	var d events.TextData
	_ = json.Unmarshal(got[1].Data, &d)
	if d.Text != "Hi!" {
		t.Fatalf("got agent message %q, want %q", d.Text, "Hi!")
	}
	if agent.State() != StateIdle {
		t.Fatalf("got state %q, want idle", agent.State())
	}
}

// TestAgentMessageCarriesUsageMetadata is spec §9's note that final
// usage counts are embedded in the AGENT_MESSAGE event's own metadata.
func TestAgentMessageCarriesUsageMetadata(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*providers.ProviderResponse{
		{
			Content:    "Hi!",
			StopReason: providers.StopReasonStop,
			Usage:      providers.Usage{PromptTokens: 12, CompletionTokens: 4},
		},
	}}
	agent, store, threadID := newHarness(t, adapter)

	if _, err := agent.SendMessage(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	got, err := store.ListByThread(context.Background(), threadID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var d events.TextData
	_ = json.Unmarshal(got[1].Data, &d)
	raw, ok := d.Metadata["usage"]
	if !ok {
		t.Fatalf("expected AGENT_MESSAGE metadata to carry a usage entry, got %+v", d.Metadata)
	}
	b, _ := json.Marshal(raw)
	var u usage.Usage
	if err := json.Unmarshal(b, &u); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if u.InputTokens != 12 || u.OutputTokens != 4 {
		t.Fatalf("got usage %+v, want input=12 output=4", u)
	}
}

// TestSingleToolCall is spec §8 scenario 2.
func TestSingleToolCall(t *testing.T) {
	adapter := &scriptedAdapter{responses: []*providers.ProviderResponse{
		{
			Content:    "",
			ToolCalls:  []providers.ToolCall{{ID: "call_1", Name: "echo", Input: map[string]any{"text": "a.txt\nb.txt"}}},
			StopReason: providers.StopReasonToolUse,
		},
		{Content: "Found 2 files.", StopReason: providers.StopReasonStop},
	}}
	agent, store, threadID := newHarness(t, adapter)

	if _, err := agent.SendMessage(context.Background(), "list files", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	got, err := store.ListByThread(context.Background(), threadID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantTypes := []events.Type{
		events.UserMessage, events.AgentMessage, events.ToolCall, events.ToolResult, events.AgentMessage,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(wantTypes), got)
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event %d: got %q, want %q", i, got[i].Type, want)
		}
	}

	var callData events.ToolCallData
	_ = json.Unmarshal(got[2].Data, &callData)
	var resultData events.ToolResultData
	_ = json.Unmarshal(got[3].Data, &resultData)
	if resultData.CallID != callData.CallID {
		t.Fatalf("result callId %q does not match call callId %q", resultData.CallID, callData.CallID)
	}
	if resultData.IsError {
		t.Fatalf("expected tool success, got error result: %+v", resultData)
	}
}

// TestBusyRejectsConcurrentTurn is spec §4.6's "concurrent sendMessage
// fails with Busy" default.
func TestBusyRejectsConcurrentTurn(t *testing.T) {
	adapter := &scriptedAdapter{blockUntilCancel: true}
	agent, _, _ := newHarness(t, adapter)

	done := make(chan struct{})
	cancel := make(chan struct{})
	go func() {
		_, _ = agent.SendMessage(context.Background(), "first", cancel)
		close(done)
	}()

	// Give the first turn a moment to acquire the busy flag.
	time.Sleep(20 * time.Millisecond)

	_, err := agent.SendMessage(context.Background(), "second", nil)
	if !conderr.Is(err, conderr.Busy) {
		t.Fatalf("got err %v, want Busy", err)
	}

	close(cancel)
	<-done
}

// TestMidStreamCancelLeavesWellFormedLog is spec §8 scenario 4.
func TestMidStreamCancelLeavesWellFormedLog(t *testing.T) {
	adapter := &scriptedAdapter{blockUntilCancel: true}
	agent, store, threadID := newHarness(t, adapter)

	cancel := make(chan struct{})
	close(cancel) // already cancelled before the call starts streaming

	_, err := agent.SendMessage(context.Background(), "hello", cancel)
	if !conderr.Is(err, conderr.Cancelled) {
		t.Fatalf("got err %v, want Cancelled", err)
	}

	got, err := store.ListByThread(context.Background(), threadID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range got {
		if e.Type == events.AgentMessage {
			t.Fatalf("did not expect an AGENT_MESSAGE from a cancelled stream: %+v", got)
		}
		if e.Type == events.ToolCall {
			t.Fatalf("did not expect a TOOL_CALL from a cancelled stream: %+v", got)
		}
	}
	sawSystemNotice := false
	for _, e := range got {
		if e.Type == events.LocalSystemMessage {
			sawSystemNotice = true
		}
	}
	if !sawSystemNotice {
		t.Fatalf("expected a LOCAL_SYSTEM_MESSAGE describing the cancellation, got: %+v", got)
	}
	if agent.State() != StateCancelled {
		t.Fatalf("got state %q, want cancelled", agent.State())
	}
}
