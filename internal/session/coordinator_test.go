package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/providers"
	"github.com/conductor-run/conductor/internal/threads"
	"github.com/conductor-run/conductor/internal/toolexec"
	"github.com/conductor-run/conductor/internal/turn"
)

// stubAdapter always returns one fixed final message with no tool calls,
// enough to drive a delegate's turn to completion deterministically.
type stubAdapter struct{ text string }

func (a stubAdapter) ProviderName() string           { return "stub" }
func (a stubAdapter) ContextWindow(string) int        { return 100000 }
func (a stubAdapter) MaxCompletionTokens(string) int   { return 4096 }

func (a stubAdapter) CreateResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	return &providers.ProviderResponse{Content: a.text, StopReason: providers.StopReasonStop}, nil
}

func (a stubAdapter) CreateStreamingResponse(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (<-chan providers.StreamEvent, error) {
	ch := make(chan providers.StreamEvent, 1)
	ch <- providers.StreamEvent{Kind: providers.StreamComplete, Response: &providers.ProviderResponse{
		Content: a.text, StopReason: providers.StopReasonStop,
	}}
	close(ch)
	return ch, nil
}

func newCoordinator(t *testing.T) (*Coordinator, events.Store) {
	t.Helper()
	store := events.NewMemoryStore()
	tm := threads.New(store)
	tools := toolexec.NewRegistry()
	c, err := Create(context.Background(), store, tm, stubAdapter{text: "done"}, tools, "test-session", "inst1", "test-model", "", turn.Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c, store
}

func TestCreateUsesSessionIDAsRootThread(t *testing.T) {
	c, _ := newCoordinator(t)
	sess := c.Session()
	if _, err := c.spawnAgentUnder(context.Background(), events.ThreadID(sess.ID), "child"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
}

// TestDelegation is spec §8 scenario 6: a delegate tool call runs a
// complete child turn and the parent's TOOL_RESULT names the child
// thread.
func TestDelegation(t *testing.T) {
	c, store := newCoordinator(t)
	sess := c.Session()
	rootThread := events.ThreadID(sess.ID)

	childID, final, err := c.Delegate(context.Background(), string(rootThread), "sub", "sub-task")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if final != "done" {
		t.Fatalf("got final %q, want %q", final, "done")
	}
	if !events.ThreadID(childID).IsDescendantOf(rootThread) {
		t.Fatalf("child %q is not a descendant of root %q", childID, rootThread)
	}

	childEvents, err := store.ListByThread(context.Background(), events.ThreadID(childID), 0)
	if err != nil {
		t.Fatalf("list child events: %v", err)
	}
	sawAgentMessage := false
	for _, e := range childEvents {
		if e.Type == events.AgentMessage {
			var d events.TextData
			_ = json.Unmarshal(e.Data, &d)
			if d.Text == "done" {
				sawAgentMessage = true
			}
		}
		// Delegate isolation: nothing from the child leaks onto the root thread.
		if e.ThreadID == rootThread {
			t.Fatalf("child event unexpectedly tagged with root thread id")
		}
	}
	if !sawAgentMessage {
		t.Fatalf("expected child thread to contain the delegate's AGENT_MESSAGE")
	}
}

func TestDelegateDepthLimitEnforcedPerLineage(t *testing.T) {
	c, _ := newCoordinator(t)
	sess := c.Session()
	caller := events.ThreadID(sess.ID)

	var lastChild string
	for i := 0; i < MaxDelegateDepth; i++ {
		childID, _, err := c.Delegate(context.Background(), string(caller), "child", "go")
		if err != nil {
			t.Fatalf("delegate at depth %d: %v", i, err)
		}
		lastChild = childID
		caller = events.ThreadID(childID)
	}

	if _, _, err := c.Delegate(context.Background(), lastChild, "onemore", "go"); err == nil {
		t.Fatalf("expected delegate depth limit to be enforced beyond %d levels", MaxDelegateDepth)
	}
}

func TestSendMessageUnknownAgentFails(t *testing.T) {
	c, _ := newCoordinator(t)
	if _, err := c.SendMessage(context.Background(), "nonexistent", "hi"); err != ErrAgentNotFound {
		t.Fatalf("got err %v, want ErrAgentNotFound", err)
	}
}

func TestStopAgentIsIdempotent(t *testing.T) {
	c, _ := newCoordinator(t)
	sess := c.Session()
	if err := c.StopAgent(sess.ID); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := c.StopAgent(sess.ID); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	if err := c.StopAgent("never-spawned"); err != nil {
		t.Fatalf("stopping an unknown agent should be a no-op, got: %v", err)
	}
}
