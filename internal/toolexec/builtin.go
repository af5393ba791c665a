package toolexec

import (
	"context"
	"encoding/json"
)

// EchoTool is the module's one illustrative built-in (spec §4.5a): it
// exercises the registry/executor path in tests without committing to any
// real tool body, which stays out of scope.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Echoes the given text back, unchanged." }
func (EchoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (EchoTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	return TextResult(in.Text, false), nil
}

// Delegate is implemented by whatever can spawn and run a subordinate
// agent sharing this Tool Executor (spec §4.6.2): the Turn Engine's own
// Spawner. DelegateTool depends only on this narrow interface so
// internal/toolexec never imports the engine or session packages.
// callerThreadID identifies the agent making the call, so the
// implementation can enforce a per-lineage max delegate depth rather
// than a single session-wide one.
type Delegate interface {
	Delegate(ctx context.Context, callerThreadID, name, message string) (childThreadID string, finalText string, err error)
}

// DelegateTool allocates a child thread, runs a subordinate agent's turn
// to completion, and reports where the subtree lives. One instance is
// bound per calling agent, since the depth check needs to know which
// thread is asking.
type DelegateTool struct {
	delegate       Delegate
	callerThreadID string
}

// NewDelegateTool wraps d as the "delegate" tool for calls made on
// behalf of callerThreadID.
func NewDelegateTool(d Delegate, callerThreadID string) *DelegateTool {
	return &DelegateTool{delegate: d, callerThreadID: callerThreadID}
}

func (t *DelegateTool) Name() string { return "delegate" }
func (t *DelegateTool) Description() string {
	return "Spawns a subordinate agent to handle a sub-task and returns its final message."
}
func (t *DelegateTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"message":{"type":"string"}},"required":["name","message"]}`)
}

func (t *DelegateTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var in struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, err
	}
	childID, final, err := t.delegate.Delegate(ctx, t.callerThreadID, in.Name, in.Message)
	if err != nil {
		return TextResult(err.Error(), true), nil
	}
	return TextResult(final+"\n\nThread: "+childID, false), nil
}
