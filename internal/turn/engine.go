// Package turn implements the Agent Turn Engine (spec §4.6): a
// per-agent, single-threaded finite-state machine that drives one
// user turn by alternately calling a model provider and dispatching
// tool calls, looping until a terminal stop reason, then returning to
// idle.
package turn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/contextpack"
	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/providers"
	"github.com/conductor-run/conductor/internal/threads"
	"github.com/conductor-run/conductor/internal/toolexec"
	"github.com/conductor-run/conductor/internal/usage"
)

// State is one point in the per-agent turn state machine.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecuting State = "toolExecuting"
	StateCancelled     State = "cancelled"
	StateError         State = "error"
)

// ExecutionMode controls whether a batch of tool calls emitted by one
// model response runs sequentially or concurrently (spec §9 Open
// Question). Sequential is the default.
type ExecutionMode string

const (
	Sequential ExecutionMode = "sequential"
	Parallel   ExecutionMode = "parallel"
)

// Config parameterizes one Agent.
type Config struct {
	Model               string
	MaxCompletionTokens int
	ExecutionMode       ExecutionMode
	// MaxToolIterations bounds the provider-call/tool-loop cycle
	// (spec §4.6 step 6) to guard against a model that never stops
	// requesting tools.
	MaxToolIterations int
	ApprovalPolicy    toolexec.ApprovalPolicy
	ApprovalCallback  toolexec.ApprovalCallback
	PackOptions       contextpack.PackOptions
}

func (c Config) withDefaults() Config {
	if c.ExecutionMode == "" {
		c.ExecutionMode = Sequential
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 25
	}
	if c.ApprovalPolicy == nil {
		c.ApprovalPolicy = toolexec.AllowAll
	}
	return c
}

// Metrics is spec §3's TurnMetrics: the accounting finalized at the end
// of a turn (step 7).
type Metrics struct {
	PromptTokens     int
	CompletionTokens int
	ToolCalls        int
	ElapsedMS        int64
	StopReason       providers.StopReason
}

// Agent owns one thread's turn state exclusively; a second concurrent
// SendMessage fails with conderr.Busy (spec §4.6).
type Agent struct {
	threadID events.ThreadID
	store    events.Store
	threads  *threads.Manager
	adapter  providers.Adapter
	tools    *toolexec.Registry
	packer   *contextpack.Packer
	cfg      Config

	mu    sync.Mutex
	state State
	busy  bool
}

// New builds an Agent driving threadID's turns against adapter, with
// tools drawn from registry.
func New(threadID events.ThreadID, store events.Store, tm *threads.Manager, adapter providers.Adapter, registry *toolexec.Registry, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		threadID: threadID,
		store:    store,
		threads:  tm,
		adapter:  adapter,
		tools:    registry,
		packer:   contextpack.NewPacker(cfg.PackOptions),
		cfg:      cfg,
		state:    StateIdle,
	}
}

// State returns the agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return conderr.ErrBusy
	}
	a.busy = true
	a.state = StateThinking
	return nil
}

func (a *Agent) release(final State) {
	a.mu.Lock()
	a.busy = false
	a.state = final
	a.mu.Unlock()
}

// summarizerAdapter lets the Turn Engine's own provider.Adapter serve as
// threads.Summarizer for compaction (spec §4.6.1 step 2): a non-streaming
// call using the same adapter the turn was using.
type summarizerAdapter struct {
	adapter providers.Adapter
	model   string
	packer  *contextpack.Packer
}

const summarizationPrompt = "Summarize the conversation above concisely, preserving facts, decisions, and open threads needed to continue it."

func (s summarizerAdapter) Summarize(ctx context.Context, evts []events.ThreadEvent) (string, error) {
	system, messages, err := s.packer.Pack(evts)
	if err != nil {
		return "", err
	}
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: summarizationPrompt})
	resp, err := s.adapter.CreateResponse(ctx, providers.CompletionRequest{
		Model:    s.model,
		System:   system,
		Messages: messages,
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// SendMessage appends text as a USER_MESSAGE and runs the turn to
// completion or cancellation (spec §4.6 steps 1-7). cancel may be nil.
func (a *Agent) SendMessage(ctx context.Context, text string, cancel <-chan struct{}) (Metrics, error) {
	if err := a.acquire(); err != nil {
		return Metrics{}, err
	}
	defer func() {
		if a.state != StateCancelled && a.state != StateError {
			a.release(StateIdle)
		} else {
			a.release(a.state)
		}
	}()

	start := time.Now()

	data, _ := json.Marshal(events.TextData{Text: text})
	if _, err := a.store.Append(ctx, events.ThreadEvent{
		ID: uuid.NewString(), ThreadID: a.threadID, Type: events.UserMessage,
		Timestamp: time.Now(), Data: data,
	}); err != nil {
		a.state = StateError
		return Metrics{}, err
	}

	return a.runLoop(ctx, cancel, start)
}

func (a *Agent) isCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func (a *Agent) runLoop(ctx context.Context, cancel <-chan struct{}, start time.Time) (Metrics, error) {
	metrics := Metrics{}
	contextWindow := a.adapter.ContextWindow(a.cfg.Model)
	maxTokens := a.cfg.MaxCompletionTokens
	if maxTokens <= 0 {
		maxTokens = a.adapter.MaxCompletionTokens(a.cfg.Model)
	}

	for iter := 0; iter < a.cfg.MaxToolIterations; iter++ {
		if a.isCancelled(cancel) {
			a.appendCancellation(ctx, "turn cancelled before model response")
			a.state = StateCancelled
			metrics.ElapsedMS = time.Since(start).Milliseconds()
			return metrics, conderr.ErrCancelled
		}

		// Step 2: budget check, triggers compaction ahead of the call.
		should, err := a.threads.ShouldCompact(ctx, a.threadID, contextWindow, maxTokens)
		if err != nil {
			a.state = StateError
			return metrics, err
		}
		if should {
			summarizer := summarizerAdapter{adapter: a.adapter, model: a.cfg.Model, packer: a.packer}
			if _, err := a.threads.Compact(ctx, a.threadID, summarizer); err != nil {
				a.state = StateError
				return metrics, err
			}
		}

		effective, err := a.threads.EffectiveEvents(ctx, a.threadID)
		if err != nil {
			a.state = StateError
			return metrics, err
		}
		system, messages, err := a.packer.Pack(effective)
		if err != nil {
			a.state = StateError
			return metrics, err
		}

		a.mu.Lock()
		a.state = StateStreaming
		a.mu.Unlock()

		resp, err := a.streamOnce(ctx, providers.CompletionRequest{
			Model: a.cfg.Model, System: system, Messages: messages,
			Tools: a.toolSchemas(), MaxTokens: maxTokens,
		}, cancel)
		if err != nil {
			if conderr.Is(err, conderr.Cancelled) {
				a.appendCancellation(ctx, "turn cancelled mid-stream")
				a.state = StateCancelled
				metrics.ElapsedMS = time.Since(start).Milliseconds()
				return metrics, err
			}
			a.state = StateError
			return metrics, err
		}

		metrics.PromptTokens += resp.Usage.PromptTokens
		metrics.CompletionTokens += resp.Usage.CompletionTokens
		metrics.StopReason = resp.StopReason

		// Step 4: exactly one AGENT_MESSAGE, then one TOOL_CALL per
		// completed call, in emission order. The call's usage counts ride
		// along in the event's own metadata (spec §9) so a later reader of
		// the log can reconstruct token accounting without re-deriving it
		// from the provider.
		msgData, _ := json.Marshal(events.TextData{
			Text: resp.Content,
			Metadata: map[string]any{
				"usage": usage.Usage{
					InputTokens:  int64(resp.Usage.PromptTokens),
					OutputTokens: int64(resp.Usage.CompletionTokens),
				},
			},
		})
		if _, err := a.store.Append(ctx, events.ThreadEvent{
			ID: uuid.NewString(), ThreadID: a.threadID, Type: events.AgentMessage,
			Timestamp: time.Now(), Data: msgData,
		}); err != nil {
			a.state = StateError
			return metrics, err
		}

		for _, tc := range resp.ToolCalls {
			args, _ := json.Marshal(tc.Input)
			callData, _ := json.Marshal(events.ToolCallData{CallID: tc.ID, Name: tc.Name, Arguments: args})
			if _, err := a.store.Append(ctx, events.ThreadEvent{
				ID: uuid.NewString(), ThreadID: a.threadID, Type: events.ToolCall,
				Timestamp: time.Now(), Data: callData,
			}); err != nil {
				a.state = StateError
				return metrics, err
			}
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		a.mu.Lock()
		a.state = StateToolExecuting
		a.mu.Unlock()

		metrics.ToolCalls += len(resp.ToolCalls)
		if err := a.runToolBatch(ctx, resp.ToolCalls, cancel); err != nil {
			a.state = StateCancelled
			metrics.ElapsedMS = time.Since(start).Milliseconds()
			return metrics, err
		}

		// Step 6: terminal stop reasons end the turn even with tool calls
		// pending is not possible by construction (tool_use implies more
		// to do), but guard against an adapter reporting a terminal
		// reason alongside tool calls.
		if isTerminal(resp.StopReason) && resp.StopReason != providers.StopReasonToolUse {
			break
		}
	}

	metrics.ElapsedMS = time.Since(start).Milliseconds()
	return metrics, nil
}

func isTerminal(r providers.StopReason) bool {
	switch r {
	case providers.StopReasonStop, providers.StopReasonMaxTokens, providers.StopReasonFiltered:
		return true
	default:
		return false
	}
}

// streamOnce drives the streaming path and accumulates the final
// response, satisfying spec §8's "streaming equivalence" by never
// emitting an event from individual deltas — only the consolidated
// result the caller already assembled via CreateStreamingResponse.
func (a *Agent) streamOnce(ctx context.Context, req providers.CompletionRequest, cancel <-chan struct{}) (*providers.ProviderResponse, error) {
	ch, err := a.adapter.CreateStreamingResponse(ctx, req, cancel)
	if err != nil {
		return nil, err
	}
	for ev := range ch {
		switch ev.Kind {
		case providers.StreamError:
			return nil, ev.Err
		case providers.StreamComplete:
			return ev.Response, nil
		}
	}
	return nil, conderr.New(conderr.Protocol, "provider stream closed without a complete event")
}

func (a *Agent) toolSchemas() []providers.Tool {
	schemas := a.tools.ListSchemas()
	out := make([]providers.Tool, 0, len(schemas))
	for _, s := range schemas {
		var schema map[string]any
		_ = json.Unmarshal(s.InputSchema, &schema)
		out = append(out, providers.Tool{Name: s.Name, Description: s.Description, InputSchema: schema})
	}
	return out
}

// runToolBatch executes every tool call from the most recent model
// response (spec §4.6 step 5), sequentially or in parallel per
// Config.ExecutionMode, appending one TOOL_RESULT per call. An in-flight
// tool always runs to completion once started, even on cancellation.
func (a *Agent) runToolBatch(ctx context.Context, calls []providers.ToolCall, cancel <-chan struct{}) error {
	run := func(tc providers.ToolCall) error {
		args, _ := json.Marshal(tc.Input)
		result := a.tools.Execute(ctx, toolexec.Call{CallID: tc.ID, Name: tc.Name, Arguments: args},
			a.cfg.ApprovalPolicy, a.cfg.ApprovalCallback, cancel)

		blocks := make([]events.ContentBlock, 0, len(result.Content))
		for _, c := range result.Content {
			blocks = append(blocks, events.ContentBlock{Type: c.Type, Text: c.Text})
		}
		resultData, _ := json.Marshal(events.ToolResultData{CallID: tc.ID, Content: blocks, IsError: result.IsError})
		_, err := a.store.Append(ctx, events.ThreadEvent{
			ID: uuid.NewString(), ThreadID: a.threadID, Type: events.ToolResult,
			Timestamp: time.Now(), Data: resultData,
		})
		return err
	}

	if a.cfg.ExecutionMode != Parallel {
		for _, tc := range calls {
			if err := run(tc); err != nil {
				return err
			}
			if a.isCancelled(cancel) {
				a.appendCancellation(ctx, "turn cancelled between tool calls")
				return conderr.ErrCancelled
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(calls))
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()
			errs[i] = run(tc)
		}(i, tc)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if a.isCancelled(cancel) {
		a.appendCancellation(ctx, "turn cancelled after a parallel tool batch")
		return conderr.ErrCancelled
	}
	return nil
}

// appendCancellation records the LOCAL_SYSTEM_MESSAGE spec §4.6 requires
// so a cancelled turn leaves a well-formed log even when no TOOL_CALL was
// in flight.
func (a *Agent) appendCancellation(ctx context.Context, reason string) {
	data, _ := json.Marshal(events.TextData{Text: reason})
	_, _ = a.store.Append(ctx, events.ThreadEvent{
		ID: uuid.NewString(), ThreadID: a.threadID, Type: events.LocalSystemMessage,
		Timestamp: time.Now(), Data: data,
	})
}
