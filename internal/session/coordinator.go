// Package session implements the Session Coordinator (spec §4.7): the
// component that owns a Session record and the Turn Engine agents living
// under it, including the delegate agents spawned by the "delegate" tool.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/providers"
	"github.com/conductor-run/conductor/internal/threads"
	"github.com/conductor-run/conductor/internal/toolexec"
	"github.com/conductor-run/conductor/internal/turn"
)

// ErrAgentNotFound is returned by SendMessage/StartAgent/StopAgent when
// no agent by that id has been spawned in this session.
var ErrAgentNotFound = conderr.New(conderr.Configuration, "agent not found")

// MaxDelegateDepth bounds how many levels of "delegate" tool calls may
// nest (spec §4.6.2's "bounded by a configurable max depth").
const MaxDelegateDepth = 8

// agentHandle is one spawned agent: its Turn Engine plus the bookkeeping
// the coordinator needs to start/stop it.
type agentHandle struct {
	id       string
	threadID events.ThreadID
	engine   *turn.Agent
	running  bool
}

// Coordinator owns one Session record, the provider adapter and tool
// registry its agents share, and every agent spawned within it.
type Coordinator struct {
	store     events.Store
	threads   *threads.Manager
	adapter   providers.Adapter
	baseTools *toolexec.Registry
	model     string
	turnCfg   turn.Config

	mu      sync.Mutex
	session events.Session
	agents  map[string]*agentHandle
	depth   map[events.ThreadID]int
}

// Create persists a new Session and returns a Coordinator over it. The
// coordinator's own thread (the session's root thread) is created with
// id equal to the session id, matching spec §4.7's "coordinator agent
// whose thread id equals the session id".
func Create(ctx context.Context, store events.Store, tm *threads.Manager, adapter providers.Adapter, tools *toolexec.Registry, name, providerInstanceID, modelID string, projectID string, turnCfg turn.Config) (*Coordinator, error) {
	id := uuid.NewString()
	now := time.Now()
	sess := events.Session{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		Configuration: map[string]any{
			"providerInstanceId": providerInstanceID,
			"modelId":            modelID,
		},
		Status:    events.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	rootThread := events.ThreadID(id)
	if err := store.CreateThread(ctx, events.Thread{
		ThreadID:  rootThread,
		CreatedAt: now,
		Metadata:  map[string]any{events.MetaDisplayName: name, events.MetaRole: "session"},
	}); err != nil {
		return nil, err
	}

	turnCfg.Model = modelID
	c := &Coordinator{
		store:     store,
		threads:   tm,
		adapter:   adapter,
		baseTools: tools,
		model:     modelID,
		turnCfg:   turnCfg,
		session:   sess,
		agents:    make(map[string]*agentHandle),
		depth:     make(map[events.ThreadID]int),
	}
	c.depth[rootThread] = 0
	c.agents[id] = &agentHandle{
		id:       id,
		threadID: rootThread,
		engine:   turn.New(rootThread, store, tm, adapter, c.toolsFor(rootThread), turnCfg),
		running:  true,
	}
	return c, nil
}

// toolsFor returns a registry derived from the session's shared tools
// that also serves the "delegate" tool bound to callerThreadID. Each
// agent gets its own registry instance so a "delegate" call always
// reports depth against the thread that actually made it, while every
// other tool is shared verbatim (spec §5's "Tool Executor registry
// read-only after startup" applies per-agent, once this copy is built).
func (c *Coordinator) toolsFor(callerThreadID events.ThreadID) *toolexec.Registry {
	r := toolexec.NewRegistry()
	for _, s := range c.baseTools.ListSchemas() {
		if tool, ok := c.baseTools.Get(s.Name); ok {
			_ = r.Register(tool)
		}
	}
	_ = r.Register(toolexec.NewDelegateTool(c, string(callerThreadID)))
	return r
}

// Open resumes a Coordinator over an already-persisted session.
func Open(ctx context.Context, store events.Store, tm *threads.Manager, adapter providers.Adapter, tools *toolexec.Registry, sessionID string, turnCfg turn.Config) (*Coordinator, error) {
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	modelID, _ := sess.Configuration["modelId"].(string)
	turnCfg.Model = modelID
	rootThread := events.ThreadID(sessionID)
	c := &Coordinator{
		store:     store,
		threads:   tm,
		adapter:   adapter,
		baseTools: tools,
		model:     modelID,
		turnCfg:   turnCfg,
		session:   sess,
		agents:    make(map[string]*agentHandle),
		depth:     make(map[events.ThreadID]int),
	}
	c.depth[rootThread] = 0
	c.agents[sessionID] = &agentHandle{
		id:       sessionID,
		threadID: rootThread,
		engine:   turn.New(rootThread, store, tm, adapter, c.toolsFor(rootThread), turnCfg),
		running:  true,
	}
	return c, nil
}

// Session returns the coordinator's current session record.
func (c *Coordinator) Session() events.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SpawnAgent allocates a new delegate thread under the session's root
// thread and returns its id, without starting it (spec §4.7's spawnAgent,
// distinct from startAgent).
func (c *Coordinator) SpawnAgent(ctx context.Context, name string) (string, error) {
	rootThread := events.ThreadID(c.session.ID)
	return c.spawnAgentUnder(ctx, rootThread, name)
}

// spawnAgentUnder allocates a new delegate thread under parentThread
// (the thread of whichever agent is doing the spawning, which may itself
// be a delegate — spec §4.6.2's "the child's own state machine ... may
// itself delegate") and returns its id, without starting it.
func (c *Coordinator) spawnAgentUnder(ctx context.Context, parentThread events.ThreadID, name string) (string, error) {
	childID, err := c.threads.NextDelegateID(ctx, parentThread)
	if err != nil {
		return "", err
	}
	if err := c.store.CreateThread(ctx, events.Thread{
		ThreadID:  childID,
		ParentID:  parentThread,
		CreatedAt: time.Now(),
		Metadata:  map[string]any{events.MetaDisplayName: name, events.MetaRole: "agent"},
	}); err != nil {
		return "", err
	}

	c.mu.Lock()
	parentDepth := c.depth[parentThread]
	c.agents[string(childID)] = &agentHandle{
		id:       string(childID),
		threadID: childID,
		engine:   turn.New(childID, c.store, c.threads, c.adapter, c.toolsFor(childID), c.turnCfg),
	}
	c.depth[childID] = parentDepth + 1
	c.mu.Unlock()

	return string(childID), nil
}

// StartAgent marks agentID as eligible to process turns. It is idempotent.
func (c *Coordinator) StartAgent(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	h.running = true
	return nil
}

// StopAgent marks agentID ineligible to process further turns. It is
// idempotent: stopping an already-stopped or unknown agent is a no-op
// error, matching spec §4.7's "idempotent stop".
func (c *Coordinator) StopAgent(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.agents[agentID]
	if !ok {
		return nil
	}
	h.running = false
	return nil
}

// SendMessage routes text to agentID's Turn Engine. Fails with
// ErrAgentNotFound if agentID was never spawned in this session.
func (c *Coordinator) SendMessage(ctx context.Context, agentID, text string) (turn.Metrics, error) {
	c.mu.Lock()
	h, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return turn.Metrics{}, ErrAgentNotFound
	}
	return h.engine.SendMessage(ctx, text, nil)
}

// Delegate implements toolexec.Delegate (spec §4.6.2): it spawns a child
// thread under callerThreadID, starts a subordinate agent, and runs one
// complete turn with message, blocking the caller until the child's turn
// finishes. Depth is checked against callerThreadID's own lineage, not
// the session root, so nested delegate-of-a-delegate calls are bounded
// correctly by MaxDelegateDepth.
func (c *Coordinator) Delegate(ctx context.Context, callerThreadID, name, message string) (childThreadID string, finalText string, err error) {
	caller := events.ThreadID(callerThreadID)
	c.mu.Lock()
	depth, known := c.depth[caller]
	c.mu.Unlock()
	if !known {
		return "", "", conderr.New(conderr.InvariantViolation, fmt.Sprintf("delegate call from unknown thread %q", callerThreadID))
	}
	if depth >= MaxDelegateDepth {
		return "", "", conderr.New(conderr.InvariantViolation, fmt.Sprintf("delegate depth limit (%d) exceeded", MaxDelegateDepth))
	}

	agentID, err := c.spawnAgentUnder(ctx, caller, name)
	if err != nil {
		return "", "", err
	}
	if err := c.StartAgent(agentID); err != nil {
		return "", "", err
	}

	if _, err := c.SendMessage(ctx, agentID, message); err != nil {
		return agentID, "", err
	}

	final, err := c.latestAgentMessage(ctx, events.ThreadID(agentID))
	if err != nil {
		return agentID, "", err
	}
	return agentID, final, nil
}

func (c *Coordinator) latestAgentMessage(ctx context.Context, threadID events.ThreadID) (string, error) {
	evts, err := c.threads.EffectiveEvents(ctx, threadID)
	if err != nil {
		return "", err
	}
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Type == events.AgentMessage {
			var d events.TextData
			if jerr := json.Unmarshal(evts[i].Data, &d); jerr == nil {
				return d.Text, nil
			}
		}
	}
	return "", nil
}

// Destroy stops every child agent then marks the session archived,
// releasing no store resources itself since the Coordinator does not own
// the Store's lifetime (spec §4.7's destroy).
func (c *Coordinator) Destroy(ctx context.Context) error {
	c.mu.Lock()
	for _, h := range c.agents {
		h.running = false
	}
	c.session.Status = events.SessionArchived
	c.session.UpdatedAt = time.Now()
	sess := c.session
	c.mu.Unlock()
	return c.store.UpdateSession(ctx, sess)
}
