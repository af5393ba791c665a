// Package events implements the append-only, content-addressed event log
// that is the sole source of truth for every conversation: every thread,
// every message, every tool call and result exists only as a ThreadEvent
// written through a Store.
package events

import (
	"encoding/json"
	"time"
)

// ThreadID is a stable string identifying a thread. Delegate threads are
// hierarchical: a child's id is its parent's id with a ".N" suffix
// appended, e.g. a session "s1" spawning its second delegate produces
// "s1.2", which may itself spawn "s1.2.1".
type ThreadID string

// Parent returns the id of the thread that id was delegated from, and
// false if id has no parent (a root/session thread).
func (id ThreadID) Parent() (ThreadID, bool) {
	s := string(id)
	i := lastDot(s)
	if i < 0 {
		return "", false
	}
	return ThreadID(s[:i]), true
}

// IsDescendantOf reports whether id is root or one of root's delegates,
// at any depth (root itself counts as a descendant of root).
func (id ThreadID) IsDescendantOf(root ThreadID) bool {
	s, r := string(id), string(root)
	if s == r {
		return true
	}
	if len(s) <= len(r)+1 {
		return false
	}
	return s[:len(r)] == r && s[len(r)] == '.'
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// Type identifies the kind of a ThreadEvent.
type Type string

const (
	// UserMessage carries text typed by a human.
	UserMessage Type = "USER_MESSAGE"
	// AgentMessage carries text produced by the model. It may embed
	// reasoning segments delimited by <think>...</think>.
	AgentMessage Type = "AGENT_MESSAGE"
	// Thinking is a standalone reasoning segment surfaced during
	// streaming. It is never replayed back to the model as conversation.
	Thinking Type = "THINKING"
	// ToolCall is a {callId, name, arguments} request emitted by the model.
	ToolCall Type = "TOOL_CALL"
	// ToolResult is the {callId, content[], isError} response to a ToolCall.
	ToolResult Type = "TOOL_RESULT"
	// LocalSystemMessage is operator-level text: recorded in the log but
	// never re-sent to the model as part of the conversation.
	LocalSystemMessage Type = "LOCAL_SYSTEM_MESSAGE"
	// SystemPrompt is the operator-supplied system prompt for a thread.
	SystemPrompt Type = "SYSTEM_PROMPT"
	// Compaction marks a boundary: subsequent events on this thread are
	// read as a continuation of a summarized shadow thread.
	Compaction Type = "COMPACTION"
)

// ThreadEvent is the immutable unit of the log. Data is one of the
// *Data structs below, chosen by Type, marshaled to JSON for storage and
// wire transport.
type ThreadEvent struct {
	ID        string          `json:"id"`
	ThreadID  ThreadID        `json:"threadId"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	// Seq is the store-assigned, monotonically increasing sequence
	// number used for "since sequence N" queries and subscriber
	// notification ordering. It is not part of the caller-constructed
	// event; Store.Append fills it in.
	Seq uint64 `json:"seq"`
}

// TextData is the payload for UserMessage, AgentMessage, Thinking,
// LocalSystemMessage, and SystemPrompt events.
type TextData struct {
	Text string `json:"text"`
	// Metadata optionally carries final usage counts (on AgentMessage) or
	// other ephemeral annotations not part of the conversational content.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCallData is the payload for ToolCall events.
type ToolCallData struct {
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContentBlock is one typed block of a tool result. Only "text" is
// interpreted by this module; other types pass through opaquely for
// consumers that understand them (images, resource links, ...).
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResultData is the payload for ToolResult events.
type ToolResultData struct {
	CallID  string         `json:"callId"`
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// CompactionData is the payload for Compaction events.
type CompactionData struct {
	// ShadowThreadID holds the summarized content that becomes the
	// effective prefix for every subsequent read of this thread.
	ShadowThreadID ThreadID `json:"shadowThreadId"`
}

// Thread is a linear sequence of events identified by a ThreadID.
type Thread struct {
	ThreadID  ThreadID       `json:"threadId"`
	ParentID  ThreadID       `json:"parentId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsShadow  bool           `json:"isShadow,omitempty"`
}

// Well-known Thread.Metadata keys.
const (
	MetaDisplayName = "displayName"
	MetaModel       = "model"
	MetaProvider    = "provider"
	MetaRole        = "role" // "session" | "agent"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is the top-level container owning a coordinator agent (whose
// thread id equals the session id) plus any delegate agents.
type Session struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId,omitempty"`
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Status        SessionStatus  `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Project groups sessions for display and bulk operations.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
