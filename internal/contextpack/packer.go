// Package contextpack reconstructs provider-shaped messages from a
// thread's effective event list (spec §4.6 step 1, §4.6a). It is the
// only place that translates between the event log's typed payloads and
// the Provider Abstraction Layer's Message shape.
package contextpack

import (
	"encoding/json"
	"strings"

	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/providers"
)

// CharsPerToken mirrors internal/compaction's estimation ratio so budget
// checks across the Turn Engine and the compactor agree.
const CharsPerToken = 4

// PackOptions controls how the event list is translated.
type PackOptions struct {
	// IncludeThinking replays THINKING events back into the packed
	// conversation. Spec's default, absent a provider capability flag
	// opting in, is false.
	IncludeThinking bool

	// MaxToolResultBytes truncates any single TOOL_RESULT content block
	// before it reaches token estimation. Zero disables truncation.
	MaxToolResultBytes int
}

// DefaultPackOptions matches the spec's default behavior: no thinking
// replay, an 8KiB cap per tool result block.
func DefaultPackOptions() PackOptions {
	return PackOptions{IncludeThinking: false, MaxToolResultBytes: 8192}
}

// Packer translates a thread's effective events into a provider request.
type Packer struct {
	opts PackOptions
}

// NewPacker builds a Packer with opts.
func NewPacker(opts PackOptions) *Packer {
	return &Packer{opts: opts}
}

// OrphanResultPrefix prefixes the text of a TOOL_RESULT that has no
// matching prior TOOL_CALL in the same thread (spec §3's "orphan ...
// surfaces as a system message", exercised by spec §8's orphan scenario).
const OrphanResultPrefix = "Tool result (orphaned): "

// Pack walks evts in order and returns the operator system prompt (the
// concatenation of any SYSTEM_PROMPT events) plus the backend-agnostic
// message list ready for providers.CompletionRequest.
func (p *Packer) Pack(evts []events.ThreadEvent) (system string, messages []providers.Message, err error) {
	var systemParts []string
	// pendingAssistant accumulates one AGENT_MESSAGE plus the TOOL_CALL
	// events immediately following it into a single assistant Message,
	// matching spec §4.6 step 4's "AGENT_MESSAGE then TOOL_CALL" framing.
	var pendingAssistant *providers.Message
	// seenCallIDs tracks every TOOL_CALL id observed so far, to detect an
	// orphan TOOL_RESULT (spec §3's tool-pairing invariant: never silently
	// dropped, surfaced as a system-visible message instead).
	seenCallIDs := make(map[string]bool)

	flush := func() {
		if pendingAssistant != nil {
			messages = append(messages, *pendingAssistant)
			pendingAssistant = nil
		}
	}

	for _, ev := range evts {
		switch ev.Type {
		case events.SystemPrompt:
			var d events.TextData
			if jerr := json.Unmarshal(ev.Data, &d); jerr == nil {
				systemParts = append(systemParts, d.Text)
			}

		case events.LocalSystemMessage:
			// Recorded in the log but never replayed to the model.
			continue

		case events.Thinking:
			if !p.opts.IncludeThinking {
				continue
			}
			var d events.TextData
			if jerr := json.Unmarshal(ev.Data, &d); jerr == nil {
				flush()
				messages = append(messages, providers.Message{Role: providers.RoleAssistant, Content: d.Text})
			}

		case events.UserMessage:
			flush()
			var d events.TextData
			if jerr := json.Unmarshal(ev.Data, &d); jerr != nil {
				return "", nil, jerr
			}
			messages = append(messages, providers.Message{Role: providers.RoleUser, Content: d.Text})

		case events.AgentMessage:
			flush()
			var d events.TextData
			if jerr := json.Unmarshal(ev.Data, &d); jerr != nil {
				return "", nil, jerr
			}
			pendingAssistant = &providers.Message{Role: providers.RoleAssistant, Content: d.Text}

		case events.ToolCall:
			var d events.ToolCallData
			if jerr := json.Unmarshal(ev.Data, &d); jerr != nil {
				return "", nil, jerr
			}
			var input map[string]any
			_ = json.Unmarshal(d.Arguments, &input)
			if pendingAssistant == nil {
				pendingAssistant = &providers.Message{Role: providers.RoleAssistant}
			}
			pendingAssistant.ToolCalls = append(pendingAssistant.ToolCalls, providers.ToolCall{
				ID: d.CallID, Name: d.Name, Input: input,
			})
			seenCallIDs[d.CallID] = true

		case events.ToolResult:
			flush()
			var d events.ToolResultData
			if jerr := json.Unmarshal(ev.Data, &d); jerr != nil {
				return "", nil, jerr
			}
			if !seenCallIDs[d.CallID] {
				messages = append(messages, providers.Message{
					Role:    providers.RoleUser,
					Content: OrphanResultPrefix + p.toolResult(d).Content,
				})
				continue
			}
			messages = append(messages, providers.Message{
				Role:        providers.RoleTool,
				ToolResults: []providers.ToolCallResult{p.toolResult(d)},
			})

		case events.Compaction:
			// threads.Manager.EffectiveEvents already splices the shadow
			// thread ahead of this boundary; nothing to pack here.
			continue
		}
	}
	flush()

	return strings.Join(systemParts, "\n\n"), messages, nil
}

func (p *Packer) toolResult(d events.ToolResultData) providers.ToolCallResult {
	var sb strings.Builder
	for i, block := range d.Content {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	content := sb.String()
	if p.opts.MaxToolResultBytes > 0 && len(content) > p.opts.MaxToolResultBytes {
		content = content[:p.opts.MaxToolResultBytes] + "...[truncated]"
	}
	return providers.ToolCallResult{ToolCallID: d.CallID, Content: content, IsError: d.IsError}
}

// EstimateTokens approximates the prompt token count of messages plus
// system using the module-wide chars-per-token heuristic (spec §4.4's
// "small, configurable divisor"). It is intentionally crude: authoritative
// counts come from the provider response once available.
func EstimateTokens(system string, messages []providers.Message) int {
	chars := len(system)
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name)
			if raw, err := json.Marshal(tc.Input); err == nil {
				chars += len(raw)
			}
		}
		for _, tr := range m.ToolResults {
			chars += len(tr.Content)
		}
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}
