package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/events"
)

// Summarizer produces a compact textual summary of a thread's effective
// events. The Turn Engine supplies an implementation backed by a
// non-streaming provider call (spec §4.6.1 step 2); this package has no
// dependency on the provider abstraction itself, so it cannot create an
// import cycle with internal/providers.
type Summarizer interface {
	Summarize(ctx context.Context, events []events.ThreadEvent) (string, error)
}

// CharsPerToken is the divisor used by EstimateTokens, matching the
// "small, configurable divisor such as 4 chars/token" heuristic in
// spec §4.4, reused here for the compaction budget check in §4.6 step 2.
const CharsPerToken = 4

// EstimateTokens is a rough, allocation-free token estimate for a run of
// text, used both for the compaction high-water check and for provider
// adapters' progressive usage updates while streaming.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// ShouldCompact reports whether threadID's effective prompt, once
// reconstructed, is likely to exceed the usable budget: contextWindow
// minus maxCompletionTokens minus a safety margin (the "high-water
// threshold" of spec §4.6 step 2).
func (m *Manager) ShouldCompact(ctx context.Context, threadID events.ThreadID, contextWindow, maxCompletionTokens int) (bool, error) {
	effective, err := m.EffectiveEvents(ctx, threadID)
	if err != nil {
		return false, err
	}
	total := 0
	for _, e := range effective {
		total += EstimateTokens(string(e.Data))
	}
	budget := contextWindow - maxCompletionTokens
	if budget <= 0 {
		return true, nil
	}
	highWater := budget * 8 / 10
	return total > highWater, nil
}

// Compact implements spec §4.6.1: it creates a shadow thread seeded with
// a summarization prompt plus threadID's existing effective events, asks
// summarizer to condense them, and appends a single COMPACTION event to
// threadID naming the shadow thread. Subsequent EffectiveEvents calls on
// threadID will read the shadow thread's (one-event) log as a prefix.
//
// Compacting an already-compacted thread is a no-op at the semantic
// level: the shadow thread itself has nothing to compact further once it
// holds a single AGENT_MESSAGE summary, so repeated calls converge to the
// same effective prompt shape (§8 "Compaction idempotence").
func (m *Manager) Compact(ctx context.Context, threadID events.ThreadID, summarizer Summarizer) (events.ThreadID, error) {
	toSummarize, err := m.EffectiveEvents(ctx, threadID)
	if err != nil {
		return "", err
	}

	summary, err := summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		return "", conderr.Wrap(conderr.CompactionFailed, err, "summarization call failed")
	}

	shadowID := events.ThreadID(fmt.Sprintf("%s.shadow.%s", threadID, uuid.NewString()[:8]))
	if err := m.store.CreateThread(ctx, events.Thread{
		ThreadID:  shadowID,
		ParentID:  threadID,
		CreatedAt: time.Now(),
		IsShadow:  true,
		Metadata:  map[string]any{events.MetaDisplayName: "compaction summary"},
	}); err != nil {
		return "", conderr.Wrap(conderr.CompactionFailed, err, "failed to create shadow thread")
	}

	summaryData, _ := json.Marshal(events.TextData{Text: summary})
	if _, err := m.store.Append(ctx, events.ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  shadowID,
		Type:      events.AgentMessage,
		Timestamp: time.Now(),
		Data:      summaryData,
	}); err != nil {
		return "", conderr.Wrap(conderr.CompactionFailed, err, "failed to write shadow thread summary")
	}

	markerData, _ := json.Marshal(events.CompactionData{ShadowThreadID: shadowID})
	if _, err := m.store.Append(ctx, events.ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Type:      events.Compaction,
		Timestamp: time.Now(),
		Data:      markerData,
	}); err != nil {
		return "", conderr.Wrap(conderr.CompactionFailed, err, "failed to append compaction marker")
	}

	return shadowID, nil
}
