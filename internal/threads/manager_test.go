package threads

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-run/conductor/internal/events"
)

func newTestManager(t *testing.T) (*Manager, events.Store) {
	t.Helper()
	store := events.NewMemoryStore()
	return New(store), store
}

func appendText(t *testing.T, store events.Store, thread events.ThreadID, typ events.Type, text string) {
	t.Helper()
	data, _ := json.Marshal(events.TextData{Text: text})
	if _, err := store.Append(context.Background(), events.ThreadEvent{
		ID: uuid.NewString(), ThreadID: thread, Type: typ, Timestamp: time.Now(), Data: data,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestNextDelegateIDMonotonicUnderConcurrency(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	if err := store.CreateThread(ctx, events.Thread{ThreadID: "s1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create root: %v", err)
	}

	const n = 50
	ids := make([]events.ThreadID, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.NextDelegateID(ctx, "s1")
			if err != nil {
				t.Errorf("alloc: %v", err)
				return
			}
			mu.Lock()
			ids[i] = id
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	seen := make(map[events.ThreadID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate delegate id allocated: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d unique ids, want %d", len(seen), n)
	}
}

func TestNextDelegateIDResumesAfterExistingChildren(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	store.CreateThread(ctx, events.Thread{ThreadID: "s1", CreatedAt: time.Now()})
	store.CreateThread(ctx, events.Thread{ThreadID: "s1.1", ParentID: "s1", CreatedAt: time.Now()})
	store.CreateThread(ctx, events.Thread{ThreadID: "s1.3", ParentID: "s1", CreatedAt: time.Now()})

	id, err := m.NextDelegateID(ctx, "s1")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if id != "s1.4" {
		t.Fatalf("got %s, want s1.4", id)
	}
}

type stubSummarizer struct{ text string }

func (s stubSummarizer) Summarize(ctx context.Context, evs []events.ThreadEvent) (string, error) {
	return s.text, nil
}

func TestCompactSplicesShadowThreadAsPrefix(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	store.CreateThread(ctx, events.Thread{ThreadID: "t1", CreatedAt: time.Now()})

	for i := 0; i < 10; i++ {
		appendText(t, store, "t1", events.UserMessage, fmt.Sprintf("msg-%d", i))
	}

	shadowID, err := m.Compact(ctx, "t1", stubSummarizer{text: "condensed history"})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	appendText(t, store, "t1", events.UserMessage, "after compaction")

	effective, err := m.EffectiveEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if len(effective) != 2 {
		t.Fatalf("got %d effective events, want 2 (summary + new message), shadow=%s", len(effective), shadowID)
	}
	var summary events.TextData
	json.Unmarshal(effective[0].Data, &summary)
	if summary.Text != "condensed history" {
		t.Fatalf("got summary %q", summary.Text)
	}
	var last events.TextData
	json.Unmarshal(effective[1].Data, &last)
	if last.Text != "after compaction" {
		t.Fatalf("got last event %q", last.Text)
	}
}

func TestCompactionIdempotentAtEffectiveShape(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	store.CreateThread(ctx, events.Thread{ThreadID: "t1", CreatedAt: time.Now()})
	appendText(t, store, "t1", events.UserMessage, "hello")

	if _, err := m.Compact(ctx, "t1", stubSummarizer{text: "summary-1"}); err != nil {
		t.Fatalf("compact 1: %v", err)
	}
	first, err := m.EffectiveEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("effective 1: %v", err)
	}

	if _, err := m.Compact(ctx, "t1", stubSummarizer{text: "summary-1"}); err != nil {
		t.Fatalf("compact 2: %v", err)
	}
	second, err := m.EffectiveEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("effective 2: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("effective shape changed across idempotent compaction: %d vs %d", len(first), len(second))
	}
}

func TestMainAndDelegateEvents(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	store.CreateThread(ctx, events.Thread{ThreadID: "s1", CreatedAt: time.Now()})
	store.CreateThread(ctx, events.Thread{ThreadID: "s1.1", ParentID: "s1", CreatedAt: time.Now()})
	appendText(t, store, "s1", events.UserMessage, "root")
	appendText(t, store, "s1.1", events.AgentMessage, "delegate")

	all, err := m.MainAndDelegateEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("main and delegates: %v", err)
	}
	if len(all["s1"]) != 1 || len(all["s1.1"]) != 1 {
		t.Fatalf("unexpected shape: %#v", all)
	}
}
