package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mkEvent(id string, thread ThreadID, typ Type, text string) ThreadEvent {
	data, _ := json.Marshal(TextData{Text: text})
	return ThreadEvent{ID: id, ThreadID: thread, Type: typ, Timestamp: time.Now(), Data: data}
}

func TestMemoryStoreAppendAssignsMonotonicSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		e, err := s.Append(ctx, mkEvent(fmt.Sprintf("e%d", i), "t1", UserMessage, "hi"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if e.Seq <= last {
			t.Fatalf("sequence did not increase: got %d after %d", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestMemoryStoreDuplicateIDRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Append(ctx, mkEvent("dup", "t1", UserMessage, "a")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := s.Append(ctx, mkEvent("dup", "t1", UserMessage, "b")); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

// TestLogIntegrity is the §8 "Log integrity" property: for all N, the
// first N events returned by ListByThread equal the first N events ever
// appended, byte-for-byte.
func TestLogIntegrity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var appended []ThreadEvent
	for i := 0; i < 20; i++ {
		e, err := s.Append(ctx, mkEvent(fmt.Sprintf("e%d", i), "t1", AgentMessage, fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		appended = append(appended, e)
	}

	got, err := s.ListByThread(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(appended) {
		t.Fatalf("got %d events, want %d", len(got), len(appended))
	}
	for n := 1; n <= len(appended); n++ {
		for i := 0; i < n; i++ {
			if got[i].ID != appended[i].ID || !bytes.Equal(got[i].Data, appended[i].Data) {
				t.Fatalf("event %d diverges at prefix length %d", i, n)
			}
		}
	}
}

func TestListByThreadSinceSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var mid uint64
	for i := 0; i < 6; i++ {
		e, _ := s.Append(ctx, mkEvent(fmt.Sprintf("e%d", i), "t1", UserMessage, "x"))
		if i == 2 {
			mid = e.Seq
		}
	}
	got, err := s.ListByThread(ctx, "t1", mid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events after seq %d, want 3", len(got), mid)
	}
}

func TestSubscribeDeliversInInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	unsub := s.Subscribe("t1", func(e ThreadEvent) {
		mu.Lock()
		received = append(received, e.ID)
		if len(received) == 5 {
			close(done)
		}
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, mkEvent(fmt.Sprintf("e%d", i), "t1", UserMessage, "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range received {
		if id != fmt.Sprintf("e%d", i) {
			t.Fatalf("out of order delivery: %v", received)
		}
	}
}

func TestThreadIDHierarchy(t *testing.T) {
	parent, ok := ThreadID("s1.2.1").Parent()
	if !ok || parent != "s1.2" {
		t.Fatalf("got parent %q, ok=%v", parent, ok)
	}
	if _, ok := ThreadID("s1").Parent(); ok {
		t.Fatal("root thread should have no parent")
	}
	if !ThreadID("s1.2.1").IsDescendantOf("s1") {
		t.Fatal("s1.2.1 should be a descendant of s1")
	}
	if ThreadID("s12").IsDescendantOf("s1") {
		t.Fatal("s12 is not a descendant of s1 despite the string prefix")
	}
}
