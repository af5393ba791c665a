package events

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreAppendAssignsMonotonicSeq(t *testing.T) {
	s := openTestSQLite(t)
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

func TestSQLStoreDuplicateIDRejected(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, mkEvent("dup", "t1", UserMessage, "a")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := s.Append(ctx, mkEvent("dup", "t1", UserMessage, "b")); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

// TestSQLStoreLogIntegrity exercises the §8 "Log integrity" property
// against the real SQL-backed Store rather than the in-memory one: for
// all N, the first N events returned by ListByThread equal the first N
// events ever appended, byte-for-byte.
func TestSQLStoreLogIntegrity(t *testing.T) {
	s := openTestSQLite(t)
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

func TestSQLStoreListByThreadSinceSeq(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	var mid uint64
	for i := 0; i < 6; i++ {
		e, err := s.Append(ctx, mkEvent(fmt.Sprintf("e%d", i), "t1", UserMessage, "x"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
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

// TestSQLStoreListByThreadIsolatesThreads confirms events inserted under
// one thread id never leak into another thread's read, the same
// per-thread isolation memstore provides.
func TestSQLStoreListByThreadIsolatesThreads(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	if _, err := s.Append(ctx, mkEvent("a1", "t1", UserMessage, "x")); err != nil {
		t.Fatalf("append t1: %v", err)
	}
	if _, err := s.Append(ctx, mkEvent("b1", "t2", UserMessage, "y")); err != nil {
		t.Fatalf("append t2: %v", err)
	}
	got, err := s.ListByThread(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("t1 leaked events from t2: %+v", got)
	}
}

// TestSQLStoreMigrateIsIdempotent exercises migrate()'s "CREATE ... IF
// NOT EXISTS" additive-migration guarantee (§6): opening the same
// database file a second time must not fail and must leave previously
// written events readable.
func TestSQLStoreMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.db")
	ctx := context.Background()

	s1, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s1.Append(ctx, mkEvent("e0", "t1", UserMessage, "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.ListByThread(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e0" {
		t.Fatalf("events lost across reopen/migrate: %+v", got)
	}
}

func TestSQLStoreThreadAndSessionCRUD(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	th := Thread{ThreadID: "t1", CreatedAt: mkEvent("x", "t1", UserMessage, "x").Timestamp, Metadata: map[string]any{"name": "root"}}
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if got.ThreadID != "t1" {
		t.Fatalf("got thread id %q, want t1", got.ThreadID)
	}
	if _, err := s.GetThread(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}

	sess := Session{ID: "s1", Name: "session-one", Status: SessionActive, CreatedAt: th.CreatedAt, UpdatedAt: th.CreatedAt}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess.Status = SessionArchived
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("update session: %v", err)
	}
	gotSess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if gotSess.Status != SessionArchived {
		t.Fatalf("got status %q, want archived", gotSess.Status)
	}
}
