package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conductor-run/conductor/internal/conderr"
)

// MemoryStore is an in-memory Store, used by tests and by the CLI's
// ephemeral/dry-run modes. It preserves every invariant the persisted
// backends must also honor: serialized append, monotonic sequence
// numbers, and never omitting an event from a ListByThread range.
type MemoryStore struct {
	mu       sync.Mutex
	seq      uint64
	byThread map[ThreadID][]ThreadEvent
	ids      map[ThreadID]map[string]struct{}

	threads  map[ThreadID]Thread
	sessions map[string]Session
	projects map[string]Project

	hub *hub
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byThread: make(map[ThreadID][]ThreadEvent),
		ids:      make(map[ThreadID]map[string]struct{}),
		threads:  make(map[ThreadID]Thread),
		sessions: make(map[string]Session),
		projects: make(map[string]Project),
		hub:      newHub(),
	}
}

func (s *MemoryStore) Append(ctx context.Context, event ThreadEvent) (ThreadEvent, error) {
	if event.ID == "" {
		return ThreadEvent{}, conderr.New(conderr.InvariantViolation, "event id is required")
	}

	s.mu.Lock()
	seen := s.ids[event.ThreadID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.ids[event.ThreadID] = seen
	}
	if _, dup := seen[event.ID]; dup {
		s.mu.Unlock()
		return ThreadEvent{}, conderr.New(conderr.InvariantViolation,
			fmt.Sprintf("duplicate event id %q in thread %q", event.ID, event.ThreadID))
	}
	s.seq++
	event.Seq = s.seq
	seen[event.ID] = struct{}{}
	s.byThread[event.ThreadID] = append(s.byThread[event.ThreadID], event)
	s.mu.Unlock()

	s.hub.publish(event)
	return event, nil
}

func (s *MemoryStore) ListByThread(ctx context.Context, threadID ThreadID, sinceSeq uint64) ([]ThreadEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byThread[threadID]
	out := make([]ThreadEvent, 0, len(all))
	for _, e := range all {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(threadID ThreadID, handler Handler) func() {
	return s.hub.subscribe(threadID, handler)
}

func (s *MemoryStore) CreateThread(ctx context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[t.ThreadID]; exists {
		return ErrAlreadyExists
	}
	s.threads[t.ThreadID] = t
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id ThreadID) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListThreadsByParent(ctx context.Context, parent ThreadID) ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Thread
	for _, t := range s.threads {
		if t.ParentID == parent {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return ErrAlreadyExists
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; !exists {
		return ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if projectID != "" && sess.ProjectID != projectID {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *MemoryStore) CreateProject(ctx context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return ErrAlreadyExists
	}
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListProjects(ctx context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

// nextSeq is exposed for tests that want to assert monotonicity directly
// without reaching into the store's internals.
func (s *MemoryStore) nextSeq() uint64 { return atomic.LoadUint64(&s.seq) }
