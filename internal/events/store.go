package events

import (
	"context"

	"github.com/conductor-run/conductor/internal/conderr"
)

// Handler receives events appended to a thread after a Subscribe call.
// Handlers must not block: Store dispatches them on its own routine with
// a bounded queue (see sink.go) and never waits on a slow handler before
// acknowledging an Append.
type Handler func(ThreadEvent)

// Store is the durable, append-only persistence surface for events plus
// the thread/session/project records that organize them. Append is
// serialized per store; reads may run concurrently with writes and with
// each other.
type Store interface {
	// Append writes event atomically, assigning it a store-wide
	// monotonically increasing sequence number, then notifies subscribers
	// of event.ThreadID. It fails with a conderr.Configuration-free
	// StorageError on disk failure, or conderr.InvariantViolation if the
	// event would violate an invariant from the data model (e.g. a
	// duplicate id within the thread).
	Append(ctx context.Context, event ThreadEvent) (ThreadEvent, error)

	// ListByThread returns every event of threadID in insertion order,
	// optionally starting strictly after sinceSeq. No event is ever
	// omitted from the range requested.
	ListByThread(ctx context.Context, threadID ThreadID, sinceSeq uint64) ([]ThreadEvent, error)

	// Subscribe registers handler to receive every event subsequently
	// appended to threadID, in insertion order. It returns a function
	// that cancels the subscription.
	Subscribe(threadID ThreadID, handler Handler) (unsubscribe func())

	// CreateThread creates and persists a new Thread record.
	CreateThread(ctx context.Context, thread Thread) error
	// GetThread returns a previously created Thread by id.
	GetThread(ctx context.Context, id ThreadID) (Thread, error)
	// ListThreadsByParent returns every thread whose ParentID is parent,
	// in no particular order.
	ListThreadsByParent(ctx context.Context, parent ThreadID) ([]Thread, error)

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context, projectID string) ([]Session, error)

	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	// Close releases any underlying resources (file handles, connection
	// pools). It does not unsubscribe existing handlers; callers should
	// stop using the Store entirely after Close.
	Close() error
}

// ErrNotFound is returned by Get* methods when the requested record does
// not exist.
var ErrNotFound = conderr.New(conderr.Configuration, "record not found")

// ErrAlreadyExists is returned by Create* methods when a record with the
// same id is already present.
var ErrAlreadyExists = conderr.New(conderr.InvariantViolation, "record already exists")

// StorageError wraps an underlying disk/driver failure.
func StorageError(cause error) error {
	return conderr.Wrap(conderr.Transient, cause, "event store I/O failure")
}
