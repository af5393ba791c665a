package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conductor-run/conductor/internal/conderr"
)

// placeholder styles differ between drivers: modernc.org/sqlite uses "?",
// lib/pq uses "$1", "$2", ... Both backends share every statement and
// migration below; only this function differs between them.
type placeholderFunc func(n int) string

func questionPlaceholder(int) string { return "?" }
func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// sqlStore is the relational implementation of Store shared by the
// sqlite and postgres backends (§6's "relational-style schema with
// tables for threads, events, sessions, projects"). It keeps its own
// in-process hub for Subscribe since SQL gives us no native
// publish/subscribe primitive.
type sqlStore struct {
	db uuidDB
	ph placeholderFunc
	hub *hub
	mu  chan struct{} // 1-buffered mutex enforcing serialized Append
}

// uuidDB is the subset of *sql.DB used here, named to make the
// serialized-append comment next to it legible at the call site.
type uuidDB = *sql.DB

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	name TEXT NOT NULL,
	configuration TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	parent_id TEXT,
	created_at TIMESTAMP NOT NULL,
	metadata TEXT,
	is_shadow INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	type TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	data TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS events_thread_id_unique ON events (thread_id, id);
CREATE INDEX IF NOT EXISTS events_thread_seq ON events (thread_id, seq);
`

// postgresSchemaDDL is schemaDDL adjusted for Postgres/CockroachDB syntax
// (no AUTOINCREMENT, SERIAL-equivalent via BIGSERIAL).
const postgresSchemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	name TEXT NOT NULL,
	configuration TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	parent_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	metadata TEXT,
	is_shadow BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS events (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	type TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	data TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS events_thread_id_unique ON events (thread_id, id);
CREATE INDEX IF NOT EXISTS events_thread_seq ON events (thread_id, seq);
`

// migrate applies schemaDDL. Every statement uses CREATE ... IF NOT
// EXISTS so migrations are additive and idempotent: previously written
// events remain readable by a newer binary that adds tables/indexes but
// never drops or renames existing ones.
func (s *sqlStore) migrate(ctx context.Context, ddl string) error {
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("events: migration statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

func (s *sqlStore) q(n int) string { return s.ph(n) }

func (s *sqlStore) Append(ctx context.Context, event ThreadEvent) (ThreadEvent, error) {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()

	var exists int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM events WHERE thread_id = %s AND id = %s`, s.q(1), s.q(2)),
		event.ThreadID, event.ID,
	).Scan(&exists)
	if err != nil {
		return ThreadEvent{}, StorageError(err)
	}
	if exists > 0 {
		return ThreadEvent{}, conderr.New(conderr.InvariantViolation,
			fmt.Sprintf("duplicate event id %q in thread %q", event.ID, event.ThreadID))
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO events (id, thread_id, type, timestamp, data) VALUES (%s, %s, %s, %s, %s)`,
			s.q(1), s.q(2), s.q(3), s.q(4), s.q(5)),
		event.ID, event.ThreadID, string(event.Type), event.Timestamp.UTC(), string(event.Data),
	)
	if err != nil {
		return ThreadEvent{}, StorageError(err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		// Postgres drivers don't support LastInsertId; fall back to a
		// RETURNING-free lookup by (thread_id, id), which is unique.
		row := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT seq FROM events WHERE thread_id = %s AND id = %s`, s.q(1), s.q(2)),
			event.ThreadID, event.ID)
		if scanErr := row.Scan(&seq); scanErr != nil {
			return ThreadEvent{}, StorageError(scanErr)
		}
	}
	event.Seq = uint64(seq)

	s.hub.publish(event)
	return event, nil
}

func (s *sqlStore) ListByThread(ctx context.Context, threadID ThreadID, sinceSeq uint64) ([]ThreadEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT seq, id, thread_id, type, timestamp, data FROM events WHERE thread_id = %s AND seq > %s ORDER BY seq ASC`,
			s.q(1), s.q(2)),
		threadID, sinceSeq,
	)
	if err != nil {
		return nil, StorageError(err)
	}
	defer rows.Close()

	var out []ThreadEvent
	for rows.Next() {
		var e ThreadEvent
		var typ, data string
		var tid string
		if err := rows.Scan(&e.Seq, &e.ID, &tid, &typ, &e.Timestamp, &data); err != nil {
			return nil, StorageError(err)
		}
		e.ThreadID = ThreadID(tid)
		e.Type = Type(typ)
		e.Data = json.RawMessage(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) Subscribe(threadID ThreadID, handler Handler) func() {
	return s.hub.subscribe(threadID, handler)
}

func (s *sqlStore) CreateThread(ctx context.Context, t Thread) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO threads (thread_id, parent_id, created_at, metadata, is_shadow) VALUES (%s, %s, %s, %s, %s)`,
			s.q(1), s.q(2), s.q(3), s.q(4), s.q(5)),
		t.ThreadID, t.ParentID, t.CreatedAt.UTC(), string(meta), t.IsShadow,
	)
	if err != nil {
		return StorageError(err)
	}
	return nil
}

func (s *sqlStore) GetThread(ctx context.Context, id ThreadID) (Thread, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT thread_id, parent_id, created_at, metadata, is_shadow FROM threads WHERE thread_id = %s`, s.q(1)),
		id,
	)
	var t Thread
	var tid, pid string
	var meta string
	if err := row.Scan(&tid, &pid, &t.CreatedAt, &meta, &t.IsShadow); err != nil {
		if err == sql.ErrNoRows {
			return Thread{}, ErrNotFound
		}
		return Thread{}, StorageError(err)
	}
	t.ThreadID, t.ParentID = ThreadID(tid), ThreadID(pid)
	_ = json.Unmarshal([]byte(meta), &t.Metadata)
	return t, nil
}

func (s *sqlStore) ListThreadsByParent(ctx context.Context, parent ThreadID) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT thread_id, parent_id, created_at, metadata, is_shadow FROM threads WHERE parent_id = %s`, s.q(1)),
		parent,
	)
	if err != nil {
		return nil, StorageError(err)
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		var t Thread
		var tid, pid, meta string
		if err := rows.Scan(&tid, &pid, &t.CreatedAt, &meta, &t.IsShadow); err != nil {
			return nil, StorageError(err)
		}
		t.ThreadID, t.ParentID = ThreadID(tid), ThreadID(pid)
		_ = json.Unmarshal([]byte(meta), &t.Metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateSession(ctx context.Context, sess Session) error {
	cfg, err := json.Marshal(sess.Configuration)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO sessions (id, project_id, name, configuration, status, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			s.q(1), s.q(2), s.q(3), s.q(4), s.q(5), s.q(6), s.q(7)),
		sess.ID, sess.ProjectID, sess.Name, string(cfg), string(sess.Status), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return StorageError(err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, project_id, name, configuration, status, created_at, updated_at FROM sessions WHERE id = %s`, s.q(1)),
		id,
	)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var cfg, status string
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.Name, &cfg, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, ErrNotFound
		}
		return Session{}, StorageError(err)
	}
	sess.Status = SessionStatus(status)
	_ = json.Unmarshal([]byte(cfg), &sess.Configuration)
	return sess, nil
}

func (s *sqlStore) UpdateSession(ctx context.Context, sess Session) error {
	cfg, err := json.Marshal(sess.Configuration)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET project_id = %s, name = %s, configuration = %s, status = %s, updated_at = %s WHERE id = %s`,
			s.q(1), s.q(2), s.q(3), s.q(4), s.q(5), s.q(6)),
		sess.ProjectID, sess.Name, string(cfg), string(sess.Status), time.Now().UTC(), sess.ID,
	)
	if err != nil {
		return StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	var rows *sql.Rows
	var err error
	if projectID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, project_id, name, configuration, status, created_at, updated_at FROM sessions`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, project_id, name, configuration, status, created_at, updated_at FROM sessions WHERE project_id = %s`, s.q(1)),
			projectID,
		)
	}
	if err != nil {
		return nil, StorageError(err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var cfg, status string
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.Name, &cfg, &status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, StorageError(err)
		}
		sess.Status = SessionStatus(status)
		_ = json.Unmarshal([]byte(cfg), &sess.Configuration)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO projects (id, name, created_at) VALUES (%s, %s, %s)`, s.q(1), s.q(2), s.q(3)),
		p.ID, p.Name, p.CreatedAt.UTC(),
	)
	if err != nil {
		return StorageError(err)
	}
	return nil
}

func (s *sqlStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, name, created_at FROM projects WHERE id = %s`, s.q(1)), id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Project{}, ErrNotFound
		}
		return Project{}, StorageError(err)
	}
	return p, nil
}

func (s *sqlStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM projects`)
	if err != nil {
		return nil, StorageError(err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, StorageError(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error { return s.db.Close() }
