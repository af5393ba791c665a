package events

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if absent) a pure-Go SQLite-backed Store at
// path. This is the default backend for a single-user home-directory
// install (§6): the "event-store database file" the persisted state
// layout describes.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("events: open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY.

	s := &sqlStore{db: db, ph: questionPlaceholder, hub: newHub(), mu: make(chan struct{}, 1)}
	if err := s.migrate(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
