package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Export writes every event of threadID, in insertion order, to w as
// JSON Lines — one ThreadEvent per line. It is used by the CLI's
// offline-inspection tooling and by tests that need a portable fixture
// of a thread's event log.
func Export(ctx context.Context, store Store, threadID ThreadID, w io.Writer) error {
	events, err := store.ListByThread(ctx, threadID, 0)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("events: export: %w", err)
		}
	}
	return nil
}

// Import reads JSON-Lines-encoded ThreadEvents from r and appends each to
// store, in file order. Sequence numbers in the source are ignored; the
// destination store assigns its own. Returns the number of events
// imported.
func Import(ctx context.Context, store Store, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ThreadEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("events: import: line %d: %w", n+1, err)
		}
		e.Seq = 0
		if _, err := store.Append(ctx, e); err != nil {
			return n, fmt.Errorf("events: import: line %d: %w", n+1, err)
		}
		n++
	}
	return n, scanner.Err()
}
