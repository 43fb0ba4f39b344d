// Package sink implements the two tile persistence back-ends: a filesystem
// tree and an MBTiles SQLite container (single-file or per-zoom sharded).
package sink

import (
	"context"

	"github.com/tilezen/tileharvester/internal/tilemath"
)

// Sink persists tile bytes. Put must be safe for concurrent use; Finalize
// and Cancel are called at most once at the end of a run.
type Sink interface {
	// Put persists the bytes for tile t.
	Put(ctx context.Context, t tilemath.Tile, data []byte) error

	// Finalize flushes pending writes, commits the final transaction (if
	// any), and closes handles. Called on normal completion.
	Finalize() error

	// Cancel is like Finalize but tolerant of partial state. Called on
	// cancellation or a fatal error.
	Cancel() error
}
