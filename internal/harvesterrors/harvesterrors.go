// Package harvesterrors defines the tagged error taxonomy used across the
// tile harvester so callers can distinguish recoverable per-tile failures
// from fatal run-ending conditions with errors.Is/As instead of string
// matching.
package harvesterrors

import "errors"

var (
	// ErrInputValidation marks a bbox/zoom/threads/URL-template rejection
	// that must happen before any ledger or sink side-effect.
	ErrInputValidation = errors.New("harvester: invalid input")

	// ErrTransientFetch marks a retryable fetch failure (connect error,
	// timeout, 5xx, 429, a non-image content type, or an empty body).
	ErrTransientFetch = errors.New("harvester: transient fetch failure")

	// ErrPermanentFetch marks a non-retryable fetch failure (403, 404, or
	// a request that cannot be built).
	ErrPermanentFetch = errors.New("harvester: permanent fetch failure")

	// ErrLocalIO marks a filesystem failure (mkdir, write, permission).
	ErrLocalIO = errors.New("harvester: local I/O failure")

	// ErrSinkLocked marks SQLite "database is locked" contention that
	// exhausted its retry budget.
	ErrSinkLocked = errors.New("harvester: sink locked")

	// ErrLedgerCorrupt marks an unreadable progress ledger: a corrupt
	// SQLite ledger that could not be renamed aside, or a legacy JSON
	// ledger that cannot be parsed.
	ErrLedgerCorrupt = errors.New("harvester: ledger corrupt")

	// ErrFatal marks a condition that aborts the entire run: the sink or
	// ledger could not be opened, or the output root could not be created.
	ErrFatal = errors.New("harvester: fatal")
)
