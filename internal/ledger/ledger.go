// Package ledger implements the crash-safe progress ledger: a SQLite-backed
// set of completed tile keys plus run statistics, fronted by a bounded
// in-memory hash set for fast membership tests.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/harvesterrors"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

// Status is the outcome recorded for a tile.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// MaxInMemoryEntries bounds the in-memory completed-tile hash set. Beyond
// this the set is frozen and membership checks fall through to SQLite.
const MaxInMemoryEntries = 1_000_000

// FlushInterval is how many mark() calls accumulate before an automatic
// flush, mirroring the worker pool's own per-200-completions flush cadence.
const FlushInterval = 200

// pageSize bounds rows fetched per page in LoadForRange.
const pageSize = 10_000

// schemaVersion is recorded in run_metadata so a future incompatible ledger
// layout change can detect and migrate an older file.
const schemaVersion = 1

type key struct {
	X, Y, Z uint32
}

func keyOf(t tilemath.Tile) key { return key{t.X, t.Y, t.Z} }

// Ledger is a crash-safe, appendable set of completed tile keys with side
// metadata (counters). Safe for concurrent use.
type Ledger struct {
	log zerolog.Logger
	db  *sql.DB

	mu           sync.Mutex
	tx           *sql.Tx
	pending      int
	memSet       map[key]struct{}
	memSetFrozen bool

	downloaded int64
	failed     int64
	skipped    int64
	totalTasks int64
	totalBytes int64

	saveFormat string
	scheme     string
}

// Open opens (creating if absent) the SQLite ledger at path, configures WAL
// journaling, synchronous=NORMAL, and a >=30s busy timeout, and creates the
// schema if it doesn't already exist. A corrupt/unreadable file is renamed
// aside with a .backup suffix and replaced with a fresh empty ledger.
func Open(path string, log zerolog.Logger, saveFormat, scheme string) (*Ledger, error) {
	if err := quarantineIfCorrupt(path, log); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger: %v", harvesterrors.ErrFatal, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create ledger schema: %v", harvesterrors.ErrFatal, err)
	}

	l := &Ledger{
		log:        log,
		db:         db,
		memSet:     make(map[key]struct{}),
		saveFormat: saveFormat,
		scheme:     scheme,
	}

	if err := l.loadCounters(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load ledger counters: %v", harvesterrors.ErrFatal, err)
	}

	if err := l.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load ledger metadata: %v", harvesterrors.ErrFatal, err)
	}

	l.mu.Lock()
	err = l.writeMetadataLocked()
	l.mu.Unlock()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: write ledger metadata: %v", harvesterrors.ErrFatal, err)
	}

	return l, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tiles (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	z INTEGER NOT NULL,
	status TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (x, y, z)
);
CREATE TABLE IF NOT EXISTS run_metadata (
	name TEXT PRIMARY KEY,
	value TEXT
);
`

func quarantineIfCorrupt(path string, log zerolog.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return renameCorrupt(path, log, err)
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA quick_check"); err != nil {
		return renameCorrupt(path, log, err)
	}

	return nil
}

func renameCorrupt(path string, log zerolog.Logger, cause error) error {
	backup := path + ".backup"
	log.Warn().Err(cause).Str("path", path).Str("backup", backup).
		Msg("ledger unreadable, renaming aside and starting empty")

	if err := os.Rename(path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", harvesterrors.ErrLedgerCorrupt, err)
	}
	return nil
}

func (l *Ledger) loadCounters() error {
	rows, err := l.db.Query("SELECT status, COUNT(*) FROM tiles GROUP BY status")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		switch Status(status) {
		case StatusSuccess:
			atomic.StoreInt64(&l.downloaded, count)
		case StatusFailed:
			atomic.StoreInt64(&l.failed, count)
		case StatusSkipped:
			atomic.StoreInt64(&l.skipped, count)
		}
	}
	return rows.Err()
}

// loadMetadata reads scalar run metadata persisted by a prior run (total
// tasks/bytes counters, save format, tile scheme) and, when present,
// overrides the constructor-supplied values with the recovered ones so
// resuming a run doesn't lose total_bytes or diverge on save_format/scheme.
func (l *Ledger) loadMetadata() error {
	rows, err := l.db.Query("SELECT name, value FROM run_metadata")
	if err != nil {
		return err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if v, ok := values["total_tasks"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			atomic.StoreInt64(&l.totalTasks, n)
		}
	}
	if v, ok := values["total_bytes"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			atomic.StoreInt64(&l.totalBytes, n)
		}
	}
	if v, ok := values["save_format"]; ok && v != "" {
		l.saveFormat = v
	}
	if v, ok := values["scheme"]; ok && v != "" {
		l.scheme = v
	}
	return nil
}

// writeMetadataLocked upserts the scalar run metadata row set. Called
// during Open (so a fresh ledger records schema_version/save_format/scheme
// immediately) and on every flush (so total_tasks/total_bytes survive a
// crash between flushes). Callers must hold l.mu.
func (l *Ledger) writeMetadataLocked() error {
	exec := l.db.Exec
	if l.tx != nil {
		exec = l.tx.Exec
	}

	metadata := map[string]string{
		"total_tasks":    strconv.FormatInt(atomic.LoadInt64(&l.totalTasks), 10),
		"total_bytes":    strconv.FormatInt(atomic.LoadInt64(&l.totalBytes), 10),
		"save_format":    l.saveFormat,
		"scheme":         l.scheme,
		"schema_version": strconv.Itoa(schemaVersion),
	}
	for name, value := range metadata {
		_, err := exec(
			"INSERT INTO run_metadata (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value=excluded.value",
			name, value,
		)
		if err != nil {
			return fmt.Errorf("write run_metadata %s: %w", name, err)
		}
	}
	return nil
}

// Contains reports whether (x, y, z) has already been processed. Once the
// in-memory set exceeds MaxInMemoryEntries it is frozen (no further writes)
// and membership checks fall through to SQLite for entries not already
// cached.
func (l *Ledger) Contains(t tilemath.Tile) (bool, error) {
	l.mu.Lock()
	if _, ok := l.memSet[keyOf(t)]; ok {
		l.mu.Unlock()
		return true, nil
	}
	frozen := l.memSetFrozen
	l.mu.Unlock()

	if !frozen {
		return false, nil
	}

	var ignore int
	err := l.db.QueryRow("SELECT 1 FROM tiles WHERE x=? AND y=? AND z=? LIMIT 1", t.X, t.Y, t.Z).Scan(&ignore)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark idempotently upserts a tile's status. Counters only increment on the
// first insertion of a key; a later `skipped` mark on an already-processed
// tile still increments the skipped counter but leaves the stored status
// unchanged (resolving Open Question #4 of the spec: counter observability
// yes, unique-key mutation no).
func (l *Ledger) Mark(t tilemath.Tile, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, existed := l.memSet[keyOf(t)]
	if !existed && l.memSetFrozen {
		var ignore int
		err := l.db.QueryRow("SELECT 1 FROM tiles WHERE x=? AND y=? AND z=?", t.X, t.Y, t.Z).Scan(&ignore)
		if err == nil {
			existed = true
		} else if err != sql.ErrNoRows {
			return err
		}
	}

	if err := l.ensureTx(); err != nil {
		return err
	}

	if !existed {
		_, execErr := l.tx.Exec(
			"INSERT INTO tiles (x, y, z, status, timestamp) VALUES (?, ?, ?, ?, ?)",
			t.X, t.Y, t.Z, string(status), time.Now().Unix(),
		)
		if execErr != nil {
			return execErr
		}
		l.bumpCounter(status, 1)
	} else if status == StatusSkipped {
		// Observability-only: counter moves, stored row/status does not.
		l.bumpCounter(status, 1)
	}

	if !l.memSetFrozen {
		l.memSet[keyOf(t)] = struct{}{}
		if len(l.memSet) >= MaxInMemoryEntries {
			l.memSetFrozen = true
			l.log.Warn().Int("entries", len(l.memSet)).Msg("ledger in-memory set frozen at cap")
		}
	}

	l.pending++
	if l.pending >= FlushInterval {
		return l.flushLocked()
	}
	return nil
}

func (l *Ledger) bumpCounter(status Status, delta int64) {
	switch status {
	case StatusSuccess:
		atomic.AddInt64(&l.downloaded, delta)
	case StatusFailed:
		atomic.AddInt64(&l.failed, delta)
	case StatusSkipped:
		atomic.AddInt64(&l.skipped, delta)
	}
}

func (l *Ledger) ensureTx() error {
	if l.tx != nil {
		return nil
	}
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	l.tx = tx
	return nil
}

// Flush commits outstanding writes in one transaction. Safe to call when
// nothing is pending.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Ledger) flushLocked() error {
	if err := l.writeMetadataLocked(); err != nil {
		return err
	}
	if l.tx == nil {
		return nil
	}
	err := l.tx.Commit()
	l.tx = nil
	l.pending = 0
	return err
}

// AddTotalTasks increments the live total_tasks counter as the task source
// enumerates tiles.
func (l *Ledger) AddTotalTasks(n int64) {
	atomic.AddInt64(&l.totalTasks, n)
}

// AddBytes increments total_bytes on a successful fetch.
func (l *Ledger) AddBytes(n int64) {
	atomic.AddInt64(&l.totalBytes, n)
}

// Stats is a point-in-time snapshot of ledger counters.
type Stats struct {
	Downloaded int64
	Failed     int64
	Skipped    int64
	TotalTasks int64
	TotalBytes int64
}

// Snapshot returns a consistent read of all counters.
func (l *Ledger) Snapshot() Stats {
	return Stats{
		Downloaded: atomic.LoadInt64(&l.downloaded),
		Failed:     atomic.LoadInt64(&l.failed),
		Skipped:    atomic.LoadInt64(&l.skipped),
		TotalTasks: atomic.LoadInt64(&l.totalTasks),
		TotalBytes: atomic.LoadInt64(&l.totalBytes),
	}
}

// LoadForRange loads, in paged batches, the set of completed tile keys
// whose z lies in [zMin, zMax], populating and returning the in-memory set.
// Used at startup so a job targeting a narrow zoom range doesn't pay to
// load ledger rows from a wider prior job.
func (l *Ledger) LoadForRange(zMin, zMax uint32) (map[tilemath.Tile]Status, error) {
	result := make(map[tilemath.Tile]Status)

	offset := 0
	for {
		rows, err := l.db.Query(
			"SELECT x, y, z, status FROM tiles WHERE z >= ? AND z <= ? ORDER BY z, x, y LIMIT ? OFFSET ?",
			zMin, zMax, pageSize, offset,
		)
		if err != nil {
			return nil, err
		}

		n := 0
		func() {
			defer rows.Close()
			for rows.Next() {
				var x, y, z uint32
				var status string
				if err := rows.Scan(&x, &y, &z, &status); err != nil {
					l.log.Error().Err(err).Msg("ledger: scan row during LoadForRange")
					continue
				}
				t := tilemath.Tile{X: x, Y: y, Z: z}
				result[t] = Status(status)
				n++
			}
		}()

		if n == 0 {
			break
		}
		offset += n
		if n < pageSize {
			break
		}
	}

	l.mu.Lock()
	for t := range result {
		if len(l.memSet) >= MaxInMemoryEntries {
			l.memSetFrozen = true
			break
		}
		l.memSet[keyOf(t)] = struct{}{}
	}
	l.mu.Unlock()

	return result, nil
}

// Close flushes outstanding writes and closes the underlying database
// handle.
func (l *Ledger) Close() error {
	if err := l.Flush(); err != nil {
		l.log.Error().Err(err).Msg("ledger: flush on close failed")
	}
	return l.db.Close()
}

// legacyJSON mirrors the JSON progress-ledger format emitted by older
// harvester versions, which this module must remain able to read for
// migration (spec.md §6).
type legacyJSON struct {
	ProcessedTiles [][3]int `json:"processed_tiles"`
	DownloadedCount int64   `json:"downloaded_count"`
	FailedCount     int64   `json:"failed_count"`
	SkippedCount    int64   `json:"skipped_count"`
	TotalTasks      int64   `json:"total_tasks"`
	TotalBytes      int64   `json:"total_bytes"`
	Timestamp       int64   `json:"timestamp"`
	SaveFormat      string  `json:"save_format"`
	Scheme          string  `json:"scheme"`
}

// LoadLegacyJSON reads the legacy `<provider>_progress.json` format and
// migrates its processed_tiles into this ledger. Tiles are recorded as
// StatusSuccess, matching the legacy format's only recorded outcome, so the
// downloaded counter grows by one per newly marked tile; the file's own
// count, total and timestamp fields are not read into the ledger.
func (l *Ledger) LoadLegacyJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var legacy legacyJSON
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("%w: parse legacy ledger: %v", harvesterrors.ErrLedgerCorrupt, err)
	}

	for _, xyz := range legacy.ProcessedTiles {
		t := tilemath.Tile{X: uint32(xyz[0]), Y: uint32(xyz[1]), Z: uint32(xyz[2])}
		if err := l.Mark(t, StatusSuccess); err != nil {
			return err
		}
	}

	return l.Flush()
}
