// MBTiles sink, grounded directly on the teacher's
// tilepack/mbtiles_outputter.go: batched transactions, a mutex-serialized
// *sql.DB, and TMS row storage regardless of the run's logical scheme.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/harvesterrors"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

// DefaultBatchSize is the transaction commit threshold recommended by the
// spec (T=1000 puts per commit).
const DefaultBatchSize = 1000

const (
	lockRetryAttempts = 5
	lockRetryBase     = 1 * time.Second
)

// Metadata seeds the MBTiles metadata table.
type Metadata struct {
	Name        string
	Type        string
	Version     string
	Description string
	Format      string
	Scheme      string // "xyz" or "tms" — informational only; storage is always TMS
}

// MBTilesSink persists tiles into a single MBTiles SQLite file. tile_row is
// always stored in TMS orientation; Scheme is metadata only, used by
// downstream readers to decide whether to flip on read.
type MBTilesSink struct {
	db        *sql.DB
	log       zerolog.Logger
	batchSize int

	mu         sync.Mutex
	tx         *sql.Tx
	batchCount int
}

// NewMBTilesSink opens (or creates) the MBTiles file at dsn with WAL
// journaling, synchronous=NORMAL, and a 30s busy timeout, creates the
// schema if absent, and seeds the metadata table.
func NewMBTilesSink(dsn string, meta Metadata, batchSize int, log zerolog.Logger) (*MBTilesSink, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	db, err := openWithLockRetry(dsn, log)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &MBTilesSink{db: db, log: log, batchSize: batchSize}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create mbtiles schema: %v", harvesterrors.ErrFatal, err)
	}
	if err := s.seedMetadata(meta); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: seed mbtiles metadata: %v", harvesterrors.ErrFatal, err)
	}

	return s, nil
}

func openWithLockRetry(dsn string, log zerolog.Logger) (*sql.DB, error) {
	dsnWithOpts := dsn + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000"

	var lastErr error
	sleep := lockRetryBase
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		db, err := sql.Open("sqlite3", dsnWithOpts)
		if err == nil {
			if pingErr := db.Ping(); pingErr == nil {
				return db, nil
			} else {
				lastErr = pingErr
				db.Close()
			}
		} else {
			lastErr = err
		}

		log.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("sleep", sleep).
			Msg("mbtiles sink: database locked, retrying")
		time.Sleep(sleep)
		sleep *= 2
	}

	return nil, fmt.Errorf("%w: %v", harvesterrors.ErrSinkLocked, lastErr)
}

func (s *MBTilesSink) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		);
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT PRIMARY KEY,
			value TEXT
		);
	`)
	return err
}

func (s *MBTilesSink) seedMetadata(meta Metadata) error {
	rows := map[string]string{
		"name":        meta.Name,
		"type":        meta.Type,
		"version":     meta.Version,
		"description": meta.Description,
		"format":      meta.Format,
		"scheme":      meta.Scheme,
	}
	for name, value := range rows {
		if value == "" {
			continue
		}
		if _, err := s.db.Exec("INSERT OR IGNORE INTO metadata (name, value) VALUES (?, ?)", name, value); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts-or-replaces the tile, converting y to TMS storage orientation
// (row = 2^z - 1 - y) regardless of the run's logical scheme. Commits are
// batched: every batchSize puts, the transaction commits and restarts.
func (s *MBTilesSink) Put(_ context.Context, t tilemath.Tile, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTxLocked(); err != nil {
		return err
	}

	row := tilemath.FlipY(t.Y, t.Z)

	_, err := s.tx.Exec(
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		t.Z, t.X, row, data,
	)
	if err != nil {
		return err
	}

	s.batchCount++
	if s.batchCount >= s.batchSize {
		return s.commitLocked()
	}
	return nil
}

func (s *MBTilesSink) ensureTxLocked() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

func (s *MBTilesSink) commitLocked() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	s.batchCount = 0
	return err
}

// Finalize performs a last commit and closes the connection.
func (s *MBTilesSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commitLocked(); err != nil {
		s.log.Error().Err(err).Msg("mbtiles sink: final commit failed")
		return err
	}
	return s.db.Close()
}

// Cancel commits whatever batch is outstanding (tolerant of partial state)
// and closes the connection, leaving a valid, reopenable MBTiles file.
func (s *MBTilesSink) Cancel() error {
	return s.Finalize()
}
