package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/harvesterrors"
	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

// FSSink writes tiles to a directory tree at root/[provider]/z/x/y.ext, as
// resolved by the Provider's PathFor. Write-then-rename is not used: an
// incomplete file is tolerable because the ledger guards against
// double-counting and a partial file is overwritten on re-fetch.
type FSSink struct {
	root     string
	provider provider.Provider
	log      zerolog.Logger

	mu       sync.Mutex
	knownDirs map[string]struct{}
}

// NewFSSink constructs a filesystem sink rooted at root, using p to resolve
// each tile's relative path.
func NewFSSink(root string, p provider.Provider, log zerolog.Logger) (*FSSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output root: %v", harvesterrors.ErrFatal, err)
	}
	return &FSSink{
		root:      root,
		provider:  p,
		log:       log,
		knownDirs: make(map[string]struct{}),
	}, nil
}

// Exists reports whether the destination file for t is already present, so
// the worker pool can short-circuit and mark the tile skipped instead of
// refetching.
func (s *FSSink) Exists(t tilemath.Tile) bool {
	path := s.provider.PathFor(t, s.root)
	_, err := os.Stat(path)
	return err == nil
}

func (s *FSSink) ensureDir(dir string) error {
	s.mu.Lock()
	_, known := s.knownDirs[dir]
	s.mu.Unlock()
	if known {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	s.mu.Lock()
	s.knownDirs[dir] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Put writes data to the tile's resolved path, creating parent directories
// as needed.
func (s *FSSink) Put(_ context.Context, t tilemath.Tile, data []byte) error {
	path := s.provider.PathFor(t, s.root)
	if err := s.ensureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: %v", harvesterrors.ErrLocalIO, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", harvesterrors.ErrLocalIO, err)
	}
	return nil
}

// Finalize is a no-op for the filesystem sink beyond logging; there is no
// pending transaction to commit.
func (s *FSSink) Finalize() error {
	s.log.Debug().Str("root", s.root).Msg("fs sink finalized")
	return nil
}

// Cancel is identical to Finalize for the filesystem sink: partial files
// are left in place, guarded by the ledger.
func (s *FSSink) Cancel() error {
	return s.Finalize()
}
