package workerpool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/reporter"
	"github.com/tilezen/tileharvester/internal/sink"
	"github.com/tilezen/tileharvester/internal/tasksource"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.db")
	l, err := ledger.Open(path, zerolog.Nop(), "disk", "xyz")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSizing(t *testing.T) {
	require.Equal(t, 1, Sizing(0))
	require.Equal(t, 1, Sizing(-5))
	require.LessOrEqual(t, Sizing(1000), 64)
}

// TestCompletenessOnCleanRun: a mocked provider returning 200 for every URL
// yields downloaded == total and every tile present in the sink (spec §8.6).
func TestCompletenessOnCleanRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-tile-bytes"))
	}))
	defer srv.Close()

	p := provider.NewCustom("test", srv.URL+"/{z}/{x}/{y}.png", nil, 0, 20, false, "")
	l := newTestLedger(t)
	root := t.TempDir()
	fsSink, err := sink.NewFSSink(root, p, zerolog.Nop())
	require.NoError(t, err)

	flags := &tasksource.Flags{}
	rep := reporter.New(nil, zerolog.Nop())

	pool := New(srv.Client(), p, fsSink, l, rep, flags, zerolog.Nop())

	tasks := make(chan tilemath.Tile, 100)
	z := uint32(3)
	n := uint32(1) << z
	total := 0
	for x := uint32(0); x < n; x++ {
		for y := uint32(0); y < n; y++ {
			tasks <- tilemath.Tile{X: x, Y: y, Z: z}
			total++
		}
	}
	close(tasks)

	pool.Start(context.Background(), 4, tasks)
	pool.Wait()
	require.NoError(t, l.Flush())

	stats := l.Snapshot()
	require.EqualValues(t, total, stats.Downloaded)

	for x := uint32(0); x < n; x++ {
		for y := uint32(0); y < n; y++ {
			require.True(t, fsSink.Exists(tilemath.Tile{X: x, Y: y, Z: z}))
		}
	}
}

// TestPermanentErrorNoRetry: spec §8 S5 — a mock returning 404 for all URLs
// yields downloaded=0, failed=total, and exactly one GET per tile.
func TestPermanentErrorNoRetry(t *testing.T) {
	var requestCount int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requestCount, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := provider.NewCustom("test", srv.URL+"/{z}/{x}/{y}.png", nil, 0, 20, false, "")
	l := newTestLedger(t)
	root := t.TempDir()
	fsSink, err := sink.NewFSSink(root, p, zerolog.Nop())
	require.NoError(t, err)

	flags := &tasksource.Flags{}
	rep := reporter.New(nil, zerolog.Nop())

	pool := New(srv.Client(), p, fsSink, l, rep, flags, zerolog.Nop())

	tasks := make(chan tilemath.Tile, 100)
	total := 10
	for i := 0; i < total; i++ {
		tasks <- tilemath.Tile{X: uint32(i), Y: 0, Z: 5}
	}
	close(tasks)

	pool.Start(context.Background(), 4, tasks)
	pool.Wait()
	require.NoError(t, l.Flush())

	stats := l.Snapshot()
	require.EqualValues(t, 0, stats.Downloaded)
	require.EqualValues(t, total, stats.Failed)
	require.EqualValues(t, total, atomic.LoadInt64(&requestCount))
}

func TestZoomOutOfRangeIsSkipped(t *testing.T) {
	p := provider.NewCustom("test", "http://example.invalid/{z}/{x}/{y}.png", nil, 5, 10, false, "")
	l := newTestLedger(t)
	root := t.TempDir()
	fsSink, err := sink.NewFSSink(root, p, zerolog.Nop())
	require.NoError(t, err)

	flags := &tasksource.Flags{}
	rep := reporter.New(nil, zerolog.Nop())

	pool := New(&http.Client{Timeout: time.Second}, p, fsSink, l, rep, flags, zerolog.Nop())

	tasks := make(chan tilemath.Tile, 1)
	tasks <- tilemath.Tile{X: 0, Y: 0, Z: 2}
	close(tasks)

	pool.Start(context.Background(), 1, tasks)
	pool.Wait()
	require.NoError(t, l.Flush())

	stats := l.Snapshot()
	require.EqualValues(t, 1, stats.Skipped)
}
