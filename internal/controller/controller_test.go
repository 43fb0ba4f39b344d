package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/reporter"
	"github.com/tilezen/tileharvester/internal/sink"
	"github.com/tilezen/tileharvester/internal/tasksource"
)

func newTestController(t *testing.T, srvURL string, cb reporter.Callback) *Controller {
	t.Helper()

	p := provider.NewCustom("test", srvURL+"/{z}/{x}/{y}.png", nil, 0, 10, false, "")

	dbPath := filepath.Join(t.TempDir(), "progress.db")
	l, err := ledger.Open(dbPath, zerolog.Nop(), "disk", "xyz")
	require.NoError(t, err)

	root := t.TempDir()
	fsSink, err := sink.NewFSSink(root, p, zerolog.Nop())
	require.NoError(t, err)

	c, err := New(Params{
		Provider:    p,
		Sink:        fsSink,
		Ledger:      l,
		Workers:     2,
		ReportEvery: cb,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

// TestCompleteRunReachesCompletedState exercises the happy path: enqueue,
// start, wait for the pool to drain, and observe a Completed final
// snapshot (spec §4.G's state machine terminal case).
func TestCompleteRunReachesCompletedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var lastSnap reporter.Snapshot
	c := newTestController(t, srv.URL, func(snap reporter.Snapshot) {
		mu.Lock()
		lastSnap = snap
		mu.Unlock()
	})

	bbox := tasksource.BBox{West: -10, South: -10, East: 10, North: 10}
	c.EnqueueBBox(bbox, 2, 2)
	c.Start(context.Background())

	require.Eventually(t, func() bool {
		return c.StateNow() == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	stats := c.Statistics()
	require.Equal(t, stats.Downloaded, stats.Total)
	require.Zero(t, stats.Remaining)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, lastSnap.Completed)
}

// TestPauseResumeCycle verifies Pause moves to Paused and flushes, and
// Resume wakes the pool to finish the run (spec §4.G items 4-5).
func TestPauseResumeCycle(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, nil)

	bbox := tasksource.BBox{West: -1, South: -1, East: 1, North: 1}
	c.EnqueueBBox(bbox, 1, 1)
	c.Start(context.Background())

	require.Eventually(t, func() bool {
		return c.StateNow() == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Pause())
	require.Equal(t, StatePaused, c.StateNow())

	require.NoError(t, c.Resume())
	require.Equal(t, StateRunning, c.StateNow())

	close(release)

	require.Eventually(t, func() bool {
		return c.StateNow() == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// TestCancelDrainsAndFinalizes verifies Cancel moves to the terminal
// Cancelled state and returns promptly even with tiles still in flight.
func TestCancelDrainsAndFinalizes(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()

	c := newTestController(t, srv.URL, nil)

	bbox := tasksource.BBox{West: -5, South: -5, East: 5, North: 5}
	c.EnqueueBBox(bbox, 3, 3)
	c.Start(context.Background())

	require.Eventually(t, func() bool {
		return c.StateNow() == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel())
	require.Equal(t, StateCancelled, c.StateNow())
	close(block)
}
