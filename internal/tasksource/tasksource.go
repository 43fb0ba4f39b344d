// Package tasksource streams (x, y, z) tile coordinates from a bbox x
// zoom-range into a bounded channel, pre-filtering against the progress
// ledger and yielding periodically so the worker pool stays responsive to
// pause/cancel.
package tasksource

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

// defaultSubBatch is the default yield interval (tiles enumerated between
// cooperative pauses). Reduced automatically when a single zoom's tile
// count is large.
const defaultSubBatch = 10_000

// largeZoomThreshold is the tile-count boundary above which the sub-batch
// size is reduced to keep pause/cancel latency low.
const largeZoomThreshold = 1_000_000

// reducedSubBatch is the sub-batch size used above largeZoomThreshold.
const reducedSubBatch = 1_000

// BBox is a WGS-84 bounding box.
type BBox struct {
	West, South, East, North float64
}

// Flags are the shared pause/stop signals the controller toggles and the
// task source and worker pool observe between sub-batches, on every
// enqueue, and at every suspension point. It also owns the wake channel
// used to unpark goroutines blocked in Park: unlike the flags themselves,
// the channel must be replaced on every Resume (a closed channel can only
// ever wake parked readers once), so callers always fetch the current one
// through Park/Wake rather than caching it.
type Flags struct {
	Paused  int32 // atomic bool
	Stopped int32 // atomic bool

	mu   sync.Mutex
	wake chan struct{}
}

func (f *Flags) isPaused() bool  { return atomic.LoadInt32(&f.Paused) != 0 }
func (f *Flags) isStopped() bool { return atomic.LoadInt32(&f.Stopped) != 0 }

func (f *Flags) currentWake() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wake == nil {
		f.wake = make(chan struct{})
	}
	return f.wake
}

// Park blocks the caller until the pause flag clears or the stop flag is
// set, re-checking both after each wake.
func (f *Flags) Park() {
	for f.isPaused() && !f.isStopped() {
		<-f.currentWake()
	}
}

// Wake unblocks every goroutine currently parked in Park by closing the
// current wake channel and installing a fresh one for the next pause
// cycle.
func (f *Flags) Wake() {
	f.mu.Lock()
	old := f.wake
	f.wake = make(chan struct{})
	f.mu.Unlock()
	if old != nil {
		close(old)
	}
}

// Source streams tiles from a bbox x zoom-range into a bounded channel.
type Source struct {
	out   chan<- tilemath.Tile
	ldg   *ledger.Ledger
	flags *Flags
	log   zerolog.Logger
	tms   bool
}

// New builds a Source writing into out.
func New(out chan<- tilemath.Tile, ldg *ledger.Ledger, flags *Flags, tms bool, log zerolog.Logger) *Source {
	return &Source{out: out, ldg: ldg, flags: flags, tms: tms, log: log}
}

// Run enumerates bbox across [zMin, zMax] and feeds the output channel. It
// blocks until enumeration completes or the stop flag is set. It returns
// the number of tiles skipped because they were already present in the
// ledger.
func (s *Source) Run(bbox BBox, zMin, zMax uint32) (skipped int64, err error) {
	completed, err := s.ldg.LoadForRange(zMin, zMax)
	if err != nil {
		return 0, err
	}

	for z := zMin; z <= zMax; z++ {
		if s.flags.isStopped() {
			return skipped, nil
		}

		cursor := tilemath.TilesInBBox(bbox.West, bbox.South, bbox.East, bbox.North, z, s.tms)
		count := cursor.Count()
		subBatch := uint64(defaultSubBatch)
		if count > largeZoomThreshold {
			subBatch = reducedSubBatch
		}

		sinceYield := uint64(0)
		for {
			tile, ok := cursor.Next()
			if !ok {
				break
			}

			if s.flags.isStopped() {
				return skipped, nil
			}

			s.ldg.AddTotalTasks(1)

			if _, already := completed[tile]; already {
				skipped++
				sinceYield++
				if sinceYield >= subBatch {
					s.cooperativeYield()
					sinceYield = 0
				}
				continue
			}

			s.flags.Park()
			if s.flags.isStopped() {
				return skipped, nil
			}

			s.out <- tile

			sinceYield++
			if sinceYield >= subBatch {
				s.cooperativeYield()
				sinceYield = 0
			}
		}
	}

	return skipped, nil
}

// cooperativeYield gives the worker pool a chance to drain the channel and
// the operator a chance to pause/cancel responsively, and re-checks pause.
func (s *Source) cooperativeYield() {
	runtime.Gosched()
	s.flags.Park()
}
