// Package reporter fans progress snapshots out to a subscriber callback
// without ever blocking the worker that produced them.
package reporter

import (
	"sync"

	"github.com/rs/zerolog"
)

// Snapshot is a point-in-time progress reading.
type Snapshot struct {
	Downloaded int64
	Failed     int64
	Skipped    int64
	Total      int64
	TotalBytes int64
	Completed  bool
}

// Callback receives progress snapshots. The reporter decouples it from the
// worker pool via a buffered channel drained on its own goroutine, so a
// slow subscriber risks dropped (not delayed) snapshots under sustained
// backpressure.
type Callback func(Snapshot)

// bufferSize bounds the channel between producers and the subscriber drain
// goroutine. Delivery is best-effort: once full, new snapshots are dropped
// in favor of not blocking the caller.
const bufferSize = 64

// Reporter delivers Snapshot values to a registered Callback. Safe for
// concurrent Report calls.
type Reporter struct {
	log      zerolog.Logger
	callback Callback
	ch       chan Snapshot
	wg       sync.WaitGroup

	// deliverMu serializes every call into callback: the drain goroutine
	// (for Report) and ReportFinal's synchronous delivery both call
	// safeDeliver, and callback is not assumed to be safe for concurrent
	// invocation.
	deliverMu sync.Mutex
	finalOnce sync.Once
	// finalSent is set, under deliverMu, once the completed snapshot has
	// been delivered; later deliveries are dropped.
	finalSent bool
}

// New builds a Reporter. If cb is nil, Report and ReportFinal are cheap
// no-ops.
func New(cb Callback, log zerolog.Logger) *Reporter {
	r := &Reporter{
		log:      log,
		callback: cb,
		ch:       make(chan Snapshot, bufferSize),
	}
	if cb != nil {
		r.wg.Add(1)
		go r.drain()
	}
	return r
}

func (r *Reporter) drain() {
	defer r.wg.Done()
	for snap := range r.ch {
		r.safeDeliver(snap)
	}
}

func (r *Reporter) safeDeliver(snap Snapshot) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if r.finalSent {
		return
	}
	if snap.Completed {
		r.finalSent = true
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("reporter: callback panicked")
		}
	}()
	r.callback(snap)
}

// Report delivers a snapshot if a callback is registered and total > 0.
// Delivery is non-blocking: if the buffer is full, the snapshot is dropped
// rather than stalling the caller.
func (r *Reporter) Report(snap Snapshot) {
	if r.callback == nil || snap.Total <= 0 {
		return
	}
	select {
	case r.ch <- snap:
	default:
		r.log.Debug().Msg("reporter: buffer full, dropping snapshot")
	}
}

// ReportFinal delivers a final, completed=true snapshot exactly once, on
// successful completion or cancellation. Unlike Report, it is delivered
// synchronously so the caller can be certain it landed before shutting the
// reporter down. Snapshots still buffered from Report are discarded once it
// has been delivered, so it is always the last one the callback sees.
func (r *Reporter) ReportFinal(snap Snapshot) {
	snap.Completed = true
	r.finalOnce.Do(func() {
		if r.callback == nil {
			return
		}
		r.safeDeliver(snap)
	})
}

// Close stops the drain goroutine once any buffered snapshots are flushed.
func (r *Reporter) Close() {
	close(r.ch)
	r.wg.Wait()
}
