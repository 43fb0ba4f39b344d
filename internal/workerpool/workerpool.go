// Package workerpool implements the bounded concurrent tile-fetching
// worker pool: retry with jittered exponential backoff, cooperative
// pause/resume/cancel, and per-fetch byte counts (no per-fetch timing is
// recorded).
package workerpool

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/harvesterrors"
	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/reporter"
	"github.com/tilezen/tileharvester/internal/sink"
	"github.com/tilezen/tileharvester/internal/tasksource"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

const (
	// DefaultRetries is the per-tile HTTP retry budget (R in the spec).
	DefaultRetries = 3

	// chunkSize is the read granularity used to stream response bodies so
	// pause/stop can be observed mid-download.
	chunkSize = 8 * 1024

	// maxBackoff caps the jittered exponential backoff between retries.
	maxBackoff = 5 * time.Second

	baseBackoff = 500 * time.Millisecond

	// channelPullTimeout bounds how long a worker blocks on an empty task
	// channel before re-checking stop/pause.
	channelPullTimeout = 200 * time.Millisecond

	userAgent = "tileharvester/1.0"
)

// errPausedMidDownload is a sentinel distinguishing an abort caused by a
// pause signal observed between body chunks from an ordinary transient
// fetch error: the caller re-enqueues the tile rather than retrying and
// eventually marking it failed.
var errPausedMidDownload = fmt.Errorf("worker: paused mid-download")

// Sizing computes the worker count: min(requested, 4*NumCPU, 64), floored
// at 1.
func Sizing(requested int) int {
	max := 4 * runtime.NumCPU()
	if max > 64 {
		max = 64
	}
	n := requested
	if n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewHTTPClient builds the reusable, keep-alive HTTP client workers share.
// Matches the spec's connection-pool sizing (up to 500 idle conns, 500 per
// host) and the teacher's cmd/build/main.go transport configuration.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        500,
		MaxIdleConnsPerHost: 500,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}
}

// Pool owns W concurrent fetchers.
type Pool struct {
	client   *http.Client
	provider provider.Provider
	sink     sink.Sink
	ledger   *ledger.Ledger
	reporter *reporter.Reporter
	log      zerolog.Logger

	flags *tasksource.Flags

	retries int

	downloaded int64
	failed     int64
	skipped    int64

	wg sync.WaitGroup
}

// New builds a worker pool. flags is shared with the controller and task
// source so pause/cancel signals propagate uniformly.
func New(
	client *http.Client,
	p provider.Provider,
	s sink.Sink,
	ldg *ledger.Ledger,
	rep *reporter.Reporter,
	flags *tasksource.Flags,
	log zerolog.Logger,
) *Pool {
	return &Pool{
		client:   client,
		provider: p,
		sink:     s,
		ledger:   ldg,
		reporter: rep,
		flags:    flags,
		retries:  DefaultRetries,
		log:      log,
	}
}

// Start launches n workers consuming from (and, on mid-flight pause,
// re-enqueueing into) tasks, and returns immediately.
func (p *Pool) Start(ctx context.Context, n int, tasks chan tilemath.Tile) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i, tasks)
	}
}

// Wait blocks until all workers have exited (the task channel was closed
// and drained, or the stop flag was observed).
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) isStopped() bool { return atomic.LoadInt32(&p.flags.Stopped) != 0 }
func (p *Pool) isPaused() bool  { return atomic.LoadInt32(&p.flags.Paused) != 0 }

func (p *Pool) parkWhilePaused() {
	p.flags.Park()
}

func (p *Pool) workerLoop(ctx context.Context, id int, tasks chan tilemath.Tile) {
	defer p.wg.Done()
	completions := 0

	for {
		if p.isStopped() {
			return
		}

		if p.isPaused() {
			p.parkWhilePaused()
			if p.isStopped() {
				return
			}
		}

		tile, ok, closed := p.pullWithTimeout(tasks)
		if closed {
			return
		}
		if !ok {
			if p.isStopped() {
				return
			}
			continue
		}

		// Re-check pause: if we were paused mid-flight between the pull and
		// here, put the task back and park rather than fetch it now.
		if p.isPaused() {
			p.requeue(tasks, tile)
			p.parkWhilePaused()
			continue
		}

		if requeue := p.processTile(ctx, tile); requeue {
			p.requeue(tasks, tile)
			p.parkWhilePaused()
			continue
		}

		completions++
		if completions%ledger.FlushInterval == 0 {
			if err := p.ledger.Flush(); err != nil {
				p.log.Error().Err(err).Msg("worker: periodic ledger flush failed")
			}
		}

		p.emitSnapshot(false)
	}
}

// pullWithTimeout waits up to channelPullTimeout for a task. It returns
// (tile, true, false) for a task, (zero, false, false) on timeout, and
// (zero, false, true) once tasks is closed and drained.
func (p *Pool) pullWithTimeout(tasks chan tilemath.Tile) (tilemath.Tile, bool, bool) {
	timer := time.NewTimer(channelPullTimeout)
	defer timer.Stop()
	select {
	case tile, ok := <-tasks:
		if !ok {
			return tilemath.Tile{}, false, true
		}
		return tile, true, false
	case <-timer.C:
		return tilemath.Tile{}, false, false
	}
}

// requeue puts a mid-flight task back onto the channel. Re-enqueueing
// during pause-rollback must not double-count statistics; since the tile
// was never marked in the ledger, this is safe (resolves spec Open
// Question #3). A cancelled run closes tasks from the producer side while
// a worker may still be mid-requeue; trySend recovers from the resulting
// send-on-closed-channel panic since the tile is being dropped in favor of
// shutting down anyway.
func (p *Pool) requeue(tasks chan tilemath.Tile, tile tilemath.Tile) {
	if p.trySend(tasks, tile) {
		return
	}
	p.log.Warn().Stringer("tile", tile).Msg("worker: requeue channel full, retrying inline after pause")
	p.parkWhilePaused()
	p.trySend(tasks, tile)
}

func (p *Pool) trySend(tasks chan tilemath.Tile, tile tilemath.Tile) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case tasks <- tile:
		return true
	default:
		return false
	}
}

// processTile fetches and persists a single tile. It returns true if the
// tile should be re-enqueued rather than counted, which happens only when
// a pause signal aborted an in-flight download.
func (p *Pool) processTile(ctx context.Context, tile tilemath.Tile) bool {
	log := p.log.With().Uint32("x", tile.X).Uint32("y", tile.Y).Uint32("z", tile.Z).Logger()

	if tile.Z < p.provider.MinZoom() || tile.Z > p.provider.MaxZoom() {
		p.markSkipped(tile, log)
		return false
	}

	if existsChecker, ok := p.sink.(interface{ Exists(tilemath.Tile) bool }); ok {
		if existsChecker.Exists(tile) {
			p.markSkipped(tile, log)
			return false
		}
	}

	data, err := p.fetchWithRetry(ctx, tile, log)
	if err != nil {
		if err == errPausedMidDownload {
			log.Debug().Msg("worker: download aborted by pause, re-enqueueing")
			return true
		}
		log.Warn().Err(err).Msg("worker: fetch failed after retries")
		if markErr := p.ledger.Mark(tile, ledger.StatusFailed); markErr != nil {
			log.Error().Err(markErr).Msg("worker: failed to mark tile failed")
		}
		atomic.AddInt64(&p.failed, 1)
		return false
	}

	if err := p.sink.Put(ctx, tile, data); err != nil {
		log.Error().Err(err).Msg("worker: sink put failed")
		if markErr := p.ledger.Mark(tile, ledger.StatusFailed); markErr != nil {
			log.Error().Err(markErr).Msg("worker: failed to mark tile failed")
		}
		atomic.AddInt64(&p.failed, 1)
		return false
	}

	p.ledger.AddBytes(int64(len(data)))
	if err := p.ledger.Mark(tile, ledger.StatusSuccess); err != nil {
		log.Error().Err(err).Msg("worker: failed to mark tile success")
	}
	atomic.AddInt64(&p.downloaded, 1)
	return false
}

func (p *Pool) markSkipped(tile tilemath.Tile, log zerolog.Logger) {
	if err := p.ledger.Mark(tile, ledger.StatusSkipped); err != nil {
		log.Error().Err(err).Msg("worker: failed to mark tile skipped")
	}
	atomic.AddInt64(&p.skipped, 1)
}

// fetchWithRetry attempts up to p.retries GETs, with jittered exponential
// backoff between attempts, honoring stop/pause during the backoff sleep
// and between body chunk reads.
func (p *Pool) fetchWithRetry(ctx context.Context, tile tilemath.Tile, log zerolog.Logger) ([]byte, error) {
	url := p.provider.URLFor(tile)

	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		if p.isStopped() {
			return nil, fmt.Errorf("%w: stopped mid-retry", harvesterrors.ErrTransientFetch)
		}

		data, permanent, err := p.fetchOnce(ctx, url, log)
		if err == nil {
			return data, nil
		}

		if err == errPausedMidDownload {
			return nil, err
		}

		lastErr = err
		if permanent {
			return nil, err
		}

		sleep := jitteredBackoff(attempt)
		log.Debug().Int("attempt", attempt+1).Dur("sleep", sleep).Err(err).Msg("worker: retrying after backoff")
		if !p.sleepInterruptible(sleep) {
			return nil, fmt.Errorf("%w: stopped during backoff", harvesterrors.ErrTransientFetch)
		}
	}

	return nil, fmt.Errorf("%w: exhausted %d attempts: %v", harvesterrors.ErrTransientFetch, p.retries, lastErr)
}

func jitteredBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(2, float64(attempt)) * (0.5 + 0.5*rand.Float64())
	d := time.Duration(backoff)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleepInterruptible sleeps for d, checking stop/pause every 100ms and
// parking while the pause flag is set. Returns false if the stop flag was
// observed before the sleep elapsed.
func (p *Pool) sleepInterruptible(d time.Duration) bool {
	const slice = 100 * time.Millisecond
	elapsed := time.Duration(0)
	for elapsed < d {
		if p.isPaused() {
			p.parkWhilePaused()
		}
		if p.isStopped() {
			return false
		}
		step := slice
		if remaining := d - elapsed; remaining < step {
			step = remaining
		}
		time.Sleep(step)
		elapsed += step
	}
	return true
}

// fetchOnce performs a single GET, returning (data, permanentFailure, err).
// permanentFailure is true for 403/404 and for a request that cannot be
// built; an unexpected content type is retryable, matching the original
// downloader's retry-loop `continue`.
func (p *Pool) fetchOnce(ctx context.Context, url string, log zerolog.Logger) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, true, fmt.Errorf("%w: build request: %v", harvesterrors.ErrPermanentFetch, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", harvesterrors.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return nil, true, fmt.Errorf("%w: status %d", harvesterrors.ErrPermanentFetch, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: status %d", harvesterrors.ErrTransientFetch, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isImageContentType(contentType) {
		return nil, false, fmt.Errorf("%w: unexpected content-type %q", harvesterrors.ErrTransientFetch, contentType)
	}

	data, err := p.readBodyInChunks(resp.Body)
	if err == errPausedMidDownload {
		return nil, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", harvesterrors.ErrTransientFetch, err)
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", harvesterrors.ErrTransientFetch)
	}

	return data, false, nil
}

func isImageContentType(ct string) bool {
	if ct == "" {
		// Some tile servers omit Content-Type; tolerate it rather than
		// reject tiles outright.
		return true
	}
	mediaType := strings.SplitN(ct, ";", 2)[0]
	mediaType = strings.TrimSpace(mediaType)
	return strings.HasPrefix(mediaType, "image/")
}

// readBodyInChunks streams the response body in chunkSize pieces, checking
// stop/pause between chunks so a mid-download pause can abort and let the
// caller re-enqueue the task.
func (p *Pool) readBodyInChunks(body io.Reader) ([]byte, error) {
	buf := make([]byte, 0, chunkSize)
	chunk := make([]byte, chunkSize)

	for {
		if p.isStopped() {
			return nil, fmt.Errorf("stopped mid-download")
		}
		if p.isPaused() {
			return nil, errPausedMidDownload
		}

		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Stats is a snapshot of this pool's locally tracked counters. The
// controller's Statistics reads the ledger's counters, not these.
type Stats struct {
	Downloaded int64
	Failed     int64
	Skipped    int64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Downloaded: atomic.LoadInt64(&p.downloaded),
		Failed:     atomic.LoadInt64(&p.failed),
		Skipped:    atomic.LoadInt64(&p.skipped),
	}
}

func (p *Pool) emitSnapshot(completed bool) {
	if p.reporter == nil {
		return
	}
	ledgerStats := p.ledger.Snapshot()
	snap := reporter.Snapshot{
		Downloaded: ledgerStats.Downloaded,
		Failed:     ledgerStats.Failed,
		Skipped:    ledgerStats.Skipped,
		Total:      ledgerStats.TotalTasks,
		TotalBytes: ledgerStats.TotalBytes,
	}
	if completed {
		p.reporter.ReportFinal(snap)
	} else {
		p.reporter.Report(snap)
	}
}
