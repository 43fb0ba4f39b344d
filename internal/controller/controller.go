// Package controller owns a run's lifecycle: it wires the task source,
// worker pool, ledger, sink, and reporter together, and exposes the
// pause/resume/cancel/statistics surface that any front-end (CLI or HTTP)
// drives.
package controller

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/harvesterrors"
	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/reporter"
	"github.com/tilezen/tileharvester/internal/sink"
	"github.com/tilezen/tileharvester/internal/tasksource"
	"github.com/tilezen/tileharvester/internal/tilemath"
	"github.com/tilezen/tileharvester/internal/workerpool"
)

// State is the run's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateEnumerating
	StateRunning
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its lowercase name rather than its
// underlying int, so the serve subcommand's /download-status and
// /progress JSON bodies are self-describing.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// taskChannelSize bounds the producer/consumer queue between the task
// source and the worker pool.
const taskChannelSize = 10_000

// Params configures a Controller. Worker count is clamped by
// workerpool.Sizing.
type Params struct {
	Provider    provider.Provider
	Sink        sink.Sink
	Ledger      *ledger.Ledger
	Workers     int
	TMS         bool
	ReportEvery reporter.Callback
	Log         zerolog.Logger
}

// Controller owns one run's lifecycle. It is not reusable across runs: a
// finished Controller (Completed, Cancelled, Failed) must be discarded.
type Controller struct {
	runID string

	provider provider.Provider
	sink     sink.Sink
	ledger   *ledger.Ledger
	reporter *reporter.Reporter
	log      zerolog.Logger

	workers int
	tms     bool
	flags   *tasksource.Flags

	pool   *workerpool.Pool
	source *tasksource.Source

	tasks chan tilemath.Tile

	mu    sync.Mutex
	state State

	stopSignals chan os.Signal
	cancelFunc  context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Controller, opening no resources beyond what the caller
// already opened (Ledger and Sink are supplied, already open, so a failure
// to construct them is the caller's to handle as Failed before a Controller
// even exists). Registers an OS-signal trap for SIGINT/SIGTERM whose
// handler calls Cancel (flushing the ledger and finalizing the sink); the
// trap does not exit the process.
func New(p Params) (*Controller, error) {
	if p.Provider == nil || p.Sink == nil || p.Ledger == nil {
		return nil, fmt.Errorf("%w: controller requires provider, sink, and ledger", harvesterrors.ErrInputValidation)
	}

	runID, err := provider.RandomRunID()
	if err != nil {
		runID = uuid.NewString()
	}

	workers := workerpool.Sizing(p.Workers)

	flags := &tasksource.Flags{}

	rep := reporter.New(p.ReportEvery, p.Log)

	client := workerpool.NewHTTPClient()

	pool := workerpool.New(client, p.Provider, p.Sink, p.Ledger, rep, flags, p.Log)

	c := &Controller{
		runID:       runID,
		provider:    p.Provider,
		sink:        p.Sink,
		ledger:      p.Ledger,
		reporter:    rep,
		log:         p.Log.With().Str("run_id", runID).Logger(),
		workers:     workers,
		tms:         p.TMS,
		flags:       flags,
		pool:        pool,
		state:       StateIdle,
		stopSignals: make(chan os.Signal, 1),
	}

	signal.Notify(c.stopSignals, syscall.SIGINT, syscall.SIGTERM)
	go c.watchSignals()

	return c, nil
}

func (c *Controller) watchSignals() {
	if _, ok := <-c.stopSignals; !ok {
		return
	}
	c.log.Warn().Msg("controller: received shutdown signal, cancelling run")
	if err := c.Cancel(); err != nil {
		c.log.Error().Err(err).Msg("controller: cancel on signal failed")
	}
}

// RunID returns the random token identifying this run (a UUID if generating
// the token failed), used for log correlation and returned by the serve
// subcommand's /download response.
func (c *Controller) RunID() string {
	return c.runID
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// StateNow returns the current lifecycle state.
func (c *Controller) StateNow() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnqueueBBox launches the task source over its own goroutine, streaming
// tiles into the bounded channel the worker pool consumes from. Moves the
// state to Enumerating, then Running once the pool is started.
func (c *Controller) EnqueueBBox(bbox tasksource.BBox, zMin, zMax uint32) {
	c.setState(StateEnumerating)

	c.tasks = make(chan tilemath.Tile, taskChannelSize)
	c.source = tasksource.New(c.tasks, c.ledger, c.flags, c.tms, c.log)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.tasks)
		skipped, err := c.source.Run(bbox, zMin, zMax)
		if err != nil {
			c.log.Error().Err(err).Msg("controller: task source failed")
			c.setState(StateFailed)
			return
		}
		c.log.Info().Int64("skipped", skipped).Msg("controller: enumeration complete")
	}()
}

// Start launches the worker pool against the channel populated by
// EnqueueBBox and returns immediately; callers observe progress via the
// reporter callback or Statistics.
func (c *Controller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.setState(StateRunning)
	c.pool.Start(runCtx, c.workers, c.tasks)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pool.Wait()
		c.finalizeIfRunning()
	}()
}

func (c *Controller) finalizeIfRunning() {
	c.mu.Lock()
	current := c.state
	c.mu.Unlock()

	if current == StateCancelled {
		return
	}
	if current == StateFailed {
		if err := c.ledger.Flush(); err != nil {
			c.log.Error().Err(err).Msg("controller: ledger flush after failure failed")
		}
		if err := c.sink.Cancel(); err != nil {
			c.log.Error().Err(err).Msg("controller: sink cancel after failure failed")
		}
		signal.Stop(c.stopSignals)
		return
	}

	if err := c.ledger.Flush(); err != nil {
		c.log.Error().Err(err).Msg("controller: final ledger flush failed")
	}
	if err := c.sink.Finalize(); err != nil {
		c.log.Error().Err(err).Msg("controller: sink finalize failed")
	}

	c.setState(StateCompleted)
	c.reporter.ReportFinal(c.snapshot())
	c.reporter.Close()
	signal.Stop(c.stopSignals)
}

// Pause sets the pause flag, waits briefly for workers to observe it, and
// flushes the ledger so a crash while paused loses no progress. A
// mid-flight download aborts and re-enqueues rather than completing.
func (c *Controller) Pause() error {
	if c.StateNow() != StateRunning {
		return fmt.Errorf("%w: pause requires Running state, was %s", harvesterrors.ErrInputValidation, c.StateNow())
	}
	atomic.StoreInt32(&c.flags.Paused, 1)
	time.Sleep(100 * time.Millisecond)
	c.setState(StatePaused)
	return c.ledger.Flush()
}

// Resume clears the pause flag and wakes any parked workers/source.
func (c *Controller) Resume() error {
	if c.StateNow() != StatePaused {
		return fmt.Errorf("%w: resume requires Paused state, was %s", harvesterrors.ErrInputValidation, c.StateNow())
	}
	atomic.StoreInt32(&c.flags.Paused, 0)
	c.setState(StateRunning)
	c.flags.Wake()
	return nil
}

// Cancel sets the stop flag, clears pause so parked workers observe the
// stop, drains the task channel, waits for in-flight workers to abort, and
// flushes/closes the ledger and finalizes the sink. Returns the final
// statistics snapshot via Statistics after it returns.
func (c *Controller) Cancel() error {
	state := c.StateNow()
	if state == StateCompleted || state == StateCancelled || state == StateFailed {
		return nil
	}

	atomic.StoreInt32(&c.flags.Stopped, 1)
	atomic.StoreInt32(&c.flags.Paused, 0)
	c.flags.Wake()
	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	c.setState(StateCancelled)

	// Drain any buffered tasks so producers blocked on a full channel don't
	// hang forever waiting for a reader that will never come.
	if c.tasks != nil {
		go func() {
			for range c.tasks {
			}
		}()
	}

	c.wg.Wait()

	if err := c.ledger.Flush(); err != nil {
		c.log.Error().Err(err).Msg("controller: cancel ledger flush failed")
	}
	if err := c.sink.Cancel(); err != nil {
		c.log.Error().Err(err).Msg("controller: cancel sink finalize failed")
	}
	if err := c.ledger.Close(); err != nil {
		c.log.Error().Err(err).Msg("controller: ledger close failed")
	}

	c.reporter.ReportFinal(c.snapshot())
	c.reporter.Close()
	signal.Stop(c.stopSignals)

	return nil
}

// Statistics is the point-in-time progress snapshot returned by
// Controller.Statistics, mirroring spec §4.G's {downloaded, failed,
// skipped, total, remaining} tuple.
type Statistics struct {
	Downloaded int64
	Failed     int64
	Skipped    int64
	Total      int64
	Remaining  int64
	State      State
}

func (c *Controller) snapshot() reporter.Snapshot {
	st := c.ledger.Snapshot()
	return reporter.Snapshot{
		Downloaded: st.Downloaded,
		Failed:     st.Failed,
		Skipped:    st.Skipped,
		Total:      st.TotalTasks,
		TotalBytes: st.TotalBytes,
	}
}

// Statistics returns {downloaded, failed, skipped, total, remaining}.
func (c *Controller) Statistics() Statistics {
	st := c.ledger.Snapshot()
	remaining := st.TotalTasks - (st.Downloaded + st.Failed + st.Skipped)
	if remaining < 0 {
		remaining = 0
	}
	return Statistics{
		Downloaded: st.Downloaded,
		Failed:     st.Failed,
		Skipped:    st.Skipped,
		Total:      st.TotalTasks,
		Remaining:  remaining,
		State:      c.StateNow(),
	}
}
