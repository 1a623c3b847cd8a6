// Package scheduler runs every enabled producer on its own fixed-delay loop.
//
// Each producer gets one goroutine and one timer. Runs execute inline in
// that goroutine, so a producer never has two runs in flight, and the timer
// is re-armed with the interval only after a run (including any timeout
// kill, parse and store write) has finished. A loop that replaces a
// cancelled one for the same id waits for it to exit before its first run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/events"
	"github.com/mattjoyce/crossbard/internal/executor"
	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/protocol"
	"github.com/mattjoyce/crossbard/internal/runlog"
	"github.com/mattjoyce/crossbard/internal/store"
)

var (
	// ErrUnknownProducer is returned for ids without an enabled loop.
	ErrUnknownProducer = errors.New("unknown producer")
	// ErrBusy is returned when a refresh is requested while a run is in flight.
	ErrBusy = errors.New("producer is running")
	// ErrNotStarted is returned by Sync before Start.
	ErrNotStarted = errors.New("scheduler not started")
)

const (
	triggerTimer   = "timer"
	triggerRefresh = "refresh"

	defaultHousekeeping = time.Hour
)

// Options tune the scheduler.
type Options struct {
	// FirstRun is config.FirstRunImmediate or config.FirstRunDelayed.
	FirstRun             string
	RunLogRetention      time.Duration
	HousekeepingInterval time.Duration
}

// OptionsFromConfig maps the scheduler and store config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FirstRun:        cfg.Scheduler.FirstRun,
		RunLogRetention: cfg.Store.RunLogRetention,
	}
}

// Scheduler owns one loop per enabled producer.
type Scheduler struct {
	runner Runner
	store  SnapshotStore
	runs   RunRecorder
	events events.Publisher
	opts   Options
	logger *slog.Logger

	syncMu sync.Mutex

	mu        sync.Mutex
	base      context.Context
	stopHouse context.CancelFunc
	known     producer.Set
	loops     map[string]*loop
	retiring  map[string]chan struct{}
	wg        sync.WaitGroup
}

// New creates a scheduler. runs may be nil to skip run history; hub may be
// nil to skip events.
func New(runner Runner, store SnapshotStore, runs RunRecorder, hub events.Publisher, opts Options) *Scheduler {
	if hub == nil {
		hub = events.Discard{}
	}
	if opts.FirstRun == "" {
		opts.FirstRun = config.FirstRunImmediate
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = defaultHousekeeping
	}
	return &Scheduler{
		runner:   runner,
		store:    store,
		runs:     runs,
		events:   hub,
		opts:     opts,
		logger:   log.WithComponent("scheduler"),
		loops:    make(map[string]*loop),
		retiring: make(map[string]chan struct{}),
	}
}

// Start records the daemon context and starts housekeeping. Runs use this
// context, so cancelling it terminates in-flight subprocesses.
func (s *Scheduler) Start(ctx context.Context) {
	hctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.base = ctx
	s.stopHouse = cancel
	s.mu.Unlock()

	s.logger.Info("scheduler started", "first_run", s.opts.FirstRun)
	if s.runs != nil && s.opts.RunLogRetention > 0 {
		s.wg.Add(1)
		go s.housekeeping(hctx)
	}
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, l := range s.loops {
		l.cancel()
		delete(s.loops, id)
	}
	if s.stopHouse != nil {
		s.stopHouse()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Sync reconciles the loops with a discovery result. Added producers get a
// fresh Idle loop, removed ones are cancelled (an in-flight run finishes and
// its result is discarded), changed ones restart with no memory of their
// previous phase, and untouched producers keep running undisturbed.
//
// The store order is written after old loops are cancelled and before new
// ones start, so late writes of removed producers are refused and first
// writes of added ones are accepted.
func (s *Scheduler) Sync(ctx context.Context, set producer.Set) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if s.base == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	delta := producer.Diff(s.known, set)
	s.known = set

	for _, sp := range delta.Removed {
		s.stopLocked(sp.ID)
		s.events.Publish(events.TypeProducerRemoved, map[string]any{"producer": sp.ID})
	}
	for _, sp := range delta.Changed {
		s.stopLocked(sp.ID)
	}
	s.mu.Unlock()

	orderErr := s.store.SetOrder(ctx, set.EnabledIDs())

	s.mu.Lock()
	for _, sp := range delta.Changed {
		if sp.Enabled {
			s.startLocked(sp)
		}
		s.events.Publish(events.TypeProducerChanged, map[string]any{"producer": sp.ID, "enabled": sp.Enabled})
	}
	for _, sp := range delta.Added {
		if sp.Enabled {
			s.startLocked(sp)
		}
		s.events.Publish(events.TypeProducerAdded, map[string]any{"producer": sp.ID, "enabled": sp.Enabled})
	}
	running := len(s.loops)
	s.mu.Unlock()

	if !delta.Empty() {
		s.logger.Info("producers synced",
			"added", len(delta.Added),
			"removed", len(delta.Removed),
			"changed", len(delta.Changed),
			"loops", running,
		)
	}
	if orderErr != nil {
		return fmt.Errorf("update store order: %w", orderErr)
	}
	return nil
}

func (s *Scheduler) startLocked(sp producer.Spec) {
	ctx, cancel := context.WithCancel(s.base)
	delay := sp.Interval
	if s.opts.FirstRun == config.FirstRunImmediate {
		delay = 0
	}
	l := &loop{
		spec:    sp,
		cancel:  cancel,
		refresh: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  log.WithProducer(sp.ID),
		status: Status{
			ProducerID: sp.ID,
			State:      StateIdle,
			Interval:   sp.Interval,
			NextRunAt:  time.Now().Add(delay),
		},
	}
	prev := s.retiring[sp.ID]
	delete(s.retiring, sp.ID)
	s.loops[sp.ID] = l
	s.wg.Add(1)
	go s.runLoop(ctx, l, prev, delay)
}

// stopLocked cancels id's loop. Its done channel is kept until the loop
// exits so a successor can wait for an in-flight run.
func (s *Scheduler) stopLocked(id string) {
	if l, ok := s.loops[id]; ok {
		l.cancel()
		delete(s.loops, id)
		s.retiring[id] = l.done
	}
}

func (s *Scheduler) retire(l *loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retiring[l.spec.ID] == l.done {
		delete(s.retiring, l.spec.ID)
	}
}

// RequestRefresh asks for an out-of-cycle run. The regular phase resets:
// the next timer run is one interval after the ad-hoc run completes.
func (s *Scheduler) RequestRefresh(id string) error {
	s.mu.Lock()
	l, ok := s.loops[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownProducer
	}
	if l.snapshot().State == StateRunning {
		l.logger.Info("refresh dropped, run in flight")
		return ErrBusy
	}
	select {
	case l.refresh <- struct{}{}:
		return nil
	default:
		return ErrBusy
	}
}

// Status returns the runtime state of an enabled producer.
func (s *Scheduler) Status(id string) (Status, bool) {
	s.mu.Lock()
	l, ok := s.loops[id]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return l.snapshot(), true
}

// Statuses returns every loop's state in discovery order.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	ids := s.known.EnabledIDs()
	loops := make([]*loop, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.loops[id]; ok {
			loops = append(loops, l)
		}
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.snapshot())
	}
	return out
}

// runLoop waits for prev, the cancelled loop of the same id if any, before
// anything else. Cancellation does not cut that wait short, so done closes
// only after every earlier loop for the id has exited.
func (s *Scheduler) runLoop(ctx context.Context, l *loop, prev <-chan struct{}, delay time.Duration) {
	defer s.wg.Done()
	defer close(l.done)
	defer s.retire(l)

	if prev != nil {
		<-prev
		if ctx.Err() != nil {
			return
		}
		l.setNext(time.Now().Add(delay))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	l.logger.Debug("loop started", "interval", l.spec.Interval, "first_delay", delay)
	for {
		trigger := triggerTimer
		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopped")
			return
		case <-timer.C:
		case <-l.refresh:
			trigger = triggerRefresh
			timer.Stop()
		}

		s.execute(ctx, l, trigger)

		// A refresh that slipped in while running is dropped, not queued.
		select {
		case <-l.refresh:
			l.logger.Info("refresh dropped, run was in flight")
		default:
		}
		if ctx.Err() != nil {
			return
		}
		timer.Reset(l.spec.Interval)
		l.setNext(time.Now().Add(l.spec.Interval))
	}
}

// execute performs one run. loopCtx only decides whether the result is
// still wanted; the run itself uses the daemon context so a removed
// producer's in-flight run completes.
func (s *Scheduler) execute(loopCtx context.Context, l *loop, trigger string) {
	spec := l.spec
	l.begin()

	var res executor.Result
	outcome := OutcomeSkippedExecFailure
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("run panicked", "panic", r, "stack", string(debug.Stack()))
			runErr = fmt.Errorf("panic: %v", r)
		}
		l.finish(res, outcome, runErr)
	}()

	ctx := s.runContext()
	res = s.runner.RunSpec(ctx, spec)
	logger := l.logger.With("run_id", res.RunID, "trigger", trigger)

	outcome, runErr = s.settle(ctx, loopCtx, spec, res, logger)

	logger.Info("run finished",
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"outcome", outcome,
	)
	s.record(ctx, res, outcome, logger)
}

// settle turns an execution result into a store update and reports the
// update outcome. Exit status and update outcome are independent: a zero
// exit with empty output is a successful run that leaves the store alone.
func (s *Scheduler) settle(ctx, loopCtx context.Context, spec producer.Spec, res executor.Result, logger *slog.Logger) (Outcome, error) {
	if !res.OK() {
		err := res.Err()
		logger.Warn("run failed, keeping previous snapshot", "status", res.Status, "error", err)
		return OutcomeSkippedExecFailure, err
	}

	snap, err := protocol.Parse(spec.ID, res.Stdout)
	var parseErr *protocol.ParseError
	if errors.As(err, &parseErr) && parseErr.Empty {
		logger.Info("empty output, keeping previous snapshot")
		return OutcomeUnchangedEmpty, err
	}
	if !snap.Salvageable() {
		logger.Warn("nothing salvageable in output", "error", err)
		return OutcomeParseFailed, err
	}
	if err != nil {
		logger.Warn("output parsed with warnings", "error", err)
	}
	snap.Truncated = res.StdoutTruncated

	if loopCtx.Err() != nil {
		logger.Info("producer removed during run, discarding result")
		return OutcomeDiscarded, nil
	}
	if err := s.store.Replace(ctx, spec.ID, snap); err != nil {
		if errors.Is(err, store.ErrRemoved) {
			logger.Info("producer removed during run, discarding result")
			return OutcomeDiscarded, nil
		}
		logger.Error("store update failed", "error", err)
		return OutcomeStoreFailed, err
	}
	s.events.Publish(events.TypeSnapshotReplaced, map[string]any{
		"producer": spec.ID,
		"run_id":   res.RunID,
		"text":     snap.Header.Text,
	})
	return OutcomeUpdated, nil
}

func (s *Scheduler) record(ctx context.Context, res executor.Result, outcome Outcome, logger *slog.Logger) {
	s.events.Publish(events.TypeProducerRun, map[string]any{
		"producer":    res.ProducerID,
		"run_id":      res.RunID,
		"status":      res.Status,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
		"outcome":     outcome,
	})
	if s.runs == nil {
		return
	}
	err := s.runs.Append(context.WithoutCancel(ctx), runlog.Entry{
		ID:            res.RunID,
		ProducerID:    res.ProducerID,
		StartedAt:     res.StartedAt,
		Duration:      res.Duration,
		Status:        string(res.Status),
		ExitCode:      res.ExitCode,
		StdoutBytes:   len(res.Stdout),
		Stderr:        string(res.Stderr),
		UpdateOutcome: string(outcome),
	})
	if err != nil {
		logger.Error("failed to append run log", "error", err)
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Scheduler) housekeeping(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HousekeepingInterval)
	defer ticker.Stop()
	for {
		s.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	n, err := s.runs.Prune(ctx, s.opts.RunLogRetention)
	if err != nil {
		s.logger.Error("failed to prune run log", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned run log", "rows", n, "retention", s.opts.RunLogRetention)
	}
}

// loop is one producer's schedule.
type loop struct {
	spec    producer.Spec
	cancel  context.CancelFunc
	refresh chan struct{}
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	status Status
}

func (l *loop) snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *loop) setNext(at time.Time) {
	l.mu.Lock()
	l.status.NextRunAt = at
	l.mu.Unlock()
}

func (l *loop) begin() {
	l.mu.Lock()
	l.status.State = StateRunning
	l.status.NextRunAt = time.Time{}
	l.mu.Unlock()
}

func (l *loop) finish(res executor.Result, outcome Outcome, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := &l.status
	st.State = StateIdle
	st.Runs++
	st.LastRunID = res.RunID
	st.LastRunAt = res.StartedAt
	st.LastDuration = res.Duration
	st.LastExit = res.Status
	st.LastExitCode = res.ExitCode
	st.LastOutcome = outcome
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	if res.OK() {
		st.LastSuccessAt = res.StartedAt.Add(res.Duration)
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
	}
	if outcome == OutcomeUpdated {
		st.LastUpdatedAt = res.StartedAt.Add(res.Duration)
	}
}
