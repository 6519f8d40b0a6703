// ============================================================================
// flightcore Scheduler - Periodic Task Execution Core
// ============================================================================
//
// Package: internal/sched
// File: scheduler.go
// Purpose: Drive named periodic tasks at fixed rates with bounded jitter,
// no cumulative drift, priority ordering, and fault isolation
//
// Timing model:
//   Every periodic task carries a nextDeadline on the monotonic clock. After
//   each invocation the deadline advances by exactly one period relative to
//   the PREVIOUS SCHEDULED deadline, never relative to completion time, so
//   a slow iteration shifts phase for one cycle but never accumulates drift.
//   The first firing after registration honors the task's deadline, not its
//   period, so a freshly added control loop meets latency immediately.
//
//   Per tick: sleep = clamp(nextDeadline - now, minSleepFloor, period).
//   The floor prevents negative sleeps when the previous iteration ran long;
//   the period cap guards against wall-clock jumps placing the deadline
//   absurdly far in the future.
//
// Execution strategies (same algorithm, different wait primitive):
//   - ModeCooperative: one timing goroutine runs all due tasks back-to-back
//     in priority order (CRITICAL > HIGH > MEDIUM > LOW, ties by
//     registration order). Suited to soft real time.
//   - ModeDedicated: one goroutine per task; with OSPriority set, each loop
//     locks its OS thread once at startup and requests elevated scheduling
//     priority for that thread (best effort, logged if denied). Suited to
//     hard real time on a real-time-capable OS.
//
// Fault isolation:
//   A task body returning an error or panicking is logged, counted, and
//   followed by a brief cooldown; it never unwinds past the tick boundary
//   and never terminates other tasks. A missed deadline is counted and
//   logged but the next scheduled firing is never skipped.
//
// ============================================================================

package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/aeroframe/flightcore/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateTask is returned by AddTask when the name is taken.
	ErrDuplicateTask = errors.New("task already registered")
	// ErrTaskNotFound is returned by RunTask for an unknown name.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskBusy is returned by RunTask when another caller already drives
	// the task.
	ErrTaskBusy = errors.New("task already externally driven")
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned when operating on a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
	// ErrInvalidTask is returned by AddTask for malformed registrations.
	ErrInvalidTask = errors.New("invalid task registration")
)

// ============================================================================
// Configuration
// ============================================================================

// Mode selects the execution strategy.
type Mode int

const (
	// ModeCooperative runs all tasks back-to-back on one timing goroutine.
	ModeCooperative Mode = iota
	// ModeDedicated runs each task on its own goroutine.
	ModeDedicated
)

// String returns the mode name used in config files and logs.
func (m Mode) String() string {
	if m == ModeDedicated {
		return "dedicated"
	}
	return "cooperative"
}

// Monitor receives per-task timing observations when monitoring is enabled.
// internal/metrics implements it; the scheduler depends only on the
// interface.
type Monitor interface {
	ObserveJitter(task string, jitter time.Duration)
	ObserveExecution(task string, exec time.Duration)
	MissedDeadline(task string)
	TaskError(task string)
}

// Config carries construction-time scheduler options. Zero values get
// defaults from withDefaults.
type Config struct {
	Mode Mode

	// OSPriority requests elevated OS scheduling priority for dedicated task
	// loops. Applied once per loop thread at startup, not per invocation;
	// ignored in cooperative mode.
	OSPriority bool

	// MinSleepFloor is the smallest sleep ever issued (default 1ms).
	MinSleepFloor time.Duration
	// IdleSleep is the wait used when no periodic task is registered
	// (default 50ms); registration wakes the loop early.
	IdleSleep time.Duration
	// Cooldown follows a failed or panicked invocation (default 50ms).
	Cooldown time.Duration
	// StopTimeout bounds how long Stop waits for in-flight invocations to
	// drain (default 5s).
	StopTimeout time.Duration

	// Monitor enables per-task jitter/execution observation. Nil disables.
	Monitor Monitor
}

func (c Config) withDefaults() Config {
	if c.MinSleepFloor <= 0 {
		c.MinSleepFloor = time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 50 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 50 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler owns a registry of named tasks and the timing loops that invoke
// them. Construct with New; instances are independent so tests never share
// hidden process-wide state.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	tasks  map[string]*taskState
	order  []*taskState // registration order
	regSeq int

	started bool
	stopped bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wake      chan struct{} // nudges the cooperative loop on registry changes
	wg        sync.WaitGroup
}

// New creates a scheduler with the given configuration.
func New(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		tasks:     make(map[string]*taskState),
		runCtx:    ctx,
		runCancel: cancel,
		wake:      make(chan struct{}, 1),
	}
}

// AddTask registers a task. Periodic tasks get their first deadline at
// registration time + Deadline (the first firing honors latency, not rate)
// and step by exactly one period per invocation afterwards. Fails with
// ErrDuplicateTask if the name is taken.
func (s *Scheduler) AddTask(t Task) error {
	if t.Name == "" || t.Fn == nil {
		return fmt.Errorf("%w: name and body are required", ErrInvalidTask)
	}
	if t.Kind == types.KindPeriodic && t.Period <= 0 {
		return fmt.Errorf("%w: periodic task %q needs a positive period", ErrInvalidTask, t.Name)
	}
	if t.Deadline <= 0 {
		// A periodic task without an explicit latency budget must at least
		// finish within its period.
		t.Deadline = t.Period
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, exists := s.tasks[t.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name)
	}

	now := time.Now()
	ts := &taskState{
		task:          t,
		regIndex:      s.regSeq,
		lastExecution: now,
	}
	s.regSeq++
	if t.Kind == types.KindPeriodic {
		ts.nextDeadline = now.Add(t.Deadline)
	}
	s.tasks[t.Name] = ts
	s.order = append(s.order, ts)

	spawn := s.started && s.cfg.Mode == ModeDedicated && t.Kind == types.KindPeriodic
	if spawn {
		s.startDedicated(ts)
	}
	s.mu.Unlock()

	s.nudge()
	log.Info("task registered",
		"task", t.Name,
		"kind", t.Kind.String(),
		"priority", t.Priority.String(),
		"period", t.Period,
		"deadline", t.Deadline)
	return nil
}

// RemoveTask unregisters a task. No-op if absent; a dedicated loop for the
// task is signalled to exit after its current invocation.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	ts, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
		for i, o := range s.order {
			if o == ts {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if ts.cancel != nil {
			ts.cancel()
		}
	}
	s.mu.Unlock()
	if ok {
		s.nudge()
		log.Info("task removed", "task", name)
	}
}

// Start launches the timing loop(s). Returns ErrAlreadyStarted on a running
// scheduler and ErrStopped after Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	switch s.cfg.Mode {
	case ModeDedicated:
		for _, ts := range s.order {
			if ts.task.Kind == types.KindPeriodic {
				s.startDedicated(ts)
			}
		}
	default:
		s.wg.Add(1)
		go s.cooperativeLoop()
	}

	log.Info("scheduler started", "mode", s.cfg.Mode.String(), "tasks", len(s.tasks))
	return nil
}

// Stop cancels the run context (which also gives blocking task bodies their
// cancellation point), then waits for in-flight invocations to drain,
// bounded by StopTimeout. It never forcibly kills a running body.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.runCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("scheduler stopped")
	case <-time.After(s.cfg.StopTimeout):
		log.Warn("scheduler stop timed out with tasks still draining",
			"timeout", s.cfg.StopTimeout)
	}
}

// RunTask attaches the caller to one named task's loop for the duration of
// ctx. The scheduler's own loops skip the task while it is externally
// driven; cancelling ctx detaches without removing the task. An aperiodic
// task is invoked exactly once.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	s.mu.Lock()
	ts, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	if ts.external {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskBusy, name)
	}
	ts.external = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		ts.external = false
		s.mu.Unlock()
		s.nudge()
	}()

	if ts.task.Kind == types.KindAperiodic {
		s.invoke(ctx, ts)
		return nil
	}

	for {
		s.mu.Lock()
		next := ts.nextDeadline
		period := ts.task.Period
		s.mu.Unlock()

		if !s.sleepUntil(ctx, calculateSleep(next, time.Now(), period, s.cfg.MinSleepFloor)) {
			return nil
		}
		if time.Now().Before(next) {
			// Woken early by a registry change; recompute the wait.
			continue
		}
		s.invoke(ctx, ts)
	}
}

// Stats returns the per-task statistics keyed by task name.
func (s *Scheduler) Stats() map[string]TaskStats {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskStats, len(s.tasks))
	for name, ts := range s.tasks {
		out[name] = ts.stats(now)
	}
	return out
}

// ============================================================================
// Timing loops
// ============================================================================

// cooperativeLoop is the single-goroutine strategy: sleep until the earliest
// deadline, then run every due task in priority order.
func (s *Scheduler) cooperativeLoop() {
	defer s.wg.Done()

	for {
		next, sleep := s.nextSleep()
		if !s.sleepUntil(s.runCtx, sleep) {
			return
		}
		if next == nil {
			continue
		}

		now := time.Now()
		for _, ts := range s.dueTasks(now) {
			s.invoke(s.runCtx, ts)
			if s.runCtx.Err() != nil {
				return
			}
		}
	}
}

// nextSleep picks the earliest pending deadline and the clamped sleep to
// reach it. With no schedulable task it returns the idle wait.
func (s *Scheduler) nextSleep() (*taskState, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *taskState
	for _, ts := range s.order {
		if ts.task.Kind != types.KindPeriodic || ts.external {
			continue
		}
		if next == nil || ts.nextDeadline.Before(next.nextDeadline) {
			next = ts
		}
	}
	if next == nil {
		return nil, s.cfg.IdleSleep
	}
	return next, calculateSleep(next.nextDeadline, time.Now(), next.task.Period, s.cfg.MinSleepFloor)
}

// dueTasks returns every schedulable task whose deadline has arrived,
// ordered CRITICAL > HIGH > MEDIUM > LOW with registration order breaking
// ties.
func (s *Scheduler) dueTasks(now time.Time) []*taskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*taskState
	for _, ts := range s.order {
		if ts.task.Kind != types.KindPeriodic || ts.external {
			continue
		}
		if !ts.nextDeadline.After(now) {
			due = append(due, ts)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].task.Priority != due[j].task.Priority {
			return due[i].task.Priority > due[j].task.Priority
		}
		return due[i].regIndex < due[j].regIndex
	})
	return due
}

// startDedicated spawns one loop goroutine for a task. Caller holds mu.
func (s *Scheduler) startDedicated(ts *taskState) {
	ctx, cancel := context.WithCancel(s.runCtx)
	ts.cancel = cancel
	s.wg.Add(1)
	go s.dedicatedLoop(ctx, ts)
}

// dedicatedLoop is the per-task strategy. The scheduling algorithm matches
// cooperativeLoop; only the wait primitive (a private timer on a possibly
// priority-elevated thread) differs.
func (s *Scheduler) dedicatedLoop(ctx context.Context, ts *taskState) {
	defer s.wg.Done()

	if s.cfg.OSPriority {
		runtime.LockOSThread()
		if err := elevateThreadPriority(); err != nil {
			log.Warn("could not elevate thread priority",
				"task", ts.task.Name, "error", err)
		}
	}

	for {
		s.mu.Lock()
		external := ts.external
		next := ts.nextDeadline
		period := ts.task.Period
		s.mu.Unlock()

		if external {
			// RunTask holds the loop; idle until the caller detaches.
			if !s.sleepUntil(ctx, s.cfg.IdleSleep) {
				return
			}
			continue
		}

		if !s.sleepUntil(ctx, calculateSleep(next, time.Now(), period, s.cfg.MinSleepFloor)) {
			return
		}
		if time.Now().Before(next) {
			continue
		}
		s.invoke(ctx, ts)
	}
}

// ============================================================================
// Invocation
// ============================================================================

// invoke runs one task body synchronously, records timing, and advances the
// phase-aligned deadline. Faults are absorbed here: nothing propagates past
// the tick boundary.
func (s *Scheduler) invoke(ctx context.Context, ts *taskState) {
	s.mu.Lock()
	t := ts.task
	scheduled := ts.nextDeadline
	s.mu.Unlock()

	start := time.Now()
	if t.Kind == types.KindPeriodic && s.cfg.Monitor != nil {
		if jitter := start.Sub(scheduled); jitter > 0 {
			s.cfg.Monitor.ObserveJitter(t.Name, jitter)
		}
	}

	err := runBody(ctx, t)
	exec := time.Since(start)

	missed := t.Deadline > 0 && exec > t.Deadline

	s.mu.Lock()
	ts.recordExecution(start, exec)
	if missed {
		ts.missedDeadlines++
	}
	if err != nil {
		ts.errors++
	}
	if t.Kind == types.KindPeriodic {
		// Phase alignment: step from the previous scheduled deadline, never
		// from completion time. A late run never skips the next firing.
		ts.nextDeadline = scheduled.Add(t.Period)
	}
	s.mu.Unlock()

	if s.cfg.Monitor != nil {
		s.cfg.Monitor.ObserveExecution(t.Name, exec)
		if missed {
			s.cfg.Monitor.MissedDeadline(t.Name)
		}
		if err != nil {
			s.cfg.Monitor.TaskError(t.Name)
		}
	}
	if missed {
		log.Warn("task missed deadline",
			"task", t.Name, "execution", exec, "deadline", t.Deadline)
	}
	if err != nil {
		log.Error("task failed", "task", t.Name, "error", err)
		s.sleepUntil(ctx, s.cfg.Cooldown)
	}
}

// runBody executes the task function, converting panics into errors so one
// broken task cannot take down the timing loop.
func runBody(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Fn(ctx)
}

// sleepUntil waits d. It returns false on ctx cancellation; a registry
// change (nudge) cuts the wait short and returns true, so callers recheck
// their deadlines.
func (s *Scheduler) sleepUntil(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return true
	}
}

// nudge wakes the cooperative loop after a registry change so a newly added
// short-period task is not stuck behind a long idle sleep.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// calculateSleep clamps the time until a deadline into [floor, period].
// Never negative (a deadline already in the past yields the floor), and
// never longer than one period even if the deadline is absurdly far away
// (clock-jump guard). A non-positive period skips the upper clamp.
func calculateSleep(next, now time.Time, period, floor time.Duration) time.Duration {
	d := next.Sub(now)
	if d < floor {
		return floor
	}
	if period > 0 && d > period {
		return period
	}
	return d
}
