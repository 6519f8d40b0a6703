// ============================================================================
// flightcore Scheduler - Task Registry Types
// ============================================================================
//
// Package: internal/sched
// File: task.go
// Purpose: Registration descriptor and scheduler-owned bookkeeping for one
// named task
//
// ============================================================================

package sched

import (
	"context"
	"time"

	"github.com/aeroframe/flightcore/pkg/types"
)

// historySize bounds the per-task ring of recent execution durations.
const historySize = 64

// Task is the registration descriptor handed to AddTask. The scheduler
// copies it; the caller keeps no handle into scheduler internals. Fn borrows
// whatever it closes over (controller, buffer) without owning it.
type Task struct {
	Name     string
	Priority types.Priority
	Kind     types.TaskKind
	Period   time.Duration // periodic tasks only
	Deadline time.Duration // worst-case allowed latency for one invocation
	Fn       func(ctx context.Context) error
}

// TaskStats is the per-task view returned by Stats.
type TaskStats struct {
	Name            string
	Priority        types.Priority
	Kind            types.TaskKind
	Invocations     uint64
	MissedDeadlines uint64
	Errors          uint64
	MeanExecution   time.Duration
	MaxExecution    time.Duration
	AchievedHz      float64
}

// taskState is the scheduler's private record for a registered task.
// All fields are guarded by the scheduler mutex except where noted.
type taskState struct {
	task     Task
	regIndex int // registration order, breaks priority ties

	lastExecution time.Time
	nextDeadline  time.Time
	firstStart    time.Time // first invocation, basis for achieved frequency

	history  [historySize]time.Duration
	histHead int
	histLen  int

	invocations     uint64
	missedDeadlines uint64
	errors          uint64
	totalExec       time.Duration
	maxExec         time.Duration

	// external marks a task currently driven by RunTask; the scheduler's own
	// loops skip it until the caller detaches.
	external bool

	// cancel stops this task's dedicated loop (dedicated mode only).
	cancel context.CancelFunc
}

// recordExecution folds one invocation into the rolling statistics.
func (ts *taskState) recordExecution(start time.Time, exec time.Duration) {
	if ts.firstStart.IsZero() {
		ts.firstStart = start
	}
	ts.lastExecution = start
	ts.invocations++
	ts.totalExec += exec
	if exec > ts.maxExec {
		ts.maxExec = exec
	}
	ts.history[(ts.histHead+ts.histLen)%historySize] = exec
	if ts.histLen < historySize {
		ts.histLen++
	} else {
		ts.histHead = (ts.histHead + 1) % historySize
	}
}

// stats builds the external view at time now.
func (ts *taskState) stats(now time.Time) TaskStats {
	out := TaskStats{
		Name:            ts.task.Name,
		Priority:        ts.task.Priority,
		Kind:            ts.task.Kind,
		Invocations:     ts.invocations,
		MissedDeadlines: ts.missedDeadlines,
		Errors:          ts.errors,
		MaxExecution:    ts.maxExec,
	}
	if ts.invocations > 0 {
		out.MeanExecution = ts.totalExec / time.Duration(ts.invocations)
		if elapsed := now.Sub(ts.firstStart); elapsed > 0 {
			out.AchievedHz = float64(ts.invocations) / elapsed.Seconds()
		}
	}
	return out
}
