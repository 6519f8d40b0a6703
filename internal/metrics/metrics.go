// ============================================================================
// flightcore Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose timing and control-law health indicators
//
// Indicator groups:
//
//   1. Scheduler timing (the monitoring toggle of the scheduler):
//      - flightcore_task_invocations_total{task}
//      - flightcore_task_missed_deadlines_total{task}
//      - flightcore_task_errors_total{task}
//      - flightcore_task_jitter_seconds{task}: histogram of wakeup lateness
//        relative to the scheduled deadline
//      - flightcore_task_execution_seconds{task}: histogram of body runtime
//
//   2. State buffer:
//      - flightcore_state_updates_total
//      - flightcore_state_version
//
//   3. Controller health (the only externally visible trouble signals are
//      rising saturation/failsafe counts, never process exits):
//      - flightcore_control_saturations_total{kind="thrust"|"torque"}
//      - flightcore_control_singularity_fallbacks_total
//      - flightcore_control_failsafe_entries_total
//      - flightcore_control_mode (0 normal, 1 failsafe)
//
// Alerting guidance:
//   - task_missed_deadlines rate > 0 sustained: control loop overrunning
//   - jitter p99 near the control period: scheduler starved, check OS mode
//   - control_mode == 1 persisting: vehicle holding failsafe hover
//
// Exposed via /metrics in Prometheus text format; see StartServer.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups all flightcore indicators. It satisfies the scheduler's
// Monitor interface so it can be handed to sched.Config directly.
type Collector struct {
	taskInvocations *prometheus.CounterVec
	taskMissed      *prometheus.CounterVec
	taskErrors      *prometheus.CounterVec
	taskJitter      *prometheus.HistogramVec
	taskExecution   *prometheus.HistogramVec

	stateUpdates prometheus.Counter
	stateVersion prometheus.Gauge

	saturations          *prometheus.CounterVec
	singularityFallbacks prometheus.Counter
	failsafeEntries      prometheus.Counter
	controlMode          prometheus.Gauge
}

// NewCollector creates and registers all indicators on the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		taskInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightcore_task_invocations_total",
			Help: "Total task body invocations",
		}, []string{"task"}),
		taskMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightcore_task_missed_deadlines_total",
			Help: "Total invocations that ran past their deadline",
		}, []string{"task"}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightcore_task_errors_total",
			Help: "Total task body errors and panics absorbed by the scheduler",
		}, []string{"task"}),
		taskJitter: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flightcore_task_jitter_seconds",
			Help:    "Wakeup lateness relative to the scheduled deadline",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"task"}),
		taskExecution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flightcore_task_execution_seconds",
			Help:    "Task body execution time",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"task"}),
		stateUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_state_updates_total",
			Help: "Total state snapshots published into the buffer",
		}),
		stateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flightcore_state_version",
			Help: "Current state buffer version",
		}),
		saturations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightcore_control_saturations_total",
			Help: "Control cycles that clamped an actuator command",
		}, []string{"kind"}),
		singularityFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_control_singularity_fallbacks_total",
			Help: "Control cycles that engaged the yaw-singularity fallback",
		}),
		failsafeEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightcore_control_failsafe_entries_total",
			Help: "Transitions into the controller failsafe state",
		}),
		controlMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flightcore_control_mode",
			Help: "Controller state: 0 normal, 1 failsafe",
		}),
	}

	prometheus.MustRegister(c.taskInvocations)
	prometheus.MustRegister(c.taskMissed)
	prometheus.MustRegister(c.taskErrors)
	prometheus.MustRegister(c.taskJitter)
	prometheus.MustRegister(c.taskExecution)
	prometheus.MustRegister(c.stateUpdates)
	prometheus.MustRegister(c.stateVersion)
	prometheus.MustRegister(c.saturations)
	prometheus.MustRegister(c.singularityFallbacks)
	prometheus.MustRegister(c.failsafeEntries)
	prometheus.MustRegister(c.controlMode)

	return c
}

// ObserveJitter records wakeup lateness for one task invocation.
func (c *Collector) ObserveJitter(task string, jitter time.Duration) {
	c.taskJitter.WithLabelValues(task).Observe(jitter.Seconds())
}

// ObserveExecution records a task body runtime and counts the invocation.
func (c *Collector) ObserveExecution(task string, exec time.Duration) {
	c.taskInvocations.WithLabelValues(task).Inc()
	c.taskExecution.WithLabelValues(task).Observe(exec.Seconds())
}

// MissedDeadline counts one over-deadline invocation.
func (c *Collector) MissedDeadline(task string) {
	c.taskMissed.WithLabelValues(task).Inc()
}

// TaskError counts one absorbed task failure.
func (c *Collector) TaskError(task string) {
	c.taskErrors.WithLabelValues(task).Inc()
}

// RecordStateUpdate tracks a buffer publish and the resulting version.
func (c *Collector) RecordStateUpdate(version uint64) {
	c.stateUpdates.Inc()
	c.stateVersion.Set(float64(version))
}

// RecordThrustSaturation counts a thrust-clamped control cycle.
func (c *Collector) RecordThrustSaturation() {
	c.saturations.WithLabelValues("thrust").Inc()
}

// RecordTorqueSaturation counts a torque-clamped control cycle.
func (c *Collector) RecordTorqueSaturation() {
	c.saturations.WithLabelValues("torque").Inc()
}

// RecordSingularityFallback counts a fallback-engaged control cycle.
func (c *Collector) RecordSingularityFallback() {
	c.singularityFallbacks.Inc()
}

// RecordFailsafeEntry counts a transition into failsafe.
func (c *Collector) RecordFailsafeEntry() {
	c.failsafeEntries.Inc()
}

// SetControlMode publishes the controller state (0 normal, 1 failsafe).
func (c *Collector) SetControlMode(failsafe bool) {
	if failsafe {
		c.controlMode.Set(1)
	} else {
		c.controlMode.Set(0)
	}
}

// StartServer serves /metrics on the given port. Blocks; callers run it in
// its own goroutine.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
