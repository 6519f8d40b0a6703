// Package types defines the core domain model shared by the flightcore
// scheduler, state buffer, and geometric controller.
package types

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Priority orders task invocations when several tasks are due in the same
// scheduler tick. Higher values run first.
type Priority int

const (
	PriorityLow      Priority = iota // background work, e.g. stats reporting
	PriorityMedium                   // planning / replanning tasks
	PriorityHigh                     // estimator publishing
	PriorityCritical                 // the control loop itself
)

// String returns the priority name used in logs and stats output.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// TaskKind distinguishes fixed-rate tasks from on-demand ones.
type TaskKind int

const (
	// KindPeriodic tasks fire once per period with drift-free phase alignment.
	KindPeriodic TaskKind = iota
	// KindAperiodic tasks fire only when driven externally via RunTask.
	KindAperiodic
)

// String returns the kind name used in logs and stats output.
func (k TaskKind) String() string {
	if k == KindAperiodic {
		return "aperiodic"
	}
	return "periodic"
}

// VehicleState is a complete kinematic state sample as produced by the
// estimator. Position and Velocity are world-frame, AngularVelocity is
// body-frame, Attitude is the body-to-world rotation matrix.
type VehicleState struct {
	Position        r3.Vector
	Velocity        r3.Vector
	Attitude        *mat.Dense // 3x3 rotation matrix, nil means identity
	AngularVelocity r3.Vector
}

// Clone returns a deep copy. The state buffer clones on publish and on read
// so producer and consumer never alias the same rotation matrix.
func (s VehicleState) Clone() VehicleState {
	out := s
	if s.Attitude != nil {
		out.Attitude = mat.DenseCopyOf(s.Attitude)
	}
	return out
}

// RotationOrIdentity returns the attitude matrix, substituting identity when
// the estimator has not supplied one.
func (s VehicleState) RotationOrIdentity() *mat.Dense {
	if s.Attitude != nil {
		return s.Attitude
	}
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// TrajectoryPoint is one desired sample handed to the controller by the
// planning layer: where to be, how fast, accelerating how, and which way
// to point the nose.
type TrajectoryPoint struct {
	Position     r3.Vector
	Velocity     r3.Vector
	Acceleration r3.Vector
	Yaw          float64 // radians, world frame
	YawRate      float64 // radians/second
}

// ActuatorCommand is the controller output for a thrust/torque actuation
// collaborator. Saturation flags report per-cycle clamping; Failsafe marks
// commands produced while the controller is in its degraded hover mode.
type ActuatorCommand struct {
	Thrust          float64   // total thrust magnitude, Newtons
	Torque          r3.Vector // body-frame torque, Newton-meters
	ThrustSaturated bool
	TorqueSaturated [3]bool
	Failsafe        bool
	Timestamp       time.Time
}

// BodyRateCommand is the alternative controller output for autopilots that
// accept normalized collective thrust plus body-rate setpoints.
type BodyRateCommand struct {
	NormalizedThrust float64 // 0..1 fraction of max thrust
	BodyRates        r3.Vector
	Failsafe         bool
	Timestamp        time.Time
}
