// ============================================================================
// flightcore Simulation - Stand-in Estimator and Plant
// ============================================================================
//
// Package: internal/sim
// File: sim.go
// Purpose: A minimal rigid-body plant plus a parametric reference path, so
// the run/demo commands can exercise the scheduler, buffer, and controller
// end to end without hardware
//
// The plant is deliberately crude: point-mass translation driven by the
// commanded thrust along the current body z axis, first-order attitude
// response toward the thrust direction. It stands in for the out-of-scope
// estimator and actuation collaborators, the way the queue system's workers
// simulate task execution.
//
// ============================================================================

package sim

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/aeroframe/flightcore/pkg/types"
)

// Vehicle is a simulated rigid body. Safe for one estimator task stepping
// it and one control task applying commands concurrently.
type Vehicle struct {
	mu       sync.Mutex
	mass     float64
	gravity  float64
	pos      r3.Vector
	vel      r3.Vector
	tilt     r3.Vector // current body z axis
	omega    r3.Vector
	cmd      types.ActuatorCommand
	lastStep time.Time
}

// NewVehicle creates a vehicle hovering at the origin.
func NewVehicle(mass, gravity float64) *Vehicle {
	return &Vehicle{
		mass:    mass,
		gravity: gravity,
		tilt:    r3.Vector{Z: 1},
	}
}

// ApplyCommand is the actuation side: the control task forwards each cycle's
// command here.
func (v *Vehicle) ApplyCommand(cmd types.ActuatorCommand) {
	v.mu.Lock()
	v.cmd = cmd
	v.mu.Unlock()
}

// Step advances the plant to now and returns the resulting state sample,
// which the estimator task publishes into the buffer.
func (v *Vehicle) Step(now time.Time) types.VehicleState {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lastStep.IsZero() {
		v.lastStep = now
		return v.stateLocked()
	}
	dt := now.Sub(v.lastStep).Seconds()
	v.lastStep = now
	if dt <= 0 || dt > 0.5 {
		return v.stateLocked()
	}

	thrust := v.cmd.Thrust
	if thrust == 0 {
		thrust = v.mass * v.gravity // pre-arm hover
	}

	// Translation: thrust along body z minus gravity.
	acc := v.tilt.Mul(thrust / v.mass).Sub(r3.Vector{Z: v.gravity})
	v.vel = v.vel.Add(acc.Mul(dt))
	v.pos = v.pos.Add(v.vel.Mul(dt))

	// Attitude: first-order lag toward the commanded torque direction,
	// enough dynamics to make the attitude loop visibly work.
	v.omega = v.omega.Add(v.cmd.Torque.Mul(dt * 20)).Mul(1 - 4*dt)
	v.tilt = v.tilt.Add(v.omega.Cross(v.tilt).Mul(-dt)).Normalize()

	return v.stateLocked()
}

// stateLocked assembles the published state. Caller holds mu.
func (v *Vehicle) stateLocked() types.VehicleState {
	b3 := v.tilt
	b2 := b3.Cross(r3.Vector{X: 1})
	if b2.Norm() < 1e-9 {
		b2 = b3.Cross(r3.Vector{Y: 1})
	}
	b2 = b2.Normalize()
	b1 := b2.Cross(b3)
	return types.VehicleState{
		Position: v.pos,
		Velocity: v.vel,
		Attitude: mat.NewDense(3, 3, []float64{
			b1.X, b2.X, b3.X,
			b1.Y, b2.Y, b3.Y,
			b1.Z, b2.Z, b3.Z,
		}),
		AngularVelocity: v.omega,
	}
}

// Position returns the current simulated position for reporting.
func (v *Vehicle) Position() r3.Vector {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos
}

// CirclePath is a parametric reference trajectory: a horizontal circle at a
// fixed altitude, yaw tangent to the motion. The planning task retargets the
// lookahead; the control task samples it every cycle.
type CirclePath struct {
	mu        sync.Mutex
	radius    float64
	altitude  float64
	omega     float64 // angular speed along the circle, rad/s
	start     time.Time
	lookahead time.Duration
}

// NewCirclePath creates a circle of the given radius and altitude traversed
// at angular speed omega.
func NewCirclePath(radius, altitude, omega float64, start time.Time) *CirclePath {
	return &CirclePath{radius: radius, altitude: altitude, omega: omega, start: start}
}

// Retarget adjusts the lookahead used by Sample; the planning task calls
// this at its own low rate based on observed tracking.
func (p *CirclePath) Retarget(lookahead time.Duration) {
	p.mu.Lock()
	p.lookahead = lookahead
	p.mu.Unlock()
}

// Sample evaluates the path at now (+ lookahead).
func (p *CirclePath) Sample(now time.Time) types.TrajectoryPoint {
	p.mu.Lock()
	t := now.Add(p.lookahead).Sub(p.start).Seconds()
	r, w, alt := p.radius, p.omega, p.altitude
	p.mu.Unlock()

	a := w * t
	sin, cos := math.Sin(a), math.Cos(a)
	return types.TrajectoryPoint{
		Position:     r3.Vector{X: r * cos, Y: r * sin, Z: alt},
		Velocity:     r3.Vector{X: -r * w * sin, Y: r * w * cos},
		Acceleration: r3.Vector{X: -r * w * w * cos, Y: -r * w * w * sin},
		Yaw:          math.Atan2(cos, -sin),
		YawRate:      w,
	}
}
