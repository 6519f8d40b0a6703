// ============================================================================
// flightcore Geometric Controller - SE(3) Attitude/Position Control
// ============================================================================
//
// Package: internal/control
// File: geometric.go
// Purpose: Turn a vehicle state and a desired trajectory point into a
// thrust/torque actuator command under actuator limits
//
// Control law, per cycle:
//  1. dt from consecutive call timestamps; dt <= 0 or dt > 0.1s skips the
//     law entirely and returns the failsafe command (clock glitch / stalled
//     caller guard)
//  2. accDes = ffAcc*desiredAcc + Kp*posErr + Kd*velErr + Ki*integral(velErr)
//  3. world thrust vector = m*(accDes + g*e3); magnitude clamped to
//     [minThrust, maxThrust], clamping flags the cycle thrust-saturated
//  4. unit thrust direction becomes desired body z; tilt beyond the limit is
//     rescaled to exactly the limit, never silently ignored
//  5. yaw-singularity check and fallback (singularity.go)
//  6. eR = vee(0.5 (Rd^T R - R^T Rd));
//     torque = -KpAtt*eR - KdAtt*eOmega + omega x (I omega),
//     clamped per axis with per-axis saturation flags
//  7. anti-windup integral update (clamping or back-calculation)
//  8. sustained tracking divergence (position AND velocity error beyond
//     thresholds for over 100 cycles) latches the failsafe
//
// Failsafe: first entry halves the gains and zeroes the integrator, then
// holds the last known valid thrust with zero torque (pure hover attempt).
// The controller returns to NORMAL the next cycle a normal computation
// succeeds; gains stay halved until an explicit Reset.
//
// ComputeControl and ComputeControlFast run the identical algorithm; the
// fast path exists to keep boundary conversions out of the hard real-time
// loop, not to change behavior.
//
// ============================================================================

package control

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/aeroframe/flightcore/pkg/types"
)

var log = slog.Default()

const (
	// maxControlDt is the largest believable gap between control cycles.
	maxControlDt = 0.1
	// failsafeCycleLimit is the consecutive-bad-cycle bound before the
	// tracking-divergence failsafe latches.
	failsafeCycleLimit = 100
	// failStreakCap bounds the counter so recovery is not unbounded.
	failStreakCap = 2 * failsafeCycleLimit
	// integralAttenuation scales the integral increment on saturated axes
	// under the clamping method.
	integralAttenuation = 0.1
)

// ControlMode is the controller's externally observable state.
type ControlMode int

const (
	ModeNormal ControlMode = iota
	ModeFailsafe
)

// String returns the mode name used in logs and metrics.
func (m ControlMode) String() string {
	if m == ModeFailsafe {
		return "failsafe"
	}
	return "normal"
}

// ControllerMetrics is the counter snapshot returned by
// PerformanceMetrics. Control-law faults surface here, never as errors.
type ControllerMetrics struct {
	Cycles               uint64
	InvalidDt            uint64
	ThrustSaturations    uint64
	TorqueSaturations    uint64
	TiltLimited          uint64
	SingularityWarnings  uint64
	SingularityFallbacks uint64
	FailsafeEntries      uint64
	FailureStreak        int
	Mode                 ControlMode
}

// FastInput is the pre-converted numeric state for the hard-real-time entry
// point: plain float64, SI units, rotation row-major body-to-world. The
// caller owns the conversion at the boundary so none happens in the loop.
type FastInput struct {
	Position        [3]float64
	Velocity        [3]float64
	AngularVelocity [3]float64
	Rotation        [9]float64

	DesiredPosition     [3]float64
	DesiredVelocity     [3]float64
	DesiredAcceleration [3]float64
	Yaw                 float64
	YawRate             float64
}

// GeometricController owns one config and one integrator state; instances
// are never implicitly shared. All entry points are safe for concurrent use,
// though the intended topology is a single control task.
type GeometricController struct {
	mu   sync.Mutex
	cfg  Config // live gains; halved on failsafe entry
	orig Config // construction-time gains, restored by Reset

	integral        r3.Vector // accumulated velocity error
	lastCall        time.Time
	haveLast        bool
	lastHeading     r3.Vector // last desired b1, for maintain_current
	lastValidThrust float64
	failStreak      int
	mode            ControlMode
	degraded        bool // gains already halved

	metrics ControllerMetrics

	// scratch rotation for the fast path, written in place per call.
	fastRData []float64
	fastR     *mat.Dense
}

// New validates cfg and builds a controller. Configuration faults are the
// caller's to fix and are reported immediately.
func New(cfg Config) (*GeometricController, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data := make([]float64, 9)
	c := &GeometricController{
		cfg:             cfg,
		orig:            cfg,
		lastHeading:     r3.Vector{X: 1},
		lastValidThrust: cfg.Mass * cfg.Gravity,
		fastRData:       data,
		fastR:           mat.NewDense(3, 3, data),
	}
	return c, nil
}

// ComputeControl is the general entry point: full state and trajectory
// types, returns the thrust/torque command.
func (c *GeometricController) ComputeControl(state types.VehicleState, desired types.TrajectoryPoint, now time.Time) types.ActuatorCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, _ := c.compute(state.Position, state.Velocity, state.AngularVelocity,
		state.RotationOrIdentity(), desired, now)
	return cmd
}

// ComputeControlFast is the hot-loop entry point. Identical algorithm to
// ComputeControl on pre-converted plain numeric state; the result is written
// into out.
func (c *GeometricController) ComputeControlFast(in *FastInput, now time.Time, out *types.ActuatorCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.fastRData, in.Rotation[:])
	desired := types.TrajectoryPoint{
		Position:     vecOf(in.DesiredPosition),
		Velocity:     vecOf(in.DesiredVelocity),
		Acceleration: vecOf(in.DesiredAcceleration),
		Yaw:          in.Yaw,
		YawRate:      in.YawRate,
	}
	cmd, _ := c.compute(vecOf(in.Position), vecOf(in.Velocity), vecOf(in.AngularVelocity),
		c.fastR, desired, now)
	*out = cmd
}

// ComputeBodyRateCommand runs the same control law and converts the result
// for autopilots that accept normalized thrust plus body-rate setpoints.
func (c *GeometricController) ComputeBodyRateCommand(state types.VehicleState, desired types.TrajectoryPoint, now time.Time) types.BodyRateCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, eR := c.compute(state.Position, state.Velocity, state.AngularVelocity,
		state.RotationOrIdentity(), desired, now)

	out := types.BodyRateCommand{
		NormalizedThrust: clampF(cmd.Thrust/c.cfg.MaxThrust, 0, 1),
		Failsafe:         cmd.Failsafe,
		Timestamp:        cmd.Timestamp,
	}
	if !cmd.Failsafe {
		out.BodyRates = elemMul(c.cfg.KpAtt, eR).Mul(-1).
			Add(r3.Vector{Z: desired.YawRate * c.cfg.FFYawRate})
	}
	return out
}

// Reset clears integrator and failsafe state and restores the
// construction-time gains.
func (c *GeometricController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = c.orig
	c.integral = r3.Vector{}
	c.failStreak = 0
	c.mode = ModeNormal
	c.degraded = false
	c.haveLast = false
	c.lastHeading = r3.Vector{X: 1}
	c.lastValidThrust = c.cfg.Mass * c.cfg.Gravity
	log.Info("controller reset")
}

// Mode returns the current NORMAL/FAILSAFE state.
func (c *GeometricController) Mode() ControlMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// PerformanceMetrics returns a snapshot of the cycle counters.
func (c *GeometricController) PerformanceMetrics() ControllerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.FailureStreak = c.failStreak
	m.Mode = c.mode
	return m
}

// IntegralVelError returns the current integrator value; exposed for
// telemetry and the windup invariants in tests.
func (c *GeometricController) IntegralVelError() r3.Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.integral
}

// ============================================================================
// Control law
// ============================================================================

// compute runs one control cycle. Caller holds mu. The second return is the
// attitude error, consumed by the body-rate entry point.
func (c *GeometricController) compute(pos, vel, omega r3.Vector, r *mat.Dense, desired types.TrajectoryPoint, now time.Time) (types.ActuatorCommand, r3.Vector) {
	c.metrics.Cycles++

	// Step 1: dt guard.
	dt := 0.0
	if c.haveLast {
		dt = now.Sub(c.lastCall).Seconds()
		if dt <= 0 || dt > maxControlDt {
			c.metrics.InvalidDt++
			c.lastCall = now
			log.Warn("invalid control dt, holding failsafe", "dt", dt)
			return c.failsafeCommand(now), r3.Vector{}
		}
	} else {
		c.haveLast = true
	}
	c.lastCall = now

	posErr := desired.Position.Sub(pos)
	velErr := desired.Velocity.Sub(vel)

	// Step 8 accounting happens before the law so a latched failsafe holds
	// until tracking actually recovers.
	if posErr.Norm() > c.cfg.PosErrThreshold && velErr.Norm() > c.cfg.VelErrThreshold {
		if c.failStreak < failStreakCap {
			c.failStreak++
		}
	} else if c.failStreak > 0 {
		c.failStreak--
	}
	if c.failStreak > failsafeCycleLimit {
		return c.failsafeCommand(now), r3.Vector{}
	}
	c.mode = ModeNormal

	// Step 2: PID + feedforward desired acceleration.
	accDes := desired.Acceleration.Mul(c.cfg.FFAcc).
		Add(elemMul(c.cfg.KpPos, posErr)).
		Add(elemMul(c.cfg.KdPos, velErr)).
		Add(elemMul(c.cfg.KiPos, c.integral))

	// Step 3: world thrust vector and magnitude clamp.
	thrustVec := accDes.Add(r3.Vector{Z: c.cfg.Gravity}).Mul(c.cfg.Mass)
	rawThrust := thrustVec.Norm()
	thrust := clampF(rawThrust, c.cfg.MinThrust, c.cfg.MaxThrust)
	thrustSat := thrust != rawThrust
	thrustNear := rawThrust >= c.cfg.AntiWindup.SaturationThreshold*c.cfg.MaxThrust ||
		rawThrust <= c.cfg.MinThrust

	// Step 4: thrust direction and tilt limit.
	b3 := unitZ
	if rawThrust > 1e-9 {
		b3 = thrustVec.Mul(1 / rawThrust)
	}
	b3, tiltLimited := limitTilt(b3, c.cfg.MaxTiltAngle)

	// Step 5: desired frame with singularity handling.
	b1, b2, level := c.desiredFrame(b3, desired.Yaw)
	switch level {
	case singWarning:
		c.metrics.SingularityWarnings++
		log.Warn("yaw direction approaching thrust axis", "yaw", desired.Yaw)
	case singFallback:
		c.metrics.SingularityFallbacks++
		log.Warn("yaw singularity fallback engaged",
			"method", c.cfg.Singularity.Fallback.String())
	}
	c.lastHeading = b1

	// Step 6: attitude error and torque.
	rd := rotationFromColumns(b1, b2, b3)
	eR := attitudeError(r, rd)
	eOmega := omega.Sub(r3.Vector{Z: desired.YawRate * c.cfg.FFYawRate})

	gyro := omega.Cross(matVec(c.cfg.Inertia, omega))
	rawTorque := gyro.
		Sub(elemMul(c.cfg.KpAtt, eR)).
		Sub(elemMul(c.cfg.KdAtt, eOmega))

	torque := r3.Vector{
		X: clampF(rawTorque.X, -c.cfg.MaxTorque.X, c.cfg.MaxTorque.X),
		Y: clampF(rawTorque.Y, -c.cfg.MaxTorque.Y, c.cfg.MaxTorque.Y),
		Z: clampF(rawTorque.Z, -c.cfg.MaxTorque.Z, c.cfg.MaxTorque.Z),
	}
	torqueSat := [3]bool{
		torque.X != rawTorque.X,
		torque.Y != rawTorque.Y,
		torque.Z != rawTorque.Z,
	}

	// Windup detection uses the configured fraction of each limit, so axes
	// riding just under the clamp still count.
	thr := c.cfg.AntiWindup.SaturationThreshold
	satAxis := [3]bool{
		thrustNear || math.Abs(rawTorque.X) >= thr*c.cfg.MaxTorque.X,
		thrustNear || math.Abs(rawTorque.Y) >= thr*c.cfg.MaxTorque.Y,
		thrustNear || math.Abs(rawTorque.Z) >= thr*c.cfg.MaxTorque.Z,
	}

	// Step 7: anti-windup integral update.
	c.updateIntegral(velErr, dt, satAxis, rawThrust, thrust, rawTorque, torque)

	if thrustSat {
		c.metrics.ThrustSaturations++
	}
	if torqueSat[0] || torqueSat[1] || torqueSat[2] {
		c.metrics.TorqueSaturations++
	}
	if tiltLimited {
		c.metrics.TiltLimited++
	}

	c.lastValidThrust = thrust

	return types.ActuatorCommand{
		Thrust:          thrust,
		Torque:          torque,
		ThrustSaturated: thrustSat,
		TorqueSaturated: torqueSat,
		Timestamp:       now,
	}, eR
}

// updateIntegral accumulates velErr*dt under the configured anti-windup
// method, then applies the per-axis cap, the over-threshold decay, and the
// norm backstop. Caller holds mu.
func (c *GeometricController) updateIntegral(velErr r3.Vector, dt float64, satAxis [3]bool, rawThrust, thrust float64, rawTorque, torque r3.Vector) {
	if dt <= 0 {
		return
	}
	aw := c.cfg.AntiWindup
	inc := velErr.Mul(dt)

	switch aw.Method {
	case AntiWindupClamping:
		if satAxis[0] {
			inc.X *= integralAttenuation
		}
		if satAxis[1] {
			inc.Y *= integralAttenuation
		}
		if satAxis[2] {
			inc.Z *= integralAttenuation
		}
	case AntiWindupBackCalculation:
		// Overshoot (clamped minus raw) opposes further growth in the
		// direction that caused the saturation.
		over := torque.Sub(rawTorque)
		over.Z += (thrust - rawThrust) / c.cfg.Mass
		inc = inc.Add(over.Mul(aw.BackCalcGain * dt))
	}

	i := c.integral.Add(inc)

	i.X = clampF(i.X, -aw.MaxIntegral.X, aw.MaxIntegral.X)
	i.Y = clampF(i.Y, -aw.MaxIntegral.Y, aw.MaxIntegral.Y)
	i.Z = clampF(i.Z, -aw.MaxIntegral.Z, aw.MaxIntegral.Z)

	if math.Abs(i.X) > aw.DecayThreshold*aw.MaxIntegral.X {
		i.X *= aw.DecayFactor
	}
	if math.Abs(i.Y) > aw.DecayThreshold*aw.MaxIntegral.Y {
		i.Y *= aw.DecayFactor
	}
	if math.Abs(i.Z) > aw.DecayThreshold*aw.MaxIntegral.Z {
		i.Z *= aw.DecayFactor
	}

	if n := i.Norm(); aw.MaxIntegralNorm > 0 && n > aw.MaxIntegralNorm {
		i = i.Mul(aw.MaxIntegralNorm / n)
	}
	c.integral = i
}

// failsafeCommand transitions to FAILSAFE (idempotent per episode) and holds
// the last valid thrust with zero torque. Caller holds mu.
func (c *GeometricController) failsafeCommand(now time.Time) types.ActuatorCommand {
	if c.mode != ModeFailsafe {
		c.mode = ModeFailsafe
		c.metrics.FailsafeEntries++
		if !c.degraded {
			// Halve gains once so the recovery attempt cannot re-trigger the
			// instability that got us here; an explicit Reset restores them.
			c.degraded = true
			c.cfg.KpPos = c.cfg.KpPos.Mul(0.5)
			c.cfg.KiPos = c.cfg.KiPos.Mul(0.5)
			c.cfg.KdPos = c.cfg.KdPos.Mul(0.5)
			c.cfg.KpAtt = c.cfg.KpAtt.Mul(0.5)
			c.cfg.KdAtt = c.cfg.KdAtt.Mul(0.5)
		}
		c.integral = r3.Vector{}
		log.Warn("controller entered failsafe",
			"heldThrust", c.lastValidThrust, "failStreak", c.failStreak)
	}
	return types.ActuatorCommand{
		Thrust:    c.lastValidThrust,
		Failsafe:  true,
		Timestamp: now,
	}
}

// vecOf converts a plain array into a vector.
func vecOf(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}
