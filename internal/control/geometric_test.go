package control

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/aeroframe/flightcore/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestController creates a controller from the default config
func newTestController(t *testing.T) *GeometricController {
	t.Helper()
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// hoverState is a vehicle at rest at pos with identity attitude
func hoverState(pos r3.Vector) types.VehicleState {
	return types.VehicleState{Position: pos}
}

// hoverPoint is a trajectory point holding still at pos
func hoverPoint(pos r3.Vector) types.TrajectoryPoint {
	return types.TrajectoryPoint{Position: pos}
}

// assertNear asserts two floats agree within tol
func assertNear(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %v, want %v (tol %v)", what, got, want, tol)
	}
}

// assertVecNear asserts two vectors agree within tol per axis
func assertVecNear(t *testing.T, got, want r3.Vector, tol float64, what string) {
	t.Helper()
	if math.Abs(got.X-want.X) > tol || math.Abs(got.Y-want.Y) > tol || math.Abs(got.Z-want.Z) > tol {
		t.Errorf("%s: got %v, want %v (tol %v)", what, got, want, tol)
	}
}

// assertOrthonormalFrame asserts (b1, b2, b3) is right-handed orthonormal
func assertOrthonormalFrame(t *testing.T, b1, b2, b3 r3.Vector) {
	t.Helper()
	assertNear(t, b1.Norm(), 1, 1e-9, "|b1|")
	assertNear(t, b2.Norm(), 1, 1e-9, "|b2|")
	assertNear(t, b3.Norm(), 1, 1e-9, "|b3|")
	assertNear(t, b1.Dot(b2), 0, 1e-9, "b1.b2")
	assertNear(t, b2.Dot(b3), 0, 1e-9, "b2.b3")
	assertNear(t, b1.Dot(b3), 0, 1e-9, "b1.b3")
	assertVecNear(t, b1.Cross(b2), b3, 1e-9, "b1 x b2")
}

// stepTimes returns n timestamps spaced dt apart
func stepTimes(n int, dt time.Duration) []time.Time {
	base := time.Now()
	out := make([]time.Time, n)
	for i := range out {
		out[i] = base.Add(time.Duration(i) * dt)
	}
	return out
}

// ============================================================================
// Control Law Tests
// ============================================================================

func TestHoverEquilibrium(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	cmd := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), time.Now())

	assertNear(t, cmd.Thrust, cfg.Mass*cfg.Gravity, 1e-9, "hover thrust")
	assertVecNear(t, cmd.Torque, r3.Vector{}, 1e-9, "hover torque")
	if cmd.ThrustSaturated {
		t.Error("hover thrust should not saturate")
	}
	if cmd.Failsafe {
		t.Error("hover should not enter failsafe")
	}
}

func TestPositionErrorRaisesThrust(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	// Vehicle 1m below the setpoint: the law must command more than hover
	// thrust to climb.
	cmd := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{Z: 1}), time.Now())

	if cmd.Thrust <= cfg.Mass*cfg.Gravity {
		t.Errorf("climb thrust %v should exceed hover %v", cmd.Thrust, cfg.Mass*cfg.Gravity)
	}
}

func TestGyroscopicTorqueTerm(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	// Hover geometry (eR = 0) with body rate: the commanded torque must be
	// exactly the gyroscopic term minus rate damping.
	omega := r3.Vector{X: 0.4, Y: -0.3, Z: 0.2}
	state := hoverState(r3.Vector{})
	state.AngularVelocity = omega

	cmd := c.ComputeControl(state, hoverPoint(r3.Vector{}), time.Now())

	gyro := omega.Cross(matVec(cfg.Inertia, omega))
	want := gyro.Sub(elemMul(cfg.KdAtt, omega))
	assertVecNear(t, cmd.Torque, want, 1e-9, "gyroscopic torque")
}

func TestThrustSaturationHigh(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	// 4m position error along z is enough to exceed 40N on a 1.5kg vehicle,
	// but no velocity error so the divergence guard stays quiet.
	cmd := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{Z: 4}), time.Now())

	if !cmd.ThrustSaturated {
		t.Error("expected thrust saturation flag")
	}
	assertNear(t, cmd.Thrust, cfg.MaxThrust, 1e-9, "clamped thrust")
	if c.PerformanceMetrics().ThrustSaturations != 1 {
		t.Error("thrust saturation should be counted")
	}
}

func TestThrustSaturationLow(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	// Desired acceleration cancels gravity: raw thrust ~0, clamped up to the
	// minimum so the vehicle never free-falls on command.
	desired := hoverPoint(r3.Vector{})
	desired.Acceleration = r3.Vector{Z: -cfg.Gravity}
	cmd := c.ComputeControl(hoverState(r3.Vector{}), desired, time.Now())

	if !cmd.ThrustSaturated {
		t.Error("expected thrust saturation flag at the low clamp")
	}
	assertNear(t, cmd.Thrust, cfg.MinThrust, 1e-9, "min thrust clamp")
}

func TestTorqueSaturationPerAxis(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	// A fast roll rate drives the X damping torque far past its limit while
	// Z stays in range.
	state := hoverState(r3.Vector{})
	state.AngularVelocity = r3.Vector{X: 50}

	cmd := c.ComputeControl(state, hoverPoint(r3.Vector{}), time.Now())

	if !cmd.TorqueSaturated[0] {
		t.Error("X torque should saturate")
	}
	if cmd.TorqueSaturated[2] {
		t.Error("Z torque should not saturate")
	}
	assertNear(t, math.Abs(cmd.Torque.X), cfg.MaxTorque.X, 1e-9, "clamped X torque")
}

func TestTiltLimitCounted(t *testing.T) {
	c := newTestController(t)

	// Large horizontal error pushes the desired thrust direction well past
	// the 35 degree tilt limit.
	cmd := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{X: 4}), time.Now())

	if c.PerformanceMetrics().TiltLimited != 1 {
		t.Error("tilt limiting should be counted")
	}
	if cmd.Failsafe {
		t.Error("tilt limiting alone must not trigger failsafe")
	}
}

// ============================================================================
// dt Guard and Failsafe Tests
// ============================================================================

func TestNonMonotonicTimeTriggersFailsafe(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	now := time.Now()
	first := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now)

	// Clock steps backwards: the law is skipped, the last valid thrust held.
	cmd := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now.Add(-time.Millisecond))

	if !cmd.Failsafe {
		t.Fatal("backwards clock should yield a failsafe command")
	}
	assertNear(t, cmd.Thrust, first.Thrust, 1e-9, "held thrust")
	assertVecNear(t, cmd.Torque, r3.Vector{}, 0, "failsafe torque")
	if c.Mode() != ModeFailsafe {
		t.Error("controller should report failsafe mode")
	}
	if c.PerformanceMetrics().InvalidDt != 1 {
		t.Error("invalid dt should be counted")
	}

	// One healthy cycle recovers the mode; position gains remain halved
	// until Reset.
	cmd = c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now.Add(10*time.Millisecond))
	if cmd.Failsafe {
		t.Error("valid dt should resume normal control")
	}
	if c.Mode() != ModeNormal {
		t.Error("mode should return to normal")
	}
	if c.cfg.KpPos.X != cfg.KpPos.X/2 {
		t.Error("gains should stay halved after a failsafe episode")
	}
}

func TestStaleDtTriggersFailsafe(t *testing.T) {
	c := newTestController(t)

	now := time.Now()
	c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now)
	cmd := c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now.Add(time.Second))

	if !cmd.Failsafe {
		t.Error("a 1s gap between cycles should yield a failsafe command")
	}
}

func TestDivergenceFailsafeLatches(t *testing.T) {
	c := newTestController(t)

	// Position and velocity error both past their thresholds, cycle after
	// cycle: the failsafe must latch after the cycle limit.
	state := hoverState(r3.Vector{X: 100})
	state.Velocity = r3.Vector{X: 20}
	desired := hoverPoint(r3.Vector{})

	var latched int
	times := stepTimes(150, 10*time.Millisecond)
	for i, now := range times {
		if cmd := c.ComputeControl(state, desired, now); cmd.Failsafe {
			latched = i
			break
		}
	}
	if latched == 0 {
		t.Fatal("sustained divergence never latched failsafe")
	}
	if latched < failsafeCycleLimit {
		t.Errorf("failsafe latched after %d cycles, want >= %d", latched, failsafeCycleLimit)
	}

	m := c.PerformanceMetrics()
	if m.FailsafeEntries != 1 {
		t.Errorf("one episode should count one entry, got %d", m.FailsafeEntries)
	}
	assertVecNear(t, c.IntegralVelError(), r3.Vector{}, 0, "integral zeroed on failsafe entry")
}

func TestDivergenceFailsafeRecovers(t *testing.T) {
	c := newTestController(t)

	bad := hoverState(r3.Vector{X: 100})
	bad.Velocity = r3.Vector{X: 20}
	good := hoverState(r3.Vector{})
	desired := hoverPoint(r3.Vector{})

	times := stepTimes(600, 10*time.Millisecond)
	i := 0
	for ; i < 300; i++ {
		c.ComputeControl(bad, desired, times[i])
	}
	if c.Mode() != ModeFailsafe {
		t.Fatal("controller should be latched in failsafe")
	}

	// The streak is capped, so recovery is bounded: a comparable run of
	// good tracking must bring the controller back.
	recovered := false
	for ; i < len(times); i++ {
		if cmd := c.ComputeControl(good, desired, times[i]); !cmd.Failsafe {
			recovered = true
			break
		}
	}
	if !recovered {
		t.Error("controller never recovered from a latched failsafe")
	}
}

func TestReset(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	// Force a failsafe episode, then Reset.
	now := time.Now()
	c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now)
	c.ComputeControl(hoverState(r3.Vector{}), hoverPoint(r3.Vector{}), now.Add(-time.Second))
	c.Reset()

	if c.Mode() != ModeNormal {
		t.Error("Reset should restore normal mode")
	}
	assertVecNear(t, c.cfg.KpPos, cfg.KpPos, 0, "Reset restores gains")
	assertVecNear(t, c.IntegralVelError(), r3.Vector{}, 0, "Reset clears integral")
}

// ============================================================================
// Anti-Windup Tests
// ============================================================================

func TestIntegralCapsClamping(t *testing.T) {
	c := newTestController(t)
	aw := DefaultConfig().AntiWindup

	// Persistent velocity error with no position error: the integral builds
	// but must never leave its per-axis caps or norm backstop.
	state := hoverState(r3.Vector{})
	state.Velocity = r3.Vector{X: -8, Y: -8, Z: -8}
	desired := hoverPoint(r3.Vector{})

	for _, now := range stepTimes(500, 10*time.Millisecond) {
		c.ComputeControl(state, desired, now)

		i := c.IntegralVelError()
		if math.Abs(i.X) > aw.MaxIntegral.X || math.Abs(i.Y) > aw.MaxIntegral.Y || math.Abs(i.Z) > aw.MaxIntegral.Z {
			t.Fatalf("integral %v escaped per-axis caps %v", i, aw.MaxIntegral)
		}
		if i.Norm() > aw.MaxIntegralNorm+1e-9 {
			t.Fatalf("integral norm %v escaped backstop %v", i.Norm(), aw.MaxIntegralNorm)
		}
	}

	if c.IntegralVelError().Norm() == 0 {
		t.Error("integral should have accumulated")
	}
}

func TestIntegralCapsBackCalculation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AntiWindup.Method = AntiWindupBackCalculation
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	state := hoverState(r3.Vector{})
	state.Velocity = r3.Vector{X: -8, Y: 3, Z: -8}
	desired := hoverPoint(r3.Vector{})

	for _, now := range stepTimes(500, 10*time.Millisecond) {
		c.ComputeControl(state, desired, now)
		if n := c.IntegralVelError().Norm(); n > cfg.AntiWindup.MaxIntegralNorm+1e-9 {
			t.Fatalf("integral norm %v escaped backstop", n)
		}
	}
}

func TestSaturatedAxisAccumulatesSlower(t *testing.T) {
	// Under clamping, an axis driving a saturated actuator accumulates at
	// the attenuated rate; the same error with roomy limits accumulates at
	// the full rate.
	roomy := DefaultConfig()
	roomy.MaxThrust = 1000
	tight := DefaultConfig()
	tight.MaxThrust = 16 // barely above hover: any z error saturates

	cr, _ := New(roomy)
	ct, _ := New(tight)

	state := hoverState(r3.Vector{})
	state.Velocity = r3.Vector{Z: -4}
	desired := hoverPoint(r3.Vector{})

	for _, now := range stepTimes(20, 10*time.Millisecond) {
		cr.ComputeControl(state, desired, now)
		ct.ComputeControl(state, desired, now)
	}

	if ct.IntegralVelError().Z >= cr.IntegralVelError().Z {
		t.Errorf("saturated integral %v should trail unsaturated %v",
			ct.IntegralVelError().Z, cr.IntegralVelError().Z)
	}
}

// ============================================================================
// Entry Point Equivalence Tests
// ============================================================================

func TestFastPathMatchesGeneralPath(t *testing.T) {
	a := newTestController(t)
	b := newTestController(t)

	state := types.VehicleState{
		Position:        r3.Vector{X: 1, Y: -2, Z: 3},
		Velocity:        r3.Vector{X: 0.5, Y: 0.1, Z: -0.2},
		AngularVelocity: r3.Vector{X: 0.05, Y: -0.02, Z: 0.1},
	}
	desired := types.TrajectoryPoint{
		Position:     r3.Vector{X: 1.5, Y: -2, Z: 3.5},
		Velocity:     r3.Vector{X: 0.2},
		Acceleration: r3.Vector{Z: 0.1},
		Yaw:          0.4,
		YawRate:      0.1,
	}
	in := &FastInput{
		Position:            [3]float64{1, -2, 3},
		Velocity:            [3]float64{0.5, 0.1, -0.2},
		AngularVelocity:     [3]float64{0.05, -0.02, 0.1},
		Rotation:            [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		DesiredPosition:     [3]float64{1.5, -2, 3.5},
		DesiredVelocity:     [3]float64{0.2, 0, 0},
		DesiredAcceleration: [3]float64{0, 0, 0.1},
		Yaw:                 0.4,
		YawRate:             0.1,
	}

	var fast types.ActuatorCommand
	for _, now := range stepTimes(5, 10*time.Millisecond) {
		general := a.ComputeControl(state, desired, now)
		b.ComputeControlFast(in, now, &fast)

		assertNear(t, fast.Thrust, general.Thrust, 1e-12, "thrust")
		assertVecNear(t, fast.Torque, general.Torque, 1e-12, "torque")
		if fast.ThrustSaturated != general.ThrustSaturated || fast.Failsafe != general.Failsafe {
			t.Error("flag mismatch between entry points")
		}
	}
}

func TestComputeBodyRateCommand(t *testing.T) {
	c := newTestController(t)
	cfg := DefaultConfig()

	desired := hoverPoint(r3.Vector{})
	desired.YawRate = 0.3
	cmd := c.ComputeBodyRateCommand(hoverState(r3.Vector{}), desired, time.Now())

	assertNear(t, cmd.NormalizedThrust, cfg.Mass*cfg.Gravity/cfg.MaxThrust, 1e-9, "normalized thrust")
	assertVecNear(t, cmd.BodyRates, r3.Vector{Z: 0.3}, 1e-9, "yaw rate feedforward")
	if cmd.Failsafe {
		t.Error("hover should not be failsafe")
	}
}

// ============================================================================
// SE(3) Helper Tests
// ============================================================================

func TestAttitudeErrorYawRotation(t *testing.T) {
	theta := 0.1
	r := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	rd := mat.NewDense(3, 3, []float64{
		math.Cos(theta), -math.Sin(theta), 0,
		math.Sin(theta), math.Cos(theta), 0,
		0, 0, 1,
	})

	eR := attitudeError(r, rd)
	assertVecNear(t, eR, r3.Vector{Z: -math.Sin(theta)}, 1e-12, "yaw attitude error")
}

func TestLimitTilt(t *testing.T) {
	maxTilt := 35 * math.Pi / 180

	// Within the limit: unchanged.
	in := r3.Vector{X: 0.1, Z: 1}.Normalize()
	out, limited := limitTilt(in, maxTilt)
	if limited {
		t.Error("small tilt should pass through")
	}
	assertVecNear(t, out, in, 0, "unchanged direction")

	// Beyond the limit: pulled back to exactly the limit, heading kept.
	in = r3.Vector{X: 1, Y: 1, Z: 0.2}.Normalize()
	out, limited = limitTilt(in, maxTilt)
	if !limited {
		t.Fatal("large tilt should be limited")
	}
	assertNear(t, out.Norm(), 1, 1e-9, "unit length preserved")
	assertNear(t, math.Acos(out.Z), maxTilt, 1e-9, "tilt pinned to the limit")
	assertNear(t, math.Atan2(out.Y, out.X), math.Atan2(in.Y, in.X), 1e-9, "heading preserved")

	// Straight down: no heading to keep, snap to vertical.
	out, limited = limitTilt(r3.Vector{Z: -1}, maxTilt)
	if !limited {
		t.Error("inverted thrust should be limited")
	}
	assertVecNear(t, out, unitZ, 0, "inverted direction recovers to vertical")
}

// ============================================================================
// Singularity Handling Tests
// ============================================================================

func TestDesiredFrameNominal(t *testing.T) {
	c := newTestController(t)

	b3 := unitZ
	b1, b2, level := c.desiredFrame(b3, 0.7)
	if level != singNone {
		t.Errorf("vertical thrust with horizontal yaw should be regular, got level %d", level)
	}
	assertOrthonormalFrame(t, b1, b2, b3)
	assertNear(t, math.Atan2(b1.Y, b1.X), 0.7, 1e-9, "b1 points along the commanded yaw")
}

func TestDesiredFrameWarning(t *testing.T) {
	c := newTestController(t)

	// |heading . b3| = 0.95: between the warning and singularity thresholds.
	b3 := r3.Vector{X: 0.95, Z: math.Sqrt(1 - 0.95*0.95)}
	b1, b2, level := c.desiredFrame(b3, 0)
	if level != singWarning {
		t.Errorf("expected warning level, got %d", level)
	}
	assertOrthonormalFrame(t, b1, b2, b3)
}

func TestFallbackFramesOrthonormal(t *testing.T) {
	// Thrust parallel to the commanded heading: every fallback must still
	// produce a right-handed orthonormal frame.
	b3 := r3.Vector{X: 1}

	tests := []struct {
		name string
		tune func(*Config)
	}{
		{"skip_yaw", func(cfg *Config) {
			cfg.Singularity.Fallback = FallbackSkipYaw
		}},
		{"default_heading", func(cfg *Config) {
			cfg.Singularity.Fallback = FallbackDefaultHeading
			cfg.Singularity.DefaultHeadingYaw = math.Pi / 2
		}},
		{"default_heading_degenerate", func(cfg *Config) {
			// The substitute heading is itself parallel to thrust.
			cfg.Singularity.Fallback = FallbackDefaultHeading
			cfg.Singularity.DefaultHeadingYaw = 0
		}},
		{"maintain_current", func(cfg *Config) {
			cfg.Singularity.Fallback = FallbackMaintainCurrent
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tune(&cfg)
			c, err := New(cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			b1, b2, level := c.desiredFrame(b3, 0)
			if level != singFallback {
				t.Fatalf("expected fallback level, got %d", level)
			}
			assertOrthonormalFrame(t, b1, b2, b3)
		})
	}
}

func TestMaintainCurrentUsesLastHeading(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Singularity.Fallback = FallbackMaintainCurrent
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// A regular cycle records its heading; the next degenerate cycle reuses
	// it instead of the commanded yaw.
	c.ComputeControl(hoverState(r3.Vector{}), types.TrajectoryPoint{Yaw: math.Pi / 2}, time.Now())

	b1, _, level := c.desiredFrame(r3.Vector{X: 1}, 0)
	if level != singFallback {
		t.Fatalf("expected fallback level, got %d", level)
	}
	assertNear(t, b1.Y, 1, 1e-9, "fallback keeps the last good heading")
}
