// ============================================================================
// flightcore Geometric Controller - Configuration
// ============================================================================
//
// Package: internal/control
// File: config.go
// Purpose: Gains, physical limits, anti-windup and yaw-singularity parameters
// for one controller instance
//
// Contract faults (unknown method names, inverted limits, non-positive mass)
// are reported here at construction time; nothing later in the control cycle
// validates configuration again.
//
// ============================================================================

package control

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid controller config")

// AntiWindupMethod selects how the velocity-error integral is protected
// while actuators saturate.
type AntiWindupMethod int

const (
	// AntiWindupClamping attenuates the integral increment on saturated axes.
	AntiWindupClamping AntiWindupMethod = iota
	// AntiWindupBackCalculation feeds the saturation overshoot back into the
	// integral.
	AntiWindupBackCalculation
)

// String returns the config-file spelling of the method.
func (m AntiWindupMethod) String() string {
	if m == AntiWindupBackCalculation {
		return "back_calculation"
	}
	return "clamping"
}

// ParseAntiWindupMethod converts a config-file spelling. Unknown spellings
// are a contract fault reported to the caller.
func ParseAntiWindupMethod(s string) (AntiWindupMethod, error) {
	switch s {
	case "clamping", "":
		return AntiWindupClamping, nil
	case "back_calculation":
		return AntiWindupBackCalculation, nil
	}
	return 0, fmt.Errorf("%w: unknown anti-windup method %q", ErrInvalidConfig, s)
}

// FallbackMethod selects the desired-frame construction used when the yaw
// direction aligns with the thrust axis and the normal cross-product
// construction degenerates.
type FallbackMethod int

const (
	// FallbackSkipYaw derives an arbitrary frame perpendicular to thrust.
	FallbackSkipYaw FallbackMethod = iota
	// FallbackDefaultHeading substitutes a configured default heading.
	FallbackDefaultHeading
	// FallbackMaintainCurrent holds the last known good heading.
	FallbackMaintainCurrent
)

// String returns the config-file spelling of the method.
func (m FallbackMethod) String() string {
	switch m {
	case FallbackDefaultHeading:
		return "default_heading"
	case FallbackMaintainCurrent:
		return "maintain_current"
	}
	return "skip_yaw"
}

// ParseFallbackMethod converts a config-file spelling.
func ParseFallbackMethod(s string) (FallbackMethod, error) {
	switch s {
	case "skip_yaw", "":
		return FallbackSkipYaw, nil
	case "default_heading":
		return FallbackDefaultHeading, nil
	case "maintain_current":
		return FallbackMaintainCurrent, nil
	}
	return 0, fmt.Errorf("%w: unknown singularity fallback %q", ErrInvalidConfig, s)
}

// AntiWindupConfig bounds the velocity-error integral.
type AntiWindupConfig struct {
	Method AntiWindupMethod

	// MaxIntegral caps the integral per axis (absolute value).
	MaxIntegral r3.Vector
	// MaxIntegralNorm is the norm backstop applied after per-axis clamping.
	MaxIntegralNorm float64
	// DecayThreshold is the fraction of the per-axis cap past which decay
	// kicks in, in (0, 1].
	DecayThreshold float64
	// DecayFactor multiplies an axis that crossed the threshold, in (0, 1).
	DecayFactor float64
	// SaturationThreshold is the fraction of an actuator limit at which an
	// axis counts as saturated for windup purposes, in (0, 1].
	SaturationThreshold float64
	// BackCalcGain scales the overshoot feedback (back-calculation only).
	BackCalcGain float64
}

// SingularityConfig governs detection and handling of yaw/thrust alignment.
type SingularityConfig struct {
	// WarningThreshold on |yawDir . thrustDir| logs a warning, in (0, 1].
	WarningThreshold float64
	// SingularityThreshold switches to the fallback construction, in (0, 1]
	// and >= WarningThreshold.
	SingularityThreshold float64
	Fallback             FallbackMethod
	// DefaultHeadingYaw is the substitute heading for FallbackDefaultHeading,
	// radians.
	DefaultHeadingYaw float64
}

// Config is the construction-time parameter set for one controller
// instance. Instances never share a config or integrator state.
type Config struct {
	Mass    float64 // kg
	Gravity float64 // m/s^2, positive down; 0 selects the default 9.81

	// Inertia is the 3x3 vehicle inertia tensor, kg m^2. Nil selects a
	// small-quad diagonal default.
	Inertia *mat.SymDense

	// Position-loop PID gains, per axis.
	KpPos r3.Vector
	KiPos r3.Vector
	KdPos r3.Vector
	// Attitude P/D gains, per axis.
	KpAtt r3.Vector
	KdAtt r3.Vector

	// Feedforward scalars.
	FFAcc     float64 // on desired acceleration, 0 selects 1.0
	FFYawRate float64 // on desired yaw rate, 0 selects 1.0

	// Physical limits.
	MaxThrust    float64   // Newtons
	MinThrust    float64   // Newtons
	MaxTiltAngle float64   // radians from vertical
	MaxTorque    r3.Vector // Newton-meters, per axis

	AntiWindup  AntiWindupConfig
	Singularity SingularityConfig

	// Tracking-divergence failsafe thresholds.
	PosErrThreshold float64 // meters
	VelErrThreshold float64 // m/s
}

// DefaultConfig returns gains and limits for a ~1.5 kg quadrotor; the demo
// and the tests start from it.
func DefaultConfig() Config {
	return Config{
		Mass:         1.5,
		Gravity:      9.81,
		Inertia:      mat.NewSymDense(3, []float64{0.029, 0, 0, 0, 0.029, 0, 0, 0, 0.055}),
		KpPos:        r3.Vector{X: 6, Y: 6, Z: 8},
		KiPos:        r3.Vector{X: 0.6, Y: 0.6, Z: 0.8},
		KdPos:        r3.Vector{X: 4, Y: 4, Z: 5},
		KpAtt:        r3.Vector{X: 8, Y: 8, Z: 2.5},
		KdAtt:        r3.Vector{X: 0.4, Y: 0.4, Z: 0.15},
		FFAcc:        1.0,
		FFYawRate:    1.0,
		MaxThrust:    40,
		MinThrust:    1,
		MaxTiltAngle: 35 * math.Pi / 180,
		MaxTorque:    r3.Vector{X: 2, Y: 2, Z: 1},
		AntiWindup: AntiWindupConfig{
			Method:              AntiWindupClamping,
			MaxIntegral:         r3.Vector{X: 2, Y: 2, Z: 2},
			MaxIntegralNorm:     3,
			DecayThreshold:      0.8,
			DecayFactor:         0.95,
			SaturationThreshold: 0.98,
			BackCalcGain:        0.5,
		},
		Singularity: SingularityConfig{
			WarningThreshold:     0.9,
			SingularityThreshold: 0.98,
			Fallback:             FallbackSkipYaw,
		},
		PosErrThreshold: 5,
		VelErrThreshold: 10,
	}
}

// withDefaults fills optional zero values.
func (c Config) withDefaults() Config {
	if c.Gravity == 0 {
		c.Gravity = 9.81
	}
	if c.Inertia == nil {
		c.Inertia = mat.NewSymDense(3, []float64{0.029, 0, 0, 0, 0.029, 0, 0, 0, 0.055})
	}
	if c.FFAcc == 0 {
		c.FFAcc = 1.0
	}
	if c.FFYawRate == 0 {
		c.FFYawRate = 1.0
	}
	return c
}

// Validate reports contract faults in the configuration.
func (c Config) Validate() error {
	if c.Mass <= 0 {
		return fmt.Errorf("%w: mass must be positive", ErrInvalidConfig)
	}
	if c.MaxThrust <= 0 || c.MinThrust < 0 || c.MinThrust >= c.MaxThrust {
		return fmt.Errorf("%w: need 0 <= min thrust < max thrust", ErrInvalidConfig)
	}
	if c.MaxTiltAngle <= 0 || c.MaxTiltAngle >= math.Pi/2 {
		return fmt.Errorf("%w: max tilt angle must be in (0, pi/2)", ErrInvalidConfig)
	}
	if c.MaxTorque.X <= 0 || c.MaxTorque.Y <= 0 || c.MaxTorque.Z <= 0 {
		return fmt.Errorf("%w: max torque must be positive per axis", ErrInvalidConfig)
	}
	switch c.AntiWindup.Method {
	case AntiWindupClamping, AntiWindupBackCalculation:
	default:
		return fmt.Errorf("%w: unknown anti-windup method %d", ErrInvalidConfig, c.AntiWindup.Method)
	}
	aw := c.AntiWindup
	if aw.MaxIntegral.X < 0 || aw.MaxIntegral.Y < 0 || aw.MaxIntegral.Z < 0 {
		return fmt.Errorf("%w: integral caps must be non-negative", ErrInvalidConfig)
	}
	if aw.DecayThreshold <= 0 || aw.DecayThreshold > 1 {
		return fmt.Errorf("%w: decay threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if aw.DecayFactor <= 0 || aw.DecayFactor >= 1 {
		return fmt.Errorf("%w: decay factor must be in (0, 1)", ErrInvalidConfig)
	}
	if aw.SaturationThreshold <= 0 || aw.SaturationThreshold > 1 {
		return fmt.Errorf("%w: saturation threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if aw.Method == AntiWindupBackCalculation && aw.BackCalcGain <= 0 {
		return fmt.Errorf("%w: back-calculation needs a positive gain", ErrInvalidConfig)
	}
	sg := c.Singularity
	if sg.WarningThreshold <= 0 || sg.WarningThreshold > 1 ||
		sg.SingularityThreshold <= 0 || sg.SingularityThreshold > 1 {
		return fmt.Errorf("%w: singularity thresholds must be in (0, 1]", ErrInvalidConfig)
	}
	if sg.WarningThreshold > sg.SingularityThreshold {
		return fmt.Errorf("%w: warning threshold above singularity threshold", ErrInvalidConfig)
	}
	switch sg.Fallback {
	case FallbackSkipYaw, FallbackDefaultHeading, FallbackMaintainCurrent:
	default:
		return fmt.Errorf("%w: unknown singularity fallback %d", ErrInvalidConfig, sg.Fallback)
	}
	return nil
}
