package control

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate(), "DefaultConfig must always validate")

	c, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		tune func(*Config)
	}{
		{"zero mass", func(c *Config) { c.Mass = 0 }},
		{"negative mass", func(c *Config) { c.Mass = -1 }},
		{"min thrust above max", func(c *Config) { c.MinThrust = c.MaxThrust + 1 }},
		{"zero max thrust", func(c *Config) { c.MaxThrust = 0 }},
		{"tilt beyond horizon", func(c *Config) { c.MaxTiltAngle = math.Pi }},
		{"zero tilt", func(c *Config) { c.MaxTiltAngle = 0 }},
		{"non-positive torque limit", func(c *Config) { c.MaxTorque = r3.Vector{X: 1, Y: 0, Z: 1} }},
		{"negative integral cap", func(c *Config) { c.AntiWindup.MaxIntegral.Y = -1 }},
		{"decay threshold above one", func(c *Config) { c.AntiWindup.DecayThreshold = 1.5 }},
		{"decay factor at one", func(c *Config) { c.AntiWindup.DecayFactor = 1 }},
		{"saturation threshold zero", func(c *Config) { c.AntiWindup.SaturationThreshold = 0 }},
		{"back-calculation without gain", func(c *Config) {
			c.AntiWindup.Method = AntiWindupBackCalculation
			c.AntiWindup.BackCalcGain = 0
		}},
		{"warning above singularity threshold", func(c *Config) {
			c.Singularity.WarningThreshold = 0.99
			c.Singularity.SingularityThreshold = 0.95
		}},
		{"unknown fallback", func(c *Config) { c.Singularity.Fallback = FallbackMethod(42) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tune(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig, "Validate should reject %s", tt.name)

			_, err = New(cfg)
			assert.Error(t, err, "New should refuse an invalid config")
		})
	}
}

func TestParseAntiWindupMethod(t *testing.T) {
	m, err := ParseAntiWindupMethod("clamping")
	require.NoError(t, err)
	assert.Equal(t, AntiWindupClamping, m)

	m, err = ParseAntiWindupMethod("back_calculation")
	require.NoError(t, err)
	assert.Equal(t, AntiWindupBackCalculation, m)

	m, err = ParseAntiWindupMethod("")
	require.NoError(t, err, "Empty spelling selects the default")
	assert.Equal(t, AntiWindupClamping, m)

	_, err = ParseAntiWindupMethod("integral_freeze")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseFallbackMethod(t *testing.T) {
	for spelling, want := range map[string]FallbackMethod{
		"skip_yaw":         FallbackSkipYaw,
		"default_heading":  FallbackDefaultHeading,
		"maintain_current": FallbackMaintainCurrent,
		"":                 FallbackSkipYaw,
	} {
		m, err := ParseFallbackMethod(spelling)
		require.NoError(t, err, "spelling %q", spelling)
		assert.Equal(t, want, m, "spelling %q", spelling)
	}

	_, err := ParseFallbackMethod("panic")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMethodRoundTrip(t *testing.T) {
	for _, m := range []AntiWindupMethod{AntiWindupClamping, AntiWindupBackCalculation} {
		got, err := ParseAntiWindupMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	for _, m := range []FallbackMethod{FallbackSkipYaw, FallbackDefaultHeading, FallbackMaintainCurrent} {
		got, err := ParseFallbackMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{
		Mass:         2,
		MaxThrust:    30,
		MinThrust:    1,
		MaxTiltAngle: 0.5,
		MaxTorque:    r3.Vector{X: 1, Y: 1, Z: 1},
		AntiWindup: AntiWindupConfig{
			MaxIntegral:         r3.Vector{X: 1, Y: 1, Z: 1},
			MaxIntegralNorm:     2,
			DecayThreshold:      0.8,
			DecayFactor:         0.9,
			SaturationThreshold: 0.95,
		},
		Singularity: SingularityConfig{
			WarningThreshold:     0.9,
			SingularityThreshold: 0.98,
		},
	}

	filled := cfg.withDefaults()
	assert.Equal(t, 9.81, filled.Gravity, "Gravity defaults to standard")
	assert.Equal(t, 1.0, filled.FFAcc, "Acceleration feedforward defaults to unity")
	assert.Equal(t, 1.0, filled.FFYawRate, "Yaw-rate feedforward defaults to unity")
	assert.NotNil(t, filled.Inertia, "Inertia defaults to a small quad tensor")

	_, err := New(cfg)
	assert.NoError(t, err, "New applies defaults before validating")
}
