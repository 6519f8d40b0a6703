package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeroframe/flightcore/internal/control"
	"github.com/aeroframe/flightcore/internal/sched"
	"github.com/aeroframe/flightcore/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "flightcore", cmd.Use, "Root command should be 'flightcore'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["simulate"], "Should have 'simulate' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd, "buildRunCommand should return a non-nil command")
	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	durationFlag := cmd.Flags().Lookup("duration")
	assert.NotNil(t, durationFlag, "Should have --duration flag")
	assert.Equal(t, "d", durationFlag.Shorthand, "Should have -d shorthand")
}

func TestBuildSimulateCommand(t *testing.T) {
	cmd := buildSimulateCommand()

	assert.NotNil(t, cmd, "buildSimulateCommand should return a non-nil command")
	assert.Equal(t, "simulate", cmd.Use, "Command should be 'simulate'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.NotNil(t, cmd, "buildStatusCommand should return a non-nil command")
	assert.Equal(t, "status", cmd.Use, "Command should be 'status'")
	assert.Contains(t, cmd.Short, "configuration", "Short description should mention the configuration")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
scheduler:
  mode: dedicated
  os_priority: true
  monitoring: true

buffer:
  capacity: 32

tasks:
  estimator:
    period_ms: 5
    priority: high
  control:
    period_ms: 10
    deadline_ms: 8
    priority: critical
  planning:
    period_ms: 100
    priority: medium

controller:
  mass: 2.0
  max_thrust: 50.0
  max_tilt_deg: 30.0
  anti_windup:
    method: back_calculation
  singularity:
    fallback: maintain_current

metrics:
  enabled: true
  port: 8080
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err, "Failed to write test config file")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg, "Config should not be nil")

	assert.Equal(t, "dedicated", cfg.Scheduler.Mode, "Scheduler mode should be dedicated")
	assert.True(t, cfg.Scheduler.OSPriority, "OS priority should be enabled")
	assert.True(t, cfg.Scheduler.Monitoring, "Monitoring should be enabled")

	assert.Equal(t, 32, cfg.Buffer.Capacity, "Buffer capacity should be 32")

	assert.Equal(t, 5, cfg.Tasks.Estimator.PeriodMs, "Estimator period should be 5ms")
	assert.Equal(t, 8, cfg.Tasks.Control.DeadlineMs, "Control deadline should be 8ms")
	assert.Equal(t, "critical", cfg.Tasks.Control.Priority, "Control priority should be critical")

	assert.Equal(t, 2.0, cfg.Controller.Mass, "Mass should be 2.0")
	assert.Equal(t, 50.0, cfg.Controller.MaxThrust, "Max thrust should be 50.0")
	assert.Equal(t, "back_calculation", cfg.Controller.AntiWindup.Method)
	assert.Equal(t, "maintain_current", cfg.Controller.Singularity.Fallback)

	assert.True(t, cfg.Metrics.Enabled, "Metrics should be enabled")
	assert.Equal(t, 8080, cfg.Metrics.Port, "Metrics port should be 8080")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
scheduler:
  mode: "cooperative
  invalid yaml structure
    broken indentation
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err, "Failed to write invalid YAML file")

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "minimal.yaml")

	err := os.WriteFile(configPath, []byte("scheduler:\n  mode: cooperative\n"), 0644)
	require.NoError(t, err)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "Minimal YAML should parse")
	assert.Greater(t, cfg.Buffer.Capacity, 0, "Buffer capacity should get a default")
	assert.Equal(t, 9090, cfg.Metrics.Port, "Metrics port should default to 9090")
}

func TestControllerConfigConversion(t *testing.T) {
	var cc ControllerConfig
	cc.Mass = 2.0
	cc.MaxTiltDeg = 30
	cc.KpPos = [3]float64{5, 5, 7}
	cc.AntiWindup.Method = "back_calculation"
	cc.Singularity.Fallback = "default_heading"
	cc.Singularity.DefaultHeadingDeg = 90

	out, err := cc.toControlConfig()
	require.NoError(t, err, "Conversion should succeed")

	assert.Equal(t, 2.0, out.Mass)
	assert.InDelta(t, 30*3.14159265/180, out.MaxTiltAngle, 1e-6, "Tilt should convert to radians")
	assert.Equal(t, 5.0, out.KpPos.X)
	assert.Equal(t, control.AntiWindupBackCalculation, out.AntiWindup.Method)
	assert.Equal(t, control.FallbackDefaultHeading, out.Singularity.Fallback)
	assert.InDelta(t, 3.14159265/2, out.Singularity.DefaultHeadingYaw, 1e-6, "Heading should convert to radians")

	// Untouched fields keep the controller defaults.
	assert.Equal(t, control.DefaultConfig().MaxThrust, out.MaxThrust, "Unset limits fall through to defaults")
}

func TestControllerConfigConversionRejects(t *testing.T) {
	var cc ControllerConfig
	cc.AntiWindup.Method = "made_up"

	_, err := cc.toControlConfig()
	assert.Error(t, err, "Unknown anti-windup spelling should be rejected")

	var bad ControllerConfig
	bad.MaxThrust = 0.5 // below the default minimum thrust
	_, err = bad.toControlConfig()
	assert.Error(t, err, "Validation failures should propagate")
}

func TestParsePriority(t *testing.T) {
	for spelling, want := range map[string]types.Priority{
		"low":      types.PriorityLow,
		"medium":   types.PriorityMedium,
		"high":     types.PriorityHigh,
		"critical": types.PriorityCritical,
		"":         types.PriorityMedium,
	} {
		got, err := parsePriority(spelling)
		require.NoError(t, err, "spelling %q", spelling)
		assert.Equal(t, want, got, "spelling %q", spelling)
	}

	_, err := parsePriority("urgent")
	assert.Error(t, err, "Unknown priority should be rejected")
}

func TestParseMode(t *testing.T) {
	m, err := parseMode("cooperative")
	require.NoError(t, err)
	assert.Equal(t, sched.ModeCooperative, m)

	m, err = parseMode("dedicated")
	require.NoError(t, err)
	assert.Equal(t, sched.ModeDedicated, m)

	_, err = parseMode("preemptive")
	assert.Error(t, err, "Unknown mode should be rejected")
}
