// ============================================================================
// flightcore CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   flightcore                     # Root command
//   ├── run                        # Start the control core against the simulated plant
//   │   └── --duration, -d        # Optional run duration (0 = until signal)
//   ├── simulate                   # Run a fixed-length simulation and report tracking
//   │   └── --duration, -d        # Simulation length
//   ├── status                     # Show the effective configuration
//   ├── --config, -c              # Config file path (persistent)
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - scheduler: execution mode, OS priority, monitoring toggle
//   - buffer: state history capacity
//   - tasks: period/deadline/priority per task (estimator, control, planning)
//   - controller: mass, gains, limits, anti-windup, singularity handling
//   - metrics: Prometheus monitoring configuration
//
// run Command:
//   Starts the full control core:
//   1. Load config file
//   2. Create state buffer, controller, and scheduler
//   3. Register estimator, control, and planning tasks
//   4. Start Metrics HTTP server (if enabled)
//   5. Listen for system signals (SIGINT, SIGTERM)
//   6. Gracefully shutdown and print task statistics
//
// Signal Handling:
//   run command captures SIGINT and SIGTERM. Shutdown stops the scheduler,
//   waits for in-flight task bodies, then reports per-task statistics.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/aeroframe/flightcore/internal/control"
	"github.com/aeroframe/flightcore/internal/metrics"
	"github.com/aeroframe/flightcore/internal/sched"
	"github.com/aeroframe/flightcore/internal/sim"
	"github.com/aeroframe/flightcore/internal/statebuf"
	"github.com/aeroframe/flightcore/pkg/types"
)

var log = slog.Default()

// TaskConfig holds the timing parameters of one scheduled task.
type TaskConfig struct {
	PeriodMs   int    `yaml:"period_ms"`
	DeadlineMs int    `yaml:"deadline_ms"`
	Priority   string `yaml:"priority"`
}

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Scheduler struct {
		Mode       string `yaml:"mode"` // cooperative | dedicated
		OSPriority bool   `yaml:"os_priority"`
		Monitoring bool   `yaml:"monitoring"`
	} `yaml:"scheduler"`

	Buffer struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"buffer"`

	Tasks struct {
		Estimator TaskConfig `yaml:"estimator"`
		Control   TaskConfig `yaml:"control"`
		Planning  TaskConfig `yaml:"planning"`
	} `yaml:"tasks"`

	Controller ControllerConfig `yaml:"controller"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// ControllerConfig is the YAML image of control.Config. Vectors are written
// as three-element lists, angles in degrees.
type ControllerConfig struct {
	Mass        float64    `yaml:"mass"`
	Gravity     float64    `yaml:"gravity"`
	InertiaDiag [3]float64 `yaml:"inertia_diag"`

	KpPos [3]float64 `yaml:"kp_pos"`
	KiPos [3]float64 `yaml:"ki_pos"`
	KdPos [3]float64 `yaml:"kd_pos"`
	KpAtt [3]float64 `yaml:"kp_att"`
	KdAtt [3]float64 `yaml:"kd_att"`

	FFAcc     float64 `yaml:"ff_acc"`
	FFYawRate float64 `yaml:"ff_yaw_rate"`

	MaxThrust  float64    `yaml:"max_thrust"`
	MinThrust  float64    `yaml:"min_thrust"`
	MaxTiltDeg float64    `yaml:"max_tilt_deg"`
	MaxTorque  [3]float64 `yaml:"max_torque"`

	AntiWindup struct {
		Method              string     `yaml:"method"` // clamping | back_calculation
		MaxIntegral         [3]float64 `yaml:"max_integral"`
		MaxIntegralNorm     float64    `yaml:"max_integral_norm"`
		DecayThreshold      float64    `yaml:"decay_threshold"`
		DecayFactor         float64    `yaml:"decay_factor"`
		SaturationThreshold float64    `yaml:"saturation_threshold"`
		BackCalcGain        float64    `yaml:"back_calc_gain"`
	} `yaml:"anti_windup"`

	Singularity struct {
		WarningThreshold     float64 `yaml:"warning_threshold"`
		SingularityThreshold float64 `yaml:"singularity_threshold"`
		Fallback             string  `yaml:"fallback"` // skip_yaw | default_heading | maintain_current
		DefaultHeadingDeg    float64 `yaml:"default_heading_deg"`
	} `yaml:"singularity"`

	PosErrThreshold float64 `yaml:"pos_err_threshold"`
	VelErrThreshold float64 `yaml:"vel_err_threshold"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flightcore",
		Short: "flightcore: a real-time flight control core",
		Long: `flightcore runs the inner control stack of a multirotor:
- Priority-based periodic task scheduler
- Versioned latest-state buffer
- Geometric SE(3) position and attitude controller
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the flight control core",
		Long:  "Start the scheduler, state buffer, and controller against the built-in simulated plant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(duration, false)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "run duration (0 = until SIGINT/SIGTERM)")

	return cmd
}

func buildSimulateCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a fixed-length simulation",
		Long:  "Run the control core for a fixed duration and report tracking performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return fmt.Errorf("simulation duration must be positive")
			}
			return runSystem(duration, true)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "simulation length")

	return cmd
}

func runSystem(duration time.Duration, report bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cc, err := cfg.Controller.toControlConfig()
	if err != nil {
		return fmt.Errorf("invalid controller config: %w", err)
	}

	mode, err := parseMode(cfg.Scheduler.Mode)
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled || cfg.Scheduler.Monitoring {
		collector = metrics.NewCollector()
	}

	schedCfg := sched.Config{
		Mode:       mode,
		OSPriority: cfg.Scheduler.OSPriority,
	}
	if cfg.Scheduler.Monitoring && collector != nil {
		schedCfg.Monitor = collector
	}

	buffer := statebuf.NewBuffer(cfg.Buffer.Capacity)
	ctrl, err := control.New(cc)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	scheduler := sched.New(schedCfg)
	vehicle := sim.NewVehicle(cc.Mass, cc.Gravity)
	path := sim.NewCirclePath(2.0, 5.0, 0.5, time.Now())

	if err := registerTasks(scheduler, cfg, buffer, ctrl, vehicle, path, collector); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && collector != nil {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.Info("flight control core started",
		"mode", cfg.Scheduler.Mode,
		"control_hz", 1000.0/float64(cfg.Tasks.Control.PeriodMs))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if duration > 0 {
		select {
		case <-time.After(duration):
		case <-sigChan:
			log.Info("received shutdown signal, stopping")
		}
	} else {
		<-sigChan
		log.Info("received shutdown signal, stopping")
	}

	scheduler.Stop()

	printTaskStats(scheduler.Stats())
	if report {
		printControlReport(ctrl, buffer, vehicle, path)
	}
	return nil
}

// registerTasks wires the three flight tasks into the scheduler: the
// estimator publishes simulated state, the control task closes the loop at
// the highest priority, and the planner retargets the reference at a low
// rate.
func registerTasks(
	scheduler *sched.Scheduler,
	cfg *Config,
	buffer *statebuf.Buffer,
	ctrl *control.GeometricController,
	vehicle *sim.Vehicle,
	path *sim.CirclePath,
	collector *metrics.Collector,
) error {
	estimator, err := taskFromConfig("estimator", cfg.Tasks.Estimator, func(ctx context.Context) error {
		state := vehicle.Step(time.Now())
		version := buffer.UpdateState(state, "sim")
		if collector != nil {
			collector.RecordStateUpdate(version)
		}
		return nil
	})
	if err != nil {
		return err
	}

	controlTask, err := taskFromConfig("control", cfg.Tasks.Control, func(ctx context.Context) error {
		snap, ok := buffer.LatestState()
		if !ok {
			return nil // estimator has not published yet
		}
		now := time.Now()
		cmd := ctrl.ComputeControl(snap.State, path.Sample(now), now)
		vehicle.ApplyCommand(cmd)
		if collector != nil {
			if cmd.ThrustSaturated {
				collector.RecordThrustSaturation()
			}
			for _, sat := range cmd.TorqueSaturated {
				if sat {
					collector.RecordTorqueSaturation()
					break
				}
			}
			collector.SetControlMode(cmd.Failsafe)
		}
		return nil
	})
	if err != nil {
		return err
	}

	planning, err := taskFromConfig("planning", cfg.Tasks.Planning, func(ctx context.Context) error {
		snap, ok := buffer.LatestState()
		if !ok {
			return nil
		}
		// Look further ahead on the path when tracking lags behind.
		lag := snap.State.Position.Sub(path.Sample(time.Now()).Position).Norm()
		lookahead := time.Duration(math.Min(lag*100, 500)) * time.Millisecond
		path.Retarget(lookahead)
		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range []sched.Task{estimator, controlTask, planning} {
		if err := scheduler.AddTask(t); err != nil {
			return fmt.Errorf("failed to register task %s: %w", t.Name, err)
		}
	}
	return nil
}

func taskFromConfig(name string, tc TaskConfig, fn func(context.Context) error) (sched.Task, error) {
	if tc.PeriodMs <= 0 {
		return sched.Task{}, fmt.Errorf("task %s: period_ms must be positive", name)
	}
	prio, err := parsePriority(tc.Priority)
	if err != nil {
		return sched.Task{}, fmt.Errorf("task %s: %w", name, err)
	}
	return sched.Task{
		Name:     name,
		Priority: prio,
		Kind:     types.KindPeriodic,
		Period:   time.Duration(tc.PeriodMs) * time.Millisecond,
		Deadline: time.Duration(tc.DeadlineMs) * time.Millisecond,
		Fn:       fn,
	}, nil
}

func printTaskStats(stats map[string]sched.TaskStats) {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	fmt.Println("Task statistics:")
	for _, name := range names {
		s := stats[name]
		fmt.Printf("  %-12s invocations=%-8d missed=%-4d errors=%-4d mean=%-10s max=%-10s rate=%.1fHz\n",
			s.Name, s.Invocations, s.MissedDeadlines, s.Errors, s.MeanExecution, s.MaxExecution, s.AchievedHz)
	}
}

func printControlReport(ctrl *control.GeometricController, buffer *statebuf.Buffer, vehicle *sim.Vehicle, path *sim.CirclePath) {
	cm := ctrl.PerformanceMetrics()
	bs := buffer.Statistics()
	trackErr := vehicle.Position().Sub(path.Sample(time.Now()).Position).Norm()

	fmt.Println()
	fmt.Println("Control report:")
	fmt.Printf("  mode                  %s\n", cm.Mode)
	fmt.Printf("  control cycles        %d\n", cm.Cycles)
	fmt.Printf("  thrust saturations    %d\n", cm.ThrustSaturations)
	fmt.Printf("  torque saturations    %d\n", cm.TorqueSaturations)
	fmt.Printf("  tilt limited          %d\n", cm.TiltLimited)
	fmt.Printf("  singularity warnings  %d\n", cm.SingularityWarnings)
	fmt.Printf("  singularity fallbacks %d\n", cm.SingularityFallbacks)
	fmt.Printf("  failsafe entries      %d\n", cm.FailsafeEntries)
	fmt.Printf("  state updates         %d (version %d, %d subscriber drops)\n", bs.Updates, bs.Version, bs.Drops)
	fmt.Printf("  final tracking error  %.3f m\n", trackErr)
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration",
		Long:  "Load the config file and display the resolved system configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println()
	fmt.Println("flightcore configuration")
	fmt.Println("========================")
	fmt.Printf("  Config File:   %s\n", configFile)
	fmt.Println()

	fmt.Println("Scheduler:")
	fmt.Printf("  Mode:          %s\n", cfg.Scheduler.Mode)
	fmt.Printf("  OS Priority:   %v\n", cfg.Scheduler.OSPriority)
	fmt.Printf("  Monitoring:    %v\n", cfg.Scheduler.Monitoring)
	fmt.Println()

	fmt.Println("Tasks:")
	for _, t := range []struct {
		name string
		tc   TaskConfig
	}{
		{"estimator", cfg.Tasks.Estimator},
		{"control", cfg.Tasks.Control},
		{"planning", cfg.Tasks.Planning},
	} {
		fmt.Printf("  %-10s period=%dms deadline=%dms priority=%s\n",
			t.name, t.tc.PeriodMs, t.tc.DeadlineMs, t.tc.Priority)
	}
	fmt.Println()

	fmt.Println("Controller:")
	fmt.Printf("  Mass:          %.2f kg\n", cfg.Controller.Mass)
	fmt.Printf("  Max Thrust:    %.1f N\n", cfg.Controller.MaxThrust)
	fmt.Printf("  Max Tilt:      %.1f deg\n", cfg.Controller.MaxTiltDeg)
	fmt.Printf("  Anti-Windup:   %s\n", cfg.Controller.AntiWindup.Method)
	fmt.Printf("  Sing. Fallback: %s\n", cfg.Controller.Singularity.Fallback)
	fmt.Println()

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  Disabled")
	}
	fmt.Println()
	return nil
}

// toControlConfig converts the YAML image into a validated control.Config.
// Zero-valued fields fall through to the controller defaults.
func (cc ControllerConfig) toControlConfig() (control.Config, error) {
	out := control.DefaultConfig()

	if cc.Mass > 0 {
		out.Mass = cc.Mass
	}
	if cc.Gravity > 0 {
		out.Gravity = cc.Gravity
	}
	if cc.InertiaDiag != ([3]float64{}) {
		out.Inertia = mat.NewSymDense(3, []float64{
			cc.InertiaDiag[0], 0, 0,
			0, cc.InertiaDiag[1], 0,
			0, 0, cc.InertiaDiag[2],
		})
	}

	setVec := func(dst *r3.Vector, src [3]float64) {
		if src != ([3]float64{}) {
			*dst = r3.Vector{X: src[0], Y: src[1], Z: src[2]}
		}
	}
	setVec(&out.KpPos, cc.KpPos)
	setVec(&out.KiPos, cc.KiPos)
	setVec(&out.KdPos, cc.KdPos)
	setVec(&out.KpAtt, cc.KpAtt)
	setVec(&out.KdAtt, cc.KdAtt)
	setVec(&out.MaxTorque, cc.MaxTorque)
	setVec(&out.AntiWindup.MaxIntegral, cc.AntiWindup.MaxIntegral)

	if cc.FFAcc != 0 {
		out.FFAcc = cc.FFAcc
	}
	if cc.FFYawRate != 0 {
		out.FFYawRate = cc.FFYawRate
	}
	if cc.MaxThrust > 0 {
		out.MaxThrust = cc.MaxThrust
	}
	if cc.MinThrust > 0 {
		out.MinThrust = cc.MinThrust
	}
	if cc.MaxTiltDeg > 0 {
		out.MaxTiltAngle = cc.MaxTiltDeg * math.Pi / 180
	}

	if cc.AntiWindup.Method != "" {
		m, err := control.ParseAntiWindupMethod(cc.AntiWindup.Method)
		if err != nil {
			return control.Config{}, err
		}
		out.AntiWindup.Method = m
	}
	if cc.AntiWindup.MaxIntegralNorm > 0 {
		out.AntiWindup.MaxIntegralNorm = cc.AntiWindup.MaxIntegralNorm
	}
	if cc.AntiWindup.DecayThreshold > 0 {
		out.AntiWindup.DecayThreshold = cc.AntiWindup.DecayThreshold
	}
	if cc.AntiWindup.DecayFactor > 0 {
		out.AntiWindup.DecayFactor = cc.AntiWindup.DecayFactor
	}
	if cc.AntiWindup.SaturationThreshold > 0 {
		out.AntiWindup.SaturationThreshold = cc.AntiWindup.SaturationThreshold
	}
	if cc.AntiWindup.BackCalcGain > 0 {
		out.AntiWindup.BackCalcGain = cc.AntiWindup.BackCalcGain
	}

	if cc.Singularity.WarningThreshold > 0 {
		out.Singularity.WarningThreshold = cc.Singularity.WarningThreshold
	}
	if cc.Singularity.SingularityThreshold > 0 {
		out.Singularity.SingularityThreshold = cc.Singularity.SingularityThreshold
	}
	if cc.Singularity.Fallback != "" {
		f, err := control.ParseFallbackMethod(cc.Singularity.Fallback)
		if err != nil {
			return control.Config{}, err
		}
		out.Singularity.Fallback = f
	}
	if cc.Singularity.DefaultHeadingDeg != 0 {
		out.Singularity.DefaultHeadingYaw = cc.Singularity.DefaultHeadingDeg * math.Pi / 180
	}

	if cc.PosErrThreshold > 0 {
		out.PosErrThreshold = cc.PosErrThreshold
	}
	if cc.VelErrThreshold > 0 {
		out.VelErrThreshold = cc.VelErrThreshold
	}

	if err := out.Validate(); err != nil {
		return control.Config{}, err
	}
	return out, nil
}

func parseMode(s string) (sched.Mode, error) {
	switch s {
	case "", "cooperative":
		return sched.ModeCooperative, nil
	case "dedicated":
		return sched.ModeDedicated, nil
	default:
		return 0, fmt.Errorf("unknown scheduler mode %q (want cooperative or dedicated)", s)
	}
}

func parsePriority(s string) (types.Priority, error) {
	switch s {
	case "low":
		return types.PriorityLow, nil
	case "", "medium":
		return types.PriorityMedium, nil
	case "high":
		return types.PriorityHigh, nil
	case "critical":
		return types.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = statebuf.DefaultCapacity
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	return &cfg, nil
}
