package main

// Demo: wires the control core directly, without the CLI, and flies the
// simulated vehicle around a circle for a few seconds. Prints live tracking
// so the scheduler and controller can be watched working together.

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeroframe/flightcore/internal/control"
	"github.com/aeroframe/flightcore/internal/sched"
	"github.com/aeroframe/flightcore/internal/sim"
	"github.com/aeroframe/flightcore/internal/statebuf"
	"github.com/aeroframe/flightcore/pkg/types"
)

func main() {
	duration := 10 * time.Second
	if len(os.Args) > 1 {
		d, err := time.ParseDuration(os.Args[1])
		if err != nil {
			fmt.Println("Usage: go run cmd/demo/main.go [duration]")
			os.Exit(1)
		}
		duration = d
	}

	cfg := control.DefaultConfig()
	ctrl, err := control.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	buffer := statebuf.NewBuffer(0)
	vehicle := sim.NewVehicle(cfg.Mass, cfg.Gravity)
	path := sim.NewCirclePath(2.0, 5.0, 0.5, time.Now())
	scheduler := sched.New(sched.Config{Mode: sched.ModeCooperative})

	tasks := []sched.Task{
		{
			Name:     "estimator",
			Priority: types.PriorityHigh,
			Kind:     types.KindPeriodic,
			Period:   5 * time.Millisecond,
			Fn: func(ctx context.Context) error {
				buffer.UpdateState(vehicle.Step(time.Now()), "sim")
				return nil
			},
		},
		{
			Name:     "control",
			Priority: types.PriorityCritical,
			Kind:     types.KindPeriodic,
			Period:   10 * time.Millisecond,
			Fn: func(ctx context.Context) error {
				snap, ok := buffer.LatestState()
				if !ok {
					return nil
				}
				now := time.Now()
				vehicle.ApplyCommand(ctrl.ComputeControl(snap.State, path.Sample(now), now))
				return nil
			},
		},
	}
	for _, t := range tasks {
		if err := scheduler.AddTask(t); err != nil {
			log.Fatalf("Failed to add task %s: %v", t.Name, err)
		}
	}

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	fmt.Printf("✓ Control core started, flying a 2m circle for %s\n\n", duration)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(duration)

loop:
	for {
		select {
		case <-ticker.C:
			pos := vehicle.Position()
			want := path.Sample(time.Now()).Position
			fmt.Printf("  pos=(%6.2f %6.2f %6.2f)  err=%.3fm  mode=%s\n",
				pos.X, pos.Y, pos.Z, pos.Sub(want).Norm(), ctrl.Mode())
		case <-deadline:
			break loop
		case <-sigChan:
			fmt.Println("\nInterrupted")
			break loop
		}
	}

	scheduler.Stop()

	fmt.Println("\n📊 Final Statistics:")
	for name, s := range scheduler.Stats() {
		fmt.Printf("  %-10s %d invocations, %d missed deadlines, %.1fHz achieved\n",
			name, s.Invocations, s.MissedDeadlines, s.AchievedHz)
	}
	cm := ctrl.PerformanceMetrics()
	fmt.Printf("  controller %d cycles, %d thrust saturations, %d failsafe entries\n",
		cm.Cycles, cm.ThrustSaturations, cm.FailsafeEntries)
}
