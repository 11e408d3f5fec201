// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/heatersim"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	simScenario string
	simSeed     int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Act as a heater on a serial bus",
	Long: `Answer W-BUS requests on --bus-port as a simulated parking heater.

The heater warms up, runs, cools down and reacts to start, stop, keep-alive
and status requests. Each heating cycle plays a fault scenario picked at
random unless --scenario fixes one:
  normal, flame-flutter, high-temp, voltage-dropped, error-shutdown

Connect the port to the receiver's bus port with a null-modem cable to test
the receiver without a heater.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simScenario, "scenario", "", "Fault scenario for every cycle")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "Random seed (0 for time-based)")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if cfg.Bus.Port == "" {
		return errors.New("--bus-port must be specified")
	}

	model, err := newSimulatedHeater(clock.System{})
	if err != nil {
		return err
	}

	conn, err := OpenSerialConnection(cfg.Bus.Port, busMode, 50*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Heliolink - Heater Simulator\n")
	fmt.Printf("Serial: %s\n", cfg.Bus.Port)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := heatersim.Serve(ctx, conn, model); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newSimulatedHeater builds a heater model from the --scenario and --seed flags
func newSimulatedHeater(c clock.Clock) (*heatersim.Model, error) {
	seed := simSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	model := heatersim.NewModel(c, rand.New(rand.NewSource(seed)))
	model.SetLogger(log.WithField("component", "heatersim"))

	if simScenario != "" {
		s, err := heatersim.ParseScenario(simScenario)
		if err != nil {
			return nil, err
		}
		model.LockScenario(s)
	}
	return model, nil
}
