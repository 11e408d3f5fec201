// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/heliolink/pkg/receiver"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	"github.com/spf13/cobra"
)

var busCheckTimeout time.Duration

var busCheckCmd = &cobra.Command{
	Use:   "bus_check",
	Short: "Test the heater bus by reading the operating state",
	Long: `Ask the heater for its operating state until it answers or the timeout
expires, then read one multi-status snapshot.

Exit codes:
  0 - Heater answered
  1 - No answer before the timeout
  2 - Connection error

Useful for checking wiring, the transceiver and the wake-up break before
running the receiver.`,
	RunE: runBusCheck,
}

func init() {
	rootCmd.AddCommand(busCheckCmd)
	busCheckCmd.Flags().DurationVar(&busCheckTimeout, "timeout", 10*time.Second, "How long to keep asking")
}

func runBusCheck(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenBusConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	bus, release, err := openBusClient(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer release()

	fmt.Printf("Heliolink - Bus Check\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %v\n\n", busCheckTimeout)

	deadline := time.Now().Add(busCheckTimeout)
	tries := 0
	for {
		tries++
		op, err := bus.ReadOperatingState()
		if err == nil {
			fmt.Printf("SUCCESS after %d request(s)\n", tries)
			fmt.Printf("  Operating state: 0x%02X %s (%s)\n", op, wbus.OpStateName(op), receiver.MapOpState(op))
			break
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "TIMEOUT: no answer after %d request(s): %v\n", tries, err)
			os.Exit(1)
		}
		time.Sleep(200 * time.Millisecond)
	}

	st, err := bus.ReadMultiStatus(wbus.MultiStatusIDs)
	if err != nil {
		fmt.Printf("  Multi-status: %v (fallback pages will be used)\n", err)
		return nil
	}
	fmt.Printf("  Multi-status: %d tags\n", st.Len())
	if v, ok := st.TemperatureC(); ok {
		fmt.Printf("  Temperature: %d C\n", v)
	}
	if v, ok := st.VoltageMilliVolts(); ok {
		fmt.Printf("  Voltage: %.2f V\n", float64(v)/1000)
	}
	fmt.Printf("  Frames: %d valid, %d rejected\n", bus.Framer().Published(), bus.Framer().Rejected())
	return nil
}
