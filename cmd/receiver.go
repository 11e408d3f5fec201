// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/receiver"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	receiverAlwaysOn bool
	receiverState    string
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Run the heater-side link endpoint",
	Long: `Listen for commands on the LoRa link and carry them out on the heater bus.

The receiver sleeps between short listen windows while the heater is off and
stays awake while it runs, sending a status report every poll interval. Every
command is answered with a status that acknowledges its sequence number.
The last processed sequence is kept in the state file, so a command retried
across a restart is acknowledged but not repeated.

Requires both a bus connection (--bus-port or --url) and --radio-port.`,
	RunE: runReceiver,
}

func init() {
	rootCmd.AddCommand(receiverCmd)
	receiverCmd.Flags().BoolVar(&receiverAlwaysOn, "always-on", false, "Never sleep the radio")
	receiverCmd.Flags().StringVar(&receiverState, "state", "", "Durable state file (overrides config)")
}

func runReceiver(cmd *cobra.Command, args []string) error {
	key, err := cfg.LinkKey()
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenBusConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	bus, release, err := openBusClient(conn)
	if err != nil {
		return err
	}
	defer release()

	radio, radioInfo, err := OpenRadio(true)
	if err != nil {
		return err
	}
	defer radio.Close()

	settings := cfg.ReceiverSettings()
	if cmd.Flags().Changed("always-on") {
		settings.AlwaysOn = receiverAlwaysOn
	}
	statePath := cfg.Receiver.StatePath
	if receiverState != "" {
		statePath = receiverState
	}

	rx, err := receiver.New(radio, bus, receiver.NewFileStore(statePath), key, settings,
		receiver.WithStatusHandler(logSnapshot))
	if err != nil {
		return fmt.Errorf("start receiver: %w", err)
	}

	fmt.Printf("Heliolink - Receiver\n")
	fmt.Printf("Bus: %s\n", connInfo)
	fmt.Printf("Radio: %s\n", radioInfo)
	fmt.Printf("State: %s\n", statePath)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rx.Run(ctx)
}

func logSnapshot(s receiver.Snapshot) {
	log.WithFields(log.Fields{
		"power":   s.Power.String(),
		"heater":  s.Status.State.String(),
		"values":  linkproto.FormatMeasurements(s.Status),
		"ack_seq": s.Status.LastCommandSeq,
	}).Debug("status sent")
}
