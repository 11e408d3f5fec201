// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <start [minutes] | run <minutes> | stop | query>",
	Short: "Send one command to the receiver and wait for its acknowledgement",
	Long: `Send a command over the LoRa link, retransmitting it until the receiver
acknowledges it or the ack timeout expires.

  start [minutes]   start heating; without minutes the receiver's run time is used
  run <minutes>     start heating for 1-255 minutes
  stop              stop the heater
  query             read a fresh status without touching the heater

Every attempt is recorded in the command journal (see history).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	command, err := parseCommandArgs(args)
	if err != nil {
		return err
	}

	session, err := openSenderSession()
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("Radio: %s\n", session.info)
	fmt.Printf("Sending: %s", linkproto.FormatPayload(&command))

	res, err := session.execute(context.Background(), command, "cli")
	if err != nil {
		fmt.Printf("No acknowledgement for seq %d after %d attempt(s)\n", res.Seq, res.Attempts)
		if t := session.sender.Telemetry(); t.Valid {
			fmt.Printf("Last status heard:\n%s", linkproto.FormatStatus(t.Status))
		}
		return err
	}

	fmt.Printf("Acknowledged seq %d after %d attempt(s) in %v\n", res.Seq, res.Attempts, res.Elapsed.Round(time.Millisecond))
	fmt.Print(linkproto.FormatStatus(res.Status))
	return nil
}
