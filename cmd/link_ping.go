// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/spf13/cobra"
)

var (
	linkPingCount int
	linkPingDelay time.Duration
)

var linkPingCmd = &cobra.Command{
	Use:   "link_ping",
	Short: "Measure the link by sending status queries",
	Long: `Send QUERY_STATUS commands to the receiver and report, for each, how many
transmissions it took, the round trip and the signal at both ends.

The receiver reads the heater bus to answer, so this also checks that the
receiver can reach the heater. It does not change the heater state.

Exit codes:
  0 - All queries acknowledged
  1 - One or more queries timed out
  2 - Connection error`,
	RunE: runLinkPing,
}

func init() {
	rootCmd.AddCommand(linkPingCmd)
	linkPingCmd.Flags().IntVar(&linkPingCount, "count", 3, "Number of queries to send")
	linkPingCmd.Flags().DurationVar(&linkPingDelay, "delay", time.Second, "Delay between queries")
}

func runLinkPing(cmd *cobra.Command, args []string) error {
	session, err := openSenderSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer session.Close()

	fmt.Printf("Heliolink - Link Ping\n")
	fmt.Printf("Radio: %s\n", session.info)
	fmt.Printf("Count: %d queries\n\n", linkPingCount)

	var (
		acked         int
		totalAttempts int
		totalRTT      time.Duration
	)
	query := linkproto.Command{Kind: linkproto.CmdQueryStatus}

	for i := 1; i <= linkPingCount; i++ {
		fmt.Printf("Query %d/%d: ", i, linkPingCount)

		res, err := session.execute(context.Background(), query, "ping")
		totalAttempts += res.Attempts
		if err != nil {
			fmt.Printf("TIMEOUT after %d attempt(s)\n", res.Attempts)
		} else {
			acked++
			totalRTT += res.Elapsed
			t := session.sender.Telemetry()
			fmt.Printf("seq=%d attempts=%d time=%v heater=%s rssi=%d/%d dBm snr=%d/%.1f dB\n",
				res.Seq, res.Attempts, res.Elapsed.Round(time.Millisecond), res.Status.State,
				res.Status.RSSI, t.LocalRSSI, res.Status.SNR, t.LocalSNR)
		}

		if i < linkPingCount {
			time.Sleep(linkPingDelay)
		}
	}

	fmt.Printf("\n--- Link statistics ---\n")
	fmt.Printf("%d queries, %d acknowledged, %d transmissions, %.0f%% command loss\n",
		linkPingCount, acked, totalAttempts, float64(linkPingCount-acked)/float64(max(linkPingCount, 1))*100)
	if acked > 0 {
		fmt.Printf("average round trip %v\n", (totalRTT / time.Duration(acked)).Round(time.Millisecond))
	}
	stats := session.sender.Statistics()
	fmt.Print(stats.String())

	if acked < linkPingCount {
		os.Exit(1)
	}
	return nil
}
