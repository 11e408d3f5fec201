// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/heatersim"
	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/receiver"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	demoLoss    float64
	demoMinutes uint8
	demoPause   time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run sender, receiver and a simulated heater in one process",
	Long: `Wire a sender and a receiver together over an in-memory radio link, with
the receiver driving a simulated heater, then play a short script: query,
run, query, stop.

The receiver keeps its normal power policy, so the first command of each
exchange usually needs a few retransmissions before it lands in a listen
window. --loss drops that fraction of frames in both directions.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().Float64Var(&demoLoss, "loss", 0, "Fraction of radio frames to drop (0-1)")
	demoCmd.Flags().Uint8Var(&demoMinutes, "minutes", 20, "Run time requested by the script")
	demoCmd.Flags().DurationVar(&demoPause, "pause", 20*time.Second, "Pause between script steps")
	demoCmd.Flags().StringVar(&simScenario, "scenario", "normal", "Heater fault scenario")
	demoCmd.Flags().Int64Var(&simSeed, "seed", 0, "Random seed (0 for time-based)")
}

// lossy returns a drop filter losing fraction of frames
func lossy(fraction float64, seed int64) func([]byte) bool {
	rng := rand.New(rand.NewSource(seed))
	return func([]byte) bool { return rng.Float64() < fraction }
}

// demoRetryInterval shortens retries so every listen window of the given
// length hears the command at least once. A zero window means the receiver
// default.
func demoRetryInterval(retry, listenWindow time.Duration) time.Duration {
	if listenWindow <= 0 {
		listenWindow = receiver.DefaultListenWindow
	}
	return min(retry, listenWindow/2)
}

func runDemo(cmd *cobra.Command, args []string) error {
	key, err := cfg.LinkKey()
	if err != nil {
		if key, err = generateKey(); err != nil {
			return err
		}
	}

	model, err := newSimulatedHeater(clock.System{})
	if err != nil {
		return err
	}
	bus := wbus.NewClient(heatersim.NewPort(model))

	senderRadio, receiverRadio := link.NewLoopbackPair()
	if demoLoss > 0 {
		senderRadio.SetLoss(lossy(demoLoss, 1))
		receiverRadio.SetLoss(lossy(demoLoss, 2))
	}

	settings := cfg.ReceiverSettings()
	rx, err := receiver.New(receiverRadio, bus, receiver.NewMemoryStore(receiver.DurableState{}), key, settings,
		receiver.WithStatusHandler(logSnapshot))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx) }()

	session := newSenderSession(senderRadio, key)
	session.retryInterval = demoRetryInterval(session.retryInterval, settings.ListenWindow)

	fmt.Printf("Heliolink - Demo\n")
	fmt.Printf("Key: %s\n", key)
	fmt.Printf("Loss: %.0f%%\n\n", demoLoss*100)

	script := []linkproto.Command{
		{Kind: linkproto.CmdQueryStatus},
		{Kind: linkproto.CmdRunMinutes, Minutes: demoMinutes},
		{Kind: linkproto.CmdQueryStatus},
		{Kind: linkproto.CmdStop},
	}

	for i, command := range script {
		if i > 0 {
			select {
			case <-ctx.Done():
				return <-done
			case <-time.After(demoPause):
			}
		}

		fmt.Printf("[%s] Sending:%s", time.Now().Format("15:04:05"), linkproto.FormatPayload(&command))
		res, err := session.execute(ctx, command, "demo")
		if err != nil {
			fmt.Printf("  FAILED: %v\n\n", err)
			continue
		}
		fmt.Printf("  Acknowledged seq %d after %d attempt(s) in %v\n", res.Seq, res.Attempts, res.Elapsed.Round(time.Millisecond))
		fmt.Print(linkproto.FormatStatus(res.Status))
		fmt.Printf("  Receiver: %s\n\n", rx.Snapshot().Power)
	}

	snap := rx.Snapshot()
	log.WithFields(log.Fields{
		"frames_sent": senderRadio.Sent(),
		"frames_lost": senderRadio.Lost() + receiverRadio.Lost(),
		"last_seq":    snap.Durable.LastProcessedSeq,
	}).Info("demo finished")

	stop()
	return <-done
}
