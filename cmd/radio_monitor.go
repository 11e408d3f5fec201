// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/lora"
	"github.com/spf13/cobra"
)

var (
	monitorReceiverSide bool
	monitorStatsEvery   int
)

var radioMonitorCmd = &cobra.Command{
	Use:   "radio_monitor",
	Short: "Display every frame the LoRa modem receives",
	Long: `Print each radio frame with its source address, signal quality and, when
a key is configured, the decoded packet. Frames that fail length, tag, CRC or
type checks are reported with the reason.

Link statistics are printed every --stats-interval seconds. Use
--receiver-side to listen with the receiver's address.`,
	RunE: runRadioMonitor,
}

func init() {
	rootCmd.AddCommand(radioMonitorCmd)
	radioMonitorCmd.Flags().BoolVar(&monitorReceiverSide, "receiver-side", false, "Use the receiver's radio address")
	radioMonitorCmd.Flags().IntVar(&monitorStatsEvery, "stats-interval", 30, "Statistics interval (seconds)")
}

// frameMonitor decodes and prints monitored receptions
type frameMonitor struct {
	mu    sync.Mutex
	codec *linkproto.Codec
	stats *linkproto.Statistics
}

func (m *frameMonitor) handle(addr uint16, rec link.Reception) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] from %d RSSI=%d dBm SNR=%.1f dB, %d bytes\n", timestamp, addr, rec.RSSI, rec.SNR, len(rec.Data))

	if m.codec == nil {
		fmt.Printf("  % X\n", rec.Data)
		return
	}

	p, err := m.codec.Decode(rec.Data)
	m.stats.Update(err)
	if err != nil {
		fmt.Printf("  \033[1;31mDECODE ERROR:\033[0m %v\n  % X\n", err, rec.Data)
		return
	}
	fmt.Print("  " + linkproto.FormatPacket(p))
}

func (m *frameMonitor) printStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.CalculateRates()
	fmt.Printf("\n%s\n", m.stats.String())
}

func runRadioMonitor(cmd *cobra.Command, args []string) error {
	mon := &frameMonitor{stats: linkproto.NewStatistics()}
	if key, err := cfg.LinkKey(); err == nil {
		mon.codec = linkproto.NewCodec(key)
	} else {
		fmt.Printf("No key configured, showing raw frames only\n")
	}

	modem, info, err := OpenRadio(monitorReceiverSide, lora.WithMonitor(mon.handle))
	if err != nil {
		return err
	}
	defer modem.Close()

	fmt.Printf("Heliolink - Radio Monitor\n")
	fmt.Printf("Radio: %s\n", info)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if monitorStatsEvery <= 0 {
		monitorStatsEvery = 30
	}
	ticker := time.NewTicker(time.Duration(monitorStatsEvery) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if mon.codec != nil {
				mon.printStats()
			}
			fmt.Printf("Modem: %d dropped, %d unparseable lines\n", modem.Dropped(), modem.BadLines())
			return nil
		case <-ticker.C:
			if mon.codec != nil {
				mon.printStats()
			}
			// Keep the mailbox empty so the monitor sees every frame
			for {
				if _, ok := modem.TryReceive(); !ok {
					break
				}
			}
		}
	}
}
