// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/heliolink/pkg/wbus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display heater bus frames in human-readable format",
	Long: `Continuously decode and display W-BUS frames as they cross the heater bus.

Each frame with a valid checksum is shown with a timestamp, its direction, the
raw bytes and a decoded summary. Frames failing the checksum are counted.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenBusConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Heliolink - Heater Bus Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	framer := wbus.NewFramer()
	buf := make([]byte, 128)
	var rejected uint64

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				log.Info("Connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		for _, b := range buf[:n] {
			framer.Feed(b)
			if f, ok := framer.Pop(); ok {
				fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), f.String())
				fmt.Printf("  %s\n", describeFrame(f))
			}
		}

		if framer.Rejected() != rejected {
			rejected = framer.Rejected()
			fmt.Printf("[%s] \033[1;31mBAD FRAME\033[0m (%d rejected so far)\n", time.Now().Format("15:04:05.000"), rejected)
		}
	}
}

// describeFrame summarises a bus frame
func describeFrame(f wbus.Frame) string {
	if !f.FromHeater() {
		data := f.Data()
		switch f.Command() {
		case wbus.CmdStop:
			return "-> stop"
		case wbus.CmdParkHeat, wbus.CmdVentilate:
			what := "park heat"
			if f.Command() == wbus.CmdVentilate {
				what = "ventilate"
			}
			if len(data) > 0 {
				return fmt.Sprintf("-> %s %d min", what, data[0])
			}
			return "-> " + what
		case wbus.CmdKeepAlive:
			return "-> keep-alive"
		case wbus.CmdStatus:
			if len(data) > 0 && data[0] == wbus.MultiStatusPage {
				return fmt.Sprintf("-> multi-status % X", data[1:])
			}
			if len(data) > 0 {
				return fmt.Sprintf("-> status page 0x%02X", data[0])
			}
		}
		return fmt.Sprintf("-> command 0x%02X", f.Command())
	}

	switch {
	case f.IsStatusResponse(wbus.PageOperatingState):
		op, err := wbus.ParseOperatingState(f)
		if err != nil {
			return "<- operating state: " + err.Error()
		}
		return fmt.Sprintf("<- operating state 0x%02X %s", op, wbus.OpStateName(op))

	case f.IsStatusResponse(wbus.MultiStatusPage):
		st, err := wbus.DecodeMultiStatus(f)
		if err != nil {
			return "<- multi-status: " + err.Error()
		}
		parts := []string{fmt.Sprintf("%d tags", st.Len())}
		if v, ok := st.TemperatureC(); ok {
			parts = append(parts, fmt.Sprintf("T:%dC", v))
		}
		if v, ok := st.VoltageMilliVolts(); ok {
			parts = append(parts, fmt.Sprintf("V:%.2fV", float64(v)/1000))
		}
		if v, ok := st.Power(); ok {
			parts = append(parts, fmt.Sprintf("P:%dW", v))
		}
		if op, ok := st.OperatingState(); ok {
			parts = append(parts, wbus.OpStateName(op))
		}
		return "<- multi-status " + strings.Join(parts, " ")

	case f.IsStatusResponse(wbus.PageSensors):
		s, err := wbus.ParseSensorPage(f)
		if err != nil {
			return "<- sensors: " + err.Error()
		}
		return fmt.Sprintf("<- sensors %+v", s)

	case f.IsStatusResponse(wbus.PageCounters):
		c, err := wbus.ParseCounters(f)
		if err != nil {
			return "<- counters: " + err.Error()
		}
		return fmt.Sprintf("<- counters %+v", c)
	}

	if len(f.Payload) > 0 && f.Payload[0]&wbus.AckBit != 0 {
		return fmt.Sprintf("<- ack of 0x%02X", f.Payload[0]&^wbus.AckBit)
	}
	return "<- unrecognised"
}
