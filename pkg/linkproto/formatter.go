// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package linkproto

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable, multi-line string
func FormatPacket(p *Packet) string {
	result := fmt.Sprintf("%s (0x%02X) %d->%d seq=%d\n", p.Type, uint8(p.Type), p.Src, p.Dst, p.Seq)
	return result + FormatPayload(p.Payload)
}

// FormatPayload formats a payload, indented by two spaces
func FormatPayload(payload Payload) string {
	switch v := payload.(type) {
	case *Command:
		if v.Kind == CmdStop || v.Kind == CmdQueryStatus {
			return fmt.Sprintf("  Command: %s\n", v.Kind)
		}
		return fmt.Sprintf("  Command: %s minutes=%d\n", v.Kind, v.Minutes)

	case *Status:
		return FormatStatus(*v)

	case *Ack:
		return "  (no payload)\n"

	default:
		return "  (unknown payload)\n"
	}
}

// FormatStatus formats a status report
func FormatStatus(s Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "  Heater: %s", s.State)
	if s.MinutesRemaining > 0 {
		fmt.Fprintf(&b, " (%d min left)", s.MinutesRemaining)
	}
	fmt.Fprintf(&b, " op=0x%02X err=0x%02X ack=%d\n", s.BusOpState, s.ErrorCode, s.LastCommandSeq)

	b.WriteString("  ")
	b.WriteString(FormatMeasurements(s))
	b.WriteString("\n")

	fmt.Fprintf(&b, "  Link: RSSI=%d dBm SNR=%d dB\n", s.RSSI, s.SNR)
	return b.String()
}

// FormatMeasurements returns a one-line summary of temperature, voltage and
// power, with "--" for unknown values.
func FormatMeasurements(s Status) string {
	parts := make([]string, 0, 3)

	if s.TemperatureKnown() {
		parts = append(parts, fmt.Sprintf("T:%dC", s.TemperatureC))
	} else {
		parts = append(parts, "T:--")
	}

	if s.VoltageMilliVolts != 0 {
		parts = append(parts, fmt.Sprintf("V:%.2fV", float64(s.VoltageMilliVolts)/1000.0))
	} else {
		parts = append(parts, "V:--")
	}

	if s.Power != 0 {
		parts = append(parts, fmt.Sprintf("P:%dW", s.Power))
	}

	return strings.Join(parts, " ")
}
