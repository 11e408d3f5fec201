// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

import "fmt"

var opStateNames = map[byte]string{
	0x00: "burn out",
	0x01: "deactivation",
	0x02: "burn out ADR",
	0x03: "burn out ramp",
	0x04: "off state",
	0x05: "combustion process part load",
	0x06: "combustion process full load",
	0x07: "fuel supply",
	0x08: "combustion air fan start",
	0x09: "fuel supply interruption",
	0x0A: "diagnostic state",
	0x0B: "fuel pump interruption",
	0x0C: "EMF measurement",
	0x0D: "debounce",
	0x0E: "deactivation",
	0x0F: "flame detector interrogation",
	0x10: "flame detector cooling",
	0x11: "flame detector measuring phase",
	0x12: "flame detector measuring phase ZUE",
	0x13: "fan start up",
	0x14: "glow plug ramp",
	0x15: "heater interlock",
	0x16: "initialization",
	0x17: "fuel bubble compensation",
	0x18: "fan cold start-up",
	0x19: "cold start enrichment",
	0x1A: "cooling",
	0x1B: "load change PL-FL",
	0x1C: "ventilation",
	0x1D: "load change FL-PL",
	0x1E: "new initialization",
	0x1F: "controlled operation",
	0x20: "control idle period",
	0x21: "soft start",
	0x22: "safety time",
	0x23: "purge",
	0x24: "start",
	0x25: "stabilization",
	0x26: "start ramp",
	0x27: "out of power",
	0x28: "interlock",
	0x2A: "stabilization time",
	0x2B: "change to controlled operation",
	0x2C: "decision state",
	0x2D: "prestart fuel supply",
	0x2E: "glowing",
	0x2F: "glowing power control",
	0x30: "delay lowering",
	0x31: "sluggish fan start",
	0x32: "additional glowing",
	0x33: "ignition interruption",
	0x34: "ignition",
	0x35: "intermittent glowing",
	0x36: "application monitoring",
	0x3D: "prestart",
	0x3E: "pre-ignition",
	0x3F: "flame ignition",
	0x40: "flame stabilization",
	0x41: "combustion process parking heating",
	0x42: "combustion process supplemental heating",
	0x45: "heater off after run",
	0x4A: "control idle after parking heating",
	0x50: "waiting loop",
	0x51: "component test",
	0x52: "boost",
	0x53: "cooling",
	0x55: "fan idle",
	0x5D: "startup attempt",
	0xFF: "error",
}

// OpStateName returns a readable name for an operating state opcode
func OpStateName(op byte) string {
	if name, ok := opStateNames[op]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%02X)", op)
}

// IsOffState reports whether op is one of the opcodes classified as off
func IsOffState(op byte) bool {
	return op == OpOff || op == OpBurnOut
}
