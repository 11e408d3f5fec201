// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

import (
	"errors"
	"testing"
)

func pageFrame(page byte, data ...byte) Frame {
	raw := BuildFrame(HeaderFromHeater, CmdStatus|AckBit, append([]byte{page}, data...)...)
	return Frame{Header: raw[0], Payload: raw[2:]}
}

// ============================================================
// Status Page Tests
// ============================================================

func TestParseSensorPage(t *testing.T) {
	full, err := ParseSensorPage(pageFrame(PageSensors, 75, 0x30, 0x68, 0x01, 0x02, 0xBC, 0x06))
	if err != nil {
		t.Fatal(err)
	}
	if full.TemperatureC != 25 || full.VoltageMilliVolts != 12392 {
		t.Errorf("sensor page = %+v", full)
	}
	if !full.HasExtended || !full.Flame || full.PowerX10 != 700 {
		t.Errorf("extended fields = %+v", full)
	}

	short, err := ParseSensorPage(pageFrame(PageSensors, 30, 0x2F, 0x00))
	if err != nil {
		t.Fatal(err)
	}
	if short.TemperatureC != -20 || short.VoltageMilliVolts != 0x2F00 || short.HasExtended {
		t.Errorf("short sensor page = %+v", short)
	}

	// Temperature alone would leave the voltage reading on the checksum
	if _, err := ParseSensorPage(pageFrame(PageSensors, 75, 0x30)); !errors.Is(err, ErrShortPage) {
		t.Errorf("error = %v, want ErrShortPage", err)
	}
}

func TestParseActuatorLevels(t *testing.T) {
	a, err := ParseActuatorLevels(pageFrame(PageActuatorLevels, 80, 60, 42))
	if err != nil {
		t.Fatal(err)
	}
	if a.GlowPlug != 160 || a.FuelPump != 120 || a.CombustionFan != 84 {
		t.Errorf("levels = %+v", a)
	}
}

func TestParseStateFlags(t *testing.T) {
	f, err := ParseStateFlags(pageFrame(PageStateFlags, 0x01|0x10|0x40))
	if err != nil {
		t.Fatal(err)
	}
	if !f.HeatRequest || !f.CombustionFan || !f.FuelPump || f.GlowPlug || f.VentRequest || f.NozzleHeating {
		t.Errorf("flags = %+v", f)
	}

	raw, err := ParseFlags(pageFrame(PageFlags, 0x80))
	if err != nil || raw != 0x80 {
		t.Errorf("ParseFlags = 0x%02X, %v", raw, err)
	}
}

func TestParseActuators(t *testing.T) {
	a, err := ParseActuators(pageFrame(PageActuators, 0, 0, 0, 0, 80, 150, 100, 0))
	if err != nil {
		t.Fatal(err)
	}
	if a.GlowPlugPercent != 80 || a.FuelPumpHz != 3 || a.CombustionFanPercent != 100 {
		t.Errorf("actuators = %+v", a)
	}

	if _, err := ParseActuators(pageFrame(PageActuators, 0, 0, 0)); !errors.Is(err, ErrShortPage) {
		t.Errorf("error = %v, want ErrShortPage", err)
	}
}

func TestParseCounters(t *testing.T) {
	c, err := ParseCounters(pageFrame(PageCounters, 0x00, 123, 45, 0x01, 0xC8, 30, 0x03, 0x15))
	if err != nil {
		t.Fatal(err)
	}
	if c.WorkingHours != 123 || c.WorkingMinutes != 45 || c.OperatingHours != 456 || c.OperatingMinutes != 30 || c.StartCounter != 789 {
		t.Errorf("counters = %+v", c)
	}
	if c.WorkingTime() != 123.75 || c.OperatingTime() != 456.5 {
		t.Errorf("times = %v, %v", c.WorkingTime(), c.OperatingTime())
	}
}

func TestParsePage_WrongPage(t *testing.T) {
	if _, err := ParseCounters(pageFrame(PageSensors, 0, 0, 0, 0, 0, 0, 0, 0)); err == nil {
		t.Error("expected error for mismatched page")
	}
}

func TestOpStateName(t *testing.T) {
	if OpStateName(0x04) != "off state" {
		t.Errorf("OpStateName(0x04) = %q", OpStateName(0x04))
	}
	if OpStateName(0xEE) != "unknown (0xEE)" {
		t.Errorf("OpStateName(0xEE) = %q", OpStateName(0xEE))
	}
	if !IsOffState(0x00) || !IsOffState(0x04) || IsOffState(0x06) {
		t.Error("IsOffState mismatch")
	}
}
