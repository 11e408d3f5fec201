// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

import (
	"errors"
	"fmt"
)

// ErrShortPage is returned when a status page response lacks required bytes
var ErrShortPage = errors.New("status page too short")

// SensorPage is status page 0x05
type SensorPage struct {
	TemperatureC      int16
	VoltageMilliVolts uint16
	HasExtended       bool // flame and power present
	Flame             bool
	PowerX10          uint16
}

// ActuatorLevels is status page 0x0F. Each level is the raw byte times two.
type ActuatorLevels struct {
	GlowPlug      uint16
	FuelPump      uint16
	CombustionFan uint16
}

// StateFlags is status page 0x03
type StateFlags struct {
	Raw           byte
	HeatRequest   bool
	VentRequest   bool
	CombustionFan bool
	GlowPlug      bool
	FuelPump      bool
	NozzleHeating bool
}

// Actuators is status page 0x04
type Actuators struct {
	GlowPlugPercent      uint8
	FuelPumpHz           float64
	CombustionFanPercent uint8
}

// Counters is status page 0x06
type Counters struct {
	WorkingHours     uint16
	WorkingMinutes   uint8
	OperatingHours   uint16
	OperatingMinutes uint8
	StartCounter     uint16
}

// WorkingTime returns the total heating time in hours
func (c Counters) WorkingTime() float64 {
	return float64(c.WorkingHours) + float64(c.WorkingMinutes)/60.0
}

// OperatingTime returns the total operating time in hours
func (c Counters) OperatingTime() float64 {
	return float64(c.OperatingHours) + float64(c.OperatingMinutes)/60.0
}

func be16(hi, lo byte) uint16 {
	return uint16(hi)<<8 | uint16(lo)
}

func checkPage(f Frame, page byte, minLen int) error {
	if !f.IsStatusResponse(page) {
		return fmt.Errorf("frame is not a response to page 0x%02X: %s", page, f)
	}
	if len(f.Payload) < minLen {
		return fmt.Errorf("%w: page 0x%02X has %d bytes, need %d", ErrShortPage, page, len(f.Payload), minLen)
	}
	return nil
}

// ParseSensorPage decodes page 0x05
func ParseSensorPage(f Frame) (SensorPage, error) {
	var s SensorPage
	if err := checkPage(f, PageSensors, 6); err != nil {
		return s, err
	}
	p := f.Payload
	s.TemperatureC = int16(p[2]) - 50
	s.VoltageMilliVolts = be16(p[3], p[4])
	if len(p) >= 9 {
		s.HasExtended = true
		s.Flame = p[5] != 0
		s.PowerX10 = be16(p[6], p[7])
	}
	return s, nil
}

// ParseActuatorLevels decodes page 0x0F
func ParseActuatorLevels(f Frame) (ActuatorLevels, error) {
	var a ActuatorLevels
	if err := checkPage(f, PageActuatorLevels, 6); err != nil {
		return a, err
	}
	p := f.Payload
	a.GlowPlug = uint16(p[2]) * 2
	a.FuelPump = uint16(p[3]) * 2
	a.CombustionFan = uint16(p[4]) * 2
	return a, nil
}

// ParseFlags returns the raw flag byte of page 0x02
func ParseFlags(f Frame) (byte, error) {
	if err := checkPage(f, PageFlags, 4); err != nil {
		return 0, err
	}
	return f.Payload[2], nil
}

// ParseStateFlags decodes page 0x03
func ParseStateFlags(f Frame) (StateFlags, error) {
	if err := checkPage(f, PageStateFlags, 4); err != nil {
		return StateFlags{}, err
	}
	b := f.Payload[2]
	return StateFlags{
		Raw:           b,
		HeatRequest:   b&0x01 != 0,
		VentRequest:   b&0x02 != 0,
		CombustionFan: b&0x10 != 0,
		GlowPlug:      b&0x20 != 0,
		FuelPump:      b&0x40 != 0,
		NozzleHeating: b&0x80 != 0,
	}, nil
}

// ParseActuators decodes page 0x04
func ParseActuators(f Frame) (Actuators, error) {
	if err := checkPage(f, PageActuators, 11); err != nil {
		return Actuators{}, err
	}
	p := f.Payload
	return Actuators{
		GlowPlugPercent:      p[6],
		FuelPumpHz:           float64(p[7]) * 2 / 100,
		CombustionFanPercent: p[8],
	}, nil
}

// ParseCounters decodes page 0x06
func ParseCounters(f Frame) (Counters, error) {
	if err := checkPage(f, PageCounters, 11); err != nil {
		return Counters{}, err
	}
	p := f.Payload
	return Counters{
		WorkingHours:     be16(p[2], p[3]),
		WorkingMinutes:   p[4],
		OperatingHours:   be16(p[5], p[6]),
		OperatingMinutes: p[7],
		StartCounter:     be16(p[8], p[9]),
	}, nil
}

// ParseOperatingState returns the opcode of page 0x07
func ParseOperatingState(f Frame) (byte, error) {
	if err := checkPage(f, PageOperatingState, 4); err != nil {
		return 0, err
	}
	return f.Payload[2], nil
}
