// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package heatersim simulates a parking heater on the W-BUS, for bench tests
// without hardware.
package heatersim

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	log "github.com/sirupsen/logrus"
)

// State is the simulated heater state
type State int

const (
	StateOff State = iota
	StateStarting
	StateRunning
	StateCooling
	StateError
	StateTempOvershoot
	StateFlameOutRestart
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCooling:
		return "cooling"
	case StateError:
		return "error"
	case StateTempOvershoot:
		return "temp-overshoot"
	case StateFlameOutRestart:
		return "flame-out-restart"
	default:
		return "unknown"
	}
}

// Scenario is the fault pattern played during one heating cycle
type Scenario int

const (
	ScenarioNormal Scenario = iota
	ScenarioFlameFlutter
	ScenarioHighTemp
	ScenarioVoltageDropped
	ScenarioErrorShutdown
)

func (s Scenario) String() string {
	switch s {
	case ScenarioNormal:
		return "normal"
	case ScenarioFlameFlutter:
		return "flame-flutter"
	case ScenarioHighTemp:
		return "high-temp"
	case ScenarioVoltageDropped:
		return "voltage-dropped"
	case ScenarioErrorShutdown:
		return "error-shutdown"
	default:
		return "unknown"
	}
}

// Scenarios lists every scenario in declaration order
var Scenarios = []Scenario{ScenarioNormal, ScenarioFlameFlutter, ScenarioHighTemp, ScenarioVoltageDropped, ScenarioErrorShutdown}

// ParseScenario returns the scenario with the given name
func ParseScenario(name string) (Scenario, error) {
	for _, s := range Scenarios {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown scenario %q", name)
}

// Phase durations
const (
	startingDuration  = 15 * time.Second
	flameOutAfter     = 8 * time.Second
	startErrorAfter   = 10 * time.Second
	restartDuration   = 3 * time.Second
	coolingDuration   = 20 * time.Second
	errorRecoverAfter = 5 * time.Second
	sagDuration       = 30 * time.Second

	stepInterval = 100 * time.Millisecond
	maxCatchUp   = 6000
)

const (
	ambientC      = 20.0
	nominalTarget = 75.0
	nominalMV     = 12400
)

// Model is the heater's physical and control state
type Model struct {
	clock clock.Clock
	rng   *rand.Rand
	log   *log.Entry

	state      State
	stateSince time.Time
	lastStep   time.Time
	at         time.Time // time of the event being processed

	requestedMinutes uint8
	heatingSince     time.Time
	ventilating      bool

	tempC        float64
	targetTempC  float64
	voltageMV    uint16
	powerX10     uint16
	fanRPM       uint16
	glowMilliOhm uint16
	flame        bool

	scenario          Scenario
	scenarioTriggered bool
	scenarioSince     time.Time
	fixedScenario     *Scenario
}

// NewModel creates a heater at ambient temperature in the off state
func NewModel(c clock.Clock, rng *rand.Rand) *Model {
	now := c.Now()
	return &Model{
		clock:        c,
		rng:          rng,
		log:          log.WithField("component", "heatersim"),
		state:        StateOff,
		stateSince:   now,
		lastStep:     now,
		at:           now,
		tempC:        ambientC,
		targetTempC:  nominalTarget,
		voltageMV:    nominalMV,
		glowMilliOhm: 1800,
	}
}

// SetLogger replaces the model's log entry
func (m *Model) SetLogger(l *log.Entry) {
	m.log = l
}

// LockScenario makes every heating cycle play s instead of a random pick
func (m *Model) LockScenario(s Scenario) {
	m.fixedScenario = &s
	m.scenario = s
}

// State returns the current state
func (m *Model) State() State { return m.state }

// Scenario returns the scenario of the current cycle
func (m *Model) Scenario() Scenario { return m.scenario }

// TemperatureC returns the simulated coolant temperature
func (m *Model) TemperatureC() float64 { return m.tempC }

// VoltageMilliVolts returns the simulated supply voltage
func (m *Model) VoltageMilliVolts() uint16 { return m.voltageMV }

// RequestedMinutes returns the duration of the last start request
func (m *Model) RequestedMinutes() uint8 { return m.requestedMinutes }

func (m *Model) setState(s State) {
	if s != m.state {
		m.log.WithFields(log.Fields{"from": m.state, "to": s}).Info("state change")
	}
	m.state = s
	m.stateSince = m.at
}

func (m *Model) pickScenario() {
	m.scenarioTriggered = false
	m.scenarioSince = m.at

	if m.fixedScenario != nil {
		m.scenario = *m.fixedScenario
		return
	}

	r := m.rng.Intn(100)
	switch {
	case r < 60:
		m.scenario = ScenarioNormal
	case r < 75:
		m.scenario = ScenarioFlameFlutter
	case r < 85:
		m.scenario = ScenarioHighTemp
	case r < 95:
		m.scenario = ScenarioVoltageDropped
	default:
		m.scenario = ScenarioErrorShutdown
	}
	m.log.WithField("scenario", m.scenario).Debug("scenario picked")
}

// OpState returns the W-BUS operating state opcode for the current state
func (m *Model) OpState() byte {
	switch m.state {
	case StateOff:
		return 0x04
	case StateStarting, StateFlameOutRestart:
		return 0x01
	case StateRunning, StateTempOvershoot:
		return 0x06
	case StateCooling:
		return 0x02
	case StateError:
		return 0xFF
	default:
		return 0x04
	}
}

// Start begins a heating (or ventilation) cycle
func (m *Model) Start(minutes uint8, ventilate bool) {
	m.at = m.clock.Now()
	m.requestedMinutes = minutes
	m.ventilating = ventilate
	m.heatingSince = m.at
	m.targetTempC = nominalTarget
	m.setState(StateStarting)
	if ventilate {
		m.scenario = ScenarioNormal
		m.scenarioTriggered = false
		return
	}
	m.pickScenario()
}

// Stop begins cooling down
func (m *Model) Stop() {
	m.at = m.clock.Now()
	if m.state != StateOff {
		m.setState(StateCooling)
	}
}

// Tick advances the simulation to the clock's current time
func (m *Model) Tick() {
	now := m.clock.Now()
	steps := 0
	for !m.lastStep.Add(stepInterval).After(now) {
		m.lastStep = m.lastStep.Add(stepInterval)
		m.at = m.lastStep
		m.step(m.lastStep)
		steps++
		if steps >= maxCatchUp {
			m.lastStep = now
			m.at = now
			break
		}
	}
}

func (m *Model) heating() bool {
	switch m.state {
	case StateStarting, StateRunning, StateTempOvershoot, StateFlameOutRestart:
		return true
	}
	return false
}

func (m *Model) step(now time.Time) {
	elapsed := now.Sub(m.stateSince)

	if m.heating() && now.Sub(m.heatingSince) >= time.Duration(m.requestedMinutes)*time.Minute {
		m.setState(StateCooling)
		elapsed = 0
	}

	switch m.state {
	case StateStarting:
		switch {
		case m.scenario == ScenarioFlameFlutter && !m.scenarioTriggered && elapsed > flameOutAfter:
			m.scenarioTriggered = true
			m.setState(StateFlameOutRestart)
		case m.scenario == ScenarioErrorShutdown && !m.scenarioTriggered && elapsed > startErrorAfter:
			m.scenarioTriggered = true
			m.setState(StateError)
		case elapsed > startingDuration:
			m.setState(StateRunning)
			if !m.ventilating {
				m.pickScenario()
			}
		}

	case StateRunning:
		if m.scenario == ScenarioHighTemp && !m.scenarioTriggered && m.tempC > 80 {
			m.scenarioTriggered = true
			m.targetTempC = 85
			m.setState(StateTempOvershoot)
		}

	case StateTempOvershoot:
		if m.tempC < 70 {
			m.targetTempC = nominalTarget
			m.setState(StateRunning)
		}

	case StateFlameOutRestart:
		if elapsed > restartDuration {
			m.setState(StateStarting)
		}

	case StateCooling:
		if elapsed > coolingDuration {
			m.setState(StateOff)
		}

	case StateError:
		if elapsed > errorRecoverAfter {
			m.setState(StateOff)
		}
	}

	m.updatePhysics(now)
}

func (m *Model) noise(span int) float64 {
	return float64(m.rng.Intn(span) - span/2)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (m *Model) updatePhysics(now time.Time) {
	tempNoise := m.noise(200) * 0.01
	powerNoise := m.noise(30)

	switch m.state {
	case StateOff:
		m.flame = false
		m.powerX10 = 0
		m.fanRPM = 0
		m.tempC += (ambientC-m.tempC)*0.08 + tempNoise

	case StateStarting:
		m.flame = false
		m.powerX10 = uint16(clamp(250+powerNoise, 0, 300))
		m.fanRPM = uint16(1800 + m.noise(200))
		m.tempC += (m.targetTempC-m.tempC)*0.03 + tempNoise

	case StateRunning:
		if m.scenario == ScenarioFlameFlutter {
			m.flame = (now.UnixMilli()/500)%4 < 3
		} else {
			m.flame = !m.ventilating
		}
		m.powerX10 = uint16(clamp(700+powerNoise, 600, 800))
		m.fanRPM = uint16(4200 + m.noise(300))
		m.tempC += (m.targetTempC-m.tempC)*0.02 + tempNoise

	case StateTempOvershoot:
		m.flame = true
		m.powerX10 = uint16(clamp(400+powerNoise, 300, 500))
		m.fanRPM = 4500
		m.tempC += (m.targetTempC-m.tempC)*0.025 + tempNoise

	case StateFlameOutRestart:
		m.flame = false
		m.powerX10 = uint16(clamp(300+powerNoise, 200, 400))
		m.fanRPM = uint16(2000 + m.rng.Intn(300))
		m.tempC += (m.targetTempC-m.tempC)*0.02 + tempNoise

	case StateCooling:
		m.flame = false
		m.powerX10 = uint16(clamp(100+powerNoise, 50, 150))
		m.fanRPM = uint16(1500 + m.noise(200))
		m.tempC += (ambientC-m.tempC)*0.03 + tempNoise

	case StateError:
		m.flame = false
		m.powerX10 = 0
		m.fanRPM = uint16(m.rng.Intn(500))
		m.tempC += (ambientC - m.tempC) * 0.05
	}

	m.tempC = clamp(m.tempC, ambientC-5, 120)

	mv := float64(nominalMV) + m.noise(100)
	if m.state != StateOff {
		mv -= float64(m.powerX10/10) + float64(m.fanRPM/50)
	}
	if m.scenario == ScenarioVoltageDropped && m.heating() && now.Sub(m.scenarioSince) < sagDuration {
		mv -= 900
	}
	m.voltageMV = uint16(clamp(mv, 11000, 13200))
}

// temperatureRaw returns the temperature as carried on the bus (value + 50)
func (m *Model) temperatureRaw() byte {
	return byte(clamp(math.Round(m.tempC)+50, 0, 255))
}

// Handle answers one controller frame. It returns the response frame bytes,
// or nil when the frame gets no answer.
func (m *Model) Handle(f wbus.Frame) []byte {
	if f.Header != wbus.HeaderToHeater || len(f.Payload) < wbus.MinLength {
		return nil
	}

	m.Tick()

	cmd := f.Command()
	data := f.Data()

	switch cmd {
	case wbus.CmdParkHeat, wbus.CmdVentilate:
		if len(data) < 1 {
			return nil
		}
		m.Start(data[0], cmd == wbus.CmdVentilate)
		return reply(cmd, data[0])

	case wbus.CmdStop:
		m.Stop()
		return reply(cmd)

	case wbus.CmdKeepAlive:
		return reply(cmd)

	case wbus.CmdStatus:
		if len(data) < 1 {
			return nil
		}
		return m.statusPage(data)

	default:
		return reply(cmd)
	}
}

func reply(cmd byte, data ...byte) []byte {
	return wbus.BuildFrame(wbus.HeaderFromHeater, cmd|wbus.AckBit, data...)
}

func (m *Model) statusPage(req []byte) []byte {
	page := req[0]

	switch page {
	case wbus.MultiStatusPage:
		return reply(wbus.CmdStatus, m.multiStatus(req[1:])...)

	case wbus.PageOperatingState:
		return reply(wbus.CmdStatus, page, m.OpState())

	case wbus.PageSensors:
		flame := byte(0)
		if m.flame {
			flame = 1
		}
		return reply(wbus.CmdStatus, page,
			m.temperatureRaw(),
			byte(m.voltageMV>>8), byte(m.voltageMV),
			flame,
			byte(m.powerX10>>8), byte(m.powerX10),
			m.OpState())

	case wbus.PageActuatorLevels:
		glow, pump := byte(10), byte(0)
		if m.state == StateStarting {
			glow = 80
		}
		if m.state == StateRunning {
			pump = 60
		}
		fan := byte(clamp(float64(m.fanRPM/100), 0, 255))
		return reply(wbus.CmdStatus, page, glow, pump, fan)

	case wbus.PageFlags:
		var flags byte
		switch m.state {
		case StateRunning:
			flags |= 0x01
		case StateStarting:
			flags |= 0x02
		case StateCooling:
			flags |= 0x04
		case StateError:
			flags |= 0x80
		}
		return reply(wbus.CmdStatus, page, flags)

	case wbus.PageStateFlags:
		var flags byte
		switch m.state {
		case StateRunning:
			flags = 0x01 | 0x10 | 0x40
		case StateStarting:
			flags = 0x20 | 0x10
		}
		if m.ventilating && m.heating() {
			flags = 0x02 | 0x10
		}
		return reply(wbus.CmdStatus, page, flags)

	case wbus.PageActuators:
		out := make([]byte, 9)
		out[0] = page
		if m.state == StateStarting {
			out[5] = 80
		}
		if m.state == StateRunning {
			out[6] = 150
		}
		switch m.state {
		case StateRunning:
			out[7] = 100
		case StateStarting:
			out[7] = 50
		case StateCooling:
			out[7] = 40
		}
		return reply(wbus.CmdStatus, out...)

	case wbus.PageCounters:
		return reply(wbus.CmdStatus, page,
			0x00, 123, 45, // working hours, minutes
			0x01, 0xC8, 30, // operating hours (456), minutes
			0x03, 0x15) // starts (789)

	default:
		return reply(wbus.CmdStatus, page)
	}
}

func (m *Model) multiStatus(ids []byte) []byte {
	values := map[wbus.Tag]int{
		wbus.TagOperatingState: int(m.OpState()),
		wbus.TagTemperature:    int(m.temperatureRaw()) - 50,
		wbus.TagVoltage:        int(m.voltageMV),
		wbus.TagPower:          int(m.powerX10),
		wbus.TagGlowResistance: int(m.glowMilliOhm),
		wbus.TagCombustionFan:  int(m.fanRPM),
	}
	if m.flame {
		values[wbus.TagFlame] = 1
		values[0x0F] = 1
	}

	tags := make([]wbus.Tag, 0, len(ids))
	for _, id := range ids {
		// unknown ids are left out of the answer
		if wbus.IsKnownTag(id) {
			tags = append(tags, wbus.Tag(id))
		}
	}
	return wbus.EncodeMultiStatus(tags, values)
}
