// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heatersim

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/wbus"
)

var epoch = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func newTestModel(scenario Scenario) (*Model, *clock.Manual) {
	clk := clock.NewManual(epoch)
	m := NewModel(clk, rand.New(rand.NewSource(42)))
	m.LockScenario(scenario)
	return m, clk
}

func request(cmd byte, data ...byte) wbus.Frame {
	raw := wbus.BuildFrame(wbus.HeaderToHeater, cmd, data...)
	return wbus.Frame{Header: raw[0], Payload: raw[2:]}
}

func responseOf(t *testing.T, raw []byte) wbus.Frame {
	t.Helper()
	if len(raw) < 4 {
		t.Fatalf("short response % X", raw)
	}
	f := wbus.Frame{Header: raw[0], Payload: raw[2:]}
	if !f.Valid() || !f.FromHeater() {
		t.Fatalf("invalid response % X", raw)
	}
	return f
}

// ============================================================
// State Machine Tests
// ============================================================

func TestModel_NormalCycle(t *testing.T) {
	m, clk := newTestModel(ScenarioNormal)

	if m.OpState() != 0x04 {
		t.Fatalf("initial op = 0x%02X, want 0x04", m.OpState())
	}

	m.Start(30, false)
	if m.State() != StateStarting || m.OpState() != 0x01 {
		t.Errorf("after start: %s", m.State())
	}

	clk.Advance(16 * time.Second)
	m.Tick()
	if m.State() != StateRunning || m.OpState() != 0x06 {
		t.Errorf("after 16s: %s", m.State())
	}

	m.Stop()
	if m.State() != StateCooling {
		t.Errorf("after stop: %s", m.State())
	}

	clk.Advance(21 * time.Second)
	m.Tick()
	if m.State() != StateOff {
		t.Errorf("after cooling: %s", m.State())
	}
}

func TestModel_RequestedDurationExpires(t *testing.T) {
	m, clk := newTestModel(ScenarioNormal)
	m.Start(1, false)

	clk.Advance(61 * time.Second)
	m.Tick()
	if m.State() != StateCooling {
		t.Errorf("after the requested minute: %s, want cooling", m.State())
	}
}

func TestModel_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		scenario Scenario
		steps    []time.Duration
		states   []State
	}{
		{
			name:     "error shutdown",
			scenario: ScenarioErrorShutdown,
			steps:    []time.Duration{10500 * time.Millisecond, 5500 * time.Millisecond},
			states:   []State{StateError, StateOff},
		},
		{
			name:     "flame flutter",
			scenario: ScenarioFlameFlutter,
			steps:    []time.Duration{8500 * time.Millisecond, 3500 * time.Millisecond, 16 * time.Second},
			states:   []State{StateFlameOutRestart, StateStarting, StateRunning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clk := newTestModel(tt.scenario)
			m.Start(30, false)

			for i, d := range tt.steps {
				clk.Advance(d)
				m.Tick()
				if m.State() != tt.states[i] {
					t.Fatalf("step %d: state = %s, want %s", i, m.State(), tt.states[i])
				}
			}
		})
	}
}

func TestModel_TemperatureRises(t *testing.T) {
	m, clk := newTestModel(ScenarioNormal)
	m.Start(30, false)

	clk.Advance(5 * time.Minute)
	m.Tick()
	if m.TemperatureC() < 50 {
		t.Errorf("temperature after 5 min = %.1f, expected heating", m.TemperatureC())
	}
	if v := m.VoltageMilliVolts(); v < 11000 || v > 13200 {
		t.Errorf("voltage out of range: %d", v)
	}
}

// ============================================================
// Bus Handling Tests
// ============================================================

func TestModel_HandleCommands(t *testing.T) {
	m, _ := newTestModel(ScenarioNormal)

	resp := responseOf(t, m.Handle(request(wbus.CmdParkHeat, 25)))
	if !resp.IsAckOf(wbus.CmdParkHeat) || !bytes.Equal(resp.Data(), []byte{25}) {
		t.Errorf("start ack = %s", resp)
	}
	if m.State() != StateStarting || m.RequestedMinutes() != 25 {
		t.Errorf("state = %s, minutes = %d", m.State(), m.RequestedMinutes())
	}

	resp = responseOf(t, m.Handle(request(wbus.CmdKeepAlive, 0x2A, 0x00)))
	if !resp.IsAckOf(wbus.CmdKeepAlive) {
		t.Errorf("keep-alive ack = %s", resp)
	}

	resp = responseOf(t, m.Handle(request(wbus.CmdStop)))
	if !resp.IsAckOf(wbus.CmdStop) || m.State() != StateCooling {
		t.Errorf("stop ack = %s, state = %s", resp, m.State())
	}

	resp = responseOf(t, m.Handle(request(0x38)))
	if !resp.IsAckOf(0x38) {
		t.Errorf("unhandled command should get a bare ack, got %s", resp)
	}
}

func TestModel_IgnoresHeaterFrames(t *testing.T) {
	m, _ := newTestModel(ScenarioNormal)
	raw := wbus.BuildFrame(wbus.HeaderFromHeater, wbus.CmdStop|wbus.AckBit)
	if resp := m.Handle(wbus.Frame{Header: raw[0], Payload: raw[2:]}); resp != nil {
		t.Errorf("heater frame answered with % X", resp)
	}
}

func TestModel_StatusPages(t *testing.T) {
	m, _ := newTestModel(ScenarioNormal)

	op, err := wbus.ParseOperatingState(responseOf(t, m.Handle(request(wbus.CmdStatus, wbus.PageOperatingState))))
	if err != nil || op != 0x04 {
		t.Errorf("op = 0x%02X, err = %v", op, err)
	}

	sensors, err := wbus.ParseSensorPage(responseOf(t, m.Handle(request(wbus.CmdStatus, wbus.PageSensors))))
	if err != nil || sensors.TemperatureC != 20 || !sensors.HasExtended {
		t.Errorf("sensors = %+v, err = %v", sensors, err)
	}

	unknown := responseOf(t, m.Handle(request(wbus.CmdStatus, 0x42)))
	if !unknown.IsStatusResponse(0x42) || len(unknown.Data()) != 1 {
		t.Errorf("unknown page answer = %s", unknown)
	}
}

func TestModel_MultiStatusSkipsUnknownIDs(t *testing.T) {
	m, _ := newTestModel(ScenarioNormal)

	resp := responseOf(t, m.Handle(request(wbus.CmdStatus, wbus.MultiStatusPage, 0x0C, 0x99, 0x0E)))
	st, err := wbus.DecodeMultiStatus(resp)
	if err != nil {
		t.Fatalf("DecodeMultiStatus: %v", err)
	}
	if st.Len() != 2 || !st.Has(wbus.TagTemperature) || !st.Has(wbus.TagVoltage) {
		t.Errorf("decoded tags = %v", st.Tags())
	}
}

// ============================================================
// Port Tests
// ============================================================

func TestPort_ReadIdleReturnsZero(t *testing.T) {
	m, _ := newTestModel(ScenarioNormal)
	p := NewPort(m)

	buf := make([]byte, 8)
	n, err := p.Read(buf)
	if n != 0 || err != nil {
		t.Errorf("idle read = %d, %v", n, err)
	}

	p.Close()
	if _, err := p.Read(buf); err != io.EOF {
		t.Errorf("read after close = %v, want EOF", err)
	}
}

// scriptedConn delivers one request and then reports end of stream
type scriptedConn struct {
	in  []byte
	out bytes.Buffer
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if len(c.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func TestServe(t *testing.T) {
	m, _ := newTestModel(ScenarioNormal)
	conn := &scriptedConn{in: wbus.BuildFrame(wbus.HeaderToHeater, wbus.CmdStatus, wbus.PageOperatingState)}

	if err := Serve(testContext(t), conn, m); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := wbus.BuildFrame(wbus.HeaderFromHeater, wbus.CmdStatus|wbus.AckBit, wbus.PageOperatingState, 0x04)
	if !bytes.Equal(conn.out.Bytes(), want) {
		t.Errorf("response = % X, want % X", conn.out.Bytes(), want)
	}
}

func TestParseScenario(t *testing.T) {
	for _, s := range Scenarios {
		got, err := ParseScenario(s.String())
		if err != nil || got != s {
			t.Errorf("ParseScenario(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseScenario("meltdown"); err == nil {
		t.Error("unknown scenario should fail")
	}
}
