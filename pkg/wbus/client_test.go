// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/heatersim"
	"github.com/Thermoquad/heliolink/pkg/wbus"
)

var epoch = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func newSimClient(t *testing.T, opts ...wbus.Option) (*wbus.Client, *heatersim.Port, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	model := heatersim.NewModel(clk, rand.New(rand.NewSource(1)))
	model.LockScenario(heatersim.ScenarioNormal)
	port := heatersim.NewPort(model)

	opts = append([]wbus.Option{wbus.WithClock(clk)}, opts...)
	return wbus.NewClient(port, opts...), port, clk
}

// breakingPort records break pulses on top of the simulator port
type breakingPort struct {
	*heatersim.Port
	breaks []time.Duration
}

func (p *breakingPort) Break(d time.Duration) error {
	p.breaks = append(p.breaks, d)
	return nil
}

type recordingTx struct {
	calls []bool
}

func (r *recordingTx) EnableTx(enable bool) error {
	r.calls = append(r.calls, enable)
	return nil
}

// ============================================================
// Request / Response Tests
// ============================================================

func TestClient_ReadOperatingState(t *testing.T) {
	c, _, _ := newSimClient(t)

	op, err := c.ReadOperatingState()
	if err != nil {
		t.Fatalf("ReadOperatingState: %v", err)
	}
	if op != 0x04 {
		t.Errorf("op = 0x%02X, want 0x04 (off)", op)
	}
}

func TestClient_IgnoresEcho(t *testing.T) {
	c, port, _ := newSimClient(t)
	port.SetEcho(true)

	if err := c.StartParkingHeater(20); err != nil {
		t.Fatalf("StartParkingHeater: %v", err)
	}
	op, err := c.ReadOperatingState()
	if err != nil {
		t.Fatalf("ReadOperatingState: %v", err)
	}
	if op != 0x01 {
		t.Errorf("op = 0x%02X, want 0x01 (starting)", op)
	}
}

func TestClient_StartAndStop(t *testing.T) {
	c, port, clk := newSimClient(t)
	model := port.Model()

	if err := c.StartParkingHeater(45); err != nil {
		t.Fatalf("StartParkingHeater: %v", err)
	}
	if model.State() != heatersim.StateStarting || model.RequestedMinutes() != 45 {
		t.Errorf("heater = %s for %d min", model.State(), model.RequestedMinutes())
	}

	clk.Advance(16 * time.Second)
	op, err := c.ReadOperatingState()
	if err != nil || op != 0x06 {
		t.Errorf("op = 0x%02X, err = %v; want 0x06", op, err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if model.State() != heatersim.StateCooling {
		t.Errorf("heater = %s, want cooling", model.State())
	}
	if _, _, ok := c.ActiveCommand(); ok {
		t.Error("Stop should clear the active command")
	}
}

func TestClient_NoResponse(t *testing.T) {
	c, port, clk := newSimClient(t)
	port.SetMute(true)

	start := clk.Now()
	err := c.Stop()
	if !errors.Is(err, wbus.ErrNoResponse) {
		t.Fatalf("error = %v, want ErrNoResponse", err)
	}
	if waited := clk.Now().Sub(start); waited < wbus.ResponseTimeout {
		t.Errorf("gave up after %v, want at least %v", waited, wbus.ResponseTimeout)
	}
	if port.Requests() != 1 {
		t.Errorf("requests = %d, want exactly one (no bus retries)", port.Requests())
	}
}

func TestClient_ReadMultiStatus(t *testing.T) {
	c, _, _ := newSimClient(t)

	st, err := c.ReadMultiStatus(wbus.MultiStatusIDs)
	if err != nil {
		t.Fatalf("ReadMultiStatus: %v", err)
	}
	if st.Len() != len(wbus.MultiStatusIDs) {
		t.Errorf("decoded %d tags, want %d", st.Len(), len(wbus.MultiStatusIDs))
	}
	if temp, ok := st.TemperatureC(); !ok || temp != 20 {
		t.Errorf("temperature = %d (ok=%v), want 20", temp, ok)
	}
	if mv, ok := st.VoltageMilliVolts(); !ok || mv != 12400 {
		t.Errorf("voltage = %d (ok=%v), want 12400", mv, ok)
	}
	if op, _ := st.OperatingState(); op != 0x04 {
		t.Errorf("operating state = 0x%02X, want 0x04", op)
	}
}

func TestClient_FallbackPages(t *testing.T) {
	c, _, clk := newSimClient(t)

	if err := c.StartParkingHeater(30); err != nil {
		t.Fatal(err)
	}
	clk.Advance(16 * time.Second)

	sensors, err := c.ReadSensors()
	if err != nil {
		t.Fatalf("ReadSensors: %v", err)
	}
	if !sensors.HasExtended || sensors.VoltageMilliVolts < 11000 {
		t.Errorf("sensors = %+v", sensors)
	}

	flags, err := c.ReadStateFlags()
	if err != nil || !flags.HeatRequest || !flags.FuelPump {
		t.Errorf("state flags = %+v, err = %v", flags, err)
	}

	act, err := c.ReadActuators()
	if err != nil || act.FuelPumpHz != 3 {
		t.Errorf("actuators = %+v, err = %v", act, err)
	}

	counters, err := c.ReadCounters()
	if err != nil || counters.StartCounter != 789 {
		t.Errorf("counters = %+v, err = %v", counters, err)
	}

	if _, err := c.ReadActuatorLevels(); err != nil {
		t.Errorf("ReadActuatorLevels: %v", err)
	}
	if _, err := c.ReadFlags(); err != nil {
		t.Errorf("ReadFlags: %v", err)
	}
}

func TestClient_Ventilation(t *testing.T) {
	c, port, _ := newSimClient(t)

	if err := c.StartVentilation(10); err != nil {
		t.Fatalf("StartVentilation: %v", err)
	}
	cmd, minutes, ok := c.ActiveCommand()
	if !ok || cmd != wbus.CmdVentilate || minutes != 10 {
		t.Errorf("active = 0x%02X %d %v", cmd, minutes, ok)
	}
	if port.Model().State() != heatersim.StateStarting {
		t.Errorf("heater = %s", port.Model().State())
	}
}

// ============================================================
// Line Control Tests
// ============================================================

func TestClient_BreakBeforeFirstCommandOnly(t *testing.T) {
	clk := clock.NewManual(epoch)
	model := heatersim.NewModel(clk, rand.New(rand.NewSource(1)))
	port := &breakingPort{Port: heatersim.NewPort(model)}
	c := wbus.NewClient(port, wbus.WithClock(clk), wbus.WithBreak(true))

	if _, err := c.ReadOperatingState(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadOperatingState(); err != nil {
		t.Fatal(err)
	}

	if len(port.breaks) != 1 || port.breaks[0] != wbus.BreakLow {
		t.Errorf("breaks = %v, want one %v pulse", port.breaks, wbus.BreakLow)
	}
	if elapsed := clk.Now().Sub(epoch); elapsed < wbus.BreakIdle+wbus.BreakRecover {
		t.Errorf("elapsed = %v, want idle and recovery delays", elapsed)
	}
}

func TestClient_TxEnable(t *testing.T) {
	tx := &recordingTx{}
	c, _, _ := newSimClient(t, wbus.WithTxEnable(tx))

	if err := c.KeepAlive(); err != nil {
		t.Fatal(err)
	}
	if len(tx.calls) != 2 || !tx.calls[0] || tx.calls[1] {
		t.Errorf("tx enable calls = %v, want [true false]", tx.calls)
	}
}

// ============================================================
// Active Command Tests
// ============================================================

func TestClient_KeepAliveSchedule(t *testing.T) {
	c, _, clk := newSimClient(t)

	if c.NeedsKeepAlive() || c.Remaining() != 0 {
		t.Error("idle client should not need keep-alive")
	}

	if err := c.StartParkingHeater(30); err != nil {
		t.Fatal(err)
	}
	if c.Remaining() != 30 {
		t.Errorf("Remaining() = %d, want 30", c.Remaining())
	}

	clk.Advance(wbus.KeepAlivePeriod)
	if !c.NeedsKeepAlive() {
		t.Error("keep-alive should be due")
	}
	if c.Remaining() != 30 {
		t.Errorf("Remaining() = %d, want 30 (rounded up)", c.Remaining())
	}

	if err := c.KeepAlive(); err != nil {
		t.Fatal(err)
	}
	if c.NeedsKeepAlive() {
		t.Error("keep-alive should not be due right after sending one")
	}

	clk.Advance(30 * time.Minute)
	if c.Remaining() != 0 || c.NeedsKeepAlive() {
		t.Error("expired command should need nothing")
	}
}
