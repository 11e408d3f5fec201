// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package wbus

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	log "github.com/sirupsen/logrus"
)

// ErrNoResponse is returned when the heater does not answer within the
// response timeout.
var ErrNoResponse = errors.New("no response from heater")

// LineBreaker is implemented by ports that can hold the line low, such as
// go.bug.st/serial ports.
type LineBreaker interface {
	Break(d time.Duration) error
}

// TxEnabler switches an external bus transceiver between transmit and receive.
type TxEnabler interface {
	EnableTx(enable bool) error
}

// Client issues requests on the heater bus and waits for their answers. Reads
// from the port must return promptly, with 0 bytes when the line is idle.
type Client struct {
	port     io.ReadWriter
	framer   *Framer
	clock    clock.Clock
	log      *log.Entry
	txEnable TxEnabler
	timeout  time.Duration

	sendBreak bool
	didBreak  bool

	readBuf []byte

	activeCmd     byte
	activeMinutes uint8
	activeSince   time.Time
	lastKeepAlive time.Time
}

// Option configures a Client
type Option func(*Client)

// WithClock sets the time source used for timeouts and pacing
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the log entry used by the client
func WithLogger(l *log.Entry) Option {
	return func(cl *Client) { cl.log = l }
}

// WithBreak enables the wake-up break pulse before the first command
func WithBreak(enabled bool) Option {
	return func(cl *Client) { cl.sendBreak = enabled }
}

// WithTxEnable drives a transceiver enable line around every write
func WithTxEnable(t TxEnabler) Option {
	return func(cl *Client) { cl.txEnable = t }
}

// WithResponseTimeout overrides ResponseTimeout
func WithResponseTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// NewClient creates a bus client on port
func NewClient(port io.ReadWriter, opts ...Option) *Client {
	c := &Client{
		port:    port,
		framer:  NewFramer(),
		clock:   clock.System{},
		log:     log.WithField("component", "wbus"),
		timeout: ResponseTimeout,
		readBuf: make([]byte, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Framer exposes the client's receive framer, for statistics
func (c *Client) Framer() *Framer {
	return c.framer
}

// wakeLine emits the break pulse: line idle, held low, then released.
func (c *Client) wakeLine() {
	breaker, ok := c.port.(LineBreaker)
	if !ok {
		c.log.Debug("port cannot send break, skipping wake pulse")
		return
	}

	c.clock.Sleep(BreakIdle)
	if err := breaker.Break(BreakLow); err != nil {
		c.log.WithError(err).Warn("break pulse failed")
	}
	c.clock.Sleep(BreakRecover)
}

// SendCommand writes one request frame to the heater
func (c *Client) SendCommand(cmd byte, data ...byte) error {
	if c.sendBreak && !c.didBreak {
		c.wakeLine()
		c.didBreak = true
	}

	frame := BuildFrame(HeaderToHeater, cmd, data...)

	if c.txEnable != nil {
		if err := c.txEnable.EnableTx(true); err != nil {
			return fmt.Errorf("enable transmitter: %w", err)
		}
		defer func() {
			if err := c.txEnable.EnableTx(false); err != nil {
				c.log.WithError(err).Warn("failed to release transmitter")
			}
		}()
	}

	if _, err := c.port.Write(frame); err != nil {
		return fmt.Errorf("bus write: %w", err)
	}

	c.log.WithField("frame", fmt.Sprintf("% X", frame)).Debug("tx")
	return nil
}

// Poll moves any bytes waiting on the port into the framer and reports how
// many were read.
func (c *Client) Poll() (int, error) {
	n, err := c.port.Read(c.readBuf)
	if n > 0 {
		c.framer.Write(c.readBuf[:n])
	}
	if err != nil {
		return n, fmt.Errorf("bus read: %w", err)
	}
	return n, nil
}

// ReadFrame returns the next completed frame, or ErrNoResponse after timeout
func (c *Client) ReadFrame(timeout time.Duration) (Frame, error) {
	return c.await(func(Frame) bool { return true }, timeout)
}

// await reads frames until one satisfies match or the timeout elapses. Frames
// that do not match, such as the echo of our own request, are skipped.
func (c *Client) await(match func(Frame) bool, timeout time.Duration) (Frame, error) {
	deadline := c.clock.Now().Add(timeout)

	for {
		n, err := c.Poll()
		if err != nil {
			return Frame{}, err
		}

		if f, ok := c.framer.Pop(); ok {
			c.log.WithField("frame", f.String()).Debug("rx")
			if match(f) {
				return f, nil
			}
		}

		if !c.clock.Now().Before(deadline) {
			return Frame{}, ErrNoResponse
		}
		if n == 0 {
			c.clock.Sleep(time.Millisecond)
		}
	}
}

// transact sends a request and waits for the frame accepted by match
func (c *Client) transact(match func(Frame) bool, cmd byte, data ...byte) (Frame, error) {
	// A frame left over from an earlier exchange must not answer this one
	c.framer.Pop()

	if err := c.SendCommand(cmd, data...); err != nil {
		return Frame{}, err
	}

	f, err := c.await(match, c.timeout)
	if err != nil {
		return Frame{}, fmt.Errorf("command 0x%02X: %w", cmd, err)
	}
	return f, nil
}

// ReadPage requests a single status page and returns the heater's answer
func (c *Client) ReadPage(page byte) (Frame, error) {
	return c.transact(func(f Frame) bool { return f.IsStatusResponse(page) }, CmdStatus, page)
}

// ReadOperatingState returns the heater's operating state opcode
func (c *Client) ReadOperatingState() (byte, error) {
	f, err := c.transact(func(f Frame) bool {
		return f.IsStatusResponse(PageOperatingState) && len(f.Payload) >= 4
	}, CmdStatus, PageOperatingState)
	if err != nil {
		return 0, err
	}
	return f.Payload[2], nil
}

// ReadMultiStatus requests the given tags in one multi-status query
func (c *Client) ReadMultiStatus(ids []byte) (*DecodedStatus, error) {
	data := append([]byte{MultiStatusPage}, ids...)

	f, err := c.transact(func(f Frame) bool {
		return f.IsStatusResponse(MultiStatusPage) && len(f.Payload) >= 4
	}, CmdStatus, data...)
	if err != nil {
		return nil, err
	}
	return DecodeMultiStatus(f)
}

func (c *Client) command(cmd byte, data ...byte) error {
	_, err := c.transact(func(f Frame) bool { return f.IsAckOf(cmd) }, cmd, data...)
	return err
}

// StartParkingHeater starts heating for minutes
func (c *Client) StartParkingHeater(minutes uint8) error {
	if err := c.command(CmdParkHeat, minutes); err != nil {
		return err
	}
	c.SetActiveCommand(CmdParkHeat, minutes)
	return nil
}

// StartVentilation runs the fan only for minutes
func (c *Client) StartVentilation(minutes uint8) error {
	if err := c.command(CmdVentilate, minutes); err != nil {
		return err
	}
	c.SetActiveCommand(CmdVentilate, minutes)
	return nil
}

// Stop switches the heater off
func (c *Client) Stop() error {
	if err := c.command(CmdStop); err != nil {
		return err
	}
	c.ClearActiveCommand()
	return nil
}

// KeepAlive tells the heater the controller is still present
func (c *Client) KeepAlive() error {
	if err := c.command(CmdKeepAlive, keepAliveData...); err != nil {
		return err
	}
	c.lastKeepAlive = c.clock.Now()
	return nil
}

// ReadSensors reads status page 0x05
func (c *Client) ReadSensors() (SensorPage, error) {
	f, err := c.ReadPage(PageSensors)
	if err != nil {
		return SensorPage{}, err
	}
	return ParseSensorPage(f)
}

// ReadActuatorLevels reads status page 0x0F
func (c *Client) ReadActuatorLevels() (ActuatorLevels, error) {
	f, err := c.ReadPage(PageActuatorLevels)
	if err != nil {
		return ActuatorLevels{}, err
	}
	return ParseActuatorLevels(f)
}

// ReadFlags reads status page 0x02
func (c *Client) ReadFlags() (byte, error) {
	f, err := c.ReadPage(PageFlags)
	if err != nil {
		return 0, err
	}
	return ParseFlags(f)
}

// ReadStateFlags reads status page 0x03
func (c *Client) ReadStateFlags() (StateFlags, error) {
	f, err := c.ReadPage(PageStateFlags)
	if err != nil {
		return StateFlags{}, err
	}
	return ParseStateFlags(f)
}

// ReadActuators reads status page 0x04
func (c *Client) ReadActuators() (Actuators, error) {
	f, err := c.ReadPage(PageActuators)
	if err != nil {
		return Actuators{}, err
	}
	return ParseActuators(f)
}

// ReadCounters reads status page 0x06
func (c *Client) ReadCounters() (Counters, error) {
	f, err := c.ReadPage(PageCounters)
	if err != nil {
		return Counters{}, err
	}
	return ParseCounters(f)
}

// SetActiveCommand records a running heat or ventilation command, starting now
func (c *Client) SetActiveCommand(cmd byte, minutes uint8) {
	now := c.clock.Now()
	c.activeCmd = cmd
	c.activeMinutes = minutes
	c.activeSince = now
	c.lastKeepAlive = now
}

// ClearActiveCommand forgets the running command
func (c *Client) ClearActiveCommand() {
	c.activeCmd = 0
	c.activeMinutes = 0
}

// ActiveCommand returns the running command and its requested duration
func (c *Client) ActiveCommand() (cmd byte, minutes uint8, ok bool) {
	return c.activeCmd, c.activeMinutes, c.activeCmd != 0
}

// Remaining returns the whole minutes left on the active command, rounded up
func (c *Client) Remaining() uint8 {
	if c.activeCmd == 0 {
		return 0
	}
	left := time.Duration(c.activeMinutes)*time.Minute - c.clock.Now().Sub(c.activeSince)
	if left <= 0 {
		return 0
	}
	return uint8((left + time.Minute - 1) / time.Minute)
}

// NeedsKeepAlive reports whether a keep-alive is due for the active command
func (c *Client) NeedsKeepAlive() bool {
	if c.Remaining() == 0 {
		return false
	}
	return c.clock.Now().Sub(c.lastKeepAlive) >= KeepAlivePeriod
}
