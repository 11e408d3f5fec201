// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package receiver runs the heater-side endpoint of the link: it applies
// radio commands to the heater bus, suppresses retried commands across
// resets, and reports heater telemetry back to the sender.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/heliolink/pkg/clock"
	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	log "github.com/sirupsen/logrus"
)

// Defaults
const (
	DefaultRunMinutes    = 30
	DefaultListenWindow  = 400 * time.Millisecond
	DefaultSleepInterval = 4 * time.Second
	DefaultPollInterval  = 2 * time.Second

	listenPoll = 5 * time.Millisecond
	runPoll    = 10 * time.Millisecond
)

// Error codes reported in Status.ErrorCode
const (
	ErrorNone           uint8 = 0
	ErrorBus            uint8 = 1
	ErrorUnknownCommand uint8 = 2
	ErrorStore          uint8 = 3
)

// ErrUnknownCommand is returned for command kinds the receiver cannot apply
var ErrUnknownCommand = errors.New("unknown command")

// Power is the receiver's power policy state
type Power int

const (
	PowerSleeping Power = iota
	PowerListening
	PowerRunning
)

func (p Power) String() string {
	switch p {
	case PowerSleeping:
		return "sleeping"
	case PowerListening:
		return "listening"
	case PowerRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Bus is the heater bus as used by the receiver. *wbus.Client implements it.
type Bus interface {
	ReadOperatingState() (byte, error)
	ReadMultiStatus(ids []byte) (*wbus.DecodedStatus, error)
	ReadSensors() (wbus.SensorPage, error)
	ReadActuatorLevels() (wbus.ActuatorLevels, error)
	ReadFlags() (byte, error)
	ReadStateFlags() (wbus.StateFlags, error)
	ReadActuators() (wbus.Actuators, error)
	ReadCounters() (wbus.Counters, error)

	StartParkingHeater(minutes uint8) error
	Stop() error
	KeepAlive() error
	NeedsKeepAlive() bool
	Remaining() uint8
}

// Config holds the receiver's timing and power policy
type Config struct {
	DefaultRunMinutes uint8
	AlwaysOn          bool // never sleep, whatever the heater does
	ListenWindow      time.Duration
	SleepInterval     time.Duration
	PollInterval      time.Duration
}

// DefaultConfig returns the standard timing
func DefaultConfig() Config {
	return Config{
		DefaultRunMinutes: DefaultRunMinutes,
		ListenWindow:      DefaultListenWindow,
		SleepInterval:     DefaultSleepInterval,
		PollInterval:      DefaultPollInterval,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.DefaultRunMinutes == 0 {
		c.DefaultRunMinutes = d.DefaultRunMinutes
	}
	if c.ListenWindow <= 0 {
		c.ListenWindow = d.ListenWindow
	}
	if c.SleepInterval <= 0 {
		c.SleepInterval = d.SleepInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}

// Pages holds the last fallback status pages read from the heater
type Pages struct {
	Valid      bool
	Sensors    wbus.SensorPage
	Levels     wbus.ActuatorLevels
	Flags      byte
	StateFlags wbus.StateFlags
	Actuators  wbus.Actuators
	Counters   wbus.Counters
}

// Snapshot is a read-only copy of the receiver state
type Snapshot struct {
	Power         Power
	Status        linkproto.Status
	RunMinutes    uint8
	Durable       DurableState
	LastCommandAt time.Time
	LastPollAt    time.Time
	TLVTags       int // tags decoded by the last multi-status poll
	Pages         Pages
	Link          linkproto.Statistics
}

// Receiver is the heater-side link endpoint. All methods except Snapshot must
// be called from the goroutine running the receiver.
type Receiver struct {
	cfg   Config
	radio link.Radio
	bus   Bus
	store Store
	codec *linkproto.Codec
	clock clock.Clock
	log   *log.Entry
	stats *linkproto.Statistics

	power         Power
	durable       DurableState
	status        linkproto.Status
	runMinutes    uint8
	statusSeq     uint16
	lastRSSI      int
	lastSNR       float64
	lastCommandAt time.Time
	lastPollAt    time.Time
	tlvTags       int
	pages         Pages

	onStatus func(Snapshot)

	mu   sync.Mutex
	snap Snapshot
}

// Option configures a Receiver
type Option func(*Receiver)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(r *Receiver) { r.clock = c }
}

// WithLogger sets the log entry
func WithLogger(l *log.Entry) Option {
	return func(r *Receiver) { r.log = l }
}

// WithStatusHandler calls fn with a snapshot after every status transmission
func WithStatusHandler(fn func(Snapshot)) Option {
	return func(r *Receiver) { r.onStatus = fn }
}

// New creates a receiver and loads its durable state from store
func New(radio link.Radio, bus Bus, store Store, key linkproto.Key, cfg Config, opts ...Option) (*Receiver, error) {
	cfg.fill()
	r := &Receiver{
		cfg:   cfg,
		radio: radio,
		bus:   bus,
		store: store,
		codec: linkproto.NewCodec(key),
		clock: clock.System{},
		log:   log.WithField("component", "receiver"),
		stats: linkproto.NewStatistics(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.reset(); err != nil {
		return nil, err
	}

	r.power = PowerSleeping
	if cfg.AlwaysOn {
		r.power = PowerRunning
	}
	r.publish()
	return r, nil
}

// reset reloads the durable state and forgets everything else, as a power-on
// of the receiver would.
func (r *Receiver) reset() error {
	st, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("load durable state: %w", err)
	}

	r.durable = st
	r.status = linkproto.NewStatus()
	r.status.LastCommandSeq = st.LastProcessedSeq
	r.runMinutes = r.cfg.DefaultRunMinutes
	r.lastPollAt = r.clock.Now()
	r.tlvTags = 0
	r.pages = Pages{}
	return nil
}

func (r *Receiver) persist() error {
	return r.store.Save(r.durable)
}

// Power returns the current power state
func (r *Receiver) Power() Power {
	return r.power
}

func (r *Receiver) setPower(p Power) {
	if p == r.power {
		return
	}
	r.log.WithFields(log.Fields{"from": r.power.String(), "to": p.String()}).Info("power state")
	r.power = p
	r.publish()
}

// Snapshot returns a copy of the receiver state. It is safe to call from any
// goroutine.
func (r *Receiver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *Receiver) publish() {
	stats := *r.stats
	stats.CalculateRates()

	r.mu.Lock()
	r.snap = Snapshot{
		Power:         r.power,
		Status:        r.status,
		RunMinutes:    r.runMinutes,
		Durable:       r.durable,
		LastCommandAt: r.lastCommandAt,
		LastPollAt:    r.lastPollAt,
		TLVTags:       r.tlvTags,
		Pages:         r.pages,
		Link:          stats,
	}
	r.mu.Unlock()
}

// MapOpState classifies a heater operating state opcode
func MapOpState(op byte) linkproto.HeaterState {
	if wbus.IsOffState(op) {
		return linkproto.StateOff
	}
	return linkproto.StateRunning
}

// ProbeTLVSupport asks the heater for a multi-status snapshot once and caches
// the answer in the durable state. A heater that does not answer at all is
// probed again after the next reset.
func (r *Receiver) ProbeTLVSupport() TLVSupport {
	if r.durable.TLVSupport != TLVUnknown {
		return r.durable.TLVSupport
	}

	_, err := r.bus.ReadMultiStatus(wbus.MultiStatusIDs)
	switch {
	case err == nil:
		r.durable.TLVSupport = TLVSupported
	case errors.Is(err, wbus.ErrNoResponse):
		r.log.WithError(err).Warn("heater silent, multi-status support unknown")
		return TLVUnknown
	default:
		r.log.WithError(err).Debug("multi-status probe failed")
		r.durable.TLVSupport = TLVUnsupported
	}

	if err := r.persist(); err != nil {
		r.log.WithError(err).Warn("failed to persist multi-status support")
	}
	r.log.WithField("tlv", r.durable.TLVSupport.String()).Info("multi-status support probed")
	r.publish()
	return r.durable.TLVSupport
}

// receiveCommand takes one frame from the radio and returns it if it is a
// command for this endpoint.
func (r *Receiver) receiveCommand() (*linkproto.Packet, link.Reception, bool) {
	rec, ok := r.radio.TryReceive()
	if !ok {
		return nil, rec, false
	}

	p, err := r.codec.Decode(rec.Data)
	r.stats.Update(err)
	if err != nil {
		r.log.WithError(err).Debug("discarding frame")
		return nil, rec, false
	}
	if p.Type != linkproto.MsgCommand || p.Dst != linkproto.NodeReceiver {
		r.stats.MarkForeign()
		return nil, rec, false
	}
	return p, rec, true
}

// HandleCommand applies a command packet and acknowledges it with a status.
// A repeat of the last processed sequence is acknowledged without touching
// the heater.
func (r *Receiver) HandleCommand(p *linkproto.Packet, rec link.Reception) {
	cmd, ok := p.Command()
	if !ok {
		return
	}

	logger := r.log.WithFields(log.Fields{
		"seq":     p.Seq,
		"command": cmd.Kind.String(),
		"minutes": cmd.Minutes,
		"rssi":    rec.RSSI,
		"snr":     rec.SNR,
	})
	r.lastRSSI, r.lastSNR = rec.RSSI, rec.SNR

	if p.Seq == r.durable.LastProcessedSeq {
		logger.Info("duplicate command, acknowledging only")
		r.status.LastCommandSeq = p.Seq
		r.emitStatus()
		return
	}

	err := r.dispatch(cmd)
	r.lastCommandAt = r.clock.Now()
	if err != nil {
		logger.WithError(err).Warn("command failed")
		r.status.State = linkproto.StateError
		r.status.ErrorCode = errorCode(err)
	} else {
		r.status.ErrorCode = ErrorNone
		logger.WithField("state", r.status.State.String()).Info("command applied")
	}

	// The bus action has been attempted; a retry of this sequence must not repeat it
	r.durable.LastProcessedSeq = p.Seq
	if err := r.persist(); err != nil {
		logger.WithError(err).Error("failed to persist processed sequence")
		r.status.ErrorCode = ErrorStore
	}

	r.status.LastCommandSeq = p.Seq
	r.emitStatus()
}

func (r *Receiver) dispatch(cmd linkproto.Command) error {
	switch cmd.Kind {
	case linkproto.CmdStop:
		if err := r.bus.Stop(); err != nil {
			return fmt.Errorf("stop heater: %w", err)
		}
		r.status.State = linkproto.StateOff
		r.status.MinutesRemaining = 0
		r.refreshOpState()

	case linkproto.CmdStart, linkproto.CmdRunMinutes:
		minutes := cmd.Minutes
		if minutes == 0 {
			minutes = r.runMinutes
		}
		r.runMinutes = minutes

		if err := r.bus.StartParkingHeater(minutes); err != nil {
			return fmt.Errorf("start heater for %d min: %w", minutes, err)
		}
		r.status.State = linkproto.StateRunning
		r.status.MinutesRemaining = minutes
		r.refreshOpState()

	case linkproto.CmdQueryStatus:
		return r.PollBus()

	default:
		return fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.Kind)
	}
	return nil
}

// refreshOpState reads the operating state after a heater action so the
// acknowledging status carries the heater's own view of it
func (r *Receiver) refreshOpState() {
	op, err := r.bus.ReadOperatingState()
	if err != nil {
		r.log.WithError(err).Debug("operating state unavailable after command")
		return
	}
	r.status.BusOpState = op
}

func errorCode(err error) uint8 {
	if errors.Is(err, ErrUnknownCommand) {
		return ErrorUnknownCommand
	}
	return ErrorBus
}

// PollBus refreshes the heater telemetry: the operating state, then either a
// multi-status snapshot or the fallback status pages.
func (r *Receiver) PollBus() error {
	r.lastPollAt = r.clock.Now()

	op, opErr := r.bus.ReadOperatingState()
	if opErr == nil {
		if op != r.status.BusOpState {
			r.log.WithFields(log.Fields{
				"op":   fmt.Sprintf("0x%02X", op),
				"name": wbus.OpStateName(op),
			}).Debug("operating state")
		}
		r.status.BusOpState = op
		r.status.State = MapOpState(op)
	} else {
		r.log.WithError(opErr).Warn("operating state unavailable")
	}

	if r.durable.TLVSupport != TLVSupported || !r.pollMultiStatus() {
		r.pollPages()
	}

	r.status.MinutesRemaining = r.bus.Remaining()
	r.publish()

	if opErr != nil {
		return fmt.Errorf("read operating state: %w", opErr)
	}
	return nil
}

func (r *Receiver) pollMultiStatus() bool {
	st, err := r.bus.ReadMultiStatus(wbus.MultiStatusIDs)
	if err != nil {
		r.log.WithError(err).Debug("multi-status failed, falling back to pages")
		return false
	}

	if t, ok := st.TemperatureC(); ok {
		r.status.TemperatureC = t
	}
	if mv, ok := st.VoltageMilliVolts(); ok {
		r.status.VoltageMilliVolts = mv
	}
	if p, ok := st.Power(); ok {
		r.status.Power = p
	}
	r.tlvTags = st.Len()
	return true
}

func (r *Receiver) pollPages() {
	pages := r.pages

	if s, err := r.bus.ReadSensors(); err == nil {
		pages.Sensors = s
		pages.Valid = true
		r.status.TemperatureC = s.TemperatureC
		r.status.VoltageMilliVolts = s.VoltageMilliVolts
		r.log.WithFields(log.Fields{"temp": s.TemperatureC, "mv": s.VoltageMilliVolts}).Debug("page 0x05")
	} else {
		r.log.WithError(err).Debug("page 0x05 unavailable")
	}

	if l, err := r.bus.ReadActuatorLevels(); err == nil {
		pages.Levels = l
		r.log.WithFields(log.Fields{"glow": l.GlowPlug, "pump": l.FuelPump, "fan": l.CombustionFan}).Debug("page 0x0F")
	}
	if f, err := r.bus.ReadFlags(); err == nil {
		pages.Flags = f
	}
	if f, err := r.bus.ReadStateFlags(); err == nil {
		pages.StateFlags = f
		r.log.WithField("flags", fmt.Sprintf("0x%02X", f.Raw)).Debug("page 0x03")
	}
	if a, err := r.bus.ReadActuators(); err == nil {
		pages.Actuators = a
	}
	if c, err := r.bus.ReadCounters(); err == nil {
		pages.Counters = c
		r.log.WithField("starts", c.StartCounter).Debug("page 0x06")
	}

	r.pages = pages
}

func clampInt8(v int) int8 {
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	if v < math.MinInt8 {
		return math.MinInt8
	}
	return int8(v)
}

// emitStatus transmits the current status to the sender
func (r *Receiver) emitStatus() {
	r.statusSeq++
	if r.statusSeq == 0 {
		r.statusSeq = 1
	}

	r.status.RSSI = clampInt8(r.lastRSSI)
	r.status.SNR = clampInt8(int(math.Round(r.lastSNR)))

	frame, err := r.codec.Encode(linkproto.NewStatusPacket(linkproto.NodeReceiver, linkproto.NodeSender, r.statusSeq, r.status))
	if err != nil {
		r.log.WithError(err).Error("encode status")
		return
	}
	if err := r.radio.Transmit(frame); err != nil {
		r.log.WithError(err).Warn("status transmit failed")
	}

	r.publish()
	if r.onStatus != nil {
		r.onStatus(r.Snapshot())
	}
}

// Step runs one iteration of the power state machine. Waits inside the step
// end early when ctx is done.
func (r *Receiver) Step(ctx context.Context) {
	switch r.power {
	case PowerSleeping:
		r.stepSleeping(ctx)
	case PowerListening:
		r.stepListening(ctx)
	default:
		r.stepRunning(ctx)
	}
}

func (r *Receiver) stepSleeping(ctx context.Context) {
	if err := r.radio.Sleep(); err != nil {
		r.log.WithError(err).Warn("radio sleep failed")
	}
	if err := r.clock.SleepContext(ctx, r.cfg.SleepInterval); err != nil {
		return
	}

	if err := r.reset(); err != nil {
		r.log.WithError(err).Error("reset failed, keeping previous state")
	}
	r.ProbeTLVSupport()

	if err := r.radio.Wake(); err != nil {
		r.log.WithError(err).Warn("radio wake failed")
	}
	r.setPower(PowerListening)
}

func (r *Receiver) stepListening(ctx context.Context) {
	deadline := r.clock.Now().Add(r.cfg.ListenWindow)
	handled := false

	for r.clock.Now().Before(deadline) {
		if p, rec, ok := r.receiveCommand(); ok {
			r.HandleCommand(p, rec)
			handled = true
			break
		}
		if err := r.clock.SleepContext(ctx, listenPoll); err != nil {
			break
		}
	}

	if r.cfg.AlwaysOn || (handled && r.status.State == linkproto.StateRunning) {
		r.setPower(PowerRunning)
		return
	}
	r.setPower(PowerSleeping)
}

func (r *Receiver) stepRunning(ctx context.Context) {
	if p, rec, ok := r.receiveCommand(); ok {
		r.HandleCommand(p, rec)
	}

	if r.clock.Now().Sub(r.lastPollAt) >= r.cfg.PollInterval {
		r.PollBus()
		r.emitStatus()
	}

	if r.bus.NeedsKeepAlive() {
		if err := r.bus.KeepAlive(); err != nil {
			r.log.WithError(err).Warn("keep-alive failed")
		}
	}

	if !r.cfg.AlwaysOn && r.status.State != linkproto.StateRunning {
		r.setPower(PowerSleeping)
		return
	}
	_ = r.clock.SleepContext(ctx, runPoll)
}

// Run probes the heater and steps the state machine until ctx is done
func (r *Receiver) Run(ctx context.Context) error {
	r.ProbeTLVSupport()
	r.log.WithFields(log.Fields{
		"power":    r.power.String(),
		"last_seq": r.durable.LastProcessedSeq,
		"tlv":      r.durable.TLVSupport.String(),
	}).Info("receiver started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("receiver stopped")
			return nil
		default:
		}
		r.Step(ctx)
	}
}
