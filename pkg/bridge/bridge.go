// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge connects the sender to an MQTT broker: commands arrive on
// topics under a prefix, and telemetry and command results are published back.
//
// Topics, relative to the prefix:
//
//	cmd/start     start heating; payload is optional minutes
//	cmd/run       run for minutes; payload "45" or {"minutes":45}
//	cmd/stop      stop the heater
//	cmd/query     request a fresh status
//	telemetry     latest status (retained JSON)
//	result        outcome of each command (JSON)
//	availability  "online" or "offline" (retained, last will)
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Topic suffixes
const (
	TopicStart        = "cmd/start"
	TopicRun          = "cmd/run"
	TopicStop         = "cmd/stop"
	TopicQuery        = "cmd/query"
	TopicTelemetry    = "telemetry"
	TopicResult       = "result"
	TopicAvailability = "availability"
)

// DefaultRunMinutes is used by cmd/run when the payload is empty
const DefaultRunMinutes = 30

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandBacklog = 8
)

var (
	// ErrUnknownTopic is returned for topics outside the command set
	ErrUnknownTopic = errors.New("unknown command topic")
	// ErrBadMinutes is returned for a minutes payload outside 1..255
	ErrBadMinutes = errors.New("minutes must be 1-255")
	// ErrNotConnected is returned by publishes before Connect succeeds
	ErrNotConnected = errors.New("mqtt not connected")
)

// Config describes the broker connection
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// TelemetryMessage is the JSON published on the telemetry topic. Values the
// receiver has not measured are left out.
type TelemetryMessage struct {
	State            string    `json:"state"`
	MinutesRemaining uint8     `json:"minutes_remaining"`
	TemperatureC     *int16    `json:"temperature_c,omitempty"`
	VoltageV         float64   `json:"voltage_v"`
	Power            uint16    `json:"power"`
	BusOpState       *uint8    `json:"bus_op_state,omitempty"`
	BusOpStateName   string    `json:"bus_op_state_name,omitempty"`
	ErrorCode        uint8     `json:"error_code"`
	LastCommandSeq   uint16    `json:"last_command_seq"`
	ReceiverRSSI     int8      `json:"receiver_rssi"`
	ReceiverSNR      int8      `json:"receiver_snr"`
	SenderRSSI       int       `json:"sender_rssi"`
	SenderSNR        float64   `json:"sender_snr"`
	ReceivedAt       time.Time `json:"received_at"`
}

// ResultMessage is the JSON published on the result topic
type ResultMessage struct {
	Seq       uint16 `json:"seq"`
	Command   string `json:"command"`
	Minutes   uint8  `json:"minutes,omitempty"`
	Acked     bool   `json:"acked"`
	Attempts  int    `json:"attempts"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// NewTelemetryMessage converts sender telemetry to its published form. The
// operating state is named only once the receiver has talked to the heater,
// since a zero opcode is also a valid state.
func NewTelemetryMessage(t link.Telemetry) TelemetryMessage {
	st := t.Status
	m := TelemetryMessage{
		State:            st.State.String(),
		MinutesRemaining: st.MinutesRemaining,
		VoltageV:         float64(st.VoltageMilliVolts) / 1000,
		Power:            st.Power,
		ErrorCode:        st.ErrorCode,
		LastCommandSeq:   st.LastCommandSeq,
		ReceiverRSSI:     st.RSSI,
		ReceiverSNR:      st.SNR,
		SenderRSSI:       t.LocalRSSI,
		SenderSNR:        t.LocalSNR,
		ReceivedAt:       t.ReceivedAt,
	}
	if st.TemperatureKnown() {
		temp := st.TemperatureC
		m.TemperatureC = &temp
	}
	if st.State != linkproto.StateUnknown {
		op := st.BusOpState
		m.BusOpState = &op
		m.BusOpStateName = wbus.OpStateName(op)
	}
	return m
}

// NewResultMessage describes the outcome of one command exchange
func NewResultMessage(cmd linkproto.Command, res link.Result, err error) ResultMessage {
	m := ResultMessage{
		Seq:       res.Seq,
		Command:   cmd.Kind.String(),
		Minutes:   cmd.Minutes,
		Acked:     err == nil,
		Attempts:  res.Attempts,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// ParseMinutes accepts an empty payload, a bare number, or {"minutes":N}.
// Empty yields fallback.
func ParseMinutes(payload []byte, fallback uint8) (uint8, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return fallback, nil
	}

	var n int
	if strings.HasPrefix(s, "{") {
		var body struct {
			Minutes *int `json:"minutes"`
		}
		if err := json.Unmarshal([]byte(s), &body); err != nil {
			return 0, fmt.Errorf("minutes payload: %w", err)
		}
		if body.Minutes == nil {
			return fallback, nil
		}
		n = *body.Minutes
	} else {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("minutes payload %q: %w", s, err)
		}
		n = v
	}

	if n < 1 || n > 255 {
		return 0, fmt.Errorf("%w: got %d", ErrBadMinutes, n)
	}
	return uint8(n), nil
}

// ParseMessage maps a message on a command topic to a link command
func ParseMessage(prefix, topic string, payload []byte) (linkproto.Command, error) {
	suffix, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return linkproto.Command{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	switch suffix {
	case TopicStop:
		return linkproto.Command{Kind: linkproto.CmdStop}, nil
	case TopicQuery:
		return linkproto.Command{Kind: linkproto.CmdQueryStatus}, nil
	case TopicStart:
		// Zero lets the receiver use its remembered run time
		minutes, err := ParseMinutes(payload, 0)
		if err != nil {
			return linkproto.Command{}, err
		}
		return linkproto.Command{Kind: linkproto.CmdStart, Minutes: minutes}, nil
	case TopicRun:
		minutes, err := ParseMinutes(payload, DefaultRunMinutes)
		if err != nil {
			return linkproto.Command{}, err
		}
		return linkproto.Command{Kind: linkproto.CmdRunMinutes, Minutes: minutes}, nil
	default:
		return linkproto.Command{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

// Bridge relays between the broker and the sender
type Bridge struct {
	cfg      Config
	prefix   string
	log      *log.Entry
	commands chan linkproto.Command

	mu     sync.Mutex
	client mqtt.Client
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the log entry
func WithLogger(l *log.Entry) Option {
	return func(b *Bridge) { b.log = l }
}

// New creates a bridge. A client id is generated when cfg has none.
func New(cfg Config, opts ...Option) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "heliolink-" + uuid.New().String()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "heliolink"
	}

	b := &Bridge{
		cfg:      cfg,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		log:      log.WithField("component", "bridge"),
		commands: make(chan linkproto.Command, commandBacklog),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topic returns the full topic for suffix
func (b *Bridge) Topic(suffix string) string {
	return b.prefix + "/" + suffix
}

// ClientID returns the MQTT client id in use
func (b *Bridge) ClientID() string {
	return b.cfg.ClientID
}

// Commands delivers parsed commands in arrival order
func (b *Bridge) Commands() <-chan linkproto.Command {
	return b.commands
}

// Connect dials the broker. Subscriptions are renewed on every reconnect.
func (b *Bridge) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetKeepAlive(60*time.Second).
		SetWill(b.Topic(TopicAvailability), "offline", b.cfg.QoS, true)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.WithField("broker", b.cfg.Broker).Info("connected to MQTT broker")
		if err := b.subscribe(c); err != nil {
			b.log.WithError(err).Error("subscribe failed")
		}
		if err := b.publish(c, TopicAvailability, true, []byte("online")); err != nil {
			b.log.WithError(err).Warn("availability publish failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		b.log.Warn("MQTT connect still pending, retrying in background")
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", b.cfg.Broker, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	filters := map[string]byte{}
	for _, suffix := range []string{TopicStart, TopicRun, TopicStop, TopicQuery} {
		filters[b.Topic(suffix)] = b.cfg.QoS
	}

	token := c.SubscribeMultiple(filters, b.handleMessage)
	token.Wait()
	return token.Error()
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	logger := b.log.WithField("topic", msg.Topic())

	cmd, err := ParseMessage(b.prefix, msg.Topic(), msg.Payload())
	if err != nil {
		logger.WithError(err).Warn("rejecting command")
		return
	}

	select {
	case b.commands <- cmd:
		logger.WithFields(log.Fields{"command": cmd.Kind.String(), "minutes": cmd.Minutes}).Info("command received")
	default:
		logger.Warn("command queue full, dropping")
	}
}

func (b *Bridge) publish(c mqtt.Client, suffix string, retained bool, payload []byte) error {
	if c == nil {
		return ErrNotConnected
	}
	token := c.Publish(b.Topic(suffix), b.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", suffix)
	}
	return token.Error()
}

func (b *Bridge) current() mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *Bridge) publishJSON(suffix string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", suffix, err)
	}
	b.log.WithFields(log.Fields{"topic": b.Topic(suffix), "payload": string(payload)}).Debug("publish")
	return b.publish(b.current(), suffix, retained, payload)
}

// PublishTelemetry publishes t as the retained telemetry message
func (b *Bridge) PublishTelemetry(t link.Telemetry) error {
	if !t.Valid {
		return nil
	}
	return b.publishJSON(TopicTelemetry, true, NewTelemetryMessage(t))
}

// PublishResult reports how a command exchange ended
func (b *Bridge) PublishResult(cmd linkproto.Command, res link.Result, err error) error {
	return b.publishJSON(TopicResult, false, NewResultMessage(cmd, res, err))
}

// Close marks the bridge offline and disconnects
func (b *Bridge) Close() {
	c := b.current()
	if c == nil {
		return
	}
	if c.IsConnectionOpen() {
		if err := b.publish(c, TopicAvailability, true, []byte("offline")); err != nil {
			b.log.WithError(err).Debug("offline publish failed")
		}
	}
	c.Disconnect(250)
}
