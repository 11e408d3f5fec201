// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads heliolink settings from YAML or TOML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Thermoquad/heliolink/pkg/link"
	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/Thermoquad/heliolink/pkg/lora"
	"github.com/Thermoquad/heliolink/pkg/receiver"
	"github.com/Thermoquad/heliolink/pkg/wbus"
	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HELIOLINK_"

// ErrNoKey is returned by LinkKey when no key is configured
var ErrNoKey = errors.New("link key not configured")

// Duration is a time.Duration written as a string such as "400ms"
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the complete heliolink configuration
type Config struct {
	Key      string         `yaml:"key" toml:"key"`
	Radio    RadioConfig    `yaml:"radio" toml:"radio"`
	Bus      BusConfig      `yaml:"bus" toml:"bus"`
	Link     LinkConfig     `yaml:"link" toml:"link"`
	Receiver ReceiverConfig `yaml:"receiver" toml:"receiver"`
	MQTT     MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	Journal  JournalConfig  `yaml:"journal" toml:"journal"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// RadioConfig describes the LoRa modem shared by both endpoints
type RadioConfig struct {
	Port            string `yaml:"port" toml:"port"`
	Baud            int    `yaml:"baud" toml:"baud"`
	SenderAddress   uint16 `yaml:"sender_address" toml:"sender_address"`
	ReceiverAddress uint16 `yaml:"receiver_address" toml:"receiver_address"`
	NetworkID       uint8  `yaml:"network_id" toml:"network_id"`
	BandHz          uint32 `yaml:"band_hz" toml:"band_hz"`
	SpreadingFactor uint8  `yaml:"spreading_factor" toml:"spreading_factor"`
	Bandwidth       uint8  `yaml:"bandwidth" toml:"bandwidth"`
	CodingRate      uint8  `yaml:"coding_rate" toml:"coding_rate"`
	Preamble        uint8  `yaml:"preamble" toml:"preamble"`
}

// BusConfig describes the heater bus connection
type BusConfig struct {
	Port            string   `yaml:"port" toml:"port"`
	URL             string   `yaml:"url" toml:"url"`
	Break           bool     `yaml:"break" toml:"break"`
	TxEnablePin     int      `yaml:"tx_enable_pin" toml:"tx_enable_pin"` // -1 when unused
	ResponseTimeout Duration `yaml:"response_timeout" toml:"response_timeout"`
}

// LinkConfig holds the sender's retry policy
type LinkConfig struct {
	AckTimeout    Duration `yaml:"ack_timeout" toml:"ack_timeout"`
	RetryInterval Duration `yaml:"retry_interval" toml:"retry_interval"`
}

// ReceiverConfig holds the receiver's power policy and state file
type ReceiverConfig struct {
	StatePath         string   `yaml:"state_path" toml:"state_path"`
	DefaultRunMinutes uint8    `yaml:"default_run_minutes" toml:"default_run_minutes"`
	AlwaysOn          bool     `yaml:"always_on" toml:"always_on"`
	ListenWindow      Duration `yaml:"listen_window" toml:"listen_window"`
	SleepInterval     Duration `yaml:"sleep_interval" toml:"sleep_interval"`
	PollInterval      Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// MQTTConfig configures the telemetry bridge
type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         byte   `yaml:"qos" toml:"qos"`
}

// JournalConfig locates the sender's command journal
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LogConfig sets the log level
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Default returns the built-in configuration
func Default() *Config {
	rx := receiver.DefaultConfig()
	radio := lora.DefaultConfig()
	return &Config{
		Radio: RadioConfig{
			Baud:            115200,
			SenderAddress:   linkproto.NodeSender,
			ReceiverAddress: linkproto.NodeReceiver,
			NetworkID:       radio.NetworkID,
			BandHz:          radio.BandHz,
			SpreadingFactor: radio.SpreadingFactor,
			Bandwidth:       radio.Bandwidth,
			CodingRate:      radio.CodingRate,
			Preamble:        radio.Preamble,
		},
		Bus: BusConfig{
			Break:           true,
			TxEnablePin:     -1,
			ResponseTimeout: Duration(wbus.ResponseTimeout),
		},
		Link: LinkConfig{
			AckTimeout:    Duration(link.DefaultAckTimeout),
			RetryInterval: Duration(link.DefaultRetryInterval),
		},
		Receiver: ReceiverConfig{
			StatePath:         "heliolink-state.cbor",
			DefaultRunMinutes: rx.DefaultRunMinutes,
			ListenWindow:      Duration(rx.ListenWindow),
			SleepInterval:     Duration(rx.SleepInterval),
			PollInterval:      Duration(rx.PollInterval),
		},
		MQTT: MQTTConfig{
			TopicPrefix: "heliolink",
		},
		Journal: JournalConfig{
			Path: "heliolink-journal.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the defaults, then path if it is not empty, then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from HELIOLINK_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	str("KEY", &c.Key)
	str("RADIO_PORT", &c.Radio.Port)
	str("BUS_PORT", &c.Bus.Port)
	str("BUS_URL", &c.Bus.URL)
	str("STATE_PATH", &c.Receiver.StatePath)
	str("JOURNAL_PATH", &c.Journal.Path)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_USER", &c.MQTT.Username)
	str("MQTT_PASS", &c.MQTT.Password)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup(EnvPrefix + "ALWAYS_ON"); ok && v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sALWAYS_ON: %w", EnvPrefix, err)
		}
		c.Receiver.AlwaysOn = on
	}
	if v, ok := lookup(EnvPrefix + "TX_ENABLE_PIN"); ok && v != "" {
		pin, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTX_ENABLE_PIN: %w", EnvPrefix, err)
		}
		c.Bus.TxEnablePin = pin
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a command
func (c *Config) Validate() error {
	if c.Key != "" {
		if _, err := linkproto.ParseKey(c.Key); err != nil {
			return fmt.Errorf("key: %w", err)
		}
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if err := c.LoRa(false).Validate(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if c.Radio.SenderAddress == c.Radio.ReceiverAddress {
		return fmt.Errorf("radio: sender and receiver share address %d", c.Radio.SenderAddress)
	}
	if c.Link.AckTimeout <= 0 || c.Link.RetryInterval <= 0 {
		return errors.New("link: timeouts must be positive")
	}
	if c.Link.RetryInterval > c.Link.AckTimeout {
		return fmt.Errorf("link: retry interval %v exceeds ack timeout %v", c.Link.RetryInterval.D(), c.Link.AckTimeout.D())
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos %d out of range 0-2", c.MQTT.QoS)
	}
	return nil
}

// LinkKey parses the configured key
func (c *Config) LinkKey() (linkproto.Key, error) {
	if c.Key == "" {
		return linkproto.Key{}, ErrNoKey
	}
	return linkproto.ParseKey(c.Key)
}

// LoRa returns the modem configuration for one end of the link
func (c *Config) LoRa(receiverSide bool) lora.Config {
	cfg := lora.Config{
		Address:         c.Radio.SenderAddress,
		PeerAddress:     c.Radio.ReceiverAddress,
		NetworkID:       c.Radio.NetworkID,
		BandHz:          c.Radio.BandHz,
		SpreadingFactor: c.Radio.SpreadingFactor,
		Bandwidth:       c.Radio.Bandwidth,
		CodingRate:      c.Radio.CodingRate,
		Preamble:        c.Radio.Preamble,
		CommandTimeout:  time.Second,
	}
	if receiverSide {
		cfg.Address, cfg.PeerAddress = cfg.PeerAddress, cfg.Address
	}
	return cfg
}

// ReceiverSettings returns the receiver's timing
func (c *Config) ReceiverSettings() receiver.Config {
	return receiver.Config{
		DefaultRunMinutes: c.Receiver.DefaultRunMinutes,
		AlwaysOn:          c.Receiver.AlwaysOn,
		ListenWindow:      c.Receiver.ListenWindow.D(),
		SleepInterval:     c.Receiver.SleepInterval.D(),
		PollInterval:      c.Receiver.PollInterval.D(),
	}
}

// Save writes the configuration to path in the format its extension selects
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		data, err = toml.Marshal(c)
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
