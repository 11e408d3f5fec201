// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/heliolink/pkg/linkproto"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Receiver.ListenWindow.D() != 400*time.Millisecond {
		t.Errorf("listen window = %v", cfg.Receiver.ListenWindow.D())
	}
	if _, err := cfg.LinkKey(); !errors.Is(err, ErrNoKey) {
		t.Errorf("LinkKey() = %v, want ErrNoKey", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "heliolink.yaml", `
key: `+testKeyHex+`
radio:
  port: /dev/ttyUSB0
  spreading_factor: 9
receiver:
  always_on: true
  poll_interval: 5s
link:
  retry_interval: 500ms
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Radio.Port != "/dev/ttyUSB0" || cfg.Radio.SpreadingFactor != 9 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if !cfg.Receiver.AlwaysOn || cfg.Receiver.PollInterval.D() != 5*time.Second {
		t.Errorf("receiver = %+v", cfg.Receiver)
	}
	if cfg.Link.RetryInterval.D() != 500*time.Millisecond {
		t.Errorf("retry interval = %v", cfg.Link.RetryInterval.D())
	}
	// Unset values keep their defaults
	if cfg.Receiver.SleepInterval.D() != 4*time.Second || cfg.Radio.Bandwidth != 7 {
		t.Errorf("defaults lost: %+v %+v", cfg.Receiver, cfg.Radio)
	}

	key, err := cfg.LinkKey()
	if err != nil || key != (linkproto.Key{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}) {
		t.Errorf("LinkKey() = %v, %v", key, err)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "heliolink.toml", `
key = "`+testKeyHex+`"

[bus]
port = "/dev/ttyAMA0"
break = false
tx_enable_pin = 17

[mqtt]
broker = "tcp://broker:1883"
qos = 1

[receiver]
listen_window = "250ms"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.Port != "/dev/ttyAMA0" || cfg.Bus.Break || cfg.Bus.TxEnablePin != 17 {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.QoS != 1 {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.ReceiverSettings().ListenWindow != 250*time.Millisecond {
		t.Errorf("listen window = %v", cfg.ReceiverSettings().ListenWindow)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown format", "cfg.json", "{}", "unsupported format"},
		{"bad yaml", "cfg.yaml", "radio: [", "parse config"},
		{"bad duration", "cfg.yaml", "link:\n  ack_timeout: soon\n", "parse config"},
		{"bad key", "cfg.yaml", "key: zz\n", "key"},
		{"bad level", "cfg.toml", "[log]\nlevel = \"loud\"\n", "log level"},
		{"retry exceeds timeout", "cfg.yaml", "link:\n  ack_timeout: 1s\n  retry_interval: 2s\n", "retry interval"},
		{"same addresses", "cfg.yaml", "radio:\n  sender_address: 3\n  receiver_address: 3\n", "share address"},
		{"bad spreading factor", "cfg.yaml", "radio:\n  spreading_factor: 13\n", "spreading factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HELIOLINK_KEY":         testKeyHex,
		"HELIOLINK_RADIO_PORT":  "/dev/ttyS1",
		"HELIOLINK_MQTT_BROKER": "tcp://mqtt:1883",
		"HELIOLINK_LOG_LEVEL":   "warn",
		"HELIOLINK_ALWAYS_ON":   "true",
		"HELIOLINK_BUS_PORT":    "",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	cfg := Default()
	cfg.Bus.Port = "/dev/keep"
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Key != testKeyHex || cfg.Radio.Port != "/dev/ttyS1" || cfg.MQTT.Broker != "tcp://mqtt:1883" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Log.Level != "warn" || !cfg.Receiver.AlwaysOn {
		t.Errorf("log = %q, always on = %v", cfg.Log.Level, cfg.Receiver.AlwaysOn)
	}
	if cfg.Bus.Port != "/dev/keep" {
		t.Errorf("empty variable overrode bus port: %q", cfg.Bus.Port)
	}

	env["HELIOLINK_ALWAYS_ON"] = "maybe"
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("invalid boolean accepted")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "heliolink.yaml", "radio:\n  port: /dev/file\n")
	t.Setenv("HELIOLINK_RADIO_PORT", "/dev/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.Port != "/dev/env" {
		t.Errorf("radio port = %q, want environment value", cfg.Radio.Port)
	}
}

func TestLoRa_Sides(t *testing.T) {
	cfg := Default()
	tx, rx := cfg.LoRa(false), cfg.LoRa(true)
	if tx.Address != 1 || tx.PeerAddress != 2 {
		t.Errorf("sender side = %d -> %d", tx.Address, tx.PeerAddress)
	}
	if rx.Address != 2 || rx.PeerAddress != 1 {
		t.Errorf("receiver side = %d -> %d", rx.Address, rx.PeerAddress)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Key = testKeyHex
			cfg.Receiver.PollInterval = Duration(3 * time.Second)

			path := filepath.Join(t.TempDir(), name)
			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Key != cfg.Key || got.Receiver.PollInterval != cfg.Receiver.PollInterval {
				t.Errorf("round trip lost values: %+v", got)
			}
		})
	}
}
