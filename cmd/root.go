// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/heliolink/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	keyFlag    string

	// Heater bus connection flags
	busPort       string
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Radio modem flags
	radioPort string
	radioBaud int

	// cfg is loaded before any command runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "heliolink",
	Short: "Long-range remote control for parking heaters",
	Long: `Heliolink - Remote control of a W-BUS parking heater over a LoRa link.

Two endpoints share a 128-bit key:
  receiver   runs next to the heater, translating link commands to the bus
  send       issues start, stop, run and query commands from the sender side
  bridge     exposes the sender over MQTT
  control    interactive terminal UI for the sender

Bench tools: raw_log, radio_monitor, simulate, demo, history.

Connection modes for the heater bus:
  Serial:    --bus-port /dev/ttyUSB0 (2400 baud 8E1)
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the
HELIOLINK_BUS_PASSWORD environment variable, or prompted interactively if not
set. The key may be given with --key or HELIOLINK_KEY.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&keyFlag, "key", "k", "", "Link key as 32 hex digits")

	// Heater bus connection flags
	rootCmd.PersistentFlags().StringVarP(&busPort, "bus-port", "p", "", "Heater bus serial device")
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "Heater bus WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Radio modem flags
	rootCmd.PersistentFlags().StringVarP(&radioPort, "radio-port", "r", "", "LoRa modem serial device")
	rootCmd.PersistentFlags().IntVar(&radioBaud, "radio-baud", 0, "LoRa modem baud rate")
}

// loadConfig reads the configuration, lets flags override it and sets up
// logging.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("key") {
		c.Key = keyFlag
	}
	if flags.Changed("bus-port") {
		c.Bus.Port = busPort
	}
	if flags.Changed("url") {
		c.Bus.URL = wsURL
	}
	if flags.Changed("radio-port") {
		c.Radio.Port = radioPort
	}
	if flags.Changed("radio-baud") {
		c.Radio.Baud = radioBaud
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = c
	return setupLogging(cfg.Log.Level)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
