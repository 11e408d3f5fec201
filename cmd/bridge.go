// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Thermoquad/heliolink/pkg/bridge"
	"github.com/Thermoquad/heliolink/pkg/link"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Relay commands and telemetry between MQTT and the link",
	Long: `Connect the sender to an MQTT broker.

Commands are taken from <prefix>/cmd/start, /cmd/run, /cmd/stop and /cmd/query
and sent one at a time. The outcome of each is published on <prefix>/result,
and every status heard from the receiver is published, retained, on
<prefix>/telemetry.

The broker is set with mqtt.broker in the config file or HELIOLINK_MQTT_BROKER,
for example tcp://localhost:1883.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	if cfg.MQTT.Broker == "" {
		return errors.New("no MQTT broker configured")
	}

	session, err := openSenderSession()
	if err != nil {
		return err
	}
	defer session.Close()

	b := bridge.New(bridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
	})
	if err := b.Connect(); err != nil {
		return err
	}
	defer b.Close()

	fmt.Printf("Heliolink - MQTT Bridge\n")
	fmt.Printf("Radio: %s\n", session.info)
	fmt.Printf("Broker: %s as %s\n", cfg.MQTT.Broker, b.ClientID())
	fmt.Printf("Topics: %s\n", b.Topic("#"))
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return relay(ctx, session, b)
}

// relay runs commands from the bridge one at a time and publishes telemetry
// whenever a new status arrives.
func relay(ctx context.Context, session *senderSession, b *bridge.Bridge) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var published time.Time
	publish := func() {
		t := session.sender.Telemetry()
		if !t.Valid || !t.ReceivedAt.After(published) {
			return
		}
		if err := b.PublishTelemetry(t); err != nil {
			log.WithError(err).Warn("telemetry publish failed")
			return
		}
		published = t.ReceivedAt
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case command := <-b.Commands():
			res, err := session.execute(ctx, command, "mqtt")
			if err != nil && !errors.Is(err, link.ErrAckTimeout) {
				log.WithError(err).Error("command failed")
			}
			if perr := b.PublishResult(command, res, err); perr != nil {
				log.WithError(perr).Warn("result publish failed")
			}
			publish()

		case <-ticker.C:
			session.sender.Poll()
			publish()
		}
	}
}
