// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Heliolink - Remote control for a Webasto parking heater over LoRa
//
// A CLI tool that runs either end of the radio link: the receiver beside the
// heater bus, or the sender that issues start/run/stop commands.

package main

import (
	"os"

	"github.com/Thermoquad/heliolink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
