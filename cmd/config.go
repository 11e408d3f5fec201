// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/Thermoquad/heliolink/pkg/linkproto"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create configuration files and link keys",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path.yaml|path.toml>",
	Short: "Write the effective configuration with a fresh key",
	Long: `Write the current configuration (defaults, config file, environment and
flags) to a new file. If no key is set, a random one is generated. Copy the
file to both ends of the link so they share the key.`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigInit,
}

var configKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random link key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := generateKey()
		if err != nil {
			return err
		}
		fmt.Println(key.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configKeygenCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}

func generateKey() (linkproto.Key, error) {
	var key linkproto.Key
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	out := *cfg
	if out.Key == "" {
		key, err := generateKey()
		if err != nil {
			return err
		}
		out.Key = key.String()
	}

	if err := out.Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
