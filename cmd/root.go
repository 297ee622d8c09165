// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Connection flags
	serialPort string
	wsURL      string
	useHID     bool

	// Session flags
	requestTimeout time.Duration

	// Misc flags
	configPath string
	verbose    bool

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "km003c",
	Short: "POWER-Z KM003C USB-C power analyzer tool",
	Long: `km003c talks to a ChargerLAB POWER-Z KM003C USB-C power analyzer.

Provides commands for polling ADC measurements, capturing USB-PD traffic,
high-rate sample streaming, and a live monitor TUI.

Connection modes:
  USB (default):  vendor-specific bulk interface, fastest (~0.6 ms/request)
  USB HID:        --hid, interrupt transfers, no driver setup needed
  Serial:         --serial /dev/ttyACM0, the device's CDC interface
  Bridge:         --url ws://host/path, a remote capture bridge

Defaults for these flags can be placed in a TOML config file
(see --config).`,
	Version:           "0.3.0",
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serialPort, "serial", "s", "", "Serial port of the device's CDC interface")
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket bridge URL (ws:// or wss://)")
	rootCmd.PersistentFlags().BoolVar(&useHID, "hid", false, "Use the HID interrupt interface instead of vendor bulk")
	rootCmd.PersistentFlags().DurationVarP(&requestTimeout, "timeout", "t", 2*time.Second, "Per-request response timeout")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file with flag defaults")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	}).Level(level).With().Timestamp().Logger()

	return applyConfigFile(cmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
