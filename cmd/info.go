// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device identity and firmware info",
	Long: `Read the device's identity blocks: model, hardware and firmware
versions, manufacturing date, serial and hardware id.

Reading identity blocks uses encrypted memory reads; it works over the
vendor USB interface.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Disconnect()

	info, err := dev.ReadDeviceInfo()
	if err != nil {
		return err
	}
	hwid, hwidErr := dev.ReadHardwareID()

	row := func(label, value string) {
		if value != "" {
			fmt.Printf("  %-18s %s\n", label, value)
		}
	}

	fmt.Println("POWER-Z device information")
	row("Model:", info.Model)
	row("Hardware version:", info.HwVersion)
	row("Mfg date:", info.MfgDate)
	row("Firmware version:", info.FwVersion)
	row("Firmware date:", info.FwDate)
	row("Serial:", info.SerialID)
	row("UUID:", info.UUID)
	if hwidErr == nil {
		row("Hardware id:", hwid.String())
		if prefix := hwid.SerialPrefix(); prefix != "" {
			row("Serial prefix:", prefix)
		}
		row("Device id:", fmt.Sprintf("%d", hwid.DeviceID()))
	} else {
		logger.Debug().Err(hwidErr).Msg("hardware id read failed")
	}
	return nil
}
