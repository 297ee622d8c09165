// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/okhsunrog/km003c-go/pkg/km003c"
)

var (
	adcWatch    time.Duration
	adcCount    int
	adcFormat   string
)

var adcCmd = &cobra.Command{
	Use:   "adc",
	Short: "Poll ADC measurements",
	Long: `Request ADC snapshots: VBUS, IBUS, power, temperature, CC and D± line
voltages.

A single snapshot is printed by default. With --watch the command polls at
the given interval until interrupted; --count limits the number of polls.

Output formats: text (default), json, cbor (binary, one record per
snapshot on stdout).

Examples:
  km003c adc
  km003c adc --watch 500ms
  km003c adc --watch 1s --count 60 --format json`,
	RunE: runAdc,
}

func init() {
	rootCmd.AddCommand(adcCmd)
	adcCmd.Flags().DurationVarP(&adcWatch, "watch", "w", 0, "Poll repeatedly at this interval")
	adcCmd.Flags().IntVarP(&adcCount, "count", "n", 0, "Stop after this many polls (0 = unlimited)")
	adcCmd.Flags().StringVarP(&adcFormat, "format", "f", "text", "Output format: text, json, cbor")
}

// adcRecord is the serialized form of one snapshot.
type adcRecord struct {
	Time  time.Time `json:"time" cbor:"1,keyasint"`
	VbusV float64   `json:"vbus_v" cbor:"2,keyasint"`
	IbusA float64   `json:"ibus_a" cbor:"3,keyasint"`
	PowerW float64  `json:"power_w" cbor:"4,keyasint"`
	TempC float64   `json:"temp_c" cbor:"5,keyasint"`
	Cc1V  float64   `json:"cc1_v" cbor:"6,keyasint"`
	Cc2V  float64   `json:"cc2_v" cbor:"7,keyasint"`
	VdpV  float64   `json:"vdp_v" cbor:"8,keyasint"`
	VdmV  float64   `json:"vdm_v" cbor:"9,keyasint"`
}

func runAdc(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Disconnect()

	emit, err := adcEmitter()
	if err != nil {
		return err
	}

	polls := 0
	for {
		adc, err := dev.RequestAdc()
		if err != nil {
			return err
		}
		if err := emit(adc); err != nil {
			return err
		}

		polls++
		if adcWatch == 0 || (adcCount > 0 && polls >= adcCount) {
			return nil
		}
		time.Sleep(adcWatch)
	}
}

// adcEmitter returns the output function for the selected format.
func adcEmitter() (func(*km003c.AdcData) error, error) {
	switch adcFormat {
	case "text":
		interactive := term.IsTerminal(int(os.Stdout.Fd()))
		return func(adc *km003c.AdcData) error {
			if interactive && adcWatch > 0 {
				// rewrite a single status line while watching
				fmt.Printf("\r\033[K%s", adc)
				return nil
			}
			fmt.Println(adc)
			return nil
		}, nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		return func(adc *km003c.AdcData) error {
			return enc.Encode(newAdcRecord(adc))
		}, nil
	case "cbor":
		enc := cbor.NewEncoder(os.Stdout)
		return func(adc *km003c.AdcData) error {
			return enc.Encode(newAdcRecord(adc))
		}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (use text, json or cbor)", adcFormat)
	}
}

func newAdcRecord(adc *km003c.AdcData) adcRecord {
	return adcRecord{
		Time:   time.Now(),
		VbusV:  adc.VbusV,
		IbusA:  adc.IbusA,
		PowerW: adc.PowerW,
		TempC:  adc.TempC,
		Cc1V:   adc.Cc1V,
		Cc2V:   adc.Cc2V,
		VdpV:   adc.Vdp,
		VdmV:   adc.Vdm,
	}
}
