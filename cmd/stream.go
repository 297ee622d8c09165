// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/okhsunrog/km003c-go/pkg/km003c"
)

var (
	streamRate     uint32
	streamDuration time.Duration
	streamFormat   string
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream buffered high-rate samples",
	Long: `Authenticate, start AdcQueue streaming at the given sample rate and
drain the device buffer until interrupted (or for --duration).

Samples are written as CSV (sequence, vbus_v, ibus_a, power_w, cc1_v,
cc2_v) or as CBOR records with --format cbor. Gaps in the sample sequence
are reported on stderr.

Streaming requires the vendor USB interface; it is refused over HID.

Examples:
  km003c stream --rate 1000
  km003c stream --rate 50 --duration 30s --format cbor > samples.cbor`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().Uint32Var(&streamRate, "rate", 1000, "Sample rate in sps (1, 10, 50, 1000, 10000)")
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 0, "Stop after this long (0 = until interrupted)")
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "csv", "Output format: csv, cbor")
}

type sampleRecord struct {
	Sequence uint32  `cbor:"1,keyasint"`
	VbusV    float64 `cbor:"2,keyasint"`
	IbusA    float64 `cbor:"3,keyasint"`
	PowerW   float64 `cbor:"4,keyasint"`
	Cc1V     float64 `cbor:"5,keyasint"`
	Cc2V     float64 `cbor:"6,keyasint"`
}

func runStream(cmd *cobra.Command, args []string) error {
	rate, ok := km003c.RateForHz(streamRate)
	if !ok {
		return fmt.Errorf("unsupported sample rate %d sps", streamRate)
	}

	var emit func(km003c.AdcQueueSample) error
	switch streamFormat {
	case "csv":
		fmt.Println("sequence,vbus_v,ibus_a,power_w,cc1_v,cc2_v")
		emit = func(s km003c.AdcQueueSample) error {
			_, err := fmt.Printf("%d,%.6f,%.6f,%.6f,%.4f,%.4f\n",
				s.Sequence, s.VbusV, s.IbusA, s.PowerW, s.Cc1V, s.Cc2V)
			return err
		}
	case "cbor":
		enc := cbor.NewEncoder(os.Stdout)
		emit = func(s km003c.AdcQueueSample) error {
			return enc.Encode(sampleRecord{
				Sequence: s.Sequence,
				VbusV:    s.VbusV,
				IbusA:    s.IbusA,
				PowerW:   s.PowerW,
				Cc1V:     s.Cc1V,
				Cc2V:     s.Cc2V,
			})
		}
	default:
		return fmt.Errorf("unknown format %q (use csv or cbor)", streamFormat)
	}

	dev, err := openDevice(km003c.WithDropHandler(func(gap int) {
		fmt.Fprintf(os.Stderr, "warning: %d samples dropped\n", gap)
	}))
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Disconnect()

	if _, err := dev.Authenticate(); err != nil {
		return fmt.Errorf("streaming authentication: %w", err)
	}
	if err := dev.StartGraph(rate); err != nil {
		return err
	}
	defer dev.StopGraph()

	// Poll fast enough to outrun the device buffer at the highest rates.
	pollEvery := 100 * time.Millisecond

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	var deadline <-chan time.Time
	if streamDuration > 0 {
		deadline = time.After(streamDuration)
	}

	total := 0
	for {
		q, err := dev.PollSamples()
		if err != nil {
			return err
		}
		for _, s := range q.Samples {
			if err := emit(s); err != nil {
				return err
			}
		}
		total += len(q.Samples)

		select {
		case <-interrupt:
			logger.Info().Int("samples", total).Msg("interrupted")
			return nil
		case <-deadline:
			logger.Info().Int("samples", total).Msg("done")
			return nil
		case <-time.After(pollEvery):
		}
	}
}
